package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestInitLevelFiltering(t *testing.T) {
	tests := []struct {
		level   string
		logs    func()
		wantLog bool
	}{
		{"silent", func() { Error("boom") }, false},
		{"error", func() { Info("nope") }, false},
		{"error", func() { Error("boom") }, true},
		{"debug", func() { Debug("trace") }, true},
		{"bogus", func() { Info("nope") }, false},
		{"bogus", func() { Error("boom") }, true},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		Init(tt.level, &buf)
		tt.logs()
		got := buf.Len() > 0
		if got != tt.wantLog {
			t.Errorf("level %q: got log=%v, want %v (output: %q)", tt.level, got, tt.wantLog, buf.String())
		}
	}
}

func TestInitSetsDefaultLogger(t *testing.T) {
	var buf bytes.Buffer
	Init("info", &buf)
	slog.Default().Info("via default")
	if !strings.Contains(buf.String(), "via default") {
		t.Errorf("slog.Default() was not updated by Init: %q", buf.String())
	}
}
