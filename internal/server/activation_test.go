package server

import (
	"os"
	"strconv"
	"testing"
)

func TestSocketActivationFdRequiresMatchingPID(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()+1))
	t.Setenv("LISTEN_FDS", "1")
	if _, ok := socketActivationFd(); ok {
		t.Fatalf("socketActivationFd() = ok with mismatched LISTEN_PID, want not ok")
	}
}

func TestSocketActivationFdAbsentWhenUnset(t *testing.T) {
	t.Setenv("LISTEN_PID", "")
	t.Setenv("LISTEN_FDS", "")
	os.Unsetenv("LISTEN_PID")
	os.Unsetenv("LISTEN_FDS")
	if _, ok := socketActivationFd(); ok {
		t.Fatalf("socketActivationFd() = ok with no env vars, want not ok")
	}
}

func TestSocketActivationFdMatchesSelf(t *testing.T) {
	t.Setenv("LISTEN_PID", strconv.Itoa(os.Getpid()))
	t.Setenv("LISTEN_FDS", "1")
	fd, ok := socketActivationFd()
	if !ok || fd != 3 {
		t.Fatalf("socketActivationFd() = (%d, %v), want (3, true)", fd, ok)
	}
}

func TestNewDefaultsSocketPath(t *testing.T) {
	srv, err := New(Config{})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer srv.poll.Close()
	if srv.cfg.SocketPath != DefaultSocketPath {
		t.Fatalf("cfg.SocketPath = %q, want %q", srv.cfg.SocketPath, DefaultSocketPath)
	}
}
