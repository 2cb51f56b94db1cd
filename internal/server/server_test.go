//go:build integration

package server

import (
	"net"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/seatd-go/seatd/internal/proto"
)

// These exercise the daemon end-to-end over a real unix socket, so
// they're gated like the teacher's privileged/slow sandbox tests
// rather than run by default.

func waitForSocket(t *testing.T, path string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := os.Stat(path); err == nil {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("socket %s never appeared", path)
}

func TestServerSingleClientNonVTBoundScenario(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "seatd.sock")
	srv, err := New(Config{SocketPath: sockPath, VTBound: false, ChownUID: -1, ChownGID: -1, ReadyFd: -1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- srv.Run() }()
	waitForSocket(t, sockPath)

	conn, err := net.Dial("unix", sockPath)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	send := func(opcode uint16, body []byte) {
		hdr := proto.EncodeHeader(proto.Header{Opcode: opcode, Size: uint16(len(body))})
		if _, err := conn.Write(hdr[:]); err != nil {
			t.Fatalf("write header: %v", err)
		}
		if len(body) > 0 {
			if _, err := conn.Write(body); err != nil {
				t.Fatalf("write body: %v", err)
			}
		}
	}
	recvHeader := func() proto.Header {
		buf := make([]byte, proto.HeaderSize)
		if _, err := conn.Read(buf); err != nil {
			t.Fatalf("read header: %v", err)
		}
		h, err := proto.DecodeHeader(buf)
		if err != nil {
			t.Fatalf("DecodeHeader: %v", err)
		}
		if h.Size > 0 {
			body := make([]byte, h.Size)
			if _, err := conn.Read(body); err != nil {
				t.Fatalf("read body: %v", err)
			}
		}
		return h
	}

	send(proto.OpOpenSeat, nil)
	if h := recvHeader(); h.Opcode != proto.OpSeatOpened {
		t.Fatalf("first response opcode = %d, want SEAT_OPENED", h.Opcode)
	}
	if h := recvHeader(); h.Opcode != proto.OpEventEnableSeat {
		t.Fatalf("second message opcode = %d, want ENABLE_SEAT event", h.Opcode)
	}

	send(proto.OpPing, nil)
	if h := recvHeader(); h.Opcode != proto.OpPong {
		t.Fatalf("ping response opcode = %d, want PONG", h.Opcode)
	}

	if err := syscall.Kill(os.Getpid(), syscall.SIGTERM); err != nil {
		t.Fatalf("kill self SIGTERM: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not shut down after SIGTERM")
	}
}
