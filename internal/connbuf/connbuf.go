// Package connbuf implements the per-connection byte and ancillary-fd
// buffering specified in spec §4.2: an out buffer that is only flushed
// explicitly, an in buffer filled by explicit reads, and a small ring of
// received file descriptors riding alongside SCM_RIGHTS.
package connbuf

import (
	"errors"
	"fmt"
	"net"

	"golang.org/x/sys/unix"
)

const (
	// MaxBufSize bounds each direction's byte buffer (spec §4.2: "4 KiB
	// each is sufficient").
	MaxBufSize = 4096
	// MaxAncillaryFDs bounds each direction's fd ring.
	MaxAncillaryFDs = 16
)

// ErrOverflow is returned by Put/PutFD when the corresponding buffer has
// no room left.
var ErrOverflow = errors.New("connbuf: buffer overflow")

// ErrShort is returned by Get when fewer bytes than requested are
// buffered, and by GetFD when no fd is buffered.
var ErrShort = errors.New("connbuf: short read")

// Buf is the bidirectional connection buffer for one client socket.
type Buf struct {
	conn *net.UnixConn

	outBytes []byte
	outFDs   []int

	inBytes []byte
	inFDs   []int
}

// New wraps conn in a Buf. conn must be non-blocking at the kernel level
// (spec §5: "all client sockets are non-blocking") — the daemon sets
// that via SetNonblock on the underlying fd before handing it here.
func New(conn *net.UnixConn) *Buf {
	return &Buf{conn: conn}
}

// Put appends bytes to the out buffer. It never touches the socket.
func (b *Buf) Put(p []byte) error {
	if len(b.outBytes)+len(p) > MaxBufSize {
		return ErrOverflow
	}
	b.outBytes = append(b.outBytes, p...)
	return nil
}

// PutFD queues fd to be sent as ancillary data on the next Flush. The
// caller retains ownership until Flush succeeds.
func (b *Buf) PutFD(fd int) error {
	if len(b.outFDs) >= MaxAncillaryFDs {
		return ErrOverflow
	}
	b.outFDs = append(b.outFDs, fd)
	return nil
}

// Flush sends whatever is queued in the out buffer and out fd ring.
// Partial writes leave the remainder queued for the next Flush.
func (b *Buf) Flush() error {
	for len(b.outBytes) > 0 || len(b.outFDs) > 0 {
		var oob []byte
		if len(b.outFDs) > 0 {
			oob = unix.UnixRights(b.outFDs...)
		}
		n, oobn, err := b.conn.WriteMsgUnix(b.outBytes, oob, nil)
		if err != nil {
			return fmt.Errorf("connbuf: flush: %w", err)
		}
		b.outBytes = b.outBytes[n:]
		if oobn == len(oob) {
			b.outFDs = b.outFDs[:0]
		}
		if n == 0 && oobn == 0 {
			// Nothing could be written this round (e.g. EAGAIN handled
			// by the caller's poller); avoid spinning.
			return nil
		}
	}
	return nil
}

// Read pulls newly available bytes and ancillary fds from the socket via
// recvmsg, appending them to the in buffers, and returns the number of
// new bytes read.
func (b *Buf) Read() (int, error) {
	data := make([]byte, MaxBufSize)
	oob := make([]byte, unix.CmsgSpace(4)*MaxAncillaryFDs)

	n, oobn, _, _, err := b.conn.ReadMsgUnix(data, oob)
	if n == 0 && oobn == 0 {
		if err != nil {
			return 0, fmt.Errorf("connbuf: read: %w", err)
		}
		return 0, nil
	}

	if n > 0 {
		b.inBytes = append(b.inBytes, data[:n]...)
	}
	if oobn > 0 {
		scms, perr := unix.ParseSocketControlMessage(oob[:oobn])
		if perr == nil {
			for _, scm := range scms {
				fds, rerr := unix.ParseUnixRights(&scm)
				if rerr == nil {
					b.inFDs = append(b.inFDs, fds...)
				}
			}
		}
	}
	if err != nil {
		return n, fmt.Errorf("connbuf: read: %w", err)
	}
	return n, nil
}

// Get dequeues exactly len(p) bytes into p, or returns ErrShort if fewer
// than len(p) bytes are currently buffered. On ErrShort nothing is
// consumed.
func (b *Buf) Get(p []byte) error {
	if len(b.inBytes) < len(p) {
		return ErrShort
	}
	copy(p, b.inBytes[:len(p)])
	b.inBytes = b.inBytes[len(p):]
	return nil
}

// GetFD dequeues the next received fd, or returns ErrShort if none is
// buffered.
func (b *Buf) GetFD() (int, error) {
	if len(b.inFDs) == 0 {
		return -1, ErrShort
	}
	fd := b.inFDs[0]
	b.inFDs = b.inFDs[1:]
	return fd, nil
}

// Pending returns the number of bytes currently buffered for reading.
func (b *Buf) Pending() int {
	return len(b.inBytes)
}

// Restore pushes p back onto the front of the in buffer, used to peek a
// header then decide how much body to wait for.
func (b *Buf) Restore(p []byte) {
	b.inBytes = append(append([]byte{}, p...), b.inBytes...)
}

// Close closes the underlying connection and any fds still queued but
// never flushed or delivered (so a killed connection doesn't leak fds).
func (b *Buf) Close() error {
	for _, fd := range b.outFDs {
		unix.Close(fd)
	}
	for _, fd := range b.inFDs {
		unix.Close(fd)
	}
	b.outFDs = nil
	b.inFDs = nil
	return b.conn.Close()
}

// Fd returns the underlying socket fd, for poller registration.
func (b *Buf) Fd() (uintptr, error) {
	raw, err := b.conn.SyscallConn()
	if err != nil {
		return 0, err
	}
	var fd uintptr
	cerr := raw.Control(func(f uintptr) { fd = f })
	if cerr != nil {
		return 0, cerr
	}
	return fd, nil
}
