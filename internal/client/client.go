// Package client implements the per-connection state machine from
// spec §4.7: framing and bound-checking inbound requests, encoding
// responses and events, and enforcing back-pressure. Dispatching a
// request to the seat operations is done by internal/server.
package client

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/seatd-go/seatd/internal/connbuf"
	"github.com/seatd-go/seatd/internal/device"
	"github.com/seatd-go/seatd/internal/list"
	"github.com/seatd-go/seatd/internal/logging"
	"github.com/seatd-go/seatd/internal/proto"
	"github.com/seatd-go/seatd/internal/seaterr"
)

// State is the client's position in the NEW/ACTIVE/PENDING_DISABLE/
// DISABLED/CLOSED state machine (spec §4.7).
type State int

const (
	StateNew State = iota
	StateActive
	StatePendingDisable
	StateDisabled
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateActive:
		return "active"
	case StatePendingDisable:
		return "pending_disable"
	case StateDisabled:
		return "disabled"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Device is one device the client currently has open, tracked on the
// client so seat teardown can close everything it owns.
type Device struct {
	ID            int32
	CanonicalPath string
	Type          device.Type
	Fd            int
	RefCount      int
	Active        bool
}

// Credentials are the peer's identity captured at accept, via
// SO_PEERCRED (see canonical-snapd's ucrednet_test.go for the ucred
// shape this mirrors).
type Credentials struct {
	PID int32
	UID uint32
	GID uint32
}

// Client is one connected peer. Seat is an opaque back-reference kept
// as `any` to avoid an import cycle with internal/seat, which owns the
// list the client is linked into.
type Client struct {
	conn  *connbuf.Buf
	creds Credentials

	State   State
	Seat    any // *seat.Seat, set once added
	Session int32 // -1 until assigned by add_client
	Devices []*Device

	Node list.Node[*Client] // intrusive link into the owning seat's client list

	killed bool
}

// New wraps an accepted connection. Session starts at -1 ("never
// used"), matching add_client's "has been used before" rejection rule.
func New(conn *net.UnixConn) (*Client, error) {
	creds, err := peerCredentials(conn)
	if err != nil {
		return nil, fmt.Errorf("client: peer credentials: %w", err)
	}
	c := &Client{
		conn:    connbuf.New(conn),
		creds:   creds,
		State:   StateNew,
		Session: -1,
	}
	c.Node.Owner = c
	return c, nil
}

func peerCredentials(conn *net.UnixConn) (Credentials, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		return Credentials{}, err
	}
	var ucred *unix.Ucred
	var getErr error
	ctrlErr := raw.Control(func(fd uintptr) {
		ucred, getErr = unix.GetsockoptUcred(int(fd), unix.SOL_SOCKET, unix.SO_PEERCRED)
	})
	if ctrlErr != nil {
		return Credentials{}, ctrlErr
	}
	if getErr != nil {
		return Credentials{}, getErr
	}
	return Credentials{PID: ucred.Pid, UID: ucred.Uid, GID: ucred.Gid}, nil
}

// Credentials returns the peer's captured identity.
func (c *Client) Credentials() Credentials { return c.creds }

// LogValue implements slog.LogValuer so every log line mentioning a
// client carries its identity and state without call sites having to
// spell it out each time (mirrors the teacher's structured-logging
// convention of attaching context via attrs, not string formatting).
func (c *Client) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("pid", int(c.creds.PID)),
		slog.Uint64("uid", uint64(c.creds.UID)),
		slog.Int("session", int(c.Session)),
		slog.String("state", c.State.String()),
	)
}

// Fd returns the underlying connection file descriptor, for poller
// registration.
func (c *Client) Fd() (uintptr, error) { return c.conn.Fd() }

// Killed reports whether this client has been marked for teardown
// (back-pressure overflow or write failure) but not yet reaped.
func (c *Client) Killed() bool { return c.killed }

// Kill marks the client dead; the caller (server) is responsible for
// actually unregistering and closing it. Kill itself neither flushes nor
// shuts the socket down for writing: every send already flushes, and the
// server's reap step unregisters the fd and then closes the connection.
func (c *Client) Kill(reason error) {
	if c.killed {
		return
	}
	c.killed = true
	logging.Debug("killing client", "client", c, "reason", reason)
}

// Close tears down the connection. Safe to call once the caller has
// already unregistered the client's fd from the poller.
func (c *Client) Close() error {
	c.State = StateClosed
	return c.conn.Close()
}

// --- outbound framing ---

func (c *Client) sendHeader(opcode uint16, bodyLen int) error {
	h := proto.EncodeHeader(proto.Header{Opcode: opcode, Size: uint16(bodyLen)})
	return c.conn.Put(h[:])
}

func (c *Client) send(opcode uint16, body []byte) error {
	if err := c.sendHeader(opcode, len(body)); err != nil {
		c.Kill(err)
		return err
	}
	if len(body) > 0 {
		if err := c.conn.Put(body); err != nil {
			c.Kill(err)
			return err
		}
	}
	if err := c.conn.Flush(); err != nil {
		c.Kill(err)
		return err
	}
	return nil
}

func (c *Client) sendWithFd(opcode uint16, body []byte, fd int) error {
	if err := c.sendHeader(opcode, len(body)); err != nil {
		c.Kill(err)
		return err
	}
	if len(body) > 0 {
		if err := c.conn.Put(body); err != nil {
			c.Kill(err)
			return err
		}
	}
	if err := c.conn.PutFD(fd); err != nil {
		c.Kill(err)
		return err
	}
	if err := c.conn.Flush(); err != nil {
		c.Kill(err)
		return err
	}
	return nil
}

// SendError sends ERROR(errno). Failures here are logged, not
// propagated: by the time we're sending an error, there's nothing
// further to roll back (spec §7: "best-effort ERROR").
func (c *Client) SendError(errno error) {
	e := seaterr.Errno(errno)
	body := proto.EncodeErrorResponse(proto.ErrorResponse{Errno: int32(e)})
	if err := c.send(proto.OpError, body); err != nil {
		logging.Debug("failed to send ERROR", "client", c, "err", err)
	}
}

// SendSeatOpened sends SEAT_OPENED(name).
func (c *Client) SendSeatOpened(name string) error {
	body, err := proto.EncodeSeatOpenedResponse(proto.SeatOpenedResponse{Name: name})
	if err != nil {
		return err
	}
	return c.send(proto.OpSeatOpened, body)
}

// SendSeatClosed sends SEAT_CLOSED.
func (c *Client) SendSeatClosed() error { return c.send(proto.OpSeatClosed, nil) }

// SendDeviceOpened sends DEVICE_OPENED(id) with fd as ancillary data.
func (c *Client) SendDeviceOpened(id int32, fd int) error {
	body := proto.EncodeDeviceOpenedResponse(proto.DeviceOpenedResponse{DeviceID: id})
	return c.sendWithFd(proto.OpDeviceOpened, body, fd)
}

// SendDeviceClosed sends DEVICE_CLOSED.
func (c *Client) SendDeviceClosed() error { return c.send(proto.OpDeviceClosed, nil) }

// SendSessionSwitched sends SESSION_SWITCHED.
func (c *Client) SendSessionSwitched() error { return c.send(proto.OpSessionSwitched, nil) }

// SendSeatDisabled sends SEAT_DISABLED (the ack response, not the event).
func (c *Client) SendSeatDisabled() error { return c.send(proto.OpSeatDisabled, nil) }

// SendPong sends PONG.
func (c *Client) SendPong() error { return c.send(proto.OpPong, nil) }

// SendEnableSeat pushes the server-initiated ENABLE_SEAT event. On
// write error the client is killed (spec §4.7).
func (c *Client) SendEnableSeat() error {
	if err := c.send(proto.OpEventEnableSeat, nil); err != nil {
		c.Kill(err)
		return err
	}
	return nil
}

// SendDisableSeat pushes the server-initiated DISABLE_SEAT event,
// which the client must ack with a DISABLE_SEAT request.
func (c *Client) SendDisableSeat() error {
	if err := c.send(proto.OpEventDisableSeat, nil); err != nil {
		c.Kill(err)
		return err
	}
	return nil
}

// --- inbound framing ---

// ErrIncomplete is returned by ReadRequest when the buffered bytes
// don't yet form a complete frame; the caller should wait for the
// next readable event rather than treating this as a protocol error.
var ErrIncomplete = errors.New("client: incomplete frame buffered")

// Request is one fully-decoded, bound-checked inbound message.
type Request struct {
	Opcode uint16
	Body   []byte
}

// ReadRequest pulls any newly available bytes off the connection and,
// if a complete frame is now buffered, decodes and returns it. Bound
// violations return a wrapped EBADMSG error; the caller must send
// ERROR(EBADMSG) and kill the connection (spec §4.6).
func (c *Client) ReadRequest() (Request, error) {
	if _, err := c.conn.Read(); err != nil {
		return Request{}, err
	}
	if c.conn.Pending() < proto.HeaderSize {
		return Request{}, ErrIncomplete
	}

	hdrBuf := make([]byte, proto.HeaderSize)
	if err := c.conn.Get(hdrBuf); err != nil {
		return Request{}, ErrIncomplete
	}
	hdr, err := proto.DecodeHeader(hdrBuf)
	if err != nil {
		return Request{}, seaterr.Wrap(syscall.EBADMSG, err)
	}

	minSize, known := proto.MinRequestBodySize(hdr.Opcode)
	if !known {
		c.conn.Restore(hdrBuf)
		return Request{}, seaterr.Wrap(syscall.EBADMSG, fmt.Errorf("client: unknown opcode %d", hdr.Opcode))
	}
	if int(hdr.Size) < minSize {
		c.conn.Restore(hdrBuf)
		return Request{}, seaterr.Wrap(syscall.EBADMSG, fmt.Errorf("client: opcode %d body too small", hdr.Opcode))
	}
	maxSize := minSize
	if hdr.Opcode == proto.OpOpenDevice {
		maxSize = 2 + proto.MaxPathLen
	}
	if int(hdr.Size) > maxSize {
		c.conn.Restore(hdrBuf)
		return Request{}, seaterr.Wrap(syscall.EBADMSG, fmt.Errorf("client: opcode %d body too large", hdr.Opcode))
	}

	if c.conn.Pending() < int(hdr.Size) {
		c.conn.Restore(hdrBuf)
		return Request{}, ErrIncomplete
	}

	body := make([]byte, hdr.Size)
	if err := c.conn.Get(body); err != nil {
		c.conn.Restore(hdrBuf)
		return Request{}, ErrIncomplete
	}
	return Request{Opcode: hdr.Opcode, Body: body}, nil
}
