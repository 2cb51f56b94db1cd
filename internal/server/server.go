// Package server implements spec §4.9 and §6: the listening socket,
// the accept/dispatch loop over the poller, signal wiring, and the
// single seat0 the daemon currently supports.
package server

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"syscall"

	"golang.org/x/sys/unix"

	"github.com/seatd-go/seatd/internal/client"
	"github.com/seatd-go/seatd/internal/logging"
	"github.com/seatd-go/seatd/internal/poller"
	"github.com/seatd-go/seatd/internal/proto"
	"github.com/seatd-go/seatd/internal/seat"
	"github.com/seatd-go/seatd/internal/seaterr"
	"github.com/seatd-go/seatd/internal/terminal"
)

// DefaultSocketPath is used when SEATD_SOCK / Config.SocketPath is unset.
const DefaultSocketPath = "/run/seatd.sock"

// Config carries the daemon's startup parameters (spec §6's CLI surface
// and environment variables).
type Config struct {
	SocketPath string
	VTBound    bool
	ChownUID   int // -1: leave unchanged
	ChownGID   int // -1: leave unchanged
	ReadyFd    int // -1: no readiness notification requested
}

// Server owns the listening socket, the poller, and seat0.
type Server struct {
	cfg Config

	listener *net.UnixListener
	listenFd int // set when the listener came from socket activation

	poll *poller.Poller
	term terminal.Terminal

	seat *seat.Seat

	clients    map[int]*client.Client      // by connection fd
	fdHandles  map[int]*poller.FDHandle    // by connection fd
	running    bool
	usr1, usr2, sigint, sigterm *poller.SignalHandle
}

// New constructs a Server without starting it.
func New(cfg Config) (*Server, error) {
	if cfg.SocketPath == "" {
		cfg.SocketPath = DefaultSocketPath
	}
	p, err := poller.New()
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	s := &Server{
		cfg:       cfg,
		poll:      p,
		clients:   make(map[int]*client.Client),
		fdHandles: make(map[int]*poller.FDHandle),
		listenFd:  -1,
	}
	return s, nil
}

// Run binds (or adopts, via socket activation) the listening socket,
// wires signals, creates seat0, notifies readiness, and runs the event
// loop until a shutdown signal arrives.
func (s *Server) Run() error {
	if err := s.setupListener(); err != nil {
		return fmt.Errorf("server: listen: %w", err)
	}
	defer s.listener.Close()

	if err := s.setupSeat(); err != nil {
		return fmt.Errorf("server: seat: %w", err)
	}
	if s.term != nil {
		defer s.term.Close()
	}

	s.wireSignals()
	s.registerListener()
	s.notifyReady()

	s.running = true
	for s.running {
		if err := s.poll.Poll(); err != nil {
			return fmt.Errorf("server: poll: %w", err)
		}
	}

	s.shutdown()
	return nil
}

func (s *Server) setupListener() error {
	if fd, ok := socketActivationFd(); ok {
		f := os.NewFile(uintptr(fd), "seatd-activated-socket")
		conn, err := net.FileListener(f)
		f.Close()
		if err != nil {
			return fmt.Errorf("adopt activated socket: %w", err)
		}
		ul, ok := conn.(*net.UnixListener)
		if !ok {
			return fmt.Errorf("activated socket fd %d is not a unix listener", fd)
		}
		s.listener = ul
		s.listenFd = fd
		logging.Info("adopted socket-activated listener", "fd", fd)
		return nil
	}

	os.Remove(s.cfg.SocketPath)
	ul, err := net.ListenUnix("unix", &net.UnixAddr{Name: s.cfg.SocketPath, Net: "unix"})
	if err != nil {
		return err
	}
	if s.cfg.ChownUID != -1 || s.cfg.ChownGID != -1 {
		uid, gid := s.cfg.ChownUID, s.cfg.ChownGID
		if uid == -1 {
			uid = os.Getuid()
		}
		if gid == -1 {
			gid = os.Getgid()
		}
		if err := os.Chown(s.cfg.SocketPath, uid, gid); err != nil {
			ul.Close()
			return fmt.Errorf("chown %s: %w", s.cfg.SocketPath, err)
		}
	}
	if err := os.Chmod(s.cfg.SocketPath, 0o770); err != nil {
		ul.Close()
		return fmt.Errorf("chmod %s: %w", s.cfg.SocketPath, err)
	}
	s.listener = ul
	logging.Info("listening", "path", s.cfg.SocketPath)
	return nil
}

// socketActivationFd checks for a systemd-style pre-bound socket at
// fd 3, gated on LISTEN_PID matching our own pid so we don't adopt a
// socket meant for some other process in the same process group.
func socketActivationFd() (int, bool) {
	pidStr := os.Getenv("LISTEN_PID")
	fdsStr := os.Getenv("LISTEN_FDS")
	if pidStr == "" || fdsStr == "" {
		return 0, false
	}
	pid, err := strconv.Atoi(pidStr)
	if err != nil || pid != os.Getpid() {
		return 0, false
	}
	n, err := strconv.Atoi(fdsStr)
	if err != nil || n < 1 {
		return 0, false
	}
	return 3, true
}

func (s *Server) setupSeat() error {
	var term terminal.Terminal
	if s.cfg.VTBound {
		t, err := terminal.Open(0)
		if err != nil {
			return fmt.Errorf("open controlling tty: %w", err)
		}
		term = t
	}
	s.term = term
	s.seat = seat.New("seat0", s.cfg.VTBound, term)
	if s.cfg.VTBound {
		vt, err := term.CurrentVT()
		if err != nil {
			return fmt.Errorf("current_vt: %w", err)
		}
		s.seat.CurVT = vt
	}
	return nil
}

func (s *Server) wireSignals() {
	s.usr1 = s.poll.AddSignal(int(syscall.SIGUSR1), func(int) {
		s.seat.VTRelease()
	})
	s.usr2 = s.poll.AddSignal(int(syscall.SIGUSR2), func(int) {
		s.seat.VTAcquire()
		if s.seat.ActiveClient != nil {
			// Nothing further to drain: every client send, including
			// the ENABLE_SEAT event from activation, flushes
			// synchronously.
		}
	})
	s.sigint = s.poll.AddSignal(int(syscall.SIGINT), func(int) { s.running = false })
	s.sigterm = s.poll.AddSignal(int(syscall.SIGTERM), func(int) { s.running = false })
}

func (s *Server) registerListener() {
	rc, err := s.listener.SyscallConn()
	if err != nil {
		logging.Error("listener has no syscall conn", "err", err)
		return
	}
	var lfd int
	rc.Control(func(fd uintptr) { lfd = int(fd) })
	s.poll.AddFd(lfd, poller.Readable, func(fd int, _ poller.Mask) {
		s.accept()
	}, nil)
}

// notifyReady implements the `-n <fd>` CLI option: write one byte to
// the given fd and close it, signalling a waiting launcher that the
// socket is ready to accept connections.
func (s *Server) notifyReady() {
	if s.cfg.ReadyFd < 0 {
		return
	}
	f := os.NewFile(uintptr(s.cfg.ReadyFd), "ready-fd")
	if _, err := f.Write([]byte{0}); err != nil {
		logging.Debug("readiness notification write failed", "err", err)
	}
	f.Close()
}

func (s *Server) accept() {
	conn, err := s.listener.AcceptUnix()
	if err != nil {
		logging.Debug("accept failed", "err", err)
		return
	}
	if rc, err := conn.SyscallConn(); err != nil {
		logging.Debug("set nonblock failed", "err", err)
	} else {
		rc.Control(func(fd uintptr) {
			if err := unix.SetNonblock(int(fd), true); err != nil {
				logging.Debug("set nonblock failed", "err", err)
			}
		})
	}

	c, err := client.New(conn)
	if err != nil {
		logging.Debug("client setup failed", "err", err)
		conn.Close()
		return
	}

	fd, err := c.Fd()
	if err != nil {
		logging.Debug("client fd unavailable", "err", err)
		c.Close()
		return
	}
	handle := s.poll.AddFd(int(fd), poller.Readable, s.onClientReadable, nil)
	s.clients[int(fd)] = c
	s.fdHandles[int(fd)] = handle

	logging.Debug("accepted client", "client", c)
}

func (s *Server) onClientReadable(fd int, _ poller.Mask) {
	c, ok := s.clients[fd]
	if !ok {
		return
	}
	for {
		req, err := c.ReadRequest()
		if err != nil {
			if errors.Is(err, client.ErrIncomplete) {
				break
			}
			c.SendError(err)
			c.Kill(err)
			break
		}
		s.dispatch(c, req)
		if c.Killed() {
			break
		}
	}
	if c.Killed() {
		s.reapClient(fd)
	}
}

func (s *Server) reapClient(fd int) {
	c, ok := s.clients[fd]
	if !ok {
		return
	}
	delete(s.clients, fd)
	if h, ok := s.fdHandles[fd]; ok {
		s.poll.RemoveFd(h)
		delete(s.fdHandles, fd)
	}
	s.seat.RemoveClient(c)
	c.Close()
}

func (s *Server) dispatch(c *client.Client, req client.Request) {
	switch req.Opcode {
	case proto.OpOpenSeat:
		s.handleOpenSeat(c, req)
	case proto.OpCloseSeat:
		s.handleCloseSeat(c, req)
	case proto.OpOpenDevice:
		s.handleOpenDevice(c, req)
	case proto.OpCloseDevice:
		s.handleCloseDevice(c, req)
	case proto.OpSwitchSession:
		s.handleSwitchSession(c, req)
	case proto.OpDisableSeat:
		s.handleDisableSeatAck(c, req)
	case proto.OpPing:
		s.handlePing(c, req)
	}
}

func (s *Server) handleOpenSeat(c *client.Client, req client.Request) {
	if err := proto.DecodeEmpty(req.Body); err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	if err := s.seat.AddClient(c); err != nil {
		c.SendError(err)
		return
	}
	if err := c.SendSeatOpened(s.seat.Name); err != nil {
		return
	}
	if s.seat.ActiveClient == nil {
		s.seat.Activate()
	}
}

func (s *Server) handleCloseSeat(c *client.Client, req client.Request) {
	if err := proto.DecodeEmpty(req.Body); err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	s.seat.RemoveClient(c)
	c.SendSeatClosed()
	c.Kill(nil)
}

func (s *Server) handleOpenDevice(c *client.Client, req client.Request) {
	r, err := proto.DecodeOpenDeviceRequest(req.Body)
	if err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	d, err := s.seat.OpenDevice(c, r.Path)
	if err != nil {
		c.SendError(err)
		return
	}
	if err := c.SendDeviceOpened(d.ID, d.Fd); err != nil {
		logging.Debug("send device_opened failed", "client", c, "err", err)
	}
}

func (s *Server) handleCloseDevice(c *client.Client, req client.Request) {
	r, err := proto.DecodeCloseDeviceRequest(req.Body)
	if err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	if r.DeviceID < 0 {
		c.SendError(seaterr.New(syscall.EINVAL))
		return
	}
	if err := s.seat.CloseDevice(c, r.DeviceID); err != nil {
		c.SendError(err)
		return
	}
	c.SendDeviceClosed()
}

func (s *Server) handleSwitchSession(c *client.Client, req client.Request) {
	r, err := proto.DecodeSwitchSessionRequest(req.Body)
	if err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	if err := s.seat.SetNextSession(c, r.Session); err != nil {
		c.SendError(err)
		return
	}
	c.SendSessionSwitched()
}

func (s *Server) handleDisableSeatAck(c *client.Client, req client.Request) {
	if err := proto.DecodeEmpty(req.Body); err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	s.seat.AckDisable(c)
	c.SendSeatDisabled()
}

func (s *Server) handlePing(c *client.Client, req client.Request) {
	if err := proto.DecodeEmpty(req.Body); err != nil {
		c.SendError(err)
		c.Kill(err)
		return
	}
	c.SendPong()
}

func (s *Server) shutdown() {
	logging.Info("shutting down", "clients", len(s.clients))
	for fd, c := range s.clients {
		s.seat.RemoveClient(c)
		c.Close()
		delete(s.clients, fd)
	}
	s.poll.RemoveSignal(s.usr1)
	s.poll.RemoveSignal(s.usr2)
	s.poll.RemoveSignal(s.sigint)
	s.poll.RemoveSignal(s.sigterm)
	s.poll.Close()
	if s.listenFd < 0 {
		os.Remove(s.cfg.SocketPath)
	}
}
