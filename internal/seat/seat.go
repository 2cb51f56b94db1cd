// Package seat implements the seat state machine from spec §4.8: the
// single largest component, deciding which client is active, driving
// VT coordination, and opening/closing devices on the active client's
// behalf.
package seat

import (
	"fmt"
	"syscall"

	"github.com/seatd-go/seatd/internal/client"
	"github.com/seatd-go/seatd/internal/device"
	"github.com/seatd-go/seatd/internal/list"
	"github.com/seatd-go/seatd/internal/logging"
	"github.com/seatd-go/seatd/internal/seaterr"
	"github.com/seatd-go/seatd/internal/terminal"
)

// MaxSeatDevices bounds how many devices a single client may have open
// simultaneously.
const MaxSeatDevices = 256

// Seat is the state machine described in spec §3/§4.8. A single
// instance, named seat0, is created by the server at startup.
type Seat struct {
	Name    string
	VTBound bool

	clientsSentinel *list.Node[*client.Client]
	ActiveClient    *client.Client
	NextClient      *client.Client

	CurVT          int
	sessionCounter int32

	// vtSwitchSeen is set while a client-requested VT switch has been
	// issued to the kernel but its acquire signal hasn't arrived yet;
	// it gates set_next_session's "no-op if one is already queued" rule
	// for the VT-bound path, where there's no NextClient to check.
	vtSwitchSeen bool

	term terminal.Terminal // nil when !VTBound
}

// New constructs a seat. term may be nil only when vtBound is false.
func New(name string, vtBound bool, term terminal.Terminal) *Seat {
	s := &Seat{
		Name:            name,
		VTBound:         vtBound,
		clientsSentinel: list.NewSentinel[*client.Client](),
		CurVT:           -1,
		term:            term,
	}
	return s
}

func (s *Seat) clients(fn func(*client.Client)) {
	list.Each(s.clientsSentinel, fn)
}

// Activate implements spec §4.8 "Selecting the next client": invoked
// whenever ActiveClient becomes nil.
func (s *Seat) Activate() {
	if s.ActiveClient != nil {
		return
	}

	var candidate *client.Client
	switch {
	case s.NextClient != nil:
		candidate = s.NextClient
		s.NextClient = nil
	case s.VTBound && s.CurVT == -1:
		return
	case s.VTBound:
		s.clients(func(c *client.Client) {
			if candidate == nil && c.Session == int32(s.CurVT) {
				candidate = c
			}
		})
	default:
		if !s.clientsSentinel.Empty() {
			candidate = s.clientsSentinel.Next(s.clientsSentinel).Owner
		}
	}

	if candidate == nil {
		return
	}
	if err := s.OpenClient(candidate); err != nil {
		logging.Debug("activate: open_client failed", "client", candidate, "err", err)
	}
}

// AddClient implements spec §4.8 add_client.
func (s *Seat) AddClient(c *client.Client) error {
	if c.Seat != nil {
		return seaterr.New(syscall.EBUSY)
	}
	if c.Session != -1 {
		return seaterr.New(syscall.EBUSY)
	}

	if s.VTBound {
		vt, err := s.term.CurrentVT()
		if err != nil {
			return seaterr.Wrap(syscall.EIO, fmt.Errorf("seat: current_vt: %w", err))
		}
		if s.ActiveClient != nil && s.ActiveClient.State != client.StatePendingDisable {
			return seaterr.New(syscall.EBUSY)
		}
		c.Session = int32(vt)
	} else {
		c.Session = s.sessionCounter
		s.sessionCounter++
	}

	c.Seat = s
	c.Node.Init()
	tail := s.clientsSentinel
	for n := tail.Next(s.clientsSentinel); n != nil; n = n.Next(s.clientsSentinel) {
		tail = n
	}
	c.Node.InsertAfter(tail)
	return nil
}

// OpenClient implements spec §4.8 open_client.
func (s *Seat) OpenClient(c *client.Client) error {
	if s.ActiveClient != nil {
		return seaterr.New(syscall.EBUSY)
	}
	if c.State != client.StateNew && c.State != client.StateDisabled {
		return seaterr.New(syscall.EPERM)
	}

	if s.VTBound {
		if err := s.term.SwitchVT(int(c.Session)); err != nil {
			return seaterr.Wrap(syscall.EIO, fmt.Errorf("seat: switch_vt: %w", err))
		}
		if err := s.term.SetProcessSwitching(true); err != nil {
			return seaterr.Wrap(syscall.EIO, fmt.Errorf("seat: set_process_switching: %w", err))
		}
		if err := s.term.SetGraphics(true); err != nil {
			return seaterr.Wrap(syscall.EIO, fmt.Errorf("seat: set_graphics: %w", err))
		}
		if err := s.term.SetKeyboard(false); err != nil {
			return seaterr.Wrap(syscall.EIO, fmt.Errorf("seat: set_keyboard: %w", err))
		}
	}

	for _, d := range c.Devices {
		if err := device.Activate(d.Fd, d.Type); err != nil {
			logging.Debug("open_client: reactivate device failed", "client", c, "path", d.CanonicalPath, "err", err)
			continue
		}
		d.Active = true
	}

	s.ActiveClient = c
	c.State = client.StateActive
	if err := c.SendEnableSeat(); err != nil {
		s.teardownVT()
		s.ActiveClient = nil
		return fmt.Errorf("seat: open_client: send enable_seat: %w", err)
	}
	return nil
}

func (s *Seat) teardownVT() {
	if !s.VTBound {
		return
	}
	if err := s.term.SetGraphics(false); err != nil {
		logging.Debug("teardown_vt: set_graphics failed", "err", err)
	}
	if err := s.term.SetKeyboard(true); err != nil {
		logging.Debug("teardown_vt: set_keyboard failed", "err", err)
	}
}

// DisableClient implements spec §4.8 disable_client. Idempotent: a
// second call on an already-PENDING_DISABLE or non-active client is a
// silent no-op (spec §8 "idempotent disable").
func (s *Seat) DisableClient(c *client.Client) {
	if s.ActiveClient != c || c.State != client.StateActive {
		return
	}

	for _, d := range c.Devices {
		if err := device.Deactivate(d.Fd, d.Type); err != nil {
			logging.Debug("disable_client: deactivate device failed", "client", c, "path", d.CanonicalPath, "err", err)
		}
		d.Active = false
	}

	c.State = client.StatePendingDisable
	if err := c.SendDisableSeat(); err != nil {
		logging.Debug("disable_client: send disable_seat failed", "client", c, "err", err)
	}
}

// AckDisable implements spec §4.8 ack_disable.
func (s *Seat) AckDisable(c *client.Client) {
	if c.State != client.StatePendingDisable {
		return
	}
	c.State = client.StateDisabled
	if s.ActiveClient == c {
		s.ActiveClient = nil
		s.Activate()
	}
}

// RemoveClient implements spec §4.8 remove_client. Resolves spec.md's
// open question: removal of a non-active client never tears the VT,
// even if that client happened to be the unique holder of its VT
// number — only losing the *active* client can orphan a VT.
func (s *Seat) RemoveClient(c *client.Client) {
	wasActive := s.ActiveClient == c
	c.Node.Remove()
	c.Seat = nil

	for _, d := range append([]*client.Device{}, c.Devices...) {
		d.RefCount = 1 // drop every outstanding reference, not just one
		s.closeDeviceEntry(c, d)
	}

	if wasActive {
		s.ActiveClient = nil
		if s.VTBound {
			s.teardownVT()
		}
		s.Activate()
	}
}

// SetNextSession implements spec §4.8 set_next_session.
func (s *Seat) SetNextSession(c *client.Client, session int32) error {
	if s.ActiveClient != c || c.State != client.StateActive {
		return seaterr.New(syscall.EPERM)
	}
	if session <= 0 || session == c.Session {
		return seaterr.New(syscall.EINVAL)
	}

	if s.VTBound {
		if s.vtSwitchSeen {
			return nil
		}
		if err := s.term.SwitchVT(int(session)); err != nil {
			return seaterr.Wrap(syscall.EIO, fmt.Errorf("seat: switch_vt: %w", err))
		}
		s.vtSwitchSeen = true
		return nil
	}

	if s.NextClient != nil {
		return nil
	}
	var target *client.Client
	s.clients(func(other *client.Client) {
		if target == nil && other.Session == session {
			target = other
		}
	})
	if target == nil {
		return seaterr.New(syscall.ENOENT)
	}
	s.NextClient = target
	s.DisableClient(s.ActiveClient)
	return nil
}

// VTRelease implements spec §4.8 vt_release, invoked from the
// SIGUSR1 signal callback.
func (s *Seat) VTRelease() {
	if !s.VTBound {
		logging.Debug("vt_release on non-VT-bound seat, ignoring", "seat", s.Name)
		return
	}
	if s.ActiveClient != nil {
		s.DisableClient(s.ActiveClient)
	}
	if err := s.term.AckRelease(); err != nil {
		logging.Debug("vt_release: ack_release failed", "seat", s.Name, "err", err)
	}
	s.CurVT = -1
}

// VTAcquire implements spec §4.8 vt_acquire, invoked from the
// SIGUSR2 signal callback.
func (s *Seat) VTAcquire() {
	if !s.VTBound {
		logging.Debug("vt_acquire on non-VT-bound seat, ignoring", "seat", s.Name)
		return
	}
	vt, err := s.term.CurrentVT()
	if err != nil {
		logging.Debug("vt_acquire: current_vt failed", "seat", s.Name, "err", err)
	} else {
		s.CurVT = vt
	}
	s.vtSwitchSeen = false
	if err := s.term.AckAcquire(); err != nil {
		logging.Debug("vt_acquire: ack_acquire failed", "seat", s.Name, "err", err)
	}
	if s.ActiveClient == nil {
		s.Activate()
	}
}

// OpenDevice implements spec §4.8 open_device.
func (s *Seat) OpenDevice(c *client.Client, path string) (*client.Device, error) {
	if s.ActiveClient != c || c.State != client.StateActive {
		return nil, seaterr.New(syscall.EPERM)
	}

	canonical, err := device.Canonicalize(path)
	if err != nil {
		return nil, seaterr.Wrap(syscall.EACCES, err)
	}
	typ, err := device.Classify(canonical)
	if err != nil {
		return nil, seaterr.Wrap(syscall.ENOENT, err)
	}

	for _, d := range c.Devices {
		if d.CanonicalPath == canonical {
			d.RefCount++
			return d, nil
		}
	}

	if len(c.Devices) >= MaxSeatDevices {
		return nil, seaterr.New(syscall.EMFILE)
	}

	fd, err := syscall.Open(canonical, syscall.O_RDWR|syscall.O_NOCTTY|syscall.O_NOFOLLOW|syscall.O_CLOEXEC|syscall.O_NONBLOCK, 0)
	if err != nil {
		return nil, seaterr.Wrap(syscall.ENOENT, fmt.Errorf("seat: open %s: %w", canonical, err))
	}
	if err := device.Activate(fd, typ); err != nil {
		logging.Debug("open_device: activate failed", "path", canonical, "err", err)
	}
	if typ == device.Evdev {
		device.ProbeEvdevCapabilities(canonical)
	}

	var maxID int32
	for _, d := range c.Devices {
		if d.ID > maxID {
			maxID = d.ID
		}
	}
	d := &client.Device{
		ID:            maxID + 1,
		CanonicalPath: canonical,
		Type:          typ,
		Fd:            fd,
		RefCount:      1,
		Active:        true,
	}
	c.Devices = append(c.Devices, d)
	return d, nil
}

// CloseDevice implements spec §4.8 close_device. Resolves spec.md's
// open question: teardown (deactivate, close fd, unlink) happens
// entirely here; the caller never has to finish the job.
func (s *Seat) CloseDevice(c *client.Client, deviceID int32) error {
	for _, d := range c.Devices {
		if d.ID == deviceID {
			s.closeDeviceEntry(c, d)
			return nil
		}
	}
	return seaterr.New(syscall.ENOENT)
}

func (s *Seat) closeDeviceEntry(c *client.Client, d *client.Device) {
	d.RefCount--
	if d.RefCount > 0 {
		return
	}
	if d.Active {
		if err := device.Deactivate(d.Fd, d.Type); err != nil {
			logging.Debug("close_device: deactivate failed", "path", d.CanonicalPath, "err", err)
		}
	}
	syscall.Close(d.Fd)
	for i, existing := range c.Devices {
		if existing == d {
			c.Devices = append(c.Devices[:i], c.Devices[i+1:]...)
			break
		}
	}
}
