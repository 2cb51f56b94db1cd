package seat

import (
	"net"
	"os"
	"syscall"
	"testing"

	"golang.org/x/sys/unix"

	"github.com/seatd-go/seatd/internal/client"
	"github.com/seatd-go/seatd/internal/seaterr"
	"github.com/seatd-go/seatd/internal/terminal"
)

// fakeTerminal is a scriptable terminal.Terminal double so VT-bound
// flows can be exercised without a real VT device.
type fakeTerminal struct {
	vt              int
	processSwitched bool
	graphics        bool
	keyboardEnabled bool
	switchedTo      int
	released        int
	acquired        int
}

func (f *fakeTerminal) Fd() int                        { return -1 }
func (f *fakeTerminal) CurrentVT() (int, error)        { return f.vt, nil }
func (f *fakeTerminal) SetProcessSwitching(e bool) error { f.processSwitched = e; return nil }
func (f *fakeTerminal) SwitchVT(n int) error           { f.switchedTo = n; return nil }
func (f *fakeTerminal) AckRelease() error              { f.released++; return nil }
func (f *fakeTerminal) AckAcquire() error              { f.acquired++; return nil }
func (f *fakeTerminal) SetKeyboard(e bool) error       { f.keyboardEnabled = e; return nil }
func (f *fakeTerminal) SetGraphics(e bool) error       { f.graphics = e; return nil }
func (f *fakeTerminal) Close() error                   { return nil }

var _ terminal.Terminal = (*fakeTerminal)(nil)

func newTestClient(t *testing.T) *client.Client {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	f := os.NewFile(uintptr(fds[0]), "sp0")
	conn, err := net.FileConn(f)
	f.Close()
	if err != nil {
		t.Fatalf("FileConn: %v", err)
	}
	peer := os.NewFile(uintptr(fds[1]), "sp1")
	t.Cleanup(func() { peer.Close() })

	c, err := client.New(conn.(*net.UnixConn))
	if err != nil {
		t.Fatalf("client.New: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func errno(t *testing.T, err error) syscall.Errno {
	t.Helper()
	if err == nil {
		t.Fatalf("expected an error, got nil")
	}
	return seaterr.Errno(err)
}

func TestAddClientNonVTBoundAssignsCounterSessions(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	b := newTestClient(t)

	if err := s.AddClient(a); err != nil {
		t.Fatalf("AddClient(a): %v", err)
	}
	if err := s.AddClient(b); err != nil {
		t.Fatalf("AddClient(b): %v", err)
	}
	if a.Session == b.Session {
		t.Fatalf("session uniqueness violated: both got %d", a.Session)
	}
	if a.Session != 0 || b.Session != 1 {
		t.Fatalf("sessions = %d, %d, want 0, 1", a.Session, b.Session)
	}
}

func TestAddClientRejectsAlreadyAttached(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	if err := s.AddClient(a); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	err := s.AddClient(a)
	if errno(t, err) != syscall.EBUSY {
		t.Fatalf("second AddClient errno = %v, want EBUSY", errno(t, err))
	}
}

func TestOpenClientActivatesFirstNonVTBoundClient(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	if err := s.AddClient(a); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	s.Activate()
	if s.ActiveClient != a {
		t.Fatalf("ActiveClient = %v, want a", s.ActiveClient)
	}
	if a.State != client.StateActive {
		t.Fatalf("a.State = %v, want StateActive", a.State)
	}
}

func TestOpenClientVTBoundDrivesTerminal(t *testing.T) {
	term := &fakeTerminal{vt: 2}
	s := New("seat0", true, term)
	a := newTestClient(t)
	if err := s.AddClient(a); err != nil {
		t.Fatalf("AddClient: %v", err)
	}
	if a.Session != 2 {
		t.Fatalf("a.Session = %d, want 2 (from fake CurrentVT)", a.Session)
	}
	s.CurVT = 2
	s.Activate()

	if s.ActiveClient != a {
		t.Fatalf("ActiveClient = %v, want a", s.ActiveClient)
	}
	if term.switchedTo != 2 {
		t.Fatalf("term.switchedTo = %d, want 2", term.switchedTo)
	}
	if !term.graphics || term.keyboardEnabled {
		t.Fatalf("term state after open_client: graphics=%v keyboardEnabled=%v, want graphics=true keyboardEnabled=false", term.graphics, term.keyboardEnabled)
	}
}

func TestSingleActiveInvariant(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	b := newTestClient(t)
	s.AddClient(a)
	s.AddClient(b)
	s.Activate()

	if s.ActiveClient == nil {
		t.Fatalf("ActiveClient = nil after Activate")
	}
	active := 0
	for _, c := range []*client.Client{a, b} {
		if c.State == client.StateActive {
			active++
		}
	}
	if active != 1 {
		t.Fatalf("active client count = %d, want 1", active)
	}
}

func TestIdempotentDisable(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	s.AddClient(a)
	s.Activate()

	s.DisableClient(a)
	if a.State != client.StatePendingDisable {
		t.Fatalf("a.State after first disable = %v, want PendingDisable", a.State)
	}

	// Second call must no-op: state stays PendingDisable and no panic.
	s.DisableClient(a)
	if a.State != client.StatePendingDisable {
		t.Fatalf("a.State after second disable = %v, want PendingDisable (unchanged)", a.State)
	}
}

func TestAckDisableReactivatesNext(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	b := newTestClient(t)
	s.AddClient(a)
	s.AddClient(b)
	s.Activate() // a becomes active

	s.DisableClient(a)
	s.AckDisable(a)

	if a.State != client.StateDisabled {
		t.Fatalf("a.State = %v, want Disabled", a.State)
	}
	if s.ActiveClient != b {
		t.Fatalf("ActiveClient after ack_disable = %v, want b", s.ActiveClient)
	}
}

func TestRemoveClientOfNonActiveNeverTearsVT(t *testing.T) {
	term := &fakeTerminal{vt: 1, graphics: true}
	s := New("seat0", true, term)
	a := newTestClient(t)
	b := newTestClient(t)
	s.AddClient(a)
	s.CurVT = 1
	s.Activate() // a active on vt 1

	b.Session = 5 // simulate a distinct VT, bypassing AddClient's CurVT coupling
	b.Node.Init()
	b.Node.InsertAfter(s.clientsSentinel)

	s.RemoveClient(b)

	if term.keyboardEnabled {
		t.Fatalf("removing a non-active client toggled keyboard state; teardown must not run")
	}
	if s.ActiveClient != a {
		t.Fatalf("ActiveClient changed after removing an unrelated client: got %v, want a", s.ActiveClient)
	}
}

func TestRemoveActiveClientTearsVTAndLeavesSeatIdle(t *testing.T) {
	term := &fakeTerminal{vt: 1}
	s := New("seat0", true, term)
	a := newTestClient(t)
	s.AddClient(a)
	s.CurVT = 1
	s.Activate()

	s.RemoveClient(a)

	if s.ActiveClient != nil {
		t.Fatalf("ActiveClient after removing the only client = %v, want nil", s.ActiveClient)
	}
	if term.keyboardEnabled != true {
		t.Fatalf("teardown_vt did not re-enable keyboard")
	}
	if term.graphics != false {
		t.Fatalf("teardown_vt did not disable graphics")
	}
}

func TestSetNextSessionNonVTBound(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	b := newTestClient(t)
	s.AddClient(a)
	s.AddClient(b)
	s.Activate() // a active, session 0; b session 1

	if err := s.SetNextSession(a, b.Session); err != nil {
		t.Fatalf("SetNextSession: %v", err)
	}
	if a.State != client.StatePendingDisable {
		t.Fatalf("a.State after set_next_session = %v, want PendingDisable", a.State)
	}

	s.AckDisable(a)
	if s.ActiveClient != b {
		t.Fatalf("ActiveClient after switch completes = %v, want b", s.ActiveClient)
	}
}

func TestSetNextSessionRejectsNonActiveCaller(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	s.AddClient(a)
	err := s.SetNextSession(a, 5)
	if errno(t, err) != syscall.EPERM {
		t.Fatalf("errno = %v, want EPERM (caller not active)", errno(t, err))
	}
}

func TestVTReleaseAndAcquireCycle(t *testing.T) {
	term := &fakeTerminal{vt: 1}
	s := New("seat0", true, term)
	a := newTestClient(t)
	s.AddClient(a)
	s.CurVT = 1
	s.Activate()

	s.VTRelease()
	if s.CurVT != -1 {
		t.Fatalf("CurVT after vt_release = %d, want -1", s.CurVT)
	}
	if term.released != 1 {
		t.Fatalf("ack_release call count = %d, want 1", term.released)
	}
	if a.State != client.StatePendingDisable {
		t.Fatalf("a.State after vt_release = %v, want PendingDisable", a.State)
	}

	term.vt = 1
	s.VTAcquire()
	if s.CurVT != 1 {
		t.Fatalf("CurVT after vt_acquire = %d, want 1", s.CurVT)
	}
	if term.acquired != 1 {
		t.Fatalf("ack_acquire call count = %d, want 1", term.acquired)
	}
}

func TestOpenDeviceRejectsUnclassifiedPath(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	s.AddClient(a)
	s.Activate()

	_, err := s.OpenDevice(a, "/dev/null")
	if errno(t, err) != syscall.ENOENT {
		t.Fatalf("errno = %v, want ENOENT for an unclassified path", errno(t, err))
	}
}

func TestOpenDeviceRejectsNonActiveClient(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	s.AddClient(a)

	_, err := s.OpenDevice(a, "/dev/input/event0")
	if errno(t, err) != syscall.EPERM {
		t.Fatalf("errno = %v, want EPERM (client not ACTIVE)", errno(t, err))
	}
}

func TestCloseDeviceUnknownIDReturnsENOENT(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	s.AddClient(a)
	s.Activate()

	err := s.CloseDevice(a, 99)
	if errno(t, err) != syscall.ENOENT {
		t.Fatalf("errno = %v, want ENOENT", errno(t, err))
	}
}

func TestCloseDeviceRefcounting(t *testing.T) {
	s := New("seat0", false, nil)
	a := newTestClient(t)
	s.AddClient(a)
	s.Activate()

	d := &client.Device{ID: 1, CanonicalPath: "/dev/input/event0", Fd: -1, RefCount: 2}
	a.Devices = append(a.Devices, d)

	if err := s.CloseDevice(a, 1); err != nil {
		t.Fatalf("CloseDevice (first): %v", err)
	}
	if len(a.Devices) != 1 {
		t.Fatalf("device removed before refcount reached zero")
	}
	if d.RefCount != 1 {
		t.Fatalf("RefCount after first close = %d, want 1", d.RefCount)
	}

	if err := s.CloseDevice(a, 1); err != nil {
		t.Fatalf("CloseDevice (second): %v", err)
	}
	if len(a.Devices) != 0 {
		t.Fatalf("device not removed once refcount reached zero")
	}
}

func TestVTBoundConsistencyInvariant(t *testing.T) {
	term := &fakeTerminal{vt: 3}
	s := New("seat0", true, term)
	a := newTestClient(t)
	s.AddClient(a)
	s.CurVT = 3
	s.Activate()

	if s.ActiveClient != nil && s.CurVT != -1 && s.ActiveClient.Session != int32(s.CurVT) {
		t.Fatalf("VT-bound consistency violated: active session %d != cur_vt %d", s.ActiveClient.Session, s.CurVT)
	}
}
