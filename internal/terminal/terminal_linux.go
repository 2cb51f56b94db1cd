//go:build linux

package terminal

import (
	"fmt"
	"os"
	"syscall"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Linux VT/KD ioctl numbers (linux/vt.h, linux/kd.h). These are the
// kernel's historical fixed assignments, not built from an _IOW/_IOR
// macro at the call site, so there's nothing for github.com/daedaluz/goioctl
// to construct here — see DESIGN.md.
const (
	vtOpenQry    = 0x5600
	vtGetMode    = 0x5601
	vtSetMode    = 0x5602
	vtGetState   = 0x5603
	vtRelDisp    = 0x5605
	vtActivate   = 0x5606
	vtWaitActive = 0x5607

	vtAuto    = 0x00
	vtProcess = 0x01
	vtAckAcq  = 2

	kdSetMode  = 0x4B3A
	kdSkbMode  = 0x4B45
	kdTextMode = 0x00
	kdGfxMode  = 0x01
	kOff       = 0x04
	kUnicode   = 0x03
)

// vtMode mirrors struct vt_mode from linux/vt.h.
type vtMode struct {
	Mode   int8
	Waitv  int8
	Relsig int16
	Acqsig int16
	Frsig  int16
}

// vtStat mirrors struct vt_stat from linux/vt.h.
type vtStat struct {
	VActive uint16
	VSignal uint16
	VState  uint16
}

type linuxTerminal struct {
	f *os.File
}

// Open opens a VT device. n == 0 opens the controlling tty
// (/dev/tty); n > 0 opens /dev/ttyN.
func Open(n int) (Terminal, error) {
	path := "/dev/tty"
	if n > 0 {
		path = fmt.Sprintf("/dev/tty%d", n)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_NOCTTY, 0)
	if err != nil {
		return nil, fmt.Errorf("terminal: open %s: %w", path, err)
	}
	return &linuxTerminal{f: f}, nil
}

func (t *linuxTerminal) Fd() int { return int(t.f.Fd()) }

func (t *linuxTerminal) ioctlPtr(req uintptr, arg unsafe.Pointer) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, t.f.Fd(), req, uintptr(arg))
	if errno != 0 {
		return errno
	}
	return nil
}

func (t *linuxTerminal) CurrentVT() (int, error) {
	var st vtStat
	if err := t.ioctlPtr(vtGetState, unsafe.Pointer(&st)); err != nil {
		return -1, fmt.Errorf("terminal: VT_GETSTATE: %w", err)
	}
	return int(st.VActive), nil
}

func (t *linuxTerminal) SetProcessSwitching(enable bool) error {
	mode := vtMode{Mode: vtAuto}
	if enable {
		mode = vtMode{
			Mode:   vtProcess,
			Relsig: int16(syscall.SIGUSR1),
			Acqsig: int16(syscall.SIGUSR2),
		}
	}
	if err := t.ioctlPtr(vtSetMode, unsafe.Pointer(&mode)); err != nil {
		return fmt.Errorf("terminal: VT_SETMODE: %w", err)
	}
	return nil
}

func (t *linuxTerminal) SwitchVT(n int) error {
	if err := unix.IoctlSetInt(int(t.f.Fd()), vtActivate, n); err != nil {
		return fmt.Errorf("terminal: VT_ACTIVATE(%d): %w", n, err)
	}
	return nil
}

func (t *linuxTerminal) AckRelease() error {
	if err := unix.IoctlSetInt(int(t.f.Fd()), vtRelDisp, 1); err != nil {
		return fmt.Errorf("terminal: VT_RELDISP(release): %w", err)
	}
	return nil
}

func (t *linuxTerminal) AckAcquire() error {
	if err := unix.IoctlSetInt(int(t.f.Fd()), vtRelDisp, vtAckAcq); err != nil {
		return fmt.Errorf("terminal: VT_RELDISP(ack-acquire): %w", err)
	}
	return nil
}

func (t *linuxTerminal) SetKeyboard(enable bool) error {
	mode := kOff
	if enable {
		mode = kUnicode
	}
	if err := unix.IoctlSetInt(int(t.f.Fd()), kdSkbMode, mode); err != nil {
		return fmt.Errorf("terminal: KDSKBMODE: %w", err)
	}
	return nil
}

func (t *linuxTerminal) SetGraphics(enable bool) error {
	mode := kdTextMode
	if enable {
		mode = kdGfxMode
	}
	if err := unix.IoctlSetInt(int(t.f.Fd()), kdSetMode, mode); err != nil {
		return fmt.Errorf("terminal: KDSETMODE: %w", err)
	}
	return nil
}

func (t *linuxTerminal) Close() error {
	return t.f.Close()
}
