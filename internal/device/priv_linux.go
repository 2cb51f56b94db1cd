//go:build linux

package device

import (
	"fmt"
	"unsafe"

	ioctl "github.com/daedaluz/goioctl"
	evdev "github.com/gvalkov/golang-evdev"

	"github.com/seatd-go/seatd/internal/logging"
)

// Ioctl numbers built the same way goserial builds its termios2 ioctls
// (_IOW/_IO macros), since EVIOCREVOKE and the DRM master ioctls are
// genuinely macro-derived in the kernel headers — unlike the VT/KD
// ioctls in internal/terminal, which are fixed legacy numbers.
var (
	eviocRevoke   = ioctl.IOW('E', 0x91, unsafe.Sizeof(int32(0)))
	hidiocRevoke  = ioctl.IOW('H', 0x0D, unsafe.Sizeof(int32(0)))
	drmSetMaster  = ioctl.IO('d', 0x1e)
	drmDropMaster = ioctl.IO('d', 0x1f)
)

// Activate grants the type-specific privileged capability on fd. Called
// when a seat-device is opened and whenever its client is (re)activated.
func Activate(fd int, typ Type) error {
	switch typ {
	case DRM:
		if err := ioctl.Ioctl(uintptr(fd), drmSetMaster, 0); err != nil {
			return fmt.Errorf("device: DRM_IOCTL_SET_MASTER: %w", err)
		}
	case Evdev, Hidraw, Wscons:
		// No activation step; see spec §4.5 table.
	}
	return nil
}

// Deactivate drops the type-specific privileged capability on fd. For
// evdev/hidraw this is a one-way revoke: the fd is permanently inert
// afterward and Activate must never be called on it again.
func Deactivate(fd int, typ Type) error {
	switch typ {
	case DRM:
		if err := ioctl.Ioctl(uintptr(fd), drmDropMaster, 0); err != nil {
			return fmt.Errorf("device: DRM_IOCTL_DROP_MASTER: %w", err)
		}
	case Evdev:
		if err := ioctl.Ioctl(uintptr(fd), eviocRevoke, 0); err != nil {
			return fmt.Errorf("device: EVIOCREVOKE: %w", err)
		}
	case Hidraw:
		if err := ioctl.Ioctl(uintptr(fd), hidiocRevoke, 0); err != nil {
			return fmt.Errorf("device: HIDIOCREVOKE: %w", err)
		}
	case Wscons:
		// Platform handles revocation at the VT level; nothing to do
		// here (spec §4.5 table, §9 open question).
	}
	return nil
}

// ProbeEvdevCapabilities best-effort logs the input device's name and
// physical location (phys) when an evdev seat-device is opened; the
// capability bits are not logged. Purely
// informational: failure never blocks the open, and the result isn't
// needed for activate/deactivate correctness.
func ProbeEvdevCapabilities(path string) {
	dev, err := evdev.Open(path)
	if err != nil {
		logging.Debug("evdev capability probe failed", "path", path, "err", err)
		return
	}
	defer dev.File.Close()
	logging.Debug("evdev device opened", "path", path, "name", dev.Name, "phys", dev.Phys)
}
