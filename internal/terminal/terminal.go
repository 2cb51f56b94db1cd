// Package terminal implements the VT/KD coordination primitives from spec
// §4.4: opening a VT device, querying/switching the active VT, enabling
// kernel process-switch mode, and acking release/acquire transitions.
package terminal

// Terminal is an open handle on a tty/VT device. The concrete ioctls are
// platform-specific (Linux VT/KD vs BSD wscons); see terminal_linux.go and
// terminal_other.go.
type Terminal interface {
	// Fd returns the underlying file descriptor.
	Fd() int
	// CurrentVT returns the VT number currently active on this console.
	CurrentVT() (int, error)
	// SetProcessSwitching toggles kernel process-switch mode: when
	// enabled, a VT switch request blocks until AckRelease/AckAcquire.
	SetProcessSwitching(enable bool) error
	// SwitchVT requests the kernel transition the console to VT n.
	SwitchVT(n int) error
	// AckRelease tells the kernel "release approved, proceed."
	AckRelease() error
	// AckAcquire tells the kernel "I have taken the new VT."
	AckAcquire() error
	// SetKeyboard toggles kernel console keyboard input processing.
	SetKeyboard(enable bool) error
	// SetGraphics toggles the console between text and graphics mode.
	SetGraphics(enable bool) error
	// Close closes the underlying fd.
	Close() error
}
