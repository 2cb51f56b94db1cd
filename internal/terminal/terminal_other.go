//go:build !linux

package terminal

import "syscall"

// Open is unimplemented on non-Linux hosts. wscons (NetBSD/OpenBSD)
// VT coordination is out of the core budget per spec §2 ("wscons:
// platform handles at VT level") — this stub exists so the module
// still compiles for cross-builds, not as a functioning backend.
func Open(n int) (Terminal, error) {
	return nil, syscall.ENOTSUP
}
