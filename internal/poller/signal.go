package poller

import (
	"os"
	"syscall"
)

func unixSignal(signo int) os.Signal {
	return syscall.Signal(signo)
}

func unixSignalNumber(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return int(s)
	}
	return 0
}
