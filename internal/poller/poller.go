// Package poller implements the single-threaded readiness loop from spec
// §4.3: level-triggered fd readiness via poll(2), plus signal delivery
// coalesced through an async-signal-safe flag and a self-pipe, so one
// blocking call waits on both fd readiness and pending signals.
package poller

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

// Mask is a bitmask of readiness conditions, matching poll(2)'s.
type Mask uint32

const (
	Readable Mask = unix.POLLIN
	Writable Mask = unix.POLLOUT
	Err      Mask = unix.POLLERR
	Hangup   Mask = unix.POLLHUP
)

// FDCallback is invoked with the mask of conditions that were ready.
type FDCallback func(fd int, mask Mask)

// SignalCallback is invoked once per poll iteration in which signo fired
// at least once since the last call (signals coalesce per spec §5).
type SignalCallback func(signo int)

type fdSource struct {
	fd     int
	mask   Mask
	cb     FDCallback
	data   any
	killed bool
}

// FDHandle identifies a registered fd source for Update/Remove.
type FDHandle struct{ fd int }

type signalSource struct {
	signo  int
	cb     SignalCallback
	killed bool
}

// SignalHandle identifies a registered signal source for Remove. It
// holds the source directly rather than a slice index, since
// sweepKilled compacts p.signals and an index would go stale across a
// compaction.
type SignalHandle struct {
	signo int
	src   *signalSource
}

// Poller is the single-threaded event loop. Not safe for concurrent use —
// all methods, including the callbacks Poll invokes, run on one goroutine
// by construction (spec §5: "single-threaded, single-cooperative-event-loop").
type Poller struct {
	fds        map[int]*fdSource
	signals    map[int][]*signalSource
	dirty      bool
	pollfds    []unix.PollFd
	order      []int // fd keys in pollfds order

	sigCh    chan os.Signal
	sigMu    sync.Mutex // guards sigFired against the pump goroutine
	sigFired map[int]*atomic.Bool

	selfPipeR, selfPipeW int
}

// New creates a Poller. The self-pipe is opened immediately, and a
// dedicated goroutine is started to pump it: signal.Notify delivers
// asynchronously to sigCh no matter which OS thread is parked in the
// blocking unix.Poll call below, so something has to drain sigCh and
// wake that poll independently of Poll() ever running again. That's
// this goroutine's only job — it never touches fds, signals, or
// anything else Poll()'s single-threaded contract owns. Close must be
// called to release the self-pipe and let the goroutine exit.
func New() (*Poller, error) {
	fds, err := unixPipe2()
	if err != nil {
		return nil, fmt.Errorf("poller: self-pipe: %w", err)
	}
	p := &Poller{
		fds:       make(map[int]*fdSource),
		signals:   make(map[int][]*signalSource),
		sigCh:     make(chan os.Signal, 16),
		sigFired:  make(map[int]*atomic.Bool),
		selfPipeR: fds[0],
		selfPipeW: fds[1],
		dirty:     true,
	}
	go p.pumpSignals()
	return p, nil
}

// pumpSignals runs for the Poller's lifetime, flagging each delivered
// signal and waking any blocked Poll() call via the self-pipe. It is
// the only writer of selfPipeW.
func (p *Poller) pumpSignals() {
	for sig := range p.sigCh {
		signo := unixSignalNumber(sig)
		p.sigMu.Lock()
		flag, ok := p.sigFired[signo]
		p.sigMu.Unlock()
		if ok {
			flag.Store(true)
		}
		var b [1]byte
		unix.Write(p.selfPipeW, b[:])
	}
}

func unixPipe2() ([2]int, error) {
	var fds [2]int
	err := unix.Pipe2(fds[:], unix.O_NONBLOCK|unix.O_CLOEXEC)
	return fds, err
}

// AddFd registers fd for the given readiness mask. Takes effect
// immediately; Poll always regenerates its pollfd array from the live
// registration before blocking.
func (p *Poller) AddFd(fd int, mask Mask, cb FDCallback, data any) *FDHandle {
	p.fds[fd] = &fdSource{fd: fd, mask: mask, cb: cb, data: data}
	p.dirty = true
	return &FDHandle{fd: fd}
}

// UpdateFd changes the readiness mask applied to h, effective on the next
// Poll.
func (p *Poller) UpdateFd(h *FDHandle, mask Mask) {
	if src, ok := p.fds[h.fd]; ok {
		src.mask = mask
		p.dirty = true
	}
}

// RemoveFd marks h's source killed. If called from within a callback
// during dispatch, the source is skipped for the remainder of this
// round and actually removed once dispatch finishes — removing it
// immediately would invalidate the in-flight dispatch list.
func (p *Poller) RemoveFd(h *FDHandle) {
	if src, ok := p.fds[h.fd]; ok {
		src.killed = true
		p.dirty = true
	}
}

// AddSignal registers cb to run once per Poll iteration in which signo
// fired. Multiple sources may attach to the same signal; signal.Notify
// is registered once per signal number, on the first AddSignal for it.
func (p *Poller) AddSignal(signo int, cb SignalCallback) *SignalHandle {
	p.sigMu.Lock()
	if _, ok := p.sigFired[signo]; !ok {
		p.sigFired[signo] = &atomic.Bool{}
		signal.Notify(p.sigCh, unixSignal(signo))
	}
	p.sigMu.Unlock()

	src := &signalSource{signo: signo, cb: cb}
	p.signals[signo] = append(p.signals[signo], src)
	return &SignalHandle{signo: signo, src: src}
}

// RemoveSignal marks h killed; actual cleanup happens after the current
// dispatch round, mirroring RemoveFd.
func (p *Poller) RemoveSignal(h *SignalHandle) {
	h.src.killed = true
}

// regenerate rebuilds the pollfd array from the live (non-killed) fd
// registrations, lazily, only when dirty.
func (p *Poller) regenerate() {
	if !p.dirty {
		return
	}
	p.pollfds = p.pollfds[:0]
	p.order = p.order[:0]
	for fd, src := range p.fds {
		if src.killed {
			continue
		}
		p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(fd), Events: int16(src.mask)})
		p.order = append(p.order, fd)
	}
	p.pollfds = append(p.pollfds, unix.PollFd{Fd: int32(p.selfPipeR), Events: int16(Readable)})
	p.dirty = false
}

// Poll blocks until at least one fd source or signal is ready, then
// dispatches all ready sources, then sweeps sources killed during
// dispatch. It returns when interrupted only by spurious EINTR; callers
// normally call it in a loop until the process is told to stop.
func (p *Poller) Poll() error {
	p.regenerate()

	n, err := unix.Poll(p.pollfds, -1)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("poller: poll: %w", err)
	}
	if n == 0 {
		return nil
	}

	p.drainSelfPipe()

	// Dispatch fd sources from a fixed-size snapshot of what the syscall
	// actually told us about; entries added mid-dispatch are simply not
	// in this slice and will be considered next round.
	for i, pfd := range p.pollfds {
		if pfd.Revents == 0 {
			continue
		}
		if i == len(p.pollfds)-1 {
			continue // the self-pipe read end; already drained above
		}
		fd := p.order[i]
		src, ok := p.fds[fd]
		if !ok || src.killed {
			continue
		}
		src.cb(fd, Mask(pfd.Revents))
	}

	p.dispatchSignals()
	p.sweepKilled()
	return nil
}

func (p *Poller) drainSelfPipe() {
	var buf [64]byte
	for {
		n, err := unix.Read(p.selfPipeR, buf[:])
		if n <= 0 || err != nil {
			return
		}
	}
}

func (p *Poller) dispatchSignals() {
	for signo, flag := range p.sigFired {
		if !flag.CompareAndSwap(true, false) {
			continue
		}
		for _, src := range p.signals[signo] {
			if !src.killed {
				src.cb(signo)
			}
		}
	}
}

func (p *Poller) sweepKilled() {
	for fd, src := range p.fds {
		if src.killed {
			delete(p.fds, fd)
			p.dirty = true
		}
	}
	for signo, srcs := range p.signals {
		kept := srcs[:0]
		for _, s := range srcs {
			if !s.killed {
				kept = append(kept, s)
			}
		}
		p.signals[signo] = kept
	}
}

// Close releases the self-pipe and stops pumpSignals. Does not touch
// registered fds — those are owned by their registrants.
func (p *Poller) Close() error {
	signal.Stop(p.sigCh)
	close(p.sigCh)
	unix.Close(p.selfPipeR)
	unix.Close(p.selfPipeW)
	return nil
}
