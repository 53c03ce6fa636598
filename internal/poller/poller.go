// Package poller gives every RTSP session a single-goroutine, FIFO task
// queue so its own callbacks, timers, and cross-session work never need
// intra-session locking — the concurrency model spec.md §5 calls a
// "cooperative single-threaded event loop". EasyDarwin has no such
// abstraction (each session drives its own per-purpose goroutine and channel
// pair, e.g. rtsp-session.go's requestHandelChan/rtpPackHandelChan); this
// generalizes that one-goroutine-per-serial-queue idiom into a reusable type
// so the registry's findAsync and the session's RTP/RTSP dispatch can share
// it instead of hand-rolling a channel loop per concern.
package poller

import (
	"sync"
	"sync/atomic"
	"time"
)

// Poller runs posted functions one at a time, in the order they were
// posted, on a single dedicated goroutine.
type Poller struct {
	tasks  chan func()
	done   chan struct{}
	closed atomic.Bool
}

// New creates a Poller with the given pending-task buffer depth and starts
// its worker goroutine.
func New(queueDepth int) *Poller {
	p := &Poller{
		tasks: make(chan func(), queueDepth),
		done:  make(chan struct{}),
	}
	go p.run()
	return p
}

func (p *Poller) run() {
	for {
		select {
		case fn, ok := <-p.tasks:
			if !ok {
				return
			}
			fn()
		case <-p.done:
			return
		}
	}
}

// Async enqueues fn to run on the poller goroutine. It never blocks the
// caller's thread waiting for fn to execute.
func (p *Poller) Async(fn func()) {
	if p.closed.Load() {
		return
	}
	select {
	case p.tasks <- fn:
	case <-p.done:
	}
}

// Stop drains no further work and lets the worker goroutine exit.
func (p *Poller) Stop() {
	if p.closed.CompareAndSwap(false, true) {
		close(p.done)
	}
}

// Timer is a cancelable delayed callback posted onto a Poller when it
// fires. Cancellation is race-free: a Timer that fires concurrently with
// Cancel either runs to completion or not at all, never partially.
type Timer struct {
	mu        sync.Mutex
	cancelled bool
	inner     *time.Timer
}

// AfterFunc schedules fn to run on the poller after d, unless the returned
// Timer is cancelled first.
func (p *Poller) AfterFunc(d time.Duration, fn func()) *Timer {
	t := &Timer{}
	t.inner = time.AfterFunc(d, func() {
		p.Async(func() {
			t.mu.Lock()
			cancelled := t.cancelled
			t.mu.Unlock()
			if !cancelled {
				fn()
			}
		})
	})
	return t
}

// Cancel prevents a pending Timer from invoking its callback. Safe to call
// more than once and safe to call after the timer has already fired.
func (t *Timer) Cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.mu.Unlock()
	t.inner.Stop()
}
