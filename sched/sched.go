// Package sched implements the single-threaded cooperative reactor (C9):
// one goroutine drains a ready queue and a timer heap, blocking in a
// readiness Poll between turns. Every torrent's state transitions happen
// here, so nothing upstream needs a lock while running on the Scheduler's
// goroutine. Grounded on original_source/rtorrent's engine/poll.cc and
// libtorrent's torrent/thread_base.h.
package sched

import (
	"container/heap"
	"time"
)

// Events is the readiness bitset a Poll implementation reports.
type Events uint8

const (
	Readable Events = 1 << iota
	Writable
)

// Poll abstracts OS readiness notification (epoll/kqueue/portable
// fallback) behind one interface, per spec.md §5.
type Poll interface {
	Add(fd int, ev Events, cb func(Events)) error
	Modify(fd int, ev Events) error
	Remove(fd int) error
	Wait(timeout time.Duration) error
	Close() error
}

type timerTask struct {
	deadline time.Time
	fn       func()
	index    int
	canceled bool
}

type timerHeap []*timerTask

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i]; h[i].index = i; h[j].index = j }
func (h *timerHeap) Push(x interface{}) { t := x.(*timerTask); t.index = len(*h); *h = append(*h, t) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// Timer is a cancellable handle returned by Scheduler.PostDelayed.
type Timer struct{ t *timerTask }

// Cancel prevents a not-yet-fired timer from running. Safe to call after
// the timer has already fired.
func (t *Timer) Cancel() { t.t.canceled = true }

// Scheduler is the reactor loop. Construct one per DownloadMain and call
// Run on the goroutine that will own that torrent's state for its
// lifetime.
type Scheduler struct {
	poll   Poll
	timers timerHeap
	ready  []func()
}

// New builds a Scheduler around a Poll. Ownership of poll passes to the
// Scheduler; it is closed when Run returns.
func New(poll Poll) *Scheduler {
	return &Scheduler{poll: poll}
}

// Post queues fn to run on the next loop iteration. This is the
// cooperative yield point a long-running task — a hash queue slice, a
// choke cycle — uses to give the reactor a turn between units of work.
func (s *Scheduler) Post(fn func()) {
	s.ready = append(s.ready, fn)
}

// PostDelayed schedules fn to run no earlier than d from now.
func (s *Scheduler) PostDelayed(d time.Duration, fn func()) *Timer {
	t := &timerTask{deadline: time.Now().Add(d), fn: fn}
	heap.Push(&s.timers, t)
	return &Timer{t: t}
}

// Poll exposes the readiness multiplexer so callers (peerconn dialers and
// listeners) can register file descriptors directly.
func (s *Scheduler) Poll() Poll { return s.poll }

// Run drives the reactor until stop is closed. It must run on exactly one
// goroutine for the lifetime of the Scheduler.
func (s *Scheduler) Run(stop <-chan struct{}) error {
	defer s.poll.Close()
	for {
		select {
		case <-stop:
			return nil
		default:
		}
		if err := s.poll.Wait(s.nextTimeout()); err != nil {
			return err
		}
		s.runDueTimers()
		s.drainReady()
	}
}

func (s *Scheduler) nextTimeout() time.Duration {
	if len(s.ready) > 0 {
		return 0
	}
	if len(s.timers) == 0 {
		return 250 * time.Millisecond
	}
	d := time.Until(s.timers[0].deadline)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Scheduler) runDueTimers() {
	now := time.Now()
	for len(s.timers) > 0 && !s.timers[0].deadline.After(now) {
		t := heap.Pop(&s.timers).(*timerTask)
		if !t.canceled {
			t.fn()
		}
	}
}

func (s *Scheduler) drainReady() {
	// Snapshot before running: a task Post-ing another task during this
	// drain is picked up on the next loop iteration, not re-entrantly.
	batch := s.ready
	s.ready = nil
	for _, fn := range batch {
		fn()
	}
}

// Pending reports the number of ready and timer tasks outstanding, mostly
// useful for tests and diagnostics.
func (s *Scheduler) Pending() (ready, timers int) {
	return len(s.ready), len(s.timers)
}
