package sched

import (
	"testing"
	"time"

	qt "github.com/frankban/quicktest"
)

type fakePoll struct {
	waits int
}

func (f *fakePoll) Add(fd int, ev Events, cb func(Events)) error { return nil }
func (f *fakePoll) Modify(fd int, ev Events) error                { return nil }
func (f *fakePoll) Remove(fd int) error                           { return nil }
func (f *fakePoll) Wait(timeout time.Duration) error {
	f.waits++
	return nil
}
func (f *fakePoll) Close() error { return nil }

func TestSchedulerPostRunsOnNextIteration(t *testing.T) {
	c := qt.New(t)
	s := New(&fakePoll{})
	var ran bool
	s.Post(func() { ran = true })

	ready, timers := s.Pending()
	c.Assert(ready, qt.Equals, 1)
	c.Assert(timers, qt.Equals, 0)

	stop := make(chan struct{})
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(stop)
	}()
	c.Assert(s.Run(stop), qt.IsNil)
	c.Assert(ran, qt.Equals, true)
}

func TestSchedulerTimerOrdering(t *testing.T) {
	c := qt.New(t)
	s := New(&fakePoll{})
	var order []int
	s.PostDelayed(20*time.Millisecond, func() { order = append(order, 2) })
	s.PostDelayed(5*time.Millisecond, func() { order = append(order, 1) })

	stop := make(chan struct{})
	go func() {
		time.Sleep(40 * time.Millisecond)
		close(stop)
	}()
	c.Assert(s.Run(stop), qt.IsNil)
	c.Assert(order, qt.DeepEquals, []int{1, 2})
}

func TestSchedulerTimerCancel(t *testing.T) {
	c := qt.New(t)
	s := New(&fakePoll{})
	fired := false
	timer := s.PostDelayed(5*time.Millisecond, func() { fired = true })
	timer.Cancel()

	stop := make(chan struct{})
	go func() {
		time.Sleep(20 * time.Millisecond)
		close(stop)
	}()
	c.Assert(s.Run(stop), qt.IsNil)
	c.Assert(fired, qt.Equals, false)
}
