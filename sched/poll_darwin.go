//go:build darwin

package sched

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type kqueuePoll struct {
	fd  int
	cbs map[int]func(Events)
}

// NewPoll builds the Darwin/BSD readiness multiplexer on top of kqueue.
func NewPoll() (Poll, error) {
	fd, err := unix.Kqueue()
	if err != nil {
		return nil, fmt.Errorf("sched: kqueue: %w", err)
	}
	return &kqueuePoll{fd: fd, cbs: make(map[int]func(Events))}, nil
}

func (p *kqueuePoll) register(fd int, ev Events, flags uint16) error {
	var changes []unix.Kevent_t
	if ev&Readable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_READ, Flags: flags})
	}
	if ev&Writable != 0 {
		changes = append(changes, unix.Kevent_t{Ident: uint64(fd), Filter: unix.EVFILT_WRITE, Flags: flags})
	}
	if len(changes) == 0 {
		return nil
	}
	_, err := unix.Kevent(p.fd, changes, nil, nil)
	return err
}

func (p *kqueuePoll) Add(fd int, ev Events, cb func(Events)) error {
	p.cbs[fd] = cb
	return p.register(fd, ev, unix.EV_ADD|unix.EV_ENABLE)
}

func (p *kqueuePoll) Modify(fd int, ev Events) error {
	if err := p.register(fd, Readable|Writable, unix.EV_DELETE); err != nil {
		return err
	}
	return p.register(fd, ev, unix.EV_ADD|unix.EV_ENABLE)
}

func (p *kqueuePoll) Remove(fd int) error {
	delete(p.cbs, fd)
	return p.register(fd, Readable|Writable, unix.EV_DELETE)
}

func (p *kqueuePoll) Wait(timeout time.Duration) error {
	var ts *unix.Timespec
	if timeout >= 0 {
		t := unix.NsecToTimespec(timeout.Nanoseconds())
		ts = &t
	}
	var events [64]unix.Kevent_t
	n, err := unix.Kevent(p.fd, nil, events[:], ts)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		cb, ok := p.cbs[int(ev.Ident)]
		if !ok {
			continue
		}
		var got Events
		switch ev.Filter {
		case unix.EVFILT_READ:
			got = Readable
		case unix.EVFILT_WRITE:
			got = Writable
		}
		cb(got)
	}
	return nil
}

func (p *kqueuePoll) Close() error { return unix.Close(p.fd) }
