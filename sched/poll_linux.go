//go:build linux

package sched

import (
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

type epollPoll struct {
	fd  int
	cbs map[int]func(Events)
}

// NewPoll builds the Linux readiness multiplexer on top of epoll.
func NewPoll() (Poll, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("sched: epoll_create1: %w", err)
	}
	return &epollPoll{fd: fd, cbs: make(map[int]func(Events))}, nil
}

func toEpollEvents(ev Events) uint32 {
	var e uint32
	if ev&Readable != 0 {
		e |= unix.EPOLLIN
	}
	if ev&Writable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}

func (p *epollPoll) Add(fd int, ev Events, cb func(Events)) error {
	p.cbs[fd] = cb
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{Events: toEpollEvents(ev), Fd: int32(fd)})
}

func (p *epollPoll) Modify(fd int, ev Events) error {
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{Events: toEpollEvents(ev), Fd: int32(fd)})
}

func (p *epollPoll) Remove(fd int) error {
	delete(p.cbs, fd)
	return unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil)
}

func (p *epollPoll) Wait(timeout time.Duration) error {
	var events [64]unix.EpollEvent
	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.EpollWait(p.fd, events[:], ms)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return err
	}
	for i := 0; i < n; i++ {
		ev := events[i]
		cb, ok := p.cbs[int(ev.Fd)]
		if !ok {
			continue
		}
		var got Events
		if ev.Events&unix.EPOLLIN != 0 {
			got |= Readable
		}
		if ev.Events&unix.EPOLLOUT != 0 {
			got |= Writable
		}
		cb(got)
	}
	return nil
}

func (p *epollPoll) Close() error { return unix.Close(p.fd) }
