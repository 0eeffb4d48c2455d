//go:build !linux

package eventloop

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// New returns the portable Loop implementation used on non-Linux unixes:
// poll(2) via golang.org/x/sys/unix.Poll, which that package implements
// uniformly across darwin/freebsd/netbsd/openbsd/solaris, unlike
// unix.FdSet whose bit-array layout differs enough per platform to make a
// select(2) wrapper not worth it for a loop that only ever watches a
// handful of descriptors.
func New() (Loop, error) {
	return &pollLoop{
		handles: make(map[int]*handleEntry),
		timers:  make(map[int]*timeoutEntry),
	}, nil
}

type handleEntry struct {
	id     int
	fd     int
	events HandleEvents
	cb     HandleFunc
}

type timeoutEntry struct {
	id       int
	periodMS int
	deadline time.Time
	active   bool
	cb       TimeoutFunc
}

type pollLoop struct {
	mu           sync.Mutex
	handles      map[int]*handleEntry
	timers       map[int]*timeoutEntry
	nextHandleID int
	nextTimerID  int
	closed       bool
}

func (l *pollLoop) AddHandle(fd int, events HandleEvents, cb HandleFunc) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("eventloop: loop closed")
	}
	l.nextHandleID++
	id := l.nextHandleID
	l.handles[id] = &handleEntry{id: id, fd: fd, events: events, cb: cb}
	return id, nil
}

func (l *pollLoop) RemoveHandle(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.handles[id]; !ok {
		return ErrUnknownHandle
	}
	delete(l.handles, id)
	return nil
}

func (l *pollLoop) AddTimeout(periodMS int, cb TimeoutFunc) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextTimerID++
	id := l.nextTimerID
	t := &timeoutEntry{id: id, periodMS: periodMS, cb: cb}
	if periodMS >= 0 {
		t.active = true
		t.deadline = time.Now().Add(time.Duration(periodMS) * time.Millisecond)
	}
	l.timers[id] = t
	return id, nil
}

func (l *pollLoop) UpdateTimeout(id int, periodMS int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	t, ok := l.timers[id]
	if !ok {
		return ErrUnknownHandle
	}
	t.periodMS = periodMS
	if periodMS < 0 {
		t.active = false
		return nil
	}
	t.active = true
	t.deadline = time.Now().Add(time.Duration(periodMS) * time.Millisecond)
	return nil
}

func (l *pollLoop) RemoveTimeout(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[id]; !ok {
		return ErrUnknownHandle
	}
	delete(l.timers, id)
	return nil
}

func (l *pollLoop) RunOnce() error {
	l.mu.Lock()
	fds := make([]unix.PollFd, 0, len(l.handles))
	order := make([]*handleEntry, 0, len(l.handles))
	for _, h := range l.handles {
		var events int16
		if h.events&EventReadable != 0 {
			events |= unix.POLLIN
		}
		if h.events&EventWritable != 0 {
			events |= unix.POLLOUT
		}
		fds = append(fds, unix.PollFd{Fd: int32(h.fd), Events: events})
		order = append(order, h)
	}
	waitMS := l.nextTimeoutWaitMSLocked()
	l.mu.Unlock()

	n, err := unix.Poll(fds, waitMS)
	if err != nil && err != unix.EINTR {
		return fmt.Errorf("eventloop: poll: %w", err)
	}

	l.mu.Lock()
	var fired []*handleEntry
	if n > 0 {
		for i, pfd := range fds {
			if pfd.Revents != 0 {
				fired = append(fired, order[i])
			}
		}
	}
	expired := l.popExpiredTimeoutsLocked()
	l.mu.Unlock()

	for _, h := range fired {
		h.cb(h.fd, h.events)
	}
	for _, t := range expired {
		t.cb(t.id)
	}
	return nil
}

func (l *pollLoop) popExpiredTimeoutsLocked() []*timeoutEntry {
	now := time.Now()
	var expired []*timeoutEntry
	for _, t := range l.timers {
		if t.active && !now.Before(t.deadline) {
			t.active = false
			expired = append(expired, t)
		}
	}
	sort.Slice(expired, func(i, j int) bool { return expired[i].id < expired[j].id })
	return expired
}

func (l *pollLoop) nextTimeoutWaitMSLocked() int {
	wait := maxPollWait
	now := time.Now()
	for _, t := range l.timers {
		if !t.active {
			continue
		}
		if d := t.deadline.Sub(now); d < wait {
			wait = d
		}
	}
	if wait < 0 {
		return 0
	}
	return int(wait / time.Millisecond)
}

func (l *pollLoop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
