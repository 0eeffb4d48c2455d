//go:build linux

package eventloop

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// New returns the epoll-based Loop implementation on Linux.
func New() (Loop, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("eventloop: epoll_create1: %w", err)
	}
	return &epollLoop{
		epfd:    epfd,
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

// epollLoop is a straightforward, correctness-first epoll wrapper. It isn't
// tuned for high fd counts the way a server-side poller would be: the
// supervisor loop watches a handful of descriptors (the signal pipe, a
// control socket listener, at most a few server-owned fds), so a
// map-and-mutex design is the right tradeoff over a lock-free ring.
type epollLoop struct {
	mu           sync.Mutex
	epfd         int
	handles      map[int]*handleEntry
	timers       map[int]*timeoutEntry
	nextHandleID int
	nextTimerID  int
	closed       bool
}

func (l *epollLoop) AddHandle(fd int, events HandleEvents, cb HandleFunc) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return 0, fmt.Errorf("eventloop: loop closed")
	}

	l.nextHandleID++
	id := l.nextHandleID
	ev := unix.EpollEvent{Events: epollEventsFor(events)}
	setEpollData(&ev, id)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return 0, fmt.Errorf("eventloop: epoll_ctl add: %w", err)
	}
	l.handles[id] = &handleEntry{id: id, fd: fd, events: events, cb: cb}
	return id, nil
}

func (l *epollLoop) RemoveHandle(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	h, ok := l.handles[id]
	if !ok {
		return ErrUnknownHandle
	}
	delete(l.handles, id)
	if err := unix.EpollCtl(l.epfd, unix.EPOLL_CTL_DEL, h.fd, nil); err != nil {
		return fmt.Errorf("eventloop: epoll_ctl del: %w", err)
	}
	return nil
}

func (l *epollLoop) AddTimeout(periodMS int, cb TimeoutFunc) (int, error) {
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

func (l *epollLoop) UpdateTimeout(id int, periodMS int) error {
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

func (l *epollLoop) RemoveTimeout(id int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, ok := l.timers[id]; !ok {
		return ErrUnknownHandle
	}
	delete(l.timers, id)
	return nil
}

func (l *epollLoop) RunOnce() error {
	waitMS := l.nextTimeoutWaitMS()

	var events [32]unix.EpollEvent
	n, err := unix.EpollWait(l.epfd, events[:], waitMS)
	if err != nil {
		if err == unix.EINTR {
			return nil
		}
		return fmt.Errorf("eventloop: epoll_wait: %w", err)
	}

	l.mu.Lock()
	fired := make([]*handleEntry, 0, n)
	for i := 0; i < n; i++ {
		id := epollDataID(&events[i])
		if h, ok := l.handles[id]; ok {
			fired = append(fired, h)
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

// popExpiredTimeoutsLocked must be called with l.mu held. Firing a timer
// deactivates it (mirrors a one-shot virEventTimeoutCallback); a periodic
// caller re-arms via UpdateTimeout from within its own callback.
func (l *epollLoop) popExpiredTimeoutsLocked() []*timeoutEntry {
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

func (l *epollLoop) nextTimeoutWaitMS() int {
	l.mu.Lock()
	defer l.mu.Unlock()

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

func (l *epollLoop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return unix.Close(l.epfd)
}

func epollEventsFor(events HandleEvents) uint32 {
	var e uint32
	if events&EventReadable != 0 {
		e |= unix.EPOLLIN
	}
	if events&EventWritable != 0 {
		e |= unix.EPOLLOUT
	}
	return e
}
