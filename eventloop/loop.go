// Package eventloop provides the cooperative, single-threaded event-loop
// primitive the daemon package assumes as a collaborator: add/remove
// fd-based handles, add/update timeouts, and run exactly one iteration.
//
// The daemon core never constructs a Loop directly inside a hot path; one
// Loop is owned by the Supervisor for its whole Run() lifetime and is
// driven one RunOnce() call per main-loop iteration, exactly the relation
// virEventRunDefaultImpl() has to virNetDaemonRun()'s while loop.
package eventloop

import (
	"errors"
	"time"
)

// HandleEvents describes which conditions a registered handle is watched
// for.
type HandleEvents int

const (
	// EventReadable fires when the fd has data ready to read.
	EventReadable HandleEvents = 1 << iota
	// EventWritable fires when the fd can accept a write without blocking.
	EventWritable
)

// HandleFunc is invoked when a watched fd becomes ready. events reports
// which of the requested conditions fired.
type HandleFunc func(fd int, events HandleEvents)

// TimeoutFunc is invoked when a registered timeout elapses.
type TimeoutFunc func(id int)

// ErrUnknownHandle is returned by RemoveHandle/UpdateTimeout for an id
// that isn't currently registered.
var ErrUnknownHandle = errors.New("eventloop: unknown handle or timeout id")

// Loop is the event-loop primitive. All methods are safe to call from any
// goroutine; RunOnce is expected to be called from a single loop-owning
// goroutine at a time (the Supervisor's Run loop), the same way a
// cooperative dispatcher expects one caller to pump it.
type Loop interface {
	// AddHandle registers fd for the given events, returning a handle id.
	AddHandle(fd int, events HandleEvents, cb HandleFunc) (int, error)
	// RemoveHandle unregisters a previously added handle.
	RemoveHandle(id int) error

	// AddTimeout registers a one-shot-by-default timeout. periodMS < 0
	// creates the timer in a dormant state (never fires until updated),
	// matching virEventAddTimeout(-1, ...)'s idiom of pre-registering a
	// timer object before it's ever armed.
	AddTimeout(periodMS int, cb TimeoutFunc) (int, error)
	// UpdateTimeout rearms an existing timeout to fire after periodMS
	// milliseconds (periodMS < 0 deactivates it, 0 fires on the very next
	// iteration).
	UpdateTimeout(id int, periodMS int) error
	// RemoveTimeout unregisters a previously added timeout.
	RemoveTimeout(id int) error

	// RunOnce blocks for at most one iteration of work: until at least one
	// handle or timeout fires, or the loop's internal poll interval
	// elapses. Returns an error only on an unrecoverable poller failure.
	RunOnce() error

	// Close releases the loop's underlying OS resources (epoll fd, etc).
	Close() error
}

// maxPollWait bounds how long RunOnce can block with no timeouts
// registered, so a Loop with only fd handles still notices new timeouts
// added concurrently (e.g. AutoShutdown arming a previously-dormant
// timer from another goroutine's perspective, even though in this
// package all mutation is funneled through the owning goroutine's calls
// plus an internal lock for cross-goroutine registration).
const maxPollWait = 1 * time.Second
