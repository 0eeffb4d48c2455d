// Package daemon implements a network-service supervisor: one process-wide
// lifecycle state machine coordinating a registry of independently-owned
// RPC servers, self-pipe signal delivery into a single event loop,
// idle auto-shutdown, and exec-restart continuity via fd inheritance and
// JSON state snapshots.
//
// Its architecture follows github.com/One-com/gone/daemon (a single-loop
// systemd-aware supervisor built on the same github.com/One-com/gone/sd
// fd-inheritance package) but its API is an explicit *Supervisor value
// instead of a package-level Run(opts...) function, so a process can in
// principle own more than one and so construction, restart snapshotting,
// and shutdown are all ordinary method calls instead of global state.
package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/onecom-oss/netdaemon/eventloop"
	"github.com/onecom-oss/netdaemon/srv"
)

// Syslog priority levels for Log, matching the severities every gone/
// package (and the supervisor's own embedders) already log at.
const (
	LvlEMERG int = iota // not meant to be logged by this package.
	LvlALERT
	LvlCRIT
	LvlERROR
	LvlWARN
	LvlNOTICE
	LvlINFO
	LvlDEBUG
)

// LoggerFunc routes the supervisor's own diagnostic events (a quit timer
// expiring, a server failing to close, ...) to an embedder's logging
// library of choice.
type LoggerFunc func(level int, message string)

var (
	logmu  sync.RWMutex
	logger LoggerFunc
)

// SetLogger installs the function every subsequent Log call dispatches
// to. A nil LoggerFunc (the default) makes Log a no-op: by the time a
// supervisor is constructed, an embedder that cares about these events is
// expected to have already called SetLogger.
func SetLogger(f LoggerFunc) {
	logmu.Lock()
	defer logmu.Unlock()
	logger = f
}

// Log formats msg (printf-style, with args) and passes it to the
// installed LoggerFunc at the given severity. Every call site in this
// package formats its own message inline rather than pre-building a
// string, which is the only reason Log takes args instead of a single
// already-formatted string.
func Log(level int, msg string, args ...interface{}) {
	logmu.RLock()
	f := logger
	logmu.RUnlock()
	if f == nil {
		return
	}
	if len(args) > 0 {
		msg = fmt.Sprintf(msg, args...)
	}
	f(level, msg)
}

// QuitPhase is the supervisor's monotonically increasing shutdown phase.
type QuitPhase int

const (
	// QuitNone is the initial phase: no shutdown requested.
	QuitNone QuitPhase = iota
	// QuitRequested records that a shutdown was asked for, before the
	// registry has been told to close.
	QuitRequested
	// QuitPreserving is entered only when a preserve callback is running
	// in its own goroutine ahead of a restart.
	QuitPreserving
	// QuitReady follows either QuitRequested (no preserve callback) or
	// QuitPreserving (callback finished), and the prepare callback is about
	// to run. Servers have been closed if the shutdown passed through
	// QuitRequested; a QuitPreserving entered through Preserve leaves them
	// open. An exec-restart never reaches this phase.
	QuitReady
	// QuitWaiting is entered once the drain goroutine has been started and
	// the forced-completion timer armed.
	QuitWaiting
	// QuitCompleted is the terminal phase: set either by the drain
	// goroutine finishing or by the quit timer firing first.
	QuitCompleted
)

func (p QuitPhase) String() string {
	switch p {
	case QuitNone:
		return "none"
	case QuitRequested:
		return "requested"
	case QuitPreserving:
		return "preserving"
	case QuitReady:
		return "ready"
	case QuitWaiting:
		return "waiting"
	case QuitCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Sentinel errors returned by Supervisor methods. Named the way the
// teacher's own packages (gone/sd, gone/jconf) prefer over ad-hoc
// fmt.Errorf for conditions callers are expected to check with errors.Is.
// ErrNoPreserveCb is not returned by any method in this package: Preserve
// logs a warning instead.
var (
	ErrDuplicateServer = errors.New("daemon: a server with that name is already registered")
	ErrNoSuchServer    = errors.New("daemon: no server registered with that name")
	ErrAlreadyRunning  = errors.New("daemon: Run is already in progress for this supervisor")
	ErrPendingRestore  = errors.New("daemon: supervisor has a pending post-exec-restart snapshot to resolve")
	ErrNoPreserveCb    = errors.New("daemon: no preserve callback is registered")
)

// PreserveFunc runs in its own goroutine while the supervisor is in
// QuitPreserving, typically to snapshot or hand off long-lived state
// before servers are closed for an exec-restart.
type PreserveFunc func(s *Supervisor)

// PrepareFunc runs synchronously on the run-loop goroutine in QuitReady,
// before the drain goroutine starts. It does not run for an exec-restart,
// which completes without entering QuitReady.
type PrepareFunc func(s *Supervisor)

// WaitFunc runs on the drain goroutine after every server's ShutdownWait
// has returned; a non-nil error prevents a graceful exit from being
// recorded even if every server drained cleanly.
type WaitFunc func(s *Supervisor) error

// serverEntry is a registry slot: a server plus its reference count, so
// multiple registrations that resolve to the same underlying connection
// (unusual, but the original's admin client model allows it) don't tear
// the server down until every reference is released.
type serverEntry struct {
	server srv.Server
	refs   int
}

// Supervisor is the network-service supervisor described in package
// daemon's doc comment. The zero value is not usable; construct one with
// New or NewPostExecRestart. One Supervisor supports exactly one
// in-progress call to Run at a time.
type Supervisor struct {
	mu sync.Mutex

	privileged bool

	servers map[string]*serverEntry

	pendingRestore json.RawMessage

	quitPhase   QuitPhase
	execRestart bool
	graceful    bool
	running     bool

	autoShutdownTimeoutMS   uint
	autoShutdownInhibitions uint
	autoShutdownTimerID     int
	autoShutdownTimerActive bool
	autoShutdownRegistered  bool

	quitTimerID      int
	quitTimerArmed   bool
	quitTimerMS      int
	preserveWorker   bool

	loop eventloop.Loop

	sig signalState

	shutdownPreserveCb PreserveFunc
	shutdownPrepareCb  PrepareFunc
	shutdownWaitCb     WaitFunc

	exitFunc func(code int) // overridable in tests; defaults to os.Exit
	readyCb  func() error   // service-manager readiness notification, e.g. sd.Notify
}

// SetReadyCallback installs the hook Run calls once, just after entering
// its loop, to tell a process supervisor (systemd and
// github.com/One-com/gone/sd's Notify in particular) that startup is
// complete. The core package has no opinion on what "ready" means to the
// outside world; it only guarantees the hook runs exactly once per Run
// call, after quitPhase has been reset and before the first loop
// iteration.
func (s *Supervisor) SetReadyCallback(cb func() error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.readyCb = cb
}

// New constructs a Supervisor with an empty registry and no pending
// restore snapshot, capturing the process's effective privilege level
// exactly once (mirrors virNetDaemonNew's geteuid() == 0 check).
func New() (*Supervisor, error) {
	loop, err := eventloop.New()
	if err != nil {
		return nil, err
	}
	return &Supervisor{
		privileged: os.Geteuid() == 0,
		servers:    make(map[string]*serverEntry),
		quitTimerMS: 30000,
		loop:       loop,
		exitFunc:   os.Exit,
	}, nil
}

// IsPrivileged reports whether the process was running as root at
// construction time.
func (s *Supervisor) IsPrivileged() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.privileged
}

// QuitPhaseNow returns the current quit phase, chiefly useful to tests and
// to an embedder's own diagnostics.
func (s *Supervisor) QuitPhaseNow() QuitPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.quitPhase
}

// Graceful reports whether the most recently completed Run call drained
// every server cleanly before QuitCompleted, as opposed to being forced
// by the quit timer or a loop-iteration error. It also reports true after
// an exec-restart, which completes without closing or draining any server.
func (s *Supervisor) Graceful() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graceful
}

// IsExecRestart reports whether the in-progress (or just-completed)
// shutdown was requested via QuitExecRestart, for an embedder deciding,
// once Run has returned, whether to call github.com/One-com/gone/sd's
// ReplaceProcess.
func (s *Supervisor) IsExecRestart() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execRestart
}

// SetShutdownCallbacks installs the preserve/prepare/wait callbacks driven
// by the shutdown orchestrator (see run.go). Any of them may be nil. Not
// safe to call concurrently with Run.
func (s *Supervisor) SetShutdownCallbacks(preserve PreserveFunc, prepare PrepareFunc, wait WaitFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shutdownPreserveCb = preserve
	s.shutdownPrepareCb = prepare
	s.shutdownWaitCb = wait
}

// SetExitFunc overrides the function Run calls to terminate the process
// on a non-graceful exit (os.Exit by default). Intended for tests, which
// substitute a function that records the exit code instead of actually
// ending the test binary.
func (s *Supervisor) SetExitFunc(fn func(code int)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exitFunc = fn
}

// SetQuitTimeout overrides the forced-completion deadline (30s by
// default) a drain has to finish within before the process is terminated
// regardless of outcome. Tests shorten this to keep S5 fast.
func (s *Supervisor) SetQuitTimeout(ms int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.quitTimerMS = ms
}
