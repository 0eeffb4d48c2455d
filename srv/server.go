// Package srv defines the capability surface a registered server must
// implement for the supervisor in the parent package to drive it: naming,
// shutdown, per-iteration client processing, and exec-restart
// serialization. It intentionally says nothing about transport or
// protocol — that is left entirely to the embedder, the same way
// virNetServer is an opaque collaborator to virnetdaemon.c.
package srv

import (
	"encoding/json"
	"sync"
)

// Syslog priority levels, kept from the teacher's own server logging
// convention so embedders already familiar with it need nothing new.
const (
	LvlEMERG int = iota
	LvlALERT
	LvlCRIT
	LvlERROR
	LvlWARN
	LvlNOTICE
	LvlINFO
	LvlDEBUG
)

// LoggerFunc lets a Server log through the embedder's logging backend
// without this package depending on one.
type LoggerFunc func(level int, message string)

// Server is the minimal capability surface the supervisor's registry
// requires of every registered server.
type Server interface {
	// Name identifies the server within the registry; must be stable for
	// the server's lifetime.
	Name() string
	// Close tears the server down immediately, releasing listeners and any
	// other held resources. Called at the start of a non-exec-restart
	// shutdown, before any ShutdownWait drain, so clients may still be
	// connected.
	Close() error
	// HasClients reports whether the server currently has any active
	// client connections, consulted by the auto-shutdown controller.
	HasClients() bool
	// ProcessClients is invoked once per run-loop iteration to let the
	// server do periodic bookkeeping (e.g. expiring idle connections).
	// Must not block.
	ProcessClients()
}

// ShutdownWaiter is implemented by servers with a graceful drain step
// beyond Close: ShutdownWait blocks until in-flight client work finishes
// or the caller's own deadline (the supervisor's 30s quit timer) forces
// the process down first.
type ShutdownWaiter interface {
	ShutdownWait() error
}

// ServiceUpdater is implemented by servers that accept a live
// configuration refresh (the service/endpoint set in the original
// virNetDaemonUpdateServices sense) without a full restart.
type ServiceUpdater interface {
	UpdateServices(enabled bool) error
}

// Serializer is implemented by servers that can snapshot enough state
// into JSON for a post-exec-restart process to reconstruct them
// (typically just the inherited listener fd name/set).
type Serializer interface {
	Serialize() (json.RawMessage, error)
}

// Builder reconstructs a Server of a known kind from a snapshot produced
// by a prior process's Serializer, plus an opaque value the embedder
// threads through (e.g. shared application state).
type Builder func(name string, data json.RawMessage, opaque interface{}) (Server, error)

// Base is an embeddable helper providing the Name/logging boilerplate
// most Server implementations need, the way the teacher's MultiServer
// carried its own logmu/logger pair.
type Base struct {
	name string

	logmu  sync.RWMutex
	logger LoggerFunc
}

// NewBase returns a Base identifying itself as name.
func NewBase(name string) Base {
	return Base{name: name}
}

// Name implements Server.
func (b *Base) Name() string { return b.name }

// SetLogger installs a custom log function, go-routine safe to call at
// any time.
func (b *Base) SetLogger(f LoggerFunc) {
	b.logmu.Lock()
	defer b.logmu.Unlock()
	b.logger = f
}

// Log calls the installed LoggerFunc, if any.
func (b *Base) Log(level int, msg string) {
	b.logmu.RLock()
	defer b.logmu.RUnlock()
	if b.logger != nil {
		b.logger(level, msg)
	}
}
