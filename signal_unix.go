//go:build !windows

package daemon

import (
	"fmt"
	"os"
	"syscall"

	"github.com/onecom-oss/netdaemon/eventloop"
	"github.com/onecom-oss/netdaemon/internal/selfpipe"
)

// SignalHandlerFunc is invoked, with the supervisor mutex released, when a
// registered signal is delivered.
type SignalHandlerFunc func(s *Supervisor, sig os.Signal)

type signalReg struct {
	sig syscall.Signal
	cb  SignalHandlerFunc
}

// signalState holds the POSIX self-pipe plumbing. Kept as a distinct type
// (rather than inline fields on Supervisor) so the Windows build can
// substitute an empty implementation without the two files fighting over
// the same struct fields.
type signalState struct {
	pipe    *selfpipe.Pipe
	watchID int
	regs    []signalReg
}

// ensureSigPipeLocked lazily creates the self-pipe and registers its read
// end with the event loop. Caller must hold s.mu.
func (s *Supervisor) ensureSigPipeLocked() error {
	if s.sig.pipe != nil {
		return nil
	}
	p, err := selfpipe.New()
	if err != nil {
		return fmt.Errorf("daemon: creating signal pipe: %w", err)
	}
	id, err := s.loop.AddHandle(p.ReadFD(), eventloop.EventReadable, s.onSignalPipeReadable)
	if err != nil {
		p.Close()
		return fmt.Errorf("daemon: registering signal pipe with event loop: %w", err)
	}
	s.sig.pipe = p
	s.sig.watchID = id
	return nil
}

// AddSignalHandler registers cb to run (with the supervisor mutex
// released) whenever sig is delivered to the process. Returns a
// not-supported error on platforms without POSIX signal semantics (see
// signal_windows.go).
func (s *Supervisor) AddSignalHandler(sig syscall.Signal, cb SignalHandlerFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.ensureSigPipeLocked(); err != nil {
		return err
	}
	s.sig.pipe.Watch(sig)
	s.sig.regs = append(s.sig.regs, signalReg{sig: sig, cb: cb})
	return nil
}

// onSignalPipeReadable is the event-loop readability callback for the
// self-pipe's read end. A short/failed read removes the watch entirely:
// the spec treats this as a fatal setup error, not something to retry.
func (s *Supervisor) onSignalPipeReadable(fd int, _ eventloop.HandleEvents) {
	num, err := selfpipe.Read(fd)
	if err != nil {
		s.mu.Lock()
		if s.sig.pipe != nil {
			s.loop.RemoveHandle(s.sig.watchID)
			s.sig.pipe.Close()
			s.sig.pipe = nil
		}
		s.mu.Unlock()
		Log(LvlERROR, "daemon: signal pipe read failed, no further signal delivery: %s", err)
		return
	}

	s.mu.Lock()
	var matched []SignalHandlerFunc
	for _, r := range s.sig.regs {
		if int(r.sig) == num {
			matched = append(matched, r.cb)
		}
	}
	s.mu.Unlock()

	for _, cb := range matched {
		cb(s, syscall.Signal(num))
	}
}

// closeSignalsLocked tears down the self-pipe, if any. Caller must hold
// s.mu.
func (s *Supervisor) closeSignalsLocked() {
	if s.sig.pipe == nil {
		return
	}
	s.loop.RemoveHandle(s.sig.watchID)
	s.sig.pipe.Close()
	s.sig.pipe = nil
	s.sig.regs = nil
}
