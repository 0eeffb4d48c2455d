package daemon

import (
	"sync"

	"github.com/onecom-oss/netdaemon/srv"
)

// Quit requests an ordinary shutdown: sets QuitRequested if the
// supervisor is currently in QuitNone. A later call once a shutdown is
// already in progress is a no-op.
func (s *Supervisor) Quit() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quitPhase == QuitNone {
		s.quitPhase = QuitRequested
	}
}

// QuitExecRestart requests a shutdown that preserves the registered
// servers' listeners (via github.com/One-com/gone/sd fd export) instead
// of closing them, so a replacement process can inherit them.
func (s *Supervisor) QuitExecRestart() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quitPhase == QuitNone {
		s.quitPhase = QuitRequested
	}
	s.execRestart = true
}

// Preserve starts the preserve callback in a detached goroutine and
// advances QuitNone to QuitPreserving. It is a no-op, logged at warning
// level, if no preserve callback is installed, a preserve worker is
// already running, or a shutdown is already in progress.
func (s *Supervisor) Preserve() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdownPreserveCb == nil {
		Log(LvlWARN, "daemon: Preserve called with no preserve callback installed")
		return
	}
	if s.preserveWorker {
		Log(LvlWARN, "daemon: Preserve called while a preserve worker is already running")
		return
	}
	if s.quitPhase != QuitNone {
		Log(LvlWARN, "daemon: Preserve called while quit phase is %s, not none", s.quitPhase)
		return
	}

	s.startPreserveWorkerLocked()
}

// startPreserveWorkerLocked sets QuitPreserving and launches the detached
// goroutine that runs the preserve callback, then advances back to
// QuitReady. Caller must hold s.mu; the one invariant this relies on is
// that only the worker itself clears preserveWorker, so no second worker
// can start while one is outstanding.
func (s *Supervisor) startPreserveWorkerLocked() {
	s.quitPhase = QuitPreserving
	s.preserveWorker = true
	cb := s.shutdownPreserveCb

	go func() {
		cb(s)
		s.mu.Lock()
		if s.quitPhase == QuitPreserving {
			s.quitPhase = QuitReady
		}
		s.preserveWorker = false
		s.mu.Unlock()
	}()
}

// closeAllServersLocked calls Close on every registered server, in
// registry order. Errors are logged, not returned: a shutdown in
// progress cannot be aborted by one server failing to close cleanly.
func (s *Supervisor) closeAllServersLocked() {
	s.forEachServerLocked(func(name string, server srv.Server) {
		if err := server.Close(); err != nil {
			Log(LvlERROR, "daemon: closing server %q: %s", name, err)
		}
	})
}

// armQuitTimerLocked (re)arms the forced-completion deadline. Caller must
// hold s.mu.
func (s *Supervisor) armQuitTimerLocked() {
	if !s.quitTimerArmed {
		id, err := s.loop.AddTimeout(s.quitTimerMS, s.onQuitTimerFire)
		if err != nil {
			Log(LvlERROR, "daemon: arming quit timer: %s", err)
			return
		}
		s.quitTimerID = id
		s.quitTimerArmed = true
		return
	}
	s.loop.UpdateTimeout(s.quitTimerID, s.quitTimerMS)
}

// onQuitTimerFire forces completion if the drain hasn't already finished.
func (s *Supervisor) onQuitTimerFire(int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.quitPhase != QuitCompleted {
		Log(LvlWARN, "daemon: quit timer expired before graceful drain finished, forcing shutdown")
		s.graceful = false
		s.quitPhase = QuitCompleted
	}
}

// startDrainLocked starts the detached goroutine that waits for every
// server's ShutdownWait (and the optional shutdownWaitCb) to finish, the
// only thing standing between QuitWaiting and QuitCompleted on the
// graceful path. Caller must hold s.mu; drainWG.Done is called exactly
// once when the goroutine exits.
func (s *Supervisor) startDrainLocked(drainWG *sync.WaitGroup) {
	waitCb := s.shutdownWaitCb
	names := make([]string, 0, len(s.servers))
	servers := make([]srv.Server, 0, len(s.servers))
	s.forEachServerLocked(func(name string, server srv.Server) {
		names = append(names, name)
		servers = append(servers, server)
	})

	drainWG.Add(1)
	go func() {
		defer drainWG.Done()

		ok := true
		for i, server := range servers {
			if w, implements := server.(srv.ShutdownWaiter); implements {
				if err := w.ShutdownWait(); err != nil {
					Log(LvlERROR, "daemon: server %q failed to drain: %s", names[i], err)
					ok = false
				}
			}
		}
		if waitCb != nil {
			if err := waitCb(s); err != nil {
				Log(LvlERROR, "daemon: shutdown wait callback failed: %s", err)
				ok = false
			}
		}

		s.mu.Lock()
		if ok {
			s.graceful = true
		}
		s.quitPhase = QuitCompleted
		if s.quitTimerArmed {
			s.loop.UpdateTimeout(s.quitTimerID, 0)
		}
		s.mu.Unlock()
	}()
}

// advancePhaseLocked drives one step of the quit-phase state table after
// a loop iteration's ProcessClients pass. Caller must hold s.mu.
func (s *Supervisor) advancePhaseLocked(drainWG *sync.WaitGroup) {
	switch s.quitPhase {
	case QuitRequested:
		if s.execRestart {
			// Servers are deliberately left open here: their listeners
			// (and any live client connections) must survive into the
			// replacement process via fd inheritance. Jump straight to
			// QuitCompleted so Run's next iteration returns immediately,
			// without ever entering QuitReady/QuitWaiting or draining
			// anything that's still meant to be serving traffic.
			s.graceful = true
			s.quitPhase = QuitCompleted
			return
		}
		s.closeAllServersLocked()
		if s.shutdownPreserveCb != nil {
			s.startPreserveWorkerLocked()
		} else {
			s.quitPhase = QuitReady
		}

	case QuitReady:
		if cb := s.shutdownPrepareCb; cb != nil {
			s.mu.Unlock()
			cb(s)
			s.mu.Lock()
		}
		s.startDrainLocked(drainWG)
		s.armQuitTimerLocked()
		s.quitPhase = QuitWaiting

	case QuitPreserving, QuitWaiting, QuitNone, QuitCompleted:
		// QuitPreserving advances via the preserve worker's own goroutine;
		// QuitWaiting advances via the drain goroutine or the quit timer;
		// the other two need nothing done here.
	}
}

// Run resets the supervisor's quit state, notifies the service manager
// (if SetReadyCallback installed a hook) that startup finished, and then
// drives the event loop until QuitCompleted is reached: every iteration
// re-evaluates auto-shutdown, runs one event-loop iteration, calls
// ProcessClients on every registered server, and advances the quit-phase
// state table. A loop-iteration error breaks out immediately (forcing a
// non-graceful exit); otherwise, once QuitCompleted is reached, Run joins
// the drain goroutine if the shutdown was graceful and returns nil, or
// else terminates the process with a non-zero exit status.
func (s *Supervisor) Run() error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrAlreadyRunning
	}
	if s.pendingRestore != nil {
		s.mu.Unlock()
		return ErrPendingRestore
	}
	// Only reset quitPhase from a genuinely idle state (never run, or a
	// previous run fully completed). quitPhase must never move backwards:
	// a Quit/QuitExecRestart/Preserve call already made before this Run
	// call (there is no requirement that those only be called once the
	// loop is already running) needs to be honored on the very first
	// iteration, not silently discarded back to QuitNone.
	if s.quitPhase == QuitNone || s.quitPhase == QuitCompleted {
		s.quitPhase = QuitNone
	}
	s.graceful = false
	s.quitTimerArmed = false
	s.running = true
	readyCb := s.readyCb
	s.mu.Unlock()

	if readyCb != nil {
		if err := readyCb(); err != nil {
			Log(LvlWARN, "daemon: ready callback failed: %s", err)
		}
	}

	var drainWG sync.WaitGroup
	var loopErr error

	for {
		s.mu.Lock()
		if s.quitPhase == QuitCompleted {
			s.mu.Unlock()
			break
		}
		servers := make([]srv.Server, 0, len(s.servers))
		s.forEachServerLocked(func(_ string, server srv.Server) {
			servers = append(servers, server)
		})
		s.mu.Unlock()

		hasClients := false
		for _, server := range servers {
			if server.HasClients() {
				hasClients = true
				break
			}
		}

		s.mu.Lock()
		s.reconsiderAutoShutdownLocked(hasClients)
		s.mu.Unlock()

		if err := s.loop.RunOnce(); err != nil {
			loopErr = err
			break
		}

		for _, server := range servers {
			server.ProcessClients()
		}

		s.mu.Lock()
		s.advancePhaseLocked(&drainWG)
		s.mu.Unlock()
	}

	s.mu.Lock()
	graceful := s.graceful
	s.running = false
	s.closeSignalsLocked()
	s.mu.Unlock()

	if loopErr != nil {
		Log(LvlERROR, "daemon: event loop iteration failed, forcing shutdown: %s", loopErr)
		s.terminate(1)
		return loopErr
	}

	if graceful {
		drainWG.Wait()
		return nil
	}

	s.terminate(1)
	return nil
}

// terminate ends the process with the given exit status, unless a test
// has overridden exitFunc.
func (s *Supervisor) terminate(code int) {
	s.mu.Lock()
	fn := s.exitFunc
	s.mu.Unlock()
	if fn != nil {
		fn(code)
	}
}
