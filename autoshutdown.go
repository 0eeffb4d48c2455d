package daemon

// AutoShutdown arms (or disarms) the idle-shutdown timer. timeoutMS == 0
// disables auto-shutdown without unregistering the underlying timer; any
// other value is the idle duration after which, with zero inhibitions
// held and no client connections on any server, the supervisor requests
// its own shutdown.
//
// The timer object is registered with the event loop exactly once, the
// first time AutoShutdown is called with a non-zero timeout — mirroring
// virEventAddTimeout(-1, ...)'s dormant-registration idiom. Every later
// call only records the new timeout, which the run loop applies the next
// time it activates the timer; a timer that is already active keeps its
// current deadline.
func (s *Supervisor) AutoShutdown(timeoutMS uint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.autoShutdownTimeoutMS = timeoutMS

	if !s.autoShutdownRegistered {
		if timeoutMS == 0 {
			// Nothing to arm yet; stay dormant until a non-zero timeout.
			return nil
		}
		id, err := s.loop.AddTimeout(-1, s.onAutoShutdownFire)
		if err != nil {
			return err
		}
		s.autoShutdownTimerID = id
		s.autoShutdownRegistered = true
	}

	return nil
}

// AddShutdownInhibition increments the inhibition counter: while
// non-zero, the auto-shutdown timer firing is a no-op.
func (s *Supervisor) AddShutdownInhibition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoShutdownInhibitions++
}

// RemoveShutdownInhibition decrements the inhibition counter. Calling it
// more times than AddShutdownInhibition was called is a programming
// error in the embedder; it is clamped at zero rather than going
// negative.
func (s *Supervisor) RemoveShutdownInhibition() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.autoShutdownInhibitions > 0 {
		s.autoShutdownInhibitions--
	}
}

// reconsiderAutoShutdownLocked re-evaluates the timer's active state
// against current client presence, called once per run-loop iteration.
// Caller must hold s.mu.
func (s *Supervisor) reconsiderAutoShutdownLocked(hasClients bool) {
	if !s.autoShutdownRegistered {
		return
	}

	shouldBeActive := !hasClients && s.autoShutdownTimeoutMS != 0

	switch {
	case s.autoShutdownTimerActive && !shouldBeActive:
		s.loop.UpdateTimeout(s.autoShutdownTimerID, -1)
		s.autoShutdownTimerActive = false
	case !s.autoShutdownTimerActive && shouldBeActive:
		s.loop.UpdateTimeout(s.autoShutdownTimerID, int(s.autoShutdownTimeoutMS))
		s.autoShutdownTimerActive = true
	}
}

// onAutoShutdownFire is the event-loop timeout callback. With zero
// inhibitions held and no shutdown already requested, it promotes
// QuitNone to QuitRequested.
func (s *Supervisor) onAutoShutdownFire(int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.autoShutdownTimerActive = false

	if s.autoShutdownInhibitions > 0 {
		return
	}
	if s.quitPhase == QuitNone {
		s.quitPhase = QuitRequested
		Log(LvlINFO, "daemon: auto-shutdown idle timeout reached, requesting shutdown")
	}
}
