package daemon

import "github.com/onecom-oss/netdaemon/srv"

// UpdateServices pushes a live enable/disable refresh to every registered
// server implementing srv.ServiceUpdater. It is also the step that
// resolves a pending post-exec-restart snapshot: after NewPostExecRestart
// rebuilds the server set, Run refuses to start until UpdateServices has
// been called at least once, mirroring virNetDaemonUpdateServices being
// required between virNetDaemonNewPostExecRestart and virNetDaemonRun in
// the original.
func (s *Supervisor) UpdateServices(enabled bool) error {
	s.mu.Lock()
	servers := make([]srv.Server, 0, len(s.servers))
	s.forEachServerLocked(func(_ string, server srv.Server) {
		servers = append(servers, server)
	})
	s.mu.Unlock()

	var firstErr error
	for _, server := range servers {
		if u, ok := server.(srv.ServiceUpdater); ok {
			if err := u.UpdateServices(enabled); err != nil && firstErr == nil {
				firstErr = err
			}
		}
	}

	s.mu.Lock()
	s.pendingRestore = nil
	s.mu.Unlock()

	return firstErr
}
