package daemon

import "github.com/onecom-oss/netdaemon/srv"

// AddServer registers server under its own Name(), taking one reference.
// Returns ErrDuplicateServer if a server with that name is already
// registered.
func (s *Supervisor) AddServer(server srv.Server) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	name := server.Name()
	if _, exists := s.servers[name]; exists {
		return ErrDuplicateServer
	}
	s.servers[name] = &serverEntry{server: server, refs: 1}
	return nil
}

// GetServer returns the named server, taking an additional reference the
// caller is expected to release with RemoveServer when done, or
// ErrNoSuchServer if no server by that name is registered.
func (s *Supervisor) GetServer(name string) (srv.Server, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.servers[name]
	if !ok {
		return nil, ErrNoSuchServer
	}
	e.refs++
	return e.server, nil
}

// RemoveServer releases one reference on the named server, removing it
// from the registry once the reference count reaches zero. Returns
// ErrNoSuchServer if no server by that name is registered.
func (s *Supervisor) RemoveServer(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.servers[name]
	if !ok {
		return ErrNoSuchServer
	}
	e.refs--
	if e.refs <= 0 {
		delete(s.servers, name)
	}
	return nil
}

// HasServer reports whether a server is registered under name.
func (s *Supervisor) HasServer(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.servers[name]
	return ok
}

// Servers returns a fresh slice of every currently registered server.
// Order is unspecified but stable for the duration of one call.
func (s *Supervisor) Servers() []srv.Server {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]srv.Server, 0, len(s.servers))
	for _, e := range s.servers {
		out = append(out, e.server)
	}
	return out
}

// forEachServerLocked calls fn for every registered server. Caller must
// hold s.mu.
func (s *Supervisor) forEachServerLocked(fn func(name string, server srv.Server)) {
	for name, e := range s.servers {
		fn(name, e.server)
	}
}

// HasClients reports whether any registered server currently has active
// client connections, consulted once per run-loop iteration by the
// auto-shutdown controller.
func (s *Supervisor) HasClients() bool {
	s.mu.Lock()
	servers := make([]srv.Server, 0, len(s.servers))
	for _, e := range s.servers {
		servers = append(servers, e.server)
	}
	s.mu.Unlock()

	for _, server := range servers {
		if server.HasClients() {
			return true
		}
	}
	return false
}
