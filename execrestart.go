package daemon

import (
	"encoding/json"
	"fmt"

	"github.com/onecom-oss/netdaemon/srv"
)

// snapshot is the on-disk/on-pipe shape produced by PreExecRestart:
// {"servers": {name: <server-defined JSON>, ...}}.
type snapshot struct {
	Servers map[string]json.RawMessage `json:"servers"`
}

// PreExecRestart serializes every registered srv.Serializer server into a
// single JSON document suitable for handing to NewPostExecRestart in the
// replacement process (via github.com/One-com/gone/sd's environment/fd
// hand-off). Returns (nil, false) if any server's Serialize fails or if a
// server implements neither Serializer (nothing to snapshot is still a
// hard failure: exec-restart must be able to reconstruct everything it
// is currently running).
func (s *Supervisor) PreExecRestart() (json.RawMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := snapshot{Servers: make(map[string]json.RawMessage, len(s.servers))}
	for name, e := range s.servers {
		ser, ok := e.server.(srv.Serializer)
		if !ok {
			return nil, false
		}
		data, err := ser.Serialize()
		if err != nil {
			return nil, false
		}
		snap.Servers[name] = data
	}

	raw, err := json.Marshal(snap)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// NewPostExecRestart reconstructs a Supervisor from a snapshot produced by
// a prior process's PreExecRestart. defaultNames lists the server names
// the embedder expects to find, in the order it would register them from
// scratch; builder reconstructs one named server from its snapshot data.
//
// Three snapshot shapes are accepted, to stay compatible with a
// pre-object-model on-disk format that only ever wrote a bare array or a
// single bare value:
//   - {"servers": [...]}  — legacy array form: positional binding to
//     defaultNames, requiring len(array) <= len(defaultNames).
//   - {"servers": {...}}  — current object form: binding by key.
//   - anything else (the "servers" key entirely absent) — legacy
//     single-server form: the whole value binds to defaultNames[0],
//     requiring len(defaultNames) >= 1.
//
// Any builder failure, or a duplicate name resulting from the bind, is
// fatal: the partially constructed Supervisor is discarded and an error
// returned.
func NewPostExecRestart(data json.RawMessage, defaultNames []string, builder srv.Builder, opaque interface{}) (*Supervisor, error) {
	bindings, err := bindSnapshotNames(data, defaultNames)
	if err != nil {
		return nil, err
	}

	s, err := New()
	if err != nil {
		return nil, err
	}

	for _, b := range bindings {
		server, err := builder(b.name, b.data, opaque)
		if err != nil {
			return nil, fmt.Errorf("daemon: rebuilding server %q from snapshot: %w", b.name, err)
		}
		if addErr := s.AddServer(server); addErr != nil {
			return nil, fmt.Errorf("daemon: binding snapshot server %q: %w", b.name, addErr)
		}
	}

	// Recorded so Run refuses to start (ErrPendingRestore) until the
	// embedder calls UpdateServices to finish activating the restored
	// servers, the way virNetDaemonUpdateServices follows
	// virNetDaemonNewPostExecRestart in the original before
	// virNetDaemonRun is ever reached. Servers themselves are already
	// live by this point, matching the eager rebuild above.
	s.mu.Lock()
	s.pendingRestore = data
	s.mu.Unlock()

	return s, nil
}

type binding struct {
	name string
	data json.RawMessage
}

func bindSnapshotNames(data json.RawMessage, defaultNames []string) ([]binding, error) {
	var probe struct {
		Servers json.RawMessage `json:"servers"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("daemon: parsing post-exec-restart snapshot: %w", err)
	}

	if probe.Servers == nil {
		// Legacy single-server form: the whole value is one server's data.
		if len(defaultNames) < 1 {
			return nil, fmt.Errorf("daemon: legacy single-server snapshot requires at least one default name")
		}
		return []binding{{name: defaultNames[0], data: data}}, nil
	}

	trimmed := trimLeadingSpace(probe.Servers)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(probe.Servers, &arr); err != nil {
			return nil, fmt.Errorf("daemon: parsing legacy array snapshot: %w", err)
		}
		if len(arr) > len(defaultNames) {
			return nil, fmt.Errorf("daemon: legacy array snapshot has %d servers, more than the %d known default names", len(arr), len(defaultNames))
		}
		bindings := make([]binding, len(arr))
		for i, raw := range arr {
			bindings[i] = binding{name: defaultNames[i], data: raw}
		}
		return bindings, nil
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(probe.Servers, &obj); err != nil {
		return nil, fmt.Errorf("daemon: parsing object snapshot: %w", err)
	}
	bindings := make([]binding, 0, len(obj))
	for name, raw := range obj {
		bindings = append(bindings, binding{name: name, data: raw})
	}
	return bindings, nil
}

func trimLeadingSpace(b json.RawMessage) json.RawMessage {
	i := 0
	for i < len(b) {
		switch b[i] {
		case ' ', '\t', '\n', '\r':
			i++
			continue
		}
		break
	}
	return b[i:]
}
