package daemon_test

import (
	"errors"
	"testing"

	daemon "github.com/onecom-oss/netdaemon"
)

func newSupervisor(t *testing.T) *daemon.Supervisor {
	t.Helper()
	s, err := daemon.New()
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return s
}

func TestAddServerDuplicateName(t *testing.T) {
	s := newSupervisor(t)
	a := newFakeServer("svc")
	b := newFakeServer("svc")

	if err := s.AddServer(a); err != nil {
		t.Fatalf("AddServer(a): %v", err)
	}
	err := s.AddServer(b)
	if !errors.Is(err, daemon.ErrDuplicateServer) {
		t.Fatalf("AddServer(b) = %v, want ErrDuplicateServer", err)
	}
}

func TestGetServerNoSuchServer(t *testing.T) {
	s := newSupervisor(t)
	_, err := s.GetServer("missing")
	if !errors.Is(err, daemon.ErrNoSuchServer) {
		t.Fatalf("GetServer = %v, want ErrNoSuchServer", err)
	}
}

func TestHasServerAndServers(t *testing.T) {
	s := newSupervisor(t)
	a := newFakeServer("a")
	b := newFakeServer("b")
	if err := s.AddServer(a); err != nil {
		t.Fatal(err)
	}
	if err := s.AddServer(b); err != nil {
		t.Fatal(err)
	}

	if !s.HasServer("a") || !s.HasServer("b") {
		t.Fatalf("HasServer false for a registered server")
	}
	if s.HasServer("c") {
		t.Fatalf("HasServer true for an unregistered server")
	}

	servers := s.Servers()
	if len(servers) != 2 {
		t.Fatalf("Servers() returned %d entries, want 2", len(servers))
	}
}

func TestRemoveServerRefCounting(t *testing.T) {
	s := newSupervisor(t)
	a := newFakeServer("a")
	if err := s.AddServer(a); err != nil {
		t.Fatal(err)
	}
	// Take an extra reference via GetServer.
	if _, err := s.GetServer("a"); err != nil {
		t.Fatal(err)
	}

	if err := s.RemoveServer("a"); err != nil {
		t.Fatal(err)
	}
	if !s.HasServer("a") {
		t.Fatalf("server removed after releasing only one of two references")
	}

	if err := s.RemoveServer("a"); err != nil {
		t.Fatal(err)
	}
	if s.HasServer("a") {
		t.Fatalf("server still registered after releasing all references")
	}
}

func TestHasClientsReflectsServers(t *testing.T) {
	s := newSupervisor(t)
	a := newFakeServer("a")
	if err := s.AddServer(a); err != nil {
		t.Fatal(err)
	}

	if s.HasClients() {
		t.Fatalf("HasClients() = true before any client connected")
	}
	a.setHasClients(true)
	if !s.HasClients() {
		t.Fatalf("HasClients() = false after a server reported clients")
	}
}
