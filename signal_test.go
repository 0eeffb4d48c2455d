//go:build !windows

package daemon_test

import (
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	daemon "github.com/onecom-oss/netdaemon"
)

// TestMultipleSignalHandlersDispatchBySignal registers handlers for two
// distinct signals and checks only the matching one fires.
func TestMultipleSignalHandlersDispatchBySignal(t *testing.T) {
	s := newSupervisor(t)

	var mu sync.Mutex
	var usr1Count, usr2Count int

	if err := s.AddSignalHandler(syscall.SIGUSR1, func(sup *daemon.Supervisor, sig os.Signal) {
		mu.Lock()
		usr1Count++
		mu.Unlock()
	}); err != nil {
		t.Fatalf("AddSignalHandler(SIGUSR1): %v", err)
	}
	if err := s.AddSignalHandler(syscall.SIGUSR2, func(sup *daemon.Supervisor, sig os.Signal) {
		mu.Lock()
		usr2Count++
		mu.Unlock()
		sup.Quit()
	}); err != nil {
		t.Fatalf("AddSignalHandler(SIGUSR2): %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR2); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete within 5s of SIGUSR2")
	}

	mu.Lock()
	defer mu.Unlock()
	if usr2Count != 1 {
		t.Fatalf("usr2Count = %d, want 1", usr2Count)
	}
	if usr1Count != 0 {
		t.Fatalf("usr1Count = %d, want 0 (SIGUSR1 was never delivered)", usr1Count)
	}
}

// TestAddSignalHandlerReusesPipe checks that a second registration does not
// fail or replace the first handler's delivery.
func TestAddSignalHandlerReusesPipe(t *testing.T) {
	s := newSupervisor(t)

	fired := make(chan struct{}, 1)
	if err := s.AddSignalHandler(syscall.SIGUSR1, func(sup *daemon.Supervisor, sig os.Signal) {
		select {
		case fired <- struct{}{}:
		default:
		}
	}); err != nil {
		t.Fatalf("AddSignalHandler: %v", err)
	}
	if err := s.AddSignalHandler(syscall.SIGUSR1, func(sup *daemon.Supervisor, sig os.Signal) {
		sup.Quit()
	}); err != nil {
		t.Fatalf("AddSignalHandler (second): %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	time.Sleep(20 * time.Millisecond)
	if err := syscall.Kill(os.Getpid(), syscall.SIGUSR1); err != nil {
		t.Fatalf("Kill: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not complete within 5s")
	}

	select {
	case <-fired:
	default:
		t.Fatalf("first handler never fired despite a second registration for the same signal")
	}
}
