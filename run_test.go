package daemon_test

import (
	"os"
	"syscall"
	"testing"
	"time"

	daemon "github.com/onecom-oss/netdaemon"
)

// TestQuitExecRestartThenRun covers S4's Run-loop half: requesting an
// exec-restart before Run is ever called must make Run return promptly,
// with every server still registered and still open, instead of closing
// them and draining like an ordinary shutdown.
func TestQuitExecRestartThenRun(t *testing.T) {
	s := newSupervisor(t)
	a := newFakeServer("a")
	b := newFakeServer("b")
	if err := s.AddServer(a); err != nil {
		t.Fatal(err)
	}
	if err := s.AddServer(b); err != nil {
		t.Fatal(err)
	}

	s.QuitExecRestart()

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return promptly on an exec-restart")
	}

	if !s.HasServer("a") || !s.HasServer("b") {
		t.Fatalf("registry lost a server across an exec-restart: has=%v", s.Servers())
	}
	if a.isClosed() || b.isClosed() {
		t.Fatalf("a server was closed during an exec-restart, want both left open for fd inheritance")
	}
	if !s.IsExecRestart() {
		t.Fatalf("IsExecRestart() = false after QuitExecRestart")
	}
}

// TestSignalDrivenQuit covers S3: a registered signal handler calling Quit
// drives the supervisor through a graceful shutdown.
func TestSignalDrivenQuit(t *testing.T) {
	s := newSupervisor(t)
	a := newFakeServer("a")
	if err := s.AddServer(a); err != nil {
		t.Fatal(err)
	}

	var gotSig os.Signal
	if err := s.AddSignalHandler(syscall.SIGUSR1, func(sup *daemon.Supervisor, sig os.Signal) {
		gotSig = sig
		sup.Quit()
	}); err != nil {
		t.Fatalf("AddSignalHandler: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	// Give the loop a moment to register the self-pipe watch before
	// delivering the signal.
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
		t.Fatal("Run did not complete within 5s of signal-driven quit")
	}

	if gotSig != syscall.SIGUSR1 {
		t.Fatalf("handler observed signal %v, want SIGUSR1", gotSig)
	}
	if !a.isClosed() {
		t.Fatalf("server was not closed after signal-driven quit")
	}
	if !s.Graceful() {
		t.Fatalf("Graceful() = false after a clean signal-driven shutdown")
	}
}

// blockingShutdownWaitServer never lets ShutdownWait return, forcing the
// quit timer to expire and the shutdown to complete non-gracefully.
type blockingShutdownWaitServer struct {
	*fakeServer
}

func (b blockingShutdownWaitServer) ShutdownWait() error {
	select {}
}

// TestGracelessForcedShutdown covers S5: when a server's drain never
// finishes, the quit timer forces QuitCompleted and Run reports a
// non-graceful exit instead of hanging forever.
func TestGracelessForcedShutdown(t *testing.T) {
	s := newSupervisor(t)
	a := blockingShutdownWaitServer{newFakeServer("a")}
	if err := s.AddServer(a); err != nil {
		t.Fatal(err)
	}
	s.SetQuitTimeout(50)

	var exitCode int
	var exitCalled bool
	exitDone := make(chan struct{})
	s.SetExitFunc(func(code int) {
		exitCode = code
		exitCalled = true
		close(exitDone)
	})

	done := make(chan error, 1)
	go func() { done <- s.Run() }()

	s.Quit()

	select {
	case <-exitDone:
	case <-time.After(5 * time.Second):
		t.Fatal("exitFunc was not called within 5s of the shortened quit timeout")
	}

	if !exitCalled {
		t.Fatalf("exitFunc was not called")
	}
	if exitCode == 0 {
		t.Fatalf("exitFunc called with code 0, want non-zero on a forced shutdown")
	}
	if s.Graceful() {
		t.Fatalf("Graceful() = true despite a server that never finished draining")
	}
	if !a.isClosed() {
		t.Fatalf("server was not closed before the forced shutdown")
	}

	// Run itself blocks in the drain goroutine's permanently-blocked
	// ShutdownWait only if Run waited on it; it must not, since the
	// shutdown was forced. Give it a bounded window to return.
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return within 5s of a forced shutdown")
	}
}
