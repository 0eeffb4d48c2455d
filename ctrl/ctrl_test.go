package ctrl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"
)

type echoCommand struct{}

func (echoCommand) ShortUsage() (string, string) { return "<text>", "echo text back" }
func (echoCommand) Usage(cmd string, out io.Writer) { fmt.Fprintln(out, cmd, "<text>") }
func (echoCommand) Invoke(ctx context.Context, conn io.Writer, cmd string, args []string) (func(), string, error) {
	fmt.Fprintln(conn, args)
	return nil, "", nil
}

func TestServerNameAndHasClients(t *testing.T) {
	RegisterCommand("echo", echoCommand{})

	dir := t.TempDir()
	addr := filepath.Join(dir, "ctrl.sock")

	s, err := NewServer("test-ctrl", addr, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	defer s.Close()

	if got := s.Name(); got != "test-ctrl" {
		t.Fatalf("Name() = %q, want test-ctrl", got)
	}
	if s.HasClients() {
		t.Fatalf("HasClients() = true before any connection")
	}

	conn, err := net.Dial("unix", addr)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()

	fmt.Fprintln(conn, "echo hello world")

	reader := bufio.NewReader(conn)
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := reader.ReadString('\n')
	if err != nil {
		t.Fatalf("ReadString: %v", err)
	}
	if line == "" {
		t.Fatalf("expected echoed output, got empty line")
	}

	deadline := time.Now().Add(time.Second)
	for !s.HasClients() && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if !s.HasClients() {
		t.Fatalf("HasClients() = false with an open connection")
	}
}

func TestServerCloseStopsAccepting(t *testing.T) {
	dir := t.TempDir()
	addr := filepath.Join(dir, "ctrl2.sock")

	s, err := NewServer("test-ctrl-2", addr, "")
	if err != nil {
		t.Fatalf("NewServer: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := s.ShutdownWait(); err != nil {
		t.Fatalf("ShutdownWait: %v", err)
	}

	if _, err := net.Dial("unix", addr); err == nil {
		t.Fatalf("expected Dial to fail after Close")
	}
	_ = os.Remove(addr)
}
