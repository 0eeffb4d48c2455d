// Package ctrl implements a control socket: a UNIX domain socket on which
// registered Command implementations can be invoked, whose client
// connections and in-flight commands survive an exec-restart by being
// exported as named file descriptors via github.com/One-com/gone/sd —
// this package's analogue of libvirt's admin RPC server.
package ctrl

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net"
	"os"
	"path"
	"strings"
	"sync"
	"syscall"

	"github.com/One-com/gone/sd"

	"github.com/onecom-oss/netdaemon/srv"
)

// Command is the interface of a specific command.
type Command interface {
	// ShortUsage provides a short description of command argument syntax
	// and possibly a comment, printed in a listing of commands.
	ShortUsage() (syntax string, comment string)

	// Usage lets the command provide its own full documentation, given
	// the name it is registered under.
	Usage(cmd string, out io.Writer)

	// Invoke runs the command, given a context, an io.Writer to the
	// socket, the command name used to invoke it, and its arguments.
	// Invoke may return a function to be invoked asynchronously, and
	// optionally a command line to make it persistent: a persistent
	// command is re-invoked after a reload, whether or not that is in a
	// new process.
	Invoke(ctx context.Context, conn io.Writer, cmd string, args []string) (async func(), persistent string, err error)
}

var (
	cmdmu    sync.Mutex
	commands map[string]Command
)

func init() {
	commands = make(map[string]Command)
}

// RegisterCommand registers an implementation of the Command interface
// under a command name.
func RegisterCommand(name string, cmd Command) {
	cmdmu.Lock()
	defer cmdmu.Unlock()
	commands[name] = cmd
}

// persistentConn is a connection recovered from a prior process, together
// with the command line it was in the middle of executing.
type persistentConn struct {
	net.Conn
	cmdline []byte
}

// Server accepts connections on a UNIX domain socket on which registered
// commands can be invoked. Client connections survive Close (an
// exec-restart) by being exported via github.com/One-com/gone/sd;
// NewServer recovers them again in the replacement process.
type Server struct {
	name string

	// Addr is the path the server listens on.
	Addr string
	// ListenerFdName names the systemd-provided socket to inherit, if any.
	ListenerFdName string

	// HelpCommand is the command name invoking the help listing.
	HelpCommand string
	// QuitCommand closes the connection.
	QuitCommand string

	// Logger logs errors arising during client connections.
	Logger srv.LoggerFunc

	l net.Listener

	wg    sync.WaitGroup
	nconn int32 // active connection count, for HasClients

	mu        sync.Mutex
	closed    bool
	ctx       context.Context
	ctxCancel context.CancelFunc
}

// NewServer constructs a Server identified by name and starts listening,
// first recovering any persistent connections inherited via
// github.com/One-com/gone/sd (the survivors of a prior exec-restart),
// then accepting new connections.
func NewServer(name string, addr string, listenerFdName string) (*Server, error) {
	s := &Server{
		name:           name,
		Addr:           addr,
		ListenerFdName: listenerFdName,
		HelpCommand:    "help",
		QuitCommand:    "quit",
	}
	if err := s.listen(); err != nil {
		return nil, err
	}
	go s.acceptLoop()
	return s, nil
}

// Name implements srv.Server.
func (s *Server) Name() string { return s.name }

// HasClients implements srv.Server.
func (s *Server) HasClients() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nconn > 0
}

// ProcessClients implements srv.Server. The control socket has no
// periodic bookkeeping to do: connections are driven entirely by their
// own goroutines.
func (s *Server) ProcessClients() {}

func (s *Server) listen() (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ctx, s.ctxCancel = context.WithCancel(context.Background())
	defer func() {
		if err != nil {
			s.ctxCancel()
		}
	}()

	var conns []persistentConn
	_, names, err := sd.ListenFdsWithNames()
	if err != nil {
		return err
	}
	for _, fdname := range names {
		if !strings.HasPrefix(fdname, "gonectrl") {
			continue
		}
		connname := strings.TrimPrefix(fdname, "gonectrl")
		cmdname := "gonecmd" + connname

		file, _, err := sd.FileWith(fdname)
		if err != nil {
			return err
		}
		conn, err := net.FileConn(file)
		if err != nil {
			return err
		}
		file.Close()

		cmdfile, _, err := sd.FileWith(cmdname)
		if err != nil {
			return err
		}
		cmdfile.Seek(0, 0)
		cmdline, err := ioutil.ReadAll(cmdfile)
		cmdfile.Close()
		if err != nil {
			return err
		}

		conns = append(conns, persistentConn{Conn: conn, cmdline: cmdline})
	}

	for _, c := range conns {
		s.nconn++
		s.wg.Add(1)
		go s.serve(s.ctx, c.Conn, c.cmdline)
	}

	uaddr, err := net.ResolveUnixAddr("unix", s.Addr)
	if err != nil {
		return err
	}
	s.l, err = sd.NamedListenUnix(s.ListenerFdName, "unix", uaddr)
	return err
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.l.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		ctx := s.ctx
		s.nconn++
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serve(ctx, conn, nil)
	}
}

// Close implements srv.Server: it stops accepting new connections and
// cancels every in-flight command's context, but does not wait for
// connections to finish (see ShutdownWait).
func (s *Server) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.ctxCancel()
	return s.l.Close()
}

// ShutdownWait implements srv.ShutdownWaiter: it blocks until every
// connection goroutine has exited.
func (s *Server) ShutdownWait() error {
	s.wg.Wait()
	return nil
}

// Serialize implements srv.Serializer. The control socket has no state
// of its own to snapshot beyond what github.com/One-com/gone/sd already
// tracks for inherited fds (the listener and any exported connections),
// so it records only the addressing the replacement process needs to
// reopen the same socket.
func (s *Server) Serialize() (json.RawMessage, error) {
	return json.RawMessage(fmt.Sprintf(`{"addr":%q,"fdName":%q}`, s.Addr, s.ListenerFdName)), nil
}

func (s *Server) serve(pctx context.Context, c net.Conn, initialcmd []byte) {
	defer c.Close()
	defer func() {
		s.mu.Lock()
		s.nconn--
		s.mu.Unlock()
		s.wg.Done()
	}()

	var cmdwg sync.WaitGroup

	var ctx context.Context
	var cancel context.CancelFunc

	quitCommand := s.QuitCommand
	helpCommand := s.HelpCommand

	cmdfile, err := ioutil.TempFile("", "gonectrl")
	if err != nil {
		fmt.Fprintln(c, "unable to persist command, no tmpfile: "+err.Error())
		return
	}

	gonectrl := path.Base(cmdfile.Name())
	gonecmd := "gonecmd" + strings.TrimPrefix(gonectrl, "gonectrl")

	if err := syscall.Unlink(cmdfile.Name()); err != nil {
		fmt.Fprintln(c, "unable to persist command, no unlink: "+err.Error())
		return
	}
	defer cmdfile.Close()

	if err := sd.Export(gonectrl, c); err != nil {
		if s.Logger != nil {
			s.Logger(srv.LvlCRIT, fmt.Sprintf("failed to export control socket conn: %s", err))
		}
		return
	}
	if err := sd.Export(gonecmd, cmdfile); err != nil {
		if s.Logger != nil {
			s.Logger(srv.LvlCRIT, fmt.Sprintf("failed to export control socket cmd: %s", err))
		}
		return
	}

	stopch := make(chan struct{})
	defer close(stopch)
	go func() {
		select {
		case <-pctx.Done():
			c.Close()
		case <-stopch:
		}
	}()

	scanner := bufio.NewScanner(c)
	for initialcmd != nil || scanner.Scan() {
		var line []byte
		if initialcmd != nil {
			line = initialcmd
			initialcmd = nil
		} else {
			line = scanner.Bytes()
		}

		lscanner := bufio.NewScanner(bytes.NewReader(line))
		lscanner.Split(bufio.ScanWords)
		var tokens []string
		for lscanner.Scan() {
			tokens = append(tokens, lscanner.Text())
		}
		if err := lscanner.Err(); err != nil && s.Logger != nil {
			s.Logger(srv.LvlERROR, fmt.Sprintf("reading line: %s", err))
		}
		if len(tokens) == 0 {
			continue
		}

		cmdfile.Truncate(0)
		cmdfile.Seek(0, 0)
		cmdfile.Sync()

		if ctx != nil {
			cancel()
			<-ctx.Done()
			ctx = nil
			cmdwg.Wait()
		}

		var cmdhelp bool
		var cmd string

		if tokens[0] == quitCommand {
			sd.Forget(gonectrl)
			sd.Forget(gonecmd)
			cmdwg.Wait()
			return
		}

		if helpCommand != "" && tokens[0] == helpCommand {
			if len(tokens) == 2 {
				cmd = tokens[1]
				cmdhelp = true
			} else {
				s.help(c, helpCommand, quitCommand)
				continue
			}
		} else {
			cmd = tokens[0]
		}

		cmdmu.Lock()
		cmdobj, ok := commands[cmd]
		cmdmu.Unlock()

		if !ok {
			if helpCommand != "" {
				fmt.Fprintln(c, "unknown command, try: "+helpCommand)
			} else {
				fmt.Fprintln(c, "unknown command")
			}
			continue
		}

		if cmdhelp {
			cmdobj.Usage(cmd, c)
			continue
		}

		ctx, cancel = context.WithCancel(pctx)
		async, persistent, err := cmdobj.Invoke(ctx, c, cmd, tokens[1:])
		if err != nil {
			fmt.Fprintln(c, "error:", err.Error())
			continue
		}
		if async == nil {
			cancel()
			continue
		}
		if persistent != "" {
			cmdfile.WriteString(persistent)
			cmdfile.Sync()
		}
		cmdwg.Add(1)
		go func() {
			defer cmdwg.Done()
			async()
			cancel()
		}()
	}

	if err := scanner.Err(); err != nil && s.Logger != nil {
		s.Logger(srv.LvlWARN, fmt.Sprintf("reading connection: %s", err))
	}

	if ctx != nil {
		cancel()
	}
	cmdwg.Wait()

	select {
	case <-pctx.Done():
	default:
		sd.Forget(c)
		sd.Forget(cmdfile)
	}
}

type usageinfo struct {
	syntax  string
	comment string
}

func (s *Server) help(w io.Writer, hcmd, qcmd string) {
	cmdmu.Lock()
	defer cmdmu.Unlock()

	var cmdlength, syntaxlength, commentlength int
	info := make(map[string]*usageinfo)
	for cmd, cmdobj := range commands {
		if len(cmd) > cmdlength {
			cmdlength = len(cmd)
		}
		syntax, comment := cmdobj.ShortUsage()
		info[cmd] = &usageinfo{syntax, comment}
		if len(syntax) > syntaxlength {
			syntaxlength = len(syntax)
		}
		if len(comment) > commentlength {
			commentlength = len(comment)
		}
	}

	fmt.Fprintln(w, "---- commands --------------------------------------------------------------")
	if qcmd != "" {
		fmt.Fprintf(w, "%-*s %-*s - %-*s\n", cmdlength, qcmd, syntaxlength, "", commentlength, "exit and close the connection")
	}
	if hcmd != "" {
		fmt.Fprintf(w, "%-*s %-*s - %-*s\n", cmdlength, hcmd, syntaxlength, "", commentlength, "help")
	}
	for cmd, ui := range info {
		fmt.Fprintf(w, "%-*s %-*s - %-*s\n", cmdlength, cmd, syntaxlength, ui.syntax, commentlength, ui.comment)
	}
}
