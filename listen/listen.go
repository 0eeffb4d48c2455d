// Package listen builds net.Listener values for a server's configured
// endpoints, preferring an fd inherited via github.com/One-com/gone/sd
// (systemd socket activation, or carried across an exec-restart) over
// creating a fresh one. ListenerSpec's fields are tagged for
// github.com/One-com/gone/jconf so a server's endpoint configuration can
// be loaded straight from the daemon's config file.
package listen

import (
	"crypto/tls"
	"errors"
	"net"

	"github.com/One-com/gone/sd"
)

// ErrNoListener is returned from ListenerGroup.Listen when a spec with
// InheritOnly set has no matching inherited file descriptor.
var ErrNoListener = errors.New("listen: no matching inherited listener and InheritOnly is set")

// ListenerSpec describes one listener's properties, instantiated either
// via github.com/One-com/gone/sd's fd inheritance or directly via the
// stdlib net package.
type ListenerSpec struct {
	Net  string `json:"net"`
	Addr string `json:"addr"`

	// ListenerFdName picks a named file descriptor via LISTEN_FDNAMES. It
	// is updated, after Listen, to the name of the chosen descriptor, if
	// any.
	ListenerFdName string `json:"fdName,omitempty"`

	// ExtraFileTests are applied, in addition to the net/addr match, to
	// an inherited candidate file descriptor.
	ExtraFileTests []sd.FileTest `json:"-"`

	// InheritOnly requires the listener to be inherited via the
	// environment; Listen fails with ErrNoListener instead of creating a
	// fresh one.
	InheritOnly bool `json:"inheritOnly,omitempty"`

	// PrepareListener, if set, is called with the chosen listener before
	// any TLS wrapping; its return value replaces it.
	PrepareListener func(net.Listener) net.Listener `json:"-"`

	TLSConfig *tls.Config `json:"-"`
}

// ListenerGroup is a set of endpoints to instantiate together, failing
// (and closing anything already opened) if any one of them fails.
type ListenerGroup []ListenerSpec

// Listen instantiates every spec in the group: first trying to inherit a
// listener via github.com/One-com/gone/sd, then falling back to creating
// a fresh one via the stdlib net package (unless InheritOnly is set).
// Every freshly created listener is exported via sd.Export so a future
// exec-restart can inherit it in turn.
func (lg ListenerGroup) Listen() (listeners []net.Listener, err error) {
	defer func() {
		if err != nil {
			for _, l := range listeners {
				l.Close()
			}
		}
	}()

	for i := range lg {
		ln, err2 := lg[i].listen()
		if err2 != nil {
			err = err2
			return
		}
		listeners = append(listeners, ln)
	}
	return
}

func (ls *ListenerSpec) listen() (net.Listener, error) {
	name := ls.ListenerFdName

	nett := ls.Net
	if nett == "" {
		nett = "tcp"
	}

	var taddr *net.TCPAddr
	var uaddr *net.UnixAddr
	var basictest sd.FileTest
	var err error

	switch nett {
	case "tcp", "tcp4", "tcp6":
		if ls.Addr != "" {
			if taddr, err = net.ResolveTCPAddr(nett, ls.Addr); err != nil {
				return nil, err
			}
		}
		basictest = sd.IsTCPListener(taddr)
	case "unix", "unixpacket":
		if ls.Addr != "" {
			if uaddr, err = net.ResolveUnixAddr(nett, ls.Addr); err != nil {
				return nil, err
			}
		}
		basictest = sd.IsUNIXListener(uaddr)
	}

	filetests := append([]sd.FileTest{basictest}, ls.ExtraFileTests...)

	ln, name, err := sd.InheritNamedListener(name, filetests...)
	if err != nil {
		return nil, err
	}

	if ln == nil {
		if ls.InheritOnly {
			return nil, ErrNoListener
		}

		var fresh net.Listener
		switch nett {
		case "tcp", "tcp4", "tcp6":
			fresh, err = net.ListenTCP(nett, taddr)
		case "unix", "unixpacket":
			fresh, err = net.ListenUnix(nett, uaddr)
		}
		if err != nil {
			return nil, err
		}
		if err = sd.Export(name, fresh); err != nil {
			fresh.Close()
			return nil, err
		}
		ln = fresh
	}

	ls.ListenerFdName = name
	if ls.PrepareListener != nil {
		ln = ls.PrepareListener(ln)
	}
	if ls.TLSConfig != nil {
		ln = tls.NewListener(ln, ls.TLSConfig)
	}
	return ln, nil
}
