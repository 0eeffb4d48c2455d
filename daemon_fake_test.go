package daemon_test

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/onecom-oss/netdaemon/srv"
)

// fakeServer is a minimal srv.Server test double with controllable
// HasClients, Close, and ShutdownWait behavior.
type fakeServer struct {
	name string

	mu         sync.Mutex
	closed     bool
	closeErr   error
	hasClients int32

	processCalls int32

	shutdownWaitDelay chan struct{} // closed to let ShutdownWait return
	shutdownWaitErr   error

	serializeData []byte
	serializeErr  error
}

func newFakeServer(name string) *fakeServer {
	return &fakeServer{name: name, shutdownWaitDelay: closedChan()}
}

func closedChan() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

func (f *fakeServer) Name() string { return f.name }

func (f *fakeServer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return f.closeErr
}

func (f *fakeServer) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *fakeServer) HasClients() bool {
	return atomic.LoadInt32(&f.hasClients) != 0
}

func (f *fakeServer) setHasClients(v bool) {
	if v {
		atomic.StoreInt32(&f.hasClients, 1)
	} else {
		atomic.StoreInt32(&f.hasClients, 0)
	}
}

func (f *fakeServer) ProcessClients() {
	atomic.AddInt32(&f.processCalls, 1)
}

func (f *fakeServer) processCallCount() int {
	return int(atomic.LoadInt32(&f.processCalls))
}

func (f *fakeServer) ShutdownWait() error {
	<-f.shutdownWaitDelay
	return f.shutdownWaitErr
}

var _ srv.Server = (*fakeServer)(nil)
var _ srv.ShutdownWaiter = (*fakeServer)(nil)

type serializableFakeServer struct {
	*fakeServer
}

func (f serializableFakeServer) Serialize() (json.RawMessage, error) {
	if f.serializeErr != nil {
		return nil, f.serializeErr
	}
	data := f.serializeData
	if data == nil {
		data = []byte(`{}`)
	}
	return json.RawMessage(data), nil
}

var _ srv.Serializer = serializableFakeServer{}
