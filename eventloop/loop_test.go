package eventloop_test

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/onecom-oss/netdaemon/eventloop"
)

func TestHandleFiresOnReadable(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fired := make(chan eventloop.HandleEvents, 1)
	_, err = loop.AddHandle(int(r.Fd()), eventloop.EventReadable, func(fd int, events eventloop.HandleEvents) {
		fired <- events
	})
	require.NoError(t, err)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	require.NoError(t, loop.RunOnce())
	select {
	case ev := <-fired:
		require.NotZero(t, ev&eventloop.EventReadable)
	default:
		t.Fatal("handle did not fire within one iteration")
	}
}

func TestRemoveHandleUnknown(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	require.ErrorIs(t, loop.RemoveHandle(999), eventloop.ErrUnknownHandle)
}

func TestTimeoutFiresOnce(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	fireCount := 0
	id, err := loop.AddTimeout(10, func(int) { fireCount++ })
	require.NoError(t, err)
	require.NotZero(t, id)

	deadline := time.Now().Add(time.Second)
	for fireCount == 0 && time.Now().Before(deadline) {
		require.NoError(t, loop.RunOnce())
	}
	require.Equal(t, 1, fireCount)

	// Without UpdateTimeout re-arming it, it must not fire again.
	for i := 0; i < 5; i++ {
		require.NoError(t, loop.RunOnce())
	}
	require.Equal(t, 1, fireCount)
}

func TestDormantTimeoutNeverFiresUntilUpdated(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	fired := false
	id, err := loop.AddTimeout(-1, func(int) { fired = true })
	require.NoError(t, err)

	require.NoError(t, loop.RunOnce())
	require.False(t, fired)

	require.NoError(t, loop.UpdateTimeout(id, 0))
	require.NoError(t, loop.RunOnce())
	require.True(t, fired)
}

func TestUpdateUnknownTimeout(t *testing.T) {
	loop, err := eventloop.New()
	require.NoError(t, err)
	defer loop.Close()

	require.ErrorIs(t, loop.UpdateTimeout(123, 0), eventloop.ErrUnknownHandle)
}
