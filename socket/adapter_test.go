package socket_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/solstice-io/reactorws/clock"
	"github.com/solstice-io/reactorws/reactor"
	"github.com/solstice-io/reactorws/socket"
)

func newPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		unix.Close(fds[0])
		unix.Close(fds[1])
	})
	return fds[0], fds[1]
}

func newRunningReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.WithMaxSleep(20 * clock.Millisecond))
	require.NoError(t, err)
	go func() { _ = r.Run(0, 0) }()
	t.Cleanup(func() {
		r.Stop()
		time.Sleep(10 * time.Millisecond)
		_ = r.Close()
	})
	return r
}

func TestAdapterDeliversIncomingData(t *testing.T) {
	r := newRunningReactor(t)
	a, b := newPair(t)
	// a is handed to the adapter; b stays with the test to drive it.
	unix.CloseOnExec(a)

	received := make(chan []byte, 4)
	adapter, err := socket.New(r, a, socket.Handlers{
		OnData: func(data []byte) {
			cp := append([]byte(nil), data...)
			received <- cp
		},
	}, socket.DefaultOptions())
	require.NoError(t, err)
	defer adapter.Close()

	_, err = unix.Write(b, []byte("hello"))
	require.NoError(t, err)

	select {
	case got := <-received:
		assert.Equal(t, "hello", string(got))
	case <-time.After(time.Second):
		t.Fatal("adapter never delivered incoming data")
	}
}

func TestAdapterWriteBytesDeliversToPeer(t *testing.T) {
	r := newRunningReactor(t)
	a, b := newPair(t)

	adapter, err := socket.New(r, a, socket.Handlers{}, socket.DefaultOptions())
	require.NoError(t, err)
	defer adapter.Close()

	r.DoLater(func() {
		_, werr := adapter.WriteBytes([]byte("pong"))
		assert.NoError(t, werr)
	})

	buf := make([]byte, 16)
	unix.SetNonblock(b, false)
	n, err := unix.Read(b, buf)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(buf[:n]))
}

func TestAdapterOnCloseFiresOnPeerEOF(t *testing.T) {
	r := newRunningReactor(t)
	a, b := newPair(t)

	closed := make(chan error, 1)
	adapter, err := socket.New(r, a, socket.Handlers{
		OnClose: func(err error) { closed <- err },
	}, socket.DefaultOptions())
	require.NoError(t, err)
	_ = adapter

	unix.Close(b)

	select {
	case err := <-closed:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("OnClose never fired after peer EOF")
	}
}

func TestShutdownFlushesBufferedOutputBeforeClosing(t *testing.T) {
	r := newRunningReactor(t)
	a, b := newPair(t)

	closed := make(chan error, 1)
	adapter, err := socket.New(r, a, socket.Handlers{
		OnClose: func(err error) { closed <- err },
	}, socket.DefaultOptions())
	require.NoError(t, err)

	payload := make([]byte, 4096)
	r.DoLater(func() {
		_, werr := adapter.WriteBytes(payload)
		assert.NoError(t, werr)
		adapter.Shutdown()
	})

	total := 0
	buf := make([]byte, 4096)
	unix.SetNonblock(b, false)
	for total < len(payload) {
		n, err := unix.Read(b, buf)
		require.NoError(t, err)
		total += n
	}
	assert.Equal(t, len(payload), total)

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("adapter never closed after shutdown flush")
	}
}
