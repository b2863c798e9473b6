package reactor_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/solstice-io/reactorws/clock"
	"github.com/solstice-io/reactorws/reactor"
)

func newTestReactor(t *testing.T) *reactor.Reactor {
	t.Helper()
	r, err := reactor.New(reactor.WithMaxSleep(50 * clock.Millisecond))
	require.NoError(t, err)
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestRunStopsOnStop(t *testing.T) {
	r := newTestReactor(t)
	done := make(chan error, 1)
	go func() { done <- r.Run(0, 0) }()

	time.Sleep(20 * time.Millisecond)
	r.Stop()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after Stop")
	}
}

func TestRunHonoursMaxDuration(t *testing.T) {
	r := newTestReactor(t)
	start := time.Now()
	err := r.Run(150 * clock.Millisecond, 0)
	require.NoError(t, err)
	assert.WithinDuration(t, start.Add(150*time.Millisecond), time.Now(), 200*time.Millisecond)
}

func TestScheduleRelativeFiresOnce(t *testing.T) {
	r := newTestReactor(t)
	fired := make(chan struct{}, 1)
	r.ScheduleRelative(10*clock.Millisecond, 0, false, func(now clock.Instant) {
		fired <- struct{}{}
	})

	go func() { _ = r.Run(500 * clock.Millisecond, 0) }()
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("timer never fired")
	}
	r.Stop()
}

func TestDoLaterRunsOnReactorGoroutine(t *testing.T) {
	r := newTestReactor(t)
	ran := make(chan bool, 1)
	r.DoLater(func() {
		ran <- r.IsRunningOnThisThread()
	})

	go func() { _ = r.Run(500 * clock.Millisecond, 0) }()
	select {
	case onThread := <-ran:
		assert.True(t, onThread)
	case <-time.After(time.Second):
		t.Fatal("deferred task never ran")
	}
	r.Stop()
}

func TestRegisterDescriptorDispatchesReadable(t *testing.T) {
	r := newTestReactor(t)
	fds := make([]int, 2)
	require.NoError(t, unix.Pipe2(fds, unix.O_NONBLOCK|unix.O_CLOEXEC))
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	readyCh := make(chan struct{}, 1)
	require.NoError(t, r.RegisterDescriptor(fds[0], reactor.Readable, func(fd int, ready reactor.Condition) {
		var buf [8]byte
		unix.Read(fds[0], buf[:])
		readyCh <- struct{}{}
	}))

	go func() { _ = r.Run(500 * clock.Millisecond, 0) }()
	_, err := unix.Write(fds[1], []byte("x"))
	require.NoError(t, err)

	select {
	case <-readyCh:
	case <-time.After(time.Second):
		t.Fatal("fd readiness never dispatched")
	}
	r.Stop()
}

func TestAlreadyRunningIsRejected(t *testing.T) {
	r := newTestReactor(t)
	go func() { _ = r.Run(300 * clock.Millisecond, 0) }()
	time.Sleep(20 * time.Millisecond)
	err := r.Run(0, 0)
	assert.ErrorIs(t, err, reactor.ErrAlreadyRunning)
	r.Stop()
}
