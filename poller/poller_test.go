//go:build linux

package poller

import (
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func socketPair(t *testing.T) (int, int) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
	require.NoError(t, err)
	return fds[0], fds[1]
}

func TestPoller_Close(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())
	_, err = s.Poll(time.Millisecond)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPoller_PollTimeout(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	defer s.Close()

	start := time.Now()
	batch, err := s.Poll(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)
	assert.GreaterOrEqual(t, time.Since(start), 15*time.Millisecond)
}

func TestPoller_InterestSet(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	defer s.Close()

	a, b := socketPair(t)
	defer unix.Close(b)

	require.NoError(t, s.Register(a, PollIn))
	assert.ErrorIs(t, s.Register(a, PollIn), ErrAlreadyRegistered)
	assert.True(t, s.Watching(a))
	assert.ElementsMatch(t, []int{a}, s.Registered())

	require.NoError(t, s.Modify(a, PollIn|PollRdHup|PollEdge))
	require.NoError(t, s.Release(a))
	assert.False(t, s.Watching(a))

	assert.ErrorIs(t, s.UnRegister(a), ErrNotRegistered)
	assert.ErrorIs(t, s.Modify(a, PollIn), ErrNotRegistered)
	assert.ErrorIs(t, s.Release(a), ErrNotRegistered)
}

func TestPoller_LevelTriggered(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	defer s.Close()

	a, b := socketPair(t)
	defer unix.Close(b)
	require.NoError(t, s.Register(a, PollIn))
	defer s.Release(a)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	for i := 0; i < 2; i++ {
		batch, err := s.Poll(100 * time.Millisecond)
		require.NoError(t, err)
		require.Len(t, batch, 1)
		assert.Equal(t, a, batch[0].Fd)
		assert.True(t, batch[0].Readable())
	}
}

func TestPoller_EdgeTriggered(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	defer s.Close()

	a, b := socketPair(t)
	defer unix.Close(b)
	require.NoError(t, s.Register(a, PollIn|PollRdHup|PollEdge))
	defer s.Release(a)

	_, err = unix.Write(b, []byte("x"))
	require.NoError(t, err)

	batch, err := s.Poll(100 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	// not drained, but no new edge either
	batch, err = s.Poll(20 * time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, batch)

	_, err = unix.Write(b, []byte("y"))
	require.NoError(t, err)
	batch, err = s.Poll(100 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
}

func TestPoller_PeerHalfClose(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	defer s.Close()

	a, b := socketPair(t)
	require.NoError(t, s.Register(a, PollIn|PollRdHup|PollEdge))
	defer s.Release(a)
	require.NoError(t, unix.Close(b))

	batch, err := s.Poll(100 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.NotZero(t, batch[0].Events&PollRdHup)
}

func TestSignalBridge_Inject(t *testing.T) {
	s, err := Create()
	require.NoError(t, err)
	defer s.Close()

	b, err := NewSignalBridge()
	require.NoError(t, err)
	defer b.Close()
	require.NoError(t, s.Register(b.Fd(), PollIn))

	require.NoError(t, b.Inject(syscall.SIGCHLD))
	require.NoError(t, b.Inject(syscall.SIGTERM))

	batch, err := s.Poll(100 * time.Millisecond)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, b.Fd(), batch[0].Fd)

	sigs, err := b.Drain()
	require.NoError(t, err)
	assert.Equal(t, []syscall.Signal{syscall.SIGCHLD, syscall.SIGTERM}, sigs)

	sigs, err = b.Drain()
	require.NoError(t, err)
	assert.Empty(t, sigs)
}

func TestSignalBridge_Delivery(t *testing.T) {
	b, err := NewSignalBridge(syscall.SIGUSR1)
	require.NoError(t, err)
	defer b.Close()

	require.NoError(t, syscall.Kill(syscall.Getpid(), syscall.SIGUSR1))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		sigs, err := b.Drain()
		require.NoError(t, err)
		if len(sigs) > 0 {
			assert.Equal(t, syscall.SIGUSR1, sigs[0])
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("signal never reached the bridge")
}

func TestSignalBridge_InjectAfterClose(t *testing.T) {
	b, err := NewSignalBridge()
	require.NoError(t, err)
	require.NoError(t, b.Close())
	require.NoError(t, b.Close())
	assert.ErrorIs(t, b.Inject(syscall.SIGTERM), ErrClosed)
}
