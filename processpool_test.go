//go:build linux

package fdpool

import (
	"encoding/binary"
	"fmt"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestSelectWorker(t *testing.T) {
	live := func(alive ...bool) []WorkerRecord {
		ws := make([]WorkerRecord, len(alive))
		for i, a := range alive {
			ws[i] = WorkerRecord{Index: i, Alive: a}
		}
		return ws
	}
	for _, tc := range []struct {
		name    string
		workers []WorkerRecord
		start   int
		want    int
	}{
		{"start is live", live(true, true, true), 1, 1},
		{"skip dead", live(true, false, true), 1, 2},
		{"wrap around", live(true, false, false), 1, 0},
		{"only the start before wrap", live(false, true, false), 2, 1},
		{"start past the end", live(true, true), 5, 1},
		{"none alive", live(false, false, false), 0, -1},
		{"empty table", nil, 0, -1},
	} {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, selectWorker(tc.workers, tc.start))
		})
	}
}

func TestProcessPool_NotifyRoundRobin(t *testing.T) {
	var ends [3][2]int
	workers := make([]WorkerRecord, 3)
	for i := range workers {
		fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK, 0)
		require.NoError(t, err)
		ends[i] = [2]int{fds[0], fds[1]}
		defer unix.Close(fds[0])
		defer unix.Close(fds[1])
		workers[i] = WorkerRecord{Index: i, Channel: fds[0], Alive: true}
	}
	workers[1].Alive = false
	pp := &ProcessPool{workers: workers, log: log.WithField("component", "test")}

	for i := 0; i < 4; i++ {
		require.NoError(t, pp.notify())
	}
	assert.Equal(t, []int{2, 0, 2}, []int{pp.workers[0].Notified, pp.workers[1].Notified, pp.workers[2].Notified})

	var token [kTokenSize]byte
	n, err := unix.Read(ends[0][1], token[:])
	require.NoError(t, err)
	require.Equal(t, kTokenSize, n)
	assert.Equal(t, uint32(kNewConn), binary.LittleEndian.Uint32(token[:]))

	_, err = unix.Read(ends[1][1], token[:])
	assert.Equal(t, unix.EAGAIN, err, "dead worker must never be notified")

	pp.workers[0].Alive = false
	pp.workers[2].Alive = false
	assert.ErrorIs(t, pp.notify(), ErrNoLiveWorker)
}

func TestNewProcessPool_Validation(t *testing.T) {
	cfg := testConfig(ModeProcess, 0)
	_, err := NewProcessPool(cfg, HandlerEcho)
	assert.Error(t, err)

	cfg.Workers = kMaxProcessNumber + 1
	_, err = NewProcessPool(cfg, HandlerEcho)
	assert.Error(t, err)

	cfg.Workers = 1
	_, err = NewProcessPool(cfg, "nope")
	assert.Error(t, err)
}

func startProcessPool(t *testing.T, workers int) (*ProcessPool, chan error) {
	t.Helper()
	pp, err := NewProcessPool(testConfig(ModeProcess, workers), HandlerEcho)
	require.NoError(t, err)
	errc := make(chan error, 1)
	go func() { errc <- pp.Run() }()
	t.Cleanup(func() {
		_ = pp.Shutdown()
		pp.Wait(5 * time.Second)
	})
	return pp, errc
}

func serveClients(t *testing.T, addr string, clients int) {
	t.Helper()
	var wg sync.WaitGroup
	for i := 0; i < clients; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("client %d\n", i))
			assert.Equal(t, msg, roundTrip(t, addr, msg, 3))
		}(i)
	}
	wg.Wait()
}

func TestProcessPool_ServesAndShutsDown(t *testing.T) {
	const workers = 3
	pp, errc := startProcessPool(t, workers)

	serveClients(t, pp.Addr(), 12)
	for _, size := range []int{10, 10000} {
		msg := payload(size)
		assert.Equal(t, msg, roundTrip(t, pp.Addr(), msg, 1500), "size %d", size)
	}

	require.NoError(t, pp.Shutdown())
	require.True(t, pp.Wait(5*time.Second), "master did not exit")
	require.NoError(t, <-errc)

	assert.Equal(t, workers, pp.Reaped())
	assert.Zero(t, pp.Alive())
	assert.True(t, pp.Listener().Closed())
}

func TestProcessPool_WorkerDeath(t *testing.T) {
	const workers = 3
	pp, errc := startProcessPool(t, workers)
	serveClients(t, pp.Addr(), 3)

	victim := pp.Workers()[1]
	require.NoError(t, unix.Kill(victim.Pid, syscall.SIGKILL))
	require.Eventually(t, func() bool { return pp.Alive() == workers-1 }, 5*time.Second, 10*time.Millisecond)
	notified := pp.Workers()[1].Notified

	serveClients(t, pp.Addr(), 12)
	after := pp.Workers()
	assert.False(t, after[1].Alive)
	assert.Equal(t, notified, after[1].Notified, "dead worker slot was selected")
	assert.Equal(t, 1, pp.Reaped())

	require.NoError(t, pp.Shutdown())
	require.True(t, pp.Wait(5*time.Second))
	require.NoError(t, <-errc)
	assert.Equal(t, workers, pp.Reaped())
}

func TestProcessPool_LosingAllWorkersIsFatal(t *testing.T) {
	pp, errc := startProcessPool(t, 2)
	for _, w := range pp.Workers() {
		require.NoError(t, unix.Kill(w.Pid, syscall.SIGKILL))
	}
	require.True(t, pp.Wait(5*time.Second))
	assert.ErrorIs(t, <-errc, ErrNoLiveWorker)
	assert.True(t, pp.Listener().Closed())
}

func TestNewProcessPool_SpawnErrorCleansUp(t *testing.T) {
	cfg := testConfig(ModeProcess, 2)
	cfg.ListenPort = freePort(t)

	pp, err := NewProcessPool(cfg, HandlerEcho, WithExecutable("/nonexistent/worker"))
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.ENOENT)
	assert.Nil(t, pp)
	requireRefused(t, cfg.ListenPort)
}

func TestWorker_StopsWhenMasterChannelCloses(t *testing.T) {
	l, err := Listen("127.0.0.1", 0, 8)
	require.NoError(t, err)
	defer l.Close()
	lfd, err := unix.Dup(l.Fd())
	require.NoError(t, err)
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	require.NoError(t, err)

	w, err := newWorker(0, lfd, fds[1], NewEchoHandler, 5*time.Millisecond)
	require.NoError(t, err)
	done := make(chan struct{})
	go func() {
		w.run()
		close(done)
	}()

	require.NoError(t, unix.Close(fds[0]))
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker outlived its master channel")
	}
	// abandoning the duplicate leaves the original listening
	assert.False(t, l.Closed())
}
