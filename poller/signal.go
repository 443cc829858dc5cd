//go:build linux

package poller

import (
	"os"
	"os/signal"
	"sync"
	"syscall"

	"golang.org/x/sys/unix"
)

// SignalBridge turns signal delivery into readability of Fd. The relay
// goroutine only ever does a non-blocking one byte write; the owning loop
// reacts to the bytes under its normal control flow.
type SignalBridge struct {
	rfd, wfd int
	ch       chan os.Signal
	done     chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	closed   bool
}

func NewSignalBridge(sigs ...os.Signal) (*SignalBridge, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, err
	}
	b := &SignalBridge{
		rfd:  fds[0],
		wfd:  fds[1],
		ch:   make(chan os.Signal, kSignalBufSize),
		done: make(chan struct{}),
	}
	if len(sigs) > 0 {
		signal.Notify(b.ch, sigs...)
	}
	b.wg.Add(1)
	go b.relay()
	return b, nil
}

func (b *SignalBridge) relay() {
	defer b.wg.Done()
	var one [1]byte
	for {
		select {
		case sig := <-b.ch:
			if s, ok := sig.(syscall.Signal); ok {
				one[0] = byte(s)
				_, _ = unix.Write(b.wfd, one[:])
			}
		case <-b.done:
			return
		}
	}
}

// Fd is the read end to register with a poller.
func (b *SignalBridge) Fd() int {
	return b.rfd
}

// Inject queues sig as if it had been delivered by the kernel.
func (b *SignalBridge) Inject(sig syscall.Signal) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return ErrClosed
	}
	_, err := unix.Write(b.wfd, []byte{byte(sig)})
	return err
}

// Drain reads every pending signal number in arrival order.
func (b *SignalBridge) Drain() ([]syscall.Signal, error) {
	var (
		buf  [kSignalBufSize]byte
		sigs []syscall.Signal
	)
	for {
		n, err := unix.Read(b.rfd, buf[:])
		if err != nil {
			if err == unix.EAGAIN || err == unix.EINTR {
				return sigs, nil
			}
			return sigs, err
		}
		if n <= 0 {
			return sigs, nil
		}
		for _, c := range buf[:n] {
			sigs = append(sigs, syscall.Signal(c))
		}
	}
}

func (b *SignalBridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	signal.Stop(b.ch)
	close(b.done)
	b.wg.Wait()
	_ = unix.Close(b.wfd)
	return unix.Close(b.rfd)
}
