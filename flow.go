//go:build linux

package fdpool

import (
	"github.com/rocinan/fdpool/poller"
	"golang.org/x/sys/unix"
)

const (
	kWaitStatusInit = iota
	kWaitStatusReading
	kWaitStatusWriting
	kWaitStatusReadWriting = kWaitStatusReading | kWaitStatusWriting
)

const (
	kBuffSize     = 4 * 1024
	kInBufSize    = 16 * 1024
	kOutBufSize   = 32 * 1024
	kMaxLineBytes = 1 << 20
)

// Flow is the buffered byte stream of one connection. It drains the socket
// on every edge and keeps write interest armed only while output is pending.
type Flow struct {
	Status int
	fd     int
	loop   Loop
	buf    []byte

	DataRead    []byte
	DataToWrite []byte
}

func NewFlow(fd int, loop Loop) *Flow {
	return &Flow{
		fd:          fd,
		loop:        loop,
		Status:      kWaitStatusReading,
		buf:         make([]byte, kBuffSize),
		DataRead:    make([]byte, 0, kInBufSize),
		DataToWrite: make([]byte, 0, kOutBufSize),
	}
}

// Update changes the wait status and the poll interest with it.
func (f *Flow) Update(status int) error {
	if f.Status == status {
		return nil
	}
	f.Status = status
	event := poller.PollRdHup | poller.PollEdge
	if (status & kWaitStatusReading) != 0 {
		event |= poller.PollIn
	}
	if (status & kWaitStatusWriting) != 0 {
		event |= poller.PollOut
	}
	return f.loop.Modify(f.fd, event)
}

// ReadAll reads until the socket would block. peerClosed is set when the
// peer has shut down its write side.
func (f *Flow) ReadAll() (peerClosed bool, err error) {
	for {
		n, err := BufferRecv(f.fd, f.buf)
		switch {
		case err == unix.EAGAIN:
			return false, nil
		case err == unix.EINTR:
			continue
		case err != nil:
			return false, err
		case n == 0:
			return true, nil
		}
		f.DataRead = append(f.DataRead, f.buf[:n]...)
	}
}

func (f *Flow) Write(p []byte) {
	f.DataToWrite = append(f.DataToWrite, p...)
}

func (f *Flow) Pending() int {
	return len(f.DataToWrite)
}

// Flush writes queued output until done or the socket would block.
func (f *Flow) Flush() error {
	for len(f.DataToWrite) > 0 {
		n, err := BufferSend(f.fd, f.DataToWrite)
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			return f.Update(kWaitStatusReadWriting)
		}
		if err != nil {
			return err
		}
		f.DataToWrite = f.DataToWrite[n:]
	}
	f.DataToWrite = f.DataToWrite[:0]
	return f.Update(kWaitStatusReading)
}
