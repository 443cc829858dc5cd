//go:build linux

package poller

import (
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

type EventLoop struct {
	fd       int
	mu       sync.Mutex
	closed   bool
	interest map[int]Event
	events   []unix.EpollEvent
}

func Create() (*EventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, &MultiplexerError{Op: "create", Err: err}
	}
	return &EventLoop{
		fd:       fd,
		interest: make(map[int]Event, kEpollSize),
		events:   make([]unix.EpollEvent, kEpollSize),
	}, nil
}

func (e *EventLoop) Register(fd int, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.interest[fd]; ok {
		return ErrAlreadyRegistered
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_ADD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpoll(ev),
	}); err != nil {
		return &MultiplexerError{Op: "register", Err: err}
	}
	e.interest[fd] = ev
	return nil
}

func (e *EventLoop) Modify(fd int, ev Event) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if _, ok := e.interest[fd]; !ok {
		return ErrNotRegistered
	}
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_MOD, fd, &unix.EpollEvent{
		Fd:     int32(fd),
		Events: toEpoll(ev),
	}); err != nil {
		return &MultiplexerError{Op: "modify", Err: err}
	}
	e.interest[fd] = ev
	return nil
}

func (e *EventLoop) UnRegister(fd int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.unregister(fd)
}

func (e *EventLoop) unregister(fd int) error {
	if _, ok := e.interest[fd]; !ok {
		return ErrNotRegistered
	}
	delete(e.interest, fd)
	if e.closed {
		return nil
	}
	// the entry is gone from the interest set either way; a failing DEL
	// only means the kernel already dropped it
	if err := unix.EpollCtl(e.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil && err != unix.ENOENT && err != unix.EBADF {
		return &MultiplexerError{Op: "unregister", Err: err}
	}
	return nil
}

func (e *EventLoop) Release(fd int) error {
	e.mu.Lock()
	err := e.unregister(fd)
	e.mu.Unlock()
	if err == ErrNotRegistered {
		return err
	}
	if cerr := unix.Close(fd); cerr != nil && err == nil {
		err = cerr
	}
	return err
}

func (e *EventLoop) Watching(fd int) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.interest[fd]
	return ok
}

// Registered returns a copy of the descriptors currently in the interest set.
func (e *EventLoop) Registered() []int {
	e.mu.Lock()
	defer e.mu.Unlock()
	fds := make([]int, 0, len(e.interest))
	for fd := range e.interest {
		fds = append(fds, fd)
	}
	return fds
}

func (e *EventLoop) Poll(timeout time.Duration) ([]Ready, error) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, ErrClosed
	}
	epfd := e.fd
	e.mu.Unlock()

	ms := int(timeout / time.Millisecond)
	if timeout > 0 && ms == 0 {
		ms = 1
	}
	n, err := unix.EpollWait(epfd, e.events, ms)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, &MultiplexerError{Op: "wait", Err: err}
	}
	batch := make([]Ready, 0, n)
	for _, v := range e.events[:n] {
		batch = append(batch, Ready{Fd: int(v.Fd), Events: fromEpoll(v.Events)})
	}
	return batch, nil
}

func (e *EventLoop) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	return unix.Close(e.fd)
}

func toEpoll(ev Event) uint32 {
	var events uint32
	if ev&PollIn != 0 {
		events |= unix.EPOLLIN
	}
	if ev&PollOut != 0 {
		events |= unix.EPOLLOUT
	}
	if ev&PollRdHup != 0 {
		events |= unix.EPOLLRDHUP
	}
	if ev&PollEdge != 0 {
		events |= unix.EPOLLET
	}
	return events
}

func fromEpoll(events uint32) Event {
	var ev Event
	if events&unix.EPOLLIN != 0 {
		ev |= PollIn
	}
	if events&unix.EPOLLOUT != 0 {
		ev |= PollOut
	}
	if events&unix.EPOLLRDHUP != 0 {
		ev |= PollRdHup
	}
	if events&unix.EPOLLERR != 0 {
		ev |= PollErr
	}
	if events&unix.EPOLLHUP != 0 {
		ev |= PollHup
	}
	return ev
}
