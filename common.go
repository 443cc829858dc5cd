//go:build linux

package fdpool

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	INVALID_SOCKET = -1

	kMaxAcceptFailures = 16
)

// ErrNoPendingConnection ends an accept burst. It is not a failure.
var ErrNoPendingConnection = errors.New("no pending connection")

type BindError struct {
	Addr string
	Port int
	Err  error
}

func (e *BindError) Error() string {
	return fmt.Sprintf("bind %s:%d: %v", e.Addr, e.Port, e.Err)
}

func (e *BindError) Unwrap() error { return e.Err }

type AcceptError struct {
	Err error
}

func (e *AcceptError) Error() string {
	return "accept: " + e.Err.Error()
}

func (e *AcceptError) Unwrap() error { return e.Err }

type Listener struct {
	fd     int
	addr   unix.SockaddrInet4
	mu     sync.Mutex
	closed bool
}

// Listen creates a non-blocking, address-reusable IPv4 listening socket.
func Listen(addr string, port, backlog int) (*Listener, error) {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, &BindError{Addr: addr, Port: port, Err: fmt.Errorf("invalid ipv4 address %q", addr)}
	}
	if port < 0 || port > 0xffff {
		return nil, &BindError{Addr: addr, Port: port, Err: fmt.Errorf("invalid port %d", port)}
	}
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, &BindError{Addr: addr, Port: port, Err: err}
	}
	if err = SetReUseAddr(fd); err != nil {
		CloseSocket(fd)
		return nil, &BindError{Addr: addr, Port: port, Err: err}
	}
	socketAddr := unix.SockaddrInet4{Port: port}
	copy(socketAddr.Addr[:], ip)
	if err = unix.Bind(fd, &socketAddr); err != nil {
		CloseSocket(fd)
		return nil, &BindError{Addr: addr, Port: port, Err: err}
	}
	if err = unix.Listen(fd, backlog); err != nil {
		CloseSocket(fd)
		return nil, &BindError{Addr: addr, Port: port, Err: err}
	}
	return ListenerFromFd(fd)
}

// ListenerFromFd adopts an already listening descriptor, e.g. one inherited
// from a parent process.
func ListenerFromFd(fd int) (*Listener, error) {
	if err := SetNoBlock(fd); err != nil {
		return nil, err
	}
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil, err
	}
	l := &Listener{fd: fd}
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		l.addr = *in4
	}
	return l, nil
}

func (l *Listener) Fd() int {
	return l.fd
}

// Addr returns the bound address; the port is the kernel's choice when 0
// was requested.
func (l *Listener) Addr() *net.TCPAddr {
	return &net.TCPAddr{IP: net.IP(l.addr.Addr[:]).To4(), Port: l.addr.Port}
}

// AcceptOne accepts a single connection. The returned descriptor is already
// non-blocking.
func (l *Listener) AcceptOne() (int, unix.Sockaddr, error) {
	for retried := false; ; retried = true {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		if err == nil {
			return fd, sa, nil
		}
		switch err {
		case unix.EAGAIN:
			return INVALID_SOCKET, nil, ErrNoPendingConnection
		case unix.EINTR, unix.ECONNABORTED:
			if !retried {
				continue
			}
		}
		return INVALID_SOCKET, nil, &AcceptError{Err: err}
	}
}

// AcceptBurst accepts until the pending queue is empty and hands every new
// descriptor to fn. Repeated hard failures end the burst early.
func (l *Listener) AcceptBurst(fn func(fd int, peer unix.Sockaddr)) int {
	accepted, failures := 0, 0
	for failures < kMaxAcceptFailures {
		fd, sa, err := l.AcceptOne()
		if err == ErrNoPendingConnection {
			break
		}
		if err != nil {
			failures++
			log.WithField("component", "listener").Error("accept failed: ", err)
			continue
		}
		accepted++
		fn(fd, sa)
	}
	return accepted
}

func (l *Listener) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	_ = unix.Shutdown(l.fd, unix.SHUT_RDWR)
	return CloseSocket(l.fd)
}

// Abandon closes this process's descriptor without shutting the socket
// down, leaving it usable by other processes holding it.
func (l *Listener) Abandon() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return CloseSocket(l.fd)
}

func (l *Listener) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

func BufferSend(fd int, buffer []byte) (int, error) {
	return unix.Write(fd, buffer)
}

func BufferRecv(fd int, buffer []byte) (int, error) {
	return unix.Read(fd, buffer)
}

func SetNoBlock(fd int) error {
	return unix.SetNonblock(fd, true)
}

func SetReUseAddr(fd int) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return err
	}
	return unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
}

func CloseSocket(fd int) error {
	return unix.Close(fd)
}

func PeerString(sa unix.Sockaddr) string {
	if in4, ok := sa.(*unix.SockaddrInet4); ok {
		return fmt.Sprintf("%s:%d", net.IP(in4.Addr[:]).String(), in4.Port)
	}
	return "unknown"
}
