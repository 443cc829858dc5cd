package poller

import (
	"errors"
	"fmt"
	"time"
)

const (
	kEpollSize        = 1024
	kSignalBufSize    = 1024
	kDefaultPollDelay = 10 * time.Millisecond
)

// Event is a bit set of readiness conditions. PollEdge is only meaningful
// when registering and asks for edge-triggered delivery.
type Event uint32

const (
	PollIn Event = 1 << iota
	PollOut
	PollRdHup
	PollErr
	PollHup
	PollEdge
	PollNull Event = 0
)

var (
	ErrClosed            = errors.New("poller: closed")
	ErrNotRegistered     = errors.New("poller: fd not registered")
	ErrAlreadyRegistered = errors.New("poller: fd already registered")
)

// MultiplexerError is a failed wait or control call. It is never fatal for
// the loop that sees it: the cycle is skipped and polling continues.
type MultiplexerError struct {
	Op  string
	Err error
}

func (e *MultiplexerError) Error() string {
	return fmt.Sprintf("poller: %s: %v", e.Op, e.Err)
}

func (e *MultiplexerError) Unwrap() error { return e.Err }

// Ready is one entry of a poll batch.
type Ready struct {
	Fd     int
	Events Event
}

// Readable reports data or a half-close waiting on the descriptor.
func (r Ready) Readable() bool {
	return r.Events&(PollIn|PollRdHup|PollHup) != 0
}

// Failed reports an error or full hang-up condition.
func (r Ready) Failed() bool {
	return r.Events&(PollErr|PollHup) != 0
}

// Poller owns an interest set and reports readiness in batches.
type Poller interface {
	Register(fd int, ev Event) error
	Modify(fd int, ev Event) error
	UnRegister(fd int) error
	// Release unregisters fd and closes it. The close only happens when the
	// unregister succeeded.
	Release(fd int) error
	Poll(timeout time.Duration) ([]Ready, error)
	Watching(fd int) bool
	Close() error
}

// DefaultPollInterval bounds every wait so loops can notice stop requests.
func DefaultPollInterval() time.Duration {
	return kDefaultPollDelay
}
