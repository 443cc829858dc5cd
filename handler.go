//go:build linux

package fdpool

import (
	"sort"
	"sync"

	"github.com/rocinan/fdpool/poller"
	"golang.org/x/sys/unix"
)

// Status is what a handler reports after serving one readiness event.
type Status int

const (
	StatusMore Status = iota
	StatusClosed
	StatusFatal
)

func (s Status) String() string {
	switch s {
	case StatusMore:
		return "more"
	case StatusClosed:
		return "closed"
	case StatusFatal:
		return "fatal"
	}
	return "unknown"
}

// kConnEvents is the interest every accepted connection starts with.
const kConnEvents = poller.PollIn | poller.PollRdHup | poller.PollEdge

// Loop is the part of the owning event loop a handler may touch.
type Loop interface {
	Modify(fd int, ev poller.Event) error
}

// Handler serves one connection. Init runs once, after the descriptor is in
// the interest set and before any Process. Process must not block and must
// not close the descriptor; the dispatcher tears it down on StatusClosed or
// StatusFatal.
type Handler interface {
	Init(loop Loop, fd int, peer unix.Sockaddr) error
	Process(ev poller.Event) Status
}

type HandlerFactory func() Handler

var handlers = struct {
	sync.RWMutex
	m map[string]HandlerFactory
}{m: make(map[string]HandlerFactory)}

// RegisterHandler makes a handler selectable by name, which is how process
// pool workers pick theirs.
func RegisterHandler(name string, f HandlerFactory) {
	handlers.Lock()
	defer handlers.Unlock()
	handlers.m[name] = f
}

func LookupHandler(name string) (HandlerFactory, bool) {
	handlers.RLock()
	defer handlers.RUnlock()
	f, ok := handlers.m[name]
	return f, ok
}

func HandlerNames() []string {
	handlers.RLock()
	defer handlers.RUnlock()
	names := make([]string, 0, len(handlers.m))
	for k := range handlers.m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}
