//go:build linux

package fdpool

import (
	"errors"
	"sync"
	"syscall"
	"time"

	"github.com/rocinan/fdpool/poller"
	"github.com/rocinan/fdpool/pool"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

type Option func(*options)

type options struct {
	poller     poller.Poller
	signals    bool
	executable string
	args       []string
}

// WithPoller replaces the epoll multiplexer, mostly for tests.
func WithPoller(p poller.Poller) Option {
	return func(o *options) { o.poller = p }
}

// WithSignals routes SIGINT and SIGTERM through the loop's signal bridge.
func WithSignals(on bool) Option {
	return func(o *options) { o.signals = on }
}

// conn is guarded by mu from accept until teardown. Once closed is set the
// descriptor belongs to the worker releasing it.
type conn struct {
	mu       sync.Mutex
	handler  Handler
	events   atomic.Uint32
	initFail bool
	closed   bool
}

// ThreadPool runs one event loop goroutine, one acceptor and a fixed set of
// workers fed through a ReadyQueue.
type ThreadPool struct {
	cfg      *Config
	factory  HandlerFactory
	listener *Listener
	poller   poller.Poller
	bridge   *poller.SignalBridge
	queue    *pool.ReadyQueue
	workers  *pool.Dispatcher
	log      *logrus.Entry

	stop    atomic.Bool
	running atomic.Bool
	done    chan struct{}

	acceptMu      sync.Mutex
	acceptCond    *sync.Cond
	acceptPending bool

	connMu sync.Mutex
	conns  map[int]*conn
}

func NewThreadPool(cfg *Config, factory HandlerFactory, opts ...Option) (*ThreadPool, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if factory == nil {
		return nil, errors.New("thread pool: nil handler factory")
	}
	if cfg.Workers <= 0 {
		return nil, errors.New("thread pool: workers must be positive")
	}
	tp := &ThreadPool{
		cfg:     cfg,
		factory: factory,
		queue:   pool.NewReadyQueue(),
		conns:   make(map[int]*conn),
		done:    make(chan struct{}),
		log:     log.WithField("component", "thread_pool"),
	}
	tp.acceptCond = sync.NewCond(&tp.acceptMu)
	tp.workers = pool.NewDispatcher(cfg.Workers, tp.queue)

	listener, err := Listen(cfg.ListenAddr, cfg.ListenPort, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	tp.listener = listener
	if err = tp.setup(o); err != nil {
		tp.closeAll()
		return nil, err
	}
	return tp, nil
}

func (tp *ThreadPool) setup(o *options) (err error) {
	if tp.poller = o.poller; tp.poller == nil {
		if tp.poller, err = poller.Create(); err != nil {
			return err
		}
	}
	if err = tp.poller.Register(tp.listener.Fd(), poller.PollIn|poller.PollRdHup); err != nil {
		return err
	}
	if !o.signals {
		return nil
	}
	if tp.bridge, err = poller.NewSignalBridge(syscall.SIGINT, syscall.SIGTERM); err != nil {
		return err
	}
	return tp.poller.Register(tp.bridge.Fd(), poller.PollIn)
}

func (tp *ThreadPool) Listener() *Listener {
	return tp.listener
}

func (tp *ThreadPool) Addr() string {
	return tp.listener.Addr().String()
}

// Conns is the number of connections currently owned by the pool.
func (tp *ThreadPool) Conns() int {
	tp.connMu.Lock()
	defer tp.connMu.Unlock()
	return len(tp.conns)
}

// Run blocks until Stop or a termination signal. Everything the pool owns
// is closed when it returns.
func (tp *ThreadPool) Run() error {
	if !tp.running.CompareAndSwap(false, true) {
		return errors.New("thread pool: already running")
	}
	defer close(tp.done)

	var acceptor sync.WaitGroup
	acceptor.Add(1)
	go func() {
		defer acceptor.Done()
		tp.acceptLoop()
	}()
	tp.workers.Run(tp.serve, tp.release)

	interval := tp.cfg.PollInterval
	if interval <= 0 {
		interval = poller.DefaultPollInterval()
	}
	tp.log.Info("event loop started")
	for !tp.stop.Load() {
		batch, err := tp.poller.Poll(interval)
		if err != nil {
			if errors.Is(err, poller.ErrClosed) {
				break
			}
			tp.log.Error("epoll_wait error: ", err)
			continue
		}
		for _, ev := range batch {
			switch {
			case ev.Fd == tp.listener.Fd():
				tp.wakeAcceptor()
			case tp.bridge != nil && ev.Fd == tp.bridge.Fd():
				tp.onSignals()
			default:
				tp.dispatch(ev)
			}
		}
	}

	tp.Stop()
	acceptor.Wait()
	tp.workers.Stop()
	tp.closeAll()
	tp.log.Info("main loop exit ...")
	return nil
}

// Stop asks every loop to exit. It does not wait; use Wait for that.
func (tp *ThreadPool) Stop() {
	if tp.stop.Swap(true) {
		return
	}
	tp.acceptMu.Lock()
	tp.acceptMu.Unlock()
	tp.acceptCond.Broadcast()
	tp.queue.Close()
}

// Wait blocks until Run has returned or the timeout expires.
func (tp *ThreadPool) Wait(timeout time.Duration) bool {
	select {
	case <-tp.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

func (tp *ThreadPool) onSignals() {
	sigs, err := tp.bridge.Drain()
	if err != nil {
		tp.log.Warn("signal drain: ", err)
	}
	for _, sig := range sigs {
		switch sig {
		case syscall.SIGINT, syscall.SIGTERM:
			tp.log.Info("program recv signal ", sig, " to exit.")
			tp.Stop()
		}
	}
}

// dispatch holds connMu across the lookup and the push so a descriptor a
// worker has already dropped from the table is never queued again.
func (tp *ThreadPool) dispatch(ev poller.Ready) {
	tp.connMu.Lock()
	defer tp.connMu.Unlock()
	c, ok := tp.conns[ev.Fd]
	if !ok {
		return
	}
	for {
		old := c.events.Load()
		if c.events.CompareAndSwap(old, old|uint32(ev.Events)) {
			break
		}
	}
	tp.queue.Push(ev.Fd)
}

func (tp *ThreadPool) wakeAcceptor() {
	tp.acceptMu.Lock()
	tp.acceptPending = true
	tp.acceptMu.Unlock()
	tp.acceptCond.Signal()
}

func (tp *ThreadPool) acceptLoop() {
	for {
		tp.acceptMu.Lock()
		for !tp.acceptPending && !tp.stop.Load() {
			tp.acceptCond.Wait()
		}
		tp.acceptPending = false
		tp.acceptMu.Unlock()
		if tp.stop.Load() {
			return
		}
		tp.listener.AcceptBurst(tp.onAccept)
	}
}

func (tp *ThreadPool) onAccept(fd int, peer unix.Sockaddr) {
	c := &conn{handler: tp.factory()}
	c.mu.Lock()
	defer c.mu.Unlock()

	tp.connMu.Lock()
	tp.conns[fd] = c
	tp.connMu.Unlock()

	if err := tp.poller.Register(fd, kConnEvents); err != nil {
		tp.log.Error("epoll_ctl error, fd = ", fd, ": ", err)
		tp.connMu.Lock()
		delete(tp.conns, fd)
		tp.connMu.Unlock()
		CloseSocket(fd)
		return
	}
	if err := c.handler.Init(tp.poller, fd, peer); err != nil {
		tp.log.Warn("handler init, fd = ", fd, ": ", err)
		// torn down by a worker like any other closed connection
		c.initFail = true
		tp.connMu.Lock()
		tp.queue.Push(fd)
		tp.connMu.Unlock()
	}
}

// serve runs on a worker and reports whether fd must be torn down. The conn
// leaves the table before it returns true, so the Dispatcher's release is the
// only teardown.
func (tp *ThreadPool) serve(fd int) bool {
	tp.connMu.Lock()
	c, ok := tp.conns[fd]
	tp.connMu.Unlock()
	if !ok {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	if !c.initFail {
		ev := poller.Event(c.events.Swap(0))
		if ev == poller.PollNull {
			ev = poller.PollIn | poller.PollOut
		}
		if c.handler.Process(ev) == StatusMore {
			return false
		}
	}
	c.closed = true
	tp.connMu.Lock()
	if tp.conns[fd] == c {
		delete(tp.conns, fd)
	}
	tp.connMu.Unlock()
	return true
}

func (tp *ThreadPool) release(fd int) {
	if err := tp.poller.Release(fd); err != nil {
		tp.log.Warn("release client socket failed, fd = ", fd, ": ", err)
	}
}

func (tp *ThreadPool) closeAll() {
	tp.connMu.Lock()
	fds := make([]int, 0, len(tp.conns))
	for fd := range tp.conns {
		fds = append(fds, fd)
	}
	tp.conns = make(map[int]*conn)
	tp.connMu.Unlock()
	if tp.poller != nil {
		for _, fd := range fds {
			if err := tp.poller.Release(fd); err != nil {
				tp.log.Warn("release client socket failed, fd = ", fd, ": ", err)
			}
		}
	}

	if tp.bridge != nil {
		if tp.poller != nil {
			_ = tp.poller.UnRegister(tp.bridge.Fd())
		}
		tp.bridge.Close()
	}
	if tp.listener != nil {
		if tp.poller != nil {
			_ = tp.poller.UnRegister(tp.listener.Fd())
		}
		tp.listener.Close()
	}
	if tp.poller != nil {
		if err := tp.poller.Close(); err != nil {
			tp.log.Warn("close poller: ", err)
		}
	}
}
