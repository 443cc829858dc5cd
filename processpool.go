//go:build linux

package fdpool

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/rocinan/fdpool/poller"
	"github.com/sirupsen/logrus"
	"go.uber.org/atomic"
	"golang.org/x/sys/unix"
)

const (
	kEnvWorker       = "FDPOOL_WORKER"
	kEnvHandler      = "FDPOOL_HANDLER"
	kEnvPollInterval = "FDPOOL_POLL_INTERVAL"
	kEnvLogLevel     = "FDPOOL_LOG_LEVEL"

	// descriptor layout inherited by every worker
	kListenerFd = 3
	kChannelFd  = 4

	kTokenSize = 4
	kNewConn   = 1
)

var ErrNoLiveWorker = errors.New("no live worker")

// WithExecutable sets the binary re-executed as a worker. It defaults to the
// running executable, which must call RunWorker when IsWorkerProcess.
func WithExecutable(path string, args ...string) Option {
	return func(o *options) {
		o.executable = path
		o.args = args
	}
}

type WorkerRecord struct {
	Index    int
	Pid      int
	Channel  int
	Alive    bool
	Notified int
}

// ProcessPool is the master side: it never accepts, it only tells one live
// worker at a time that the shared listener has a connection waiting.
type ProcessPool struct {
	cfg      *Config
	handler  string
	listener *Listener
	poller   poller.Poller
	bridge   *poller.SignalBridge
	log      *logrus.Entry

	mu          sync.Mutex
	workers     []WorkerRecord
	next        int
	reaped      int
	terminating bool
	fatal       error

	stop    atomic.Bool
	running atomic.Bool
	done    chan struct{}
}

func NewProcessPool(cfg *Config, handler string, opts ...Option) (*ProcessPool, error) {
	o := &options{}
	for _, opt := range opts {
		opt(o)
	}
	if cfg.Workers <= 0 || cfg.Workers > kMaxProcessNumber {
		return nil, fmt.Errorf("process pool: workers must be in 1..%d, got %d", kMaxProcessNumber, cfg.Workers)
	}
	if _, ok := LookupHandler(handler); !ok {
		return nil, fmt.Errorf("process pool: unknown handler %q", handler)
	}
	if o.executable == "" {
		exe, err := os.Executable()
		if err != nil {
			return nil, err
		}
		o.executable = exe
	}
	pp := &ProcessPool{
		cfg:     cfg,
		handler: handler,
		workers: make([]WorkerRecord, 0, cfg.Workers),
		done:    make(chan struct{}),
		log:     log.WithField("component", "process_pool"),
	}
	listener, err := Listen(cfg.ListenAddr, cfg.ListenPort, cfg.Backlog)
	if err != nil {
		return nil, err
	}
	pp.listener = listener
	if err = pp.setup(o); err != nil {
		pp.killAll(syscall.SIGKILL)
		pp.reapAll(true)
		pp.closeAll()
		return nil, err
	}
	return pp, nil
}

func (pp *ProcessPool) setup(o *options) (err error) {
	if pp.poller = o.poller; pp.poller == nil {
		if pp.poller, err = poller.Create(); err != nil {
			return err
		}
	}
	// the bridge must exist before the first fork so no SIGCHLD is missed
	if pp.bridge, err = poller.NewSignalBridge(syscall.SIGCHLD, syscall.SIGTERM, syscall.SIGINT); err != nil {
		return err
	}
	if err = pp.poller.Register(pp.bridge.Fd(), poller.PollIn); err != nil {
		return err
	}
	if err = pp.poller.Register(pp.listener.Fd(), poller.PollIn|poller.PollEdge); err != nil {
		return err
	}
	for i := 0; i < pp.cfg.Workers; i++ {
		if err = pp.spawn(i, o.executable, o.args); err != nil {
			return fmt.Errorf("spawn worker %d: %w", i, err)
		}
	}
	return nil
}

func (pp *ProcessPool) spawn(idx int, exe string, args []string) error {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return err
	}
	if err = SetNoBlock(fds[0]); err != nil {
		CloseSocket(fds[0])
		CloseSocket(fds[1])
		return err
	}
	env := append(os.Environ(),
		kEnvWorker+"="+strconv.Itoa(idx),
		kEnvHandler+"="+pp.handler,
		kEnvPollInterval+"="+pp.cfg.PollInterval.String(),
		kEnvLogLevel+"="+pp.cfg.LogLevel,
	)
	argv := append([]string{exe}, args...)
	pid, err := syscall.ForkExec(exe, argv, &syscall.ProcAttr{
		Env:   env,
		Files: []uintptr{0, 1, 2, uintptr(pp.listener.Fd()), uintptr(fds[1])},
	})
	CloseSocket(fds[1])
	if err != nil {
		CloseSocket(fds[0])
		return err
	}
	pp.mu.Lock()
	pp.workers = append(pp.workers, WorkerRecord{Index: idx, Pid: pid, Channel: fds[0], Alive: true})
	pp.mu.Unlock()
	pp.log.Info("worker ", idx, " started, pid ", pid)
	return nil
}

func (pp *ProcessPool) Addr() string {
	return pp.listener.Addr().String()
}

func (pp *ProcessPool) Listener() *Listener {
	return pp.listener
}

// Workers returns a snapshot of the worker table.
func (pp *ProcessPool) Workers() []WorkerRecord {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return append([]WorkerRecord(nil), pp.workers...)
}

func (pp *ProcessPool) Alive() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.alive()
}

func (pp *ProcessPool) alive() int {
	n := 0
	for _, w := range pp.workers {
		if w.Alive {
			n++
		}
	}
	return n
}

// Reaped counts worker terminations observed so far.
func (pp *ProcessPool) Reaped() int {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.reaped
}

// Shutdown asks the master to terminate every worker and exit once they are
// all reaped. It travels the same path as a delivered SIGTERM.
func (pp *ProcessPool) Shutdown() error {
	return pp.bridge.Inject(syscall.SIGTERM)
}

func (pp *ProcessPool) Stop() {
	if err := pp.Shutdown(); err != nil {
		pp.log.Warn("shutdown: ", err)
	}
}

func (pp *ProcessPool) Wait(timeout time.Duration) bool {
	select {
	case <-pp.done:
		return true
	case <-time.After(timeout):
		return false
	}
}

// Run is the master loop. It returns nil after a requested shutdown and
// ErrNoLiveWorker when the pool lost every worker on its own.
func (pp *ProcessPool) Run() error {
	if !pp.running.CompareAndSwap(false, true) {
		return errors.New("process pool: already running")
	}
	defer close(pp.done)
	defer pp.closeAll()

	interval := pp.cfg.PollInterval
	if interval <= 0 {
		interval = poller.DefaultPollInterval()
	}
	for !pp.stop.Load() {
		batch, perr := pp.poller.Poll(interval)
		if perr != nil {
			if errors.Is(perr, poller.ErrClosed) {
				break
			}
			pp.log.Error("epoll failure: ", perr)
			continue
		}
		for _, ev := range batch {
			switch ev.Fd {
			case pp.listener.Fd():
				if nerr := pp.notify(); nerr != nil {
					pp.fail(nerr)
				}
			case pp.bridge.Fd():
				pp.onSignals()
			}
			if pp.stop.Load() {
				break
			}
		}
		if len(batch) == 0 {
			pp.mu.Lock()
			terminating := pp.terminating
			pp.mu.Unlock()
			if terminating {
				pp.onChildExit()
			}
		}
	}
	pp.mu.Lock()
	defer pp.mu.Unlock()
	return pp.fatal
}

func (pp *ProcessPool) fail(err error) {
	pp.log.Error("fatal: ", err)
	pp.mu.Lock()
	if pp.fatal == nil {
		pp.fatal = err
	}
	pp.mu.Unlock()
	pp.stop.Store(true)
}

// selectWorker walks the table round robin from start and returns the first
// live index, or -1 when none is left.
func selectWorker(workers []WorkerRecord, start int) int {
	n := len(workers)
	if n == 0 {
		return -1
	}
	start = ((start % n) + n) % n
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		if workers[idx].Alive {
			return idx
		}
	}
	return -1
}

func (pp *ProcessPool) notify() error {
	pp.mu.Lock()
	idx := selectWorker(pp.workers, pp.next)
	if idx < 0 {
		pp.mu.Unlock()
		return ErrNoLiveWorker
	}
	pp.next = (idx + 1) % len(pp.workers)
	pp.workers[idx].Notified++
	ch := pp.workers[idx].Channel
	pp.mu.Unlock()

	var token [kTokenSize]byte
	binary.LittleEndian.PutUint32(token[:], kNewConn)
	if _, err := unix.Write(ch, token[:]); err != nil {
		// the worker is gone or stuck; its record catches up on SIGCHLD
		pp.log.Debug("send request to child ", idx, " dropped: ", err)
		return nil
	}
	pp.log.Debug("send request to child ", idx)
	return nil
}

func (pp *ProcessPool) onSignals() {
	sigs, err := pp.bridge.Drain()
	if err != nil {
		pp.log.Warn("signal drain: ", err)
	}
	for _, sig := range sigs {
		switch sig {
		case syscall.SIGCHLD:
			pp.onChildExit()
		case syscall.SIGTERM, syscall.SIGINT:
			pp.log.Info("kill all the child now")
			pp.mu.Lock()
			pp.terminating = true
			pp.mu.Unlock()
			pp.killAll(syscall.SIGTERM)
			if pp.Alive() == 0 {
				pp.stop.Store(true)
			}
		}
	}
}

func (pp *ProcessPool) onChildExit() {
	pp.reapAll(false)
	pp.mu.Lock()
	alive, terminating := pp.alive(), pp.terminating
	pp.mu.Unlock()
	if alive > 0 {
		return
	}
	if terminating {
		pp.stop.Store(true)
		return
	}
	pp.fail(ErrNoLiveWorker)
}

// reapAll collects every exited worker. With block set it waits for all of
// them, which is only used while unwinding a failed start.
func (pp *ProcessPool) reapAll(block bool) {
	opts := unix.WNOHANG
	if block {
		opts = 0
	}
	for {
		if block && pp.Alive() == 0 {
			return
		}
		var ws unix.WaitStatus
		pid, err := unix.Wait4(-1, &ws, opts, nil)
		if err == unix.EINTR {
			continue
		}
		if err != nil || pid <= 0 {
			return
		}
		pp.markDead(pid, ws)
	}
}

func (pp *ProcessPool) markDead(pid int, ws unix.WaitStatus) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for i := range pp.workers {
		w := &pp.workers[i]
		if w.Pid != pid || !w.Alive {
			continue
		}
		w.Alive = false
		CloseSocket(w.Channel)
		w.Channel = INVALID_SOCKET
		pp.reaped++
		pp.log.Info("child ", w.Index, " join, status ", ws.ExitStatus(), " signaled ", ws.Signaled())
		return
	}
}

func (pp *ProcessPool) killAll(sig syscall.Signal) {
	pp.mu.Lock()
	defer pp.mu.Unlock()
	for _, w := range pp.workers {
		if w.Alive {
			if err := unix.Kill(w.Pid, sig); err != nil {
				pp.log.Warn("kill child ", w.Index, ": ", err)
			}
		}
	}
}

func (pp *ProcessPool) closeAll() {
	pp.mu.Lock()
	for i := range pp.workers {
		if pp.workers[i].Channel != INVALID_SOCKET {
			CloseSocket(pp.workers[i].Channel)
			pp.workers[i].Channel = INVALID_SOCKET
		}
	}
	pp.mu.Unlock()
	if pp.bridge != nil {
		if pp.poller != nil {
			_ = pp.poller.UnRegister(pp.bridge.Fd())
		}
		pp.bridge.Close()
	}
	if pp.listener != nil {
		if pp.poller != nil {
			_ = pp.poller.UnRegister(pp.listener.Fd())
		}
		pp.listener.Close()
	}
	if pp.poller != nil {
		_ = pp.poller.Close()
	}
}
