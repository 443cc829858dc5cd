//go:build linux

package fdpool

import (
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/rocinan/fdpool/poller"
	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

// IsWorkerProcess reports whether this process was started by a
// ProcessPool master.
func IsWorkerProcess() bool {
	return os.Getenv(kEnvWorker) != ""
}

// RunWorker serves connections until the master or a signal stops it and
// returns the process exit code. Binaries hosting a ProcessPool call it
// first thing in main when IsWorkerProcess is true.
func RunWorker() int {
	wlog := log.WithField("component", "worker")
	idx, err := strconv.Atoi(os.Getenv(kEnvWorker))
	if err != nil {
		wlog.Error("bad worker index: ", err)
		return 1
	}
	if lvl := os.Getenv(kEnvLogLevel); lvl != "" {
		_ = SetLogLevel(lvl)
	}
	factory, ok := LookupHandler(os.Getenv(kEnvHandler))
	if !ok {
		wlog.Error("unknown handler ", os.Getenv(kEnvHandler))
		return 1
	}
	interval, err := time.ParseDuration(os.Getenv(kEnvPollInterval))
	if err != nil || interval <= 0 {
		interval = poller.DefaultPollInterval()
	}
	w, err := newWorker(idx, kListenerFd, kChannelFd, factory, interval)
	if err != nil {
		wlog.Error("setup: ", err)
		return 1
	}
	w.run()
	return 0
}

type worker struct {
	idx      int
	channel  int
	interval time.Duration
	listener *Listener
	poller   *poller.EventLoop
	bridge   *poller.SignalBridge
	factory  HandlerFactory
	conns    map[int]Handler
	stop     bool
	log      *logrus.Entry
}

func newWorker(idx, listenFd, channelFd int, factory HandlerFactory, interval time.Duration) (w *worker, err error) {
	w = &worker{
		idx:      idx,
		channel:  channelFd,
		interval: interval,
		factory:  factory,
		conns:    make(map[int]Handler),
		log: log.WithFields(logrus.Fields{
			"component": "worker",
			"category":  fmt.Sprintf("worker-%d", idx),
		}),
	}
	if w.listener, err = ListenerFromFd(listenFd); err != nil {
		return nil, fmt.Errorf("inherit listener: %w", err)
	}
	if err = SetNoBlock(channelFd); err != nil {
		return nil, fmt.Errorf("inherit channel: %w", err)
	}
	if w.poller, err = poller.Create(); err != nil {
		return nil, err
	}
	if w.bridge, err = poller.NewSignalBridge(syscall.SIGTERM, syscall.SIGINT, syscall.SIGCHLD); err != nil {
		w.poller.Close()
		return nil, err
	}
	if err = w.poller.Register(w.bridge.Fd(), poller.PollIn); err == nil {
		err = w.poller.Register(channelFd, poller.PollIn|poller.PollRdHup|poller.PollEdge)
	}
	if err != nil {
		w.bridge.Close()
		w.poller.Close()
		return nil, err
	}
	return w, nil
}

func (w *worker) run() {
	w.log.Info("worker running, pid ", os.Getpid())
	for !w.stop {
		batch, err := w.poller.Poll(w.interval)
		if err != nil {
			w.log.Error("epoll failure: ", err)
			continue
		}
		for _, ev := range batch {
			switch ev.Fd {
			case w.channel:
				w.onNotify(ev)
			case w.bridge.Fd():
				w.onSignals()
			default:
				w.serve(ev)
			}
		}
	}
	w.close()
	w.log.Info("worker exit")
}

// onNotify drains every token the master sent since the last edge and runs
// one accept burst for them. Losing the accept race to a sibling is normal.
func (w *worker) onNotify(ev poller.Ready) {
	var (
		buf    [64]byte
		tokens int
	)
	for {
		n, err := unix.Read(w.channel, buf[:])
		if err == unix.EINTR {
			continue
		}
		if err == unix.EAGAIN {
			break
		}
		if err != nil || n == 0 {
			w.log.Warn("master channel closed, stopping")
			w.stop = true
			break
		}
		tokens += (n + kTokenSize - 1) / kTokenSize
	}
	if tokens == 0 || w.stop {
		return
	}
	if n := w.listener.AcceptBurst(w.onAccept); n > 0 {
		w.log.Debug("accepted ", n, " for ", tokens, " notifications")
	}
}

func (w *worker) onAccept(fd int, peer unix.Sockaddr) {
	h := w.factory()
	if err := w.poller.Register(fd, kConnEvents); err != nil {
		w.log.Error("epoll_ctl error, fd = ", fd, ": ", err)
		CloseSocket(fd)
		return
	}
	w.conns[fd] = h
	if err := h.Init(w.poller, fd, peer); err != nil {
		w.log.Warn("handler init, fd = ", fd, ": ", err)
		w.release(fd)
	}
}

func (w *worker) serve(ev poller.Ready) {
	h, ok := w.conns[ev.Fd]
	if !ok {
		return
	}
	if h.Process(ev.Events) != StatusMore {
		w.release(ev.Fd)
	}
}

func (w *worker) release(fd int) {
	delete(w.conns, fd)
	if err := w.poller.Release(fd); err != nil {
		w.log.Warn("release client socket failed, fd = ", fd, ": ", err)
	}
}

func (w *worker) onSignals() {
	sigs, err := w.bridge.Drain()
	if err != nil {
		w.log.Warn("signal drain: ", err)
	}
	for _, sig := range sigs {
		switch sig {
		case syscall.SIGCHLD:
			var ws unix.WaitStatus
			for {
				pid, err := unix.Wait4(-1, &ws, unix.WNOHANG, nil)
				if err != nil || pid <= 0 {
					break
				}
			}
		case syscall.SIGTERM, syscall.SIGINT:
			w.stop = true
		}
	}
}

func (w *worker) close() {
	for fd := range w.conns {
		w.release(fd)
	}
	_ = w.poller.UnRegister(w.bridge.Fd())
	w.bridge.Close()
	if err := w.poller.Release(w.channel); err != nil {
		w.log.Warn("release channel: ", err)
	}
	// the listening socket is shared with the master and siblings
	w.listener.Abandon()
	w.poller.Close()
}
