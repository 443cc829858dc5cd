package pool

import (
	"sync"

	"github.com/eapache/queue"
	"golang.org/x/sync/errgroup"
)

// Job serves one ready descriptor. It returns true when the descriptor must
// be torn down.
type Job func(fd int) (release bool)

type fdState struct {
	queued bool
	busy   bool
	dirty  bool
}

// ReadyQueue is a FIFO of ready descriptors. A descriptor is queued at most
// once and held by at most one worker; readiness reported while a worker
// holds it is replayed after Done.
type ReadyQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	fds    *queue.Queue
	state  map[int]*fdState
	closed bool
}

func NewReadyQueue() *ReadyQueue {
	q := &ReadyQueue{
		fds:   queue.New(),
		state: make(map[int]*fdState),
	}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push returns false when the readiness was folded into an existing entry.
func (q *ReadyQueue) Push(fd int) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	st, ok := q.state[fd]
	if !ok {
		st = &fdState{}
		q.state[fd] = st
	}
	switch {
	case st.queued:
		return false
	case st.busy:
		st.dirty = true
		return false
	}
	st.queued = true
	q.fds.Add(fd)
	q.cond.Signal()
	return true
}

func (q *ReadyQueue) Pop() (int, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.fds.Length() == 0 && !q.closed {
		q.cond.Wait()
	}
	if q.closed {
		return -1, false
	}
	fd := q.fds.Remove().(int)
	st := q.state[fd]
	st.queued = false
	st.busy = true
	return fd, true
}

func (q *ReadyQueue) Done(fd int, released bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	st, ok := q.state[fd]
	if !ok {
		return
	}
	if released {
		delete(q.state, fd)
		return
	}
	st.busy = false
	if st.dirty && !q.closed {
		st.dirty = false
		st.queued = true
		q.fds.Add(fd)
		q.cond.Signal()
		return
	}
	if !st.queued {
		delete(q.state, fd)
	}
}

func (q *ReadyQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.fds.Length()
}

func (q *ReadyQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

type Dispatcher struct {
	WorkerCap int
	Queue     *ReadyQueue

	group errgroup.Group
}

func NewDispatcher(maxWorkers int, q *ReadyQueue) *Dispatcher {
	return &Dispatcher{WorkerCap: maxWorkers, Queue: q}
}

// Run starts the workers. release is called after the queue has forgotten
// the descriptor, so a reused descriptor number starts from a clean state.
func (d *Dispatcher) Run(job Job, release func(fd int)) {
	for i := 0; i < d.WorkerCap; i++ {
		d.group.Go(func() error {
			for {
				fd, ok := d.Queue.Pop()
				if !ok {
					return nil
				}
				teardown := job(fd)
				d.Queue.Done(fd, teardown)
				if teardown && release != nil {
					release(fd)
				}
			}
		})
	}
}

// Stop closes the queue and waits for every worker to return. Jobs already
// running are allowed to finish.
func (d *Dispatcher) Stop() {
	d.Queue.Close()
	_ = d.group.Wait()
}
