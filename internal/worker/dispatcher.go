package worker

import (
	"container/list"
	"sync"
	"time"
)

type clientQueue struct {
	jobs     []Job
	enqueued bool // in the ready list
	busy     bool // a job of this client is running
}

// Dispatcher hands queued jobs to pooled workers, rotating between clients so
// one chatty client cannot starve the rest. At most one job per client runs
// at a time, and a client's jobs run in submission order.
type Dispatcher struct {
	pool     *jobChannelPool
	handle   func(Job)
	capacity int // max jobs waiting across all clients

	mu        sync.Mutex
	closed    bool
	queued    int
	queues    map[int64]*clientQueue
	ready     *list.List // LRU of client ids with a runnable job
	positions map[int64]*list.Element

	wake chan struct{}
	quit chan struct{}
	once sync.Once
}

func NewDispatcher(minWorkers, maxWorkers, queueSize int, idleTimeout time.Duration, handle func(Job)) *Dispatcher {
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &Dispatcher{
		handle:    handle,
		capacity:  queueSize,
		queues:    make(map[int64]*clientQueue),
		ready:     list.New(),
		positions: make(map[int64]*list.Element),
		wake:      make(chan struct{}, 1),
		quit:      make(chan struct{}),
	}
	d.pool = newJobChannelPool(minWorkers, maxWorkers, idleTimeout, d.execute)

	for i := 0; i < minWorkers; i++ {
		d.pool.spawnWorker()
	}

	go d.run()
	return d
}

// Submit queues job behind the client's earlier jobs. It fails with
// ErrDispatcherBusy when queueSize jobs are already waiting, and with
// ErrClientReset once the dispatcher is closed.
func (d *Dispatcher) Submit(job Job) error {
	d.mu.Lock()
	switch {
	case d.closed:
		d.mu.Unlock()
		return ErrClientReset
	case d.queued >= d.capacity:
		d.mu.Unlock()
		return ErrDispatcherBusy
	}
	d.enqueueLocked(job)
	d.mu.Unlock()
	d.signal()
	return nil
}

func (d *Dispatcher) run() {
	for {
		if d.dispatchOne() {
			continue
		}
		select {
		case <-d.wake:
		case <-d.quit:
			return
		}
	}
}

func (d *Dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Close stops dispatching, fails every queued job with ErrClientReset and
// retires every worker once its current job ends.
func (d *Dispatcher) Close() {
	d.once.Do(func() {
		d.mu.Lock()
		d.closed = true
		var dropped []Job
		for id, q := range d.queues {
			dropped = append(dropped, q.jobs...)
			q.jobs = nil
			if !q.busy {
				delete(d.queues, id)
			}
		}
		d.queued = 0
		d.ready.Init()
		d.positions = make(map[int64]*list.Element)
		d.mu.Unlock()

		close(d.quit)
		d.pool.close()
		for _, job := range dropped {
			job.fail(ErrClientReset)
		}
	})
}

// CancelClient drops the client's queued jobs. Their callers receive
// ErrClientReset. A job already running is left to finish.
func (d *Dispatcher) CancelClient(clientID int64) {
	d.mu.Lock()
	q := d.queues[clientID]
	var dropped []Job
	if q != nil {
		dropped = q.jobs
		d.queued -= len(q.jobs)
		q.jobs = nil
		q.enqueued = false
		if !q.busy {
			delete(d.queues, clientID)
		}
	}
	if elem, ok := d.positions[clientID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, clientID)
	}
	d.mu.Unlock()

	for _, job := range dropped {
		job.fail(ErrClientReset)
	}
}

func (d *Dispatcher) enqueueLocked(job Job) {
	clientID := job.ClientID
	q := d.queues[clientID]
	if q == nil {
		q = &clientQueue{}
		d.queues[clientID] = q
	}
	q.jobs = append(q.jobs, job)
	d.queued++
	if q.enqueued || q.busy {
		return
	}
	q.enqueued = true
	d.positions[clientID] = d.ready.PushBack(clientID)
}

// dispatchOne hands the first job of the least recently served client to a worker.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	clientID := elem.Value.(int64)
	q := d.queues[clientID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	d.queued--
	q.busy = true
	q.enqueued = false
	d.ready.Remove(elem)
	delete(d.positions, clientID)
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	if workerChan == nil {
		// pool closed
		job.fail(ErrClientReset)
		return false
	}
	debugLog("[dispatcher] assign %s job for client %d to worker-%d", job.Type, clientID, d.pool.workerID(workerChan))
	workerChan <- job
	return true
}

func (d *Dispatcher) execute(job Job) {
	if d.handle != nil {
		d.handle(job)
	}
	d.done(job.ClientID)
}

// done marks the client idle and puts it back in line when more jobs wait.
func (d *Dispatcher) done(clientID int64) {
	d.mu.Lock()
	if q := d.queues[clientID]; q != nil {
		q.busy = false
		if len(q.jobs) == 0 {
			delete(d.queues, clientID)
		} else if !q.enqueued {
			q.enqueued = true
			d.positions[clientID] = d.ready.PushBack(clientID)
		}
	}
	d.mu.Unlock()
	d.signal()
}

// pending reports how many jobs are queued for clientID, excluding a running one.
func (d *Dispatcher) pending(clientID int64) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if q := d.queues[clientID]; q != nil {
		return len(q.jobs)
	}
	return 0
}
