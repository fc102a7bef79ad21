package worker

import (
	"context"
	"fmt"

	"mentorchat/internal/models"
)

type JobType int

const (
	Send JobType = iota
	Stop
)

func (t JobType) String() string {
	switch t {
	case Send:
		return "send"
	case Stop:
		return "stop"
	default:
		return fmt.Sprintf("job(%d)", int(t))
	}
}

// Job is one unit of work for a client.
type Job struct {
	Type     JobType
	ClientID int64
	send     *sendTask
}

type sendTask struct {
	ctx      context.Context
	state    *clientState
	entry    *sessionEntry
	text     string
	resultCh chan sendReturn
}

type sendReturn struct {
	reply   string
	session models.SessionInfo
	err     error
}

func (job Job) fail(err error) {
	if job.send != nil && job.send.resultCh != nil {
		job.send.resultCh <- sendReturn{err: err}
	}
}

// Worker runs jobs handed over by the dispatcher, one at a time.
type Worker struct {
	id         int
	pool       *jobChannelPool
	jobChannel chan Job
}

func NewWorker(id int, pool *jobChannelPool) *Worker {
	return &Worker{
		id:         id,
		pool:       pool,
		jobChannel: make(chan Job),
	}
}

func (w *Worker) Start() {
	go func() {
		defer w.pool.retire(w.jobChannel)
		for {
			select {
			case job := <-w.jobChannel:
				if job.Type == Stop {
					debugLog("[worker-%d] stopped", w.id)
					return
				}
				w.pool.handle(job)
				w.pool.Release(w.jobChannel)
			case <-w.pool.quit:
				return
			}
		}
	}()
}
