package worker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

func sendJob(clientID int64, text string) (Job, chan sendReturn) {
	ch := make(chan sendReturn, 1)
	return Job{Type: Send, ClientID: clientID, send: &sendTask{text: text, resultCh: ch}}, ch
}

func mustSubmit(t *testing.T, d *Dispatcher, job Job) {
	t.Helper()
	if err := d.Submit(job); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

func TestDispatcherJobOrderPerClient(t *testing.T) {
	var (
		mu     sync.Mutex
		order  = map[int64][]string{}
		active = map[int64]int{}
		wg     sync.WaitGroup
	)
	d := NewDispatcher(2, 4, 16, time.Minute, func(job Job) {
		defer wg.Done()
		mu.Lock()
		active[job.ClientID]++
		if active[job.ClientID] > 1 {
			t.Errorf("client %d has concurrent jobs", job.ClientID)
		}
		order[job.ClientID] = append(order[job.ClientID], job.send.text)
		mu.Unlock()

		time.Sleep(2 * time.Millisecond)

		mu.Lock()
		active[job.ClientID]--
		mu.Unlock()
	})
	defer d.Close()

	for _, text := range []string{"1", "2", "3", "4"} {
		for _, client := range []int64{1, 2} {
			job, _ := sendJob(client, text)
			wg.Add(1)
			mustSubmit(t, d, job)
		}
	}
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	for _, client := range []int64{1, 2} {
		got := order[client]
		if len(got) != 4 || got[0] != "1" || got[1] != "2" || got[2] != "3" || got[3] != "4" {
			t.Fatalf("client %d ran out of order: %v", client, got)
		}
	}
}

func TestDispatcherCancelClientFailsQueuedJobs(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := NewDispatcher(1, 2, 8, time.Minute, func(job Job) {
		if job.send.text == "first" {
			started <- struct{}{}
			<-release
		}
		job.send.resultCh <- sendReturn{reply: job.send.text}
	})
	defer d.Close()

	first, firstCh := sendJob(1, "first")
	mustSubmit(t, d, first)
	<-started

	second, secondCh := sendJob(1, "second")
	third, thirdCh := sendJob(1, "third")
	mustSubmit(t, d, second)
	mustSubmit(t, d, third)

	deadline := time.Now().Add(time.Second)
	for d.pending(1) != 2 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := d.pending(1); n != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", n)
	}

	d.CancelClient(1)
	for _, ch := range []chan sendReturn{secondCh, thirdCh} {
		select {
		case ret := <-ch:
			if !errors.Is(ret.err, ErrClientReset) {
				t.Fatalf("expected ErrClientReset, got %v", ret.err)
			}
		case <-time.After(time.Second):
			t.Fatalf("cancelled job never resolved")
		}
	}

	close(release)
	select {
	case ret := <-firstCh:
		if ret.reply != "first" {
			t.Fatalf("running job should finish, got %+v", ret)
		}
	case <-time.After(time.Second):
		t.Fatalf("running job never finished")
	}

	// the client can submit again after a cancel
	next, nextCh := sendJob(1, "next")
	mustSubmit(t, d, next)
	select {
	case ret := <-nextCh:
		if ret.reply != "next" {
			t.Fatalf("unexpected result %+v", ret)
		}
	case <-time.After(time.Second):
		t.Fatalf("job after cancel never ran")
	}
}

func TestDispatcherRejectsWhenQueueFull(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 1)
	d := NewDispatcher(1, 1, 2, time.Minute, func(job Job) {
		if job.send.text == "running" {
			started <- struct{}{}
			<-release
		}
		job.send.resultCh <- sendReturn{reply: job.send.text}
	})

	running, _ := sendJob(1, "running")
	mustSubmit(t, d, running)
	<-started

	var waiting []chan sendReturn
	for _, text := range []string{"a", "b"} {
		job, ch := sendJob(1, text)
		mustSubmit(t, d, job)
		waiting = append(waiting, ch)
	}
	for i := 0; i < 5; i++ {
		job, _ := sendJob(int64(i%2+1), "overflow")
		if err := d.Submit(job); !errors.Is(err, ErrDispatcherBusy) {
			t.Fatalf("expected ErrDispatcherBusy, got %v", err)
		}
	}
	if n := d.pending(1); n != 2 {
		t.Fatalf("expected 2 pending jobs, got %d", n)
	}

	close(release)
	for _, ch := range waiting {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatalf("queued job never ran")
		}
	}
	job, ch := sendJob(2, "after")
	mustSubmit(t, d, job)
	select {
	case ret := <-ch:
		if ret.reply != "after" {
			t.Fatalf("unexpected result %+v", ret)
		}
	case <-time.After(time.Second):
		t.Fatalf("job after drain never ran")
	}

	d.Close()
	late, _ := sendJob(1, "late")
	if err := d.Submit(late); !errors.Is(err, ErrClientReset) {
		t.Fatalf("expected ErrClientReset after close, got %v", err)
	}
}

func TestPoolRetiresIdleWorkersAboveMin(t *testing.T) {
	p := newJobChannelPool(1, 3, time.Hour, func(Job) {})
	defer p.close()
	for i := 0; i < 3; i++ {
		p.spawnWorker()
	}
	if n := p.size(); n != 3 {
		t.Fatalf("expected 3 workers, got %d", n)
	}
	p.spawnWorker()
	if n := p.size(); n != 3 {
		t.Fatalf("pool grew past max: %d", n)
	}

	p.mu.Lock()
	for _, meta := range p.idle {
		meta.lastUsed = time.Now().Add(-2 * time.Hour)
	}
	p.mu.Unlock()
	p.shutdownExpired()

	deadline := time.Now().Add(time.Second)
	for p.size() != 1 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	if n := p.size(); n != 1 {
		t.Fatalf("expected pool to shrink to min, got %d", n)
	}
	if ch := p.acquire(); ch == nil {
		t.Fatalf("acquire after shrink returned nil")
	}
}

func TestJobTypeString(t *testing.T) {
	if Send.String() != "send" || Stop.String() != "stop" || JobType(9).String() != "job(9)" {
		t.Fatalf("unexpected job type names")
	}
}
