package websocket

import (
	"sync"

	"github.com/eapache/queue"
)

type (
	// workerQueue task queue with a concurrency limit; the per-connection
	// write queue runs at concurrency 1, which keeps asynchronously written
	// messages in submission order
	workerQueue struct {
		mu             sync.Mutex
		q              *queue.Queue
		maxConcurrency int32
		curConcurrency int32
	}

	asyncJob func()
)

func newWorkerQueue(maxConcurrency int32) *workerQueue {
	return &workerQueue{
		q:              queue.New(),
		maxConcurrency: maxConcurrency,
	}
}

// getJob pops a job if a concurrency slot is free
func (c *workerQueue) getJob(delta int32) asyncJob {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.curConcurrency += delta
	if c.curConcurrency >= c.maxConcurrency {
		return nil
	}
	if c.q.Length() == 0 {
		return nil
	}
	var job = c.q.Remove().(asyncJob)
	c.curConcurrency++
	return job
}

// do runs jobs until the queue drains
func (c *workerQueue) do(job asyncJob) {
	for job != nil {
		job()
		job = c.getJob(-1)
	}
}

// Push appends a job; it runs immediately if a slot is free
func (c *workerQueue) Push(job asyncJob) {
	c.mu.Lock()
	c.q.Add(job)
	c.mu.Unlock()
	if job := c.getJob(0); job != nil {
		go c.do(job)
	}
}
