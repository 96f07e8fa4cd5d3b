package trans

import (
	"log/slog"
	"sync"
)

// task is deferred work that may block. A task is queued at most once at a
// time. Adding it again while queued is a no-op.
type task struct {
	name   string
	fn     func()
	queued bool
}

// taskQueue runs tasks one after another on a dedicated goroutine.
type taskQueue struct {
	log *slog.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*task
	running bool
	closed  bool
	done    chan struct{}
}

func newTaskQueue(log *slog.Logger) *taskQueue {
	q := &taskQueue{log: log, done: make(chan struct{})}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// add queues t. It reports false if t was already queued or the queue is
// closed.
func (q *taskQueue) add(t *task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || t.queued {
		return false
	}
	t.queued = true
	q.queue = append(q.queue, t)
	q.cond.Broadcast()
	return true
}

func (q *taskQueue) run() {
	defer close(q.done)
	q.mu.Lock()
	for {
		for len(q.queue) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.queue) == 0 {
			q.mu.Unlock()
			return
		}
		t := q.queue[0]
		q.queue = q.queue[1:]
		t.queued = false
		q.running = true
		q.mu.Unlock()

		q.log.Debug("running task", slog.String("task", t.name))
		t.fn()

		q.mu.Lock()
		q.running = false
		q.cond.Broadcast()
	}
}

// drain waits until the queue is empty and no task is running.
func (q *taskQueue) drain() {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.queue) > 0 || q.running {
		q.cond.Wait()
	}
}

// close runs the tasks already queued and stops the worker.
// It is safe to call more than once.
func (q *taskQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.cond.Broadcast()
	q.mu.Unlock()
	<-q.done
}
