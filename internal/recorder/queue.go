package recorder

import "sync"

// queue is the unbounded FIFO feeding the writer goroutine. Many
// producers push; exactly one consumer pops. Unbounded buffering with
// backlog visibility is preferred over silent drops: host memory is the
// real limit, and the engine warns when the advisory backlog threshold
// is exceeded.
type queue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []task
	closed bool
}

func newQueue() *queue {
	q := &queue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push appends a task. Fails once the queue is closed.
func (q *queue) push(t task) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return ErrShuttingDown
	}
	q.items = append(q.items, t)
	q.cond.Signal()
	return nil
}

// pop blocks until a task is available or the queue is drained after
// close. The second return is false only when the queue is closed and
// empty.
func (q *queue) pop() (task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}

	t := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return t, true
}

// len reports the current backlog.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// close stops accepting new tasks. Already-queued tasks still drain.
func (q *queue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}
