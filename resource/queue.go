package resource

import (
	"container/heap"
	"sync"
)

// downloadTask is one queued unit of work. A task carries the upstream
// coordinates needed for the bridge call plus the shared Info record.
type downloadTask struct {
	info      *Info
	msgID     string
	elementID string
	source    string
	fileUUID  string

	priority int
	seq      int64 // tie-break: lower is earlier
	index    int
}

// taskHeap orders by priority desc, then insertion order.
type taskHeap []*downloadTask

func (h taskHeap) Len() int { return len(h) }
func (h taskHeap) Less(i, j int) bool {
	if h[i].priority != h[j].priority {
		return h[i].priority > h[j].priority
	}
	return h[i].seq < h[j].seq
}
func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}
func (h *taskHeap) Push(x any) {
	t := x.(*downloadTask)
	t.index = len(*h)
	*h = append(*h, t)
}
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// downloadQueue is a blocking priority queue. Close wakes all waiters.
type downloadQueue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	heap    taskHeap
	nextSeq int64
	headSeq int64
	closed  bool
}

func newDownloadQueue() *downloadQueue {
	q := &downloadQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// push enqueues by the task's priority in insertion order. Reports false
// when the queue is already closed.
func (q *downloadQueue) push(t *downloadTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.nextSeq++
	t.seq = q.nextSeq
	heap.Push(&q.heap, t)
	q.cond.Signal()
	return true
}

// pushFront re-queues a failed task ahead of everything else. Reports false
// when the queue is already closed.
func (q *downloadQueue) pushFront(t *downloadTask) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return false
	}
	q.headSeq--
	t.priority = int(^uint(0) >> 1) // max int
	t.seq = q.headSeq
	heap.Push(&q.heap, t)
	q.cond.Signal()
	return true
}

// pop blocks until a task is available or the queue is closed.
func (q *downloadQueue) pop() (*downloadTask, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.heap) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.heap) == 0 {
		return nil, false
	}
	return heap.Pop(&q.heap).(*downloadTask), true
}

// close wakes all waiting workers; pending tasks are still drained.
func (q *downloadQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

func (q *downloadQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.heap)
}
