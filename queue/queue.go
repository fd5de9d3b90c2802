// Package queue implements the bounded priority queue that the resource
// pool parks tasks in when capacity is unavailable: a binary max-heap
// keyed on (priority descending, created-at ascending), giving O(log n)
// enqueue/dequeue and O(n) deadline pruning.
package queue

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/flowlot/parkinglot/task"
)

// ErrQueueFull is returned by Enqueue when the queue is already at its
// configured depth limit.
var ErrQueueFull = errors.New("queue: at max depth")

// heapSlice implements container/heap.Interface over *task.Scheduled[P].
// Less defines the strict priority-then-FIFO order required by the
// scheduler: higher Priority first, and within equal Priority, smaller
// CreatedAtMS (earlier submission) first.
type heapSlice[P any] []*task.Scheduled[P]

func (h heapSlice[P]) Len() int { return len(h) }

func (h heapSlice[P]) Less(i, j int) bool {
	a, b := h[i].Meta, h[j].Meta
	if a.Priority != b.Priority {
		return a.Priority > b.Priority
	}
	return a.CreatedAtMS < b.CreatedAtMS
}

func (h heapSlice[P]) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *heapSlice[P]) Push(x any) {
	*h = append(*h, x.(*task.Scheduled[P]))
}

func (h *heapSlice[P]) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// Queue is a bounded, thread-safe priority queue of scheduled tasks. It
// has no internal concurrency model beyond its own mutex: callers that
// need to coordinate enqueue/dequeue with other state (e.g. capacity
// accounting) must hold their own external lock around the sequence of
// operations that needs to be atomic with respect to that state.
type Queue[P any] struct {
	mu       sync.Mutex
	h        heapSlice[P]
	maxDepth int
}

// New creates a Queue bounded at maxDepth. A non-positive maxDepth means
// unbounded (used only by tests; production configs must set a positive
// MaxQueueDepth per PoolLimits).
func New[P any](maxDepth int) *Queue[P] {
	return &Queue[P]{
		h:        make(heapSlice[P], 0),
		maxDepth: maxDepth,
	}
}

// Enqueue inserts task in O(log n). It fails with ErrQueueFull if the
// queue is already at maxDepth.
func (q *Queue[P]) Enqueue(t *task.Scheduled[P]) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.maxDepth > 0 && len(q.h) >= q.maxDepth {
		return ErrQueueFull
	}
	heap.Push(&q.h, t)
	return nil
}

// Dequeue removes and returns the highest-ranked task, or nil if empty.
func (q *Queue[P]) Dequeue() *task.Scheduled[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return heap.Pop(&q.h).(*task.Scheduled[P])
}

// Peek returns the highest-ranked task without removing it, or nil if
// empty.
func (q *Queue[P]) Peek() *task.Scheduled[P] {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.h) == 0 {
		return nil
	}
	return q.h[0]
}

// PruneExpired removes every task whose DeadlineMS is set and < nowMS,
// and returns the count removed. Allowed to be O(n): it rebuilds the
// heap from the surviving tasks, which also re-establishes the heap
// invariant in one pass rather than requiring n individual Remove calls.
func (q *Queue[P]) PruneExpired(nowMS int64) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	survivors := make(heapSlice[P], 0, len(q.h))
	removed := 0
	for _, t := range q.h {
		if t.Meta.DeadlineMS != nil && *t.Meta.DeadlineMS < nowMS {
			removed++
			continue
		}
		survivors = append(survivors, t)
	}
	if removed == 0 {
		return 0
	}
	heap.Init(&survivors)
	q.h = survivors
	return removed
}

// Len returns the current number of parked tasks.
func (q *Queue[P]) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.h)
}

// MaxDepth returns the configured bound (0 means unbounded).
func (q *Queue[P]) MaxDepth() int {
	return q.maxDepth
}
