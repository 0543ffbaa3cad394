// Package schedule provides a keyed priority queue of one-shot tasks that a
// caller polls with the current time. Nothing in here starts timers; the
// owner decides when to call RunDue.
package schedule

import (
	"container/heap"
	"sync"
	"time"
)

// Func is the body of a scheduled task. It receives the time passed to RunDue.
type Func func(now time.Time)

type task struct {
	key   string
	due   time.Time
	fn    Func
	index int
}

type taskHeap []*task

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].due.Equal(h[j].due) {
		return h[i].key < h[j].key
	}
	return h[i].due.Before(h[j].due)
}

func (h taskHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *taskHeap) Push(x any) {
	t := x.(*task)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Queue holds at most one task per key, ordered by due time.
type Queue struct {
	mu    sync.Mutex
	heap  taskHeap
	byKey map[string]*task
}

func NewQueue() *Queue {
	return &Queue{byKey: make(map[string]*task)}
}

// Schedule arms fn to run at due. An existing task under the same key is
// replaced.
func (q *Queue) Schedule(key string, due time.Time, fn Func) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if t, ok := q.byKey[key]; ok {
		t.due = due
		t.fn = fn
		heap.Fix(&q.heap, t.index)
		return
	}
	t := &task{key: key, due: due, fn: fn}
	heap.Push(&q.heap, t)
	q.byKey[key] = t
}

// Cancel removes the task for key. It reports whether a task was pending.
func (q *Queue) Cancel(key string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&q.heap, t.index)
	delete(q.byKey, key)
	return true
}

// Pending reports whether a task is armed for key and when it is due.
func (q *Queue) Pending(key string) (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.byKey[key]
	if !ok {
		return time.Time{}, false
	}
	return t.due, true
}

// RunDue pops every task due at or before now and runs them in due order.
// Callbacks run without the queue lock held, so they may Schedule or Cancel.
func (q *Queue) RunDue(now time.Time) int {
	q.mu.Lock()
	var due []*task
	for q.heap.Len() > 0 && !q.heap[0].due.After(now) {
		t := heap.Pop(&q.heap).(*task)
		delete(q.byKey, t.key)
		due = append(due, t)
	}
	q.mu.Unlock()

	for _, t := range due {
		t.fn(now)
	}
	return len(due)
}

// Next returns the earliest due time, if any task is pending.
func (q *Queue) Next() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.heap.Len() == 0 {
		return time.Time{}, false
	}
	return q.heap[0].due, true
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.heap.Len()
}
