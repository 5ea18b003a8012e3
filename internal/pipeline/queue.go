package pipeline

import (
	"slices"
	"sync"

	"github.com/lthms/weave/internal/types"
)

// Queue is the ordered list of pending tasks. The scheduler is its only
// consumer; stage population and the ingestion tracker both produce into
// it, possibly from other goroutines.
type Queue struct {
	mu     sync.Mutex
	tasks  []types.Task
	notify func(length int)
}

// NewQueue returns an empty queue. notify, if non-nil, is called after
// every push and pop with the new length, outside the lock.
func NewQueue(notify func(length int)) *Queue {
	return &Queue{notify: notify}
}

func (q *Queue) changed(n int) {
	if q.notify != nil {
		q.notify(n)
	}
}

// Enqueue appends t.
func (q *Queue) Enqueue(t types.Task) {
	q.mu.Lock()
	q.tasks = append(q.tasks, t)
	n := len(q.tasks)
	q.mu.Unlock()
	q.changed(n)
}

// EnqueueMany appends tasks in order.
func (q *Queue) EnqueueMany(tasks []types.Task) {
	if len(tasks) == 0 {
		return
	}
	q.mu.Lock()
	q.tasks = append(q.tasks, tasks...)
	n := len(q.tasks)
	q.mu.Unlock()
	q.changed(n)
}

// DequeueForStage removes and returns the earliest task for stage. Tasks
// for other stages stay in place, in order.
func (q *Queue) DequeueForStage(stage types.Stage) (types.Task, bool) {
	q.mu.Lock()
	idx := -1
	for i, t := range q.tasks {
		if t.Stage == stage {
			idx = i
			break
		}
	}
	if idx < 0 {
		q.mu.Unlock()
		return types.Task{}, false
	}
	t := q.tasks[idx]
	q.tasks = slices.Delete(q.tasks, idx, idx+1)
	n := len(q.tasks)
	q.mu.Unlock()
	q.changed(n)
	return t, true
}

// Snapshot returns a copy of the pending tasks in order.
func (q *Queue) Snapshot() []types.Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]types.Task, len(q.tasks))
	copy(out, q.tasks)
	return out
}

// Restore replaces the contents with tasks, but only when the queue is
// empty. It reports whether the restore happened.
func (q *Queue) Restore(tasks []types.Task) bool {
	q.mu.Lock()
	if len(q.tasks) > 0 {
		q.mu.Unlock()
		return false
	}
	q.tasks = append([]types.Task(nil), tasks...)
	n := len(q.tasks)
	q.mu.Unlock()
	q.changed(n)
	return true
}

// Len returns the number of pending tasks across all stages.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}
