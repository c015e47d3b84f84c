package queue

import (
	"sync"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

// TaskPriority is the priority band a queued task is scanned under.
type TaskPriority int

const (
	PriorityCritical TaskPriority = iota
	PriorityHigh
	PriorityNormal
	PriorityLow
)

var priorityOrder = []TaskPriority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow}

// entry pairs a Task with its assigned band, preserving FIFO order within a
// band via append-only insertion into that band's slice.
type entry struct {
	task     *plan.Task
	priority TaskPriority
}

// TaskQueue tracks declared tasks banded by priority, plus the completed and
// in-progress id sets used to compute readiness (§4.3).
type TaskQueue struct {
	mu sync.RWMutex

	bands       map[TaskPriority][]entry
	completed   map[string]bool
	inProgress  map[string]bool
}

// NewTaskQueue returns an empty task queue.
func NewTaskQueue() *TaskQueue {
	return &TaskQueue{
		bands:      make(map[TaskPriority][]entry),
		completed:  make(map[string]bool),
		inProgress: make(map[string]bool),
	}
}

// Clear discards every declared task and in-progress/completed marker,
// returning the queue to its just-constructed state — used when an
// Emergency/Interrupt/Normal prompt installs a new plan (§4.5).
func (q *TaskQueue) Clear() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.bands = make(map[TaskPriority][]entry)
	q.completed = make(map[string]bool)
	q.inProgress = make(map[string]bool)
}

// Push declares t under priority band pr. Declaring the same task id twice
// replaces its prior band/position.
func (q *TaskQueue) Push(t *plan.Task, pr TaskPriority) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.removeLocked(t.ID)
	q.bands[pr] = append(q.bands[pr], entry{task: t, priority: pr})
}

func (q *TaskQueue) isReadyLocked(t *plan.Task) bool {
	for _, dep := range t.Dependencies {
		if !q.completed[dep] {
			return false
		}
	}
	return true
}

// Pop walks bands Critical→Low, returns the first ready task in FIFO order
// within its band, removes it from the band, and marks it in-progress.
func (q *TaskQueue) Pop() (*plan.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, pr := range priorityOrder {
		band := q.bands[pr]
		for i, e := range band {
			if q.inProgress[e.task.ID] || q.completed[e.task.ID] {
				continue
			}
			if !q.isReadyLocked(e.task) {
				continue
			}
			q.bands[pr] = append(append([]entry{}, band[:i]...), band[i+1:]...)
			q.inProgress[e.task.ID] = true
			return e.task, true
		}
	}
	return nil, false
}

// MarkCompleted moves id from in-progress to completed, unblocking any
// dependent tasks' next Pop.
func (q *TaskQueue) MarkCompleted(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, id)
	q.completed[id] = true
}

// MarkFailed removes id from in-progress without marking it completed, so
// dependents never become ready unless adaptive decomposition injects
// replacement tasks.
func (q *TaskQueue) MarkFailed(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.inProgress, id)
}

// Contains reports whether id is declared anywhere in the queue (any band,
// in-progress, or completed).
func (q *TaskQueue) Contains(id string) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.completed[id] || q.inProgress[id] {
		return true
	}
	for _, band := range q.bands {
		for _, e := range band {
			if e.task.ID == id {
				return true
			}
		}
	}
	return false
}

// Remove deletes id from its band if present (no-op if in-progress/completed
// or absent). Returns whether a task was removed.
func (q *TaskQueue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.removeLocked(id)
}

func (q *TaskQueue) removeLocked(id string) bool {
	for pr, band := range q.bands {
		for i, e := range band {
			if e.task.ID == id {
				q.bands[pr] = append(append([]entry{}, band[:i]...), band[i+1:]...)
				return true
			}
		}
	}
	return false
}

// SetPriority changes a declared, not-yet-popped task's band by removing and
// reinserting it at the tail of the new band.
func (q *TaskQueue) SetPriority(id string, pr TaskPriority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for curPr, band := range q.bands {
		for i, e := range band {
			if e.task.ID == id {
				q.bands[curPr] = append(append([]entry{}, band[:i]...), band[i+1:]...)
				q.bands[pr] = append(q.bands[pr], entry{task: e.task, priority: pr})
				return true
			}
		}
	}
	return false
}

// Size returns the number of declared tasks still waiting in a priority
// band — tasks already popped into in-progress or completed are not
// counted (use InProgressCount/CompletedCount for those).
func (q *TaskQueue) Size() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, band := range q.bands {
		n += len(band)
	}
	return n
}

// ReadyCount reports declared-but-not-started tasks whose dependencies are
// all completed.
func (q *TaskQueue) ReadyCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, band := range q.bands {
		for _, e := range band {
			if q.isReadyLocked(e.task) {
				n++
			}
		}
	}
	return n
}

// WaitingCount reports declared tasks that are not yet ready (some
// dependency incomplete).
func (q *TaskQueue) WaitingCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	n := 0
	for _, band := range q.bands {
		for _, e := range band {
			if !q.isReadyLocked(e.task) {
				n++
			}
		}
	}
	return n
}

// InProgressCount reports tasks currently popped and not yet marked
// completed or failed.
func (q *TaskQueue) InProgressCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.inProgress)
}

// CompletedCount reports tasks marked completed.
func (q *TaskQueue) CompletedCount() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.completed)
}

// BandCounts returns the number of declared (not in-progress/completed)
// tasks per priority band.
func (q *TaskQueue) BandCounts() map[TaskPriority]int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make(map[TaskPriority]int, len(priorityOrder))
	for _, pr := range priorityOrder {
		out[pr] = len(q.bands[pr])
	}
	return out
}
