// Package queue implements the Dual-Queue Scheduler (§4.3): a LIFO-with-
// priority user-prompt queue and a FIFO priority-banded, dependency-filtered
// task queue. Each is its own goroutine-safe structure guarded by its own
// sync.RWMutex, the same explicit-ownership idiom the teacher's Bus uses for
// its subscriber maps.
package queue

import (
	"sync"
	"time"
)

// PromptPriority orders UserPrompt insertion within the prompt queue.
type PromptPriority int

const (
	PromptNormal PromptPriority = iota
	PromptInterrupt
	PromptEmergency
)

// UserPrompt is one queued request (§3).
type UserPrompt struct {
	ID        string
	Content   string
	Timestamp time.Time
	Priority  PromptPriority
}

// PromptQueue holds UserPrompts LIFO-within-priority-band: Emergency prompts
// go to the front; Interrupt prompts go behind existing Emergency prompts but
// in front of earlier Interrupt and all Normal prompts; Normal prompts append
// to the tail.
type PromptQueue struct {
	mu      sync.RWMutex
	prompts []UserPrompt
}

// NewPromptQueue returns an empty prompt queue.
func NewPromptQueue() *PromptQueue {
	return &PromptQueue{}
}

// Push inserts p according to its priority band. Within the Emergency and
// Interrupt bands, the newest prompt is always popped first (LIFO); Normal
// prompts are popped in submission order (FIFO) — see §8 testable property
// "Prompt ordering" and §4.3's "the newest urgent signal always wins".
func (q *PromptQueue) Push(p UserPrompt) {
	q.mu.Lock()
	defer q.mu.Unlock()

	switch p.Priority {
	case PromptEmergency:
		q.prompts = append([]UserPrompt{p}, q.prompts...)
	case PromptInterrupt:
		// Goes behind any existing Emergency prompt but ahead of every
		// existing Interrupt/Normal prompt, so the newest Interrupt wins.
		idx := 0
		for i, existing := range q.prompts {
			if existing.Priority != PromptEmergency {
				break
			}
			idx = i + 1
		}
		q.prompts = append(q.prompts, UserPrompt{})
		copy(q.prompts[idx+1:], q.prompts[idx:])
		q.prompts[idx] = p
	default: // PromptNormal
		q.prompts = append(q.prompts, p)
	}
}

// Pop removes and returns the prompt at the front of the queue, or false if
// empty.
func (q *PromptQueue) Pop() (UserPrompt, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.prompts) == 0 {
		return UserPrompt{}, false
	}
	p := q.prompts[0]
	q.prompts = q.prompts[1:]
	return p, true
}

// Len reports the number of queued prompts.
func (q *PromptQueue) Len() int {
	q.mu.RLock()
	defer q.mu.RUnlock()
	return len(q.prompts)
}

// Peek returns a snapshot of queued prompts in pop order, without mutating
// the queue.
func (q *PromptQueue) Peek() []UserPrompt {
	q.mu.RLock()
	defer q.mu.RUnlock()
	out := make([]UserPrompt, len(q.prompts))
	copy(out, q.prompts)
	return out
}
