package engine

import (
	"context"
	"time"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

// taskOutcome is the single value a task handle's channel ever carries —
// exactly one send, then the channel is abandoned for garbage collection.
type taskOutcome struct {
	result plan.TaskResult
	err    error
}

// taskHandle is a joinable in-flight task record (§9: "the correct design is
// to store joinable handles so cancellation is precise and orphan detection
// is mechanical" — replacing the source's non-abortable handle-plus-shared-
// token pattern).
type taskHandle struct {
	task      *plan.Task
	cancel    context.CancelFunc
	done      chan taskOutcome
	startedAt time.Time
}

func newTaskHandle(ctx context.Context, t *plan.Task) (*taskHandle, context.Context) {
	childCtx, cancel := context.WithCancel(ctx)
	return &taskHandle{
		task:      t,
		cancel:    cancel,
		done:      make(chan taskOutcome, 1),
		startedAt: time.Now(),
	}, childCtx
}

// finish delivers outcome exactly once and releases the handle's context.
func (h *taskHandle) finish(outcome taskOutcome) {
	h.cancel()
	h.done <- outcome
}
