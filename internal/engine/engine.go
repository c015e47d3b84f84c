// Package engine implements the Execution Engine (§4.5): the top-level
// agentic loop that owns the scheduler, the tool executor, the current plan
// and its plan context, and drives tasks from Ready through Completed or
// Failed, broadcasting events as it goes.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
	"github.com/kaix-agent/kaix-core/internal/planctx"
	"github.com/kaix-agent/kaix-core/internal/provider"
	"github.com/kaix-agent/kaix-core/internal/queue"
	"github.com/kaix-agent/kaix-core/internal/toolexec"
)

// State is the engine's execution-state tag (§4.5).
type State string

const (
	StateIdle      State = "idle"
	StatePlanning  State = "planning"
	StateExecuting State = "executing"
	StatePaused    State = "paused"
	StateCancelled State = "cancelled"
)

// GlobalContext is the two-method external collaborator the engine consumes
// (§6.1). The core never depends on how the summary is produced.
type GlobalContext interface {
	Summary(ctx context.Context) (string, error)
	UpdateForFiles(ctx context.Context, paths []string) error
}

const (
	loopPaceInterval     = 10 * time.Millisecond
	maintenanceInterval  = 100 * time.Millisecond
	handleExpiryAge      = time.Hour
	shutdownDrainTimeout = 30 * time.Second
)

// Engine is the top-level agentic loop described in §4.5.
type Engine struct {
	cfg        Config
	model      string
	provider   provider.Interface
	executor   *toolexec.Executor
	executorMu sync.Mutex
	global     GlobalContext
	telemetry  *Telemetry
	log        *slog.Logger

	prompts *queue.PromptQueue
	tasks   *queue.TaskQueue

	events *EventBus

	mu         sync.RWMutex
	state      State
	curPlan    *plan.Plan
	curContext *planctx.PlanContext
	inFlight   map[string]*taskHandle
	startedAt  time.Time

	rootCtx    context.Context
	rootCancel context.CancelFunc
	loopDone   chan struct{}
}

// Options carries the optional collaborators a caller may supply; fields
// left zero get structurally-real defaults (no-op telemetry, nil global
// context treated as an empty summary).
type Options struct {
	Model     string
	Global    GlobalContext
	Telemetry *Telemetry
	Log       *slog.Logger
}

// New builds an Engine. executor must not be nil; p (the provider) must not
// be nil.
func New(cfg Config, p provider.Interface, executor *toolexec.Executor, opts Options) *Engine {
	telemetry := opts.Telemetry
	if telemetry == nil {
		telemetry = NoopTelemetry()
	}
	log := opts.Log
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		cfg:       cfg,
		model:     opts.Model,
		provider:  p,
		executor:  executor,
		global:    opts.Global,
		telemetry: telemetry,
		log:       log,
		prompts:   queue.NewPromptQueue(),
		tasks:     queue.NewTaskQueue(),
		events:    NewEventBus(),
		state:     StateIdle,
		inFlight:  make(map[string]*taskHandle),
	}
}

// Events returns a new subscription to the engine's broadcast event stream.
func (e *Engine) Events() <-chan Event {
	return e.events.Subscribe()
}

// State reports the engine's current execution-state tag.
func (e *Engine) State() State {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.state
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Status is a point-in-time snapshot for external observers (§6.3.1).
type Status struct {
	State           State  `json:"state"`
	PlanID          string `json:"plan_id,omitempty"`
	InFlightCount   int    `json:"in_flight_count"`
	TaskQueueSize   int    `json:"task_queue_size"`
	PromptQueueSize int    `json:"prompt_queue_size"`
	UptimeSeconds   int64  `json:"uptime_seconds"`
}

// Status returns a snapshot of engine state and queue depths.
func (e *Engine) Status() Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	planID := ""
	if e.curPlan != nil {
		planID = e.curPlan.ID
	}
	var uptime int64
	if !e.startedAt.IsZero() {
		uptime = int64(time.Since(e.startedAt).Seconds())
	}
	return Status{
		State:           e.state,
		PlanID:          planID,
		InFlightCount:   len(e.inFlight),
		TaskQueueSize:   e.tasks.Size(),
		PromptQueueSize: e.prompts.Len(),
		UptimeSeconds:   uptime,
	}
}

// Submit enqueues a user prompt for the main loop to consume.
func (e *Engine) Submit(p queue.UserPrompt) {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if p.Timestamp.IsZero() {
		p.Timestamp = time.Now()
	}
	e.prompts.Push(p)
}

// Start launches the main loop in a background goroutine. ctx governs the
// engine's entire lifetime; cancelling it (or calling Stop) begins shutdown.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	e.startedAt = time.Now()
	e.mu.Unlock()

	e.rootCtx, e.rootCancel = context.WithCancel(ctx)
	e.loopDone = make(chan struct{})

	e.events.Publish(Event{Kind: EventEngineStarted})
	go e.run()
}

// Stop signals cancellation, waits up to 30s for in-flight handles to drain,
// force-aborts any remainder, and transitions to Cancelled (§4.5 shutdown).
func (e *Engine) Stop() {
	if e.rootCancel == nil {
		return
	}
	e.rootCancel()

	select {
	case <-e.loopDone:
	case <-time.After(shutdownDrainTimeout):
		e.forceAbortAll()
	}

	e.setState(StateCancelled)
	e.events.Publish(Event{Kind: EventEngineStopped})
}

func (e *Engine) forceAbortAll() {
	e.mu.Lock()
	handles := make([]*taskHandle, 0, len(e.inFlight))
	for _, h := range e.inFlight {
		handles = append(handles, h)
	}
	e.mu.Unlock()
	for _, h := range handles {
		h.cancel()
	}
}

// run is the cooperative main loop (§4.5's 7-step iteration).
func (e *Engine) run() {
	defer close(e.loopDone)

	lastMaintenance := time.Now()

	for {
		if e.rootCtx.Err() != nil {
			e.drainInFlight()
			e.setState(StateIdle)
			return
		}

		if e.State() == StatePaused {
			time.Sleep(loopPaceInterval)
			continue
		}

		if e.pollCompletions() {
			continue
		}

		if p, ok := e.prompts.Pop(); ok {
			e.handlePrompt(e.rootCtx, p)
			continue
		}

		if e.inFlightCount() < e.cfg.MaxConcurrentTasks {
			if t, ok := e.tasks.Pop(); ok {
				e.spawnTask(e.rootCtx, t)
				continue
			}
		}

		if time.Since(lastMaintenance) >= maintenanceInterval {
			e.runMaintenance()
			lastMaintenance = time.Now()
		}

		time.Sleep(loopPaceInterval)
	}
}

func (e *Engine) inFlightCount() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.inFlight)
}

// pollCompletions checks in-flight handles for a finished outcome without
// blocking. Returns true if it processed one (so the loop should re-check
// from the top rather than proceed to prompt/spawn steps this iteration).
func (e *Engine) pollCompletions() bool {
	e.mu.RLock()
	handles := make([]*taskHandle, 0, len(e.inFlight))
	for _, h := range e.inFlight {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	for _, h := range handles {
		select {
		case outcome := <-h.done:
			e.completeTask(h, outcome)
			return true
		default:
		}
	}
	return false
}

func (e *Engine) runMaintenance() {
	e.mu.Lock()
	for id, h := range e.inFlight {
		if time.Since(h.startedAt) > handleExpiryAge {
			delete(e.inFlight, id)
		}
	}
	e.mu.Unlock()
}

// drainInFlight waits for every remaining in-flight handle to report an
// outcome before the loop returns to Idle.
func (e *Engine) drainInFlight() {
	e.mu.RLock()
	handles := make([]*taskHandle, 0, len(e.inFlight))
	for _, h := range e.inFlight {
		handles = append(handles, h)
	}
	e.mu.RUnlock()

	for _, h := range handles {
		<-h.done
		e.mu.Lock()
		delete(e.inFlight, h.task.ID)
		e.mu.Unlock()
	}
}

// handlePrompt implements §4.5's prompt handling. Emergency, Interrupt, and
// Normal currently behave identically — §9's documented open question notes
// the intended Interrupt/Normal distinction is deliberately unimplemented
// rather than guessed at.
func (e *Engine) handlePrompt(ctx context.Context, p queue.UserPrompt) {
	e.setState(StatePlanning)

	globalSummary := e.globalSummary(ctx)
	newPlan, err := e.provider.GeneratePlan(ctx, p.Content, globalSummary, e.model)
	if err != nil {
		e.log.Error("generate_plan failed", "prompt_id", p.ID, "error", err)
		e.setState(StateExecuting)
		return
	}

	e.tasks.Clear()
	pc := planctx.New(newPlan.ID, newPlan.Description, newPlan.Tasks)

	e.mu.Lock()
	e.curPlan = newPlan
	e.curContext = pc
	e.mu.Unlock()

	for _, t := range newPlan.Tasks {
		e.tasks.Push(t, queue.PriorityNormal)
	}

	e.events.Publish(Event{
		Kind:        EventPlanStarted,
		PlanID:      newPlan.ID,
		Description: newPlan.Description,
	})

	e.setState(StateExecuting)
}

func (e *Engine) globalSummary(ctx context.Context) string {
	if e.global == nil {
		return ""
	}
	summary, err := e.global.Summary(ctx)
	if err != nil {
		e.log.Warn("global context summary failed", "error", err)
		return ""
	}
	return summary
}

// spawnTask starts one task's pipeline in a background goroutine and
// registers its joinable handle.
func (e *Engine) spawnTask(ctx context.Context, t *plan.Task) {
	handle, childCtx := newTaskHandle(ctx, t)

	e.mu.Lock()
	e.inFlight[t.ID] = handle
	e.mu.Unlock()

	e.events.Publish(Event{Kind: EventTaskStarted, TaskID: t.ID, TaskKind: t.Kind.String(), Description: t.Description})
	e.telemetry.recordStarted(ctx)

	go func() {
		result, err := e.runTaskPipeline(childCtx, t)
		handle.finish(taskOutcome{result: result, err: err})
	}()
}

// completeTask processes one finished handle: §4.5 step 3's commit, event
// emission, and (on failure) adaptive decomposition.
func (e *Engine) completeTask(h *taskHandle, outcome taskOutcome) {
	e.mu.Lock()
	delete(e.inFlight, h.task.ID)
	pc := e.curContext
	p := e.curPlan
	e.mu.Unlock()

	result := outcome.result
	if outcome.err != nil {
		result = plan.TaskResult{Success: false, Error: outcome.err.Error()}
	}

	durationMs := time.Since(h.startedAt).Milliseconds()
	if result.DurationMs == 0 {
		result.DurationMs = durationMs
	}

	if pc != nil {
		pc.RecordResult(h.task.ID, result)
	}
	if p != nil {
		_ = p.SetResult(h.task.ID, result)
	}
	if result.Success {
		e.tasks.MarkCompleted(h.task.ID)
	} else {
		e.tasks.MarkFailed(h.task.ID)
	}

	e.telemetry.recordCompleted(e.rootCtx, result.Success, float64(durationMs))
	e.events.Publish(Event{
		Kind:            EventTaskCompleted,
		TaskID:          h.task.ID,
		TaskKind:        h.task.Kind.String(),
		Success:         result.Success,
		ExecutionTimeMs: durationMs,
	})

	if p != nil && p.Finished() {
		e.events.Publish(Event{Kind: EventPlanCompleted, PlanID: p.ID, Success: p.Status == plan.StatusCompleted, TotalTasks: len(p.Tasks)})
	}

	if !result.Success {
		e.handleFailure(e.rootCtx, h.task, result)
	}
}

// runTaskPipeline runs §4.5's per-task steps 1-4 (commit happens in
// completeTask once the outcome is observed by the loop).
func (e *Engine) runTaskPipeline(ctx context.Context, t *plan.Task) (plan.TaskResult, error) {
	ctx, span := e.telemetry.Tracer.Start(ctx, "task."+t.ID)
	defer span.End()

	e.mu.RLock()
	pc := e.curContext
	curPlan := e.curPlan
	e.mu.RUnlock()

	// 1. Context assembly.
	rc := provider.RefinementContext{
		GlobalContext: e.globalSummary(ctx),
	}
	if curPlan != nil {
		rc.PlanDescription = curPlan.Description
	}
	if pc != nil {
		rc.PlanContextText = pc.Summary()
	}
	for _, dep := range t.Dependencies {
		if pc == nil {
			continue
		}
		if r, ok := pc.Result(dep); ok {
			rc.DependencyOutputs = append(rc.DependencyOutputs, fmt.Sprintf("%s: %v", dep, r.Output))
		}
	}

	// 2. Refinement.
	refined, err := e.provider.RefineTask(ctx, t, rc, e.model)
	if err != nil {
		return plan.TaskResult{}, kerrors.Wrap(kerrors.KindTask, "refine_task failed for "+t.ID, err)
	}

	// 3. Execute — races the tool's own future against cancellation and a
	// per-task timeout.
	timeout := e.cfg.DefaultTimeout()
	assembled := strings.Join(append([]string{rc.GlobalContext, rc.PlanContextText}, rc.DependencyOutputs...), "\n")
	resultCh := make(chan plan.TaskResult, 1)
	go func() {
		e.executorMu.Lock()
		defer e.executorMu.Unlock()
		resultCh <- e.executor.Execute(ctx, t, refined, assembled, "")
	}()

	var result plan.TaskResult
	select {
	case result = <-resultCh:
	case <-ctx.Done():
		return plan.TaskResult{Success: false, Error: "cancelled"}, kerrors.NewCancelled(t.ID)
	case <-time.After(timeout):
		return plan.TaskResult{Success: false, Error: "timeout", DurationMs: timeout.Milliseconds()}, kerrors.NewTimeout(timeout.Milliseconds())
	}

	// 4. Analysis.
	analysis, err := e.provider.AnalyzeResult(ctx, t, provider.RawResult{
		Success:    result.Success,
		Output:     result.Output,
		Error:      result.Error,
		DurationMs: result.DurationMs,
	}, "", e.model)
	if err != nil {
		return result, nil
	}

	if pc != nil && analysis.Summary != "" {
		pc.AppendOutput(planctx.PlanOutput{
			TaskID:      t.ID,
			Description: analysis.Summary,
			Payload:     analysis.ExtractedData,
			Kind:        planctx.OutputNote,
		})
	}
	if len(analysis.ModifiedFiles) > 0 && e.global != nil {
		if err := e.global.UpdateForFiles(ctx, analysis.ModifiedFiles); err != nil {
			e.log.Warn("update_global_context_for_files failed", "error", err)
		}
	}

	return result, nil
}

// handleFailure implements §4.5's failure handling: adaptive decomposition
// when auto_retry is configured, and pause-on-error otherwise/in-addition.
func (e *Engine) handleFailure(ctx context.Context, t *plan.Task, result plan.TaskResult) {
	if e.cfg.AutoRetry {
		e.adaptiveDecompose(ctx, t, result)
	}
	if e.cfg.PauseOnError {
		e.setState(StatePaused)
	}
}

// adaptiveDecompose asks the provider why t failed, then asks it to
// synthesize replacement tasks addressing the diagnosis (§4.5).
func (e *Engine) adaptiveDecompose(ctx context.Context, t *plan.Task, result plan.TaskResult) {
	e.mu.RLock()
	pc := e.curContext
	e.mu.RUnlock()

	diagnosisPrompt := fmt.Sprintf(
		`Task %s failed: %s
Description: %s
Respond with JSON only: {"category": one of dependency_missing|command_not_found|permission_denied|network_error|syntax_error|resource_exhausted|timeout|other, "class": one of logical|environmental|mixed, "root_cause": string, "suggested_alternatives": [string, ...]}`,
		t.ID, result.Error, t.Description,
	)
	diagText, err := e.provider.GenerateContent(ctx, diagnosisPrompt, "", e.model, provider.GenConfig{})
	if err != nil {
		e.log.Warn("adaptive decomposition diagnosis failed", "task_id", t.ID, "error", err)
		return
	}
	diagnosis := parseDiagnosis(diagText)

	replacementPrompt := fmt.Sprintf(
		"Task %s failed. Category: %s. Class: %s. Root cause: %s. Suggested alternatives: %s.\nSynthesize replacement tasks (same plan exchange schema) that address this diagnosis.",
		t.ID, diagnosis.Category, diagnosis.Class, diagnosis.RootCause, strings.Join(diagnosis.SuggestedAlternatives, "; "),
	)
	replacementPlan, err := e.provider.GeneratePlan(ctx, replacementPrompt, e.globalSummary(ctx), e.model)
	if err != nil {
		e.log.Warn("adaptive decomposition synthesis failed", "task_id", t.ID, "error", err)
		return
	}

	for i, rt := range replacementPlan.Tasks {
		rt.ID = fmt.Sprintf("%s-alt-%d", t.ID, i+1)
		e.tasks.Push(rt, queue.PriorityHigh)
		if pc != nil {
			pc.AppendOutput(planctx.PlanOutput{
				TaskID:      t.ID,
				Description: "adaptive decomposition replacement: " + rt.ID,
				Kind:        planctx.OutputNote,
			})
		}
	}
}
