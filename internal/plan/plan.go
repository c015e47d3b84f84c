// Package plan implements the Plan & Task Model: the typed representation of
// plans, tasks, dependencies, statuses and results described in the core's
// data model, along with parsing from and serialization to the provider's
// JSON plan-exchange schema.
package plan

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
)

// Status is a Plan's overall lifecycle state.
type Status string

const (
	StatusReady     Status = "ready"
	StatusExecuting Status = "executing"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// TaskStatus is one Task's lifecycle state.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskReady      TaskStatus = "ready"
	TaskInProgress TaskStatus = "in_progress"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskSkipped    TaskStatus = "skipped"
)

// Kind is the enumerated tag dispatched on at every call site. String names
// only appear at the serialization boundary (wireKind/kindFromWire below).
type Kind int

const (
	KindReadFile Kind = iota
	KindWriteFile
	KindExecuteCommand
	KindGenerateContent
	KindAnalyzeCode
	KindListFiles
	KindCreateDirectory
	KindDelete
)

var kindToWire = map[Kind]string{
	KindReadFile:        "read_file",
	KindWriteFile:       "write_file",
	KindExecuteCommand:  "execute_command",
	KindGenerateContent: "generate_content",
	KindAnalyzeCode:     "analyze_code",
	KindListFiles:       "list_files",
	KindCreateDirectory: "create_directory",
	KindDelete:          "delete",
}

var wireToKind = func() map[string]Kind {
	m := make(map[string]Kind, len(kindToWire))
	for k, v := range kindToWire {
		m[v] = k
	}
	return m
}()

func (k Kind) String() string {
	if s, ok := kindToWire[k]; ok {
		return s
	}
	return "unknown"
}

func KindFromWire(s string) (Kind, bool) {
	k, ok := wireToKind[s]
	return k, ok
}

// TaskResult is the outcome of one execution attempt.
type TaskResult struct {
	Success     bool           `json:"success"`
	Output      any            `json:"output,omitempty"`
	Error       string         `json:"error,omitempty"`
	DurationMs  int64          `json:"duration_ms"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Task is one tool invocation within a Plan.
type Task struct {
	ID              string         `json:"id"`
	Description     string         `json:"description"`
	Kind            Kind           `json:"-"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	Dependencies    []string       `json:"dependencies,omitempty"`
	Status          TaskStatus     `json:"status"`
	Result          *TaskResult    `json:"result,omitempty"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
}

// Plan is a named unit of work: an ordered collection of Tasks plus status.
type Plan struct {
	ID          string    `json:"id"`
	Description string    `json:"description"`
	Tasks       []*Task   `json:"tasks"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`

	byID map[string]*Task
}

func (p *Plan) index() map[string]*Task {
	if p.byID == nil {
		p.byID = make(map[string]*Task, len(p.Tasks))
		for _, t := range p.Tasks {
			p.byID[t.ID] = t
		}
	}
	return p.byID
}

// Task looks up a task by id.
func (p *Plan) Task(id string) (*Task, bool) {
	t, ok := p.index()[id]
	return t, ok
}

// ReadyTasks returns Pending tasks whose prerequisites are all Completed.
func (p *Plan) ReadyTasks() []*Task {
	idx := p.index()
	var out []*Task
	for _, t := range p.Tasks {
		if t.Status != TaskPending {
			continue
		}
		ready := true
		for _, dep := range t.Dependencies {
			pt, ok := idx[dep]
			if !ok || pt.Status != TaskCompleted {
				ready = false
				break
			}
		}
		if ready {
			out = append(out, t)
		}
	}
	return out
}

// TerminalTasks returns tasks that nothing else in the plan depends on.
func (p *Plan) TerminalTasks() []*Task {
	hasDependent := make(map[string]bool, len(p.Tasks))
	for _, t := range p.Tasks {
		for _, dep := range t.Dependencies {
			hasDependent[dep] = true
		}
	}
	var out []*Task
	for _, t := range p.Tasks {
		if !hasDependent[t.ID] {
			out = append(out, t)
		}
	}
	return out
}

// Finished reports whether the plan has reached a terminal status.
func (p *Plan) Finished() bool {
	switch p.Status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Recompute derives Status from task statuses per the invariant in §3:
// Completed only when every task is Completed or Skipped; Failed when at
// least one task is Failed and no retry (Pending/Ready/InProgress) remains.
func (p *Plan) Recompute() {
	allDone := true
	anyFailed := false
	anyPending := false
	for _, t := range p.Tasks {
		switch t.Status {
		case TaskCompleted, TaskSkipped:
		case TaskFailed:
			anyFailed = true
			allDone = false
		default:
			allDone = false
			anyPending = true
		}
	}
	switch {
	case allDone:
		p.Status = StatusCompleted
	case anyFailed && !anyPending:
		p.Status = StatusFailed
	}
	p.UpdatedAt = time.Now()
}

// SetResult records the outcome of one execution attempt, transitioning the
// task's status to Completed or Failed. Returns a NotFound-kind "unknown
// task" error if id is absent.
func (p *Plan) SetResult(id string, result TaskResult) error {
	t, ok := p.Task(id)
	if !ok {
		return kerrors.New(kerrors.KindNotFound, "unknown task: "+id)
	}
	t.Result = &result
	if result.Success {
		t.Status = TaskCompleted
	} else {
		t.Status = TaskFailed
	}
	t.UpdatedAt = time.Now()
	p.Recompute()
	return nil
}

// --- Wire format (§6.2) ---

type wireTask struct {
	ID           string         `json:"id"`
	Description  string         `json:"description"`
	TaskType     string         `json:"task_type"`
	Parameters   map[string]any `json:"parameters,omitempty"`
	Dependencies []string       `json:"dependencies,omitempty"`
}

type wirePlan struct {
	Description string     `json:"description"`
	Tasks       []wireTask `json:"tasks"`
}

// Parse decodes a Plan from the provider's JSON plan-exchange schema (§6.2).
// It fails with a Planning-kind "invalid plan" error if a dependency
// reference is absent, a cycle exists, or a task kind is unknown.
func Parse(data []byte) (*Plan, error) {
	var wp wirePlan
	if err := json.Unmarshal(data, &wp); err != nil {
		return nil, kerrors.Wrap(kerrors.KindInvalidResponse, "invalid plan JSON", err)
	}

	now := time.Now()
	p := &Plan{
		ID:          uuid.NewString(),
		Description: wp.Description,
		Status:      StatusReady,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	ids := make(map[string]bool, len(wp.Tasks))
	for _, wt := range wp.Tasks {
		ids[wt.ID] = true
	}

	for _, wt := range wp.Tasks {
		kind, ok := KindFromWire(wt.TaskType)
		if !ok {
			return nil, kerrors.New(kerrors.KindPlanning, "invalid plan: unknown task kind "+wt.TaskType)
		}
		for _, dep := range wt.Dependencies {
			if !ids[dep] {
				return nil, kerrors.New(kerrors.KindPlanning, "invalid plan: dependency "+dep+" not found for task "+wt.ID)
			}
		}
		p.Tasks = append(p.Tasks, &Task{
			ID:           wt.ID,
			Description:  wt.Description,
			Kind:         kind,
			Parameters:   wt.Parameters,
			Dependencies: wt.Dependencies,
			Status:       TaskPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		})
	}

	if cyc := findCycle(p.Tasks); cyc != nil {
		return nil, kerrors.New(kerrors.KindPlanning, "invalid plan: dependency cycle through "+cyc[0])
	}

	return p, nil
}

// Serialize encodes a Plan back to the §6.2 schema.
func (p *Plan) Serialize() ([]byte, error) {
	wp := wirePlan{Description: p.Description}
	for _, t := range p.Tasks {
		wp.Tasks = append(wp.Tasks, wireTask{
			ID:           t.ID,
			Description:  t.Description,
			TaskType:     t.Kind.String(),
			Parameters:   t.Parameters,
			Dependencies: t.Dependencies,
		})
	}
	return json.Marshal(wp)
}

// colour marks used by the iterative white/gray/black DFS in findCycle.
const (
	white = 0
	gray  = 1
	black = 2
)

// findCycle runs iterative depth-first marking over the dependency graph and
// returns the node ids forming a cycle, or nil if the graph is acyclic.
func findCycle(tasks []*Task) []string {
	byID := make(map[string]*Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}
	color := make(map[string]int, len(tasks))

	type frame struct {
		id   string
		next int
	}

	for _, t := range tasks {
		if color[t.ID] != white {
			continue
		}
		stack := []frame{{id: t.ID}}
		color[t.ID] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := byID[top.id].Dependencies
			if top.next >= len(deps) {
				color[top.id] = black
				stack = stack[:len(stack)-1]
				continue
			}
			dep := deps[top.next]
			top.next++
			switch color[dep] {
			case white:
				color[dep] = gray
				stack = append(stack, frame{id: dep})
			case gray:
				cyc := make([]string, 0, len(stack))
				for _, f := range stack {
					cyc = append(cyc, f.id)
				}
				return append(cyc, dep)
			case black:
				// already fully explored via another path
			}
		}
	}
	return nil
}
