// Package planctx implements the Context Manager's plan-local surface
// (§4.6): per-plan runtime state consumed by the provider's refine/analyze
// round-trips — task results, named variables, an append-only output log,
// and the dependency graph, plus the textual summary fed into refinement
// prompts.
package planctx

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
)

// OutputKind tags a PlanOutput's payload shape.
type OutputKind string

const (
	OutputArtifact         OutputKind = "artifact"
	OutputNote             OutputKind = "note"
	OutputFileModification OutputKind = "file_modification"
	OutputError            OutputKind = "error"
)

// PlanOutput is one append-only record produced while executing a plan.
type PlanOutput struct {
	TaskID      string     `json:"task_id"`
	Description string     `json:"description"`
	Payload     any        `json:"payload,omitempty"`
	Kind        OutputKind `json:"kind"`
	Timestamp   time.Time  `json:"timestamp"`
}

// PlanContext is the per-plan runtime state described in §3/§4.6.
type PlanContext struct {
	mu sync.RWMutex

	planID      string
	description string
	results     map[string]plan.TaskResult
	variables   map[string]any
	outputs     []PlanOutput
	graph       map[string][]string

	createdAt time.Time
	updatedAt time.Time

	store *PersistentStore
}

// New creates a PlanContext for planID, optionally seeded with tasks to
// pre-populate the dependency graph.
func New(planID, description string, tasks []*plan.Task) *PlanContext {
	now := time.Now()
	pc := &PlanContext{
		planID:      planID,
		description: description,
		results:     make(map[string]plan.TaskResult),
		variables:   make(map[string]any),
		graph:       make(map[string][]string, len(tasks)),
		createdAt:   now,
		updatedAt:   now,
	}
	for _, t := range tasks {
		pc.graph[t.ID] = append([]string(nil), t.Dependencies...)
	}
	return pc
}

// WithStore attaches a PersistentStore that subsequently recorded task
// results and appended outputs are asynchronously mirrored to; variables are
// not persisted. The in-memory PlanContext stays authoritative; nothing here
// blocks on the store.
func (pc *PlanContext) WithStore(store *PersistentStore) *PlanContext {
	pc.store = store
	return pc
}

// PlanID returns the owning plan's identifier.
func (pc *PlanContext) PlanID() string { return pc.planID }

// RecordResult stores result for taskID, replacing any prior result for the
// same id and updating the last-updated timestamp.
func (pc *PlanContext) RecordResult(taskID string, result plan.TaskResult) {
	pc.mu.Lock()
	pc.results[taskID] = result
	pc.updatedAt = time.Now()
	pc.mu.Unlock()

	if pc.store != nil {
		pc.store.writeResult(pc.planID, taskID, result)
	}
}

// Result looks up the recorded result for taskID.
func (pc *PlanContext) Result(taskID string) (plan.TaskResult, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	r, ok := pc.results[taskID]
	return r, ok
}

// SetVariable writes a named variable.
func (pc *PlanContext) SetVariable(key string, value any) {
	pc.mu.Lock()
	pc.variables[key] = value
	pc.updatedAt = time.Now()
	pc.mu.Unlock()
}

// Variable reads a named variable.
func (pc *PlanContext) Variable(key string) (any, bool) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	v, ok := pc.variables[key]
	return v, ok
}

// AppendOutput appends o to the output log, stamping Timestamp if unset.
func (pc *PlanContext) AppendOutput(o PlanOutput) {
	if o.Timestamp.IsZero() {
		o.Timestamp = time.Now()
	}
	pc.mu.Lock()
	pc.outputs = append(pc.outputs, o)
	pc.updatedAt = time.Now()
	pc.mu.Unlock()

	if pc.store != nil {
		pc.store.writeOutput(pc.planID, o)
	}
}

// OutputsForTask returns outputs in append order for taskID.
func (pc *PlanContext) OutputsForTask(taskID string) []PlanOutput {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	var out []PlanOutput
	for _, o := range pc.outputs {
		if o.TaskID == taskID {
			out = append(out, o)
		}
	}
	return out
}

// OutputsByKind returns outputs in append order matching kind.
func (pc *PlanContext) OutputsByKind(kind OutputKind) []PlanOutput {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	var out []PlanOutput
	for _, o := range pc.outputs {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	return out
}

// Summary builds the textual combination of task outcomes, variables, and
// outputs fed into refinement prompts (§4.6).
func (pc *PlanContext) Summary() string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	var b strings.Builder
	b.WriteString("Plan: ")
	b.WriteString(pc.description)
	b.WriteString("\n")

	if len(pc.results) > 0 {
		b.WriteString("Task results:\n")
		ids := make([]string, 0, len(pc.results))
		for id := range pc.results {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			r := pc.results[id]
			status := "ok"
			if !r.Success {
				status = "failed: " + r.Error
			}
			fmt.Fprintf(&b, "- %s: %s\n", id, status)
		}
	}

	if len(pc.variables) > 0 {
		b.WriteString("Variables:\n")
		keys := make([]string, 0, len(pc.variables))
		for k := range pc.variables {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "- %s = %v\n", k, pc.variables[k])
		}
	}

	if len(pc.outputs) > 0 {
		b.WriteString("Outputs:\n")
		for _, o := range pc.outputs {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", o.TaskID, o.Kind, o.Description)
		}
	}

	return b.String()
}

// wireContext is the JSON-like serialization shape for PlanContext.
type wireContext struct {
	PlanID      string                       `json:"plan_id"`
	Description string                       `json:"description"`
	Results     map[string]plan.TaskResult   `json:"results"`
	Variables   map[string]any               `json:"variables"`
	Outputs     []PlanOutput                 `json:"outputs"`
	Graph       map[string][]string          `json:"graph"`
	CreatedAt   time.Time                    `json:"created_at"`
	UpdatedAt   time.Time                    `json:"updated_at"`
}

// Serialize encodes the PlanContext to its JSON document form.
func (pc *PlanContext) Serialize() ([]byte, error) {
	pc.mu.RLock()
	defer pc.mu.RUnlock()
	wc := wireContext{
		PlanID:      pc.planID,
		Description: pc.description,
		Results:     pc.results,
		Variables:   pc.variables,
		Outputs:     pc.outputs,
		Graph:       pc.graph,
		CreatedAt:   pc.createdAt,
		UpdatedAt:   pc.updatedAt,
	}
	return json.Marshal(wc)
}

// Parse decodes a PlanContext previously produced by Serialize.
func Parse(data []byte) (*PlanContext, error) {
	var wc wireContext
	if err := json.Unmarshal(data, &wc); err != nil {
		return nil, kerrors.Wrap(kerrors.KindSerialization, "invalid plan context document", err)
	}
	pc := &PlanContext{
		planID:      wc.PlanID,
		description: wc.Description,
		results:     wc.Results,
		variables:   wc.Variables,
		outputs:     wc.Outputs,
		graph:       wc.Graph,
		createdAt:   wc.CreatedAt,
		updatedAt:   wc.UpdatedAt,
	}
	if pc.results == nil {
		pc.results = make(map[string]plan.TaskResult)
	}
	if pc.variables == nil {
		pc.variables = make(map[string]any)
	}
	if pc.graph == nil {
		pc.graph = make(map[string][]string)
	}
	return pc, nil
}

// FindCycle runs DFS over the dependency graph, returning the node ids
// forming a back-edge cycle, or nil if the graph is acyclic (§4.6).
func (pc *PlanContext) FindCycle() []string {
	pc.mu.RLock()
	defer pc.mu.RUnlock()

	const (
		white = 0
		gray  = 1
		black = 2
	)
	color := make(map[string]int, len(pc.graph))

	type frame struct {
		id   string
		next int
	}

	ids := make([]string, 0, len(pc.graph))
	for id := range pc.graph {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	for _, start := range ids {
		if color[start] != white {
			continue
		}
		stack := []frame{{id: start}}
		color[start] = gray
		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := pc.graph[top.id]
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
			}
		}
	}
	return nil
}
