package planctx

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

func tasksWithDeps(edges map[string][]string) []*plan.Task {
	var tasks []*plan.Task
	for id, deps := range edges {
		tasks = append(tasks, &plan.Task{ID: id, Dependencies: deps})
	}
	return tasks
}

func TestPlanContext_RecordAndFetchResult(t *testing.T) {
	pc := New("plan-1", "demo plan", nil)
	pc.RecordResult("t1", plan.TaskResult{Success: true, Output: "done"})

	r, ok := pc.Result("t1")
	require.True(t, ok)
	assert.True(t, r.Success)
	assert.Equal(t, "done", r.Output)

	_, ok = pc.Result("missing")
	assert.False(t, ok)
}

func TestPlanContext_VariablesRoundTrip(t *testing.T) {
	pc := New("plan-1", "demo plan", nil)
	pc.SetVariable("count", 3)

	v, ok := pc.Variable("count")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestPlanContext_OutputsFilterByTaskAndKind(t *testing.T) {
	pc := New("plan-1", "demo plan", nil)
	pc.AppendOutput(PlanOutput{TaskID: "t1", Kind: OutputNote, Description: "note one"})
	pc.AppendOutput(PlanOutput{TaskID: "t2", Kind: OutputError, Description: "broke"})
	pc.AppendOutput(PlanOutput{TaskID: "t1", Kind: OutputArtifact, Description: "built thing"})

	t1Outputs := pc.OutputsForTask("t1")
	require.Len(t, t1Outputs, 2)
	assert.Equal(t, "note one", t1Outputs[0].Description)
	assert.Equal(t, "built thing", t1Outputs[1].Description)

	errOutputs := pc.OutputsByKind(OutputError)
	require.Len(t, errOutputs, 1)
	assert.Equal(t, "t2", errOutputs[0].TaskID)
}

func TestPlanContext_Summary(t *testing.T) {
	pc := New("plan-1", "build the thing", nil)
	pc.RecordResult("t1", plan.TaskResult{Success: true})
	pc.RecordResult("t2", plan.TaskResult{Success: false, Error: "boom"})
	pc.SetVariable("target", "linux")
	pc.AppendOutput(PlanOutput{TaskID: "t1", Kind: OutputNote, Description: "wrote file"})

	s := pc.Summary()
	assert.Contains(t, s, "Plan: build the thing")
	assert.Contains(t, s, "- t1: ok")
	assert.Contains(t, s, "- t2: failed: boom")
	assert.Contains(t, s, "- target = linux")
	assert.Contains(t, s, "[t1/note] wrote file")
}

func TestPlanContext_SerializeParseRoundTrip(t *testing.T) {
	pc := New("plan-1", "round trip", tasksWithDeps(map[string][]string{
		"a": nil,
		"b": {"a"},
	}))
	pc.RecordResult("a", plan.TaskResult{Success: true, Output: "ok"})
	pc.SetVariable("key", "value")
	pc.AppendOutput(PlanOutput{TaskID: "a", Kind: OutputArtifact, Description: "artifact"})

	data, err := pc.Serialize()
	require.NoError(t, err)

	restored, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "plan-1", restored.PlanID())

	r, ok := restored.Result("a")
	require.True(t, ok)
	assert.True(t, r.Success)

	v, ok := restored.Variable("key")
	require.True(t, ok)
	assert.Equal(t, "value", v)

	assert.Equal(t, []string{"a"}, restored.graph["b"])
}

func TestPlanContext_FindCycle_AcyclicReturnsNil(t *testing.T) {
	pc := New("plan-1", "dag", tasksWithDeps(map[string][]string{
		"a": nil,
		"b": {"a"},
		"c": {"a", "b"},
	}))
	assert.Nil(t, pc.FindCycle())
}

func TestPlanContext_FindCycle_DetectsCycle(t *testing.T) {
	pc := New("plan-1", "cyclic", tasksWithDeps(map[string][]string{
		"a": {"c"},
		"b": {"a"},
		"c": {"b"},
	}))
	cycle := pc.FindCycle()
	require.NotEmpty(t, cycle)
}

func TestPersistentStore_WriteResultIsLoadable(t *testing.T) {
	dir := t.TempDir()
	store, err := OpenPersistentStore(filepath.Join(dir, "db"), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		store.Run(ctx)
		close(done)
	}()

	pc := New("plan-1", "durable", nil).WithStore(store)
	pc.RecordResult("t1", plan.TaskResult{Success: true, Output: "persisted"})
	pc.AppendOutput(PlanOutput{TaskID: "t1", Kind: OutputNote, Description: "persisted note"})

	require.Eventually(t, func() bool {
		results, err := store.LoadResults("plan-1")
		if err != nil {
			return false
		}
		r, ok := results["t1"]
		return ok && r.Success
	}, time.Second, 10*time.Millisecond)

	outputs, err := store.LoadOutputs("plan-1")
	require.NoError(t, err)
	require.Len(t, outputs, 1)
	assert.Equal(t, "persisted note", outputs[0].Description)

	cancel()
	<-done
}

// TestProperty_FindCycleInvariant is testable property: FindCycle returns nil
// iff the dependency graph is acyclic, for randomly generated linear chains
// (always acyclic) and chains with an added back-edge (always cyclic).
func TestProperty_FindCycleInvariant(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	properties := gopter.NewProperties(parameters)

	properties.Property("linear chains are always acyclic", prop.ForAll(
		func(n int) bool {
			edges := make(map[string][]string)
			for i := 0; i < n; i++ {
				id := string(rune('a' + i))
				if i == 0 {
					edges[id] = nil
				} else {
					edges[id] = []string{string(rune('a' + i - 1))}
				}
			}
			pc := New("p", "chain", tasksWithDeps(edges))
			return pc.FindCycle() == nil
		},
		gen.IntRange(1, 15),
	))

	properties.Property("closing a chain into a loop is always cyclic", prop.ForAll(
		func(n int) bool {
			edges := make(map[string][]string)
			for i := 0; i < n; i++ {
				id := string(rune('a' + i))
				prev := string(rune('a' + (i-1+n)%n))
				edges[id] = []string{prev}
			}
			pc := New("p", "loop", tasksWithDeps(edges))
			return pc.FindCycle() != nil
		},
		gen.IntRange(2, 15),
	))

	properties.TestingRun(t)
}
