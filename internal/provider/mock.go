package provider

import (
	"context"
	"sync"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

// Mock is an in-process Provider used by tests: every operation is backed by
// a caller-supplied function, defaulting to a canned, deterministic
// response so tests that don't care about a given operation can ignore it.
type Mock struct {
	mu sync.Mutex

	ListModelsFunc     func(ctx context.Context) ([]ModelInfo, error)
	GenerateFunc       func(ctx context.Context, messages []Message, model string, tools []ToolDefinition, cfg GenConfig) (LlmResponse, error)
	GeneratePlanFunc   func(ctx context.Context, userRequest, projectContext, model string) (*plan.Plan, error)
	GenerateContentFn  func(ctx context.Context, prompt, context_ string, model string, cfg GenConfig) (string, error)
	RefineTaskFunc     func(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error)
	AnalyzeResultFunc  func(ctx context.Context, task *plan.Task, raw RawResult, expectedOutcome string, model string) (TaskAnalysis, error)

	Calls []string
}

// NewMock returns a Mock with conservative canned defaults for every op.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Calls = append(m.Calls, op)
}

func (m *Mock) ListModels(ctx context.Context) ([]ModelInfo, error) {
	m.record("list_models")
	if m.ListModelsFunc != nil {
		return m.ListModelsFunc(ctx)
	}
	return []ModelInfo{{ID: "mock-model"}}, nil
}

func (m *Mock) Generate(ctx context.Context, messages []Message, model string, tools []ToolDefinition, cfg GenConfig) (LlmResponse, error) {
	m.record("generate")
	if m.GenerateFunc != nil {
		return m.GenerateFunc(ctx, messages, model, tools, cfg)
	}
	return LlmResponse{Content: "ok", FinishReason: "stop"}, nil
}

func (m *Mock) GeneratePlan(ctx context.Context, userRequest, projectContext, model string) (*plan.Plan, error) {
	m.record("generate_plan")
	if m.GeneratePlanFunc != nil {
		return m.GeneratePlanFunc(ctx, userRequest, projectContext, model)
	}
	return plan.Parse([]byte(`{"description":"mock plan","tasks":[]}`))
}

func (m *Mock) GenerateContent(ctx context.Context, prompt, context_ string, model string, cfg GenConfig) (string, error) {
	m.record("generate_content")
	if m.GenerateContentFn != nil {
		return m.GenerateContentFn(ctx, prompt, context_, model, cfg)
	}
	return "generated: " + prompt, nil
}

func (m *Mock) RefineTask(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error) {
	m.record("refine_task")
	if m.RefineTaskFunc != nil {
		return m.RefineTaskFunc(ctx, task, rc, model)
	}
	return task.Description, nil
}

func (m *Mock) AnalyzeResult(ctx context.Context, task *plan.Task, raw RawResult, expectedOutcome string, model string) (TaskAnalysis, error) {
	m.record("analyze_result")
	if m.AnalyzeResultFunc != nil {
		return m.AnalyzeResultFunc(ctx, task, raw, expectedOutcome, model)
	}
	return TaskAnalysis{Success: raw.Success, Summary: "mock analysis"}, nil
}

var _ Interface = (*Mock)(nil)
