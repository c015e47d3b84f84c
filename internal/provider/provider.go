// Package provider implements the Provider Interface (§4.2): a capability
// abstraction over an LLM backend with variants for OpenRouter and Google
// Gemini, plus an in-process Mock for tests, wrapped in a shared retry
// policy.
package provider

import (
	"context"

	"github.com/kaix-agent/kaix-core/internal/plan"
)

// Role identifies the speaker of one Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ToolCall is a structured tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one neutral chat turn; providers translate to/from their own
// wire schema.
type Message struct {
	Role       Role       `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // set on Role==Tool
}

// ToolDefinition advertises one callable tool to the model.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// GenConfig carries optional generation knobs. Zero value means "use the
// provider's defaults".
type GenConfig struct {
	Temperature *float64
	MaxTokens   *int
}

// Usage reports token accounting for one call.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// LlmResponse is the result of a generate call.
type LlmResponse struct {
	Content      string     `json:"content,omitempty"`
	ToolCalls    []ToolCall `json:"tool_calls,omitempty"`
	FinishReason string     `json:"finish_reason"`
	Usage        *Usage     `json:"usage,omitempty"`
}

// ModelInfo describes one model available from a provider.
type ModelInfo struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// RefinementContext is the assembled context passed to refine_task (§4.5
// step 1): a plan description, the external global-context summary, the
// current plan context's summary, and dependency outputs as text.
type RefinementContext struct {
	PlanDescription   string
	GlobalContext     string
	PlanContextText   string
	DependencyOutputs []string
}

// TaskAnalysis is the permissively-parsed result of analyze_result (§4.2).
// Missing fields default to empty/false/nil; Success defaults to false.
type TaskAnalysis struct {
	Success        bool           `json:"success"`
	Summary        string         `json:"summary"`
	Details        string         `json:"details"`
	ExtractedData  any            `json:"extracted_data,omitempty"`
	SuggestedSteps []string       `json:"suggested_next_steps,omitempty"`
	ContextUpdate  map[string]any `json:"context_update,omitempty"`
	ModifiedFiles  []string       `json:"modified_files,omitempty"`
	ErrorDesc      string         `json:"error,omitempty"`
	Metadata       map[string]any `json:"metadata,omitempty"`
}

// RawResult is the raw tool execution outcome fed into analyze_result.
type RawResult struct {
	Success    bool
	Output     any
	Error      string
	DurationMs int64
}

// Provider is the capability set every backend variant implements.
type Provider struct{} // marker type retained for doc purposes; the real contract is the interface below

// Interface is the polymorphic Provider contract (§4.2). Named Interface
// rather than Provider so call sites read provider.Interface, matching the
// spec's "Provider Interface" terminology without shadowing the package name.
type Interface interface {
	ListModels(ctx context.Context) ([]ModelInfo, error)
	Generate(ctx context.Context, messages []Message, model string, tools []ToolDefinition, cfg GenConfig) (LlmResponse, error)
	GeneratePlan(ctx context.Context, userRequest, projectContext, model string) (*plan.Plan, error)
	GenerateContent(ctx context.Context, prompt, context_ string, model string, cfg GenConfig) (string, error)
	RefineTask(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error)
	AnalyzeResult(ctx context.Context, task *plan.Task, raw RawResult, expectedOutcome string, model string) (TaskAnalysis, error)
}

// ParseTaskAnalysis permissively decodes a JSON blob into a TaskAnalysis,
// never failing on missing fields (§4.2: "Parsing is permissive").
func ParseTaskAnalysis(raw string) TaskAnalysis {
	var ta TaskAnalysis
	_ = decodeLenient(raw, &ta)
	return ta
}
