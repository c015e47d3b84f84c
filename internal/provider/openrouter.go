package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
)

// OpenRouter is the Provider variant backed by OpenRouter's OpenAI-wire-
// compatible chat-completions endpoint, via github.com/sashabaranov/go-openai
// with a custom BaseURL.
type OpenRouter struct {
	client *openai.Client
	model  string
	log    *slog.Logger
}

// NewOpenRouter builds an OpenRouter-backed provider. apiKey/baseURL/model
// follow the teacher's {prefix}_{KEY} env-resolution idiom at the call site
// (see NewOpenRouterFromEnv); this constructor takes already-resolved values
// so it stays independently testable.
func NewOpenRouter(apiKey, baseURL, model string, log *slog.Logger) *OpenRouter {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	} else {
		cfg.BaseURL = "https://openrouter.ai/api/v1"
	}
	if log == nil {
		log = slog.Default()
	}
	return &OpenRouter{client: openai.NewClientWithConfig(cfg), model: model, log: log}
}

// NewOpenRouterFromEnv resolves {prefix}_API_KEY / {prefix}_BASE_URL /
// {prefix}_MODEL, falling back to the shared OPENAI_* variable for any
// unset tier variable — the same per-tier-with-shared-fallback pattern the
// teacher's internal/llm.NewTier used.
func NewOpenRouterFromEnv(prefix string, log *slog.Logger) *OpenRouter {
	get := func(suffix string) string {
		if v := os.Getenv(prefix + "_" + suffix); v != "" {
			return v
		}
		return os.Getenv("OPENAI_" + suffix)
	}
	return NewOpenRouter(get("API_KEY"), get("BASE_URL"), get("MODEL"), log)
}

func (o *OpenRouter) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return o.model
}

func translateErr(err error) error {
	if err == nil {
		return nil
	}
	var apiErr *openai.APIError
	if asAPIError(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 401 || apiErr.HTTPStatusCode == 403:
			return kerrors.NewAuthentication(apiErr.Message)
		case apiErr.HTTPStatusCode == 429:
			// go-openai's APIError doesn't surface the response headers, so
			// there's no Retry-After hint to read here; the retry wrapper
			// falls back to its exponential schedule for this provider.
			return kerrors.NewRateLimit(apiErr.Message, 0)
		case apiErr.HTTPStatusCode >= 500:
			return kerrors.NewRequestFailed(apiErr.HTTPStatusCode, apiErr.Message)
		case apiErr.HTTPStatusCode >= 400:
			return kerrors.NewRequestFailed(apiErr.HTTPStatusCode, apiErr.Message)
		}
	}
	return kerrors.NewNetwork("openrouter request failed", err)
}

func asAPIError(err error, target **openai.APIError) bool {
	ae, ok := err.(*openai.APIError)
	if ok {
		*target = ae
	}
	return ok
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		out = append(out, openai.ChatCompletionMessage{
			Role:       string(m.Role),
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		})
	}
	return out
}

func toOpenAITools(tools []ToolDefinition) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		params, _ := json.Marshal(t.Parameters)
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(params),
			},
		})
	}
	return out
}

func (o *OpenRouter) ListModels(ctx context.Context) ([]ModelInfo, error) {
	resp, err := o.client.ListModels(ctx)
	if err != nil {
		return nil, translateErr(err)
	}
	out := make([]ModelInfo, 0, len(resp.Models))
	for _, m := range resp.Models {
		out = append(out, ModelInfo{ID: m.ID})
	}
	return out, nil
}

func (o *OpenRouter) Generate(ctx context.Context, messages []Message, model string, tools []ToolDefinition, cfg GenConfig) (LlmResponse, error) {
	req := openai.ChatCompletionRequest{
		Model:    o.resolveModel(model),
		Messages: toOpenAIMessages(messages),
		Tools:    toOpenAITools(tools),
	}
	if cfg.Temperature != nil {
		req.Temperature = float32(*cfg.Temperature)
	}
	if cfg.MaxTokens != nil {
		req.MaxTokens = *cfg.MaxTokens
	}

	o.log.Debug("openrouter generate request", "model", req.Model, "messages", len(messages))
	resp, err := o.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return LlmResponse{}, translateErr(err)
	}
	if len(resp.Choices) == 0 {
		return LlmResponse{}, kerrors.NewInvalidResponse("no choices returned")
	}
	choice := resp.Choices[0]
	var calls []ToolCall
	for _, tc := range choice.Message.ToolCalls {
		var args map[string]any
		_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)
		calls = append(calls, ToolCall{ID: tc.ID, Name: tc.Function.Name, Arguments: args})
	}
	return LlmResponse{
		Content:      choice.Message.Content,
		ToolCalls:    calls,
		FinishReason: string(choice.FinishReason),
		Usage: &Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}, nil
}

func (o *OpenRouter) GeneratePlan(ctx context.Context, userRequest, projectContext, model string) (*plan.Plan, error) {
	sys := "You are a planning engine. Respond with ONLY a JSON document matching the plan schema: " +
		`{"description": string, "tasks": [{"id","description","task_type","parameters","dependencies"}]}.`
	resp, err := o.Generate(ctx, []Message{
		{Role: RoleSystem, Content: sys + "\nProject context:\n" + projectContext},
		{Role: RoleUser, Content: userRequest},
	}, model, nil, GenConfig{})
	if err != nil {
		return nil, err
	}
	cleaned := StripFences(resp.Content)
	p, err := plan.Parse([]byte(cleaned))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInvalidResponse, "malformed plan JSON", err)
	}
	return p, nil
}

func (o *OpenRouter) GenerateContent(ctx context.Context, prompt, context_ string, model string, cfg GenConfig) (string, error) {
	resp, err := o.Generate(ctx, []Message{
		{Role: RoleSystem, Content: "Context:\n" + context_},
		{Role: RoleUser, Content: prompt},
	}, model, nil, cfg)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (o *OpenRouter) RefineTask(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error) {
	var b strings.Builder
	b.WriteString(rc.GlobalContext)
	b.WriteString("\n")
	b.WriteString(rc.PlanContextText)
	for _, out := range rc.DependencyOutputs {
		b.WriteString("\n")
		b.WriteString(out)
	}
	temp := 0.3
	resp, err := o.Generate(ctx, []Message{
		{Role: RoleSystem, Content: "Refine the following abstract task into one concrete, executable instruction.\n" +
			"Plan: " + rc.PlanDescription + "\nContext:\n" + b.String()},
		{Role: RoleUser, Content: task.Description},
	}, model, nil, GenConfig{Temperature: &temp})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (o *OpenRouter) AnalyzeResult(ctx context.Context, task *plan.Task, raw RawResult, expectedOutcome string, model string) (TaskAnalysis, error) {
	payload, _ := json.Marshal(raw)
	sys := "Analyze this tool execution result. Respond with ONLY a JSON document: " +
		`{"success","summary","details","extracted_data","suggested_next_steps","context_update","modified_files","error","metadata"}.`
	resp, err := o.Generate(ctx, []Message{
		{Role: RoleSystem, Content: sys + "\nExpected outcome: " + expectedOutcome},
		{Role: RoleUser, Content: fmt.Sprintf("Task: %s\nResult: %s", task.Description, string(payload))},
	}, model, nil, GenConfig{})
	if err != nil {
		return TaskAnalysis{}, err
	}
	return ParseTaskAnalysis(resp.Content), nil
}

var _ Interface = (*OpenRouter)(nil)
