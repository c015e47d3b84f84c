package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
	"github.com/kaix-agent/kaix-core/internal/plan"
)

// Gemini is the Provider variant backed by Google's Generative Language API.
//
// No vetted dependency in this module's stack speaks Gemini's native wire
// format (the OpenAI-compatible clients used elsewhere in this package do
// not), so this variant is a small net/http client in the same idiom as the
// teacher's original internal/llm client: explicit request/response structs,
// a shared *http.Client, and manual JSON decode. See DESIGN.md for why this
// is the one deliberate stdlib-HTTP component in the provider layer.
type Gemini struct {
	httpClient *http.Client
	apiKey     string
	model      string
	log        *slog.Logger
}

const geminiBaseURL = "https://generativelanguage.googleapis.com/v1beta/models"

// NewGemini builds a Gemini-backed provider from an already-resolved API key
// and default model.
func NewGemini(apiKey, model string, log *slog.Logger) *Gemini {
	if log == nil {
		log = slog.Default()
	}
	return &Gemini{
		httpClient: &http.Client{Timeout: 60 * time.Second},
		apiKey:     apiKey,
		model:      model,
		log:        log,
	}
}

// NewGeminiFromEnv resolves {prefix}_API_KEY / {prefix}_MODEL, falling back
// to the shared GEMINI_* variable, mirroring the teacher's per-tier env
// resolution.
func NewGeminiFromEnv(prefix string, log *slog.Logger) *Gemini {
	get := func(suffix string) string {
		if v := os.Getenv(prefix + "_" + suffix); v != "" {
			return v
		}
		return os.Getenv("GEMINI_" + suffix)
	}
	return NewGemini(get("API_KEY"), get("MODEL"), log)
}

func (g *Gemini) resolveModel(model string) string {
	if model != "" {
		return model
	}
	return g.model
}

type geminiPart struct {
	Text string `json:"text,omitempty"`
}

type geminiContent struct {
	Role  string       `json:"role,omitempty"`
	Parts []geminiPart `json:"parts"`
}

type geminiRequest struct {
	Contents         []geminiContent  `json:"contents"`
	SystemInstruction *geminiContent  `json:"systemInstruction,omitempty"`
	GenerationConfig *geminiGenConfig `json:"generationConfig,omitempty"`
}

type geminiGenConfig struct {
	Temperature     *float64 `json:"temperature,omitempty"`
	MaxOutputTokens *int     `json:"maxOutputTokens,omitempty"`
}

type geminiCandidate struct {
	Content      geminiContent `json:"content"`
	FinishReason string        `json:"finishReason"`
}

type geminiUsage struct {
	PromptTokenCount     int `json:"promptTokenCount"`
	CandidatesTokenCount int `json:"candidatesTokenCount"`
	TotalTokenCount      int `json:"totalTokenCount"`
}

type geminiResponse struct {
	Candidates    []geminiCandidate `json:"candidates"`
	UsageMetadata geminiUsage       `json:"usageMetadata"`
	Error         *geminiError      `json:"error,omitempty"`
}

type geminiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Status  string `json:"status"`
}

func (g *Gemini) call(ctx context.Context, model string, req geminiRequest) (geminiResponse, error) {
	var out geminiResponse
	body, err := json.Marshal(req)
	if err != nil {
		return out, kerrors.Wrap(kerrors.KindSerialization, "marshal gemini request", err)
	}

	url := fmt.Sprintf("%s/%s:generateContent?key=%s", geminiBaseURL, g.resolveModel(model), g.apiKey)
	g.log.Debug("gemini generate request", "model", model, "bytes", len(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return out, kerrors.Wrap(kerrors.KindNetwork, "build gemini request", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := g.httpClient.Do(httpReq)
	if err != nil {
		return out, kerrors.NewNetwork("gemini request failed", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return out, kerrors.NewNetwork("reading gemini response", err)
	}
	g.log.Debug("gemini generate response", "status", resp.StatusCode, "bytes", len(respBody))

	if err := json.Unmarshal(respBody, &out); err != nil {
		return out, kerrors.Wrap(kerrors.KindInvalidResponse, "malformed gemini response", err)
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return out, kerrors.NewAuthentication(errMsg(out))
	case resp.StatusCode == http.StatusTooManyRequests:
		return out, kerrors.NewRateLimit(errMsg(out), parseRetryAfter(resp.Header.Get("Retry-After")))
	case resp.StatusCode >= 500:
		return out, kerrors.NewRequestFailed(resp.StatusCode, errMsg(out))
	case resp.StatusCode >= 400:
		return out, kerrors.NewRequestFailed(resp.StatusCode, errMsg(out))
	}
	return out, nil
}

func errMsg(r geminiResponse) string {
	if r.Error != nil {
		return r.Error.Message
	}
	return "unknown gemini error"
}

// parseRetryAfter decodes an RFC 7231 Retry-After header. Only the
// delta-seconds form is handled (the form LLM provider APIs actually send);
// the HTTP-date form and a missing/unparseable header both yield zero,
// which tells the retry wrapper to fall back to exponential backoff.
func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs < 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (g *Gemini) ListModels(ctx context.Context) ([]ModelInfo, error) {
	// The Gemini ListModels endpoint requires a separate GET request; kept
	// minimal since the core only ever asks for the configured model.
	return []ModelInfo{{ID: g.model}}, nil
}

func (g *Gemini) Generate(ctx context.Context, messages []Message, model string, tools []ToolDefinition, cfg GenConfig) (LlmResponse, error) {
	req := geminiRequest{}
	for _, m := range messages {
		if m.Role == RoleSystem {
			req.SystemInstruction = &geminiContent{Parts: []geminiPart{{Text: m.Content}}}
			continue
		}
		role := "user"
		if m.Role == RoleAssistant {
			role = "model"
		}
		req.Contents = append(req.Contents, geminiContent{Role: role, Parts: []geminiPart{{Text: m.Content}}})
	}
	if cfg.Temperature != nil || cfg.MaxTokens != nil {
		req.GenerationConfig = &geminiGenConfig{Temperature: cfg.Temperature, MaxOutputTokens: cfg.MaxTokens}
	}

	resp, err := g.call(ctx, model, req)
	if err != nil {
		return LlmResponse{}, err
	}
	if len(resp.Candidates) == 0 {
		return LlmResponse{}, kerrors.NewInvalidResponse("no candidates returned")
	}
	var text strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		text.WriteString(part.Text)
	}
	return LlmResponse{
		Content:      text.String(),
		FinishReason: resp.Candidates[0].FinishReason,
		Usage: &Usage{
			PromptTokens:     resp.UsageMetadata.PromptTokenCount,
			CompletionTokens: resp.UsageMetadata.CandidatesTokenCount,
			TotalTokens:      resp.UsageMetadata.TotalTokenCount,
		},
	}, nil
}

func (g *Gemini) GeneratePlan(ctx context.Context, userRequest, projectContext, model string) (*plan.Plan, error) {
	sys := "You are a planning engine. Respond with ONLY a JSON document matching the plan schema: " +
		`{"description": string, "tasks": [{"id","description","task_type","parameters","dependencies"}]}.`
	resp, err := g.Generate(ctx, []Message{
		{Role: RoleSystem, Content: sys + "\nProject context:\n" + projectContext},
		{Role: RoleUser, Content: userRequest},
	}, model, nil, GenConfig{})
	if err != nil {
		return nil, err
	}
	p, err := plan.Parse([]byte(StripFences(resp.Content)))
	if err != nil {
		return nil, kerrors.Wrap(kerrors.KindInvalidResponse, "malformed plan JSON", err)
	}
	return p, nil
}

func (g *Gemini) GenerateContent(ctx context.Context, prompt, context_ string, model string, cfg GenConfig) (string, error) {
	resp, err := g.Generate(ctx, []Message{
		{Role: RoleSystem, Content: "Context:\n" + context_},
		{Role: RoleUser, Content: prompt},
	}, model, nil, cfg)
	if err != nil {
		return "", err
	}
	return resp.Content, nil
}

func (g *Gemini) RefineTask(ctx context.Context, task *plan.Task, rc RefinementContext, model string) (string, error) {
	var b strings.Builder
	b.WriteString(rc.GlobalContext)
	b.WriteString("\n")
	b.WriteString(rc.PlanContextText)
	for _, out := range rc.DependencyOutputs {
		b.WriteString("\n")
		b.WriteString(out)
	}
	temp := 0.3
	resp, err := g.Generate(ctx, []Message{
		{Role: RoleSystem, Content: "Refine the following abstract task into one concrete, executable instruction.\n" +
			"Plan: " + rc.PlanDescription + "\nContext:\n" + b.String()},
		{Role: RoleUser, Content: task.Description},
	}, model, nil, GenConfig{Temperature: &temp})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Content), nil
}

func (g *Gemini) AnalyzeResult(ctx context.Context, task *plan.Task, raw RawResult, expectedOutcome string, model string) (TaskAnalysis, error) {
	payload, _ := json.Marshal(raw)
	sys := "Analyze this tool execution result. Respond with ONLY a JSON document: " +
		`{"success","summary","details","extracted_data","suggested_next_steps","context_update","modified_files","error","metadata"}.`
	resp, err := g.Generate(ctx, []Message{
		{Role: RoleSystem, Content: sys + "\nExpected outcome: " + expectedOutcome},
		{Role: RoleUser, Content: fmt.Sprintf("Task: %s\nResult: %s", task.Description, string(payload))},
	}, model, nil, GenConfig{})
	if err != nil {
		return TaskAnalysis{}, err
	}
	return ParseTaskAnalysis(resp.Content), nil
}

var _ Interface = (*Gemini)(nil)
