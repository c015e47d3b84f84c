package provider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaix-agent/kaix-core/internal/kerrors"
)

func newTestGemini(t *testing.T, handler http.HandlerFunc) *Gemini {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	g := NewGemini("test-key", "gemini-test", nil)
	g.httpClient = srv.Client()
	// redirect the package-level base URL indirectly by rewriting geminiBaseURL
	// is not possible (it's a const); instead point the client at the server
	// by overriding call() behavior is out of scope — tests exercise call()
	// through a transport that rewrites the host.
	g.httpClient.Transport = rewriteHostTransport{target: srv.URL}
	return g
}

// rewriteHostTransport redirects every request to target, preserving path
// and query, so tests can hit an httptest server despite geminiBaseURL being
// a compile-time constant.
type rewriteHostTransport struct{ target string }

func (rt rewriteHostTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	targetURL, err := req.URL.Parse(rt.target + req.URL.Path + "?" + req.URL.RawQuery)
	if err != nil {
		return nil, err
	}
	req2 := req.Clone(req.Context())
	req2.URL = targetURL
	req2.Host = ""
	return http.DefaultTransport.RoundTrip(req2)
}

func TestGemini_Generate_Success(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		resp := geminiResponse{
			Candidates: []geminiCandidate{{
				Content:      geminiContent{Parts: []geminiPart{{Text: "hello there"}}},
				FinishReason: "STOP",
			}},
			UsageMetadata: geminiUsage{PromptTokenCount: 5, CandidatesTokenCount: 2, TotalTokenCount: 7},
		}
		_ = json.NewEncoder(w).Encode(resp)
	})

	resp, err := g.Generate(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, "", nil, GenConfig{})
	require.NoError(t, err)
	assert.Equal(t, "hello there", resp.Content)
	assert.Equal(t, "STOP", resp.FinishReason)
	require.NotNil(t, resp.Usage)
	assert.Equal(t, 7, resp.Usage.TotalTokens)
}

func TestGemini_Generate_AuthenticationError(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(geminiResponse{Error: &geminiError{Code: 401, Message: "bad key"}})
	})

	_, err := g.Generate(context.Background(), nil, "", nil, GenConfig{})
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindAuthentication, kind)
}

func TestGemini_Generate_RateLimitError(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_ = json.NewEncoder(w).Encode(geminiResponse{Error: &geminiError{Code: 429, Message: "slow down"}})
	})

	_, err := g.Generate(context.Background(), nil, "", nil, GenConfig{})
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindRateLimit, kind)
}

func TestGemini_Generate_NoCandidatesIsInvalidResponse(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(geminiResponse{})
	})

	_, err := g.Generate(context.Background(), nil, "", nil, GenConfig{})
	require.Error(t, err)
	kind, ok := kerrors.KindOf(err)
	require.True(t, ok)
	assert.Equal(t, kerrors.KindInvalidResponse, kind)
}

func TestGemini_GeneratePlan_ParsesCleanPlanJSON(t *testing.T) {
	g := newTestGemini(t, func(w http.ResponseWriter, r *http.Request) {
		resp := geminiResponse{Candidates: []geminiCandidate{{
			Content:      geminiContent{Parts: []geminiPart{{Text: "```json\n{\"description\":\"do thing\",\"tasks\":[]}\n```"}}},
			FinishReason: "STOP",
		}}}
		_ = json.NewEncoder(w).Encode(resp)
	})

	p, err := g.GeneratePlan(context.Background(), "do thing", "", "")
	require.NoError(t, err)
	assert.Equal(t, "do thing", p.Description)
}

var _ Interface = (*Gemini)(nil)
