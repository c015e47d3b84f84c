package statusapi

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaix-agent/kaix-core/internal/audit"
	"github.com/kaix-agent/kaix-core/internal/engine"
	"github.com/kaix-agent/kaix-core/internal/provider"
	"github.com/kaix-agent/kaix-core/internal/sandbox"
	"github.com/kaix-agent/kaix-core/internal/toolexec"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	mock := provider.NewMock()
	ex := toolexec.New(sb, audit.New(nil), mock)
	eng := engine.New(engine.DefaultConfig(), mock, ex, engine.Options{Model: "mock-model"})
	return New(DefaultConfig(), eng, nil)
}

func TestHandleStatus_ReturnsJSONSnapshot(t *testing.T) {
	s := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/status", nil)
	rec := httptest.NewRecorder()
	s.router().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	var status engine.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, engine.StateIdle, status.State)
}

func TestHandleEvents_StreamsEngineStartedAsNDJSON(t *testing.T) {
	sb, err := sandbox.New(t.TempDir())
	require.NoError(t, err)
	mock := provider.NewMock()
	ex := toolexec.New(sb, audit.New(nil), mock)
	eng := engine.New(engine.DefaultConfig(), mock, ex, engine.Options{Model: "mock-model"})

	s := New(DefaultConfig(), eng, nil)

	reqCtx, reqCancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/events", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()

	done := make(chan struct{})
	go func() {
		s.router().ServeHTTP(rec, req)
		close(done)
	}()

	// Give the handler a moment to subscribe before the engine publishes
	// EngineStarted, then cancel the request so the handler returns and it
	// becomes safe to read the recorder's body from this goroutine.
	time.Sleep(20 * time.Millisecond)
	eng.Start(context.Background())
	defer eng.Stop()

	time.Sleep(200 * time.Millisecond)
	reqCancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not return after context cancellation")
	}

	scanner := bufio.NewScanner(rec.Body)
	found := false
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var evt engine.Event
		if err := json.Unmarshal([]byte(line), &evt); err == nil && evt.Kind == engine.EventEngineStarted {
			found = true
			break
		}
	}
	assert.True(t, found, "expected an engine_started event in the NDJSON stream")
}

func TestDefaultConfig_HasLoopbackAddrAndCORS(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "127.0.0.1:8787", cfg.Addr)
	assert.True(t, cfg.EnableCORS)
}
