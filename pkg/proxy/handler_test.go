package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/loops"
	"github.com/cuahq/conductor/pkg/orchestrator"
	"github.com/cuahq/conductor/pkg/schema"
	"github.com/cuahq/conductor/pkg/session"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestHandler wires a dispatcher over a fake chat-completions server
// that always answers with a terminal reply.
func newTestHandler(t *testing.T) (*Handler, *computer.RecorderProvisioner) {
	t.Helper()

	model := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"done\":\"task complete\"}"}}],"usage":{"prompt_tokens":40,"completion_tokens":8,"total_tokens":48}}`)
	}))
	t.Cleanup(model.Close)

	cfg := &config.Config{}
	cfg.SetDefaults()
	cfg.Pool.AcquireTimeout = time.Second

	resolver := loops.NewResolver(loops.Options{
		BaseURLs: map[string]string{llm.ProviderOllama: model.URL},
		Logger:   testLogger(),
	})

	prov := &computer.RecorderProvisioner{}
	pool := session.NewPool(prov, session.PoolOptions{
		Size:           cfg.Pool.Size,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		SweepInterval:  time.Hour,
		Logger:         testLogger(),
	})
	mgr := session.NewManager(pool, session.ManagerOptions{SweepInterval: time.Hour, Logger: testLogger()})
	t.Cleanup(func() { _ = mgr.Shutdown(context.Background()) })

	return NewHandler(cfg, resolver, mgr, testLogger()), prov
}

func taskRequest(model, task string) *Request {
	return &Request{
		Model: model,
		Input: Input{Messages: []schema.Message{schema.UserMessage(task)}},
	}
}

func TestDispatchCompletesRun(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Dispatch(context.Background(), taskRequest("ollama_chat/test-vlm", "open settings"), "")
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	assert.Empty(t, resp.Error)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, 48, resp.Usage.TotalTokens)

	require.NotEmpty(t, resp.Output)
	last := resp.Output[len(resp.Output)-1]
	assert.Equal(t, schema.MessageAssistant, last.Type)
	assert.Equal(t, "task complete", last.Text())
}

func TestDispatchReusesSession(t *testing.T) {
	h, prov := newTestHandler(t)

	req := taskRequest("ollama_chat/test-vlm", "first")
	req.AgentKwargs = map[string]any{"session_id": "sess-1"}
	resp := h.Dispatch(context.Background(), req, "")
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	assert.Equal(t, "sess-1", resp.SessionID)

	resp = h.Dispatch(context.Background(), taskRequest("ollama_chat/test-vlm", "second"), "sess-1")
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	assert.Equal(t, "sess-1", resp.SessionID)
	assert.Equal(t, 1, prov.Created(), "same session keeps the same computer")
}

func TestDispatchHeaderSessionLosesToKwargs(t *testing.T) {
	h, _ := newTestHandler(t)

	req := taskRequest("ollama_chat/test-vlm", "task")
	req.AgentKwargs = map[string]any{"session_id": "from-kwargs"}
	resp := h.Dispatch(context.Background(), req, "from-header")
	assert.Equal(t, "from-kwargs", resp.SessionID)
}

func TestDispatchUnknownModelFails(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Dispatch(context.Background(), taskRequest("warp9/engage", "task"), "")
	assert.Equal(t, orchestrator.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "warp9")
}

func TestDispatchRejectsUnknownKwargs(t *testing.T) {
	h, _ := newTestHandler(t)

	req := taskRequest("ollama_chat/test-vlm", "task")
	req.AgentKwargs = map[string]any{"max_stepz": 5}
	resp := h.Dispatch(context.Background(), req, "")
	assert.Equal(t, orchestrator.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "agent_kwargs")
}

func TestDispatchAcceptsProvisioningKwargs(t *testing.T) {
	h, _ := newTestHandler(t)

	req := taskRequest("ollama_chat/test-vlm", "task")
	req.ComputerKwargs = map[string]any{
		"os_type": "linux",
		"image":   "ubuntu-desktop:22.04",
		"memory":  "8GB",
		"cpu":     "4",
	}
	resp := h.Dispatch(context.Background(), req, "")
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)
	assert.Empty(t, resp.Error)
}

func TestDispatchRequiresModelAndInput(t *testing.T) {
	h, _ := newTestHandler(t)

	resp := h.Dispatch(context.Background(), &Request{Model: "ollama_chat/test-vlm"}, "")
	assert.Equal(t, orchestrator.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "input")

	resp = h.Dispatch(context.Background(), taskRequest("", "task"), "")
	assert.Equal(t, orchestrator.StatusFailed, resp.Status)
	assert.Contains(t, resp.Error, "model")
}

func TestDispatchEnvOverridesScopedToRequest(t *testing.T) {
	t.Setenv(config.EnvAPIKey, "")
	h, _ := newTestHandler(t)

	req := taskRequest("ollama_chat/test-vlm", "task")
	req.Env = map[string]string{"CUA_API_KEY": "request-only"}
	resp := h.Dispatch(context.Background(), req, "")
	require.Equal(t, orchestrator.StatusCompleted, resp.Status)

	// The base snapshot is untouched.
	assert.Empty(t, h.baseEnv.Get("CUA_API_KEY"))
}

func TestInputUnmarshalString(t *testing.T) {
	var in Input
	require.NoError(t, json.Unmarshal([]byte(`"open the browser"`), &in))
	require.Len(t, in.Messages, 1)
	assert.Equal(t, schema.MessageUser, in.Messages[0].Type)
	assert.Equal(t, "open the browser", in.Messages[0].Text())
}

func TestInputUnmarshalMessages(t *testing.T) {
	var in Input
	raw := `[{"type":"user","content":[{"type":"input_text","text":"hello"}]}]`
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	require.Len(t, in.Messages, 1)
	assert.Equal(t, "hello", in.Messages[0].Text())
}

func TestInputUnmarshalRejectsGarbage(t *testing.T) {
	var in Input
	assert.Error(t, json.Unmarshal([]byte(`42`), &in))
}
