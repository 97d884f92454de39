package loops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

func testEnv(t *testing.T, vars map[string]string) *config.EnvSnapshot {
	t.Helper()
	return config.SnapshotEnv().WithOverrides(vars)
}

func TestOpenAILoopPredictStep(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/responses", r.URL.Path)
		require.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"id": "resp_123",
			"output": [
				{"type": "reasoning", "summary": [{"type": "summary_text", "text": "need to click"}]},
				{"type": "computer_call", "call_id": "call_1", "status": "completed",
				 "action": {"type": "click", "button": "left", "x": 150, "y": 250},
				 "pending_safety_checks": [{"id": "sc_1", "code": "malicious_instructions", "message": "be careful"}]}
			],
			"usage": {"input_tokens": 320, "output_tokens": 40, "total_tokens": 360}
		}`))
	}))
	defer srv.Close()

	loop, err := newOpenAILoop(llm.ModelRef{Provider: llm.ProviderOpenAI, Name: "computer-use-preview"},
		Options{BaseURLs: map[string]string{llm.ProviderOpenAI: srv.URL}})
	require.NoError(t, err)

	resp, err := loop.PredictStep(context.Background(), &llm.StepRequest{
		Model: "openai/computer-use-preview",
		Messages: []schema.Message{
			schema.UserMessage("open settings"),
			schema.ReasoningMessage("local note"),
		},
		DisplayWidth:  1024,
		DisplayHeight: 768,
		OSType:        computer.OSLinux,
		Env:           testEnv(t, map[string]string{config.EnvOpenAIKey: "sk-test"}),
	})
	require.NoError(t, err)

	// Request shape.
	assert.Equal(t, "computer-use-preview", captured["model"])
	assert.Equal(t, "auto", captured["truncation"])
	tools := captured["tools"].([]any)
	tool := tools[0].(map[string]any)
	assert.Equal(t, "computer_use_preview", tool["type"])
	assert.Equal(t, 1024.0, tool["display_width"])
	assert.Equal(t, "linux", tool["environment"])
	// Reasoning items are not replayed.
	input := captured["input"].([]any)
	require.Len(t, input, 1)
	assert.Equal(t, "user", input[0].(map[string]any)["role"])

	// Response mapping.
	require.Len(t, resp.Output, 2)
	assert.Equal(t, schema.MessageReasoning, resp.Output[0].Type)
	call := resp.Output[1]
	assert.Equal(t, schema.MessageComputerCall, call.Type)
	assert.Equal(t, "call_1", call.CallID)
	require.Len(t, call.PendingSafetyChecks, 1)
	assert.Equal(t, "sc_1", call.PendingSafetyChecks[0].ID)
	x, y, ok := call.Action.Coordinates()
	require.True(t, ok)
	assert.Equal(t, 150, x)
	assert.Equal(t, 250, y)

	assert.Equal(t, "resp_123", resp.ResponseID)
	assert.Equal(t, 320, resp.Usage.PromptTokens)
	assert.Equal(t, 360, resp.Usage.TotalTokens)
}

func TestOpenAILoopPreviousResponseWindow(t *testing.T) {
	var captured map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&captured))
		w.Write([]byte(`{"id": "resp_2", "output": [], "usage": {}}`))
	}))
	defer srv.Close()

	loop, err := newOpenAILoop(llm.ModelRef{Provider: llm.ProviderOpenAI, Name: "computer-use-preview"},
		Options{BaseURLs: map[string]string{llm.ProviderOpenAI: srv.URL}})
	require.NoError(t, err)

	msgs := []schema.Message{
		schema.UserMessage("open settings"),
		schema.ComputerCall("call_1", schema.ClickAction(1, 2, schema.ButtonLeft)),
		schema.ScreenshotOutput("call_1", "data:image/png;base64,AAAA"),
	}
	_, err = loop.PredictStep(context.Background(), &llm.StepRequest{
		Messages:           msgs,
		PreviousResponseID: "resp_1",
		Env:                testEnv(t, map[string]string{config.EnvOpenAIKey: "sk-test"}),
	})
	require.NoError(t, err)

	assert.Equal(t, "resp_1", captured["previous_response_id"])
	// Only the items after the model's last turn are resent.
	input := captured["input"].([]any)
	require.Len(t, input, 1)
	assert.Equal(t, "computer_call_output", input[0].(map[string]any)["type"])
}

func TestOpenAILoopMissingKey(t *testing.T) {
	t.Setenv(config.EnvOpenAIKey, "")
	t.Setenv(config.EnvAPIKey, "")
	loop, err := newOpenAILoop(llm.ModelRef{Provider: llm.ProviderOpenAI, Name: "computer-use-preview"}, Options{})
	require.NoError(t, err)
	_, err = loop.PredictStep(context.Background(), &llm.StepRequest{
		Env: testEnv(t, nil),
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "OPENAI_API_KEY")
}
