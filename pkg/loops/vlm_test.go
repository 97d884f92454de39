package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

func newTestVLM(t *testing.T, reply string) (*vlmLoop, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/chat/completions", r.URL.Path)
		resp := map[string]any{
			"choices": []any{map[string]any{"message": map[string]any{"content": reply}}},
			"usage":   map[string]any{"prompt_tokens": 50, "completion_tokens": 10, "total_tokens": 60},
		}
		json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(srv.Close)

	loop, err := newVLMLoop(llm.ModelRef{Provider: llm.ProviderOllama, Name: "llama3.2-vision"},
		Options{BaseURLs: map[string]string{llm.ProviderOllama: srv.URL}})
	require.NoError(t, err)
	return loop.(*vlmLoop), srv
}

func vlmStepRequest(t *testing.T) *llm.StepRequest {
	t.Helper()
	return &llm.StepRequest{
		Messages: []schema.Message{
			schema.UserMessage("open the settings panel"),
			schema.ComputerCall("c1", schema.ScreenshotAction()),
			schema.ScreenshotOutput("c1", "data:image/png;base64,AAAA"),
		},
		DisplayWidth:  1024,
		DisplayHeight: 768,
		Env:           testEnv(t, nil),
	}
}

func TestVLMLoopParsesAction(t *testing.T) {
	loop, _ := newTestVLM(t, `Sure. {"action": {"type": "click", "x": 120, "y": 340}}`)

	resp, err := loop.PredictStep(context.Background(), vlmStepRequest(t))
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	call := resp.Output[0]
	assert.Equal(t, schema.MessageComputerCall, call.Type)
	assert.NotEmpty(t, call.CallID)
	x, y, _ := call.Action.Coordinates()
	assert.Equal(t, 120, x)
	assert.Equal(t, 340, y)
	assert.Equal(t, 60, resp.Usage.TotalTokens)
}

func TestVLMLoopDone(t *testing.T) {
	loop, _ := newTestVLM(t, `{"done": "settings opened"}`)

	resp, err := loop.PredictStep(context.Background(), vlmStepRequest(t))
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	assert.True(t, resp.Output[0].IsTerminal())
	assert.Equal(t, "settings opened", resp.Output[0].Text())
}

func TestVLMLoopNoopFallback(t *testing.T) {
	loop, _ := newTestVLM(t, `I think you should click somewhere near the top`)

	resp, err := loop.PredictStep(context.Background(), vlmStepRequest(t))
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	fc := resp.Output[0]
	assert.Equal(t, schema.MessageFunctionCall, fc.Type)
	assert.Equal(t, "noop", fc.Name)
	assert.Contains(t, fc.Arguments, "click somewhere")
}

func TestVLMLoopInvalidActionFallsBackToNoop(t *testing.T) {
	// Parses as JSON but fails action validation.
	loop, _ := newTestVLM(t, `{"action": {"type": "click"}}`)

	resp, err := loop.PredictStep(context.Background(), vlmStepRequest(t))
	require.NoError(t, err)
	require.Len(t, resp.Output, 1)
	assert.Equal(t, "noop", resp.Output[0].Name)
}

func TestVLMLoopSendsLastScreenshot(t *testing.T) {
	var captured chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body := struct {
			Model    string `json:"model"`
			Messages []struct {
				Role    string          `json:"role"`
				Content json.RawMessage `json:"content"`
			} `json:"messages"`
		}{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		captured.Model = body.Model
		raw := string(body.Messages[len(body.Messages)-1].Content)
		assert.Contains(t, raw, "data:image/png;base64,AAAA")
		assert.Contains(t, raw, "open the settings panel")
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"done\":\"ok\"}"}}],"usage":{}}`)
	}))
	defer srv.Close()

	loop, err := newVLMLoop(llm.ModelRef{Provider: llm.ProviderOllama, Name: "llama3.2-vision"},
		Options{BaseURLs: map[string]string{llm.ProviderOllama: srv.URL}})
	require.NoError(t, err)

	_, err = loop.PredictStep(context.Background(), vlmStepRequest(t))
	require.NoError(t, err)
	assert.Equal(t, "llama3.2-vision", captured.Model)
}

func TestVLMPredictClick(t *testing.T) {
	loop, _ := newTestVLM(t, `{"x": 55, "y": 66}`)

	pt, usage, err := loop.PredictClick(context.Background(), &llm.GroundRequest{
		ImageURL:    "data:image/png;base64,AAAA",
		Instruction: "the Submit button",
		Width:       1024,
		Height:      768,
		Env:         testEnv(t, nil),
	})
	require.NoError(t, err)
	assert.Equal(t, schema.Point{X: 55, Y: 66}, pt)
	assert.Equal(t, 60, usage.TotalTokens)
}

func TestVLMChatEstimatesMissingUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// A local server that reports no usage at all.
		fmt.Fprint(w, `{"choices":[{"message":{"content":"{\"done\":\"all finished here\"}"}}]}`)
	}))
	t.Cleanup(srv.Close)

	loop, err := newVLMLoop(llm.ModelRef{Provider: llm.ProviderOllama, Name: "llama3.2-vision"},
		Options{BaseURLs: map[string]string{llm.ProviderOllama: srv.URL}})
	require.NoError(t, err)

	resp, err := loop.PredictStep(context.Background(), vlmStepRequest(t))
	require.NoError(t, err)
	assert.Positive(t, resp.Usage.PromptTokens)
	assert.Positive(t, resp.Usage.CompletionTokens)
	assert.Equal(t, resp.Usage.PromptTokens+resp.Usage.CompletionTokens, resp.Usage.TotalTokens)
}

func TestIsUITARS(t *testing.T) {
	assert.True(t, isUITARS("ByteDance-Seed/UI-TARS-1.5-7B"))
	assert.True(t, isUITARS(strings.ToLower("mlx-community/UI-TARS-1.5-7B-4bit")))
	assert.False(t, isUITARS("llama3.2-vision"))
}
