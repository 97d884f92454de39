package loops

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

const openAIDefaultBaseURL = "https://api.openai.com/v1"

// openAILoop drives the OpenAI Responses API computer-use tool. The
// canonical message schema mirrors the Responses item shapes, so the
// conversion is mostly pass-through.
type openAILoop struct {
	client  *httpclient.Client
	baseURL string
	model   string
	logger  *slog.Logger
}

func newOpenAILoop(ref llm.ModelRef, opts Options) (llm.AgentLoop, error) {
	return &openAILoop{
		client:  httpclient.New(opts.timeout()),
		baseURL: opts.baseURL(llm.ProviderOpenAI, openAIDefaultBaseURL),
		model:   ref.Name,
		logger:  opts.logger().With("loop", "openai", "model", ref.Name),
	}, nil
}

type openAIResponsesRequest struct {
	Model              string            `json:"model"`
	Input              []json.RawMessage `json:"input"`
	Tools              []map[string]any  `json:"tools"`
	Reasoning          map[string]any    `json:"reasoning,omitempty"`
	Truncation         string            `json:"truncation"`
	PreviousResponseID string            `json:"previous_response_id,omitempty"`
	MaxOutputTokens    int               `json:"max_output_tokens,omitempty"`
}

type openAIResponsesResponse struct {
	ID     string            `json:"id"`
	Output []json.RawMessage `json:"output"`
	Usage  struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
}

func (l *openAILoop) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	apiKey := req.Env.APIKeyFor(config.EnvOpenAIKey)
	if apiKey == "" {
		return nil, httpclient.NewTargetError("OPENAI_API_KEY is not set", nil)
	}

	input, err := encodeItems(l.inputWindow(req))
	if err != nil {
		return nil, err
	}

	apiReq := openAIResponsesRequest{
		Model:      l.model,
		Input:      input,
		Truncation: "auto",
		Tools: []map[string]any{{
			"type":           "computer_use_preview",
			"display_width":  req.DisplayWidth,
			"display_height": req.DisplayHeight,
			"environment":    openAIEnvironment(req.OSType),
		}},
		Reasoning:          map[string]any{"summary": "concise"},
		PreviousResponseID: req.PreviousResponseID,
		MaxOutputTokens:    req.MaxTokens,
	}

	start := time.Now()
	var apiResp openAIResponsesResponse
	err = l.client.PostJSON(ctx, l.baseURL+"/responses", map[string]string{
		"Authorization": "Bearer " + apiKey,
	}, apiReq, &apiResp)
	if err != nil {
		return nil, err
	}
	l.logger.Debug("responses call complete",
		"duration", time.Since(start), "items", len(apiResp.Output))

	output := decodeItemsLenient(apiResp.Output, l.logger)
	return &llm.StepResponse{
		Output: output,
		Usage: schema.Usage{
			PromptTokens:     apiResp.Usage.InputTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens:      apiResp.Usage.TotalTokens,
		},
		ResponseID: apiResp.ID,
	}, nil
}

// inputWindow returns the items to send. With a previous_response_id the
// provider already holds the conversation, so only the items appended
// since the model's last turn go on the wire.
func (l *openAILoop) inputWindow(req *llm.StepRequest) []schema.Message {
	if req.PreviousResponseID == "" {
		return req.Messages
	}
	last := -1
	for i, m := range req.Messages {
		switch m.Type {
		case schema.MessageAssistant, schema.MessageReasoning,
			schema.MessageComputerCall, schema.MessageFunctionCall:
			last = i
		}
	}
	return req.Messages[last+1:]
}

func encodeItems(msgs []schema.Message) ([]json.RawMessage, error) {
	items := make([]json.RawMessage, 0, len(msgs))
	for _, m := range msgs {
		// Reasoning summaries stay local; replaying them without their
		// provider ids is rejected by the API.
		if m.Type == schema.MessageReasoning {
			continue
		}
		data, err := json.Marshal(itemShape(m))
		if err != nil {
			return nil, httpclient.NewTargetError("encode input item", err)
		}
		items = append(items, data)
	}
	return items, nil
}

// itemShape re-keys user and assistant messages by role, which is the
// shape the Responses API expects for plain messages.
func itemShape(m schema.Message) any {
	switch m.Type {
	case schema.MessageUser, schema.MessageAssistant:
		return map[string]any{"role": string(m.Type), "content": m.Content}
	default:
		return m
	}
}

// decodeItemsLenient converts provider items back to canonical messages,
// skipping item types the core does not model.
func decodeItemsLenient(items []json.RawMessage, logger *slog.Logger) []schema.Message {
	out := make([]schema.Message, 0, len(items))
	for _, raw := range items {
		var m schema.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			logger.Warn("skipping undecodable output item", "error", err)
			continue
		}
		switch m.Type {
		case schema.MessageUser, schema.MessageAssistant, schema.MessageReasoning,
			schema.MessageComputerCall, schema.MessageComputerCallOutput,
			schema.MessageFunctionCall, schema.MessageFunctionCallOutput:
			out = append(out, m)
		default:
			logger.Debug("skipping unsupported output item", "type", m.Type)
		}
	}
	return out
}

func openAIEnvironment(os computer.OSType) string {
	switch os {
	case computer.OSMacOS:
		return "mac"
	case computer.OSWindows:
		return "windows"
	default:
		return "linux"
	}
}
