package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/pricing"
	"github.com/cuahq/conductor/pkg/schema"
)

// Default endpoints for OpenAI-compatible local servers.
var vlmDefaultBaseURLs = map[string]string{
	llm.ProviderOllama:      "http://localhost:11434/v1",
	llm.ProviderHuggingface: "http://localhost:8000/v1",
	llm.ProviderMLX:         "http://localhost:8080/v1",
}

const vlmSystemPrompt = `You are a computer-use agent. You see a screenshot of the screen and decide the single next action.

Respond with exactly one JSON object, nothing else:
  {"action": {"type": "click", "x": 100, "y": 200}}
  {"action": {"type": "double_click", "x": 100, "y": 200}}
  {"action": {"type": "type", "text": "hello"}}
  {"action": {"type": "keypress", "keys": ["ctrl", "c"]}}
  {"action": {"type": "scroll", "x": 100, "y": 200, "scroll_x": 0, "scroll_y": -200}}
  {"action": {"type": "drag", "path": [{"x": 1, "y": 2}, {"x": 3, "y": 4}]}}
  {"action": {"type": "wait"}}
  {"action": {"type": "screenshot"}}
or, when the task is complete:
  {"done": "summary of what was accomplished"}

Coordinates are pixels on the screenshot.`

const vlmGroundPrompt = `You locate user interface elements on a screenshot. Respond with exactly one JSON object {"x": <int>, "y": <int>} giving the pixel coordinates of the center of the element described. No other text.`

// vlmLoop drives any OpenAI-compatible chat completions endpoint hosting a
// vision model. UI-TARS checkpoints get their native box-token prompting;
// everything else gets a JSON action protocol with a noop fallback when the
// model's answer does not parse.
type vlmLoop struct {
	client   *httpclient.Client
	baseURL  string
	provider string
	model    string
	uitars   bool
	logger   *slog.Logger
}

func newVLMLoop(ref llm.ModelRef, opts Options) (llm.AgentLoop, error) {
	return &vlmLoop{
		client:   httpclient.New(opts.timeout()),
		baseURL:  opts.baseURL(ref.Provider, vlmDefaultBaseURLs[ref.Provider]),
		provider: ref.Provider,
		model:    ref.Name,
		uitars:   isUITARS(ref.Name),
		logger:   opts.logger().With("loop", "vlm", "provider", ref.Provider, "model", ref.Name),
	}, nil
}

func isUITARS(model string) bool {
	return strings.Contains(strings.ToLower(model), "ui-tars")
}

type chatContentPart struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ImageURL map[string]any `json:"image_url,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (l *vlmLoop) chat(ctx context.Context, env *config.EnvSnapshot, messages []chatMessage, maxTokens int, temperature float64) (string, schema.Usage, error) {
	headers := map[string]string{}
	if key := env.APIKeyFor(config.EnvAPIKey); key != "" {
		headers["Authorization"] = "Bearer " + key
	}

	var resp chatResponse
	err := l.client.PostJSON(ctx, l.baseURL+"/chat/completions", headers, chatRequest{
		Model:       l.model,
		Messages:    messages,
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}, &resp)
	if err != nil {
		return "", schema.Usage{}, err
	}
	if len(resp.Choices) == 0 {
		return "", schema.Usage{}, httpclient.NewTargetError("chat completion returned no choices", nil)
	}
	usage := schema.Usage{
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
	}
	// Local servers often omit usage. Estimate so budgets still count.
	if usage.TotalTokens == 0 {
		usage.PromptTokens = estimateChatTokens(messages)
		usage.CompletionTokens = pricing.EstimateTokens(resp.Choices[0].Message.Content)
		usage.TotalTokens = usage.PromptTokens + usage.CompletionTokens
	}
	return resp.Choices[0].Message.Content, usage, nil
}

// estimateChatTokens counts the text parts of a chat transcript; image
// payloads are not counted.
func estimateChatTokens(messages []chatMessage) int {
	total := 0
	for _, m := range messages {
		switch content := m.Content.(type) {
		case string:
			total += pricing.EstimateTokens(content)
		case []chatContentPart:
			for _, p := range content {
				if p.Text != "" {
					total += pricing.EstimateTokens(p.Text)
				}
			}
		}
	}
	return total
}

func (l *vlmLoop) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	if l.uitars {
		return l.predictStepUITARS(ctx, req)
	}

	messages := l.buildChatMessages(req, vlmSystemPrompt)
	content, usage, err := l.chat(ctx, req.Env, messages, req.MaxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}

	output := l.parseActionReply(content)
	return &llm.StepResponse{Output: output, Usage: usage}, nil
}

// buildChatMessages flattens the canonical conversation into a chat
// transcript: the task and action history as text, plus the most recent
// screenshot as the only image.
func (l *vlmLoop) buildChatMessages(req *llm.StepRequest, system string) []chatMessage {
	messages := []chatMessage{{Role: "system", Content: system}}

	var transcript strings.Builder
	for _, m := range req.Messages {
		switch m.Type {
		case schema.MessageUser:
			if t := m.Text(); t != "" {
				fmt.Fprintf(&transcript, "Task: %s\n", t)
			}
		case schema.MessageAssistant:
			if t := m.Text(); t != "" {
				fmt.Fprintf(&transcript, "You said: %s\n", t)
			}
		case schema.MessageComputerCall:
			if m.Action != nil {
				data, _ := json.Marshal(m.Action)
				fmt.Fprintf(&transcript, "You did: %s\n", data)
			}
		}
	}

	parts := []chatContentPart{{Type: "text", Text: transcript.String()}}
	if url, ok := schema.LastScreenshot(req.Messages); ok {
		parts = append(parts, chatContentPart{
			Type:     "image_url",
			ImageURL: map[string]any{"url": url},
		})
	}
	return append(messages, chatMessage{Role: "user", Content: parts})
}

// parseActionReply extracts the JSON action from the model's reply. A
// reply that does not parse becomes a noop function_call so the run keeps
// its pairing discipline instead of failing.
func (l *vlmLoop) parseActionReply(content string) []schema.Message {
	var reply struct {
		Action *schema.Action `json:"action"`
		Done   string         `json:"done"`
	}
	if raw, ok := extractJSONObject(content); ok {
		if err := json.Unmarshal([]byte(raw), &reply); err == nil {
			if reply.Done != "" {
				return []schema.Message{schema.AssistantMessage(reply.Done)}
			}
			if reply.Action != nil && reply.Action.Validate() == nil {
				return []schema.Message{schema.ComputerCall(newCallID(), *reply.Action)}
			}
		}
	}

	l.logger.Warn("model reply did not parse as an action", "content", truncateForLog(content))
	args, _ := json.Marshal(map[string]string{"content": content})
	return []schema.Message{schema.FunctionCall(newCallID(), "noop", string(args))}
}

// PredictClick implements llm.Grounder with a JSON coordinate protocol.
func (l *vlmLoop) PredictClick(ctx context.Context, req *llm.GroundRequest) (schema.Point, schema.Usage, error) {
	if l.uitars {
		return l.predictClickUITARS(ctx, req)
	}

	messages := []chatMessage{
		{Role: "system", Content: vlmGroundPrompt},
		{Role: "user", Content: []chatContentPart{
			{Type: "text", Text: fmt.Sprintf("Element: %s", req.Instruction)},
			{Type: "image_url", ImageURL: map[string]any{"url": req.ImageURL}},
		}},
	}
	content, usage, err := l.chat(ctx, req.Env, messages, 256, 0)
	if err != nil {
		return schema.Point{}, usage, err
	}

	var pt schema.Point
	raw, ok := extractJSONObject(content)
	if !ok {
		return schema.Point{}, usage, httpclient.NewTargetError("grounding reply has no JSON object", nil)
	}
	if err := json.Unmarshal([]byte(raw), &pt); err != nil {
		return schema.Point{}, usage, httpclient.NewTargetError("parse grounding reply", err)
	}
	return pt, usage, nil
}

// extractJSONObject finds the first balanced top-level JSON object in s,
// tolerating prose and code fences around it.
func extractJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

func newCallID() string {
	return "call_" + uuid.NewString()
}

func truncateForLog(s string) string {
	if len(s) <= 200 {
		return s
	}
	return s[:200] + "..."
}
