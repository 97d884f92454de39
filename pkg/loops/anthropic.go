package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

const (
	anthropicDefaultBaseURL = "https://api.anthropic.com/v1"
	anthropicVersion        = "2023-06-01"
	anthropicComputerBeta   = "computer-use-2025-01-24"
	anthropicComputerTool   = "computer_20250124"
	anthropicMaxTokens      = 4096
)

// anthropicLoop drives the Anthropic Messages API with the computer tool.
// Canonical messages are folded into alternating user/assistant turns and
// tool_use blocks are translated to and from the canonical action schema.
type anthropicLoop struct {
	client  *httpclient.Client
	baseURL string
	model   string
	logger  *slog.Logger
}

func newAnthropicLoop(ref llm.ModelRef, opts Options) (llm.AgentLoop, error) {
	return &anthropicLoop{
		client:  httpclient.New(opts.timeout()),
		baseURL: opts.baseURL(llm.ProviderAnthropic, anthropicDefaultBaseURL),
		model:   ref.Name,
		logger:  opts.logger().With("loop", "anthropic", "model", ref.Name),
	}, nil
}

type anthropicBlock struct {
	Type string `json:"type"`

	Text string `json:"text,omitempty"`

	Source *anthropicImageSource `json:"source,omitempty"`

	// tool_use
	ID    string         `json:"id,omitempty"`
	Name  string         `json:"name,omitempty"`
	Input map[string]any `json:"input,omitempty"`

	// tool_result
	ToolUseID string           `json:"tool_use_id,omitempty"`
	Content   []anthropicBlock `json:"content,omitempty"`

	// thinking
	Thinking string `json:"thinking,omitempty"`

	CacheControl map[string]string `json:"cache_control,omitempty"`
}

type anthropicImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type anthropicMessage struct {
	Role    string           `json:"role"`
	Content []anthropicBlock `json:"content"`
}

type anthropicRequest struct {
	Model     string             `json:"model"`
	MaxTokens int                `json:"max_tokens"`
	Tools     []map[string]any   `json:"tools"`
	Messages  []anthropicMessage `json:"messages"`
}

type anthropicResponse struct {
	ID      string           `json:"id"`
	Content []anthropicBlock `json:"content"`
	Usage   struct {
		InputTokens         int `json:"input_tokens"`
		OutputTokens        int `json:"output_tokens"`
		CacheReadTokens     int `json:"cache_read_input_tokens"`
		CacheCreationTokens int `json:"cache_creation_input_tokens"`
	} `json:"usage"`
	StopReason string `json:"stop_reason"`
}

func (l *anthropicLoop) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	apiKey := req.Env.APIKeyFor(config.EnvAnthropicKey)
	if apiKey == "" {
		return nil, httpclient.NewTargetError("ANTHROPIC_API_KEY is not set", nil)
	}

	messages, err := toAnthropicMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	if req.UsePromptCaching && len(messages) > 0 {
		last := &messages[len(messages)-1]
		if len(last.Content) > 0 {
			last.Content[len(last.Content)-1].CacheControl = map[string]string{"type": "ephemeral"}
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = anthropicMaxTokens
	}
	apiReq := anthropicRequest{
		Model:     l.model,
		MaxTokens: maxTokens,
		Tools: []map[string]any{{
			"type":              anthropicComputerTool,
			"name":              "computer",
			"display_width_px":  req.DisplayWidth,
			"display_height_px": req.DisplayHeight,
		}},
		Messages: messages,
	}

	var apiResp anthropicResponse
	err = l.client.PostJSON(ctx, l.baseURL+"/messages", map[string]string{
		"x-api-key":         apiKey,
		"anthropic-version": anthropicVersion,
		"anthropic-beta":    anthropicComputerBeta,
	}, apiReq, &apiResp)
	if err != nil {
		return nil, err
	}

	output := l.fromAnthropicContent(apiResp.Content)
	return &llm.StepResponse{
		Output: output,
		Usage: schema.Usage{
			PromptTokens: apiResp.Usage.InputTokens +
				apiResp.Usage.CacheReadTokens + apiResp.Usage.CacheCreationTokens,
			CompletionTokens: apiResp.Usage.OutputTokens,
			TotalTokens: apiResp.Usage.InputTokens + apiResp.Usage.CacheReadTokens +
				apiResp.Usage.CacheCreationTokens + apiResp.Usage.OutputTokens,
		},
		ResponseID: apiResp.ID,
	}, nil
}

// toAnthropicMessages folds canonical messages into alternating role turns.
// Adjacent blocks of the same role merge into one message.
func toAnthropicMessages(msgs []schema.Message) ([]anthropicMessage, error) {
	var out []anthropicMessage
	appendBlock := func(role string, block anthropicBlock) {
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content = append(out[n-1].Content, block)
			return
		}
		out = append(out, anthropicMessage{Role: role, Content: []anthropicBlock{block}})
	}

	for _, m := range msgs {
		switch m.Type {
		case schema.MessageUser:
			for _, p := range m.Content {
				switch p.Type {
				case schema.ContentInputText:
					appendBlock("user", anthropicBlock{Type: "text", Text: p.Text})
				case schema.ContentInputImage:
					src, err := imageSourceFromDataURL(p.ImageURL)
					if err != nil {
						return nil, err
					}
					appendBlock("user", anthropicBlock{Type: "image", Source: src})
				}
			}
		case schema.MessageAssistant:
			if text := m.Text(); text != "" {
				appendBlock("assistant", anthropicBlock{Type: "text", Text: text})
			}
		case schema.MessageReasoning:
			// Thinking blocks cannot be replayed without their signatures.
		case schema.MessageComputerCall:
			input, err := toAnthropicAction(m.Action)
			if err != nil {
				return nil, err
			}
			appendBlock("assistant", anthropicBlock{
				Type: "tool_use", ID: m.CallID, Name: "computer", Input: input,
			})
		case schema.MessageComputerCallOutput:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.CallID}
			if m.Output != nil && m.Output.ImageURL != "" {
				src, err := imageSourceFromDataURL(m.Output.ImageURL)
				if err != nil {
					return nil, err
				}
				block.Content = []anthropicBlock{{Type: "image", Source: src}}
			} else if m.Output != nil && m.Output.Text != "" {
				block.Content = []anthropicBlock{{Type: "text", Text: m.Output.Text}}
			}
			appendBlock("user", block)
		case schema.MessageFunctionCall:
			var input map[string]any
			if m.Arguments != "" {
				if err := json.Unmarshal([]byte(m.Arguments), &input); err != nil {
					input = map[string]any{"arguments": m.Arguments}
				}
			}
			appendBlock("assistant", anthropicBlock{
				Type: "tool_use", ID: m.CallID, Name: m.Name, Input: input,
			})
		case schema.MessageFunctionCallOutput:
			block := anthropicBlock{Type: "tool_result", ToolUseID: m.CallID}
			if m.Output != nil && m.Output.Text != "" {
				block.Content = []anthropicBlock{{Type: "text", Text: m.Output.Text}}
			}
			appendBlock("user", block)
		}
	}
	return out, nil
}

func (l *anthropicLoop) fromAnthropicContent(blocks []anthropicBlock) []schema.Message {
	var out []schema.Message
	for _, b := range blocks {
		switch b.Type {
		case "text":
			out = append(out, schema.AssistantMessage(b.Text))
		case "thinking":
			out = append(out, schema.ReasoningMessage(b.Thinking))
		case "tool_use":
			if b.Name == "computer" {
				action, err := fromAnthropicAction(b.Input)
				if err != nil {
					l.logger.Warn("unparseable computer action", "error", err)
					continue
				}
				out = append(out, schema.ComputerCall(b.ID, action))
				continue
			}
			args, _ := json.Marshal(b.Input)
			out = append(out, schema.FunctionCall(b.ID, b.Name, string(args)))
		default:
			l.logger.Debug("skipping unsupported content block", "type", b.Type)
		}
	}
	return out
}

// toAnthropicAction converts a canonical action to the computer tool's
// input shape.
func toAnthropicAction(a *schema.Action) (map[string]any, error) {
	coord := func() []int {
		x, y, _ := a.Coordinates()
		return []int{x, y}
	}
	switch a.Type {
	case schema.ActionClick:
		name := "left_click"
		if a.Button == schema.ButtonRight {
			name = "right_click"
		}
		return map[string]any{"action": name, "coordinate": coord()}, nil
	case schema.ActionDoubleClick:
		return map[string]any{"action": "double_click", "coordinate": coord()}, nil
	case schema.ActionMove:
		return map[string]any{"action": "mouse_move", "coordinate": coord()}, nil
	case schema.ActionDrag:
		start, end := a.Path[0], a.Path[len(a.Path)-1]
		return map[string]any{
			"action":           "left_click_drag",
			"start_coordinate": []int{start.X, start.Y},
			"coordinate":       []int{end.X, end.Y},
		}, nil
	case schema.ActionScroll:
		direction, amount := scrollDirection(*a.ScrollX, *a.ScrollY)
		return map[string]any{
			"action": "scroll", "coordinate": coord(),
			"scroll_direction": direction, "scroll_amount": amount,
		}, nil
	case schema.ActionKeyPress:
		return map[string]any{"action": "key", "text": strings.Join(a.Keys, "+")}, nil
	case schema.ActionTypeText:
		return map[string]any{"action": "type", "text": a.Text}, nil
	case schema.ActionScreenshot:
		return map[string]any{"action": "screenshot"}, nil
	case schema.ActionWait:
		return map[string]any{"action": "wait", "duration": 1}, nil
	case schema.ActionLeftMouseDown:
		return map[string]any{"action": "left_mouse_down", "coordinate": coord()}, nil
	case schema.ActionLeftMouseUp:
		return map[string]any{"action": "left_mouse_up", "coordinate": coord()}, nil
	}
	return nil, fmt.Errorf("action %q has no computer tool equivalent", a.Type)
}

// fromAnthropicAction converts a computer tool input back to canonical.
func fromAnthropicAction(input map[string]any) (schema.Action, error) {
	name, _ := input["action"].(string)
	coord := func(key string) (int, int, bool) {
		raw, ok := input[key].([]any)
		if !ok || len(raw) != 2 {
			return 0, 0, false
		}
		x, xok := raw[0].(float64)
		y, yok := raw[1].(float64)
		return int(x), int(y), xok && yok
	}

	switch name {
	case "left_click", "right_click":
		x, y, ok := coord("coordinate")
		if !ok {
			return schema.Action{}, fmt.Errorf("%s: missing coordinate", name)
		}
		button := schema.ButtonLeft
		if name == "right_click" {
			button = schema.ButtonRight
		}
		return schema.ClickAction(x, y, button), nil
	case "double_click":
		x, y, ok := coord("coordinate")
		if !ok {
			return schema.Action{}, fmt.Errorf("double_click: missing coordinate")
		}
		return schema.Action{Type: schema.ActionDoubleClick, X: schema.Int(x), Y: schema.Int(y)}, nil
	case "mouse_move":
		x, y, ok := coord("coordinate")
		if !ok {
			return schema.Action{}, fmt.Errorf("mouse_move: missing coordinate")
		}
		return schema.Action{Type: schema.ActionMove, X: schema.Int(x), Y: schema.Int(y)}, nil
	case "left_click_drag":
		sx, sy, sok := coord("start_coordinate")
		ex, ey, eok := coord("coordinate")
		if !sok || !eok {
			return schema.Action{}, fmt.Errorf("left_click_drag: missing coordinates")
		}
		return schema.Action{
			Type: schema.ActionDrag,
			Path: []schema.Point{{X: sx, Y: sy}, {X: ex, Y: ey}},
		}, nil
	case "scroll":
		x, y, ok := coord("coordinate")
		if !ok {
			return schema.Action{}, fmt.Errorf("scroll: missing coordinate")
		}
		direction, _ := input["scroll_direction"].(string)
		amount, _ := input["scroll_amount"].(float64)
		if amount == 0 {
			amount = 3
		}
		dx, dy := scrollDeltas(direction, int(amount))
		return schema.Action{
			Type: schema.ActionScroll,
			X:    schema.Int(x), Y: schema.Int(y),
			ScrollX: schema.Int(dx), ScrollY: schema.Int(dy),
		}, nil
	case "key", "hold_key":
		text, _ := input["text"].(string)
		if text == "" {
			return schema.Action{}, fmt.Errorf("key: missing text")
		}
		return schema.Action{Type: schema.ActionKeyPress, Keys: strings.Split(text, "+")}, nil
	case "type":
		text, _ := input["text"].(string)
		return schema.TypeAction(text), nil
	case "screenshot":
		return schema.ScreenshotAction(), nil
	case "wait":
		return schema.Action{Type: schema.ActionWait}, nil
	case "left_mouse_down":
		x, y, _ := coord("coordinate")
		return schema.Action{Type: schema.ActionLeftMouseDown, X: schema.Int(x), Y: schema.Int(y)}, nil
	case "left_mouse_up":
		x, y, _ := coord("coordinate")
		return schema.Action{Type: schema.ActionLeftMouseUp, X: schema.Int(x), Y: schema.Int(y)}, nil
	}
	return schema.Action{}, fmt.Errorf("unknown computer action %q", name)
}

// scrollDirection maps pixel deltas to the tool's direction/amount pair.
// Positive y scrolls down.
func scrollDirection(dx, dy int) (string, int) {
	switch {
	case dy > 0:
		return "down", dy
	case dy < 0:
		return "up", -dy
	case dx > 0:
		return "right", dx
	case dx < 0:
		return "left", -dx
	}
	return "down", 0
}

func scrollDeltas(direction string, amount int) (dx, dy int) {
	switch direction {
	case "up":
		return 0, -amount
	case "down":
		return 0, amount
	case "left":
		return -amount, 0
	case "right":
		return amount, 0
	}
	return 0, amount
}

// imageSourceFromDataURL splits a data URL into an Anthropic image source.
func imageSourceFromDataURL(url string) (*anthropicImageSource, error) {
	rest, ok := strings.CutPrefix(url, "data:")
	if !ok {
		return nil, fmt.Errorf("image url is not a data url")
	}
	meta, data, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}
	mediaType := strings.TrimSuffix(meta, ";base64")
	if mediaType == "" {
		mediaType = "image/png"
	}
	return &anthropicImageSource{Type: "base64", MediaType: mediaType, Data: data}, nil
}
