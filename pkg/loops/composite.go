package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

// groundRequestHint is injected as an extra user turn for the planner side
// of a composite. It never enters the persisted conversation.
const groundRequestHint = `If you cannot determine exact pixel coordinates for an element, do not guess. Instead respond with exactly one JSON object:
  {"ground": "<visual description of the element>", "action_type": "click"}
where action_type is click, double_click, or right_click.`

// composite pairs a planner with a grounder. The planner thinks; whenever
// it asks for an element by description instead of coordinates, the
// grounder resolves the description against the latest screenshot and the
// request becomes a concrete click.
type composite struct {
	planner  llm.AgentLoop
	grounder llm.Grounder
	logger   *slog.Logger
}

func newComposite(planner llm.AgentLoop, grounder llm.Grounder, opts Options) *composite {
	return &composite{
		planner:  planner,
		grounder: grounder,
		logger:   opts.logger().With("loop", "composite"),
	}
}

func (c *composite) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	plannerReq := *req
	plannerReq.Messages = append(append([]schema.Message{}, req.Messages...),
		schema.UserMessage(groundRequestHint))

	resp, err := c.planner.PredictStep(ctx, &plannerReq)
	if err != nil {
		return nil, err
	}

	output, groundUsage, err := c.groundOutput(ctx, req, resp.Output)
	if err != nil {
		return nil, err
	}
	resp.Output = output
	resp.Usage.Add(groundUsage)
	return resp, nil
}

// groundOutput rewrites ground requests in the planner's output into
// concrete computer calls. When the planner emits both a ground request
// and a terminal message in one turn, the call wins and the message is
// dropped; acting always takes precedence over stopping early.
func (c *composite) groundOutput(ctx context.Context, req *llm.StepRequest, output []schema.Message) ([]schema.Message, schema.Usage, error) {
	grounded := make([]schema.Message, 0, len(output))
	var total schema.Usage
	sawCall := false
	for _, m := range output {
		gr, ok := groundRequestFrom(m)
		if !ok {
			grounded = append(grounded, m)
			if m.Type == schema.MessageComputerCall {
				sawCall = true
			}
			continue
		}

		imageURL, ok := schema.LastScreenshot(req.Messages)
		if !ok {
			return nil, total, fmt.Errorf("ground request %q with no screenshot in conversation", gr.Description)
		}
		point, usage, err := c.grounder.PredictClick(ctx, &llm.GroundRequest{
			ImageURL:    imageURL,
			Instruction: gr.Description,
			Width:       req.DisplayWidth,
			Height:      req.DisplayHeight,
			Env:         req.Env,
		})
		total.Add(usage)
		if err != nil {
			return nil, total, fmt.Errorf("ground %q: %w", gr.Description, err)
		}
		c.logger.Debug("grounded element",
			"description", gr.Description, "x", point.X, "y", point.Y)

		// A native ground call stays in the conversation; the resolved
		// computer_call follows it under a fresh id. The noop-wrapped
		// form is replaced outright, reusing its id.
		if m.Name == "ground" {
			grounded = append(grounded, m, schema.ComputerCall(newCallID(), gr.action(point)))
		} else {
			grounded = append(grounded, schema.ComputerCall(m.CallID, gr.action(point)))
		}
		sawCall = true
	}

	if sawCall {
		withoutTerminal := grounded[:0:0]
		for _, m := range grounded {
			if m.Type == schema.MessageAssistant {
				continue
			}
			withoutTerminal = append(withoutTerminal, m)
		}
		return withoutTerminal, total, nil
	}
	return grounded, total, nil
}

type groundRequest struct {
	Description string `json:"ground"`
	ActionType  string `json:"action_type"`
}

func (g groundRequest) action(p schema.Point) schema.Action {
	switch g.ActionType {
	case "double_click":
		return schema.Action{Type: schema.ActionDoubleClick, X: schema.Int(p.X), Y: schema.Int(p.Y)}
	case "right_click":
		return schema.ClickAction(p.X, p.Y, schema.ButtonRight)
	default:
		return schema.ClickAction(p.X, p.Y, schema.ButtonLeft)
	}
}

// groundRequestFrom recognizes a ground request in a planner output
// message: either a function_call named "ground", or a noop function_call
// whose captured content contains the ground JSON (the path taken when a
// generic VLM answers with the ground shape).
func groundRequestFrom(m schema.Message) (groundRequest, bool) {
	if m.Type != schema.MessageFunctionCall {
		return groundRequest{}, false
	}

	try := func(raw string) (groundRequest, bool) {
		var gr groundRequest
		if err := json.Unmarshal([]byte(raw), &gr); err != nil || gr.Description == "" {
			return groundRequest{}, false
		}
		return gr, true
	}

	switch m.Name {
	case "ground":
		if gr, ok := try(m.Arguments); ok {
			return gr, true
		}
		// Native tool calls carry the intent as a plain string, sometimes
		// JSON-quoted. Default action is a left click.
		raw := strings.TrimSpace(m.Arguments)
		var quoted string
		if json.Unmarshal([]byte(raw), &quoted) == nil {
			raw = quoted
		}
		if raw == "" || strings.HasPrefix(raw, "{") {
			return groundRequest{}, false
		}
		return groundRequest{Description: raw}, true
	case "noop":
		var args struct {
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(m.Arguments), &args); err != nil {
			return groundRequest{}, false
		}
		raw, ok := extractJSONObject(args.Content)
		if !ok {
			return groundRequest{}, false
		}
		return try(raw)
	}
	return groundRequest{}, false
}

// setOfMarks is the omniparser bundle: every step, the screenshot is run
// through element detection, the planner sees the annotated set-of-marks
// image plus the element inventory, and ground requests resolve against
// the detected elements without another model call.
type setOfMarks struct {
	planner llm.AgentLoop
	parser  *omniparserLoop
	logger  *slog.Logger
}

func newSetOfMarks(planner llm.AgentLoop, parser *omniparserLoop, opts Options) *setOfMarks {
	return &setOfMarks{
		planner: planner,
		parser:  parser,
		logger:  opts.logger().With("loop", "set_of_marks"),
	}
}

func (s *setOfMarks) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	imageURL, hasScreenshot := schema.LastScreenshot(req.Messages)
	if !hasScreenshot {
		return s.planner.PredictStep(ctx, req)
	}

	somURL, elements, err := s.parser.DetectElements(ctx, imageURL)
	if err != nil {
		return nil, err
	}

	plannerReq := *req
	plannerReq.Messages = append(
		replaceLastScreenshot(req.Messages, somURL),
		schema.UserMessage(elementInventory(elements)),
		schema.UserMessage(groundRequestHint),
	)

	resp, err := s.planner.PredictStep(ctx, &plannerReq)
	if err != nil {
		return nil, err
	}

	output := make([]schema.Message, 0, len(resp.Output))
	for _, m := range resp.Output {
		gr, ok := groundRequestFrom(m)
		if !ok {
			output = append(output, m)
			continue
		}
		el, found := matchElement(elements, gr.Description)
		if !found {
			return nil, fmt.Errorf("no detected element matches %q", gr.Description)
		}
		point := el.Center(req.DisplayWidth, req.DisplayHeight)
		if m.Name == "ground" {
			output = append(output, m, schema.ComputerCall(newCallID(), gr.action(point)))
		} else {
			output = append(output, schema.ComputerCall(m.CallID, gr.action(point)))
		}
	}
	resp.Output = output
	return resp, nil
}

// elementInventory renders the detected elements for the planner.
func elementInventory(elements []Element) string {
	var b strings.Builder
	b.WriteString("Detected elements on the annotated screenshot:\n")
	for i, e := range elements {
		if e.Content == "" {
			continue
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i, e.Type, e.Content)
	}
	return b.String()
}

// replaceLastScreenshot swaps the newest screenshot payload for newURL,
// copy-on-write.
func replaceLastScreenshot(msgs []schema.Message, newURL string) []schema.Message {
	out := make([]schema.Message, len(msgs))
	copy(out, msgs)
	for i := len(out) - 1; i >= 0; i-- {
		m := out[i]
		if m.Type == schema.MessageComputerCallOutput && m.Output != nil && m.Output.ImageURL != "" {
			o := *m.Output
			o.ImageURL = newURL
			m.Output = &o
			out[i] = m
			return out
		}
		if m.Type == schema.MessageUser {
			for j := len(m.Content) - 1; j >= 0; j-- {
				if m.Content[j].Type == schema.ContentInputImage && m.Content[j].ImageURL != "" {
					content := append([]schema.ContentPart{}, m.Content...)
					content[j].ImageURL = newURL
					m.Content = content
					out[i] = m
					return out
				}
			}
		}
	}
	return out
}
