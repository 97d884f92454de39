package loops

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

// UI-TARS checkpoints emit a fixed Thought/Action grammar with coordinates
// normalized to a 0-1000 box space. This file holds the prompt and the
// parser that scales boxes back to pixels.

const uitarsSystemPrompt = `You are a GUI agent. You are given a task and a screenshot of the screen. Output the next action in the following format.

Thought: <your reasoning>
Action: <one action>

Action space:
click(start_box='(x,y)')
left_double(start_box='(x,y)')
right_single(start_box='(x,y)')
drag(start_box='(x,y)', end_box='(x,y)')
hotkey(key='ctrl c')
type(content='text')
scroll(start_box='(x,y)', direction='down or up or right or left')
wait()
finished(content='summary')`

const uitarsGroundPrompt = `You are a GUI grounding agent. Given a description of a user interface element and a screenshot, output exactly:

Action: click(start_box='(x,y)')

pointing at the center of the described element.`

// uitarsBoxSpace is the coordinate range the model emits.
const uitarsBoxSpace = 1000

var (
	uitarsThoughtRe = regexp.MustCompile(`(?s)Thought:\s*(.*?)\s*(?:Action:|$)`)
	uitarsActionRe  = regexp.MustCompile(`Action:\s*(\w+)\((.*?)\)\s*$`)
	uitarsBoxRe     = regexp.MustCompile(`\(?\s*(\d+)\s*,\s*(\d+)\s*\)?`)
	uitarsParamRe   = regexp.MustCompile(`(\w+)='((?:[^'\\]|\\.)*)'`)
)

func (l *vlmLoop) predictStepUITARS(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	messages := l.buildChatMessages(req, uitarsSystemPrompt)
	content, usage, err := l.chat(ctx, req.Env, messages, req.MaxTokens, req.Temperature)
	if err != nil {
		return nil, err
	}

	output := l.parseUITARSReply(content, req.DisplayWidth, req.DisplayHeight)
	return &llm.StepResponse{Output: output, Usage: usage}, nil
}

func (l *vlmLoop) parseUITARSReply(content string, width, height int) []schema.Message {
	var out []schema.Message
	if m := uitarsThoughtRe.FindStringSubmatch(content); m != nil && m[1] != "" {
		out = append(out, schema.ReasoningMessage(m[1]))
	}

	action, done, err := parseUITARSAction(content, width, height)
	if err != nil {
		l.logger.Warn("ui-tars reply did not parse", "error", err, "content", truncateForLog(content))
		args, _ := json.Marshal(map[string]string{"content": content})
		return append(out, schema.FunctionCall(newCallID(), "noop", string(args)))
	}
	if done != "" {
		return append(out, schema.AssistantMessage(done))
	}
	return append(out, schema.ComputerCall(newCallID(), action))
}

// parseUITARSAction parses the Action line. done is non-empty for
// finished(); otherwise action holds the pixel-space result.
func parseUITARSAction(content string, width, height int) (action schema.Action, done string, err error) {
	m := uitarsActionRe.FindStringSubmatch(strings.TrimSpace(content))
	if m == nil {
		return schema.Action{}, "", fmt.Errorf("no action line")
	}
	name, rawParams := m[1], m[2]

	params := map[string]string{}
	for _, p := range uitarsParamRe.FindAllStringSubmatch(rawParams, -1) {
		params[p[1]] = p[2]
	}

	box := func(key string) (int, int, error) {
		b := uitarsBoxRe.FindStringSubmatch(params[key])
		if b == nil {
			return 0, 0, fmt.Errorf("%s: missing box in %q", name, params[key])
		}
		bx, _ := strconv.Atoi(b[1])
		by, _ := strconv.Atoi(b[2])
		return scaleBox(bx, width), scaleBox(by, height), nil
	}

	switch name {
	case "click":
		x, y, err := box("start_box")
		if err != nil {
			return schema.Action{}, "", err
		}
		return schema.ClickAction(x, y, schema.ButtonLeft), "", nil
	case "left_double":
		x, y, err := box("start_box")
		if err != nil {
			return schema.Action{}, "", err
		}
		return schema.Action{Type: schema.ActionDoubleClick, X: schema.Int(x), Y: schema.Int(y)}, "", nil
	case "right_single":
		x, y, err := box("start_box")
		if err != nil {
			return schema.Action{}, "", err
		}
		return schema.ClickAction(x, y, schema.ButtonRight), "", nil
	case "drag":
		sx, sy, err := box("start_box")
		if err != nil {
			return schema.Action{}, "", err
		}
		ex, ey, err := box("end_box")
		if err != nil {
			return schema.Action{}, "", err
		}
		return schema.Action{
			Type: schema.ActionDrag,
			Path: []schema.Point{{X: sx, Y: sy}, {X: ex, Y: ey}},
		}, "", nil
	case "hotkey":
		keys := strings.Fields(params["key"])
		if len(keys) == 0 {
			return schema.Action{}, "", fmt.Errorf("hotkey: missing key")
		}
		return schema.Action{Type: schema.ActionKeyPress, Keys: keys}, "", nil
	case "type":
		return schema.TypeAction(unescapeUITARS(params["content"])), "", nil
	case "scroll":
		x, y, err := box("start_box")
		if err != nil {
			return schema.Action{}, "", err
		}
		dx, dy := scrollDeltas(params["direction"], 5)
		return schema.Action{
			Type: schema.ActionScroll,
			X:    schema.Int(x), Y: schema.Int(y),
			ScrollX: schema.Int(dx), ScrollY: schema.Int(dy),
		}, "", nil
	case "wait":
		return schema.Action{Type: schema.ActionWait}, "", nil
	case "finished":
		done := unescapeUITARS(params["content"])
		if done == "" {
			done = "done"
		}
		return schema.Action{}, done, nil
	}
	return schema.Action{}, "", fmt.Errorf("unknown action %q", name)
}

func (l *vlmLoop) predictClickUITARS(ctx context.Context, req *llm.GroundRequest) (schema.Point, schema.Usage, error) {
	messages := []chatMessage{
		{Role: "system", Content: uitarsGroundPrompt},
		{Role: "user", Content: []chatContentPart{
			{Type: "text", Text: fmt.Sprintf("Element: %s", req.Instruction)},
			{Type: "image_url", ImageURL: map[string]any{"url": req.ImageURL}},
		}},
	}
	content, usage, err := l.chat(ctx, req.Env, messages, 256, 0)
	if err != nil {
		return schema.Point{}, usage, err
	}

	action, _, err := parseUITARSAction(content, req.Width, req.Height)
	if err != nil {
		return schema.Point{}, usage, httpclient.NewTargetError("parse grounding reply", err)
	}
	x, y, ok := action.Coordinates()
	if !ok {
		return schema.Point{}, usage, httpclient.NewTargetError("grounding reply has no coordinates", nil)
	}
	return schema.Point{X: x, Y: y}, usage, nil
}

// scaleBox converts a 0-1000 box coordinate to pixels.
func scaleBox(v, size int) int {
	if size <= 0 {
		return v
	}
	return v * size / uitarsBoxSpace
}

func unescapeUITARS(s string) string {
	s = strings.ReplaceAll(s, `\'`, `'`)
	s = strings.ReplaceAll(s, `\n`, "\n")
	return s
}
