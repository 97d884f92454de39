package loops

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

// Prompter supplies the human's next move for the human adapter.
type Prompter interface {
	Prompt(ctx context.Context, req *llm.StepRequest) ([]schema.Message, error)
}

// humanLoop routes each step to a human instead of a model. Useful for
// demonstrations and for collecting trajectories by hand.
type humanLoop struct {
	prompter Prompter
}

func newHumanLoop(ref llm.ModelRef, opts Options) (llm.AgentLoop, error) {
	return &humanLoop{prompter: opts.Prompter}, nil
}

func (l *humanLoop) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	if l.prompter == nil {
		return nil, httpclient.NewTargetError("human model requires an attached prompter", nil)
	}
	output, err := l.prompter.Prompt(ctx, req)
	if err != nil {
		return nil, err
	}
	return &llm.StepResponse{Output: output}, nil
}

// ConsolePrompter reads one action per step from an input stream. Lines
// are either a JSON action object, "done <summary>", or "done".
type ConsolePrompter struct {
	mu  sync.Mutex
	in  *bufio.Scanner
	out io.Writer
}

// NewConsolePrompter builds a prompter over the given streams.
func NewConsolePrompter(in io.Reader, out io.Writer) *ConsolePrompter {
	return &ConsolePrompter{in: bufio.NewScanner(in), out: out}
}

func (p *ConsolePrompter) Prompt(ctx context.Context, req *llm.StepRequest) ([]schema.Message, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintf(p.out, "step %d: enter action JSON or \"done [summary]\": ", len(req.Messages))
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !p.in.Scan() {
			if err := p.in.Err(); err != nil {
				return nil, err
			}
			return nil, io.EOF
		}
		line := strings.TrimSpace(p.in.Text())
		if line == "" {
			continue
		}

		if rest, ok := strings.CutPrefix(line, "done"); ok {
			summary := strings.TrimSpace(rest)
			if summary == "" {
				summary = "done"
			}
			return []schema.Message{schema.AssistantMessage(summary)}, nil
		}

		var action schema.Action
		if err := json.Unmarshal([]byte(line), &action); err != nil {
			fmt.Fprintf(p.out, "bad action (%v), try again: ", err)
			continue
		}
		if err := action.Validate(); err != nil {
			fmt.Fprintf(p.out, "invalid action (%v), try again: ", err)
			continue
		}
		return []schema.Message{schema.ComputerCall(newCallID(), action)}, nil
	}
}
