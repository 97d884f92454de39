// Package orchestrator drives the agent loop: capture the screen, ask the
// model, execute its calls, observe the result, and repeat until the model
// finishes or a limit trips. Every computer_call and function_call the run
// appends is answered by a paired output, whatever happens in between.
package orchestrator

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cuahq/conductor/pkg/callbacks"
	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/pricing"
	"github.com/cuahq/conductor/pkg/schema"
)

// Run statuses.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// ErrStepLimitReached stops runs that never settle. Hitting it is a clean
// stop, not a failure: the run completes with a note in the conversation.
var ErrStepLimitReached = errors.New("step limit reached")

// Config bounds one run.
type Config struct {
	Model       string
	SessionID   string
	MaxSteps    int
	MaxTokens   int
	Temperature float64

	LLMTimeout    time.Duration
	ActionTimeout time.Duration
	RunWall       time.Duration

	Env    *config.EnvSnapshot
	Logger *slog.Logger
}

func (c *Config) setDefaults() {
	if c.MaxSteps == 0 {
		c.MaxSteps = 100
	}
	if c.LLMTimeout == 0 {
		c.LLMTimeout = 120 * time.Second
	}
	if c.ActionTimeout == 0 {
		c.ActionTimeout = 30 * time.Second
	}
	if c.RunWall == 0 {
		c.RunWall = 30 * time.Minute
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.SessionID == "" {
		c.SessionID = uuid.NewString()
	}
}

// RunResult is the outcome of a run. Messages holds the full conversation
// including the initial input.
type RunResult struct {
	Status   string
	Output   string
	Messages []schema.Message
	Usage    schema.Usage
	Err      error
}

// Orchestrator binds one model adapter, one computer, and one callback
// pipeline for the duration of a run.
type Orchestrator struct {
	loop     llm.AgentLoop
	comp     computer.Computer
	pipeline *callbacks.Pipeline
	cfg      Config
	logger   *slog.Logger

	llmRetry      Backoff
	computerRetry Backoff
}

// New builds an orchestrator. A nil pipeline means no callbacks.
func New(loop llm.AgentLoop, comp computer.Computer, pipeline *callbacks.Pipeline, cfg Config) *Orchestrator {
	cfg.setDefaults()
	if pipeline == nil {
		pipeline = callbacks.NewPipeline()
	}
	return &Orchestrator{
		loop:          loop,
		comp:          comp,
		pipeline:      pipeline,
		cfg:           cfg,
		logger:        cfg.Logger.With("session_id", cfg.SessionID, "model", cfg.Model),
		llmRetry:      LLMBackoff,
		computerRetry: ComputerBackoff,
	}
}

// Run executes the loop for the given input messages until the model emits
// a terminal assistant message, a limit trips, or ctx is cancelled. The
// returned error mirrors result.Err for callers that prefer error flow.
func (o *Orchestrator) Run(ctx context.Context, input []schema.Message) (*RunResult, error) {
	runCtx, cancel := context.WithTimeout(ctx, o.cfg.RunWall)
	defer cancel()

	rc := &callbacks.RunContext{
		RunID:     uuid.NewString(),
		SessionID: o.cfg.SessionID,
		Model:     o.cfg.Model,
		Logger:    o.logger,
	}

	result := o.run(runCtx, rc, input)
	if err := o.pipeline.OnRunEnd(context.WithoutCancel(runCtx), rc, result.Status, result.Err); err != nil {
		o.logger.Warn("run end callback failed", "error", err)
	}
	result.Usage = rc.Usage
	return result, result.Err
}

func (o *Orchestrator) run(ctx context.Context, rc *callbacks.RunContext, input []schema.Message) *RunResult {
	msgs := make([]schema.Message, 0, len(input)+16)

	// Every exit leaves a terminal assistant message in the conversation
	// so trajectories and transcript readers see why the run ended.
	fail := func(err error) *RunResult {
		status := StatusFailed
		note := "run failed: " + err.Error()
		if errors.Is(err, context.Canceled) {
			status = StatusCancelled
			note = "run cancelled: " + err.Error()
		}
		final := schema.AssistantMessage(note)
		msgs = o.append(context.WithoutCancel(ctx), rc, msgs, final)
		return &RunResult{Status: status, Output: note, Messages: msgs, Err: err}
	}
	complete := func(note string) *RunResult {
		final := schema.AssistantMessage(note)
		msgs = o.append(context.WithoutCancel(ctx), rc, msgs, final)
		return &RunResult{Status: StatusCompleted, Output: note, Messages: msgs}
	}

	// INIT
	if err := o.pipeline.OnRunStart(ctx, rc); err != nil {
		return fail(fmt.Errorf("run start: %w", err))
	}
	for _, m := range input {
		msgs = o.append(ctx, rc, msgs, m)
	}

	width, height, err := o.comp.Dimensions(ctx)
	if err != nil {
		return fail(fmt.Errorf("query display dimensions: %w", err))
	}

	// CAPTURE: seed the conversation with the current screen unless the
	// caller already supplied one.
	if _, ok := schema.LastScreenshot(msgs); !ok {
		url, err := o.capture(ctx)
		if err != nil {
			return fail(fmt.Errorf("initial screenshot: %w", err))
		}
		msgs = o.append(ctx, rc, msgs, schema.UserImageMessage(url))
	}

	var previousResponseID string
	for step := 0; step < o.cfg.MaxSteps; step++ {
		// ASK
		stepMsgs, err := o.pipeline.BeforeStep(ctx, rc, msgs)
		if err != nil {
			return fail(fmt.Errorf("before step: %w", err))
		}

		resp, err := o.ask(ctx, rc, stepMsgs, width, height, previousResponseID)
		if err != nil {
			recovered, handled := o.recover(ctx, rc, err)
			if !handled {
				return fail(err)
			}
			for _, m := range recovered {
				msgs = o.append(ctx, rc, msgs, m)
			}
			continue
		}
		previousResponseID = resp.ResponseID

		stepUsage := resp.Usage
		if stepUsage.ResponseCost == 0 {
			stepUsage.ResponseCost = pricing.Cost(o.cfg.Model, stepUsage)
		}
		rc.Usage.Add(stepUsage)
		if err := o.pipeline.OnUsage(ctx, rc, stepUsage); err != nil {
			// A tripped budget is a clean stop, not a failure.
			if callbacks.IsBudgetExceeded(err) {
				o.logger.Info("run stopped by budget", "steps", step+1, "cost", rc.Usage.ResponseCost)
				return complete("stopping: " + err.Error())
			}
			return fail(err)
		}

		output, err := o.pipeline.AfterStep(ctx, rc, resp.Output)
		if err != nil {
			return fail(fmt.Errorf("after step: %w", err))
		}
		if len(output) == 0 {
			return fail(httpclient.NewTargetError("model returned no output", nil))
		}

		// ACT / OBSERVE
		terminal := ""
		sawCall := false
		for _, m := range output {
			msgs = o.append(ctx, rc, msgs, m)

			switch m.Type {
			case schema.MessageComputerCall:
				sawCall = true
				outMsg, err := o.act(ctx, rc, m)
				msgs = o.append(ctx, rc, msgs, outMsg)
				if err != nil {
					recovered, handled := o.recover(ctx, rc, err)
					if !handled {
						return fail(err)
					}
					for _, r := range recovered {
						msgs = o.append(ctx, rc, msgs, r)
					}
				}
			case schema.MessageFunctionCall:
				sawCall = true
				// A grounding call is answered by the computer_call that
				// follows it, never by a function_call_output.
				if m.Name == "ground" {
					continue
				}
				outMsg, err := o.answerFunctionCall(m)
				msgs = o.append(ctx, rc, msgs, outMsg)
				if err != nil {
					recovered, handled := o.recover(ctx, rc, err)
					if !handled {
						return fail(err)
					}
					for _, r := range recovered {
						msgs = o.append(ctx, rc, msgs, r)
					}
				}
			case schema.MessageAssistant:
				terminal = m.Text()
			}
		}

		// DONE: an assistant message with no follow-up work ends the run.
		if terminal != "" && !sawCall {
			o.logger.Info("run completed", "steps", step+1, "total_tokens", rc.Usage.TotalTokens)
			return &RunResult{Status: StatusCompleted, Output: terminal, Messages: msgs}
		}
	}

	o.logger.Info("run stopped by step limit", "steps", o.cfg.MaxSteps)
	return complete(fmt.Sprintf("stopping: %v after %d steps", ErrStepLimitReached, o.cfg.MaxSteps))
}

// ask performs one model call under the LLM retry policy.
func (o *Orchestrator) ask(ctx context.Context, rc *callbacks.RunContext, msgs []schema.Message, width, height int, previousResponseID string) (*llm.StepResponse, error) {
	req := &llm.StepRequest{
		Model:              o.cfg.Model,
		Messages:           msgs,
		DisplayWidth:       width,
		DisplayHeight:      height,
		OSType:             o.comp.Info().OSType,
		Env:                o.cfg.Env,
		UsePromptCaching:   rc.UsePromptCaching,
		PreviousResponseID: previousResponseID,
		MaxTokens:          o.cfg.MaxTokens,
		Temperature:        o.cfg.Temperature,
	}

	var resp *llm.StepResponse
	err := o.llmRetry.Retry(ctx, func() error {
		callCtx, cancel := context.WithTimeout(ctx, o.cfg.LLMTimeout)
		defer cancel()
		var callErr error
		resp, callErr = o.loop.PredictStep(callCtx, req)
		return callErr
	})
	return resp, err
}

// act executes one computer call and returns its paired output message.
// The output is valid even on failure so the conversation stays balanced;
// the error reports what went wrong.
func (o *Orchestrator) act(ctx context.Context, rc *callbacks.RunContext, call schema.Message) (schema.Message, error) {
	ack := func(out schema.Message) schema.Message {
		out.AcknowledgedSafetyChecks = call.PendingSafetyChecks
		return out
	}

	decision, err := o.pipeline.BeforeAction(ctx, rc, call)
	if err != nil {
		return ack(textCallOutput(call.CallID, "action not executed: "+err.Error())), err
	}
	if decision == callbacks.Skip {
		o.logger.Info("action skipped", "call_id", call.CallID, "action", call.Action.Type)
		return ack(textCallOutput(call.CallID, "action skipped")), nil
	}

	err = o.computerRetry.Retry(ctx, func() error {
		actCtx, cancel := context.WithTimeout(ctx, o.cfg.ActionTimeout)
		defer cancel()
		return computer.Dispatch(actCtx, o.comp, *call.Action)
	})
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ack(textCallOutput(call.CallID, "cancelled")), err
		}
		return ack(textCallOutput(call.CallID, "action failed: "+err.Error())), err
	}

	url, err := o.capture(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return ack(textCallOutput(call.CallID, "cancelled")), err
		}
		return ack(textCallOutput(call.CallID, "screenshot failed: "+err.Error())), err
	}

	out := ack(schema.ScreenshotOutput(call.CallID, url))
	if err := o.pipeline.AfterAction(ctx, rc, call, out); err != nil {
		return out, err
	}
	return out, nil
}

// answerFunctionCall pairs a function_call with its output. The model has
// exactly one function at its disposal, the noop echo used when an
// adapter could not parse a reply; anything else is a target error, still
// answered so the pairing holds.
func (o *Orchestrator) answerFunctionCall(call schema.Message) (schema.Message, error) {
	if call.Name == "noop" {
		return schema.FunctionCallOutput(call.CallID, call.Arguments), nil
	}
	err := httpclient.NewTargetError(fmt.Sprintf("unknown tool %q", call.Name), nil)
	return schema.FunctionCallOutput(call.CallID, "unknown tool: "+call.Name), err
}

// capture takes a screenshot under the computer retry policy.
func (o *Orchestrator) capture(ctx context.Context) (string, error) {
	var png []byte
	err := o.computerRetry.Retry(ctx, func() error {
		capCtx, cancel := context.WithTimeout(ctx, o.cfg.ActionTimeout)
		defer cancel()
		var capErr error
		png, capErr = o.comp.Screenshot(capCtx)
		return capErr
	})
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// recover offers a step failure to the pipeline. Cancellation is final.
func (o *Orchestrator) recover(ctx context.Context, rc *callbacks.RunContext, stepErr error) ([]schema.Message, bool) {
	if errors.Is(stepErr, context.Canceled) || errors.Is(stepErr, context.DeadlineExceeded) {
		return nil, false
	}
	recovery, handled, err := o.pipeline.OnError(ctx, rc, stepErr)
	if err != nil {
		o.logger.Warn("error callback failed", "error", err)
		return nil, false
	}
	if handled {
		o.logger.Info("step error recovered by callback", "error", stepErr)
	}
	return recovery, handled
}

// append adds a message to the conversation and notifies observers.
func (o *Orchestrator) append(ctx context.Context, rc *callbacks.RunContext, msgs []schema.Message, m schema.Message) []schema.Message {
	if err := o.pipeline.OnMessage(context.WithoutCancel(ctx), rc, m); err != nil {
		o.logger.Warn("message callback failed", "error", err)
	}
	return append(msgs, m)
}

func textCallOutput(callID, text string) schema.Message {
	return schema.Message{
		Type:   schema.MessageComputerCallOutput,
		CallID: callID,
		Output: &schema.CallOutput{Text: text},
	}
}
