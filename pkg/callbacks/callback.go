// Package callbacks implements the hook pipeline that wraps a run:
// preprocessing of the conversation before each model ask, postprocessing
// of model output, action gating, usage accounting, trajectory capture,
// and error recovery.
package callbacks

import (
	"context"
	"log/slog"

	"github.com/cuahq/conductor/pkg/schema"
)

// RunContext is the mutable per-run state shared with callbacks.
type RunContext struct {
	RunID     string
	SessionID string
	Model     string

	// Usage accumulates across steps; the orchestrator adds each step's
	// usage before invoking OnUsage.
	Usage schema.Usage

	// UsePromptCaching is read by the orchestrator when building each
	// step request. Callbacks may turn it on at run start.
	UsePromptCaching bool

	Logger *slog.Logger
}

// Decision is the verdict of BeforeAction.
type Decision int

const (
	// Proceed executes the action.
	Proceed Decision = iota
	// Skip drops the action; the orchestrator still emits a paired
	// output so the conversation stays balanced.
	Skip
)

// Callback observes and rewrites a run. All message hooks are pure: they
// return new slices and never mutate their input. Embed NoopCallback to
// implement only the hooks you need.
type Callback interface {
	// OnRunStart fires once before the first capture.
	OnRunStart(ctx context.Context, rc *RunContext) error
	// OnRunEnd fires exactly once, whatever the outcome.
	OnRunEnd(ctx context.Context, rc *RunContext, status string, runErr error) error

	// BeforeStep rewrites the conversation before the model sees it.
	BeforeStep(ctx context.Context, rc *RunContext, msgs []schema.Message) ([]schema.Message, error)
	// AfterStep rewrites the model's output before it is appended.
	AfterStep(ctx context.Context, rc *RunContext, output []schema.Message) ([]schema.Message, error)

	// BeforeAction gates one computer call.
	BeforeAction(ctx context.Context, rc *RunContext, call schema.Message) (Decision, error)
	// AfterAction observes the call's output.
	AfterAction(ctx context.Context, rc *RunContext, call, output schema.Message) error

	// OnMessage observes each message as it enters the conversation. A
	// false return drops the message from downstream observers (not from
	// the conversation itself).
	OnMessage(ctx context.Context, rc *RunContext, msg schema.Message) (schema.Message, bool, error)

	// OnUsage fires after rc.Usage has been updated with a step's usage.
	OnUsage(ctx context.Context, rc *RunContext, step schema.Usage) error

	// OnError may recover from a step failure by supplying messages to
	// append instead of failing the run. handled=false passes the error on.
	OnError(ctx context.Context, rc *RunContext, stepErr error) (recovery []schema.Message, handled bool, err error)
}

// NoopCallback implements Callback with pass-through behavior.
type NoopCallback struct{}

func (NoopCallback) OnRunStart(context.Context, *RunContext) error { return nil }

func (NoopCallback) OnRunEnd(context.Context, *RunContext, string, error) error { return nil }

func (NoopCallback) BeforeStep(_ context.Context, _ *RunContext, msgs []schema.Message) ([]schema.Message, error) {
	return msgs, nil
}

func (NoopCallback) AfterStep(_ context.Context, _ *RunContext, output []schema.Message) ([]schema.Message, error) {
	return output, nil
}

func (NoopCallback) BeforeAction(context.Context, *RunContext, schema.Message) (Decision, error) {
	return Proceed, nil
}

func (NoopCallback) AfterAction(context.Context, *RunContext, schema.Message, schema.Message) error {
	return nil
}

func (NoopCallback) OnMessage(_ context.Context, _ *RunContext, msg schema.Message) (schema.Message, bool, error) {
	return msg, true, nil
}

func (NoopCallback) OnUsage(context.Context, *RunContext, schema.Usage) error { return nil }

func (NoopCallback) OnError(context.Context, *RunContext, error) ([]schema.Message, bool, error) {
	return nil, false, nil
}
