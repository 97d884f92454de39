// Package llm defines the model port: the agent loop interface every
// provider adapter implements, the grounding interface for click
// prediction, and the model string grammar that selects adapters.
package llm

import (
	"context"

	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/schema"
)

// StepRequest is one ask of the model: the conversation so far plus the
// display geometry and per-request environment.
type StepRequest struct {
	Model    string
	Messages []schema.Message

	DisplayWidth  int
	DisplayHeight int
	OSType        computer.OSType

	// Env is the request's environment snapshot. Adapters read API keys
	// from it and never from the process environment directly.
	Env *config.EnvSnapshot

	// UsePromptCaching asks the adapter to mark stable prefixes as
	// cacheable where the provider supports it.
	UsePromptCaching bool

	// PreviousResponseID chains server-side state for providers that
	// keep it (the OpenAI Responses API).
	PreviousResponseID string

	MaxTokens   int
	Temperature float64
}

// StepResponse is the model's answer: new canonical messages to append to
// the conversation, token usage, and the provider's response id if any.
type StepResponse struct {
	Output     []schema.Message
	Usage      schema.Usage
	ResponseID string
}

// AgentLoop is the port every provider adapter implements. PredictStep
// converts the canonical conversation into the provider's native shape,
// performs one model call, and converts the answer back. Adapters never
// mutate req.Messages.
type AgentLoop interface {
	PredictStep(ctx context.Context, req *StepRequest) (*StepResponse, error)
}

// GroundRequest asks where on the screen a described element is.
type GroundRequest struct {
	ImageURL    string
	Instruction string
	Width       int
	Height      int
	Env         *config.EnvSnapshot
}

// Grounder predicts pixel coordinates for an element description. The
// returned usage covers the grounding call so callers can fold it into
// the step total.
type Grounder interface {
	PredictClick(ctx context.Context, req *GroundRequest) (schema.Point, schema.Usage, error)
}

// Capabilities describes what a resolved adapter can do; the proxy reports
// it on model listing.
type Capabilities struct {
	Planning  bool
	Grounding bool
}
