package callbacks

import (
	"context"

	"github.com/cuahq/conductor/pkg/schema"
)

// Pipeline runs an ordered list of callbacks. Before-hooks run first to
// last; after-hooks run last to first, so the callback that rewrote a
// message first sees its result last, like nested middleware.
type Pipeline struct {
	callbacks []Callback
}

// NewPipeline builds a pipeline over cbs in order.
func NewPipeline(cbs ...Callback) *Pipeline {
	return &Pipeline{callbacks: cbs}
}

// Append returns a pipeline with extra callbacks at the end.
func (p *Pipeline) Append(cbs ...Callback) *Pipeline {
	all := make([]Callback, 0, len(p.callbacks)+len(cbs))
	all = append(all, p.callbacks...)
	all = append(all, cbs...)
	return &Pipeline{callbacks: all}
}

func (p *Pipeline) OnRunStart(ctx context.Context, rc *RunContext) error {
	for _, cb := range p.callbacks {
		if err := cb.OnRunStart(ctx, rc); err != nil {
			return err
		}
	}
	return nil
}

// OnRunEnd notifies every callback even if some fail; the first error is
// returned after all have run.
func (p *Pipeline) OnRunEnd(ctx context.Context, rc *RunContext, status string, runErr error) error {
	var firstErr error
	for i := len(p.callbacks) - 1; i >= 0; i-- {
		if err := p.callbacks[i].OnRunEnd(ctx, rc, status, runErr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (p *Pipeline) BeforeStep(ctx context.Context, rc *RunContext, msgs []schema.Message) ([]schema.Message, error) {
	var err error
	for _, cb := range p.callbacks {
		msgs, err = cb.BeforeStep(ctx, rc, msgs)
		if err != nil {
			return nil, err
		}
	}
	return msgs, nil
}

func (p *Pipeline) AfterStep(ctx context.Context, rc *RunContext, output []schema.Message) ([]schema.Message, error) {
	var err error
	for i := len(p.callbacks) - 1; i >= 0; i-- {
		output, err = p.callbacks[i].AfterStep(ctx, rc, output)
		if err != nil {
			return nil, err
		}
	}
	return output, nil
}

// BeforeAction asks each callback in order; the first Skip wins.
func (p *Pipeline) BeforeAction(ctx context.Context, rc *RunContext, call schema.Message) (Decision, error) {
	for _, cb := range p.callbacks {
		decision, err := cb.BeforeAction(ctx, rc, call)
		if err != nil {
			return Proceed, err
		}
		if decision == Skip {
			return Skip, nil
		}
	}
	return Proceed, nil
}

func (p *Pipeline) AfterAction(ctx context.Context, rc *RunContext, call, output schema.Message) error {
	for i := len(p.callbacks) - 1; i >= 0; i-- {
		if err := p.callbacks[i].AfterAction(ctx, rc, call, output); err != nil {
			return err
		}
	}
	return nil
}

// OnMessage chains observers in order. A drop by any callback hides the
// message from the callbacks after it.
func (p *Pipeline) OnMessage(ctx context.Context, rc *RunContext, msg schema.Message) error {
	keep := true
	var err error
	for _, cb := range p.callbacks {
		msg, keep, err = cb.OnMessage(ctx, rc, msg)
		if err != nil {
			return err
		}
		if !keep {
			return nil
		}
	}
	return nil
}

func (p *Pipeline) OnUsage(ctx context.Context, rc *RunContext, step schema.Usage) error {
	for _, cb := range p.callbacks {
		if err := cb.OnUsage(ctx, rc, step); err != nil {
			return err
		}
	}
	return nil
}

// OnError offers the failure to each callback in order; the first one that
// handles it supplies the recovery messages.
func (p *Pipeline) OnError(ctx context.Context, rc *RunContext, stepErr error) ([]schema.Message, bool, error) {
	for _, cb := range p.callbacks {
		recovery, handled, err := cb.OnError(ctx, rc, stepErr)
		if err != nil {
			return nil, false, err
		}
		if handled {
			return recovery, true, nil
		}
	}
	return nil, false, nil
}
