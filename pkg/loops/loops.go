// Package loops implements the provider adapters behind the llm.AgentLoop
// port and the resolver that maps model strings to adapters.
package loops

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/registry"
)

// Factory builds an adapter for one provider.
type Factory func(ref llm.ModelRef, opts Options) (llm.AgentLoop, error)

// Options configures adapter construction. BaseURLs overrides provider
// endpoints, keyed by provider identifier; local providers require one
// unless their conventional default port applies.
type Options struct {
	Timeout  time.Duration
	BaseURLs map[string]string
	Logger   *slog.Logger

	// Prompter backs the human adapter. Nil disables it.
	Prompter Prompter
}

func (o Options) baseURL(provider, fallback string) string {
	if url, ok := o.BaseURLs[provider]; ok && url != "" {
		return url
	}
	return fallback
}

func (o Options) timeout() time.Duration {
	if o.Timeout > 0 {
		return o.Timeout
	}
	return 120 * time.Second
}

func (o Options) logger() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

// Resolver maps model strings to adapters. Resolution results are cached
// per model string, so repeated requests for the same model reuse the same
// adapter instance.
type Resolver struct {
	factories *registry.BaseRegistry[Factory]
	cache     *registry.BaseRegistry[llm.AgentLoop]
	opts      Options
}

// NewResolver builds a resolver with every built-in provider registered.
func NewResolver(opts Options) *Resolver {
	r := &Resolver{
		factories: registry.NewBaseRegistry[Factory](),
		cache:     registry.NewBaseRegistry[llm.AgentLoop](),
		opts:      opts,
	}
	must := func(name string, f Factory) {
		if err := r.factories.Register(name, f); err != nil {
			panic(err)
		}
	}
	must(llm.ProviderOpenAI, newOpenAILoop)
	must(llm.ProviderAnthropic, newAnthropicLoop)
	must(llm.ProviderHuggingface, newVLMLoop)
	must(llm.ProviderOllama, newVLMLoop)
	must(llm.ProviderMLX, newVLMLoop)
	must(llm.ProviderOmniparser, newOmniparserLoop)
	must(llm.ProviderHuman, newHumanLoop)
	return r
}

// Register adds or replaces nothing; custom factories must use fresh names.
func (r *Resolver) Register(provider string, f Factory) error {
	return r.factories.Register(provider, f)
}

// Resolve returns the adapter for model, building and caching it on first
// use. Composite model strings produce a planner+grounder adapter.
func (r *Resolver) Resolve(model string) (llm.AgentLoop, error) {
	return r.cache.GetOrCreate(model, func() (llm.AgentLoop, error) {
		return r.build(model)
	})
}

func (r *Resolver) build(model string) (llm.AgentLoop, error) {
	spec, err := llm.ParseModelString(model)
	if err != nil {
		return nil, err
	}

	planner, err := r.buildRef(spec.Planner)
	if err != nil {
		return nil, err
	}
	if !spec.IsComposite() {
		return planner, nil
	}

	grounderLoop, err := r.buildRef(*spec.Grounder)
	if err != nil {
		return nil, err
	}
	grounder, ok := grounderLoop.(llm.Grounder)
	if !ok {
		return nil, fmt.Errorf("model %q: %s cannot ground clicks", model, spec.Grounder)
	}

	if spec.SetOfMarks {
		return newSetOfMarks(planner, grounderLoop.(*omniparserLoop), r.opts), nil
	}
	return newComposite(planner, grounder, r.opts), nil
}

func (r *Resolver) buildRef(ref llm.ModelRef) (llm.AgentLoop, error) {
	factory, ok := r.factories.Get(ref.Provider)
	if !ok {
		return nil, &llm.UnknownModelError{Model: ref.String()}
	}
	return factory(ref, r.opts)
}
