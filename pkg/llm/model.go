package llm

import (
	"fmt"
	"strings"
)

// Provider identifiers recognized in model strings.
const (
	ProviderOpenAI      = "openai"
	ProviderAnthropic   = "anthropic"
	ProviderHuggingface = "huggingface-local"
	ProviderOllama      = "ollama_chat"
	ProviderMLX         = "mlx"
	ProviderOmniparser  = "omniparser"
	ProviderHuman       = "human"
)

// UnknownModelError reports a model string no adapter claims.
type UnknownModelError struct {
	Model string
}

func (e *UnknownModelError) Error() string {
	return fmt.Sprintf("unknown model %q", e.Model)
}

// ModelRef is one provider/name pair inside a model string.
type ModelRef struct {
	Provider string
	Name     string
}

// String reassembles the canonical provider/name form.
func (r ModelRef) String() string {
	if r.Name == "" {
		return r.Provider
	}
	return r.Provider + "/" + r.Name
}

// ModelSpec is the parsed form of a model string. A nil Grounder means a
// single all-in-one adapter; SetOfMarks marks the omniparser bundle where
// the grounder annotates the screenshot before the planner sees it.
type ModelSpec struct {
	Planner    ModelRef
	Grounder   *ModelRef
	SetOfMarks bool
}

// IsComposite reports whether the spec pairs a planner with a grounder.
func (s ModelSpec) IsComposite() bool { return s.Grounder != nil }

// ParseModelString parses the model grammar:
//
//	<ref>                  one adapter does planning and grounding
//	<planner>+<grounder>   composite: planner thinks, grounder points
//	omniparser+<vlm>       set-of-marks bundle (grounder runs first)
//
// where <ref> is provider/name or a bare name whose provider is inferred.
// More than one '+' is rejected.
func ParseModelString(model string) (ModelSpec, error) {
	model = strings.TrimSpace(model)
	if model == "" {
		return ModelSpec{}, &UnknownModelError{Model: model}
	}

	parts := strings.SplitN(model, "+", 3)
	switch len(parts) {
	case 1:
		ref, err := parseRef(parts[0])
		if err != nil {
			return ModelSpec{}, err
		}
		return ModelSpec{Planner: ref}, nil

	case 2:
		left, err := parseRef(parts[0])
		if err != nil {
			return ModelSpec{}, err
		}
		right, err := parseRef(parts[1])
		if err != nil {
			return ModelSpec{}, err
		}
		// The omniparser bundle is written grounder-first.
		if left.Provider == ProviderOmniparser {
			return ModelSpec{Planner: right, Grounder: &left, SetOfMarks: true}, nil
		}
		return ModelSpec{Planner: left, Grounder: &right}, nil

	default:
		return ModelSpec{}, fmt.Errorf("model %q: at most one '+' allowed", model)
	}
}

func parseRef(s string) (ModelRef, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return ModelRef{}, &UnknownModelError{Model: s}
	}

	if provider, name, ok := strings.Cut(s, "/"); ok {
		switch provider {
		case ProviderOpenAI, ProviderAnthropic, ProviderHuggingface,
			ProviderOllama, ProviderMLX, ProviderOmniparser, ProviderHuman:
			return ModelRef{Provider: provider, Name: name}, nil
		}
		return ModelRef{}, &UnknownModelError{Model: s}
	}

	// Bare names: infer the provider from well-known families.
	switch {
	case s == ProviderHuman:
		return ModelRef{Provider: ProviderHuman}, nil
	case s == ProviderOmniparser:
		return ModelRef{Provider: ProviderOmniparser}, nil
	case strings.HasPrefix(s, "claude"):
		return ModelRef{Provider: ProviderAnthropic, Name: s}, nil
	case strings.HasPrefix(s, "gpt"),
		strings.HasPrefix(s, "computer-use-preview"),
		strings.HasPrefix(s, "o1"),
		strings.HasPrefix(s, "o3"),
		strings.HasPrefix(s, "o4"):
		return ModelRef{Provider: ProviderOpenAI, Name: s}, nil
	}
	return ModelRef{}, &UnknownModelError{Model: s}
}
