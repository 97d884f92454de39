// Package pricing computes per-response dollar cost from token usage, with
// a bundled rate table and a tokenizer-based estimate for providers that do
// not report usage.
package pricing

import (
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/cuahq/conductor/pkg/schema"
)

// Rate holds per-million-token prices in USD.
type Rate struct {
	InputPerM  float64
	OutputPerM float64
}

// rates maps model name prefixes to prices. Longest prefix wins. Local
// models (ollama, mlx, huggingface-local) are free and deliberately absent.
var rates = map[string]Rate{
	"computer-use-preview":       {InputPerM: 3.00, OutputPerM: 12.00},
	"gpt-4o":                     {InputPerM: 2.50, OutputPerM: 10.00},
	"gpt-4o-mini":                {InputPerM: 0.15, OutputPerM: 0.60},
	"gpt-4.1":                    {InputPerM: 2.00, OutputPerM: 8.00},
	"gpt-4.1-mini":               {InputPerM: 0.40, OutputPerM: 1.60},
	"claude-opus-4":              {InputPerM: 15.00, OutputPerM: 75.00},
	"claude-sonnet-4":            {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-3-7-sonnet":          {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-3-5-sonnet":          {InputPerM: 3.00, OutputPerM: 15.00},
	"claude-3-5-haiku":           {InputPerM: 0.80, OutputPerM: 4.00},
}

// LookupRate finds the rate for a model name, stripping any provider
// prefix ("anthropic/claude-3-5-sonnet-20241022" matches "claude-3-5-sonnet").
func LookupRate(model string) (Rate, bool) {
	if i := strings.LastIndex(model, "/"); i >= 0 {
		model = model[i+1:]
	}
	var (
		best    Rate
		bestLen = -1
	)
	for prefix, rate := range rates {
		if strings.HasPrefix(model, prefix) && len(prefix) > bestLen {
			best = rate
			bestLen = len(prefix)
		}
	}
	return best, bestLen >= 0
}

// Cost returns the dollar cost of usage under model's rates. Unknown models
// cost zero so that budget enforcement degrades to a step cap rather than
// failing the run.
func Cost(model string, usage schema.Usage) float64 {
	rate, ok := LookupRate(model)
	if !ok {
		return 0
	}
	return float64(usage.PromptTokens)/1e6*rate.InputPerM +
		float64(usage.CompletionTokens)/1e6*rate.OutputPerM
}

var (
	encOnce sync.Once
	enc     *tiktoken.Tiktoken
)

// EstimateTokens approximates the token count of text for providers that do
// not report usage. Falls back to a bytes/4 heuristic if the encoding
// cannot be loaded offline.
func EstimateTokens(text string) int {
	encOnce.Do(func() {
		e, err := tiktoken.GetEncoding("cl100k_base")
		if err == nil {
			enc = e
		}
	})
	if enc == nil {
		return len(text) / 4
	}
	return len(enc.Encode(text, nil, nil))
}
