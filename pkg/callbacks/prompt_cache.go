package callbacks

import "context"

// PromptCacheHinter turns on prompt caching for the run. Adapters that
// support provider-side caching mark the stable prefix of the
// conversation as cacheable.
type PromptCacheHinter struct {
	NoopCallback
}

func (PromptCacheHinter) OnRunStart(_ context.Context, rc *RunContext) error {
	rc.UsePromptCaching = true
	return nil
}
