package callbacks

import (
	"context"

	"github.com/cuahq/conductor/pkg/schema"
)

// ImageRetention keeps only the most recent N screenshots expanded in the
// conversation the model sees. The persisted conversation is untouched;
// the trim happens on the copy handed to the adapter.
type ImageRetention struct {
	NoopCallback
	// N is the number of screenshots to keep. Zero or negative disables
	// trimming.
	N int
}

func (r *ImageRetention) BeforeStep(_ context.Context, _ *RunContext, msgs []schema.Message) ([]schema.Message, error) {
	return schema.RetainRecentScreenshots(msgs, r.N), nil
}
