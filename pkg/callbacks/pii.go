package callbacks

import (
	"context"
	"regexp"

	"github.com/cuahq/conductor/pkg/schema"
)

// PIIScrubber redacts likely-sensitive strings from message text before
// downstream observers (notably the trajectory writer) see them. It only
// rewrites the observed copy; the live conversation is untouched.
type PIIScrubber struct {
	NoopCallback
}

var piiPatterns = []struct {
	re          *regexp.Regexp
	replacement string
}{
	{regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`), "[email]"},
	{regexp.MustCompile(`\b(?:\d[ -]?){13,19}\b`), "[card]"},
	{regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`), "[ssn]"},
	{regexp.MustCompile(`\bsk-[A-Za-z0-9_-]{10,}\b`), "[api-key]"},
	{regexp.MustCompile(`(?i)\bbearer\s+[A-Za-z0-9._~+/-]+=*`), "bearer [token]"},
}

func scrubText(s string) string {
	for _, p := range piiPatterns {
		s = p.re.ReplaceAllString(s, p.replacement)
	}
	return s
}

func (PIIScrubber) OnMessage(_ context.Context, _ *RunContext, msg schema.Message) (schema.Message, bool, error) {
	out := msg
	if len(msg.Content) > 0 {
		content := make([]schema.ContentPart, len(msg.Content))
		copy(content, msg.Content)
		for i := range content {
			content[i].Text = scrubText(content[i].Text)
		}
		out.Content = content
	}
	if len(msg.Summary) > 0 {
		summary := make([]schema.ContentPart, len(msg.Summary))
		copy(summary, msg.Summary)
		for i := range summary {
			summary[i].Text = scrubText(summary[i].Text)
		}
		out.Summary = summary
	}
	if msg.Action != nil && msg.Action.Text != "" {
		action := *msg.Action
		action.Text = scrubText(action.Text)
		out.Action = &action
	}
	if msg.Output != nil && msg.Output.Text != "" {
		output := *msg.Output
		output.Text = scrubText(output.Text)
		out.Output = &output
	}
	if msg.Arguments != "" {
		out.Arguments = scrubText(msg.Arguments)
	}
	return out, true, nil
}
