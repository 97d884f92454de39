package callbacks

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/schema"
)

func TestScrubText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"mail me at alice@example.org today", "mail me at [email] today"},
		{"card 4111 1111 1111 1111 thanks", "card [card] thanks"},
		{"ssn 123-45-6789", "ssn [ssn]"},
		{"key sk-abcDEF123456789xyz here", "key [api-key] here"},
		{"Authorization: Bearer abc.def.ghi", "Authorization: bearer [token]"},
		{"nothing sensitive", "nothing sensitive"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, scrubText(tt.in), tt.in)
	}
}

func TestPIIScrubberRewritesCopy(t *testing.T) {
	msg := schema.Message{
		Type:   schema.MessageComputerCall,
		CallID: "c1",
		Action: &schema.Action{Type: schema.ActionTypeText, Text: "login as carol@example.com"},
	}
	out, keep, err := PIIScrubber{}.OnMessage(context.Background(), testRunContext(), msg)
	require.NoError(t, err)
	assert.True(t, keep)
	assert.Equal(t, "login as [email]", out.Action.Text)
	// Original untouched.
	assert.Equal(t, "login as carol@example.com", msg.Action.Text)
}
