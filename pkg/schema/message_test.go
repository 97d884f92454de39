package schema

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMessageRoundTrip(t *testing.T) {
	msgs := []Message{
		UserMessage("open the settings panel"),
		{
			Type: MessageUser,
			Content: []ContentPart{
				{Type: ContentInputText, Text: "look at this"},
				{Type: ContentInputImage, ImageURL: "data:image/png;base64,AAAA"},
			},
		},
		AssistantMessage("done"),
		ReasoningMessage("the button is in the top right"),
		ComputerCall("call_1", ClickAction(0, 0, ButtonLeft)),
		ScreenshotOutput("call_1", "data:image/png;base64,BBBB"),
		FunctionCall("call_2", "ground", `"the Submit button"`),
		FunctionCallOutput("call_2", "ok"),
		ComputerCall("call_3", Action{
			Type:    ActionScroll,
			X:       Int(10),
			Y:       Int(20),
			ScrollX: Int(0),
			ScrollY: Int(-120),
		}),
		ComputerCall("call_4", Action{
			Type: ActionDrag,
			Path: []Point{{X: 1, Y: 2}, {X: 3, Y: 4}},
		}),
		ComputerCall("call_5", Action{Type: ActionKeyPress, Keys: []string{"ctrl", "c"}}),
	}

	for _, m := range msgs {
		data, err := json.Marshal(m)
		require.NoError(t, err)

		decoded, err := DecodeMessage(data)
		require.NoError(t, err, "message %s", data)
		assert.Equal(t, m, decoded, "round trip mismatch for %s", data)
	}
}

func TestDecodeMessageRoleShape(t *testing.T) {
	// The OpenAI items shape keys user turns by role with string content.
	m, err := DecodeMessage([]byte(`{"role":"user","content":"hello"}`))
	require.NoError(t, err)
	assert.Equal(t, MessageUser, m.Type)
	assert.Equal(t, "hello", m.Text())

	m, err = DecodeMessage([]byte(`{"type":"message","role":"assistant","content":[{"type":"output_text","text":"hi"}]}`))
	require.NoError(t, err)
	assert.Equal(t, MessageAssistant, m.Type)
	assert.Equal(t, "hi", m.Text())
}

func TestDecodeMessageIgnoresUnknownFields(t *testing.T) {
	raw := `{"type":"computer_call","call_id":"c1","status":"completed",
		"action":{"type":"click","x":5,"y":6,"extra":"ignored"},
		"provider_specific":{"a":1}}`
	m, err := DecodeMessage([]byte(raw))
	require.NoError(t, err)
	x, y, ok := m.Action.Coordinates()
	require.True(t, ok)
	assert.Equal(t, 5, x)
	assert.Equal(t, 6, y)
}

func TestDecodeMessageRejectsUnknownVariant(t *testing.T) {
	_, err := DecodeMessage([]byte(`{"type":"telepathy","content":[]}`))
	require.Error(t, err)
}

func TestFunctionCallOutputString(t *testing.T) {
	m := FunctionCallOutput("call_9", "result text")
	data, err := json.Marshal(m)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"output":"result text"`)

	decoded, err := DecodeMessage(data)
	require.NoError(t, err)
	assert.Equal(t, "result text", decoded.Output.Text)
}

func TestActionValidate(t *testing.T) {
	tests := []struct {
		name    string
		action  Action
		wantErr bool
	}{
		{"click ok", ClickAction(1, 2, ButtonLeft), false},
		{"click zero coords ok", ClickAction(0, 0, ""), false},
		{"click missing y", Action{Type: ActionClick, X: Int(1)}, true},
		{"click bad button", Action{Type: ActionClick, X: Int(1), Y: Int(2), Button: "middle"}, true},
		{"drag short path", Action{Type: ActionDrag, Path: []Point{{X: 1, Y: 1}}}, true},
		{"drag ok", Action{Type: ActionDrag, Path: []Point{{X: 1, Y: 1}, {X: 2, Y: 2}}}, false},
		{"keypress empty", Action{Type: ActionKeyPress}, true},
		{"scroll missing deltas", Action{Type: ActionScroll, X: Int(1), Y: Int(2)}, true},
		{"screenshot ok", ScreenshotAction(), false},
		{"wait ok", Action{Type: ActionWait}, false},
		{"unknown", Action{Type: "teleport"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.action.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestMessageValidate(t *testing.T) {
	bad := []Message{
		{Type: MessageUser},
		{Type: MessageReasoning},
		{Type: MessageComputerCall, CallID: "c"},
		{Type: MessageComputerCallOutput, CallID: "c"},
		{Type: MessageFunctionCall, CallID: "c"},
		{Type: "bogus"},
	}
	for _, m := range bad {
		assert.Error(t, m.Validate(), "expected invalid: %+v", m)
	}
}

func TestUsageAdd(t *testing.T) {
	var u Usage
	u.Add(Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15, ResponseCost: 0.01})
	u.Add(Usage{PromptTokens: 20, CompletionTokens: 2, TotalTokens: 22, ResponseCost: 0.02})
	assert.Equal(t, 30, u.PromptTokens)
	assert.Equal(t, 7, u.CompletionTokens)
	assert.Equal(t, 37, u.TotalTokens)
	assert.InDelta(t, 0.03, u.ResponseCost, 1e-9)
}
