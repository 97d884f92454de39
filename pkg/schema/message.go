// Package schema defines the canonical wire types exchanged between the
// orchestrator, agent loop adapters, callbacks, and the proxy surface.
//
// Every adapter converts provider-native shapes to and from these types;
// no provider-specific shape escapes the core. Messages are immutable once
// emitted: rewriting hooks return new slices instead of mutating in place.
package schema

import (
	"encoding/json"
	"fmt"
)

// MessageType discriminates the message variants on the wire.
type MessageType string

const (
	MessageUser               MessageType = "user"
	MessageAssistant          MessageType = "assistant"
	MessageReasoning          MessageType = "reasoning"
	MessageComputerCall       MessageType = "computer_call"
	MessageComputerCallOutput MessageType = "computer_call_output"
	MessageFunctionCall       MessageType = "function_call"
	MessageFunctionCallOutput MessageType = "function_call_output"
)

// ContentType discriminates content parts inside messages.
type ContentType string

const (
	ContentInputText          ContentType = "input_text"
	ContentInputImage         ContentType = "input_image"
	ContentOutputText         ContentType = "output_text"
	ContentSummaryText        ContentType = "summary_text"
	ContentComputerScreenshot ContentType = "computer_screenshot"
)

// ContentPart is a single element of a message content list.
type ContentPart struct {
	Type     ContentType `json:"type"`
	Text     string      `json:"text,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
}

// CallOutput carries the result of a computer_call or function_call.
// Computer calls produce a computer_screenshot part; function calls produce
// a bare string. Both shapes appear on the wire, so marshaling is custom.
type CallOutput struct {
	Type     ContentType `json:"type,omitempty"`
	ImageURL string      `json:"image_url,omitempty"`
	Text     string      `json:"-"`
}

// MarshalJSON encodes a structured screenshot output as an object and a
// function result as a plain JSON string.
func (o CallOutput) MarshalJSON() ([]byte, error) {
	if o.Type == "" && o.ImageURL == "" {
		return json.Marshal(o.Text)
	}
	type alias CallOutput
	return json.Marshal(alias(o))
}

// UnmarshalJSON accepts either a plain string or a screenshot object.
func (o *CallOutput) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		return json.Unmarshal(data, &o.Text)
	}
	type alias CallOutput
	var a alias
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*o = CallOutput(a)
	return nil
}

// Message is the canonical tagged record for everything that flows through
// a run: user input, assistant output, model reasoning, computer and
// function calls, and their outputs. Which fields are meaningful depends
// on Type; Validate enforces the per-variant requirements.
type Message struct {
	Type MessageType `json:"type"`

	// user / assistant
	Content []ContentPart `json:"content,omitempty"`

	// reasoning
	Summary []ContentPart `json:"summary,omitempty"`

	// computer_call / function_call / *_output
	CallID string      `json:"call_id,omitempty"`
	Status string      `json:"status,omitempty"`
	Action *Action     `json:"action,omitempty"`
	Output *CallOutput `json:"output,omitempty"`

	// function_call
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`

	// computer_call safety checks raised by the provider. The orchestrator
	// acknowledges them on the paired output so the loop can proceed.
	PendingSafetyChecks      []SafetyCheck `json:"pending_safety_checks,omitempty"`
	AcknowledgedSafetyChecks []SafetyCheck `json:"acknowledged_safety_checks,omitempty"`
}

// SafetyCheck is a provider-raised caution attached to a computer_call.
type SafetyCheck struct {
	ID      string `json:"id"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// UnmarshalJSON decodes tolerantly: unknown fields are ignored, user and
// assistant messages may arrive keyed by "role" instead of "type" (the
// OpenAI items shape), and string content is promoted to a single text part.
func (m *Message) UnmarshalJSON(data []byte) error {
	var raw struct {
		Type      MessageType     `json:"type"`
		Role      string          `json:"role"`
		Content   json.RawMessage `json:"content"`
		Summary   []ContentPart   `json:"summary"`
		CallID    string          `json:"call_id"`
		Status    string          `json:"status"`
		Action    *Action         `json:"action"`
		Output    *CallOutput     `json:"output"`
		Name      string          `json:"name"`
		Arguments string          `json:"arguments"`

		PendingSafetyChecks      []SafetyCheck `json:"pending_safety_checks"`
		AcknowledgedSafetyChecks []SafetyCheck `json:"acknowledged_safety_checks"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	m.Type = raw.Type
	if m.Type == "" || m.Type == "message" {
		switch raw.Role {
		case "user":
			m.Type = MessageUser
		case "assistant":
			m.Type = MessageAssistant
		}
	}
	m.Summary = raw.Summary
	m.CallID = raw.CallID
	m.Status = raw.Status
	m.Action = raw.Action
	m.Output = raw.Output
	m.Name = raw.Name
	m.Arguments = raw.Arguments
	m.PendingSafetyChecks = raw.PendingSafetyChecks
	m.AcknowledgedSafetyChecks = raw.AcknowledgedSafetyChecks

	if len(raw.Content) > 0 {
		if raw.Content[0] == '"' {
			var text string
			if err := json.Unmarshal(raw.Content, &text); err != nil {
				return err
			}
			part := ContentPart{Type: ContentInputText, Text: text}
			if m.Type == MessageAssistant {
				part.Type = ContentOutputText
			}
			m.Content = []ContentPart{part}
		} else {
			if err := json.Unmarshal(raw.Content, &m.Content); err != nil {
				return err
			}
		}
	}
	return nil
}

// Text concatenates the textual parts of the message.
func (m *Message) Text() string {
	var out string
	for _, p := range m.Content {
		if p.Type == ContentInputText || p.Type == ContentOutputText {
			out += p.Text
		}
	}
	for _, p := range m.Summary {
		if p.Type == ContentSummaryText {
			out += p.Text
		}
	}
	return out
}

// IsTerminal reports whether the message ends a run: an assistant message
// with no trailing computer work attached.
func (m *Message) IsTerminal() bool {
	return m.Type == MessageAssistant
}

// Validate enforces the per-variant required fields. Coordinates are
// checked on the embedded Action where present.
func (m *Message) Validate() error {
	switch m.Type {
	case MessageUser, MessageAssistant:
		if len(m.Content) == 0 {
			return fmt.Errorf("%s message requires content", m.Type)
		}
	case MessageReasoning:
		if len(m.Summary) == 0 {
			return fmt.Errorf("reasoning message requires summary")
		}
	case MessageComputerCall:
		if m.CallID == "" {
			return fmt.Errorf("computer_call requires call_id")
		}
		if m.Action == nil {
			return fmt.Errorf("computer_call requires action")
		}
		if err := m.Action.Validate(); err != nil {
			return fmt.Errorf("computer_call %s: %w", m.CallID, err)
		}
	case MessageComputerCallOutput:
		if m.CallID == "" {
			return fmt.Errorf("computer_call_output requires call_id")
		}
		if m.Output == nil {
			return fmt.Errorf("computer_call_output requires output")
		}
	case MessageFunctionCall:
		if m.CallID == "" || m.Name == "" {
			return fmt.Errorf("function_call requires call_id and name")
		}
	case MessageFunctionCallOutput:
		if m.CallID == "" {
			return fmt.Errorf("function_call_output requires call_id")
		}
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}

// DecodeMessage decodes one canonical message, rejecting unknown variants.
// Use at trust boundaries (the HTTP proxy); adapters decode leniently and
// skip what they do not understand.
func DecodeMessage(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// DecodeMessages decodes a JSON array of canonical messages strictly.
func DecodeMessages(data []byte) ([]Message, error) {
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, fmt.Errorf("decode messages: %w", err)
	}
	msgs := make([]Message, 0, len(raws))
	for i, raw := range raws {
		m, err := DecodeMessage(raw)
		if err != nil {
			return nil, fmt.Errorf("message %d: %w", i, err)
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

// UserMessage builds a user message from plain text.
func UserMessage(text string) Message {
	return Message{
		Type:    MessageUser,
		Content: []ContentPart{{Type: ContentInputText, Text: text}},
	}
}

// UserImageMessage builds a user message carrying a single image.
func UserImageMessage(imageURL string) Message {
	return Message{
		Type:    MessageUser,
		Content: []ContentPart{{Type: ContentInputImage, ImageURL: imageURL}},
	}
}

// AssistantMessage builds an assistant message from plain text.
func AssistantMessage(text string) Message {
	return Message{
		Type:    MessageAssistant,
		Content: []ContentPart{{Type: ContentOutputText, Text: text}},
	}
}

// ReasoningMessage builds a reasoning trace message.
func ReasoningMessage(text string) Message {
	return Message{
		Type:    MessageReasoning,
		Summary: []ContentPart{{Type: ContentSummaryText, Text: text}},
	}
}

// ComputerCall builds a computer_call with the given action.
func ComputerCall(callID string, action Action) Message {
	a := action
	return Message{
		Type:   MessageComputerCall,
		CallID: callID,
		Status: "completed",
		Action: &a,
	}
}

// ScreenshotOutput builds the computer_call_output answering callID.
func ScreenshotOutput(callID, imageURL string) Message {
	return Message{
		Type:   MessageComputerCallOutput,
		CallID: callID,
		Output: &CallOutput{Type: ContentComputerScreenshot, ImageURL: imageURL},
	}
}

// FunctionCall builds a function_call message. arguments must be a JSON string.
func FunctionCall(callID, name, arguments string) Message {
	return Message{
		Type:      MessageFunctionCall,
		CallID:    callID,
		Status:    "completed",
		Name:      name,
		Arguments: arguments,
	}
}

// FunctionCallOutput builds the stringified result for callID.
func FunctionCallOutput(callID, output string) Message {
	return Message{
		Type:   MessageFunctionCallOutput,
		CallID: callID,
		Output: &CallOutput{Text: output},
	}
}
