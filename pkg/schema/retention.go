package schema

import "fmt"

// RetainRecentScreenshots returns a rewritten copy of msgs in which at most
// n computer_call_output screenshots remain expanded. Older screenshot
// payloads are replaced by a compact text placeholder so the call/output
// pairing stays balanced while the context window stays small.
//
// n <= 0 disables trimming. The input slice is never mutated.
func RetainRecentScreenshots(msgs []Message, n int) []Message {
	if n <= 0 {
		return msgs
	}

	var expanded []int
	for i, m := range msgs {
		if m.Type == MessageComputerCallOutput && m.Output != nil && m.Output.ImageURL != "" {
			expanded = append(expanded, i)
		}
	}
	if len(expanded) <= n {
		return msgs
	}

	trim := make(map[int]bool, len(expanded)-n)
	for _, idx := range expanded[:len(expanded)-n] {
		trim[idx] = true
	}

	out := make([]Message, len(msgs))
	copy(out, msgs)
	for idx := range trim {
		m := out[idx]
		m.Output = &CallOutput{Text: fmt.Sprintf("screenshot elided (call_id %s)", m.CallID)}
		out[idx] = m
	}
	return out
}

// ExpandedScreenshots counts the computer_call_output messages that still
// carry a full screenshot payload.
func ExpandedScreenshots(msgs []Message) int {
	count := 0
	for _, m := range msgs {
		if m.Type == MessageComputerCallOutput && m.Output != nil && m.Output.ImageURL != "" {
			count++
		}
	}
	return count
}

// LastScreenshot returns the most recent screenshot image URL in the
// conversation, searching computer_call_output payloads first and user
// input images as a fallback.
func LastScreenshot(msgs []Message) (string, bool) {
	for i := len(msgs) - 1; i >= 0; i-- {
		m := msgs[i]
		if m.Type == MessageComputerCallOutput && m.Output != nil && m.Output.ImageURL != "" {
			return m.Output.ImageURL, true
		}
		if m.Type == MessageUser {
			for j := len(m.Content) - 1; j >= 0; j-- {
				if m.Content[j].Type == ContentInputImage && m.Content[j].ImageURL != "" {
					return m.Content[j].ImageURL, true
				}
			}
		}
	}
	return "", false
}
