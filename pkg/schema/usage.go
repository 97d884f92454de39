package schema

// Usage tracks token consumption and cost. It is accumulated per turn and
// surfaced per run.
type Usage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	ResponseCost     float64 `json:"response_cost"`
}

// Add accumulates v into u.
func (u *Usage) Add(v Usage) {
	u.PromptTokens += v.PromptTokens
	u.CompletionTokens += v.CompletionTokens
	u.TotalTokens += v.TotalTokens
	u.ResponseCost += v.ResponseCost
}
