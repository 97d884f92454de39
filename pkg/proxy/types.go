// Package proxy exposes the agent over two transports sharing one
// dispatch path: HTTP POST /responses and a websocket data channel
// carrying the same JSON frames.
package proxy

import (
	"encoding/json"
	"fmt"

	"github.com/mitchellh/mapstructure"

	"github.com/cuahq/conductor/pkg/schema"
)

// Input accepts either a plain task string or an array of canonical
// messages on the wire.
type Input struct {
	Messages []schema.Message
}

func (in *Input) UnmarshalJSON(data []byte) error {
	var task string
	if err := json.Unmarshal(data, &task); err == nil {
		in.Messages = []schema.Message{schema.UserMessage(task)}
		return nil
	}
	msgs, err := schema.DecodeMessages(data)
	if err != nil {
		return fmt.Errorf("input must be a string or a message array: %w", err)
	}
	in.Messages = msgs
	return nil
}

func (in Input) MarshalJSON() ([]byte, error) {
	return json.Marshal(in.Messages)
}

// Request is the dispatch payload shared by both transports. The kwargs
// maps are decoded into typed option structs before any run state exists.
type Request struct {
	Model          string            `json:"model"`
	Input          Input             `json:"input"`
	AgentKwargs    map[string]any    `json:"agent_kwargs,omitempty"`
	ComputerKwargs map[string]any    `json:"computer_kwargs,omitempty"`
	Env            map[string]string `json:"env,omitempty"`
}

// Response is returned for every request, including failed ones. Errors
// never surface as transport faults.
type Response struct {
	Output    []schema.Message `json:"output"`
	Usage     schema.Usage     `json:"usage"`
	Status    string           `json:"status"`
	Error     string           `json:"error,omitempty"`
	SessionID string           `json:"session_id,omitempty"`
}

// AgentOptions are the per-request agent knobs a caller may set.
type AgentOptions struct {
	SessionID            string  `mapstructure:"session_id"`
	MaxSteps             int     `mapstructure:"max_steps"`
	MaxTrajectoryBudget  float64 `mapstructure:"max_trajectory_budget"`
	ImageRetentionWindow int     `mapstructure:"image_retention_window"`
	SaveTrajectory       bool    `mapstructure:"save_trajectory"`
	TrajectoryDir        string  `mapstructure:"trajectory_dir"`
	UsePromptCaching     bool    `mapstructure:"use_prompt_caching"`
	MaxTokens            int     `mapstructure:"max_tokens"`
	Temperature          float64 `mapstructure:"temperature"`
}

// ComputerOptions select the computer to lease for the run.
type ComputerOptions struct {
	OSType       string `mapstructure:"os_type"`
	ProviderType string `mapstructure:"provider_type"`
	Name         string `mapstructure:"name"`
	Width        int    `mapstructure:"width"`
	Height       int    `mapstructure:"height"`
	Image        string `mapstructure:"image"`
	Memory       string `mapstructure:"memory"`
	CPU          string `mapstructure:"cpu"`
}

// decodeKwargs maps a loose JSON object into a typed option struct,
// rejecting keys the struct does not know.
func decodeKwargs(raw map[string]any, out any) error {
	if raw == nil {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		ErrorUnused:      true,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return err
	}
	return dec.Decode(raw)
}
