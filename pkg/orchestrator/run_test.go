package orchestrator

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuahq/conductor/pkg/callbacks"
	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/httpclient"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/schema"
)

// scriptStep is one canned model turn: either a response or an error.
type scriptStep struct {
	output []schema.Message
	usage  schema.Usage
	respID string
	err    error
}

type scriptedLoop struct {
	steps    []scriptStep
	requests []*llm.StepRequest
}

func (s *scriptedLoop) PredictStep(ctx context.Context, req *llm.StepRequest) (*llm.StepResponse, error) {
	// Snapshot the request; the orchestrator reuses buffers across steps.
	reqCopy := *req
	reqCopy.Messages = append([]schema.Message{}, req.Messages...)
	s.requests = append(s.requests, &reqCopy)

	if len(s.steps) == 0 {
		return nil, errors.New("script exhausted")
	}
	step := s.steps[0]
	s.steps = s.steps[1:]
	if step.err != nil {
		return nil, step.err
	}
	return &llm.StepResponse{Output: step.output, Usage: step.usage, ResponseID: step.respID}, nil
}

func testConfig() Config {
	return Config{
		Model:     "anthropic/claude-sonnet-4-20250514",
		SessionID: "sess-test",
		MaxSteps:  10,
		Env:       config.SnapshotEnv(),
		Logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func countTypes(msgs []schema.Message) map[schema.MessageType]int {
	counts := map[schema.MessageType]int{}
	for _, m := range msgs {
		counts[m.Type]++
	}
	return counts
}

func TestRunHappyPath(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{
			output: []schema.Message{
				schema.ReasoningMessage("clicking the gear"),
				schema.ComputerCall("call_1", schema.ClickAction(100, 200, schema.ButtonLeft)),
			},
			usage:  schema.Usage{PromptTokens: 100, CompletionTokens: 10, TotalTokens: 110},
			respID: "resp_1",
		},
		{
			output: []schema.Message{schema.AssistantMessage("settings opened")},
			usage:  schema.Usage{PromptTokens: 120, CompletionTokens: 5, TotalTokens: 125},
			respID: "resp_2",
		},
	}}
	rec := computer.NewRecorder("test")

	result, err := New(loop, rec, nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("open settings")})
	require.NoError(t, err)

	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "settings opened", result.Output)
	assert.Equal(t, 235, result.Usage.TotalTokens)

	// Click dispatches a cursor move before the press.
	calls := rec.Calls()
	assert.Contains(t, calls, "move 100,200")
	assert.Contains(t, calls, "left_click 100,200")

	// Balanced pairs: every computer_call has its output.
	counts := countTypes(result.Messages)
	assert.Equal(t, counts[schema.MessageComputerCall], counts[schema.MessageComputerCallOutput])

	// Server-side state threads through.
	require.Len(t, loop.requests, 2)
	assert.Empty(t, loop.requests[0].PreviousResponseID)
	assert.Equal(t, "resp_1", loop.requests[1].PreviousResponseID)

	// The first ask already carries a screenshot.
	_, ok := schema.LastScreenshot(loop.requests[0].Messages)
	assert.True(t, ok)
}

func TestRunStepLimit(t *testing.T) {
	// A model that never finishes.
	var steps []scriptStep
	for i := 0; i < 20; i++ {
		steps = append(steps, scriptStep{output: []schema.Message{
			schema.ComputerCall("call_x", schema.ClickAction(1, 1, schema.ButtonLeft)),
		}})
	}
	loop := &scriptedLoop{steps: steps}
	cfg := testConfig()
	cfg.MaxSteps = 3

	result, err := New(loop, computer.NewRecorder("test"), nil, cfg).Run(context.Background(),
		[]schema.Message{schema.UserMessage("loop forever")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, loop.requests, 3)

	// The stop is explained by a terminal assistant message.
	last := result.Messages[len(result.Messages)-1]
	assert.Equal(t, schema.MessageAssistant, last.Type)
	assert.Contains(t, last.Text(), "step limit")
	assert.Equal(t, last.Text(), result.Output)

	counts := countTypes(result.Messages)
	assert.Equal(t, counts[schema.MessageComputerCall], counts[schema.MessageComputerCallOutput])
}

type skipAll struct{ callbacks.NoopCallback }

func (skipAll) BeforeAction(context.Context, *callbacks.RunContext, schema.Message) (callbacks.Decision, error) {
	return callbacks.Skip, nil
}

func TestRunSkippedActionStaysBalanced(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.ComputerCall("call_1", schema.ClickAction(5, 5, schema.ButtonLeft))}},
		{output: []schema.Message{schema.AssistantMessage("done")}},
	}}
	rec := computer.NewRecorder("test")
	pipeline := callbacks.NewPipeline(skipAll{})

	result, err := New(loop, rec, pipeline, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// The click never reached the device, but its output exists.
	for _, c := range rec.Calls() {
		assert.NotContains(t, c, "click")
	}
	var found bool
	for _, m := range result.Messages {
		if m.Type == schema.MessageComputerCallOutput && m.CallID == "call_1" {
			found = true
			assert.Contains(t, m.Output.Text, "skipped")
		}
	}
	assert.True(t, found)
}

func TestRunNoopFunctionCall(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.FunctionCall("call_n", "noop", `{"content":"gibberish"}`)}},
		{output: []schema.Message{schema.AssistantMessage("recovered")}},
	}}

	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// The noop echo went back to the model on the next ask.
	secondAsk := loop.requests[1].Messages
	last := secondAsk[len(secondAsk)-1]
	assert.Equal(t, schema.MessageFunctionCallOutput, last.Type)
	assert.Equal(t, "call_n", last.CallID)
	assert.Contains(t, last.Output.Text, "gibberish")
}

func TestRunUnknownToolFails(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.FunctionCall("call_u", "rm_rf", `{}`)}},
	}}

	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.Error(t, err)
	assert.True(t, httpclient.IsTarget(err))
	assert.Equal(t, StatusFailed, result.Status)

	// Still answered before failing.
	counts := countTypes(result.Messages)
	assert.Equal(t, counts[schema.MessageFunctionCall], counts[schema.MessageFunctionCallOutput])
}

func TestRunTransientLLMErrorRetried(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{err: httpclient.NewTransportError("connection reset", nil)},
		{output: []schema.Message{schema.AssistantMessage("ok")}},
	}}
	orch := New(loop, computer.NewRecorder("test"), nil, testConfig())
	orch.llmRetry.Base = time.Millisecond

	result, err := orch.Run(context.Background(), []schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Len(t, loop.requests, 2)
}

func TestRunTargetLLMErrorFailsFast(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{err: httpclient.NewTargetError("bad request", nil)},
		{output: []schema.Message{schema.AssistantMessage("never reached")}},
	}}

	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)
	assert.Len(t, loop.requests, 1)
}

type recoverOnce struct {
	callbacks.NoopCallback
	used bool
}

func (r *recoverOnce) OnError(_ context.Context, _ *callbacks.RunContext, stepErr error) ([]schema.Message, bool, error) {
	if r.used {
		return nil, false, nil
	}
	r.used = true
	return []schema.Message{schema.UserMessage("please try a different approach")}, true, nil
}

func TestRunErrorRecovery(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{err: httpclient.NewTargetError("model rejected input", nil)},
		{output: []schema.Message{schema.AssistantMessage("second try worked")}},
	}}
	pipeline := callbacks.NewPipeline(&recoverOnce{})

	result, err := New(loop, computer.NewRecorder("test"), pipeline, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)
	assert.Equal(t, "second try worked", result.Output)

	// The recovery message entered the conversation.
	secondAsk := loop.requests[1].Messages
	assert.Equal(t, "please try a different approach", secondAsk[len(secondAsk)-1].Text())
}

func TestRunBudgetExceeded(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{
			output: []schema.Message{schema.ComputerCall("c1", schema.ClickAction(1, 1, schema.ButtonLeft))},
			usage:  schema.Usage{PromptTokens: 10_000_000, CompletionTokens: 1000},
		},
	}}
	pipeline := callbacks.NewPipeline(&callbacks.BudgetCap{MaxBudget: 0.01})

	result, err := New(loop, computer.NewRecorder("test"), pipeline, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// A spent budget is a clean stop with the cause in the conversation.
	last := result.Messages[len(result.Messages)-1]
	assert.Equal(t, schema.MessageAssistant, last.Type)
	assert.Contains(t, last.Text(), "budget")
	assert.Equal(t, last.Text(), result.Output)
}

func TestRunFailureLeavesTerminalAssistantMessage(t *testing.T) {
	loop := &scriptedLoop{steps: []scriptStep{
		{err: httpclient.NewTargetError("model rejected input", nil)},
	}}

	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.Error(t, err)
	assert.Equal(t, StatusFailed, result.Status)

	last := result.Messages[len(result.Messages)-1]
	require.Equal(t, schema.MessageAssistant, last.Type)
	assert.Contains(t, last.Text(), "model rejected input")
	assert.Equal(t, last.Text(), result.Output)
}

func TestRunCancellationLeavesTerminalAssistantMessage(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.AssistantMessage("never")}},
	}}
	result, _ := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(ctx,
		[]schema.Message{schema.UserMessage("task")})
	assert.Equal(t, StatusCancelled, result.Status)

	last := result.Messages[len(result.Messages)-1]
	require.Equal(t, schema.MessageAssistant, last.Type)
	assert.Contains(t, last.Text(), "cancelled")
}

func TestRunGroundingCallNeedsNoFunctionOutput(t *testing.T) {
	ground := schema.FunctionCall("call_g", "ground", "the Submit button")
	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{
			ground,
			schema.ComputerCall("call_1", schema.ClickAction(40, 60, schema.ButtonLeft)),
		}},
		{output: []schema.Message{schema.AssistantMessage("submitted")}},
	}}

	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, result.Status)

	// The grounding call is answered by the computer_call that follows it.
	counts := countTypes(result.Messages)
	assert.Equal(t, 1, counts[schema.MessageFunctionCall])
	assert.Zero(t, counts[schema.MessageFunctionCallOutput])
	assert.Equal(t, counts[schema.MessageComputerCall], counts[schema.MessageComputerCallOutput])
}

func TestRunCancelledBeforeStart(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.AssistantMessage("never")}},
	}}
	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(ctx,
		[]schema.Message{schema.UserMessage("task")})
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, result.Status)
	assert.Empty(t, loop.requests)
}

func TestRunCancelledDuringActionBalancesPairs(t *testing.T) {
	rec := computer.NewRecorder("test")
	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.ComputerCall("call_1", schema.TypeAction("hello"))}},
	}}
	orch := New(loop, rec, nil, testConfig())

	// The device reports cancellation when the action executes. The input
	// carries a screenshot so the initial capture is skipped.
	rec.FailNext(context.Canceled)
	result, err := orch.Run(context.Background(), []schema.Message{
		schema.UserMessage("task"),
		schema.UserImageMessage("data:image/png;base64,AAAA"),
	})
	require.Error(t, err)
	assert.Equal(t, StatusCancelled, result.Status)

	// The interrupted call still got its paired output.
	var found bool
	for _, m := range result.Messages {
		if m.Type == schema.MessageComputerCallOutput && m.CallID == "call_1" {
			assert.Equal(t, "cancelled", m.Output.Text)
			found = true
		}
	}
	assert.True(t, found)
}

func TestRunSafetyChecksAcknowledged(t *testing.T) {
	call := schema.ComputerCall("call_1", schema.ClickAction(1, 1, schema.ButtonLeft))
	call.PendingSafetyChecks = []schema.SafetyCheck{{ID: "sc_1", Code: "malicious_instructions"}}

	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{call}},
		{output: []schema.Message{schema.AssistantMessage("done")}},
	}}

	result, err := New(loop, computer.NewRecorder("test"), nil, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)

	var acked bool
	for _, m := range result.Messages {
		if m.Type == schema.MessageComputerCallOutput && m.CallID == "call_1" {
			require.Len(t, m.AcknowledgedSafetyChecks, 1)
			assert.Equal(t, "sc_1", m.AcknowledgedSafetyChecks[0].ID)
			acked = true
		}
	}
	assert.True(t, acked)
}

func TestRunTrajectoryEndToEnd(t *testing.T) {
	dir := t.TempDir()
	w := &callbacks.TrajectoryWriter{Dir: dir}
	pipeline := callbacks.NewPipeline(callbacks.PIIScrubber{}, w)

	loop := &scriptedLoop{steps: []scriptStep{
		{output: []schema.Message{schema.ComputerCall("call_1", schema.TypeAction("hi"))}},
		{output: []schema.Message{schema.AssistantMessage("done")}},
	}}

	_, err := New(loop, computer.NewRecorder("test"), pipeline, testConfig()).Run(context.Background(),
		[]schema.Message{schema.UserMessage("task")})
	require.NoError(t, err)

	runDir := w.RunDir()
	require.True(t, strings.Contains(runDir, "sess-test"))
	for _, name := range []string{"messages.jsonl", "run.json"} {
		_, statErr := os.Stat(filepath.Join(runDir, name))
		assert.NoError(t, statErr, name)
	}
	// The click's screenshot landed as a file.
	shots, err := os.ReadDir(filepath.Join(runDir, "screenshots"))
	require.NoError(t, err)
	assert.NotEmpty(t, shots)
}
