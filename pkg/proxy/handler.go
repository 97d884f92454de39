package proxy

import (
	"context"
	"log/slog"
	"time"

	"github.com/cuahq/conductor/pkg/callbacks"
	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/loops"
	"github.com/cuahq/conductor/pkg/orchestrator"
	"github.com/cuahq/conductor/pkg/session"
)

// Handler dispatches requests from any transport: decode options, lease
// a session, resolve the adapter, run the orchestrator. It always
// returns a structured Response; run errors become status fields.
type Handler struct {
	cfg      *config.Config
	resolver *loops.Resolver
	sessions *session.Manager
	baseEnv  *config.EnvSnapshot
	logger   *slog.Logger
}

// NewHandler builds a dispatcher over the resolver and session manager.
func NewHandler(cfg *config.Config, resolver *loops.Resolver, sessions *session.Manager, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		cfg:      cfg,
		resolver: resolver,
		sessions: sessions,
		baseEnv:  config.SnapshotEnv(),
		logger:   logger.With("component", "proxy"),
	}
}

func failed(err error) *Response {
	return &Response{Status: orchestrator.StatusFailed, Error: err.Error()}
}

// Dispatch runs one request to completion. headerSessionID carries the
// X-Session-Id header; agent_kwargs.session_id wins when both are set.
func (h *Handler) Dispatch(ctx context.Context, req *Request, headerSessionID string) *Response {
	model := req.Model
	if model == "" {
		model = h.cfg.Agent.Model
	}
	if model == "" {
		return failed(config.NewConfigurationError("model", "no model requested and no default configured"))
	}
	if len(req.Input.Messages) == 0 {
		return failed(config.NewConfigurationError("input", "input is required"))
	}

	agentOpts := AgentOptions{
		MaxSteps:             h.cfg.Agent.MaxSteps,
		MaxTrajectoryBudget:  h.cfg.Agent.MaxBudget,
		ImageRetentionWindow: h.cfg.Agent.ScreenshotRetention,
		SaveTrajectory:       h.cfg.Agent.SaveTrajectory,
		TrajectoryDir:        h.cfg.Agent.TrajectoryDir,
		UsePromptCaching:     h.cfg.Agent.UsePromptCaching,
	}
	if err := decodeKwargs(req.AgentKwargs, &agentOpts); err != nil {
		return failed(config.NewConfigurationError("agent_kwargs", err.Error()))
	}
	var compOpts ComputerOptions
	if err := decodeKwargs(req.ComputerKwargs, &compOpts); err != nil {
		return failed(config.NewConfigurationError("computer_kwargs", err.Error()))
	}

	sessionID := agentOpts.SessionID
	if sessionID == "" {
		sessionID = headerSessionID
	}

	loop, err := h.resolver.Resolve(model)
	if err != nil {
		return failed(err)
	}

	spec := computer.Spec{
		OSType:   computer.OSType(compOpts.OSType),
		Provider: computer.ProviderType(compOpts.ProviderType),
		Name:     compOpts.Name,
		Width:    compOpts.Width,
		Height:   compOpts.Height,
		Image:    compOpts.Image,
		Memory:   compOpts.Memory,
		CPU:      compOpts.CPU,
	}
	sess, err := h.sessions.Acquire(ctx, sessionID, spec)
	if err != nil {
		return failed(err)
	}
	// The open task keeps the session from idling out mid-run and lets
	// the manager cancel the run on forced shutdown.
	runCtx, endTask := sess.BeginTask(ctx)
	defer endTask()

	env := h.baseEnv.WithOverrides(req.Env)
	orch := orchestrator.New(loop, sess.Computer, h.pipeline(agentOpts), orchestrator.Config{
		Model:         model,
		SessionID:     sess.ID,
		MaxSteps:      agentOpts.MaxSteps,
		MaxTokens:     agentOpts.MaxTokens,
		Temperature:   agentOpts.Temperature,
		LLMTimeout:    h.cfg.Timeout.LLMRequest,
		ActionTimeout: h.cfg.Timeout.ComputerAction,
		RunWall:       h.cfg.Timeout.RunWall,
		Env:           env,
		Logger:        h.logger,
	})

	start := time.Now()
	result, _ := orch.Run(runCtx, req.Input.Messages)
	recordRun(model, result.Status, time.Since(start).Seconds(), result.Usage)

	resp := &Response{
		Output:    result.Messages,
		Usage:     result.Usage,
		Status:    result.Status,
		SessionID: sess.ID,
	}
	if result.Err != nil {
		resp.Error = result.Err.Error()
	}
	return resp
}

// pipeline assembles the callback chain for one run. The scrubber sits
// before the trajectory writer so redaction happens ahead of disk.
func (h *Handler) pipeline(opts AgentOptions) *callbacks.Pipeline {
	cbs := []callbacks.Callback{
		&callbacks.ImageRetention{N: opts.ImageRetentionWindow},
	}
	if opts.UsePromptCaching {
		cbs = append(cbs, callbacks.PromptCacheHinter{})
	}
	if opts.MaxTrajectoryBudget > 0 {
		cbs = append(cbs, &callbacks.BudgetCap{MaxBudget: opts.MaxTrajectoryBudget})
	}
	if opts.SaveTrajectory {
		cbs = append(cbs,
			callbacks.PIIScrubber{},
			&callbacks.TrajectoryWriter{Dir: opts.TrajectoryDir},
		)
	}
	return callbacks.NewPipeline(cbs...)
}

// Healthy reports whether the pool can satisfy a probe acquire.
func (h *Handler) Healthy(ctx context.Context) error {
	return h.sessions.Probe(ctx)
}
