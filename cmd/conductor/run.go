package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"gopkg.in/yaml.v3"

	"github.com/cuahq/conductor/pkg/callbacks"
	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/loops"
	"github.com/cuahq/conductor/pkg/orchestrator"
	"github.com/cuahq/conductor/pkg/schema"
)

// RunCmd executes one task against a pre-provisioned computer and
// prints the terminal output.
type RunCmd struct {
	Model string `help:"Model string, e.g. anthropic/claude-3-5-sonnet-20241022 or a planner+grounder pair." env:"CUA_MODEL_NAME"`
	Task  string `required:"" help:"Task instruction for the agent."`

	SessionID      string  `name:"session-id" help:"Session id recorded in the trajectory."`
	SaveTrajectory string  `name:"save-trajectory" help:"Write the trajectory under this directory." type:"path" placeholder:"DIR"`
	MaxSteps       int     `name:"max-steps" help:"Step cap for the run."`
	Budget         float64 `help:"Maximum trajectory budget in USD."`

	ComputerURL  string `name:"computer-url" env:"CUA_COMPUTER_URL" help:"Base URL of the computer's control endpoint."`
	ComputerName string `name:"computer-name" env:"CUA_CONTAINER_NAME" help:"Instance name."`
	OSType       string `name:"os-type" help:"Operating system of the computer." enum:"linux,macos,windows" default:"linux"`
	ComputerSpec string `name:"computer-spec" type:"path" help:"YAML file describing the computer; flags override its fields." placeholder:"FILE"`
}

// computerSpecFile mirrors the flags for callers who keep the computer
// description in a file.
type computerSpecFile struct {
	BaseURL string `yaml:"base_url"`
	Name    string `yaml:"name"`
	OSType  string `yaml:"os_type"`
	APIKey  string `yaml:"api_key"`
}

func (c *RunCmd) loadComputerSpec() (*computerSpecFile, error) {
	spec := &computerSpecFile{}
	if c.ComputerSpec != "" {
		data, err := os.ReadFile(c.ComputerSpec)
		if err != nil {
			return nil, config.NewConfigurationError("computer-spec", err.Error())
		}
		if err := yaml.Unmarshal(data, spec); err != nil {
			return nil, config.NewConfigurationError("computer-spec", err.Error())
		}
	}
	if c.ComputerURL != "" {
		spec.BaseURL = c.ComputerURL
	}
	if c.ComputerName != "" {
		spec.Name = c.ComputerName
	}
	// The flag default is linux; only a non-default flag beats the file.
	if spec.OSType == "" || c.OSType != "linux" {
		spec.OSType = c.OSType
	}
	if spec.APIKey == "" {
		spec.APIKey = os.Getenv(config.EnvAPIKey)
	}
	return spec, nil
}

func (c *RunCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	log, err := cli.setupLogger(cfg)
	if err != nil {
		return config.NewConfigurationError("logging", err.Error())
	}

	model := c.Model
	if model == "" {
		model = cfg.Agent.Model
	}
	if model == "" {
		return config.NewConfigurationError("model", "no model given; set --model or "+config.EnvModelName)
	}
	spec, err := c.loadComputerSpec()
	if err != nil {
		return err
	}
	if spec.BaseURL == "" {
		return config.NewConfigurationError("computer-url", "a pre-provisioned computer is required; set --computer-url or --computer-spec")
	}

	comp := computer.NewRemote(computer.RemoteOptions{
		BaseURL: spec.BaseURL,
		APIKey:  spec.APIKey,
		Name:    spec.Name,
		OSType:  computer.OSType(spec.OSType),
		Timeout: cfg.Timeout.ComputerAction,
	})

	resolver := loops.NewResolver(loops.Options{
		Timeout:  cfg.Timeout.LLMRequest,
		Logger:   log,
		Prompter: loops.NewConsolePrompter(os.Stdin, os.Stderr),
	})
	loop, err := resolver.Resolve(model)
	if err != nil {
		return err
	}

	cbs := []callbacks.Callback{
		&callbacks.ImageRetention{N: cfg.Agent.ScreenshotRetention},
	}
	if c.Budget > 0 {
		cbs = append(cbs, &callbacks.BudgetCap{MaxBudget: c.Budget})
	}
	if c.SaveTrajectory != "" {
		cbs = append(cbs,
			callbacks.PIIScrubber{},
			&callbacks.TrajectoryWriter{Dir: c.SaveTrajectory},
		)
	}

	orch := orchestrator.New(loop, comp, callbacks.NewPipeline(cbs...), orchestrator.Config{
		Model:         model,
		SessionID:     c.SessionID,
		MaxSteps:      c.maxSteps(cfg),
		LLMTimeout:    cfg.Timeout.LLMRequest,
		ActionTimeout: cfg.Timeout.ComputerAction,
		RunWall:       cfg.Timeout.RunWall,
		Env:           config.SnapshotEnv(),
		Logger:        log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	result, _ := orch.Run(ctx, []schema.Message{schema.UserMessage(c.Task)})

	fmt.Println(result.Output)
	fmt.Fprintf(os.Stderr, "status=%s steps=%d tokens=%d cost=$%.4f\n",
		result.Status, countCalls(result.Messages), result.Usage.TotalTokens, result.Usage.ResponseCost)

	switch result.Status {
	case orchestrator.StatusCompleted:
		return nil
	case orchestrator.StatusCancelled:
		return errInterrupted
	default:
		if result.Err != nil {
			return result.Err
		}
		return fmt.Errorf("run failed")
	}
}

func (c *RunCmd) maxSteps(cfg *config.Config) int {
	if c.MaxSteps > 0 {
		return c.MaxSteps
	}
	return cfg.Agent.MaxSteps
}

func countCalls(msgs []schema.Message) int {
	n := 0
	for _, m := range msgs {
		if m.Type == schema.MessageComputerCall {
			n++
		}
	}
	return n
}
