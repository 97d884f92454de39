// Command conductor runs computer-use agents: a proxy server exposing
// POST /responses and a websocket data channel, and a one-shot runner
// for driving a single task from the terminal.
//
// Usage:
//
//	conductor serve --mode both --port 8000
//	conductor run --model anthropic/claude-3-5-sonnet-20241022 --task "open settings" --computer-url http://localhost:5900
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"

	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/llm"
	"github.com/cuahq/conductor/pkg/logger"
)

const (
	exitOK          = 0
	exitUsage       = 2
	exitConfig      = 3
	exitRuntime     = 4
	exitInterrupted = 130
)

var errInterrupted = errors.New("interrupted")

// CLI defines the command-line interface.
type CLI struct {
	Serve   ServeCmd   `cmd:"" help:"Start the proxy server."`
	Run     RunCmd     `cmd:"" help:"Execute one task against a pre-provisioned computer."`
	Version VersionCmd `cmd:"" help:"Show version information."`

	Config    string `short:"c" help:"Path to config file." type:"path"`
	LogLevel  string `help:"Log level (debug, info, warn, error); defaults to the config file's setting."`
	LogFormat string `help:"Log format (text or json); defaults to the config file's setting."`
}

// loadConfig reads the config file when given, otherwise starts from
// defaults. Flags layer on top in each command.
func (cli *CLI) loadConfig() (*config.Config, error) {
	if cli.Config != "" {
		return config.Load(cli.Config)
	}
	cfg := &config.Config{}
	cfg.SetDefaults()
	return cfg, nil
}

// setupLogger installs the process logger. CLI flags beat the config
// file's logging section.
func (cli *CLI) setupLogger(cfg *config.Config) (*slog.Logger, error) {
	level := cli.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	format := cli.LogFormat
	if format == "" {
		format = cfg.Logging.Format
	}
	return logger.Setup(logger.Options{Level: level, Format: format})
}

func exitCode(err error) int {
	if err == nil {
		return exitOK
	}
	if errors.Is(err, errInterrupted) || errors.Is(err, context.Canceled) {
		return exitInterrupted
	}
	var confErr *config.ConfigurationError
	var modelErr *llm.UnknownModelError
	if errors.As(err, &confErr) || errors.As(err, &modelErr) {
		return exitConfig
	}
	return exitRuntime
}

func main() {
	config.LoadEnvFiles()

	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("conductor"),
		kong.Description("Computer-use agent orchestration server and runner"),
		kong.UsageOnError(),
	)
	if err != nil {
		panic(err)
	}
	kctx, err := parser.Parse(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
		os.Exit(exitUsage)
	}

	err = kctx.Run(&cli)
	if err != nil && !errors.Is(err, errInterrupted) {
		fmt.Fprintf(os.Stderr, "conductor: %v\n", err)
	}
	os.Exit(exitCode(err))
}
