package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/cuahq/conductor/pkg/computer"
	"github.com/cuahq/conductor/pkg/config"
	"github.com/cuahq/conductor/pkg/loops"
	"github.com/cuahq/conductor/pkg/proxy"
	"github.com/cuahq/conductor/pkg/session"
)

// ServeCmd starts the proxy server.
type ServeCmd struct {
	Mode     string `help:"Transports to serve (http, p2p, or both)." enum:"http,p2p,both," default:""`
	Host     string `help:"Address to bind."`
	Port     int    `help:"Port to listen on."`
	PeerID   string `name:"peer-id" help:"Peer name announced on the data channel."`
	PoolSize int    `name:"pool-size" help:"Maximum concurrent computer instances."`

	ComputerURL string `name:"computer-url" env:"CUA_COMPUTER_URL" help:"Base URL template for cloud computers; %s expands the instance name."`
}

func (c *ServeCmd) Run(cli *CLI) error {
	cfg, err := cli.loadConfig()
	if err != nil {
		return err
	}
	log, err := cli.setupLogger(cfg)
	if err != nil {
		return config.NewConfigurationError("logging", err.Error())
	}
	if c.Mode != "" {
		cfg.Server.Mode = c.Mode
	}
	if c.Host != "" {
		cfg.Server.Host = c.Host
	}
	if c.Port != 0 {
		cfg.Server.Port = c.Port
	}
	if c.PeerID != "" {
		cfg.Server.PeerName = c.PeerID
	}
	if c.PoolSize != 0 {
		cfg.Pool.Size = c.PoolSize
	}
	if cfg.Agent.Model == "" {
		cfg.Agent.Model = os.Getenv(config.EnvModelName)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.ComputerURL == "" {
		return config.NewConfigurationError("computer-url", "a computer base URL template is required")
	}

	provisioner := &computer.RemoteProvisioner{
		BaseURLTemplate: c.ComputerURL,
		APIKey:          os.Getenv(config.EnvAPIKey),
		Timeout:         cfg.Timeout.ComputerAction,
	}
	pool := session.NewPool(provisioner, session.PoolOptions{
		Size:           cfg.Pool.Size,
		IdleTimeout:    cfg.Pool.IdleTimeout,
		AcquireTimeout: cfg.Pool.AcquireTimeout,
		Logger:         log,
	})
	sessions := session.NewManager(pool, session.ManagerOptions{
		IdleTimeout: cfg.Pool.IdleTimeout,
		Logger:      log,
	})

	resolver := loops.NewResolver(loops.Options{
		Timeout: cfg.Timeout.LLMRequest,
		Logger:  log,
	})
	handler := proxy.NewHandler(cfg, resolver, sessions, log)
	srv := proxy.NewServer(handler, proxy.ServerOptions{
		Host:              cfg.Server.Host,
		Port:              cfg.Server.Port,
		EnableResponses:   cfg.Server.Mode == "http" || cfg.Server.Mode == "both",
		EnableDataChannel: cfg.Server.Mode == "p2p" || cfg.Server.Mode == "both",
		PeerName:          cfg.Server.PeerName,
		Logger:            log,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(srv.Start)
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down", "deadline", cfg.Timeout.ShutdownDeadline)
		shCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout.ShutdownDeadline)
		defer cancel()
		if err := srv.Shutdown(shCtx); err != nil {
			log.Warn("http shutdown incomplete", "error", err)
		}
		return sessions.Shutdown(shCtx)
	})

	err = g.Wait()
	if ctx.Err() != nil && err == nil {
		return errInterrupted
	}
	return err
}
