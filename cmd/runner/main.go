package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	urfavecli "github.com/urfave/cli/v3"

	"github.com/edgerunner/runner/internal/config"
	"github.com/edgerunner/runner/internal/configintake"
	"github.com/edgerunner/runner/internal/connection"
	"github.com/edgerunner/runner/internal/discovery"
	"github.com/edgerunner/runner/internal/invoker"
	"github.com/edgerunner/runner/internal/obslog"
	"github.com/edgerunner/runner/internal/provider"
	"github.com/edgerunner/runner/internal/tokenstore"
	"github.com/edgerunner/runner/internal/transport"
)

// version is set by build flags during release.
var version = "dev"

func main() {
	app := &urfavecli.Command{
		Name:                  "runner",
		Description:           "Connects this machine's local MCP tool providers to a remote Control Plane.",
		Usage:                 "runner run",
		Version:               version,
		EnableShellCompletion: true,
		Commands: []*urfavecli.Command{
			runCommand,
		},
	}

	if err := app.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

var runCommand = &urfavecli.Command{
	Name:        "run",
	Usage:       "Start the runner and connect to the Control Plane",
	Description: "Loads RunnerConfig, connects to the Control Plane, and serves config/push, workflow/execute, and tool/call.",
	Flags: []urfavecli.Flag{
		&urfavecli.StringFlag{Name: "config", Usage: "path to the RunnerConfig file (JSON or YAML)", Required: true},
		&urfavecli.StringFlag{Name: "metrics-addr", Usage: "address to serve /metrics on (empty disables)", Value: ""},
	},
	Action: func(ctx context.Context, cmd *urfavecli.Command) error {
		return run(ctx, cmd.String("config"), cmd.String("metrics-addr"))
	},
}

func run(ctx context.Context, configPath, metricsAddr string) error {
	cfg, err := config.LoadFromPath(configPath)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	if cfg.AuthToken == "" {
		configDir, err := config.DefaultConfigDir()
		if err != nil {
			return fmt.Errorf("runner: %w", err)
		}
		token, err := tokenstore.LoadOrEmpty(tokenstore.DefaultPath(configDir))
		if err != nil {
			return fmt.Errorf("runner: %w", err)
		}
		if token == "" {
			return fmt.Errorf("runner: auth_token not set in config and no token file found at %s", tokenstore.DefaultPath(configDir))
		}
		cfg.AuthToken = token
	}

	stateDir, err := config.DefaultConfigDir()
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	logger, err := obslog.New(stateDir)
	if err != nil {
		return fmt.Errorf("runner: %w", err)
	}
	defer logger.Close()

	engineCfg := connection.Config{
		CPURL:                 cfg.CPURL,
		AuthToken:             cfg.AuthToken,
		RunnerName:            cfg.RunnerName,
		ReconnectDelayInitial: cfg.ReconnectDelayInitial,
		ReconnectDelayMax:     cfg.ReconnectDelayMax,
		HeartbeatInterval:     cfg.HeartbeatInterval,
	}
	engine := connection.NewEngine(engineCfg, &transport.WebSocketDialer{}, logger)

	sup := provider.New(engine, logger, cfg.HealthCheckInterval)

	seed := discovery.DiscoverLocal(logger)
	if len(seed) > 0 {
		seedCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		if err := sup.Initialize(seedCtx, seed); err != nil {
			logger.Warn("runner", "local provider discovery seed failed: %v", err)
		}
		cancel()
	}

	intake := configintake.New(sup, logger)
	inv := invoker.New(sup, engine, cfg.ProxyTimeout)

	connection.WireHandlers(engine, intake, inv, inv)

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	sup.Start(runCtx)
	defer sup.Stop()

	if metricsAddr != "" {
		srv := &http.Server{Addr: metricsAddr, Handler: promhttp.Handler()}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("runner", "metrics server stopped: %v", err)
			}
		}()
		go func() {
			<-runCtx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	if err := engine.Start(runCtx); err != nil {
		return fmt.Errorf("runner: %w", err)
	}

	<-runCtx.Done()
	return engine.Stop()
}
