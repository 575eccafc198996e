// Command webpilot runs the browser session and command broker server: a
// session registry, the agent websocket hub, the dispatch engine with its
// remote and local backends, and the HTTP API in front of them.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/odvcencio/webpilot/pkg/agenthub"
	"github.com/odvcencio/webpilot/pkg/broker"
	"github.com/odvcencio/webpilot/pkg/browser"
	"github.com/odvcencio/webpilot/pkg/browser/adapters/pilotd"
	"github.com/odvcencio/webpilot/pkg/config"
	"github.com/odvcencio/webpilot/pkg/httpapi"
	"github.com/odvcencio/webpilot/pkg/session"
	"github.com/odvcencio/webpilot/pkg/storage"
	"github.com/odvcencio/webpilot/pkg/telemetry"
)

const version = "0.1.0"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "webpilot: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.TracingEnabled {
		tp, err := telemetry.NewTracerProvider("webpilot")
		if err != nil {
			return fmt.Errorf("init tracing: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = tp.Shutdown(shutdownCtx)
		}()
	}

	hub := telemetry.NewHub()
	defer hub.Close()

	registry := session.NewRegistry(session.RegistryConfig{
		MaxSessions:    cfg.MaxSessions,
		SessionTimeout: cfg.SessionTimeout,
		SweepInterval:  cfg.SweepInterval,
		Hub:            hub,
		Logger:         logger.With("component", "registry"),
	})

	agents := agenthub.NewManager(registry, agenthub.Config{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTimeout:  cfg.HeartbeatTimeout,
		Hub:               hub,
		Logger:            logger.With("component", "agenthub"),
	})

	brokerCfg := broker.Config{
		DefaultTimeout: cfg.CommandTimeout,
		QueueDepth:     cfg.QueueDepth,
		Hub:            hub,
		Logger:         logger.With("component", "broker"),
	}

	var store *storage.Store
	if cfg.DBPath != "" {
		store, err = storage.New(cfg.DBPath)
		if err != nil {
			return fmt.Errorf("open audit log: %w", err)
		}
		brokerCfg.Audit = store
		logger.Info("command audit log enabled", "path", cfg.DBPath)
	}

	var runtime browser.Runtime
	if cfg.PilotdBin != "" {
		rt, err := pilotd.NewRuntime(pilotd.Config{
			PilotdPath:       cfg.PilotdBin,
			SocketDir:        cfg.PilotdSocketDir,
			OperationTimeout: cfg.CommandTimeout,
		})
		if err != nil {
			return fmt.Errorf("init pilotd runtime: %w", err)
		}
		runtime = rt
		logger.Info("local execution backend enabled", "pilotd", cfg.PilotdBin)
	}
	browsers := browser.NewManager(runtime)

	brk := broker.New(registry, agents, browsers, brokerCfg)
	agents.SetSink(brk)
	registry.OnTeardown(brk.SessionTeardown)
	registry.OnTeardown(func(id, reason string) {
		agents.CloseSessionConnection(id, reason)
	})

	server := httpapi.NewServer(httpapi.Config{
		BindAddress:    cfg.BindAddress,
		AllowedOrigins: cfg.AllowedOrigins,
		Version:        version,
	}, registry, brk, agents, hub)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		registry.Start(gctx)
		return nil
	})
	g.Go(func() error {
		return server.Start(gctx)
	})

	logger.Info("webpilot started",
		"bind", cfg.BindAddress,
		"max_sessions", cfg.MaxSessions,
		"local_backend", browsers.Available(),
	)

	err = g.Wait()

	// Drain: fail in-flight commands, close agent channels, tear down
	// sessions and their browser instances, then release storage.
	brk.Shutdown()
	agents.Shutdown()
	registry.Shutdown()
	if store != nil {
		_ = store.Close()
	}
	logger.Info("webpilot stopped")
	return err
}
