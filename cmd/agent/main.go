// Package main is the OpenFleet device agent: it checks in with the
// control plane, holds the WebSocket session, and runs scheduled tasks
// from the local cache even while disconnected.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/openfleet/openfleet/internal/agent/cache"
	"github.com/openfleet/openfleet/internal/agent/client"
	"github.com/openfleet/openfleet/internal/agent/confirm"
	"github.com/openfleet/openfleet/internal/agent/executor"
	"github.com/openfleet/openfleet/internal/agent/netselect"
	"github.com/openfleet/openfleet/internal/agent/state"
	"github.com/openfleet/openfleet/internal/agent/telemetry"
	"github.com/openfleet/openfleet/internal/common/config"
	"github.com/openfleet/openfleet/internal/common/logger"
)

func main() {
	cfg, err := config.LoadAgent()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()
	logger.SetDefault(log)

	st, err := state.Open(cfg.AppDir)
	if err != nil {
		log.Fatal("Failed to open state file", zap.Error(err))
	}
	taskCache, err := cache.Open(cfg.AppDir)
	if err != nil {
		log.Fatal("Failed to open task cache", zap.Error(err))
	}

	log.Info("Starting OpenFleet agent...",
		zap.String("device_id", st.DeviceID()),
		zap.String("version", cfg.Version))

	collector := telemetry.New(log)
	selector := netselect.New(cfg.PrimaryHost, cfg.FallbackHost, cfg.Port, st, collector.Fingerprint, log)
	confirmer := confirm.New(cfg.ServerBaseURL(cfg.PrimaryHost), cfg.Token, log)
	exec := executor.New(log)

	c := client.New(cfg, st, taskCache, selector, confirmer, exec, collector, log)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.Run(ctx) })
	g.Go(func() error { return c.RunScheduler(ctx) })
	g.Go(func() error { return c.RunEvents(ctx) })
	g.Go(func() error { return c.RunScans(ctx) })

	if err := g.Wait(); err != nil {
		log.Fatal("Agent exited with error", zap.Error(err))
	}
	log.Info("Agent shut down")
}
