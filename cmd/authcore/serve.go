// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Authcore Contributors

package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/samber/oops"
	"github.com/spf13/cobra"

	"github.com/solospot/authcore/internal/auth"
	"github.com/solospot/authcore/internal/config"
	"github.com/solospot/authcore/pkg/errutil"
)

const shutdownTimeout = 5 * time.Second

func newServeCmd(g *globalFlags, deps *Deps) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the expired-record sweeper and the metrics/health server",
		Long: `Assemble the auth engine, expose Prometheus metrics and health probes,
and purge expired verification records and refresh tokens on an interval
until SIGINT or SIGTERM.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := g.load(cmd)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cmd, cfg, deps)
		},
	}

	cmd.Flags().String("metrics-addr", "127.0.0.1:9100", "metrics/health HTTP address (empty = disabled)")
	cmd.Flags().String("log-format", "json", "log format (json or text)")
	cmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")
	cmd.Flags().Duration("sweep-interval", auth.DefaultSweepInterval, "how often expired records are purged")

	return cmd
}

func runServe(ctx context.Context, cmd *cobra.Command, cfg config.Config, deps *Deps) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := setupLogging(cfg)
	logger.Info("starting authcore", "config", cfg.Redacted())

	if ctx == nil {
		ctx = context.Background()
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	stores, err := deps.OpenStores(ctx, cfg)
	if err != nil {
		return oops.Code("SERVE_FAILED").With("operation", "open stores").Wrap(err)
	}
	defer stores.Close()

	sender, err := deps.SenderFactory(cfg, logger)
	if err != nil {
		return oops.Code("SERVE_FAILED").With("operation", "build sender").Wrap(err)
	}

	app, err := buildApp(cfg, stores, sender, logger)
	if err != nil {
		return oops.Code("SERVE_FAILED").With("operation", "build auth engine").Wrap(err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var obsServer ObservabilityServer
	if cfg.Metrics.Addr != "" {
		obsServer, err = deps.ObservabilityServerFactory(cfg.Metrics.Addr, stores.Ping, auth.Collectors()...)
		if err != nil {
			return oops.Code("SERVE_FAILED").With("operation", "create observability server").Wrap(err)
		}
		obsErrCh, err := obsServer.Start()
		if err != nil {
			return oops.Code("SERVE_FAILED").With("operation", "start observability server").Wrap(err)
		}
		go monitorServerErrors(ctx, cancel, obsErrCh, "observability")
		logger.Info("observability server started", "addr", obsServer.Addr())
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		app.Sweeper.Run(ctx)
	}()

	cmd.Println("authcore started")
	logger.Info("authcore ready", "sweep_interval", cfg.Sweep.Interval.String())

	<-ctx.Done()
	logger.Info("shutting down")
	cancel()
	wg.Wait()

	if obsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer shutdownCancel()
		if err := obsServer.Stop(shutdownCtx); err != nil {
			logger.Warn("error stopping observability server", "operation", "shutdown", "error", err)
		}
	}

	logger.Info("shutdown complete")
	return nil
}

// monitorServerErrors cancels ctx when a server reports an error. It returns
// when the channel closes or ctx ends.
func monitorServerErrors(ctx context.Context, cancel context.CancelFunc, errCh <-chan error, serverName string) {
	select {
	case err, ok := <-errCh:
		if !ok {
			return
		}
		if err != nil {
			errutil.LogError(ctx, slog.Default(), "server error, triggering shutdown", err, "server", serverName)
			cancel()
		}
	case <-ctx.Done():
	}
}
