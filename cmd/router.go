// SPDX-License-Identifier: AGPL-3.0-or-later
// busmesh - Typed message bus for cooperating endpoints
// Copyright (C) 2023-2026 Jacob McSwain
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program. If not, see <https://www.gnu.org/licenses/>.
//
// The source code is available at <https://github.com/busmesh/busmesh>

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/busmesh/busmesh/internal/blob"
	"github.com/busmesh/busmesh/internal/kv"
	"github.com/busmesh/busmesh/internal/metrics"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/pubsub"
	"github.com/busmesh/busmesh/internal/router"
	"github.com/busmesh/busmesh/internal/setup"
	"github.com/go-co-op/gocron/v2"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
)

const (
	routerTickInterval  = 20 * time.Millisecond
	routerSampleName    = "router"
	routerBlobGapSweep  = 500 * time.Millisecond
	routerShutdownGrace = 5 * time.Second

	// clusterTopic is the single shared fanout channel every router in a
	// Redis-backed cluster publishes broadcast traffic to and subscribes
	// from, so a process handles peers connected to any sibling router.
	clusterTopic = "busmesh.cluster.broadcast"
)

func newRouterCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "router",
		Short: "Run a message bus router node",
		RunE:  runRouter,
	}
}

func runRouter(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("busmeshd router - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	cleanup, err := setupTracing(cfg)
	if err != nil {
		return fmt.Errorf("failed to setup tracing: %w", err)
	}
	defer func() {
		if err := cleanup(ctx); err != nil {
			slog.Error("Failed to shutdown tracer", "error", err)
		}
	}()

	startBackgroundServices(cfg)

	met := metrics.NewMetrics()

	kvStore, err := kv.MakeKV(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to key-value store: %w", err)
	}
	kvStore = kv.Instrument(kvStore, met)
	defer func() {
		if err := kvStore.Close(); err != nil {
			slog.Error("Failed to close kv store", "error", err)
		}
	}()

	opts := router.DefaultOptions()
	opts.IDBase = cfg.Router.IDBase
	opts.IDCount = cfg.Router.IDBaseCount
	opts.PendingTimeout = cfg.Router.PendingTimeout
	opts.DisconnectedAge = cfg.Router.DisconnectedAge
	opts.NoConnectionTimeout = cfg.Router.NoConnectionTimeout
	opts.StatsInterval = cfg.Router.StatsInterval
	opts.MaxHopCount = cfg.Router.MaxHopCount
	opts.Shutdown = router.ShutdownOptions{
		VerifyRequired: cfg.Router.Shutdown.VerifyRequired,
		MaxAge:         cfg.Router.Shutdown.MaxAge,
		Delay:          cfg.Router.Shutdown.Delay,
	}
	opts.KeepRunning = cfg.Router.KeepRunning

	pctx := proc.New()
	if cfg.Router.CertPath != "" {
		cert, err := os.ReadFile(cfg.Router.CertPath)
		if err != nil {
			return fmt.Errorf("failed to read certificate %s: %w", cfg.Router.CertPath, err)
		}
		pctx.SetLocalCertificate(cert)
	}
	r := router.New(pctx, opts)
	r.SetDiscovery(kv.NewDiscovery(kvStore))

	manipulator := blob.New(r, blob.Options{DefaultDeadline: cfg.Resource.BlobTimeout})
	r.SetBlobSink(manipulator)

	if cfg.Redis.Enabled {
		ps, err := pubsub.MakePubSub(ctx, cfg)
		if err != nil {
			return fmt.Errorf("failed to connect to pub/sub backend: %w", err)
		}
		defer func() {
			if err := ps.Close(); err != nil {
				slog.Error("Failed to close pub/sub backend", "error", err)
			}
		}()
		clusterLink := pubsub.NewConnection(ps, clusterTopic, pctx.Instance())
		r.AddLink(clusterLink)
	}

	acceptor, err := setup.Acceptor(cfg.Router.ConnectionKind, cfg.Router.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to build acceptor: %w", err)
	}
	r.AddAcceptor(acceptor)
	defer func() {
		if err := acceptor.Cleanup(); err != nil {
			slog.Error("Failed to close acceptor", "error", err)
		}
	}()

	scheduler, err := setupScheduler()
	if err != nil {
		return err
	}

	setupRouterJobs(scheduler, r, manipulator, met)
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Failed to stop scheduler", "error", err)
		}
	}()

	slog.Info("Router ready", "listenAddr", cfg.Router.ListenAddr, "selfID", r.ID())

	return runUntilSignal(ctx, routerShutdownGrace, r.ShutdownRequested)
}

// setupRouterJobs schedules the router's tick loop, its BLOB gap sweep, and
// its periodic metrics sample as independent gocron jobs, the way the rest
// of the ambient stack uses the scheduler for recurring background work.
func setupRouterJobs(scheduler gocron.Scheduler, r *router.Router, manipulator *blob.Manipulator, met *metrics.Metrics) {
	_, err := scheduler.NewJob(
		gocron.DurationJob(routerTickInterval),
		gocron.NewTask(func() {
			ctx, span := otel.Tracer("busmesh/router").Start(context.Background(), "Router.Update")
			defer span.End()
			if _, err := r.Update(ctx); err != nil {
				slog.Error("router: update failed", "error", err)
			}
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule router tick job", "error", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(routerBlobGapSweep),
		gocron.NewTask(func() {
			manipulator.Tick()
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule BLOB gap sweep job", "error", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(routerTickInterval*10),
		gocron.NewTask(func() {
			met.SampleRouter(routerSampleName, metrics.RouterSample{
				Forwarded: r.Stats.Forwarded.Load(),
				Dropped:   r.Stats.Dropped.Load(),
				MeanAgeMS: r.Stats.MeanAgeMS(),
				Links:     r.LinkCount(),
			})
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule router metrics sample job", "error", err)
	}
}

// runUntilSignal blocks until the process receives a termination signal,
// ctx is cancelled, or done (if non-nil) reports true (a bus-level
// shutdown request was accepted), then returns so deferred cleanup can run.
func runUntilSignal(ctx context.Context, grace time.Duration, done func() bool) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	ticker := time.NewTicker(500 * time.Millisecond) //nolint:gomnd
	defer ticker.Stop()

	for {
		select {
		case sig := <-sigCh:
			slog.Info("Shutting down due to signal", "signal", sig)
			time.Sleep(grace)
			return nil
		case <-ctx.Done():
			slog.Info("Shutting down due to context cancellation")
			time.Sleep(grace)
			return nil
		case <-ticker.C:
			if done != nil && done() {
				slog.Info("Shutting down due to bus shutdown request")
				time.Sleep(grace)
				return nil
			}
		}
	}
}
