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
	"time"

	"github.com/busmesh/busmesh/internal/bridge"
	"github.com/busmesh/busmesh/internal/config"
	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/metrics"
	"github.com/busmesh/busmesh/internal/setup"
	"github.com/go-co-op/gocron/v2"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

const (
	bridgeTickInterval = 20 * time.Millisecond
	bridgeSampleName   = "bridge"
	bridgeDialTimeout  = 10 * time.Second
)

func newBridgeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bridge",
		Short: "Run a bridge node linking an inner and an outer router",
		RunE:  runBridge,
	}
}

func runBridge(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("busmeshd bridge - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.Bridge.InnerAddr == "" || cfg.Bridge.OuterAddr == "" {
		return fmt.Errorf("%w", config.ErrBridgeAddrsEmpty)
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

	inner, err := dialBridgeSide(ctx, cfg.Router.ConnectionKind, cfg.Bridge.InnerAddr)
	if err != nil {
		return fmt.Errorf("failed to dial inner router: %w", err)
	}
	defer func() { _ = inner.Cleanup() }()

	var outer conn.Connection
	if cfg.Bridge.MQTTEnabled {
		outer, err = bridge.NewMQTTConnection(ctx, cfg.MQTT.BrokerURL, mqttClientID(cfg), cfg.MQTT.TopicPrefix)
		if err != nil {
			return fmt.Errorf("failed to connect to mqtt broker: %w", err)
		}
	} else {
		outer, err = dialBridgeSide(ctx, cfg.Router.ConnectionKind, cfg.Bridge.OuterAddr)
		if err != nil {
			return fmt.Errorf("failed to dial outer router: %w", err)
		}
	}
	defer func() { _ = outer.Cleanup() }()

	selfID := cfg.Router.IDBase
	b := bridge.New(ident.EndpointID(selfID), inner, outer, cfg.Router.MaxHopCount)
	b.Shutdown = bridge.ShutdownPolicy{
		VerifyRequired: cfg.Bridge.Shutdown.VerifyRequired,
		MaxAge:         cfg.Bridge.Shutdown.MaxAge,
		Delay:          cfg.Bridge.Shutdown.Delay,
		KeepRunning:    cfg.Bridge.KeepRunning,
	}

	scheduler, err := setupScheduler()
	if err != nil {
		return err
	}

	met := metrics.NewMetrics()
	setupBridgeJobs(scheduler, b, met)
	scheduler.Start()
	defer func() {
		if err := scheduler.Shutdown(); err != nil {
			slog.Error("Failed to stop scheduler", "error", err)
		}
	}()

	slog.Info("Bridge ready", "inner", cfg.Bridge.InnerAddr, "outer", cfg.Bridge.OuterAddr, "selfID", b.SelfID)

	return runUntilSignal(ctx, bridge.ShutdownGrace, b.ShutdownRequested)
}

// dialBridgeSide connects one side of a bridge, waiting for the handshake
// to complete or bridgeDialTimeout to elapse.
func dialBridgeSide(ctx context.Context, kind config.ConnectionKind, addr string) (conn.Connection, error) {
	connector, err := setup.Connector(kind, addr)
	if err != nil {
		return nil, err
	}

	dialCtx, cancel := context.WithTimeout(ctx, bridgeDialTimeout)
	defer cancel()

	for {
		c, err := connector.Connect(dialCtx)
		if err != nil {
			return nil, err
		}
		if c != nil {
			return c, nil
		}
		select {
		case <-dialCtx.Done():
			return nil, fmt.Errorf("timed out connecting to %s", addr)
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// mqttClientID returns the configured MQTT client id, or a freshly
// generated one when the operator left it blank, so two bridges never
// collide on the broker by both defaulting to the same empty id.
func mqttClientID(cfg *config.Config) string {
	if cfg.MQTT.ClientID != "" {
		return cfg.MQTT.ClientID
	}
	return "busmesh-bridge-" + uuid.New().String()
}

// setupBridgeJobs schedules the bridge's tick loop and periodic metrics
// sample as gocron jobs, mirroring the router's job wiring.
func setupBridgeJobs(scheduler gocron.Scheduler, b *bridge.Bridge, met *metrics.Metrics) {
	_, err := scheduler.NewJob(
		gocron.DurationJob(bridgeTickInterval),
		gocron.NewTask(func() {
			if _, err := b.Update(context.Background()); err != nil {
				slog.Error("bridge: update failed", "error", err)
			}
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule bridge tick job", "error", err)
	}

	_, err = scheduler.NewJob(
		gocron.DurationJob(bridgeTickInterval*10),
		gocron.NewTask(func() {
			met.SampleBridge(bridgeSampleName, "i2c", metrics.BridgeSample{
				Forwarded: b.I2C.Forwarded.Load(),
				Dropped:   b.I2C.Dropped.Load(),
				MeanAgeMS: b.I2C.MeanAgeMS(),
			})
			met.SampleBridge(bridgeSampleName, "c2o", metrics.BridgeSample{
				Forwarded: b.C2O.Forwarded.Load(),
				Dropped:   b.C2O.Dropped.Load(),
				MeanAgeMS: b.C2O.MeanAgeMS(),
			})
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule bridge metrics sample job", "error", err)
	}
}
