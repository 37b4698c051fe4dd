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

	"github.com/busmesh/busmesh/internal/endpoint"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/services"
	"github.com/busmesh/busmesh/internal/setup"
	"github.com/spf13/cobra"
)

const (
	pingDialTimeout  = 10 * time.Second
	pingTickInterval = 20 * time.Millisecond
)

// newPingCommand builds the illustrative ping node binary of spec §6: it
// attaches as a plain endpoint, waits for its id to be assigned, then pings
// a target (the router itself by default) --ping-count times.
func newPingCommand() *cobra.Command {
	var pingCount int
	var target uint64

	c := &cobra.Command{
		Use:   "ping",
		Short: "Ping a router or endpoint a fixed number of times",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runPing(cmd, pingCount, ident.EndpointID(target))
		},
	}
	c.Flags().IntVar(&pingCount, "ping-count", 1, "number of pings to send before exiting")
	c.Flags().Uint64Var(&target, "target", uint64(1<<20), "endpoint id to ping (default: router's own id)") //nolint:gomnd
	return c
}

func runPing(cmd *cobra.Command, count int, target ident.EndpointID) error {
	ctx := cmd.Context()
	fmt.Printf("busmeshd ping - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	connector, err := setup.Connector(cfg.Router.ConnectionKind, cfg.Router.ListenAddr)
	if err != nil {
		return fmt.Errorf("failed to build connector: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, pingDialTimeout)
	defer cancel()

	c, err := connector.Connect(dialCtx)
	if err != nil {
		return fmt.Errorf("failed to dial %s: %w", cfg.Router.ListenAddr, err)
	}
	defer func() { _ = c.Cleanup() }()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{
		Kind:        "ping",
		DisplayName: "busmeshd-ping",
	})
	ep.AddConnection(c)

	pinger := services.NewPinger(ep, 0)
	pinger.Attach(ep)

	tick := time.NewTicker(pingTickInterval)
	defer tick.Stop()

	assignCtx, cancelAssign := context.WithTimeout(ctx, endpoint.IDRequestTimeout)
	defer cancelAssign()
	for ep.State() != endpoint.StateAssigned {
		select {
		case <-assignCtx.Done():
			return fmt.Errorf("timed out waiting for id assignment")
		case <-tick.C:
			if _, err := ep.Update(ctx); err != nil {
				slog.Warn("ping: endpoint update failed", "error", err)
			}
		}
	}
	slog.Info("ping: assigned id", "id", ep.ID())

	go pumpEndpoint(ctx, ep, tick.C)

	succeeded := 0
	for i := 0; i < count; i++ {
		rtt, err := pinger.Ping(ctx, target)
		if err != nil {
			slog.Warn("ping: no pong", "seq", i, "target", target, "error", err)
			continue
		}
		succeeded++
		slog.Info("ping: pong received", "seq", i, "target", target, "rtt", rtt)
	}

	fmt.Printf("%d/%d pings succeeded\n", succeeded, count)
	if succeeded == 0 && count > 0 {
		return fmt.Errorf("all %d pings failed", count)
	}
	return nil
}

// pumpEndpoint keeps driving Update/ProcessAll so the Pinger's pong handler
// actually runs while Ping blocks waiting on its channel.
func pumpEndpoint(ctx context.Context, ep *endpoint.Endpoint, tick <-chan time.Time) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick:
			if _, err := ep.Update(ctx); err != nil {
				slog.Warn("ping: endpoint update failed", "error", err)
			}
			ep.ProcessAll()
		}
	}
}
