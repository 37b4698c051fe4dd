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

// Package registry colocates one router and any number of endpoints on a
// single goroutine: every participant joins over an in-process pair and a
// single Update call advances the whole group one tick, in turn.
package registry

import (
	"context"
	"sync"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/endpoint"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/router"
)

// Registry multiplexes the updates of one router and its colocated
// endpoints. Establish and Update may be called from different goroutines,
// but Update itself must be driven from one goroutine at a time.
type Registry struct {
	pctx *proc.Context
	rtr  *router.Router

	mu  sync.Mutex
	eps []*endpoint.Endpoint
}

// New builds a Registry around r. The router is owned by the caller; the
// registry only drives it.
func New(pctx *proc.Context, r *router.Router) *Registry {
	return &Registry{pctx: pctx, rtr: r}
}

// Router returns the router the registry drives.
func (g *Registry) Router() *router.Router { return g.rtr }

// Establish creates a new endpoint described by self, wires it to the
// router over a fresh in-process pair, and adds it to the update set. The
// endpoint's id arrives with the router's assignId on a following tick.
func (g *Registry) Establish(self endpoint.SelfInfo) *endpoint.Endpoint {
	ep := endpoint.New(g.pctx, self)
	near, far := conn.NewInProcessPair()
	ep.AddConnection(near)
	g.rtr.AddLink(far)

	g.mu.Lock()
	g.eps = append(g.eps, ep)
	g.mu.Unlock()
	return ep
}

// Update advances the router and every endpoint by one tick and runs all
// pending subscriber dispatches. It reports whether any work was done.
func (g *Registry) Update(ctx context.Context) (bool, error) {
	did, err := g.rtr.Update(ctx)
	if err != nil {
		return did, err
	}

	g.mu.Lock()
	eps := append([]*endpoint.Endpoint(nil), g.eps...)
	g.mu.Unlock()

	for _, ep := range eps {
		worked, err := ep.Update(ctx)
		if err != nil {
			return did, err
		}
		if worked {
			did = true
		}
		if ep.ProcessAll() > 0 {
			did = true
		}
	}
	return did, nil
}

// UpdateUntilIdle ticks the group until a full round does no work, or n
// rounds elapse, whichever comes first. It returns the number of rounds
// that did work.
func (g *Registry) UpdateUntilIdle(ctx context.Context, n int) (int, error) {
	worked := 0
	for i := 0; i < n; i++ {
		did, err := g.Update(ctx)
		if err != nil {
			return worked, err
		}
		if !did {
			return worked, nil
		}
		worked++
	}
	return worked, nil
}
