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

package services_test

import (
	"context"
	"testing"
	"time"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/endpoint"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/router"
	"github.com/busmesh/busmesh/internal/services"
	"github.com/stretchr/testify/require"
)

func newShutdownTestEndpoint(t *testing.T) (*endpoint.Endpoint, conn.Connection) {
	t.Helper()
	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, peer := conn.NewInProcessPair()
	ep.AddConnection(a)
	return ep, peer
}

func TestShutdownTargetFiresAfterDelayOnSignedRequest(t *testing.T) {
	t.Parallel()

	ep, peer := newShutdownTestEndpoint(t)
	fired := make(chan struct{})
	target := services.NewShutdownTarget(services.ShutdownOptions{
		VerifyRequired: true,
		MaxAge:         time.Minute,
		Delay:          5 * time.Millisecond,
	}, func() { close(fired) })
	target.Attach(ep)

	req := message.New(ident.EndpointID(1), ident.Broadcast, ident.MethodShutdown, 1, message.PriorityCritical, nil)
	req.Verification = message.VerifiedSourceID
	require.True(t, peer.Send(req))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)
	ep.ProcessAll()

	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("shutdown callback never fired")
	}
}

func TestShutdownTargetRejectsUnverifiedRequest(t *testing.T) {
	t.Parallel()

	ep, peer := newShutdownTestEndpoint(t)
	fired := make(chan struct{})
	target := services.NewShutdownTarget(services.ShutdownOptions{
		VerifyRequired: true,
		Delay:          time.Millisecond,
	}, func() { close(fired) })
	target.Attach(ep)

	req := message.New(ident.EndpointID(1), ident.Broadcast, ident.MethodShutdown, 1, message.PriorityCritical, nil)
	require.True(t, peer.Send(req))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)
	ep.ProcessAll()

	select {
	case <-fired:
		t.Fatal("unverified shutdown must not fire the callback")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestShutdownTargetRejectsStaleRequest(t *testing.T) {
	t.Parallel()

	ep, peer := newShutdownTestEndpoint(t)
	fired := make(chan struct{})
	target := services.NewShutdownTarget(services.ShutdownOptions{
		VerifyRequired: false,
		MaxAge:         time.Millisecond,
		Delay:          time.Millisecond,
	}, func() { close(fired) })
	target.Attach(ep)

	req := message.New(ident.EndpointID(1), ident.Broadcast, ident.MethodShutdown, 1, message.PriorityCritical, nil)
	req = req.Bump(time.Second)
	require.True(t, peer.Send(req))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)
	ep.ProcessAll()

	select {
	case <-fired:
		t.Fatal("stale shutdown must not fire the callback")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestShutdownTargetCancelStopsPendingCallback(t *testing.T) {
	t.Parallel()

	ep, peer := newShutdownTestEndpoint(t)
	fired := make(chan struct{})
	target := services.NewShutdownTarget(services.ShutdownOptions{
		VerifyRequired: false,
		Delay:          50 * time.Millisecond,
	}, func() { close(fired) })
	target.Attach(ep)

	req := message.New(ident.EndpointID(1), ident.Broadcast, ident.MethodShutdown, 1, message.PriorityCritical, nil)
	require.True(t, peer.Send(req))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)
	ep.ProcessAll()

	require.True(t, target.Cancel())

	select {
	case <-fired:
		t.Fatal("cancelled shutdown must not fire the callback")
	case <-time.After(100 * time.Millisecond):
	}
}

// TestShutdownStalenessEnforcedAcrossARouterHop routes shutdown requests
// through a real router so the age the target checks is the age the
// forwarding path accumulated in flight, not one stamped by hand.
func TestShutdownStalenessEnforcedAcrossARouterHop(t *testing.T) {
	t.Parallel()

	opts := router.DefaultOptions()
	opts.IDBase = 100
	opts.IDCount = 10
	r := router.New(proc.New(), opts)

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	near, far := conn.NewInProcessPair()
	ep.AddConnection(near)
	r.AddLink(far)

	fired := make(chan struct{}, 2)
	services.NewShutdownTarget(services.ShutdownOptions{
		VerifyRequired: false,
		MaxAge:         30 * time.Millisecond,
		Delay:          time.Millisecond,
	}, func() { fired <- struct{}{} }).Attach(ep)

	triggerLocal, trigger := conn.NewInProcessPair()
	r.AddLink(triggerLocal)

	pumpAll := func(n int) {
		t.Helper()
		for i := 0; i < n; i++ {
			_, err := r.Update(context.Background())
			require.NoError(t, err)
			_, err = ep.Update(context.Background())
			require.NoError(t, err)
			ep.ProcessAll()
		}
	}
	pumpAll(5)
	require.Equal(t, endpoint.StateAssigned, ep.State())
	// Drain the assignId offer made to the trigger link.
	_, err := trigger.Fetch(func(message.Message) bool { return true })
	require.NoError(t, err)

	// A stale request: created, then held in flight past the target's
	// MaxAge before the router ever forwards it.
	stale := message.New(1, ep.ID(), ident.MethodShutdown, 1, message.PriorityCritical, nil)
	stale.Verification = message.VerifiedSourceID
	require.True(t, trigger.Send(stale))
	time.Sleep(50 * time.Millisecond)
	pumpAll(5)
	time.Sleep(20 * time.Millisecond)
	select {
	case <-fired:
		t.Fatal("a request older than MaxAge must be refused")
	default:
	}

	fresh := message.New(1, ep.ID(), ident.MethodShutdown, 2, message.PriorityCritical, nil)
	fresh.Verification = message.VerifiedSourceID
	require.True(t, trigger.Send(fresh))
	pumpAll(5)
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("a fresh verified request must fire the callback")
	}
}
