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
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/services"
	"github.com/stretchr/testify/require"
)

// pump drives the endpoints' Update/ProcessAll loops for n rounds, pausing
// briefly after each round so a request posted from another goroutine is
// picked up by a later round.
func pump(t *testing.T, n int, eps ...*endpoint.Endpoint) {
	t.Helper()
	for i := 0; i < n; i++ {
		for _, e := range eps {
			_, err := e.Update(context.Background())
			require.NoError(t, err)
			e.ProcessAll()
		}
		time.Sleep(time.Millisecond)
	}
}

func TestPingableRepliesWithPong(t *testing.T) {
	t.Parallel()

	server := endpoint.New(proc.New(), endpoint.SelfInfo{DisplayName: "server"})
	client := endpoint.New(proc.New(), endpoint.SelfInfo{DisplayName: "client"})
	a, b := conn.NewInProcessPair()
	server.AddConnection(a)
	client.AddConnection(b)

	services.NewPingable(server).Attach(server)
	pinger := services.NewPinger(client, 0)
	pinger.Attach(client)

	done := make(chan struct{})
	var rtt time.Duration
	var err error
	go func() {
		rtt, err = pinger.Ping(context.Background(), server.ID())
		close(done)
	}()

	pump(t, 20, server, client)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ping never completed")
	}

	require.NoError(t, err)
	require.GreaterOrEqual(t, rtt, time.Duration(0))
}

func TestPingTimesOutWithNoResponder(t *testing.T) {
	t.Parallel()

	client := endpoint.New(proc.New(), endpoint.SelfInfo{})
	pinger := services.NewPinger(client, 5*time.Millisecond)

	_, err := pinger.Ping(context.Background(), ident.EndpointID(99))
	require.ErrorIs(t, err, services.ErrPingTimeout)
}
