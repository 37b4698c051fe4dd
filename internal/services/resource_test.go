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

	"github.com/busmesh/busmesh/internal/blob"
	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/endpoint"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/services"
	"github.com/stretchr/testify/require"
)

// endpointSender adapts an *endpoint.Endpoint into a blob.Sender, posting
// already-addressed BLOB control traffic as-is.
type endpointSender struct {
	ep *endpoint.Endpoint
}

func (s *endpointSender) SendBlob(m message.Message) bool {
	s.ep.Post(m.ID, m.Target, m.Priority, m.Content)
	return true
}

// pumpBlob drives both endpoints and both manipulators for n rounds.
func pumpBlob(t *testing.T, n int, serverEP, clientEP *endpoint.Endpoint, serverManip, clientManip *blob.Manipulator) {
	t.Helper()
	for i := 0; i < n; i++ {
		serverManip.Tick()
		clientManip.Tick()
		pump(t, 1, serverEP, clientEP)
	}
}

func TestResourceClientGetRoundTripsThroughSharedManipulator(t *testing.T) {
	t.Parallel()

	server := endpoint.New(proc.New(), endpoint.SelfInfo{DisplayName: "resource-server"})
	client := endpoint.New(proc.New(), endpoint.SelfInfo{DisplayName: "resource-client"})
	a, b := conn.NewInProcessPair()
	server.AddConnection(a)
	client.AddConnection(b)

	classes := services.NewClassFactory()

	serverManip := blob.New(&endpointSender{ep: server}, blob.Options{FragmentSize: 64})
	clientManip := blob.New(&endpointSender{ep: client}, blob.Options{FragmentSize: 64, Factory: classes.Factory()})

	services.AttachManipulator(server, serverManip)
	services.AttachManipulator(client, clientManip)

	generator := services.RandomGenerator(500)
	services.NewResourceServer(server, serverManip, generator, message.PriorityNormal, time.Minute).Attach(server)

	client2 := services.NewResourceClient(client, clientManip, classes, time.Second)
	client2.Attach(client)

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := client2.Get(context.Background(), server.ID(), "eagires://random/anything")
		done <- outcome{data, err}
	}()

	pumpBlob(t, 200, server, client, serverManip, clientManip)

	select {
	case o := <-done:
		require.NoError(t, o.err)
		require.Len(t, o.data, 500)
	case <-time.After(2 * time.Second):
		t.Fatal("resource transfer never completed")
	}
}

func TestResourceServerRepliesErrOnGeneratorFailure(t *testing.T) {
	t.Parallel()

	server := endpoint.New(proc.New(), endpoint.SelfInfo{})
	client := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, b := conn.NewInProcessPair()
	server.AddConnection(a)
	client.AddConnection(b)

	classes := services.NewClassFactory()
	serverManip := blob.New(&endpointSender{ep: server}, blob.Options{})
	clientManip := blob.New(&endpointSender{ep: client}, blob.Options{Factory: classes.Factory()})
	services.AttachManipulator(server, serverManip)
	services.AttachManipulator(client, clientManip)

	failing := services.GeneratorFunc(func(string) ([]byte, bool) { return nil, false })
	services.NewResourceServer(server, serverManip, failing, message.PriorityNormal, time.Minute).Attach(server)

	client2 := services.NewResourceClient(client, clientManip, classes, time.Second)
	client2.Attach(client)

	type outcome struct {
		data []byte
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		data, err := client2.Get(context.Background(), server.ID(), "eagires://missing")
		done <- outcome{data, err}
	}()

	pumpBlob(t, 50, server, client, serverManip, clientManip)

	select {
	case o := <-done:
		require.ErrorIs(t, o.err, services.ErrResourceNotFound)
		require.Nil(t, o.data)
	case <-time.After(2 * time.Second):
		t.Fatal("resource error reply never arrived")
	}
}
