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

package endpoint_test

import (
	"context"
	"testing"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/endpoint"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/subscriber"
	"github.com/stretchr/testify/require"
)

func TestPostAssignsIncreasingSequence(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{DisplayName: "e1"})
	id := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Do")}

	m1 := ep.Post(id, 2, message.PriorityNormal, []byte("a"))
	m2 := ep.Post(id, 2, message.PriorityNormal, []byte("b"))

	require.Equal(t, uint64(1), m1.Sequence)
	require.Equal(t, uint64(2), m2.Sequence)
}

func TestUpdateFlushesQueuedMessagesToAttachedConnections(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, b := conn.NewInProcessPair()
	ep.AddConnection(a)

	id := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Do")}
	ep.Post(id, 2, message.PriorityNormal, []byte("payload"))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)

	var got []message.Message
	_, err = b.Fetch(func(m message.Message) bool {
		got = append(got, m)
		return true
	})
	require.NoError(t, err)
	require.Len(t, got, 1)
	require.Equal(t, []byte("payload"), got[0].Content)
}

func TestAssignIDTransitionsStateAndRepliesConfirmID(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, router := conn.NewInProcessPair()
	ep.AddConnection(a)
	require.Equal(t, endpoint.StateRequestingID, ep.State())

	assign := message.New(ident.Broadcast, ident.Broadcast, ident.MethodAssignID, 1, message.PriorityHigh, idBytes(7))
	require.True(t, router.Send(assign))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)

	require.Equal(t, ident.EndpointID(7), ep.ID())
	require.Equal(t, endpoint.StateAssigned, ep.State())

	var replies []message.Message
	_, err = router.Fetch(func(m message.Message) bool {
		replies = append(replies, m)
		return true
	})
	require.NoError(t, err)
	require.Len(t, replies, 1)
	require.Equal(t, ident.MethodConfirmID, replies[0].ID)
}

func TestSubscribePublishesSubscribTo(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, peer := conn.NewInProcessPair()
	ep.AddConnection(a)

	reverseID := ident.MessageID{Class: ident.MustPack("StrUtilReq"), Method: ident.MustPack("Reverse")}
	ep.Subscribe(reverseID, func(message.Message, subscriber.ResultContext) bool { return true })

	_, err := ep.Update(context.Background())
	require.NoError(t, err)

	var seen []message.Message
	_, err = peer.Fetch(func(m message.Message) bool {
		seen = append(seen, m)
		return true
	})
	require.NoError(t, err)
	require.Len(t, seen, 1)
	require.Equal(t, ident.MethodSubscribeTo, seen[0].ID)
}

func TestRespondToReusesRequestSequence(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	id := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Do")}
	incoming := message.New(9, ep.ID(), id, 42, message.PriorityNormal, nil)

	reply := ep.RespondTo(incoming, id, message.PriorityNormal, []byte("reply"))
	require.Equal(t, uint64(42), reply.Sequence)
	require.Equal(t, ident.EndpointID(9), reply.Target)
}

func TestProcessAllRunsQueuedDispatches(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, peer := conn.NewInProcessPair()
	ep.AddConnection(a)

	id := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Do")}
	count := 0
	ep.Subscribe(id, func(message.Message, subscriber.ResultContext) bool {
		count++
		return true
	})
	// Drain the subscribTo announcement so it doesn't show up as "received".
	_, _ = ep.Update(context.Background())
	_, _ = peer.Fetch(func(message.Message) bool { return true })

	m := message.New(1, ep.ID(), id, 1, message.PriorityNormal, nil)
	require.True(t, peer.Send(m))

	_, err := ep.Update(context.Background())
	require.NoError(t, err)

	n := ep.ProcessAll()
	require.Equal(t, 1, n)
	require.Equal(t, 1, count)
}

func idBytes(id uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(id >> (56 - 8*i))
	}
	return b
}

func msgIDBytes(id ident.MessageID) []byte {
	b := make([]byte, 16)
	for i := 0; i < 8; i++ {
		b[i] = byte(uint64(id.Class) >> (56 - 8*i))
		b[8+i] = byte(uint64(id.Method) >> (56 - 8*i))
	}
	return b
}

func TestQrySubscrbAnsweredFromLiveSubscriptions(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, peer := conn.NewInProcessPair()
	ep.AddConnection(a)

	handled := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Do")}
	unhandled := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Not")}
	ep.Subscribe(handled, func(message.Message, subscriber.ResultContext) bool { return true })
	_, _ = ep.Update(context.Background())
	_, _ = peer.Fetch(func(message.Message) bool { return true }) // drop the subscribTo announcement

	require.True(t, peer.Send(message.New(9, ep.ID(), ident.MethodQrySubscrb, 3, message.PriorityNormal, msgIDBytes(handled))))
	require.True(t, peer.Send(message.New(9, ep.ID(), ident.MethodQrySubscrb, 4, message.PriorityNormal, msgIDBytes(unhandled))))
	_, err := ep.Update(context.Background())
	require.NoError(t, err)
	_, err = ep.Update(context.Background()) // flush the queued replies
	require.NoError(t, err)

	replies := map[uint64]ident.MessageID{}
	_, err = peer.Fetch(func(m message.Message) bool {
		replies[m.Sequence] = m.ID
		return true
	})
	require.NoError(t, err)
	require.Equal(t, ident.MethodSubscribeTo, replies[3])
	require.Equal(t, ident.MethodNotSubTo, replies[4])
}

func TestQrySubscrpListsEveryHandledID(t *testing.T) {
	t.Parallel()

	ep := endpoint.New(proc.New(), endpoint.SelfInfo{})
	a, peer := conn.NewInProcessPair()
	ep.AddConnection(a)

	first := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("One")}
	second := ident.MessageID{Class: ident.MustPack("App"), Method: ident.MustPack("Two")}
	ep.Subscribe(first, func(message.Message, subscriber.ResultContext) bool { return true })
	ep.Subscribe(second, func(message.Message, subscriber.ResultContext) bool { return true })
	_, _ = ep.Update(context.Background())
	_, _ = peer.Fetch(func(message.Message) bool { return true })

	require.True(t, peer.Send(message.New(9, ep.ID(), ident.MethodQrySubscrp, 7, message.PriorityNormal, nil)))
	_, err := ep.Update(context.Background())
	require.NoError(t, err)
	_, err = ep.Update(context.Background())
	require.NoError(t, err)

	announced := map[ident.MessageID]bool{}
	_, err = peer.Fetch(func(m message.Message) bool {
		require.Equal(t, ident.MethodSubscribeTo, m.ID)
		id, ok := decodeTestMessageID(m.Content)
		require.True(t, ok)
		announced[id] = true
		return true
	})
	require.NoError(t, err)
	require.True(t, announced[first])
	require.True(t, announced[second])
}

func decodeTestMessageID(b []byte) (ident.MessageID, bool) {
	if len(b) < 16 {
		return ident.MessageID{}, false
	}
	var class, method uint64
	for i := 0; i < 8; i++ {
		class = class<<8 | uint64(b[i])
		method = method<<8 | uint64(b[8+i])
	}
	return ident.MessageID{Class: ident.Identifier(class), Method: ident.Identifier(method)}, true
}
