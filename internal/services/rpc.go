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

package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/subscriber"
)

// DefaultCallTimeout bounds how long Invoker.Call waits for a skeleton's
// reply before giving up.
const DefaultCallTimeout = 10 * time.Second

// ErrCallTimeout is returned by Invoker.Call when no reply arrives in time.
var ErrCallTimeout = errors.New("services: rpc call timed out")

// pendingCall is one outstanding invocation awaiting its reply.
type pendingCall struct {
	result chan message.Message
}

// Invoker issues asynchronous request/reply calls against a single reply
// message id, correlating replies by sequence number the same way Pinger
// correlates pongs: the process context hands out a strictly increasing
// sequence per (endpoint, message-id), so no side channel is needed to
// match a reply to its call.
type Invoker struct {
	poster  Poster
	replyID ident.MessageID
	timeout time.Duration

	mu      sync.Mutex
	pending map[uint64]*pendingCall
}

// NewInvoker builds an Invoker that posts calls and expects replies
// addressed with replyID. A zero timeout uses DefaultCallTimeout.
func NewInvoker(poster Poster, replyID ident.MessageID, timeout time.Duration) *Invoker {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Invoker{
		poster:  poster,
		replyID: replyID,
		timeout: timeout,
		pending: make(map[uint64]*pendingCall),
	}
}

// Attach registers the reply handler on reg.
func (inv *Invoker) Attach(reg Registrar) {
	reg.Subscribe(inv.replyID, inv.handleReply)
}

// Call posts content as callID to target and blocks for the matching reply,
// returning its content.
func (inv *Invoker) Call(ctx context.Context, callID ident.MessageID, target ident.EndpointID, priority message.Priority, content []byte) ([]byte, error) {
	m := inv.poster.Post(callID, target, priority, content)

	pc := &pendingCall{result: make(chan message.Message, 1)}
	inv.mu.Lock()
	inv.pending[m.Sequence] = pc
	inv.mu.Unlock()
	defer func() {
		inv.mu.Lock()
		delete(inv.pending, m.Sequence)
		inv.mu.Unlock()
	}()

	timer := time.NewTimer(inv.timeout)
	defer timer.Stop()

	select {
	case reply := <-pc.result:
		return reply.Content, nil
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (inv *Invoker) handleReply(m message.Message, _ subscriber.ResultContext) bool {
	inv.mu.Lock()
	pc, ok := inv.pending[m.Sequence]
	inv.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case pc.result <- m:
	default:
	}
	return true
}

// SkeletonFunc answers one incoming call, returning the reply content to
// send back.
type SkeletonFunc func(ctx context.Context, m message.Message) []byte

// Skeleton answers a single call message id by running fn and replying on
// a fixed message id, the server-side half of Invoker/Skeleton RPC.
type Skeleton struct {
	responder Responder
	callID    ident.MessageID
	replyID   ident.MessageID
	priority  message.Priority
	fn        SkeletonFunc
}

// NewSkeleton builds a Skeleton answering callID by running fn and posting
// its result back as replyID at priority.
func NewSkeleton(responder Responder, callID, replyID ident.MessageID, priority message.Priority, fn SkeletonFunc) *Skeleton {
	return &Skeleton{responder: responder, callID: callID, replyID: replyID, priority: priority, fn: fn}
}

// Attach registers the call handler on reg.
func (sk *Skeleton) Attach(reg Registrar) {
	reg.Subscribe(sk.callID, sk.handleCall)
}

func (sk *Skeleton) handleCall(m message.Message, _ subscriber.ResultContext) bool {
	content := sk.fn(context.Background(), m)
	sk.responder.RespondTo(m, sk.replyID, sk.priority, content)
	return true
}
