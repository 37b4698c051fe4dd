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

// DefaultPingTimeout is the round-trip budget a Pinger waits before
// declaring a ping lost.
const DefaultPingTimeout = 5 * time.Second

// Pingable answers ping addressed directly to the endpoint it is attached
// to. A router or bridge already answers a ping addressed to itself; this
// service gives an ordinary endpoint the same behaviour.
type Pingable struct {
	responder Responder
}

// NewPingable builds a Pingable that replies through responder.
func NewPingable(responder Responder) *Pingable {
	return &Pingable{responder: responder}
}

// Attach registers the ping handler on reg.
func (p *Pingable) Attach(reg Registrar) {
	reg.Subscribe(ident.MethodPing, p.handlePing)
}

func (p *Pingable) handlePing(m message.Message, _ subscriber.ResultContext) bool {
	p.responder.RespondTo(m, ident.MethodPong, message.PriorityHigh, m.Content)
	return true
}

// ErrPingTimeout is returned by Ping when no pong arrives within timeout.
var ErrPingTimeout = errors.New("services: ping timed out")

// Pinger issues pings and correlates the matching pong by sequence number,
// the way the process context's per-(endpoint, message-id) sequence lets
// any reply be matched to its request without a side table.
type Pinger struct {
	poster  Poster
	timeout time.Duration

	mu      sync.Mutex
	pending map[uint64]chan time.Time
}

// NewPinger builds a Pinger that posts through poster. A zero timeout uses
// DefaultPingTimeout.
func NewPinger(poster Poster, timeout time.Duration) *Pinger {
	if timeout <= 0 {
		timeout = DefaultPingTimeout
	}
	return &Pinger{
		poster:  poster,
		timeout: timeout,
		pending: make(map[uint64]chan time.Time),
	}
}

// Attach registers the pong handler on reg.
func (p *Pinger) Attach(reg Registrar) {
	reg.Subscribe(ident.MethodPong, p.handlePong)
}

// Ping sends a ping to target and blocks until the matching pong arrives,
// ctx is cancelled, or the timeout elapses.
func (p *Pinger) Ping(ctx context.Context, target ident.EndpointID) (time.Duration, error) {
	sent := time.Now()
	m := p.poster.Post(ident.MethodPing, target, message.PriorityHigh, nil)

	ch := make(chan time.Time, 1)
	p.mu.Lock()
	p.pending[m.Sequence] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.pending, m.Sequence)
		p.mu.Unlock()
	}()

	timer := time.NewTimer(p.timeout)
	defer timer.Stop()

	select {
	case replied := <-ch:
		return replied.Sub(sent), nil
	case <-timer.C:
		return 0, ErrPingTimeout
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (p *Pinger) handlePong(m message.Message, _ subscriber.ResultContext) bool {
	p.mu.Lock()
	ch, ok := p.pending[m.Sequence]
	p.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- time.Now():
	default:
	}
	return true
}
