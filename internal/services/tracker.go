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

// NodeInfo is what Tracker has learned about one node it has heard
// announced, directly or by observing its traffic.
type NodeInfo struct {
	Kind      ident.NodeKind
	FirstSeen time.Time
	LastSeen  time.Time
	Forwarded uint64
	Dropped   uint64
	MeanAgeMS uint64
	LastRTT   time.Duration
}

// ErrNoPinger is returned by Tracker.Ping when the Tracker was built
// without a Pinger to issue it.
var ErrNoPinger = errors.New("services: tracker has no pinger attached")

// Tracker is a network-wide node registry: it folds topology announcements,
// stats announcements, and byeBye departures into a per-node view, and can
// actively solicit topology/stats or ping a node through an attached
// Pinger. It composes the way a node pulls in ping, topology, and stats
// responders as independent sibling services rather than through one
// monolithic consumer.
type Tracker struct {
	poster Poster
	pinger *Pinger

	mu    sync.Mutex
	nodes map[ident.EndpointID]*NodeInfo
}

// NewTracker builds a Tracker that posts active queries through poster.
// pinger may be nil; Ping then always returns ErrNoPinger.
func NewTracker(poster Poster, pinger *Pinger) *Tracker {
	return &Tracker{
		poster: poster,
		pinger: pinger,
		nodes:  make(map[ident.EndpointID]*NodeInfo),
	}
}

// Attach registers the topology, stats, and departure handlers on reg.
func (t *Tracker) Attach(reg Registrar) {
	reg.Subscribe(ident.MethodTopoEndpt, t.trackKind(ident.NodeKindEndpoint))
	reg.Subscribe(ident.MethodTopoRutrCn, t.trackKind(ident.NodeKindRouter))
	reg.Subscribe(ident.MethodTopoBrdgCn, t.trackKind(ident.NodeKindBridge))
	reg.Subscribe(ident.MethodStatsEndpt, t.trackStats)
	reg.Subscribe(ident.MethodStatsRutr, t.trackStats)
	reg.Subscribe(ident.MethodStatsBrdg, t.trackStats)
	reg.Subscribe(ident.MethodByeByeEndp, t.forget)
	reg.Subscribe(ident.MethodByeByeRutr, t.forget)
	reg.Subscribe(ident.MethodByeByeBrdg, t.forget)
}

func (t *Tracker) trackKind(kind ident.NodeKind) subscriber.Handler {
	return func(m message.Message, _ subscriber.ResultContext) bool {
		id, ok := decodeTrackedID(m.Content)
		if !ok {
			return true
		}
		t.mu.Lock()
		t.nodeLocked(id).Kind = kind
		t.mu.Unlock()
		return true
	}
}

func (t *Tracker) trackStats(m message.Message, _ subscriber.ResultContext) bool {
	forwarded, dropped, meanAge, ok := decodeStatsPayload(m.Content)
	if !ok {
		return true
	}
	t.mu.Lock()
	n := t.nodeLocked(m.Source)
	n.Forwarded = forwarded
	n.Dropped = dropped
	n.MeanAgeMS = meanAge
	t.mu.Unlock()
	return true
}

func (t *Tracker) forget(m message.Message, _ subscriber.ResultContext) bool {
	t.mu.Lock()
	delete(t.nodes, m.Source)
	t.mu.Unlock()
	return true
}

// nodeLocked returns id's entry, creating it on first sight. Caller must
// hold t.mu.
func (t *Tracker) nodeLocked(id ident.EndpointID) *NodeInfo {
	n, ok := t.nodes[id]
	if !ok {
		n = &NodeInfo{FirstSeen: time.Now()}
		t.nodes[id] = n
	}
	n.LastSeen = time.Now()
	return n
}

// Node returns a snapshot of what's known about id.
func (t *Tracker) Node(id ident.EndpointID) (NodeInfo, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	n, ok := t.nodes[id]
	if !ok {
		return NodeInfo{}, false
	}
	return *n, true
}

// Nodes returns a snapshot of every tracked node, keyed by id.
func (t *Tracker) Nodes() map[ident.EndpointID]NodeInfo {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[ident.EndpointID]NodeInfo, len(t.nodes))
	for id, n := range t.nodes {
		out[id] = *n
	}
	return out
}

// QueryTopology broadcasts a topoQuery; the router it reaches replies with
// one topoEndpt/topoRutrCn/topoBrdgCn per other link it carries and does
// not pass the query on.
func (t *Tracker) QueryTopology() {
	t.poster.Post(ident.MethodTopoQuery, ident.Broadcast, message.PriorityLow, nil)
}

// QueryStats broadcasts a statsQuery; the router it reaches replies with
// its own forwarded/dropped/mean-age counters and does not pass the query
// on.
func (t *Tracker) QueryStats() {
	t.poster.Post(ident.MethodStatsQuery, ident.Broadcast, message.PriorityLow, nil)
}

// Ping round-trips id through the attached Pinger and records the result
// as that node's LastRTT.
func (t *Tracker) Ping(ctx context.Context, id ident.EndpointID) (time.Duration, error) {
	if t.pinger == nil {
		return 0, ErrNoPinger
	}
	rtt, err := t.pinger.Ping(ctx, id)
	if err != nil {
		return 0, err
	}
	t.mu.Lock()
	t.nodeLocked(id).LastRTT = rtt
	t.mu.Unlock()
	return rtt, nil
}

func decodeTrackedID(b []byte) (ident.EndpointID, bool) {
	if len(b) < 8 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return ident.EndpointID(v), true
}

func decodeStatsPayload(b []byte) (forwarded, dropped, meanAge uint64, ok bool) {
	if len(b) < 24 {
		return 0, 0, 0, false
	}
	get := func(off int) uint64 {
		var v uint64
		for i := 0; i < 8; i++ {
			v = v<<8 | uint64(b[off+i])
		}
		return v
	}
	return get(0), get(8), get(16), true
}
