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

// Package bridge implements the long-haul, point-to-point link between two
// routers: one connection toward the home ("inner") router and one toward
// the far ("outer") one, translating endpoint ids between the two sides'
// namespaces and accumulating hop count and age like any other forward.
package bridge

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/puzpuzpuz/xsync/v4"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// Direction names which side of the bridge a counter belongs to.
type Direction int

const (
	// DirectionI2C is inner-to-child (outer): traffic entering from the
	// home router and leaving toward the far one.
	DirectionI2C Direction = iota
	// DirectionC2O is child-to-outer... named to match the asymmetric
	// counter pair a bridge reports: traffic entering from the far router
	// and leaving toward the home one.
	DirectionC2O
)

// Stats accumulates one direction's forwarded/dropped/age counters.
type Stats struct {
	Forwarded atomic.Uint64
	Dropped   atomic.Uint64
	ageSumMS  atomic.Uint64
	ageCount  atomic.Uint64
}

func (s *Stats) recordForward(ageMS uint64) {
	s.Forwarded.Add(1)
	s.ageSumMS.Add(ageMS)
	s.ageCount.Add(1)
}

func (s *Stats) recordDrop() { s.Dropped.Add(1) }

// MeanAgeMS returns the mean age, in milliseconds, of messages forwarded
// through this direction.
func (s *Stats) MeanAgeMS() float64 {
	count := s.ageCount.Load()
	if count == 0 {
		return 0
	}
	return float64(s.ageSumMS.Load()) / float64(count)
}

// ShutdownPolicy controls how a bridge reacts to a shutdown control
// message addressed at it.
type ShutdownPolicy struct {
	VerifyRequired bool
	MaxAge         time.Duration
	Delay          time.Duration
	// KeepRunning ignores shutdown requests entirely.
	KeepRunning bool
}

// Bridge links an inner and an outer Connection, relaying everything
// except control messages addressed at the bridge itself.
type Bridge struct {
	SelfID   ident.EndpointID
	Inner    conn.Connection
	Outer    conn.Connection
	Tracer   trace.Tracer
	Shutdown ShutdownPolicy

	MaxHopCount uint8

	I2C Stats
	C2O Stats

	shutdownAt atomic.Int64

	innerToOuter *xsync.Map[ident.EndpointID, ident.EndpointID]
	outerToInner *xsync.Map[ident.EndpointID, ident.EndpointID]
	nextOuterID  atomic.Uint64
	nextInnerID  atomic.Uint64
}

// New constructs a Bridge relaying between inner and outer.
func New(selfID ident.EndpointID, inner, outer conn.Connection, maxHop uint8) *Bridge {
	b := &Bridge{
		SelfID: selfID,
		Inner:  inner,
		Outer:  outer,
		Tracer: otel.Tracer("busmesh"),
		Shutdown: ShutdownPolicy{
			VerifyRequired: true,
			MaxAge:         30 * time.Second,
			Delay:          time.Second,
		},
		MaxHopCount:  maxHop,
		innerToOuter: xsync.NewMap[ident.EndpointID, ident.EndpointID](),
		outerToInner: xsync.NewMap[ident.EndpointID, ident.EndpointID](),
	}
	b.nextOuterID.Store(uint64(ident.FirstUserID))
	b.nextInnerID.Store(uint64(ident.FirstUserID))
	return b
}

// Update drains both sides once, translating and forwarding across, and
// reports whether any work was done.
func (b *Bridge) Update(ctx context.Context) (bool, error) {
	ctx, span := b.Tracer.Start(ctx, "Bridge.Update")
	defer span.End()

	did := false

	if worked, err := b.Inner.Update(ctx); err != nil {
		slog.Warn("bridge: inner update failed", "error", err)
	} else if worked {
		did = true
	}
	if worked, err := b.Outer.Update(ctx); err != nil {
		slog.Warn("bridge: outer update failed", "error", err)
	} else if worked {
		did = true
	}

	if worked, err := b.Inner.Fetch(func(m message.Message) bool { return b.forward(m, b.innerToOuter, b.outerToInner, &b.nextOuterID, b.Inner, b.Outer, &b.I2C) }); err != nil {
		slog.Warn("bridge: inner fetch failed", "error", err)
	} else if worked {
		did = true
	}
	if worked, err := b.Outer.Fetch(func(m message.Message) bool { return b.forward(m, b.outerToInner, b.innerToOuter, &b.nextInnerID, b.Outer, b.Inner, &b.C2O) }); err != nil {
		slog.Warn("bridge: outer fetch failed", "error", err)
	} else if worked {
		did = true
	}

	return did, nil
}

// forward translates m's source through fromSide (allocating a fresh id on
// this side's counter on first sight) and its target through fromSide as
// well (if known), then sends it on out. fromSide maps the arriving side's ids to
// the departing side's namespace; toSide is its inverse. in is the side m
// arrived on, used to answer control messages addressed at the bridge
// itself without crossing to the other side.
func (b *Bridge) forward(m message.Message, fromSide, toSide *xsync.Map[ident.EndpointID, ident.EndpointID], allocator *atomic.Uint64, in, out conn.Connection, stats *Stats) bool {
	if m.IsSpecial() && m.ID.Method == ident.MethodAssignID.Method {
		b.confirmSelf(m, in)
		return true
	}
	if m.IsSpecial() && m.Target == b.SelfID {
		b.handleControl(m, in, stats)
		return true
	}
	if m.HopCount >= b.MaxHopCount || m.ExceedsHopLimit() {
		stats.recordDrop()
		return true
	}

	translatedSource := b.translate(fromSide, toSide, allocator, m.Source)
	translatedTarget := m.Target
	if m.Target.IsValid() {
		if known, ok := fromSide.Load(m.Target); ok {
			translatedTarget = known
		}
	}

	bumped := m.Bump(m.Elapsed())
	bumped.Source = translatedSource
	bumped.Target = translatedTarget

	if !out.Send(bumped) {
		slog.Debug("bridge: forward dropped by back-pressure", "source", m.Source, "target", m.Target)
	}
	stats.recordForward(bumped.AgeMS)
	return true
}

// translate returns the id this-side source maps to on the departing
// side, allocating and recording a fresh mapping on first sight.
func (b *Bridge) translate(fromSide, toSide *xsync.Map[ident.EndpointID, ident.EndpointID], allocator *atomic.Uint64, source ident.EndpointID) ident.EndpointID {
	if existing, ok := fromSide.Load(source); ok {
		return existing
	}
	newID := ident.EndpointID(allocator.Add(1))
	fromSide.Store(source, newID)
	toSide.Store(newID, source)
	return newID
}

// confirmSelf answers an assignId broadcast from the router on the near
// side of replyOn with this bridge's own (pre-configured) identity,
// declaring NodeKindBridge so the router's topology responder reports it
// as topoBrdgCn rather than an ordinary endpoint. assignId is consumed
// here rather than relayed: it solicits an id from whatever is listening
// on this link, not a message meant to cross to the far side.
func (b *Bridge) confirmSelf(m message.Message, replyOn conn.Connection) {
	content := make([]byte, 9)
	putU64(content[0:8], uint64(b.SelfID))
	content[8] = byte(ident.NodeKindBridge)
	reply := message.New(b.SelfID, m.Source, ident.MethodConfirmID, m.Sequence, message.PriorityHigh, content)
	replyOn.Send(reply)
}

func (b *Bridge) handleControl(m message.Message, replyOn conn.Connection, stats *Stats) {
	switch m.ID.Method {
	case ident.MethodPing.Method:
		pong := message.New(b.SelfID, m.Source, ident.MethodPong, m.Sequence, message.PriorityHigh, m.Content)
		replyOn.Send(pong)
	case ident.MethodStatsQuery.Method:
		payload := statsPayload(stats)
		reply := message.New(b.SelfID, m.Source, ident.MethodStatsBrdg, m.Sequence, message.PriorityLow, payload)
		replyOn.Send(reply)
	case ident.MethodShutdown.Method:
		b.onShutdown(m)
	default:
		slog.Debug("bridge: ignoring control message addressed to self", "method", m.ID)
	}
}

func (b *Bridge) onShutdown(m message.Message) {
	if b.Shutdown.KeepRunning {
		return
	}
	if b.Shutdown.VerifyRequired && !m.Verification.Has(message.VerifiedSourceID) {
		slog.Warn("bridge: ignoring unverified shutdown request", "source", m.Source)
		return
	}
	if b.Shutdown.MaxAge > 0 && m.Age() > b.Shutdown.MaxAge {
		slog.Warn("bridge: ignoring stale shutdown request", "age", m.Age())
		return
	}
	slog.Info("bridge: shutdown requested", "source", m.Source, "delay", b.Shutdown.Delay)
	b.shutdownAt.CompareAndSwap(0, time.Now().Add(b.Shutdown.Delay).UnixNano())
}

// ShutdownRequested reports whether an accepted shutdown request's delay
// has elapsed, meaning the host process should exit.
func (b *Bridge) ShutdownRequested() bool {
	at := b.shutdownAt.Load()
	return at != 0 && time.Now().UnixNano() >= at
}

func statsPayload(s *Stats) []byte {
	b := make([]byte, 24)
	putU64(b[0:8], s.Forwarded.Load())
	putU64(b[8:16], s.Dropped.Load())
	putU64(b[16:24], uint64(s.MeanAgeMS()))
	return b
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

// ShutdownGrace is how long a bridge process keeps forwarding after it
// receives a shutdown signal, to let in-flight traffic drain before its
// connections are torn down.
const ShutdownGrace = 2 * time.Second
