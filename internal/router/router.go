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

// Package router implements the store-and-forward hub of the message bus:
// it assigns identities to newly connected peers, maintains the
// id-to-link and subscription tables that drive forwarding, answers the
// control plane (ping, topology and stats queries, subscription queries,
// certificate exchange), and retires links that go quiet.
package router

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/slab"
	"github.com/puzpuzpuz/xsync/v4"
)

// ErrLinkNotFound is returned by SetAllowList/SetBlockList when id names no
// currently routed link.
var ErrLinkNotFound = errors.New("router: link not found")

// ShutdownOptions mirrors config.ShutdownConfig without importing the
// config package, keeping router independently testable.
type ShutdownOptions struct {
	VerifyRequired bool
	MaxAge         time.Duration
	Delay          time.Duration
}

// Options configures one Router instance.
type Options struct {
	SelfID              ident.EndpointID
	IDBase              uint32
	IDCount             uint32
	PendingTimeout      time.Duration
	DisconnectedAge     time.Duration
	NoConnectionTimeout time.Duration
	StatsInterval       time.Duration
	MaxHopCount         uint8
	Shutdown            ShutdownOptions
	// KeepRunning makes the router ignore shutdown requests from the bus;
	// it still forwards them toward their targets.
	KeepRunning bool
}

// DefaultOptions mirrors config.Default().Router.
func DefaultOptions() Options {
	return Options{
		SelfID:              ident.EndpointID(1 << 20), //nolint:gomnd
		IDBase:              1,
		IDCount:             1 << 20, //nolint:gomnd
		PendingTimeout:      30 * time.Second,
		DisconnectedAge:     60 * time.Second,
		NoConnectionTimeout: 30 * time.Second,
		StatsInterval:       5 * time.Second,
		MaxHopCount:         message.MaxHopCount,
		Shutdown: ShutdownOptions{
			VerifyRequired: true,
			MaxAge:         30 * time.Second,
			Delay:          1 * time.Second,
		},
	}
}

// BlobSink receives BLOB control traffic (blobFrgmnt/blobResend) addressed
// to this router's local BLOB manipulator. *blob.Manipulator satisfies it.
type BlobSink interface {
	HandleFragment(m message.Message)
	HandleResend(m message.Message)
	HandleFlowInfo(m message.Message)
}

// Discovery publishes and looks up endpoint liveness across a cluster of
// routers sharing a KV backend. *kv.KV-backed implementations wire this to
// Redis; nil disables cross-process discovery.
type Discovery interface {
	Announce(id ident.EndpointID, ttl time.Duration)
	Forget(id ident.EndpointID)
}

// Router is a single routing node. Build one with New, attach acceptors and
// pre-established connector links, then drive it with repeated Update
// calls from the host process's tick loop.
type Router struct {
	pctx *proc.Context
	opts Options

	nextID atomic.Uint32

	links *slab.Slab[*link]
	byID  *xsync.Map[ident.EndpointID, slab.Handle]

	disconnected *xsync.Map[ident.EndpointID, time.Time]

	acceptMu  sync.Mutex
	acceptors []conn.Acceptor

	blob      BlobSink
	discovery Discovery

	Stats Stats

	shutdownAt atomic.Int64

	emptyMu      sync.Mutex
	emptySince   time.Time
	hasBeenEmpty bool
}

// New constructs a Router that allocates endpoint ids from
// [opts.IDBase, opts.IDBase+opts.IDCount).
func New(pctx *proc.Context, opts Options) *Router {
	r := &Router{
		pctx:         pctx,
		opts:         opts,
		links:        slab.New[*link](),
		byID:         xsync.NewMap[ident.EndpointID, slab.Handle](),
		disconnected: xsync.NewMap[ident.EndpointID, time.Time](),
	}
	r.nextID.Store(opts.IDBase)
	return r
}

// SetBlobSink attaches the local BLOB manipulator that handles
// blobFrgmnt/blobResend control traffic.
func (r *Router) SetBlobSink(b BlobSink) { r.blob = b }

// SetDiscovery attaches a cross-process liveness registry.
func (r *Router) SetDiscovery(d Discovery) { r.discovery = d }

// ID returns the router's own bus identity, used as Source on control
// replies it originates and as Target for messages addressed to it
// directly (ping, certQuery, statsQuery, topoQuery).
func (r *Router) ID() ident.EndpointID { return r.opts.SelfID }

// AddAcceptor registers a listening Acceptor whose future Pending
// connections become pending links.
func (r *Router) AddAcceptor(a conn.Acceptor) {
	r.acceptMu.Lock()
	defer r.acceptMu.Unlock()
	r.acceptors = append(r.acceptors, a)
}

// AddLink admits an already-established Connection (e.g. a connector-style
// uplink to a parent router, or a same-process cluster peer) as a new
// pending link awaiting assignId confirmation. The link is marked as
// another router so topology/stats responses describe it as topoRutrCn.
func (r *Router) AddLink(c conn.Connection) {
	r.admit(c, ident.NodeKindRouter)
}

func (r *Router) allocateID() ident.EndpointID {
	n := r.nextID.Add(1) - 1
	base := r.opts.IDBase
	count := r.opts.IDCount
	if count == 0 {
		count = 1
	}
	offset := (n - base) % count
	return ident.EndpointID(base + offset)
}

// admit registers c as a new pending link. kind is the link's presumed
// role until (and unless) the peer's confirmId declares otherwise: a
// bridge dialing in through an acceptor announces NodeKindBridge in its
// confirmId content, overriding the NodeKindEndpoint default.
func (r *Router) admit(c conn.Connection, kind ident.NodeKind) {
	l := newLink(c, kind)
	h := r.links.Insert(l)

	newID := r.allocateID()
	l.setEndpointID(newID)

	seq := r.pctx.NextSequence(message.SequenceKey{Source: r.opts.SelfID, ID: ident.MethodAssignID})
	assign := message.New(r.opts.SelfID, ident.Broadcast, ident.MethodAssignID, seq, message.PriorityHigh, idPayload(newID))
	if !c.Send(assign) {
		slog.Warn("router: assignId dropped by back-pressure", "id", newID)
	}
	_ = h
}

// Update polls acceptors for new peers, drains every link's inbound
// traffic, and sweeps links that timed out or went quiet. It reports
// whether any work was done.
func (r *Router) Update(ctx context.Context) (bool, error) {
	did := false

	r.acceptMu.Lock()
	acceptors := append([]conn.Acceptor(nil), r.acceptors...)
	r.acceptMu.Unlock()

	live := acceptors[:0]
	for _, a := range acceptors {
		worked, err := a.Update(ctx)
		if err != nil {
			slog.Warn("router: acceptor update failed", "error", err)
		}
		if worked {
			did = true
		}
		if !a.IsUsable() {
			continue
		}
		live = append(live, a)
		for _, c := range a.Pending() {
			r.admit(c, ident.NodeKindEndpoint)
			did = true
		}
	}
	r.acceptMu.Lock()
	r.acceptors = live
	r.acceptMu.Unlock()

	type deadEntry struct {
		h   slab.Handle
		l   *link
		err error
	}
	var dead []deadEntry

	r.links.Range(func(h slab.Handle, l *link) bool {
		workedUpdate, err := l.c.Update(ctx)
		if err != nil {
			slog.Warn("router: link update failed", "error", err)
		}
		if workedUpdate {
			did = true
		}

		if !l.c.IsUsable() {
			dead = append(dead, deadEntry{h: h, l: l})
			return true
		}

		if l.getState() == linkPending && time.Since(l.pendingSince) > r.opts.PendingTimeout {
			dead = append(dead, deadEntry{h: h, l: l})
			return true
		}

		if (l.getState() == linkRouted || l.getState() == linkParent) && l.idleFor() > r.opts.DisconnectedAge {
			dead = append(dead, deadEntry{h: h, l: l})
			return true
		}

		worked, err := l.c.Fetch(func(m message.Message) bool { return r.handleInbound(l, m) })
		if err != nil {
			slog.Warn("router: link fetch failed", "error", err)
		}
		if worked {
			did = true
		}
		return true
	})

	for _, d := range dead {
		r.retireLink(d.h, d.l)
		did = true
	}

	if r.Stats.dueToPublish(r.opts.StatsInterval) {
		r.publishStats()
		did = true
	} else if !did {
		r.Stats.recordIdleTick()
	}

	r.sweepDisconnected()
	r.updateEmptyTracking()

	return did, nil
}

// updateEmptyTracking records when the router last held zero links, so
// IsDone can report self-retirement once that state has persisted past
// NoConnectionTimeout.
func (r *Router) updateEmptyTracking() {
	r.emptyMu.Lock()
	defer r.emptyMu.Unlock()

	if r.links.Len() > 0 {
		r.emptySince = time.Time{}
		r.hasBeenEmpty = false
		return
	}
	if r.emptySince.IsZero() {
		r.emptySince = time.Now()
		return
	}
	if time.Since(r.emptySince) > r.opts.NoConnectionTimeout {
		r.hasBeenEmpty = true
	}
}

// LinkCount returns the number of links the router currently holds,
// pending, routed, parent, or otherwise not yet retired.
func (r *Router) LinkCount() int { return r.links.Len() }

// IsDone reports whether the router has held no links for longer than
// opts.NoConnectionTimeout, meaning the host process may retire it without
// further Update calls.
func (r *Router) IsDone() bool {
	r.emptyMu.Lock()
	defer r.emptyMu.Unlock()
	return r.hasBeenEmpty
}

// ShutdownRequested reports whether an accepted bus shutdown request's
// delay has elapsed, meaning the host process should exit. Always false
// with opts.KeepRunning set.
func (r *Router) ShutdownRequested() bool {
	at := r.shutdownAt.Load()
	return at != 0 && time.Now().UnixNano() >= at
}

// SendBlob implements blob.Sender, letting a BLOB manipulator hosted by
// this router emit fragment and resend-request traffic through the same
// fanout/directed forwarding paths user messages take. from is nil so no
// link is ever excluded as the origin.
func (r *Router) SendBlob(m message.Message) bool {
	if m.IsBroadcast() {
		r.fanout(nil, m)
	} else {
		r.forwardDirected(nil, m)
	}
	return true
}

// SetAllowList replaces the administrative allow list on the link routed
// to id. A message id in both the allow and block lists is treated as
// blocked: block takes precedence (see link.isBlocked).
func (r *Router) SetAllowList(id ident.EndpointID, ids []ident.MessageID) error {
	l, ok := r.lookupLink(id)
	if !ok {
		return ErrLinkNotFound
	}
	l.setAllowList(ids)
	return nil
}

// SetBlockList replaces the administrative block list on the link routed
// to id.
func (r *Router) SetBlockList(id ident.EndpointID, ids []ident.MessageID) error {
	l, ok := r.lookupLink(id)
	if !ok {
		return ErrLinkNotFound
	}
	l.setBlockList(ids)
	return nil
}

func (r *Router) lookupLink(id ident.EndpointID) (*link, bool) {
	h, ok := r.byID.Load(id)
	if !ok {
		return nil, false
	}
	return r.links.Get(h)
}

func (r *Router) retireLink(h slab.Handle, l *link) {
	id := l.getEndpointID()
	if l.getState() == linkRouted || l.getState() == linkParent {
		if cur, ok := r.byID.Load(id); ok && cur == h {
			r.byID.Delete(id)
			r.reelectRoute(id, h)
		}
		if _, ok := r.byID.Load(id); !ok {
			r.disconnected.Store(id, time.Now())
			if r.discovery != nil {
				r.discovery.Forget(id)
			}
		}
	}
	l.setState(linkDisconnected)
	_ = l.c.Cleanup()
	r.links.Remove(h)
}

// reelectRoute points id at the best surviving link that already confirmed
// it, if any, after its previous directed route went away. A multi-homed
// peer thus keeps receiving directed traffic over its remaining links.
func (r *Router) reelectRoute(id ident.EndpointID, gone slab.Handle) {
	var bestH slab.Handle
	var best *link
	r.links.Range(func(h slab.Handle, l *link) bool {
		if h == gone || l.getEndpointID() != id {
			return true
		}
		if s := l.getState(); s != linkRouted && s != linkParent {
			return true
		}
		if best == nil || l.c.RoutingWeight() > best.c.RoutingWeight() ||
			(l.c.RoutingWeight() == best.c.RoutingWeight() && h.Index < bestH.Index) {
			bestH, best = h, l
		}
		return true
	})
	if best != nil {
		r.byID.Store(id, bestH)
	}
}

func (r *Router) sweepDisconnected() {
	expiry := r.opts.DisconnectedAge + r.opts.NoConnectionTimeout
	var expired []ident.EndpointID
	r.disconnected.Range(func(id ident.EndpointID, since time.Time) bool {
		if time.Since(since) > expiry {
			expired = append(expired, id)
		}
		return true
	})
	for _, id := range expired {
		r.disconnected.Delete(id)
	}
}

// handleInbound classifies a message freshly received on link l.
func (r *Router) handleInbound(l *link, m message.Message) bool {
	l.touch(0)
	if m.IsSpecial() {
		return r.handleControl(l, m)
	}
	return r.forwardUser(l, m)
}

func (r *Router) forwardUser(from *link, m message.Message) bool {
	if m.HopCount >= r.opts.MaxHopCount || m.ExceedsHopLimit() {
		r.Stats.recordDrop()
		return true
	}
	bumped := m.Bump(m.Elapsed())

	if bumped.IsBroadcast() {
		r.fanout(from, bumped)
	} else {
		r.forwardDirected(from, bumped)
	}
	r.Stats.recordForward(bumped.AgeMS)
	return true
}

func (r *Router) fanout(from *link, m message.Message) {
	r.links.Range(func(_ slab.Handle, l *link) bool {
		if l == from {
			return true
		}
		state := l.getState()
		if state != linkRouted && state != linkParent {
			return true
		}
		if l.isBlocked(m.ID) {
			return true
		}
		if l.hasSubscriptionTable() && !l.isSubscribed(m.ID) {
			return true
		}
		if !l.c.Send(m) {
			slog.Debug("router: fanout send dropped by back-pressure", "target", l.getEndpointID())
		}
		return true
	})
}

func (r *Router) forwardDirected(from *link, m message.Message) {
	if m.Target == r.opts.SelfID {
		return
	}
	if h, ok := r.byID.Load(m.Target); ok {
		if l, ok2 := r.links.Get(h); ok2 && l != from {
			if l.isBlocked(m.ID) {
				r.Stats.recordDrop()
				return
			}
			if !l.c.Send(m) {
				slog.Debug("router: directed send dropped by back-pressure", "target", m.Target)
			}
			return
		}
	}
	r.Stats.recordDrop()
}

func idPayload(id ident.EndpointID) []byte {
	b := make([]byte, 8)
	v := uint64(id)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
	return b
}

func decodeID(b []byte) (ident.EndpointID, bool) {
	if len(b) < 8 {
		return 0, false
	}
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return ident.EndpointID(v), true
}

// decodeConfirmKind reads the node-kind byte a confirmId payload may carry
// after its 8-byte endpoint id, a bridge's way of telling the router it is
// not an ordinary endpoint. Older peers that send just the id are read as
// NodeKindUnknown, which setKind treats as "no opinion."
func decodeConfirmKind(b []byte) ident.NodeKind {
	if len(b) < 9 {
		return ident.NodeKindUnknown
	}
	return ident.NodeKind(b[8])
}
