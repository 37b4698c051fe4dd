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

package router

import (
	"log/slog"
	"time"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/slab"
)

// handleControl dispatches one control-plane message received on link from.
// It reports whether the message was consumed (always true: control
// messages never propagate past the router that understands them, except
// byeBye* and the query/reply pairs, which are explicitly re-sent where
// the protocol requires it).
func (r *Router) handleControl(from *link, m message.Message) bool {
	switch m.ID.Method {
	case ident.MethodConfirmID.Method:
		r.onConfirmID(from, m)
	case ident.MethodNotARouter.Method:
		slog.Debug("router: peer declined router role", "link", from.getEndpointID())
	case ident.MethodStillAlive.Method:
		r.onStillAlive(from, m)
	case ident.MethodSubscribeTo.Method:
		if id, ok := decodeMessageID(m.Content); ok {
			from.subscribe(id)
		}
	case ident.MethodUnsubFrom.Method:
		if id, ok := decodeMessageID(m.Content); ok {
			from.unsubscribe(id)
		}
	case ident.MethodQrySubscrb.Method:
		r.onQrySubscrb(from, m)
	case ident.MethodQrySubscrp.Method:
		r.onQrySubscrp(from, m)
	case ident.MethodPing.Method:
		r.onPing(from, m)
	case ident.MethodShutdown.Method:
		r.onShutdown(from, m)
	case ident.MethodByeByeEndp.Method, ident.MethodByeByeRutr.Method, ident.MethodByeByeBrdg.Method:
		r.onByeBye(from, m)
	case ident.MethodTopoQuery.Method:
		r.onTopoQuery(from, m)
	case ident.MethodStatsQuery.Method:
		r.onStatsQuery(from, m)
	case ident.MethodBlobFrgmnt.Method:
		if r.blob != nil {
			r.blob.HandleFragment(m)
		}
	case ident.MethodBlobResend.Method:
		if r.blob != nil {
			r.blob.HandleResend(m)
		}
	case ident.MethodFlowInfo.Method:
		if r.blob != nil {
			r.blob.HandleFlowInfo(m)
		}
	case ident.MethodCertQuery.Method:
		r.onCertQuery(from, m)
	case ident.MethodCertReply.Method:
		r.pctx.RememberRemoteCertificate(m.Source, m.Content)
	default:
		// Unrecognised control traffic is forwarded like a user message so a
		// router need not understand every extension method a bridge or
		// future endpoint introduces.
		return r.forwardUnknownControl(from, m)
	}
	return true
}

func (r *Router) onConfirmID(from *link, m message.Message) {
	confirmed, ok := decodeID(m.Content)
	if !ok {
		confirmed = from.getEndpointID()
	}
	from.setEndpointID(confirmed)
	from.setKind(decodeConfirmKind(m.Content))
	from.setState(linkRouted)
	h := r.handleFor(from)
	if !h.IsZero() && r.preferredRoute(confirmed, h, from) {
		r.byID.Store(confirmed, h)
	}
	if r.discovery != nil {
		r.discovery.Announce(confirmed, r.opts.DisconnectedAge)
	}
}

// preferredRoute reports whether candidate should become the directed
// route for id. When a multi-homed peer confirms the same id over several
// links, the link with the highest routing weight carries directed
// traffic; ties break toward the lowest link index. A candidate also wins
// when no live route exists yet.
func (r *Router) preferredRoute(id ident.EndpointID, candidate slab.Handle, l *link) bool {
	cur, ok := r.byID.Load(id)
	if !ok || cur == candidate {
		return true
	}
	curLink, ok := r.links.Get(cur)
	if !ok {
		return true
	}
	cw, nw := curLink.c.RoutingWeight(), l.c.RoutingWeight()
	if nw != cw {
		return nw > cw
	}
	return candidate.Index < cur.Index
}

// handleFor recovers the slab Handle addressing l. Links are few relative
// to message volume, so a linear scan on the (rare) confirmId path is
// preferable to threading a handle through every call site.
func (r *Router) handleFor(target *link) slab.Handle {
	var found slab.Handle
	r.links.Range(func(h slab.Handle, l *link) bool {
		if l == target {
			found = h
			return false
		}
		return true
	})
	return found
}

func (r *Router) onStillAlive(from *link, m message.Message) {
	if len(m.Content) >= 4 {
		var v uint32
		for i := 0; i < 4; i++ {
			v = v<<8 | uint32(m.Content[i])
		}
		from.touch(ident.ProcessInstanceID(v))
	}
}

func (r *Router) onQrySubscrb(from *link, m message.Message) {
	id, ok := decodeMessageID(m.Content)
	if !ok {
		return
	}
	var owners []ident.EndpointID
	r.links.Range(func(_ slab.Handle, l *link) bool {
		if l.isSubscribed(id) {
			owners = append(owners, l.getEndpointID())
		}
		return true
	})
	r.replyOwners(from, m, owners)
}

// onQrySubscrp answers "what does this link handle?" from the router's own
// cached subscription table, when the query targets the router itself
// directly; otherwise it forwards to the addressed peer, which answers
// from its live Subscriber.
func (r *Router) onQrySubscrp(from *link, m message.Message) {
	if m.Target != r.opts.SelfID {
		r.forwardUnknownControl(from, m)
		return
	}
	var mine []ident.MessageID
	r.links.Range(func(_ slab.Handle, l *link) bool {
		if l == from {
			mine = l.messageIDs()
			return false
		}
		return true
	})
	payload := make([]byte, 0, 16*len(mine))
	for _, id := range mine {
		payload = append(payload, idPayload(ident.EndpointID(id.Class))...)
		payload = append(payload, idPayload(ident.EndpointID(id.Method))...)
	}
	reply := message.New(r.opts.SelfID, m.Source, m.ID, m.Sequence, message.PriorityNormal, payload)
	from.c.Send(reply)
}

func (r *Router) replyOwners(from *link, m message.Message, owners []ident.EndpointID) {
	payload := make([]byte, 0, 8*len(owners))
	for _, id := range owners {
		payload = append(payload, idPayload(id)...)
	}
	reply := message.New(r.opts.SelfID, m.Source, m.ID, m.Sequence, message.PriorityNormal, payload)
	if !from.c.Send(reply) {
		slog.Debug("router: subscription query reply dropped by back-pressure")
	}
}

// onPing answers pings addressed to the router itself and forwards the
// rest toward their target, whose own pingable service replies.
func (r *Router) onPing(from *link, m message.Message) {
	if m.Target != r.opts.SelfID {
		r.forwardUnknownControl(from, m)
		return
	}
	pong := message.New(r.opts.SelfID, m.Source, ident.MethodPong, m.Sequence, message.PriorityHigh, m.Content)
	from.c.Send(pong)
}

func (r *Router) onShutdown(from *link, m message.Message) {
	if r.opts.Shutdown.VerifyRequired && !m.Verification.Has(message.VerifiedSourceID) {
		slog.Warn("router: ignoring unverified shutdown request", "source", m.Source)
		return
	}
	if r.opts.Shutdown.MaxAge > 0 && m.Age() > r.opts.Shutdown.MaxAge {
		slog.Warn("router: ignoring stale shutdown request", "age", m.Age())
		return
	}
	slog.Info("router: shutdown requested", "source", m.Source, "delay", r.opts.Shutdown.Delay)
	if (m.IsBroadcast() || m.Target == r.opts.SelfID) && !r.opts.KeepRunning {
		r.shutdownAt.CompareAndSwap(0, time.Now().Add(r.opts.Shutdown.Delay).UnixNano())
	}
	if m.IsBroadcast() {
		r.fanout(from, m.Bump(m.Elapsed()))
	} else if m.Target != r.opts.SelfID {
		r.forwardDirected(from, m.Bump(m.Elapsed()))
	}
}

func (r *Router) onByeBye(from *link, m message.Message) {
	id := from.getEndpointID()
	r.byID.Delete(id)
	r.disconnected.Store(id, time.Now())
	if r.discovery != nil {
		r.discovery.Forget(id)
	}
	r.fanout(from, m)
}

func (r *Router) onTopoQuery(from *link, m message.Message) {
	r.links.Range(func(_ slab.Handle, l *link) bool {
		if l == from {
			return true
		}
		var method ident.Identifier
		switch l.getKind() {
		case ident.NodeKindBridge:
			method = ident.MethodTopoBrdgCn.Method
		case ident.NodeKindRouter:
			method = ident.MethodTopoRutrCn.Method
		default:
			method = ident.MethodTopoEndpt.Method
		}
		reply := message.New(r.opts.SelfID, m.Source, ident.MessageID{Class: ident.MsgBusClass, Method: method}, m.Sequence, message.PriorityLow, idPayload(l.getEndpointID()))
		from.c.Send(reply)
		return true
	})
}

// publishStats broadcasts an unsolicited statsRutr announcement to every
// routed link, rate-limited by Stats.dueToPublish, and emits a flowInfo
// update per link (§4.7: "the flow-info message is emitted by routers on
// periodic stats") telling each peer its outstanding forward backlog on
// this router is drained, which resumes any local BLOB manipulator's
// fragments suspended by the watermark for that destination.
func (r *Router) publishStats() {
	payload := make([]byte, 24)
	putU64(payload[0:8], r.Stats.Forwarded.Load())
	putU64(payload[8:16], r.Stats.Dropped.Load())
	putU64(payload[16:24], uint64(r.Stats.MeanAgeMS()))
	seq := r.pctx.NextSequence(message.SequenceKey{Source: r.opts.SelfID, ID: ident.MethodStatsRutr})
	announce := message.New(r.opts.SelfID, ident.Broadcast, ident.MethodStatsRutr, seq, message.PriorityLow, payload)

	flowPayload := make([]byte, 8)
	flowSeq := r.pctx.NextSequence(message.SequenceKey{Source: r.opts.SelfID, ID: ident.MethodFlowInfo})
	flowInfo := message.New(r.opts.SelfID, ident.Broadcast, ident.MethodFlowInfo, flowSeq, message.PriorityLow, flowPayload)

	r.links.Range(func(_ slab.Handle, l *link) bool {
		if l.getState() == linkRouted || l.getState() == linkParent {
			l.c.Send(announce)
			l.c.Send(flowInfo)
		}
		return true
	})
}

func (r *Router) onStatsQuery(from *link, m message.Message) {
	payload := make([]byte, 24)
	putU64(payload[0:8], r.Stats.Forwarded.Load())
	putU64(payload[8:16], r.Stats.Dropped.Load())
	putU64(payload[16:24], uint64(r.Stats.MeanAgeMS()))
	reply := message.New(r.opts.SelfID, m.Source, ident.MethodStatsRutr, m.Sequence, message.PriorityLow, payload)
	from.c.Send(reply)
}

func (r *Router) onCertQuery(from *link, m message.Message) {
	cert := r.pctx.LocalCertificate()
	reply := message.New(r.opts.SelfID, m.Source, ident.MethodCertReply, m.Sequence, message.PriorityNormal, cert)
	from.c.Send(reply)
}

// forwardUnknownControl relays a control message this router does not
// interpret, as a broadcast if untargeted, otherwise directly.
func (r *Router) forwardUnknownControl(from *link, m message.Message) bool {
	if m.ExceedsHopLimit() {
		r.Stats.recordDrop()
		return true
	}
	bumped := m.Bump(m.Elapsed())
	if bumped.IsBroadcast() {
		r.fanout(from, bumped)
	} else {
		r.forwardDirected(from, bumped)
	}
	return true
}

func decodeMessageID(b []byte) (ident.MessageID, bool) {
	if len(b) < 16 {
		return ident.MessageID{}, false
	}
	return ident.MessageID{
		Class:  ident.Identifier(getU64(b[0:8])),
		Method: ident.Identifier(getU64(b[8:16])),
	}, true
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
