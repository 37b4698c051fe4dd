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

// Package endpoint implements an addressable bus node: an identity assigned
// by a parent router, per-priority outgoing queues, subscribers dispatched
// on receipt, and the unassigned → requesting-id → assigned → retiring
// connection-side state machine.
package endpoint

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/proc"
	"github.com/busmesh/busmesh/internal/queue"
	"github.com/busmesh/busmesh/internal/subscriber"
)

// State is the endpoint's connection-side identity state machine.
type State int32

const (
	// StateUnassigned has not yet requested an id from any router.
	StateUnassigned State = iota
	// StateRequestingID has sent no id yet but is attached to at least one
	// connection and awaiting assignId.
	StateRequestingID
	// StateAssigned holds a confirmed endpoint id.
	StateAssigned
	// StateRetiring has sent byeByeEndp and is winding down.
	StateRetiring
)

// String renders a State for logging.
func (s State) String() string {
	switch s {
	case StateUnassigned:
		return "unassigned"
	case StateRequestingID:
		return "requesting-id"
	case StateAssigned:
		return "assigned"
	case StateRetiring:
		return "retiring"
	default:
		return "unknown"
	}
}

// SelfInfo describes an endpoint for topology/stats responses and the
// identity info routers cache.
type SelfInfo struct {
	Kind            string
	DisplayName     string
	Description     string
	HostID          string
	BuildInfo       string
	ApplicationName string
}

// pendingDispatch is one message queued for ProcessOne/ProcessAll.
type pendingDispatch struct {
	msg message.Message
	rc  subscriber.ResultContext
}

// Endpoint is a node on the bus. Construct with New, attach connections
// with AddConnection, and drive it with repeated Update calls.
type Endpoint struct {
	ctx  *proc.Context
	self SelfInfo

	id    atomic.Uint64
	state atomic.Int32

	instance ident.ProcessInstanceID

	connMu sync.Mutex
	conns  []conn.Connection

	out *queue.Queue

	subs *subscriber.Subscriber

	lastAlive atomic.Int64

	dispatchMu sync.Mutex
	dispatch   []pendingDispatch
}

// KeepaliveInterval is how often an assigned endpoint announces stillAlive
// so its parent router does not retire the link as idle.
const KeepaliveInterval = 10 * time.Second

// New constructs an unassigned Endpoint described by self.
func New(ctx *proc.Context, self SelfInfo) *Endpoint {
	e := &Endpoint{
		ctx:      ctx,
		self:     self,
		instance: ctx.Instance(),
		out:      queue.NewQueue(),
	}
	e.subs = subscriber.New()
	e.subs.Attach(e.publishSubscription)
	return e
}

// ID returns the endpoint's assigned id, or 0 (ident.Broadcast) if it has
// not yet been assigned one.
func (e *Endpoint) ID() ident.EndpointID { return ident.EndpointID(e.id.Load()) }

// State returns the current connection-side state.
func (e *Endpoint) State() State { return State(e.state.Load()) }

// Self returns the endpoint's self-description.
func (e *Endpoint) Self() SelfInfo { return e.self }

// Instance returns this endpoint's process-instance nonce, used by routers
// to detect restarts.
func (e *Endpoint) Instance() ident.ProcessInstanceID { return e.instance }

// AddConnection attaches an outbound channel. Posted messages are sent on
// every attached connection, before and after the endpoint's id is
// assigned; the router does not remove the resulting duplicates.
func (e *Endpoint) AddConnection(c conn.Connection) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	e.conns = append(e.conns, c)
	if e.State() == StateUnassigned {
		e.state.Store(int32(StateRequestingID))
	}
}

// Subscribe registers handler for id, announcing subscribTo to the bus.
func (e *Endpoint) Subscribe(id ident.MessageID, handler subscriber.Handler) {
	e.subs.On(id, handler)
}

// Unsubscribe removes the handler for id, announcing unsubFrom.
func (e *Endpoint) Unsubscribe(id ident.MessageID) {
	e.subs.Off(id)
}

// publishSubscription posts subscribTo/unsubFrom to every attached
// connection: subscriptions are announced on attach and retracted on detach.
func (e *Endpoint) publishSubscription(id ident.MessageID, subscribe bool) {
	method := ident.MethodUnsubFrom
	if subscribe {
		method = ident.MethodSubscribeTo
	}
	content := idPayload(id)
	e.postRaw(method, ident.Broadcast, message.PriorityHigh, content)
}

// Post enqueues content as message id targeted at target, returning the
// message actually queued (with its assigned sequence number).
func (e *Endpoint) Post(id ident.MessageID, target ident.EndpointID, priority message.Priority, content []byte) message.Message {
	return e.postRaw(id, target, priority, content)
}

// Broadcast posts content to every subscriber of id.
func (e *Endpoint) Broadcast(id ident.MessageID, priority message.Priority, content []byte) message.Message {
	return e.postRaw(id, ident.Broadcast, priority, content)
}

// RespondTo replies to incoming using the requester's own sequence number,
// so the original caller can correlate the reply without a side table
func (e *Endpoint) RespondTo(incoming message.Message, id ident.MessageID, priority message.Priority, content []byte) message.Message {
	m := message.Message{
		Source:   e.ID(),
		Target:   incoming.Source,
		ID:       id,
		Sequence: incoming.Sequence,
		Priority: priority,
		Content:  content,
	}
	e.enqueue(m)
	return m
}

func (e *Endpoint) postRaw(id ident.MessageID, target ident.EndpointID, priority message.Priority, content []byte) message.Message {
	seq := e.ctx.NextSequence(message.SequenceKey{Source: e.ID(), ID: id})
	m := message.New(e.ID(), target, id, seq, priority, content)
	e.enqueue(m)
	return m
}

func (e *Endpoint) enqueue(m message.Message) {
	buf, err := m.MarshalMsg(nil)
	if err != nil {
		slog.Error("endpoint: failed to encode outgoing message", "error", err, "id", m.ID)
		return
	}
	if _, err := e.out.Push(m.Priority.String(), buf); err != nil {
		slog.Error("endpoint: failed to queue outgoing message", "error", err)
	}
}

// Update flushes every priority queue onto every attached connection
// (highest priority first, so urgent traffic overtakes idle traffic), then
// fetches and classifies incoming
// messages. It reports whether any work was done.
func (e *Endpoint) Update(ctx context.Context) (bool, error) {
	e.maybeKeepalive()
	did := e.flush()

	e.connMu.Lock()
	conns := append([]conn.Connection(nil), e.conns...)
	e.connMu.Unlock()

	live := conns[:0]
	for _, c := range conns {
		workedUpdate, err := c.Update(ctx)
		if err != nil {
			slog.Warn("endpoint: connection update failed", "error", err)
		}
		if workedUpdate {
			did = true
		}
		if !c.IsUsable() {
			continue
		}
		live = append(live, c)

		workedFetch, err := c.Fetch(e.handleIncoming)
		if err != nil {
			slog.Warn("endpoint: connection fetch failed", "error", err)
		}
		if workedFetch {
			did = true
		}
	}

	e.connMu.Lock()
	e.conns = live
	e.connMu.Unlock()

	return did, nil
}

// maybeKeepalive posts a stillAlive announcement carrying the process
// instance nonce once per KeepaliveInterval, so the parent router can both
// refresh the link's liveness and detect a restart by the nonce changing.
func (e *Endpoint) maybeKeepalive() {
	if e.State() != StateAssigned {
		return
	}
	now := time.Now().UnixNano()
	last := e.lastAlive.Load()
	if last != 0 && now-last < int64(KeepaliveInterval) {
		return
	}
	if !e.lastAlive.CompareAndSwap(last, now) {
		return
	}
	nonce := make([]byte, 4)
	v := uint32(e.instance)
	for i := 0; i < 4; i++ {
		nonce[i] = byte(v >> (24 - 8*i))
	}
	e.postRaw(ident.MethodStillAlive, ident.Broadcast, message.PriorityLow, nonce)
}

func (e *Endpoint) flush() bool {
	did := false
	for p := message.PriorityCritical; ; p-- {
		key := p.String()
		for _, buf := range e.out.Drain(key) {
			var m message.Message
			if _, err := m.UnmarshalMsg(buf); err != nil {
				slog.Error("endpoint: corrupt outgoing queue entry", "error", err)
				continue
			}
			e.sendToAll(m)
			did = true
		}
		if p == message.PriorityIdle {
			break
		}
	}
	return did
}

func (e *Endpoint) sendToAll(m message.Message) {
	e.connMu.Lock()
	conns := append([]conn.Connection(nil), e.conns...)
	e.connMu.Unlock()
	for _, c := range conns {
		if !c.Send(m) {
			slog.Debug("endpoint: connection reported back-pressure, dropping", "id", m.ID)
		}
	}
}

// handleIncoming classifies one received message: control messages
// affecting this endpoint's own identity are handled inline; everything
// else is queued for ProcessOne/ProcessAll.
func (e *Endpoint) handleIncoming(m message.Message) bool {
	if m.Target.IsValid() && m.Target != e.ID() {
		return false
	}
	if m.IsSpecial() {
		switch m.ID.Method {
		case ident.MethodAssignID.Method:
			return e.handleAssignID(m)
		case ident.MethodQrySubscrp.Method:
			e.replySubscriptions(m)
			return true
		case ident.MethodQrySubscrb.Method:
			e.replySubscribedTo(m)
			return true
		case ident.MethodByeByeRutr.Method, ident.MethodByeByeBrdg.Method:
			return true
		}
	}
	e.dispatchMu.Lock()
	e.dispatch = append(e.dispatch, pendingDispatch{msg: m, rc: subscriber.ResultContext{
		Source: m.Source, Sequence: m.Sequence, Verification: m.Verification,
	}})
	e.dispatchMu.Unlock()
	return true
}

func (e *Endpoint) handleAssignID(m message.Message) bool {
	newID, ok := decodeIDPayload(m.Content)
	if !ok {
		return true
	}
	e.id.Store(uint64(newID))
	e.state.Store(int32(StateAssigned))
	content := append(idPayload64(uint64(newID)), byte(ident.NodeKindEndpoint))
	reply := message.New(ident.EndpointID(newID), m.Source, ident.MethodConfirmID, m.Sequence, message.PriorityHigh, content)
	e.sendToAll(reply)
	return true
}

// ProcessOne runs one pending subscriber dispatch, reporting whether work
// was done.
func (e *Endpoint) ProcessOne() bool {
	e.dispatchMu.Lock()
	if len(e.dispatch) == 0 {
		e.dispatchMu.Unlock()
		return false
	}
	next := e.dispatch[0]
	e.dispatch = e.dispatch[1:]
	e.dispatchMu.Unlock()

	e.subs.Dispatch(next.msg, next.rc)
	return true
}

// ProcessAll runs every pending subscriber dispatch and returns how many
// ran.
func (e *Endpoint) ProcessAll() int {
	n := 0
	for e.ProcessOne() {
		n++
	}
	return n
}

// replySubscriptions answers a qrySubscrp ("what do you handle?") by
// announcing subscribTo once per handled message id, straight from the
// live subscriber table.
func (e *Endpoint) replySubscriptions(m message.Message) {
	for _, id := range e.subs.MessageIDs() {
		e.RespondTo(m, ident.MethodSubscribeTo, message.PriorityNormal, idPayload(id))
	}
}

// replySubscribedTo answers a qrySubscrb ("do you handle X?") with
// subscribTo or notSubTo for the queried id.
func (e *Endpoint) replySubscribedTo(m message.Message) {
	id, ok := decodeMessageIDPayload(m.Content)
	if !ok {
		return
	}
	method := ident.MethodNotSubTo
	if e.subs.Handles(id) {
		method = ident.MethodSubscribeTo
	}
	e.RespondTo(m, method, message.PriorityNormal, idPayload(id))
}

// Shutdown posts byeByeEndp and transitions to StateRetiring.
func (e *Endpoint) Shutdown() {
	e.postRaw(ident.MethodByeByeEndp, ident.Broadcast, message.PriorityCritical, nil)
	e.state.Store(int32(StateRetiring))
	e.subs.Detach()
}

func idPayload(id ident.MessageID) []byte {
	b := make([]byte, 16)
	putUint64(b[0:8], uint64(id.Class))
	putUint64(b[8:16], uint64(id.Method))
	return b
}

func idPayload64(v uint64) []byte {
	b := make([]byte, 8)
	putUint64(b, v)
	return b
}

func decodeMessageIDPayload(b []byte) (ident.MessageID, bool) {
	if len(b) < 16 {
		return ident.MessageID{}, false
	}
	return ident.MessageID{
		Class:  ident.Identifier(getUint64(b[0:8])),
		Method: ident.Identifier(getUint64(b[8:16])),
	}, true
}

func decodeIDPayload(b []byte) (ident.EndpointID, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return ident.EndpointID(getUint64(b[:8])), true
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// IDRequestTimeout is how long an endpoint should be given to receive
// assignId after attaching its first connection before the caller gives up
// on it.
const IDRequestTimeout = 2 * time.Second
