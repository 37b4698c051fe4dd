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
	"sync"
	"time"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
)

// linkState tracks a link's position in the router's identity-assignment
// state machine.
type linkState int

const (
	linkPending linkState = iota
	linkRouted
	linkParent
	linkDisconnected
)

// link is the router's record of one connected peer: a routed node,
// pending acceptor output, or the upstream parent-router link.
type link struct {
	c conn.Connection

	mu           sync.Mutex
	state        linkState
	kind         ident.NodeKind
	endpointID   ident.EndpointID
	instance     ident.ProcessInstanceID
	pendingSince time.Time
	lastSeen     time.Time

	subscriptions map[ident.MessageID]struct{}
	allow         map[ident.MessageID]struct{}
	block         map[ident.MessageID]struct{}

	hasSubTable bool
}

func newLink(c conn.Connection, kind ident.NodeKind) *link {
	return &link{
		c:             c,
		state:         linkPending,
		kind:          kind,
		pendingSince:  time.Now(),
		lastSeen:      time.Now(),
		subscriptions: make(map[ident.MessageID]struct{}),
	}
}

// subscribe records that the peer handles id.
func (l *link) subscribe(id ident.MessageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscriptions[id] = struct{}{}
	l.hasSubTable = true
}

// unsubscribe retracts id.
func (l *link) unsubscribe(id ident.MessageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.subscriptions, id)
}

// isSubscribed reports whether the peer has announced id.
func (l *link) isSubscribed(id ident.MessageID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.subscriptions[id]
	return ok
}

// isBlocked reports whether id is administratively blocked on this link. A
// message id present in both the allow and block lists is treated as
// blocked: block takes precedence.
func (l *link) isBlocked(id ident.MessageID) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.block != nil {
		if _, blocked := l.block[id]; blocked {
			return true
		}
	}
	if l.allow != nil {
		_, allowed := l.allow[id]
		return !allowed
	}
	return false
}

// hasSubscriptionTable reports whether the peer has ever announced a
// subscription. Until it has, broadcast forwarding treats the link as
// open unless explicitly blocked.
func (l *link) hasSubscriptionTable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.hasSubTable
}

// messageIDs returns a snapshot of the peer's announced subscriptions.
func (l *link) messageIDs() []ident.MessageID {
	l.mu.Lock()
	defer l.mu.Unlock()
	ids := make([]ident.MessageID, 0, len(l.subscriptions))
	for id := range l.subscriptions {
		ids = append(ids, id)
	}
	return ids
}

// touch refreshes lastSeen and, if the peer's process instance changed,
// clears cached subscriptions: a restarted peer starts from a clean slate.
func (l *link) touch(instance ident.ProcessInstanceID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.lastSeen = time.Now()
	if instance != 0 && l.instance != instance {
		l.instance = instance
		l.subscriptions = make(map[ident.MessageID]struct{})
		l.hasSubTable = false
	}
}

func (l *link) idleFor() time.Duration {
	l.mu.Lock()
	defer l.mu.Unlock()
	return time.Since(l.lastSeen)
}

func (l *link) getState() linkState {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

func (l *link) setState(s linkState) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.state = s
}

// getKind reports the link's declared role (endpoint/router/bridge), used
// to pick the right topology/stats announcement method for it.
func (l *link) getKind() ident.NodeKind {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.kind
}

// setKind records a role the peer declared for itself in confirmId. It is
// never downgraded to NodeKindUnknown: a peer that simply omits the kind
// byte on a later reconnect keeps whatever it last declared.
func (l *link) setKind(k ident.NodeKind) {
	if k == ident.NodeKindUnknown {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.kind = k
}

func (l *link) getEndpointID() ident.EndpointID {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.endpointID
}

func (l *link) setEndpointID(id ident.EndpointID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.endpointID = id
}

// setAllowList replaces the link's allow list. A nil or empty ids disables
// the allow list, reverting to "forward unless blocked."
func (l *link) setAllowList(ids []ident.MessageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ids) == 0 {
		l.allow = nil
		return
	}
	l.allow = make(map[ident.MessageID]struct{}, len(ids))
	for _, id := range ids {
		l.allow[id] = struct{}{}
	}
}

// setBlockList replaces the link's block list.
func (l *link) setBlockList(ids []ident.MessageID) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(ids) == 0 {
		l.block = nil
		return
	}
	l.block = make(map[ident.MessageID]struct{}, len(ids))
	for _, id := range ids {
		l.block[id] = struct{}{}
	}
}
