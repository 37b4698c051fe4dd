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

// Package subscriber implements the handler-map dispatch table an endpoint
// attaches to: a small map from message id to handler, published to the bus
// on attach and retracted on detach. Handlers are plain callables, not an
// inheritance lattice.
package subscriber

import (
	"sync"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
)

// ResultContext carries the per-call facts a handler needs beyond the
// message payload itself: who sent it, under what sequence, and which
// identity attributes were verified before dispatch.
type ResultContext struct {
	Source       ident.EndpointID
	Sequence     uint64
	Verification message.VerificationBits
}

// Handler processes one message for a given id and reports whether it was
// consumed. A handler must not re-enter the dispatcher of its own
// subscriber.
type Handler func(m message.Message, rc ResultContext) bool

// PublishFunc announces (subscribe=true) or retracts (subscribe=false) a
// message id to the bus, by posting subscribTo/unsubFrom. An endpoint
// supplies this when a Subscriber is attached.
type PublishFunc func(id ident.MessageID, subscribe bool)

// Subscriber holds a dispatch table from message id to handler. It
// publishes its set on Attach and retracts it on Detach.
type Subscriber struct {
	mu       sync.RWMutex
	handlers map[ident.MessageID]Handler
	publish  PublishFunc
}

// New creates an empty Subscriber.
func New() *Subscriber {
	return &Subscriber{handlers: make(map[ident.MessageID]Handler)}
}

// Attach installs the publish callback and announces every handler already
// registered. Call this once, when the subscriber joins an endpoint.
func (s *Subscriber) Attach(publish PublishFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publish = publish
	if s.publish == nil {
		return
	}
	for id := range s.handlers {
		s.publish(id, true)
	}
}

// Detach retracts every handled message id and clears the publish
// callback.
func (s *Subscriber) Detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publish != nil {
		for id := range s.handlers {
			s.publish(id, false)
		}
	}
	s.publish = nil
}

// On registers handler for id, announcing subscribTo if attached. A second
// call for the same id replaces the previous handler without re-announcing.
func (s *Subscriber) On(id ident.MessageID, handler Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, already := s.handlers[id]
	s.handlers[id] = handler
	if !already && s.publish != nil {
		s.publish(id, true)
	}
}

// Off removes the handler for id, announcing unsubFrom if attached.
func (s *Subscriber) Off(id ident.MessageID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[id]; !ok {
		return
	}
	delete(s.handlers, id)
	if s.publish != nil {
		s.publish(id, false)
	}
}

// Handles reports whether id has a registered handler.
func (s *Subscriber) Handles(id ident.MessageID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.handlers[id]
	return ok
}

// MessageIDs returns the currently handled message ids, answering a
// qrySubscrp query.
func (s *Subscriber) MessageIDs() []ident.MessageID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]ident.MessageID, 0, len(s.handlers))
	for id := range s.handlers {
		ids = append(ids, id)
	}
	return ids
}

// Dispatch runs the handler registered for m.ID, if any, and reports
// whether the message was consumed. An unhandled message is not an error:
// the caller (endpoint) is responsible for replying notSubTo when a direct
// query demands it.
func (s *Subscriber) Dispatch(m message.Message, rc ResultContext) bool {
	s.mu.RLock()
	h, ok := s.handlers[m.ID]
	s.mu.RUnlock()
	if !ok {
		return false
	}
	return h(m, rc)
}
