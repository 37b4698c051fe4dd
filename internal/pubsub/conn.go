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

package pubsub

import (
	"context"
	"sync"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
)

// connMaxDataSize bounds the payload a Connection will marshal onto the
// shared topic; Redis and in-process channel backings both comfortably
// carry frames well past what any fragment-sized BLOB chunk needs.
const connMaxDataSize = 1 << 16 //nolint:gomnd

// Connection adapts a PubSub topic to the connection contract, letting a
// router fan broadcast traffic out to every other router process sharing
// the same backing store instead of only the links it holds directly.
// Every router in the cluster subscribes and publishes on the same topic,
// so each filters out the echo of its own publishes by process instance.
type Connection struct {
	ps    PubSub
	topic string
	sub   Subscription
	self  ident.ProcessInstanceID

	mu    sync.Mutex
	inbox []message.Message
}

// NewConnection subscribes to topic on ps and returns a Connection that
// publishes outgoing messages there, tagging them with self so this same
// process can recognise and drop its own echo.
func NewConnection(ps PubSub, topic string, self ident.ProcessInstanceID) *Connection {
	return &Connection{
		ps:    ps,
		topic: topic,
		sub:   ps.Subscribe(topic),
		self:  self,
	}
}

// Update drains every frame currently queued on the subscription channel
// without blocking, decoding each into the inbox Fetch later drains.
func (c *Connection) Update(context.Context) (bool, error) {
	did := false
	for {
		select {
		case payload, ok := <-c.sub.Channel():
			if !ok {
				return did, nil
			}
			instance, rest, ok := decodeEnvelope(payload)
			if !ok || instance == c.self {
				continue
			}
			var m message.Message
			if _, err := m.UnmarshalMsg(rest); err != nil {
				continue
			}
			c.mu.Lock()
			c.inbox = append(c.inbox, m)
			c.mu.Unlock()
			did = true
		default:
			return did, nil
		}
	}
}

// Send publishes m to the shared topic, tagged with this process's
// instance so every other subscriber (including this one) can tell it
// originated here.
func (c *Connection) Send(m message.Message) bool {
	buf, err := m.MarshalMsg(nil)
	if err != nil {
		return false
	}
	return c.ps.Publish(c.topic, encodeEnvelope(c.self, buf)) == nil
}

// Fetch hands every buffered decoded message to handler.
func (c *Connection) Fetch(handler conn.FetchHandler) (bool, error) {
	c.mu.Lock()
	pending := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, m := range pending {
		handler(m)
	}
	return len(pending) > 0, nil
}

func (c *Connection) MaxDataSize() int { return connMaxDataSize }

// RoutingWeight is low: a cluster fanout link is a catch-all for peers this
// process has no direct link to, never preferred over a direct connection.
func (c *Connection) RoutingWeight() float64 { return 0.1 }

func (c *Connection) IsUsable() bool { return true }

func (c *Connection) Cleanup() error { return c.sub.Close() }

func (c *Connection) Kind() conn.Kind { return conn.KindRemoteInterProcess }

func (c *Connection) AddressKind() string { return "pubsub" }

func (c *Connection) TypeID() string { return "cluster_pubsub" }

func encodeEnvelope(instance ident.ProcessInstanceID, payload []byte) []byte {
	b := make([]byte, 0, 4+len(payload))
	v := uint32(instance)
	for i := 0; i < 4; i++ {
		b = append(b, byte(v>>(24-8*i)))
	}
	return append(b, payload...)
}

func decodeEnvelope(b []byte) (ident.ProcessInstanceID, []byte, bool) {
	if len(b) < 4 {
		return 0, nil, false
	}
	var v uint32
	for i := 0; i < 4; i++ {
		v = v<<8 | uint32(b[i])
	}
	return ident.ProcessInstanceID(v), b[4:], true
}
