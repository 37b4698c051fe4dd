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

package conn

import (
	"context"
	"sync/atomic"

	"github.com/busmesh/busmesh/internal/message"
)

// inProcessQueueSize bounds each direction of an in-process pipe. Once
// full, Send reports back-pressure rather than blocking.
const inProcessQueueSize = 256

// NewInProcessPair builds two Connections sharing a pair of buffered
// channels, suitable for endpoints living in the same address space. The
// routing weight of an in-process link is highest by convention: it is
// always the cheapest path.
func NewInProcessPair() (a, b Connection) {
	ab := make(chan message.Message, inProcessQueueSize)
	ba := make(chan message.Message, inProcessQueueSize)
	left := &inProcessConn{out: ab, in: ba}
	right := &inProcessConn{out: ba, in: ab}
	return left, right
}

type inProcessConn struct {
	out    chan<- message.Message
	in     <-chan message.Message
	closed atomic.Bool
}

func (c *inProcessConn) Update(context.Context) (bool, error) { return false, nil }

func (c *inProcessConn) Send(m message.Message) bool {
	if c.closed.Load() {
		return false
	}
	select {
	case c.out <- m:
		return true
	default:
		return false
	}
}

func (c *inProcessConn) Fetch(handler FetchHandler) (bool, error) {
	did := false
	for {
		select {
		case m, ok := <-c.in:
			if !ok {
				return did, nil
			}
			handler(m)
			did = true
		default:
			return did, nil
		}
	}
}

func (c *inProcessConn) MaxDataSize() int { return 0 }

func (c *inProcessConn) RoutingWeight() float64 { return 1.0 }

func (c *inProcessConn) IsUsable() bool { return !c.closed.Load() }

func (c *inProcessConn) Cleanup() error {
	c.closed.Store(true)
	return nil
}

func (c *inProcessConn) Kind() Kind { return KindInProcess }

func (c *inProcessConn) AddressKind() string { return "in-process" }

func (c *inProcessConn) TypeID() string { return "direct" }
