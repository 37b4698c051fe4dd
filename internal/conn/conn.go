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

// Package conn defines the connection contract: a bidirectional,
// message-framed link with non-blocking send/fetch/update. Concrete
// transports (in-process, TCP) are the minimal connectors needed to
// exercise the contract end to end; POSIX mqueue, MQTT, and other
// production transports are external collaborators, wired
// through the same interface.
package conn

import (
	"context"

	"github.com/busmesh/busmesh/internal/message"
)

// Kind classifies how a connection reaches its peer.
type Kind uint8

const (
	// KindInProcess links two endpoints in the same address space.
	KindInProcess Kind = iota
	// KindLocalInterProcess links endpoints on the same host across
	// process boundaries (e.g. UNIX sockets, POSIX mqueue).
	KindLocalInterProcess
	// KindRemoteInterProcess links endpoints across hosts (TCP, UDP, MQTT).
	KindRemoteInterProcess
)

// String renders a Kind for logging.
func (k Kind) String() string {
	switch k {
	case KindInProcess:
		return "in-process"
	case KindLocalInterProcess:
		return "local-inter-process"
	case KindRemoteInterProcess:
		return "remote-inter-process"
	default:
		return "unknown"
	}
}

// FetchHandler processes one received message during Fetch and reports
// whether it was consumed (should stop being offered to further handlers).
type FetchHandler func(m message.Message) bool

// Connection is the contract every transport must satisfy.
// Every method is expected to return quickly: Update and Fetch may perform
// brief internal I/O, but Send never blocks.
type Connection interface {
	// Update drives transport I/O and handshake progress. It must not call
	// into user handlers. It reports whether any work was done.
	Update(ctx context.Context) (bool, error)
	// Send enqueues m for the next flush. It reports whether the message
	// was accepted; false means the channel is saturated (back-pressure),
	// never an error. Send must not block.
	Send(m message.Message) bool
	// Fetch drains buffered incoming frames, invoking handler for each. It
	// reports whether any message was delivered.
	Fetch(handler FetchHandler) (bool, error)
	// MaxDataSize returns the payload bytes that fit in one frame, or 0 if
	// unknown (no negotiated limit yet).
	MaxDataSize() int
	// RoutingWeight is used by a router to prefer one peer connection over
	// another when duplicate paths to the same endpoint exist.
	RoutingWeight() float64
	// IsUsable reports whether the connection can still send or fetch.
	IsUsable() bool
	// Cleanup releases transport resources. Safe to call more than once.
	Cleanup() error
	// Kind reports the connection's coarse transport category.
	Kind() Kind
	// AddressKind names the address family/protocol, e.g. "tcp", "udp",
	// "in-process". The setup registry uses this to match factories.
	AddressKind() string
	// TypeID names the concrete connector implementation, used in logs and
	// topology/stats responses.
	TypeID() string
}

// Acceptor produces Connections by listening for peers. A router owns one
// Acceptor per configured bind address.
type Acceptor interface {
	// Update polls for newly completed accepts and reports whether any new
	// connection is ready to be collected with Pending.
	Update(ctx context.Context) (bool, error)
	// Pending drains connections accepted since the last call.
	Pending() []Connection
	// IsUsable reports whether the acceptor can still produce connections.
	IsUsable() bool
	// Cleanup stops listening and releases resources.
	Cleanup() error
	// AddressKind mirrors Connection.AddressKind for the connections this
	// acceptor produces.
	AddressKind() string
}

// Connector actively establishes one outgoing Connection to an address
// (used by endpoints and the bridge's outer/inner sides).
type Connector interface {
	// Connect attempts (or continues) the handshake and returns the
	// Connection once it is usable, or nil while still connecting.
	Connect(ctx context.Context) (Connection, error)
}
