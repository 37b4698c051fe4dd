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

// Package services implements the composable subscriber-attached services
// a node mixes into an endpoint instead of an inheritance lattice: each
// service registers its own handlers on Attach and is otherwise independent
// of the others. A node assembles the set it needs (pingable, shutdown
// target, RPC invoker/skeleton, resource stream client/server) as sibling
// fields on one struct rather than through embedding chains.
package services

import (
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/subscriber"
)

// Poster is the subset of *endpoint.Endpoint a service needs to originate
// traffic: post a message and get back the sequence number the context
// assigned it, so a reply can be correlated without a side channel.
type Poster interface {
	Post(id ident.MessageID, target ident.EndpointID, priority message.Priority, content []byte) message.Message
}

// Responder is the subset of *endpoint.Endpoint a service needs to answer a
// received message using the requester's own sequence number.
type Responder interface {
	RespondTo(incoming message.Message, id ident.MessageID, priority message.Priority, content []byte) message.Message
}

// Registrar is the subset of *endpoint.Endpoint a service needs to hook
// into message dispatch. It is satisfied directly by *endpoint.Endpoint,
// so a service attaches straight to the endpoint it rides on rather than
// reaching into a private subscriber table.
type Registrar interface {
	Subscribe(id ident.MessageID, handler subscriber.Handler)
}

// Endpoint is the full surface a service needs when it must also name its
// own identity, e.g. to stamp itself as a BLOB transfer's source.
type Endpoint interface {
	Poster
	Responder
	ID() ident.EndpointID
}
