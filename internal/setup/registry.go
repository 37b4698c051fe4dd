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

// Package setup wires internal/config's connection-kind selection to
// concrete internal/conn acceptors and connectors, the way cmd/root.go
// wires a selected backend into the rest of the application.
package setup

import (
	"context"
	"fmt"

	"github.com/busmesh/busmesh/internal/config"
	"github.com/busmesh/busmesh/internal/conn"
)

// connectorFunc adapts a plain dial function to the conn.Connector
// interface.
type connectorFunc func(ctx context.Context) (conn.Connection, error)

func (f connectorFunc) Connect(ctx context.Context) (conn.Connection, error) { return f(ctx) }

// Acceptor builds the Acceptor for kind listening on addr.
func Acceptor(kind config.ConnectionKind, addr string) (conn.Acceptor, error) {
	switch kind {
	case config.ConnectionKindTCP:
		return conn.ListenTCP(addr)
	case config.ConnectionKindInProcess:
		return nil, fmt.Errorf("setup: in-process connections have no acceptor; use Connector with a paired endpoint")
	default:
		return nil, fmt.Errorf("setup: unknown connection kind %q", kind)
	}
}

// Connector builds the Connector for kind dialing addr.
func Connector(kind config.ConnectionKind, addr string) (conn.Connector, error) {
	switch kind {
	case config.ConnectionKindTCP:
		return connectorFunc(func(ctx context.Context) (conn.Connection, error) {
			return conn.DialTCP(ctx, addr)
		}), nil
	case config.ConnectionKindInProcess:
		return nil, fmt.Errorf("setup: in-process connections have no dialer; use conn.NewInProcessPair directly")
	default:
		return nil, fmt.Errorf("setup: unknown connection kind %q", kind)
	}
}
