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

package kv

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/busmesh/busmesh/internal/ident"
)

// discoveryPrefix namespaces endpoint liveness keys in the shared store from
// anything else a deployment keeps in the same KV backend.
const discoveryPrefix = "busmesh:discovery:"

// Discovery announces and forgets endpoint liveness in a shared KV backend,
// satisfying router.Discovery without either package importing the other.
type Discovery struct {
	kv KV
}

// NewDiscovery builds a Discovery backed by kv.
func NewDiscovery(kv KV) *Discovery {
	return &Discovery{kv: kv}
}

func discoveryKey(id ident.EndpointID) string {
	return discoveryPrefix + strconv.FormatUint(uint64(id), 10)
}

// Announce records id as live for ttl, refreshed on every router confirmId.
func (d *Discovery) Announce(id ident.EndpointID, ttl time.Duration) {
	ctx := context.Background()
	key := discoveryKey(id)
	if err := d.kv.Set(ctx, key, []byte{1}); err != nil {
		slog.Warn("kv: discovery announce failed", "id", id, "error", err)
		return
	}
	if err := d.kv.Expire(ctx, key, ttl); err != nil {
		slog.Warn("kv: discovery expire failed", "id", id, "error", err)
	}
}

// Forget removes id's liveness record immediately, on disconnect or byeBye.
func (d *Discovery) Forget(id ident.EndpointID) {
	if err := d.kv.Delete(context.Background(), discoveryKey(id)); err != nil {
		slog.Warn("kv: discovery forget failed", "id", id, "error", err)
	}
}
