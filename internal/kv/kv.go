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
	"fmt"
	"time"

	"github.com/busmesh/busmesh/internal/config"
)

// KV is the shared key-value backend behind Discovery: record an endpoint
// as live with a ttl, refresh it, and drop it on departure.
type KV interface {
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// MakeKV creates a new key-value store client. With Redis disabled it falls
// back to an in-process map, which is sufficient for a single router or
// bridge instance.
func MakeKV(ctx context.Context, cfg *config.Config) (KV, error) {
	if cfg.Redis.Enabled {
		redisKV, err := makeRedisKV(ctx, cfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create redis kv: %w", err)
		}
		return redisKV, nil
	}

	return makeInMemoryKV(), nil
}
