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
	"time"

	"github.com/busmesh/busmesh/internal/metrics"
)

// Instrument wraps store so every operation's outcome and duration land in
// the process's Prometheus registry alongside the router/bridge samples.
func Instrument(store KV, m *metrics.Metrics) KV {
	return instrumentedKV{store: store, metrics: m}
}

type instrumentedKV struct {
	store   KV
	metrics *metrics.Metrics
}

func statusOf(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (kv instrumentedKV) Set(ctx context.Context, key string, value []byte) error {
	start := time.Now()
	err := kv.store.Set(ctx, key, value)
	kv.metrics.RecordKVOperation("set", statusOf(err), time.Since(start).Seconds())
	return err
}

func (kv instrumentedKV) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := kv.store.Delete(ctx, key)
	kv.metrics.RecordKVOperation("delete", statusOf(err), time.Since(start).Seconds())
	return err
}

func (kv instrumentedKV) Expire(ctx context.Context, key string, ttl time.Duration) error {
	start := time.Now()
	err := kv.store.Expire(ctx, key, ttl)
	kv.metrics.RecordKVOperation("expire", statusOf(err), time.Since(start).Seconds())
	return err
}

func (kv instrumentedKV) Close() error {
	return kv.store.Close()
}
