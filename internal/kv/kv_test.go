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

package kv_test

import (
	"context"
	"testing"
	"time"

	"github.com/busmesh/busmesh/internal/config"
	"github.com/busmesh/busmesh/internal/kv"
	"github.com/busmesh/busmesh/internal/metrics"
	"github.com/USA-RedDragon/configulator"
	"github.com/stretchr/testify/assert"
)

func makeTestKV(t *testing.T) kv.KV {
	t.Helper()
	defConfig, err := configulator.New[config.Config]().Default()
	assert.NoError(t, err)

	kvStore, err := kv.MakeKV(context.Background(), &defConfig)
	assert.NoError(t, err)

	t.Cleanup(func() {
		_ = kvStore.Close()
	})
	return kvStore
}

func TestKVSet(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)

	err := store.Set(context.Background(), "testkey", []byte("testvalue"))
	assert.NoError(t, err)
}

func TestKVDelete(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)
	ctx := context.Background()

	assert.NoError(t, store.Set(ctx, "delme", []byte("val")))
	assert.NoError(t, store.Delete(ctx, "delme"))

	// Deleting an already-absent key is not an error.
	assert.NoError(t, store.Delete(ctx, "delme"))
}

func TestKVExpire(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)
	ctx := context.Background()

	assert.NoError(t, store.Set(ctx, "expiring", []byte("val")))
	assert.NoError(t, store.Expire(ctx, "expiring", 50*time.Millisecond))
}

func TestKVExpireNonexistent(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)

	err := store.Expire(context.Background(), "nope", time.Second)
	assert.Error(t, err)
}

func TestKVExpireZeroDeletesKey(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)
	ctx := context.Background()

	assert.NoError(t, store.Set(ctx, "zerottl", []byte("val")))
	assert.NoError(t, store.Expire(ctx, "zerottl", 0))

	// The key is gone: expiring it again must fail.
	assert.Error(t, store.Expire(ctx, "zerottl", time.Second))
}

func TestKVOverwrite(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)
	ctx := context.Background()

	assert.NoError(t, store.Set(ctx, "key", []byte("first")))
	assert.NoError(t, store.Set(ctx, "key", []byte("second")))
}

func TestKVClose(t *testing.T) {
	t.Parallel()
	defConfig, err := configulator.New[config.Config]().Default()
	assert.NoError(t, err)

	store, err := kv.MakeKV(context.Background(), &defConfig)
	assert.NoError(t, err)

	err = store.Close()
	assert.NoError(t, err)
}

// --- Benchmarks ---

func makeTestKVB(b *testing.B) kv.KV {
	b.Helper()
	defConfig, err := configulator.New[config.Config]().Default()
	if err != nil {
		b.Fatalf("Failed to create default config: %v", err)
	}
	kvStore, err := kv.MakeKV(context.Background(), &defConfig)
	if err != nil {
		b.Fatalf("Failed to create kv: %v", err)
	}
	b.Cleanup(func() {
		_ = kvStore.Close()
	})
	return kvStore
}

func BenchmarkKVSet(b *testing.B) {
	store := makeTestKVB(b)
	val := []byte("benchmark-value-data")
	ctx := context.Background()
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		_ = store.Set(ctx, "bench-key", val)
	}
}

// TestKVContextPassedToAllMethods documents the contract: every KV method
// accepts a context a caller can derive cancellation/deadlines from, even
// though the in-memory backend does not currently act on it.
func TestKVContextPassedToAllMethods(t *testing.T) {
	t.Parallel()
	store := makeTestKV(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	assert.NoError(t, store.Set(ctx, "ctx-test", []byte("value")))
	assert.NoError(t, store.Expire(ctx, "ctx-test", 10*time.Second))
	assert.NoError(t, store.Delete(ctx, "ctx-test"))
}

// TestInstrumentPassesOperationsThrough drives every operation through the
// metrics-instrumented wrapper; outcomes must be indistinguishable from the
// bare store's.
func TestInstrumentPassesOperationsThrough(t *testing.T) {
	store := kv.Instrument(makeTestKV(t), metrics.NewMetrics())
	ctx := context.Background()

	assert.NoError(t, store.Set(ctx, "instrumented", []byte("v")))
	assert.NoError(t, store.Expire(ctx, "instrumented", time.Second))
	assert.NoError(t, store.Delete(ctx, "instrumented"))
	assert.Error(t, store.Expire(ctx, "missing", time.Second))
	assert.NoError(t, store.Close())
}
