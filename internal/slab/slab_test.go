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

package slab_test

import (
	"testing"

	"github.com/busmesh/busmesh/internal/slab"
	"github.com/stretchr/testify/require"
)

func TestInsertGetRemove(t *testing.T) {
	t.Parallel()

	s := slab.New[string]()
	h := s.Insert("hello")

	v, ok := s.Get(h)
	require.True(t, ok)
	require.Equal(t, "hello", v)

	require.True(t, s.Remove(h))
	_, ok = s.Get(h)
	require.False(t, ok)
}

func TestStaleHandleAfterReuseIsRejected(t *testing.T) {
	t.Parallel()

	s := slab.New[int]()
	h1 := s.Insert(1)
	require.True(t, s.Remove(h1))

	h2 := s.Insert(2)
	require.Equal(t, h1.Index, h2.Index, "freed slot should be reused")
	require.NotEqual(t, h1.Generation, h2.Generation, "generation must bump so stale handles are rejected")

	_, ok := s.Get(h1)
	require.False(t, ok, "handle from before the slot was reused must not resolve")

	v, ok := s.Get(h2)
	require.True(t, ok)
	require.Equal(t, 2, v)
}

func TestRangeVisitsOnlyOccupied(t *testing.T) {
	t.Parallel()

	s := slab.New[int]()
	a := s.Insert(1)
	_ = s.Insert(2)
	c := s.Insert(3)
	require.True(t, s.Remove(a))

	seen := map[slab.Handle]int{}
	s.Range(func(h slab.Handle, v int) bool {
		seen[h] = v
		return true
	})

	require.Len(t, seen, 2)
	require.NotContains(t, seen, a)
	require.Contains(t, seen, c)
	require.Equal(t, 2, s.Len())
}

func TestLenTracksOccupancy(t *testing.T) {
	t.Parallel()

	s := slab.New[int]()
	require.Equal(t, 0, s.Len())
	h := s.Insert(42)
	require.Equal(t, 1, s.Len())
	s.Remove(h)
	require.Equal(t, 0, s.Len())
}
