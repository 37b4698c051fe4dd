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

package router

import (
	"sync"
	"sync/atomic"
	"time"
)

// Stats accumulates the counters a statsQuery or a periodic statsRutr
// announcement reports: how much traffic the router moved, how much it
// dropped, and how stale the traffic it carried was.
type Stats struct {
	Forwarded     atomic.Uint64
	Dropped       atomic.Uint64
	ageSumMS      atomic.Uint64
	ageCount      atomic.Uint64
	MaxIdleStreak atomic.Uint64

	mu          sync.Mutex
	lastPublish time.Time
	idleStreak  uint64
}

func (s *Stats) recordForward(ageMS uint64) {
	s.Forwarded.Add(1)
	s.ageSumMS.Add(ageMS)
	s.ageCount.Add(1)
	s.mu.Lock()
	s.idleStreak = 0
	s.mu.Unlock()
}

func (s *Stats) recordDrop() {
	s.Dropped.Add(1)
}

func (s *Stats) recordIdleTick() {
	s.mu.Lock()
	s.idleStreak++
	if s.idleStreak > s.MaxIdleStreak.Load() {
		s.MaxIdleStreak.Store(s.idleStreak)
	}
	s.mu.Unlock()
}

// MeanAgeMS returns the mean age, in milliseconds, of messages forwarded
// since the router started.
func (s *Stats) MeanAgeMS() float64 {
	count := s.ageCount.Load()
	if count == 0 {
		return 0
	}
	return float64(s.ageSumMS.Load()) / float64(count)
}

// dueToPublish reports whether at least interval has elapsed since the last
// call that returned true, rate-limiting unsolicited stats announcements.
func (s *Stats) dueToPublish(interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastPublish) < interval {
		return false
	}
	s.lastPublish = time.Now()
	return true
}
