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

package services

import (
	"log/slog"
	"sync"
	"time"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/subscriber"
)

// ShutdownOptions controls how a ShutdownTarget reacts to byeBye traffic
// addressed at it.
type ShutdownOptions struct {
	// VerifyRequired demands m.Verification carry message.VerifiedSourceID
	// before a shutdown request is honoured.
	VerifyRequired bool
	// MaxAge rejects a shutdown request whose accumulated age exceeds it,
	// the way a stale, slow-routed request should not be allowed to land
	// long after whatever triggered it.
	MaxAge time.Duration
	// Delay is how long the target waits after accepting a shutdown before
	// invoking its callback, giving in-flight work a chance to drain.
	Delay time.Duration
}

// DefaultShutdownOptions matches the router's own defaults: signed
// requests required, a 30s max age, and a 1s drain delay.
func DefaultShutdownOptions() ShutdownOptions {
	return ShutdownOptions{
		VerifyRequired: true,
		MaxAge:         30 * time.Second,
		Delay:          time.Second,
	}
}

// ShutdownTarget lets an endpoint honour a byeByeEndp (or any eagiMsgBus
// shutdown-class message) sent to it, accepting or rejecting by the same
// verify/max-age rule the router applies before propagating one.
type ShutdownTarget struct {
	opts     ShutdownOptions
	callback func()

	mu    sync.Mutex
	fired bool
	timer *time.Timer
}

// NewShutdownTarget builds a ShutdownTarget that invokes callback once,
// after opts.Delay, the first time a valid shutdown request arrives.
func NewShutdownTarget(opts ShutdownOptions, callback func()) *ShutdownTarget {
	return &ShutdownTarget{opts: opts, callback: callback}
}

// Attach registers the shutdown handler on reg.
func (s *ShutdownTarget) Attach(reg Registrar) {
	reg.Subscribe(ident.MethodShutdown, s.handleShutdown)
}

func (s *ShutdownTarget) handleShutdown(m message.Message, _ subscriber.ResultContext) bool {
	if s.opts.VerifyRequired && !m.Verification.Has(message.VerifiedSourceID) {
		slog.Debug("services: shutdown request rejected, unsigned", "source", m.Source)
		return true
	}
	if s.opts.MaxAge > 0 && m.Age() > s.opts.MaxAge {
		slog.Debug("services: shutdown request rejected, too old", "source", m.Source, "age", m.Age())
		return true
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fired {
		return true
	}
	s.fired = true
	s.timer = time.AfterFunc(s.opts.Delay, s.callback)
	return true
}

// Cancel stops a scheduled shutdown before its delay elapses, if one is
// pending and hasn't already fired.
func (s *ShutdownTarget) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer == nil {
		return false
	}
	return s.timer.Stop()
}
