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

package config

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidLogLevel       = errors.New("invalid log level")
	ErrInvalidConnectionKind = errors.New("invalid router connection kind")
	ErrRouterListenAddrEmpty = errors.New("router listen address must not be empty")
	ErrRouterIDBaseZero      = errors.New("router id base must not be zero")
	ErrRouterIDBaseCountZero = errors.New("router id base count must not be zero")
	ErrRouterMaxHopCountZero = errors.New("router max hop count must not be zero")
	ErrBridgeAddrsEmpty      = errors.New("bridge requires both an inner and an outer address")
	ErrBridgeMQTTBrokerEmpty = errors.New("bridge mqtt broker url must not be empty when mqtt is enabled")
)

// Validate checks the configuration for invalid values, returning a
// wrapped sentinel error naming the offending field rather than panicking.
func (c Config) Validate() error {
	switch c.LogLevel {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidLogLevel, c.LogLevel)
	}

	switch c.Router.ConnectionKind {
	case ConnectionKindTCP, ConnectionKindInProcess:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidConnectionKind, c.Router.ConnectionKind)
	}

	if c.Router.ConnectionKind == ConnectionKindTCP && c.Router.ListenAddr == "" {
		return ErrRouterListenAddrEmpty
	}
	if c.Router.IDBase == 0 {
		return ErrRouterIDBaseZero
	}
	if c.Router.IDBaseCount == 0 {
		return ErrRouterIDBaseCountZero
	}
	if c.Router.MaxHopCount == 0 {
		return ErrRouterMaxHopCountZero
	}

	if c.Bridge.InnerAddr != "" || c.Bridge.OuterAddr != "" {
		if c.Bridge.InnerAddr == "" || c.Bridge.OuterAddr == "" {
			return ErrBridgeAddrsEmpty
		}
	}
	if c.Bridge.MQTTEnabled && c.MQTT.BrokerURL == "" {
		return ErrBridgeMQTTBrokerEmpty
	}

	return nil
}
