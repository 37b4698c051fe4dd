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

package config_test

import (
	"errors"
	"testing"

	"github.com/busmesh/busmesh/internal/config"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigValidates(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsUnknownLogLevel(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.LogLevel = "verbose"
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInvalidLogLevel))
}

func TestValidateRejectsUnknownConnectionKind(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Router.ConnectionKind = "quic"
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrInvalidConnectionKind))
}

func TestValidateRequiresListenAddrForTCP(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Router.ListenAddr = ""
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrRouterListenAddrEmpty))
}

func TestValidateAllowsEmptyListenAddrForInProcess(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Router.ConnectionKind = config.ConnectionKindInProcess
	cfg.Router.ListenAddr = ""
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroIDBase(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Router.IDBase = 0
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrRouterIDBaseZero))
}

func TestValidateRequiresBothBridgeAddrs(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Bridge.InnerAddr = "localhost:1"
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrBridgeAddrsEmpty))
}

func TestValidateRequiresMQTTBrokerWhenEnabled(t *testing.T) {
	t.Parallel()
	cfg := config.Default()
	cfg.Bridge.InnerAddr = "localhost:1"
	cfg.Bridge.OuterAddr = "localhost:2"
	cfg.Bridge.MQTTEnabled = true
	err := cfg.Validate()
	require.Error(t, err)
	require.True(t, errors.Is(err, config.ErrBridgeMQTTBrokerEmpty))
}
