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

// Package config holds the nested application configuration, loaded through
// configulator the way the rest of the ambient stack does.
package config

import "time"

// Config stores the application configuration.
type Config struct {
	LogLevel LogLevel       `yaml:"logLevel" env:"LOG_LEVEL"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Redis    RedisConfig    `yaml:"redis"`
	Router   RouterConfig   `yaml:"router"`
	Bridge   BridgeConfig   `yaml:"bridge"`
	Resource ResourceConfig `yaml:"resource"`
	MQTT     MQTTConfig     `yaml:"mqtt"`
}

// MetricsConfig configures the Prometheus metrics server and OTLP tracing.
type MetricsConfig struct {
	Enabled      bool   `yaml:"enabled" env:"METRICS_ENABLED"`
	Bind         string `yaml:"bind" env:"METRICS_BIND"`
	Port         int    `yaml:"port" env:"METRICS_PORT"`
	OTLPEndpoint string `yaml:"otlpEndpoint" env:"OTLP_ENDPOINT"`
}

// RedisConfig configures the shared KV/pubsub backing store. When disabled,
// both internal/kv and internal/pubsub fall back to in-process equivalents,
// which is sufficient for a single router/bridge process.
type RedisConfig struct {
	Enabled  bool   `yaml:"enabled" env:"REDIS_ENABLED"`
	Host     string `yaml:"host" env:"REDIS_HOST"`
	Port     int    `yaml:"port" env:"REDIS_PORT"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
}

// RouterConfig configures a message bus router node.
type RouterConfig struct {
	ConnectionKind      ConnectionKind `yaml:"connectionKind" env:"ROUTER_CONNECTION_KIND"`
	ListenAddr          string         `yaml:"listenAddr" env:"ROUTER_LISTEN_ADDR"`
	IDBase              uint32         `yaml:"idBase" env:"ROUTER_ID_BASE"`
	IDBaseCount         uint32         `yaml:"idBaseCount" env:"ROUTER_ID_BASE_COUNT"`
	PendingTimeout      time.Duration  `yaml:"pendingTimeout" env:"ROUTER_PENDING_TIMEOUT"`
	DisconnectedAge     time.Duration  `yaml:"disconnectedAge" env:"ROUTER_DISCONNECTED_AGE"`
	NoConnectionTimeout time.Duration  `yaml:"noConnectionTimeout" env:"ROUTER_NO_CONNECTION_TIMEOUT"`
	StatsInterval       time.Duration  `yaml:"statsInterval" env:"ROUTER_STATS_INTERVAL"`
	MaxHopCount         uint8          `yaml:"maxHopCount" env:"ROUTER_MAX_HOP_COUNT"`
	Shutdown            ShutdownConfig `yaml:"shutdown"`
	KeepRunning         bool           `yaml:"keepRunning" env:"ROUTER_KEEP_RUNNING"`
	CertPath            string         `yaml:"certPath" env:"ROUTER_CERT_PATH"`
}

// ShutdownConfig controls the router's response to a shutdown request:
// whether a requester must be re-verified, how old a request may be, and
// how long to wait before acting on it.
type ShutdownConfig struct {
	VerifyRequired bool          `yaml:"verifyRequired" env:"ROUTER_SHUTDOWN_VERIFY_REQUIRED"`
	MaxAge         time.Duration `yaml:"maxAge" env:"ROUTER_SHUTDOWN_MAX_AGE"`
	Delay          time.Duration `yaml:"delay" env:"ROUTER_SHUTDOWN_DELAY"`
}

// BridgeConfig configures a bridge node pairing an inner and an outer
// connection, optionally specialized as an MQTT gateway.
type BridgeConfig struct {
	InnerAddr   string         `yaml:"innerAddr" env:"BRIDGE_INNER_ADDR"`
	OuterAddr   string         `yaml:"outerAddr" env:"BRIDGE_OUTER_ADDR"`
	MQTTEnabled bool           `yaml:"mqttEnabled" env:"BRIDGE_MQTT_ENABLED"`
	Shutdown    ShutdownConfig `yaml:"shutdown"`
	KeepRunning bool           `yaml:"keepRunning" env:"BRIDGE_KEEP_RUNNING"`
}

// ResourceConfig configures the resource-streaming service.
type ResourceConfig struct {
	BlobTimeout time.Duration `yaml:"blobTimeout" env:"RESOURCE_GET_BLOB_TIMEOUT"`
}

// MQTTConfig configures the paho.mqtt.golang client used by the MQTT bridge
// specialization.
type MQTTConfig struct {
	BrokerURL   string `yaml:"brokerUrl" env:"MQTT_BROKER_URL"`
	ClientID    string `yaml:"clientId" env:"MQTT_CLIENT_ID"`
	TopicPrefix string `yaml:"topicPrefix" env:"MQTT_TOPIC_PREFIX"`
}

// Default returns a Config with the same baked-in defaults this module's
// loadConfig applied inline, moved here so configulator can apply them
// before Validate runs.
func Default() *Config {
	return &Config{
		LogLevel: LogLevelInfo,
		Metrics: MetricsConfig{
			Enabled: true,
			Bind:    "0.0.0.0",
			Port:    9100,
		},
		Redis: RedisConfig{
			Host: "localhost",
			Port: 6379,
		},
		Router: RouterConfig{
			ConnectionKind:      ConnectionKindTCP,
			ListenAddr:          "0.0.0.0:34912",
			IDBase:              1,
			IDBaseCount:         1 << 20, //nolint:gomnd
			PendingTimeout:      30 * time.Second,
			DisconnectedAge:     60 * time.Second,
			NoConnectionTimeout: 30 * time.Second,
			StatsInterval:       5 * time.Second,
			MaxHopCount:         16, //nolint:gomnd
			Shutdown: ShutdownConfig{
				VerifyRequired: true,
				MaxAge:         30 * time.Second,
				Delay:          1 * time.Second,
			},
		},
		Bridge: BridgeConfig{
			Shutdown: ShutdownConfig{
				VerifyRequired: true,
				MaxAge:         30 * time.Second,
				Delay:          1 * time.Second,
			},
		},
		Resource: ResourceConfig{
			BlobTimeout: 30 * time.Second,
		},
		MQTT: MQTTConfig{
			TopicPrefix: "eagimsgbus",
		},
	}
}
