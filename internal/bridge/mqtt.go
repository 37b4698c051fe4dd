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

package bridge

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/busmesh/busmesh/internal/conn"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
)

// mqttMaxDataSize is the payload budget advertised for MQTT connections;
// brokers commonly cap messages well under the protocol's 256MiB ceiling,
// so this mirrors the conservative default most deployments configure.
const mqttMaxDataSize = 1 << 18 //nolint:gomnd

const mqttPublishTimeout = 2 * time.Second

// mqttConn adapts a paho.mqtt.golang client to the Connection contract. It
// is the "outer" side of an MQTT bridge: one client subscribed to its own
// topic tree, publishing every outgoing message under a topic that encodes
// class, method, and target, with everything else the topic doesn't
// already carry (source, sequence, hop count, age, priority, content)
// opaque in the payload.
type mqttConn struct {
	client mqtt.Client
	prefix string

	mu     sync.Mutex
	inbox  []message.Message
	usable bool
}

// NewMQTTConnection connects an MQTT client to brokerURL and returns a
// Connection publishing and subscribing under topicPrefix. It blocks until
// the initial connect and subscribe complete or ctx's deadline passes.
func NewMQTTConnection(ctx context.Context, brokerURL, clientID, topicPrefix string) (conn.Connection, error) {
	c := &mqttConn{prefix: strings.TrimSuffix(topicPrefix, "/")}

	subscribed := make(chan error, 1)
	opts := mqtt.NewClientOptions().
		AddBroker(brokerURL).
		SetClientID(clientID).
		SetAutoReconnect(true).
		SetConnectionLostHandler(func(mqtt.Client, error) {
			c.mu.Lock()
			c.usable = false
			c.mu.Unlock()
		}).
		SetOnConnectHandler(func(client mqtt.Client) {
			c.mu.Lock()
			c.usable = true
			c.mu.Unlock()
			token := client.Subscribe(c.prefix+"/#", 1, c.onMessage)
			token.Wait()
			select {
			case subscribed <- token.Error():
			default:
			}
		})

	c.client = mqtt.NewClient(opts)
	connectToken := c.client.Connect()
	if !connectToken.WaitTimeout(10 * time.Second) { //nolint:gomnd
		return nil, fmt.Errorf("bridge: mqtt connect to %s timed out", brokerURL)
	}
	if err := connectToken.Error(); err != nil {
		return nil, fmt.Errorf("bridge: mqtt connect to %s: %w", brokerURL, err)
	}

	select {
	case err := <-subscribed:
		if err != nil {
			return nil, fmt.Errorf("bridge: mqtt subscribe to %s/#: %w", c.prefix, err)
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return c, nil
}

func (c *mqttConn) onMessage(_ mqtt.Client, msg mqtt.Message) {
	m, ok := decodeMQTTMessage(msg.Topic(), msg.Payload())
	if !ok {
		slog.Warn("bridge: dropping malformed mqtt message", "topic", msg.Topic())
		return
	}
	c.mu.Lock()
	c.inbox = append(c.inbox, m)
	c.mu.Unlock()
}

// topicFor renders the publish topic for m: prefix/class/method/target.
// Target is rendered numerically since broadcast (0) and router-assigned
// ids are not guaranteed to pack into printable identifier characters.
func (c *mqttConn) topicFor(m message.Message) string {
	return fmt.Sprintf("%s/%s/%s/%d", c.prefix, m.ID.Class.String(), m.ID.Method.String(), uint64(m.Target))
}

func (c *mqttConn) Update(context.Context) (bool, error) { return false, nil }

func (c *mqttConn) Send(m message.Message) bool {
	if !c.IsUsable() {
		return false
	}
	token := c.client.Publish(c.topicFor(m), 1, false, encodeMQTTPayload(m))
	return token.WaitTimeout(mqttPublishTimeout) && token.Error() == nil
}

func (c *mqttConn) Fetch(handler conn.FetchHandler) (bool, error) {
	c.mu.Lock()
	pending := c.inbox
	c.inbox = nil
	c.mu.Unlock()

	for _, m := range pending {
		handler(m)
	}
	return len(pending) > 0, nil
}

func (c *mqttConn) MaxDataSize() int { return mqttMaxDataSize }

func (c *mqttConn) RoutingWeight() float64 { return 0.2 }

func (c *mqttConn) IsUsable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable && c.client.IsConnected()
}

func (c *mqttConn) Cleanup() error {
	c.mu.Lock()
	c.usable = false
	c.mu.Unlock()
	c.client.Disconnect(250) //nolint:gomnd
	return nil
}

func (c *mqttConn) Kind() conn.Kind { return conn.KindRemoteInterProcess }

func (c *mqttConn) AddressKind() string { return "mqtt" }

func (c *mqttConn) TypeID() string { return "paho_mqtt" }

// encodeMQTTPayload serializes the fields m's topic doesn't already carry:
// source, sequence, hop count, age, priority, and content.
func encodeMQTTPayload(m message.Message) []byte {
	b := make([]byte, 0, 8+8+1+8+1+len(m.Content))
	b = appendU64(b, uint64(m.Source))
	b = appendU64(b, m.Sequence)
	b = append(b, m.HopCount)
	b = appendU64(b, m.AgeMS)
	b = append(b, byte(m.Priority))
	b = append(b, m.Content...)
	return b
}

// decodeMQTTMessage rebuilds a Message from a received topic and payload,
// recovering class/method/target from the topic and everything else from
// the payload header written by encodeMQTTPayload.
func decodeMQTTMessage(topic string, payload []byte) (message.Message, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) < 4 {
		return message.Message{}, false
	}
	class, method, targetStr := parts[len(parts)-3], parts[len(parts)-2], parts[len(parts)-1]
	target, err := strconv.ParseUint(targetStr, 10, 64)
	if err != nil {
		return message.Message{}, false
	}
	classID, err := ident.Pack(class)
	if err != nil {
		return message.Message{}, false
	}
	methodID, err := ident.Pack(method)
	if err != nil {
		return message.Message{}, false
	}
	if len(payload) < 8+8+1+8+1 {
		return message.Message{}, false
	}

	m := message.Message{
		Source: ident.EndpointID(parseU64(payload[0:8])),
		Target: ident.EndpointID(target),
		ID: ident.MessageID{
			Class:  classID,
			Method: methodID,
		},
		Sequence: parseU64(payload[8:16]),
		HopCount: payload[16],
		AgeMS:    parseU64(payload[17:25]),
		Priority: message.Priority(payload[25]),
		Content:  append([]byte(nil), payload[26:]...),
		Stamped:  time.Now(),
	}
	return m, true
}

func appendU64(b []byte, v uint64) []byte {
	var tmp [8]byte
	for i := 0; i < 8; i++ {
		tmp[i] = byte(v >> (56 - 8*i))
	}
	return append(b, tmp[:]...)
}

func parseU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
