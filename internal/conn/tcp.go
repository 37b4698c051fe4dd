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

package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/busmesh/busmesh/internal/message"
	"golang.org/x/time/rate"
)

// maxFrameBytes bounds a single wire frame, guarding against a corrupt
// length prefix turning into an enormous allocation.
const maxFrameBytes = 16 << 20 //nolint:gomnd

// tcpMaxDataSize is the payload budget advertised by TCP connections; it is
// generous since the transport itself has no hard frame limit.
const tcpMaxDataSize = 1 << 20 //nolint:gomnd

// ioDeadline bounds each non-blocking-ish read/write attempt inside Update,
// so a stalled peer never wedges the router's tick loop.
const ioDeadline = 10 * time.Millisecond

// sendBurst and sendRate bound how fast Send accepts frames before
// reporting back-pressure, grounded on the pack's golang.org/x/time/rate
// precedent for outbound throttling.
const (
	sendBurst = 64
	sendRate  = rate.Limit(4096)
)

// tcpConn adapts a net.Conn (TCP or, transparently, any other net.Conn
// stream such as a UNIX socket) to the Connection contract. Frames are
// length-prefixed msgp encodings of message.Message.
type tcpConn struct {
	nc   net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
	kind Kind

	mu      sync.Mutex
	pending [][]byte
	limiter *rate.Limiter
	usable  bool
}

func newTCPConn(nc net.Conn, kind Kind) *tcpConn {
	return &tcpConn{
		nc:      nc,
		r:       bufio.NewReader(nc),
		w:       bufio.NewWriter(nc),
		kind:    kind,
		limiter: rate.NewLimiter(sendRate, sendBurst),
		usable:  true,
	}
}

// DialTCP connects to addr and returns a Connection once the socket is
// established. It never blocks beyond the standard library's dial timeout
// handling; callers drive further progress through Update.
func DialTCP(ctx context.Context, addr string) (Connection, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: dial %s: %w", addr, err)
	}
	return newTCPConn(nc, KindRemoteInterProcess), nil
}

func (c *tcpConn) Update(context.Context) (bool, error) {
	did := false

	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	if len(pending) > 0 {
		_ = c.nc.SetWriteDeadline(time.Now().Add(ioDeadline))
		for _, frame := range pending {
			var lenBuf [4]byte
			binary.BigEndian.PutUint32(lenBuf[:], uint32(len(frame)))
			if _, err := c.w.Write(lenBuf[:]); err != nil {
				c.markDead()
				return did, fmt.Errorf("conn: write length prefix: %w", err)
			}
			if _, err := c.w.Write(frame); err != nil {
				c.markDead()
				return did, fmt.Errorf("conn: write frame: %w", err)
			}
			did = true
		}
		if err := c.w.Flush(); err != nil {
			c.markDead()
			return did, fmt.Errorf("conn: flush: %w", err)
		}
	}

	return did, nil
}

func (c *tcpConn) Send(m message.Message) bool {
	if !c.IsUsable() {
		return false
	}
	if !c.limiter.Allow() {
		return false
	}
	buf, err := m.MarshalMsg(nil)
	if err != nil {
		slog.Error("conn: failed to encode message", "error", err)
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = append(c.pending, buf)
	return true
}

func (c *tcpConn) Fetch(handler FetchHandler) (bool, error) {
	did := false
	_ = c.nc.SetReadDeadline(time.Now().Add(ioDeadline))
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(c.r, lenBuf[:]); err != nil {
			if isTimeout(err) {
				return did, nil
			}
			if errors.Is(err, io.EOF) {
				c.markDead()
				return did, nil
			}
			c.markDead()
			return did, fmt.Errorf("conn: read length prefix: %w", err)
		}
		n := binary.BigEndian.Uint32(lenBuf[:])
		if n > maxFrameBytes {
			c.markDead()
			return did, fmt.Errorf("conn: frame of %d bytes exceeds limit", n)
		}
		frame := make([]byte, n)
		if _, err := io.ReadFull(c.r, frame); err != nil {
			c.markDead()
			return did, fmt.Errorf("conn: read frame: %w", err)
		}
		var m message.Message
		if _, err := m.UnmarshalMsg(frame); err != nil {
			slog.Error("conn: dropping malformed frame", "error", err)
			continue
		}
		handler(m)
		did = true
		_ = c.nc.SetReadDeadline(time.Now().Add(ioDeadline))
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func (c *tcpConn) markDead() {
	c.mu.Lock()
	c.usable = false
	c.mu.Unlock()
}

func (c *tcpConn) MaxDataSize() int { return tcpMaxDataSize }

func (c *tcpConn) RoutingWeight() float64 { return 0.5 }

func (c *tcpConn) IsUsable() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.usable
}

func (c *tcpConn) Cleanup() error {
	c.markDead()
	if err := c.nc.Close(); err != nil {
		return fmt.Errorf("conn: close: %w", err)
	}
	return nil
}

func (c *tcpConn) Kind() Kind { return c.kind }

func (c *tcpConn) AddressKind() string { return "tcp" }

func (c *tcpConn) TypeID() string { return "asio_tcp_ipv4" }

// tcpAcceptor listens on a bound address and produces Connections for every
// accepted peer.
type tcpAcceptor struct {
	ln net.Listener

	mu      sync.Mutex
	pending []Connection
	closed  bool
}

// ListenTCP starts accepting connections on addr. Accepts happen on a
// background goroutine; Update/Pending only move already-accepted
// connections into the router's hands, keeping the contract non-blocking.
func ListenTCP(addr string) (Acceptor, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("conn: listen %s: %w", addr, err)
	}
	a := &tcpAcceptor{ln: ln}
	go a.acceptLoop()
	return a, nil
}

func (a *tcpAcceptor) acceptLoop() {
	for {
		nc, err := a.ln.Accept()
		if err != nil {
			return
		}
		c := newTCPConn(nc, KindRemoteInterProcess)
		a.mu.Lock()
		if a.closed {
			a.mu.Unlock()
			_ = c.Cleanup()
			return
		}
		a.pending = append(a.pending, c)
		a.mu.Unlock()
	}
}

func (a *tcpAcceptor) Update(context.Context) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.pending) > 0, nil
}

func (a *tcpAcceptor) Pending() []Connection {
	a.mu.Lock()
	defer a.mu.Unlock()
	p := a.pending
	a.pending = nil
	return p
}

func (a *tcpAcceptor) IsUsable() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return !a.closed
}

func (a *tcpAcceptor) Cleanup() error {
	a.mu.Lock()
	a.closed = true
	a.mu.Unlock()
	if err := a.ln.Close(); err != nil {
		return fmt.Errorf("conn: close listener: %w", err)
	}
	return nil
}

func (a *tcpAcceptor) AddressKind() string { return "tcp" }

// Addr returns the bound listen address, useful for tests and logs when the
// configured address used an ephemeral port (":0").
func (a *tcpAcceptor) Addr() string { return a.ln.Addr().String() }
