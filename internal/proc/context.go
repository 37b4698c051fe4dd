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

// Package proc holds the process-wide state shared by every router, bridge,
// and endpoint in one process: the per-(endpoint, message-id) sequence
// counters, the process-instance nonce, and the local certificate/verification
// store.
package proc

import (
	"sync"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/puzpuzpuz/xsync/v4"
)

// Context is constructed once per process and passed by reference to every
// router, bridge, and endpoint it hosts; its lifecycle matches the process.
// All mutation is serialised internally so it is safe to share across the
// goroutines driving separate routers.
type Context struct {
	instance ident.ProcessInstanceID

	seqMu sync.Mutex
	seq   *xsync.Map[message.SequenceKey, uint64]

	certMu      sync.RWMutex
	localCert   []byte
	remoteCerts map[ident.EndpointID][]byte
}

// New constructs a Context with a freshly rolled process-instance nonce.
func New() *Context {
	return &Context{
		instance:    ident.NewProcessInstanceID(),
		seq:         xsync.NewMap[message.SequenceKey, uint64](),
		remoteCerts: make(map[ident.EndpointID][]byte),
	}
}

// Instance returns this process's restart-detection nonce.
func (c *Context) Instance() ident.ProcessInstanceID { return c.instance }

// NextSequence returns the next strictly-increasing sequence number for key,
// starting at 1. Sequence numbers are strictly increasing per
// (endpoint, message-id) pair.
func (c *Context) NextSequence(key message.SequenceKey) uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	cur, _ := c.seq.Load(key)
	next := cur + 1
	c.seq.Store(key, next)
	return next
}

// SetLocalCertificate installs the certificate bytes served in reply to
// certQuery control messages. Actual X.509 parsing/verification is an
// external collaborator; the context only stores and serves the bytes.
func (c *Context) SetLocalCertificate(cert []byte) {
	c.certMu.Lock()
	defer c.certMu.Unlock()
	c.localCert = append([]byte(nil), cert...)
}

// LocalCertificate returns the bytes previously set with SetLocalCertificate.
func (c *Context) LocalCertificate() []byte {
	c.certMu.RLock()
	defer c.certMu.RUnlock()
	return c.localCert
}

// RememberRemoteCertificate caches the certificate bytes most recently
// received for a remote endpoint, so later messages from the same source
// can be checked against it without re-querying.
func (c *Context) RememberRemoteCertificate(id ident.EndpointID, cert []byte) {
	c.certMu.Lock()
	defer c.certMu.Unlock()
	c.remoteCerts[id] = append([]byte(nil), cert...)
}

// RemoteCertificate returns the cached certificate for id, if any.
func (c *Context) RemoteCertificate(id ident.EndpointID) ([]byte, bool) {
	c.certMu.RLock()
	defer c.certMu.RUnlock()
	cert, ok := c.remoteCerts[id]
	return cert, ok
}

// ForgetRemote drops cached verification state for an endpoint that has
// disconnected or restarted: an instance-nonce change clears old
// subscriptions, and certificates follow the same rule.
func (c *Context) ForgetRemote(id ident.EndpointID) {
	c.certMu.Lock()
	defer c.certMu.Unlock()
	delete(c.remoteCerts, id)
}
