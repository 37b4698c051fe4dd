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
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"time"

	"github.com/busmesh/busmesh/internal/blob"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/subscriber"
)

// resourceClass identifies the eagires:// BLOB class, shared by every
// resource transfer regardless of which server or generator produced it.
var resourceClass = ident.MustPack("eagires")

// Resource control methods live under their own class rather than
// eagiMsgBus, so a router forwards them as ordinary user traffic instead
// of intercepting them the way it does blobFrgmnt/blobResend.
var resourceControlClass = ident.MustPack("eagiResrc")

var (
	// MethodResourceGet requests the named resource from a server.
	MethodResourceGet = ident.MessageID{Class: resourceControlClass, Method: ident.MustPack("Get")}
	// MethodResourceInfo carries the BLOB id and size a Get will arrive on.
	MethodResourceInfo = ident.MessageID{Class: resourceControlClass, Method: ident.MustPack("Info")}
	// MethodResourceErr reports that a Get could not be satisfied.
	MethodResourceErr = ident.MessageID{Class: resourceControlClass, Method: ident.MustPack("Err")}
)

// ErrResourceNotFound is returned by ResourceClient.Get when the server
// replies MethodResourceErr.
var ErrResourceNotFound = errors.New("services: resource not found")

// AttachManipulator wires a Manipulator's fragment/resend handling onto
// reg. Outside a router (which owns the single BlobSink on its routing
// table), an endpoint driving its own Manipulator registers this the same
// way any other service attaches.
func AttachManipulator(reg Registrar, m *blob.Manipulator) {
	reg.Subscribe(ident.MethodBlobFrgmnt, func(msg message.Message, _ subscriber.ResultContext) bool {
		m.HandleFragment(msg)
		return true
	})
	reg.Subscribe(ident.MethodBlobResend, func(msg message.Message, _ subscriber.ResultContext) bool {
		m.HandleResend(msg)
		return true
	})
}

// Generator produces the bytes a resource name resolves to. A server may
// keep one Generator per scheme (the part of an eagires:// URL before the
// path) or a single catch-all.
type Generator interface {
	Generate(name string) ([]byte, bool)
}

// GeneratorFunc adapts a plain function to a Generator.
type GeneratorFunc func(name string) ([]byte, bool)

// Generate implements Generator.
func (f GeneratorFunc) Generate(name string) ([]byte, bool) { return f(name) }

// RandomGenerator returns a Generator producing size bytes of
// cryptographically random content for any name, useful for exercising
// the streaming path without a real backing resource.
func RandomGenerator(size int) Generator {
	return GeneratorFunc(func(string) ([]byte, bool) {
		buf := make([]byte, size)
		if _, err := rand.Read(buf); err != nil {
			return nil, false
		}
		return buf, true
	})
}

// ClassFactory multiplexes a single blob.IOFactory across multiple BLOB
// classes, the seam that lets a server's shared Manipulator carry resource
// streams alongside any other class without each owning a private one.
type ClassFactory struct {
	mu      sync.RWMutex
	byClass map[ident.Identifier]blob.IOFactory
}

// NewClassFactory builds an empty ClassFactory.
func NewClassFactory() *ClassFactory {
	return &ClassFactory{byClass: make(map[ident.Identifier]blob.IOFactory)}
}

// Register associates class with factory, replacing any prior registration.
func (c *ClassFactory) Register(class ident.Identifier, factory blob.IOFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.byClass[class] = factory
}

// Unregister removes class's factory.
func (c *ClassFactory) Unregister(class ident.Identifier) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.byClass, class)
}

// Factory returns the blob.IOFactory to hand a shared Manipulator: it
// dispatches by id.Class and refuses anything unregistered.
func (c *ClassFactory) Factory() blob.IOFactory {
	return func(id blob.ID, expectedSize int64) (blob.TargetIO, bool) {
		c.mu.RLock()
		factory, ok := c.byClass[id.Class]
		c.mu.RUnlock()
		if !ok {
			return nil, false
		}
		return factory(id, expectedSize)
	}
}

// bufferSink accumulates a BLOB's fragments into memory and signals done
// when the transfer finishes, the TargetIO a client uses to receive a
// resource it requested.
type bufferSink struct {
	mu   sync.Mutex
	buf  []byte
	done chan []byte
}

func newBufferSink(expectedSize int64) *bufferSink {
	size := 0
	if expectedSize > 0 {
		size = int(expectedSize)
	}
	return &bufferSink{buf: make([]byte, size), done: make(chan []byte, 1)}
}

func (s *bufferSink) WriteAt(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	end := off + int64(len(p))
	if int64(len(s.buf)) < end {
		grown := make([]byte, end)
		copy(grown, s.buf)
		s.buf = grown
	}
	copy(s.buf[off:end], p)
	return len(p), nil
}

func (s *bufferSink) Close(completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if completed {
		s.done <- s.buf
	} else {
		close(s.done)
	}
	return nil
}

// ResourceServer answers MethodResourceGet by resolving name through
// generator and streaming the result back over the shared Manipulator as
// an eagires BLOB.
type ResourceServer struct {
	endpoint    Endpoint
	manipulator *blob.Manipulator
	generator   Generator
	priority    message.Priority
	deadline    time.Duration
}

// NewResourceServer builds a ResourceServer that serves resources out of
// generator over manipulator, the process's shared BLOB manipulator.
func NewResourceServer(endpoint Endpoint, manipulator *blob.Manipulator, generator Generator, priority message.Priority, deadline time.Duration) *ResourceServer {
	return &ResourceServer{endpoint: endpoint, manipulator: manipulator, generator: generator, priority: priority, deadline: deadline}
}

// Attach registers the Get handler on reg.
func (s *ResourceServer) Attach(reg Registrar) {
	reg.Subscribe(MethodResourceGet, s.handleGet)
}

func (s *ResourceServer) handleGet(m message.Message, _ subscriber.ResultContext) bool {
	data, ok := s.generator.Generate(string(m.Content))
	if !ok {
		s.endpoint.RespondTo(m, MethodResourceErr, message.PriorityNormal, nil)
		return true
	}

	id := s.manipulator.Push(s.endpoint.ID(), m.Source, resourceClass, blob.NewBytesSource(data), s.priority, s.deadline, nil)

	info := make([]byte, 16)
	putU64Resource(info[0:8], id.Blob)
	putU64Resource(info[8:16], uint64(len(data)))
	s.endpoint.RespondTo(m, MethodResourceInfo, message.PriorityNormal, info)
	return true
}

// ResourceClient requests resources from a ResourceServer over a shared
// Manipulator and blocks for the full transfer to complete.
type ResourceClient struct {
	endpoint    Endpoint
	manipulator *blob.Manipulator
	classes     *ClassFactory
	timeout     time.Duration

	mu      sync.Mutex
	calls   map[uint64]chan resourceReply
	pending map[blob.ID]*bufferSink
}

type resourceReply struct {
	blobID       uint64
	expectedSize int64
	err          error
}

// NewResourceClient builds a ResourceClient. classes must be the same
// ClassFactory installed as the shared Manipulator's Factory, so the
// client can register a sink for each Get it issues.
func NewResourceClient(endpoint Endpoint, manipulator *blob.Manipulator, classes *ClassFactory, timeout time.Duration) *ResourceClient {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	c := &ResourceClient{
		endpoint:    endpoint,
		manipulator: manipulator,
		classes:     classes,
		timeout:     timeout,
		calls:       make(map[uint64]chan resourceReply),
		pending:     make(map[blob.ID]*bufferSink),
	}
	classes.Register(resourceClass, c.makeSink)
	return c
}

// Attach registers the info/error reply handlers on reg.
func (c *ResourceClient) Attach(reg Registrar) {
	reg.Subscribe(MethodResourceInfo, c.handleInfo)
	reg.Subscribe(MethodResourceErr, c.handleErr)
}

// Get requests name from server and returns its full content once the
// transfer completes.
func (c *ResourceClient) Get(ctx context.Context, server ident.EndpointID, name string) ([]byte, error) {
	m := c.endpoint.Post(MethodResourceGet, server, message.PriorityNormal, []byte(name))

	ch := make(chan resourceReply, 1)
	c.mu.Lock()
	c.calls[m.Sequence] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.calls, m.Sequence)
		c.mu.Unlock()
	}()

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()

	var reply resourceReply
	select {
	case reply = <-ch:
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if reply.err != nil {
		return nil, reply.err
	}

	id := blob.ID{Source: server, Target: c.endpoint.ID(), Class: resourceClass, Blob: reply.blobID}
	sink := newBufferSink(reply.expectedSize)
	c.mu.Lock()
	c.pending[id] = sink
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	select {
	case data, ok := <-sink.done:
		if !ok {
			return nil, context.DeadlineExceeded
		}
		return data, nil
	case <-timer.C:
		return nil, ErrCallTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *ResourceClient) makeSink(id blob.ID, expectedSize int64) (blob.TargetIO, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sink, ok := c.pending[id]
	if !ok {
		return nil, false
	}
	if expectedSize > 0 && len(sink.buf) == 0 {
		sink.buf = make([]byte, expectedSize)
	}
	return sink, true
}

func (c *ResourceClient) handleInfo(m message.Message, _ subscriber.ResultContext) bool {
	if len(m.Content) < 16 {
		return false
	}
	c.deliver(m.Sequence, resourceReply{
		blobID:       getU64Resource(m.Content[0:8]),
		expectedSize: int64(getU64Resource(m.Content[8:16])),
	})
	return true
}

func (c *ResourceClient) handleErr(m message.Message, _ subscriber.ResultContext) bool {
	c.deliver(m.Sequence, resourceReply{err: ErrResourceNotFound})
	return true
}

func (c *ResourceClient) deliver(seq uint64, reply resourceReply) {
	c.mu.Lock()
	ch, ok := c.calls[seq]
	c.mu.Unlock()
	if !ok {
		return
	}
	select {
	case ch <- reply:
	default:
	}
}

func putU64Resource(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getU64Resource(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
