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

// Package blob implements the BLOB manipulator: fragmentation of
// arbitrary-size byte sequences into bounded message payloads, reassembly
// at the receiving side, flow control via resend requests, priority
// preemption, and deadline-driven cancellation.
package blob

import (
	"errors"
	"io"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/busmesh/busmesh/internal/slab"
)

// ID identifies one transfer: source/target endpoints, the message class
// the payload belongs to, and a sequence number drawn from the sending
// Manipulator's single counter.
type ID struct {
	Source ident.EndpointID
	Target ident.EndpointID
	Class  ident.Identifier
	Blob   uint64
}

// SourceIO is a random-access byte source with a known size, read in
// fragment-sized chunks as the manipulator drains an outgoing transfer.
type SourceIO interface {
	ReadAt(p []byte, off int64) (int, error)
	Size() int64
}

// TargetIO is an append-only sink an incoming transfer writes fragments
// into at their offsets. Close reports whether the transfer completed
// successfully (true) or was cancelled (false).
type TargetIO interface {
	WriteAt(p []byte, off int64) (int, error)
	Close(completed bool) error
}

// IOFactory supplies the TargetIO for a BLOB's first observed fragment.
// Returning ok=false causes the BLOB to be dropped without ever being
// buffered.
type IOFactory func(id ID, expectedSize int64) (sink TargetIO, ok bool)

// Sender transmits a control message toward a BLOB's other endpoint. The
// host (an endpoint or a router) implements this over its own connections.
type Sender interface {
	SendBlob(m message.Message) bool
}

type bytesSourceIO struct {
	data []byte
}

// NewBytesSource wraps an in-memory byte slice as a SourceIO, the shape
// the resource-streaming service's in-memory "random" generator produces.
func NewBytesSource(data []byte) SourceIO { return &bytesSourceIO{data: data} }

func (b *bytesSourceIO) Size() int64 { return int64(len(b.data)) }

func (b *bytesSourceIO) ReadAt(p []byte, off int64) (int, error) {
	if off >= int64(len(b.data)) {
		return 0, io.EOF
	}
	n := copy(p, b.data[off:])
	return n, nil
}

type outgoing struct {
	id       ID
	io       SourceIO
	priority message.Priority
	offset   atomic.Int64
	failed   atomic.Bool
	notified atomic.Bool
	deadline time.Time
	done     func(ok bool)
}

type incoming struct {
	id           ID
	io           TargetIO
	expectedSize int64

	mu       sync.Mutex
	received []span
	sawLast  bool
	deadline time.Time
	gapUntil time.Time
}

type span struct{ start, end int64 }

// write records offset..offset+len(data) as received and, on the fragment
// that first opens a hole below it, arms gapUntil so Tick requests a
// resend once gapTimeout has passed without the hole closing.
func (in *incoming) write(offset int64, data []byte, last bool, gapTimeout time.Duration) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.received = append(in.received, span{start: offset, end: offset + int64(len(data))})
	if last {
		in.sawLast = true
		in.expectedSize = offset + int64(len(data))
	}
	if in.gapUntil.IsZero() {
		if _, ok := in.findGapLocked(); ok {
			in.gapUntil = time.Now().Add(gapTimeout)
		}
	}
}

func (in *incoming) complete() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.sawLast || in.expectedSize == 0 {
		return false
	}
	spans := append([]span(nil), in.received...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var covered int64
	for _, s := range spans {
		if s.start > covered {
			return false
		}
		if s.end > covered {
			covered = s.end
		}
	}
	return covered >= in.expectedSize
}

// findGap reports the first offset after which a byte range is missing, if
// any, for a resend request.
func (in *incoming) findGap() (int64, bool) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.findGapLocked()
}

// findGapLocked is findGap for a caller already holding in.mu.
func (in *incoming) findGapLocked() (int64, bool) {
	if len(in.received) == 0 {
		return 0, false
	}
	spans := append([]span(nil), in.received...)
	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	var covered int64
	for _, s := range spans {
		if s.start > covered {
			return covered, true
		}
		if s.end > covered {
			covered = s.end
		}
	}
	return 0, false
}

// defaultWatermark bounds how many estimated in-flight bytes a destination
// may be owed before the manipulator suspends further fragments to it.
const defaultWatermark = 1 << 20 //nolint:gomnd

// Manipulator serialises outgoing transfers onto a bounded-payload bus and
// reassembles incoming ones. The zero value is not usable; construct with
// New.
type Manipulator struct {
	factory     IOFactory
	sender      Sender
	gapTimeout  time.Duration
	defaultDead time.Duration
	watermark   int64

	mu           sync.Mutex
	nextID       uint64
	out          *slab.Slab[*outgoing]
	in           map[ID]*incoming
	fragmentSize int
	inFlight     map[ident.EndpointID]int64
}

// Options configures a Manipulator.
type Options struct {
	Factory         IOFactory
	GapTimeout      time.Duration
	DefaultDeadline time.Duration
	FragmentSize    int
	// Watermark bounds estimated in-flight bytes per destination before
	// outgoing fragments to it are suspended (§4.7 flow control). Zero uses
	// defaultWatermark.
	Watermark int64
}

// New constructs a Manipulator. FragmentSize bounds how many payload bytes
// one blobFrgmnt message carries; it should not exceed the sending
// connection's MaxDataSize.
func New(sender Sender, opts Options) *Manipulator {
	if opts.FragmentSize <= 0 {
		opts.FragmentSize = 4096
	}
	if opts.GapTimeout <= 0 {
		opts.GapTimeout = 2 * time.Second
	}
	if opts.DefaultDeadline <= 0 {
		opts.DefaultDeadline = 5 * time.Minute
	}
	if opts.Watermark <= 0 {
		opts.Watermark = defaultWatermark
	}
	return &Manipulator{
		factory:      opts.Factory,
		sender:       sender,
		gapTimeout:   opts.GapTimeout,
		defaultDead:  opts.DefaultDeadline,
		fragmentSize: opts.FragmentSize,
		watermark:    opts.Watermark,
		out:          slab.New[*outgoing](),
		in:           make(map[ID]*incoming),
		inFlight:     make(map[ident.EndpointID]int64),
	}
}

// Push enqueues an outgoing transfer and returns its ID. done, if non-nil,
// is called once with the outcome (true on completion, false on
// cancellation).
func (m *Manipulator) Push(source, target ident.EndpointID, class ident.Identifier, src SourceIO, priority message.Priority, deadline time.Duration, done func(ok bool)) ID {
	m.mu.Lock()
	m.nextID++
	id := ID{Source: source, Target: target, Class: class, Blob: m.nextID}
	m.mu.Unlock()

	if deadline <= 0 {
		deadline = m.defaultDead
	}
	o := &outgoing{id: id, io: src, priority: priority, deadline: time.Now().Add(deadline), done: done}
	m.out.Insert(o)
	return id
}

// Tick advances outgoing transfers by at most one fragment each, highest
// priority first (once one advances, strictly lower priorities wait for a
// later tick), and expires anything past its deadline. It reports whether
// any work was done.
func (m *Manipulator) Tick() bool {
	did := false

	type entry struct {
		h slab.Handle
		o *outgoing
	}
	var live []entry
	var expired []entry
	now := time.Now()
	m.out.Range(func(h slab.Handle, o *outgoing) bool {
		if now.After(o.deadline) {
			expired = append(expired, entry{h, o})
			return true
		}
		live = append(live, entry{h, o})
		return true
	})

	for _, e := range expired {
		m.out.Remove(e.h)
		if !e.o.notified.Swap(true) && e.o.done != nil {
			e.o.done(false)
		}
		did = true
	}

	sort.Slice(live, func(i, j int) bool { return live[i].o.priority > live[j].o.priority })

	// Higher-priority transfers preempt lower ones at fragment boundaries:
	// once a transfer has advanced this tick, anything strictly lower in
	// priority waits for a later tick.
	advanced := false
	var advancedAt message.Priority
	for _, e := range live {
		if advanced && e.o.priority < advancedAt {
			continue
		}
		sent, more := m.sendNextFragment(e.o)
		if sent {
			advanced, advancedAt = true, e.o.priority
			did = true
		}
		if more || e.o.notified.Swap(true) {
			continue
		}
		did = true
		if e.o.failed.Load() {
			m.out.Remove(e.h)
			if e.o.done != nil {
				e.o.done(false)
			}
			continue
		}
		// A fully-sent transfer stays until its deadline so blobResend can
		// still reseek into it; only the completion signal fires now.
		if e.o.done != nil {
			e.o.done(true)
		}
	}

	for id, in := range m.inSnapshot() {
		if now.After(in.deadline) {
			_ = in.io.Close(false)
			m.mu.Lock()
			delete(m.in, id)
			m.mu.Unlock()
			did = true
			continue
		}
		if !in.gapUntil.IsZero() && now.After(in.gapUntil) {
			m.requestResend(in)
			in.gapUntil = now.Add(m.gapTimeout)
		}
		if in.complete() {
			in.io.Close(true)
			m.mu.Lock()
			delete(m.in, id)
			m.mu.Unlock()
			did = true
		}
	}

	return did
}

func (m *Manipulator) inSnapshot() map[ID]*incoming {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[ID]*incoming, len(m.in))
	for k, v := range m.in {
		out[k] = v
	}
	return out
}

// sendNextFragment reads and sends the next chunk of o. It reports whether
// a fragment actually went out (sent) and whether the transfer has bytes
// left afterward (more). It holds back, without consuming the tick's
// priority slot, when the destination's estimated in-flight bytes already
// reach the flow-control watermark or the sender reports back-pressure.
func (m *Manipulator) sendNextFragment(o *outgoing) (sent, more bool) {
	off := o.offset.Load()
	size := o.io.Size()
	if off >= size {
		return false, false
	}
	if m.inFlightFor(o.id.Target) >= m.watermark {
		return false, true
	}
	buf := make([]byte, m.fragmentSize)
	n, err := o.io.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		slog.Error("blob: source read failed", "error", err, "blob", o.id.Blob)
		o.failed.Store(true)
		return false, false
	}
	buf = buf[:n]
	last := off+int64(n) >= size
	content := encodeFragment(o.id, off, buf, last)
	msg := message.New(o.id.Source, o.id.Target, ident.MethodBlobFrgmnt, 0, o.priority, content)
	if !m.sender.SendBlob(msg) {
		return false, true
	}
	o.offset.Store(off + int64(n))
	m.addInFlight(o.id.Target, int64(n))
	return true, !last
}

func (m *Manipulator) inFlightFor(target ident.EndpointID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.inFlight[target]
}

func (m *Manipulator) addInFlight(target ident.EndpointID, n int64) {
	m.mu.Lock()
	m.inFlight[target] += n
	m.mu.Unlock()
}

// HandleFlowInfo applies a received flowInfo update, a router's periodic
// signal that its forwarding backlog has drained to estimate bytes. Every
// destination's in-flight estimate is lowered to at most that value, which
// may resume fragments sendNextFragment had suspended past the watermark.
func (m *Manipulator) HandleFlowInfo(msg message.Message) {
	estimate, ok := decodeFlowInfo(msg.Content)
	if !ok {
		return
	}
	m.mu.Lock()
	for target, cur := range m.inFlight {
		if estimate < cur {
			m.inFlight[target] = estimate
		}
	}
	m.mu.Unlock()
}

// HandleFragment processes a received blobFrgmnt, creating the incoming
// transfer on first sight via the IOFactory.
func (m *Manipulator) HandleFragment(msg message.Message) {
	id, offset, data, last, ok := decodeFragment(msg.Content)
	if !ok {
		return
	}
	m.mu.Lock()
	in, exists := m.in[id]
	if !exists {
		if m.factory == nil {
			m.mu.Unlock()
			return
		}
		sink, ok := m.factory(id, -1)
		if !ok {
			m.mu.Unlock()
			return
		}
		in = &incoming{id: id, io: sink, deadline: time.Now().Add(m.defaultDead)}
		m.in[id] = in
	}
	m.mu.Unlock()

	if _, err := in.io.WriteAt(data, offset); err != nil {
		slog.Error("blob: sink write failed", "error", err, "blob", id.Blob)
		return
	}
	in.write(offset, data, last, m.gapTimeout)
}

// HandleResend re-seeks and re-emits the requested range of a still-live
// outgoing transfer.
func (m *Manipulator) HandleResend(msg message.Message) {
	id, offset, ok := decodeResend(msg.Content)
	if !ok {
		return
	}
	m.out.Range(func(_ slab.Handle, o *outgoing) bool {
		if o.id == id {
			o.offset.Store(offset)
			return false
		}
		return true
	})
}

func (m *Manipulator) requestResend(in *incoming) {
	gap, ok := in.findGap()
	if !ok {
		return
	}
	content := encodeResend(in.id, gap)
	msg := message.New(in.id.Target, in.id.Source, ident.MethodBlobResend, 0, message.PriorityHigh, content)
	m.sender.SendBlob(msg)
}

const idHeaderSize = 32

func encodeID(id ID) []byte {
	b := make([]byte, idHeaderSize)
	putU64(b[0:8], uint64(id.Source))
	putU64(b[8:16], uint64(id.Target))
	putU64(b[16:24], uint64(id.Class))
	putU64(b[24:32], id.Blob)
	return b
}

func decodeIDHeader(b []byte) (ID, bool) {
	if len(b) < idHeaderSize {
		return ID{}, false
	}
	return ID{
		Source: ident.EndpointID(getU64(b[0:8])),
		Target: ident.EndpointID(getU64(b[8:16])),
		Class:  ident.Identifier(getU64(b[16:24])),
		Blob:   getU64(b[24:32]),
	}, true
}

func encodeFragment(id ID, offset int64, data []byte, last bool) []byte {
	b := make([]byte, 0, idHeaderSize+9+len(data))
	b = append(b, encodeID(id)...)
	off := make([]byte, 8)
	putU64(off, uint64(offset))
	b = append(b, off...)
	if last {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	b = append(b, data...)
	return b
}

func decodeFragment(b []byte) (ID, int64, []byte, bool, bool) {
	if len(b) < idHeaderSize+9 {
		return ID{}, 0, nil, false, false
	}
	id, ok := decodeIDHeader(b)
	if !ok {
		return ID{}, 0, nil, false, false
	}
	offset := int64(getU64(b[idHeaderSize : idHeaderSize+8]))
	last := b[idHeaderSize+8] != 0
	data := b[idHeaderSize+9:]
	return id, offset, data, last, true
}

func encodeFlowInfo(estimate int64) []byte {
	b := make([]byte, 8)
	putU64(b, uint64(estimate))
	return b
}

func decodeFlowInfo(b []byte) (int64, bool) {
	if len(b) < 8 {
		return 0, false
	}
	return int64(getU64(b[0:8])), true
}

func encodeResend(id ID, offset int64) []byte {
	b := encodeID(id)
	off := make([]byte, 8)
	putU64(off, uint64(offset))
	return append(b, off...)
}

func decodeResend(b []byte) (ID, int64, bool) {
	if len(b) < idHeaderSize+8 {
		return ID{}, 0, false
	}
	id, ok := decodeIDHeader(b)
	if !ok {
		return ID{}, 0, false
	}
	return id, int64(getU64(b[idHeaderSize : idHeaderSize+8])), true
}

func putU64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (56 - 8*i))
	}
}

func getU64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}
