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

package blob_test

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/busmesh/busmesh/internal/blob"
	"github.com/busmesh/busmesh/internal/ident"
	"github.com/busmesh/busmesh/internal/message"
	"github.com/stretchr/testify/require"
)

type memSink struct {
	mu     sync.Mutex
	buf    []byte
	closed bool
	ok     bool
}

func (s *memSink) WriteAt(p []byte, off int64) (int, error) {
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

func (s *memSink) Close(completed bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.ok = completed
	return nil
}

// loopbackSender delivers fragments/resends directly into the peer
// manipulator, standing in for a router forwarding control traffic
// between two endpoints.
type loopbackSender struct {
	peer *blob.Manipulator
}

func (s *loopbackSender) SendBlob(m message.Message) bool {
	switch m.ID.Method {
	case ident.MethodBlobFrgmnt.Method:
		s.peer.HandleFragment(m)
	case ident.MethodBlobResend.Method:
		s.peer.HandleResend(m)
	}
	return true
}

func TestBlobRoundTripReassemblesExactBytes(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("0123456789abcdef"), 1000) // 16000 bytes
	sink := &memSink{}

	senderHolder := &loopbackSender{}
	receiver := blob.New(senderHolder, blob.Options{
		FragmentSize: 97,
		Factory: func(blob.ID, int64) (blob.TargetIO, bool) {
			return sink, true
		},
	})
	sender := blob.New(&loopbackSender{peer: receiver}, blob.Options{FragmentSize: 97})
	senderHolder.peer = sender

	done := make(chan bool, 1)
	sender.Push(1, 2, ident.MustPack("Data"), blob.NewBytesSource(payload), message.PriorityNormal, time.Minute, func(ok bool) {
		done <- ok
	})

	for i := 0; i < 400; i++ {
		sender.Tick()
		receiver.Tick()
	}

	select {
	case ok := <-done:
		require.True(t, ok)
	default:
		t.Fatal("outgoing transfer never completed")
	}

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.True(t, sink.closed)
	require.True(t, sink.ok)
	require.Equal(t, payload, sink.buf)
}

// countingSender relays fragments into peer like loopbackSender but also
// counts how many blobFrgmnt messages it actually forwarded, so a test can
// observe the flow-control watermark suspending transmission.
type countingSender struct {
	peer *blob.Manipulator

	mu   sync.Mutex
	sent int
}

func (s *countingSender) SendBlob(m message.Message) bool {
	switch m.ID.Method {
	case ident.MethodBlobFrgmnt.Method:
		s.mu.Lock()
		s.sent++
		s.mu.Unlock()
		s.peer.HandleFragment(m)
	case ident.MethodBlobResend.Method:
		s.peer.HandleResend(m)
	}
	return true
}

func (s *countingSender) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sent
}

func TestBlobFlowControlSuspendsPastWatermarkAndResumesOnFlowInfo(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("x"), 1000)
	sink := &memSink{}
	receiver := blob.New(nil, blob.Options{
		FragmentSize: 100,
		Factory: func(blob.ID, int64) (blob.TargetIO, bool) {
			return sink, true
		},
	})
	cs := &countingSender{peer: receiver}
	sender := blob.New(cs, blob.Options{FragmentSize: 100, Watermark: 250})

	done := make(chan bool, 1)
	sender.Push(1, 2, ident.MustPack("Data"), blob.NewBytesSource(payload), message.PriorityNormal, time.Minute, func(ok bool) {
		done <- ok
	})

	for i := 0; i < 5; i++ {
		sender.Tick()
	}
	require.Equal(t, 3, cs.sentCount(), "watermark of 250 bytes should cap sends at 3 fragments of 100 bytes")
	select {
	case <-done:
		t.Fatal("transfer completed despite being suspended by the watermark")
	default:
	}

	reset := message.New(0, 0, ident.MethodFlowInfo, 0, message.PriorityLow, make([]byte, 8))
	for i := 0; i < 50; i++ {
		sender.HandleFlowInfo(reset)
		sender.Tick()
	}

	select {
	case ok := <-done:
		require.True(t, ok)
	default:
		t.Fatal("transfer never completed after flowInfo reset the in-flight estimate")
	}
	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, payload, sink.buf)
}

func TestBlobDeadlineCancelsTransfer(t *testing.T) {
	t.Parallel()

	sender := blob.New(&loopbackSender{peer: blob.New(nil, blob.Options{})}, blob.Options{})
	cancelled := make(chan bool, 1)
	sender.Push(1, 2, ident.MustPack("Data"), blob.NewBytesSource([]byte("hi")), message.PriorityNormal, time.Millisecond, func(ok bool) {
		cancelled <- ok
	})

	time.Sleep(5 * time.Millisecond)
	sender.Tick()

	select {
	case ok := <-cancelled:
		require.False(t, ok)
	default:
		t.Fatal("expected deadline cancellation")
	}
}

// orderSender records the blob id of every fragment it is asked to carry,
// in emission order, and otherwise drops the traffic.
type orderSender struct {
	blobs []uint64
}

func (s *orderSender) SendBlob(m message.Message) bool {
	if m.ID.Method == ident.MethodBlobFrgmnt.Method && len(m.Content) >= 32 {
		var v uint64
		for i := 24; i < 32; i++ {
			v = v<<8 | uint64(m.Content[i])
		}
		s.blobs = append(s.blobs, v)
	}
	return true
}

func TestHigherPriorityBlobPreemptsLowerAtFragmentBoundaries(t *testing.T) {
	t.Parallel()

	order := &orderSender{}
	sender := blob.New(order, blob.Options{FragmentSize: 50})

	low := sender.Push(1, 2, ident.MustPack("Data"), blob.NewBytesSource(make([]byte, 200)), message.PriorityLow, time.Minute, nil)
	high := sender.Push(1, 2, ident.MustPack("Data"), blob.NewBytesSource(make([]byte, 200)), message.PriorityHigh, time.Minute, nil)

	for i := 0; i < 12; i++ {
		sender.Tick()
	}

	var sawLow bool
	for _, id := range order.blobs {
		if id == low.Blob {
			sawLow = true
		}
		if id == high.Blob {
			require.False(t, sawLow, "low-priority fragments must not precede high-priority ones")
		}
	}
	require.Contains(t, order.blobs, low.Blob)
	require.Contains(t, order.blobs, high.Blob)
}

// droppingSender relays fragments into peer but swallows the first
// fragment at dropOffset, simulating a single lost message on the path.
type droppingSender struct {
	peer       *blob.Manipulator
	dropOffset int64
	dropped    bool
}

func (s *droppingSender) SendBlob(m message.Message) bool {
	if m.ID.Method == ident.MethodBlobFrgmnt.Method && len(m.Content) >= 41 {
		var off uint64
		for i := 32; i < 40; i++ {
			off = off<<8 | uint64(m.Content[i])
		}
		if !s.dropped && int64(off) == s.dropOffset {
			s.dropped = true
			return true
		}
		s.peer.HandleFragment(m)
	}
	return true
}

func TestBlobResendRecoversDroppedFragment(t *testing.T) {
	t.Parallel()

	payload := bytes.Repeat([]byte("abcdefgh"), 100) // 800 bytes
	sink := &memSink{}

	senderHolder := &loopbackSender{}
	receiver := blob.New(senderHolder, blob.Options{
		FragmentSize: 100,
		GapTimeout:   10 * time.Millisecond,
		Factory: func(blob.ID, int64) (blob.TargetIO, bool) {
			return sink, true
		},
	})
	drop := &droppingSender{peer: receiver, dropOffset: 200}
	sender := blob.New(drop, blob.Options{FragmentSize: 100})
	senderHolder.peer = sender

	sender.Push(1, 2, ident.MustPack("Data"), blob.NewBytesSource(payload), message.PriorityNormal, time.Minute, nil)

	require.Eventually(t, func() bool {
		sender.Tick()
		receiver.Tick()
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return sink.closed && sink.ok
	}, 2*time.Second, 2*time.Millisecond)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	require.Equal(t, payload, sink.buf)
}
