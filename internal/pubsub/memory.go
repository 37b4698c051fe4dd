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

package pubsub

import (
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

func makeInMemoryPubSub() PubSub {
	return &inMemoryPubSub{
		topics: xsync.NewMap[string, *topicSubs](),
	}
}

type topicSubs struct {
	mu   sync.Mutex
	subs map[*inMemorySubscription]struct{}
}

type inMemoryPubSub struct {
	topics *xsync.Map[string, *topicSubs]
}

func (ps *inMemoryPubSub) Publish(topic string, message []byte) error {
	t, ok := ps.topics.Load(topic)
	if !ok {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	for sub := range t.subs {
		select {
		case sub.ch <- message:
		default:
			// Slow subscriber: drop rather than block the publisher, matching
			// the bus's "send never blocks" posture for local fan-out.
		}
	}
	return nil
}

func (ps *inMemoryPubSub) Subscribe(topic string) Subscription {
	t, _ := ps.topics.LoadOrStore(topic, &topicSubs{subs: make(map[*inMemorySubscription]struct{})})
	sub := &inMemorySubscription{
		ps:    ps,
		topic: topic,
		ch:    make(chan []byte, 64), //nolint:gomnd
	}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

func (ps *inMemoryPubSub) Close() error {
	ps.topics.Range(func(_ string, t *topicSubs) bool {
		t.mu.Lock()
		for sub := range t.subs {
			close(sub.ch)
		}
		t.mu.Unlock()
		return true
	})
	return nil
}

type inMemorySubscription struct {
	ps    *inMemoryPubSub
	topic string
	ch    chan []byte
}

func (s *inMemorySubscription) Close() error {
	t, ok := s.ps.topics.Load(s.topic)
	if !ok {
		return nil
	}
	t.mu.Lock()
	if _, present := t.subs[s]; present {
		delete(t.subs, s)
		close(s.ch)
	}
	t.mu.Unlock()
	return nil
}

func (s *inMemorySubscription) Channel() <-chan []byte {
	return s.ch
}
