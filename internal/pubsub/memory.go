// SPDX-License-Identifier: AGPL-3.0-or-later
// coredbus - An embeddable D-Bus message bus broker core
// Copyright (C) 2026 The coredbus Authors
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

package pubsub

import (
	"context"
	"sync"

	"github.com/puzpuzpuz/xsync/v4"
)

const subscriberBuffer = 16

type memoryPubSub struct {
	topics *xsync.Map[string, *topicSubscribers]
}

type topicSubscribers struct {
	mu   sync.Mutex
	subs map[*memorySubscription]struct{}
}

func newMemoryPubSub() PubSub {
	return &memoryPubSub{topics: xsync.NewMap[string, *topicSubscribers]()}
}

func (ps *memoryPubSub) topic(name string) *topicSubscribers {
	t, _ := ps.topics.LoadOrStore(name, &topicSubscribers{subs: make(map[*memorySubscription]struct{})})
	return t
}

func (ps *memoryPubSub) Publish(_ context.Context, topic string, message []byte) error {
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
			// A slow subscriber drops the message rather than stalling
			// every other subscriber's publish.
		}
	}
	return nil
}

func (ps *memoryPubSub) Subscribe(_ context.Context, topic string) Subscription {
	t := ps.topic(topic)
	sub := &memorySubscription{topic: t, ch: make(chan []byte, subscriberBuffer)}
	t.mu.Lock()
	t.subs[sub] = struct{}{}
	t.mu.Unlock()
	return sub
}

func (ps *memoryPubSub) Close() error { return nil }

type memorySubscription struct {
	topic *topicSubscribers
	ch    chan []byte
}

func (s *memorySubscription) Close() error {
	s.topic.mu.Lock()
	delete(s.topic.subs, s)
	s.topic.mu.Unlock()
	close(s.ch)
	return nil
}

func (s *memorySubscription) Channel() <-chan []byte {
	return s.ch
}
