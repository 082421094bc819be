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

package pubsub_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/config"
	"github.com/coredbus/broker/internal/pubsub"
)

func TestMemoryPubSubDeliversToSubscriber(t *testing.T) {
	ctx := context.Background()
	ps, err := pubsub.MakePubSub(ctx, &config.Config{})
	require.NoError(t, err)
	defer ps.Close()

	sub := ps.Subscribe(ctx, "events")
	defer sub.Close()

	require.NoError(t, ps.Publish(ctx, "events", []byte("hello")))

	select {
	case msg := <-sub.Channel():
		require.Equal(t, []byte("hello"), msg)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for published message")
	}
}

func TestMemoryPubSubPublishWithNoSubscribersIsNoop(t *testing.T) {
	ctx := context.Background()
	ps, err := pubsub.MakePubSub(ctx, &config.Config{})
	require.NoError(t, err)
	defer ps.Close()

	require.NoError(t, ps.Publish(ctx, "nobody-listening", []byte("x")))
}

func TestMemoryPubSubFanOutToMultipleSubscribers(t *testing.T) {
	ctx := context.Background()
	ps, err := pubsub.MakePubSub(ctx, &config.Config{})
	require.NoError(t, err)
	defer ps.Close()

	subA := ps.Subscribe(ctx, "events")
	subB := ps.Subscribe(ctx, "events")
	defer subA.Close()
	defer subB.Close()

	require.NoError(t, ps.Publish(ctx, "events", []byte("both")))

	for _, sub := range []pubsub.Subscription{subA, subB} {
		select {
		case msg := <-sub.Channel():
			require.Equal(t, []byte("both"), msg)
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}
}

func TestMemoryPubSubCloseStopsDelivery(t *testing.T) {
	ctx := context.Background()
	ps, err := pubsub.MakePubSub(ctx, &config.Config{})
	require.NoError(t, err)
	defer ps.Close()

	sub := ps.Subscribe(ctx, "events")
	require.NoError(t, sub.Close())

	_, ok := <-sub.Channel()
	require.False(t, ok, "channel must be closed after Subscription.Close")
}
