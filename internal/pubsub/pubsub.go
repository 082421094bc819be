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

// Package pubsub fans bus lifecycle/name-change events out to
// internal/introspect's websocket clients, and — when Redis is
// enabled — across multiple broker replicas sharing one operator
// dashboard. Like internal/kv, it is strictly an introspection-layer
// concern the bus core never imports.
package pubsub

import (
	"context"

	"github.com/coredbus/broker/internal/config"
)

type PubSub interface {
	Publish(ctx context.Context, topic string, message []byte) error
	Subscribe(ctx context.Context, topic string) Subscription
	Close() error
}

type Subscription interface {
	Close() error
	Channel() <-chan []byte
}

// MakePubSub constructs a Redis-backed pubsub when cfg.Redis.Enabled,
// or an in-memory one otherwise.
func MakePubSub(ctx context.Context, cfg *config.Config) (PubSub, error) {
	if cfg.Redis.Enabled {
		return newRedisPubSub(ctx, cfg)
	}
	return newMemoryPubSub(), nil
}
