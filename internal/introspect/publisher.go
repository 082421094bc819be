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

package introspect

import (
	"context"
	"log/slog"

	"github.com/coredbus/broker/internal/pubsub"
)

// eventsTopic is the single pubsub topic every /v1/events client and
// every broker replica's Publisher share.
const eventsTopic = "coredbus:introspect:events"

// Publisher fans bus-lifecycle Events out through pubsub, which is
// itself either in-process (single replica) or Redis-backed (multiple
// replicas behind one dashboard).
type Publisher struct {
	ps pubsub.PubSub
}

// NewPublisher wraps an already-constructed pubsub.PubSub.
func NewPublisher(ps pubsub.PubSub) *Publisher {
	return &Publisher{ps: ps}
}

// Publish best-effort publishes ev; a publish failure is logged, never
// returned, since the caller is the orchestration loop driving the bus
// and must never block or fail bus operations on an introspection
// sidecar being unavailable.
func (p *Publisher) Publish(ctx context.Context, ev Event) {
	if err := p.ps.Publish(ctx, eventsTopic, ev.encode()); err != nil {
		slog.Error("introspect: failed to publish event", "type", ev.Type, "error", err)
	}
}
