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

package cmd

import (
	"context"
	"log/slog"

	"github.com/coredbus/broker/internal/bus"
	"github.com/coredbus/broker/internal/connio"
	"github.com/coredbus/broker/internal/introspect"
	"github.com/coredbus/broker/internal/namereg"
)

// runDemo connects a couple of in-memory peers against the bus and
// reports their lifecycle through introspection. The wire codec and
// socket acceptor are external to this module (§1's non-goals), so
// there is no real network listener to start here; this stands in for
// whatever embedder eventually drives Bus from a real connio.Connection,
// proving the ambient stack (config, logging, scheduler, introspection)
// is wired to a live Bus rather than a stub.
func runDemo(ctx context.Context, b *bus.Bus, publisher *introspect.Publisher) error {
	alice := connio.NewMemConn(0)
	alicePeer, err := b.Connect(1000, 1000, 1, "", nil, alice)
	if err != nil {
		return err
	}
	publisher.Publish(ctx, introspect.PeerConnectedEvent(alicePeer.ID, alicePeer.UniqueName()))

	bob := connio.NewMemConn(0)
	bobPeer, err := b.Connect(1001, 1001, 2, "", nil, bob)
	if err != nil {
		return err
	}
	publisher.Publish(ctx, introspect.PeerConnectedEvent(bobPeer.ID, bobPeer.UniqueName()))

	if change, _, err := b.RequestName(alicePeer, "org.coredbus.Demo", namereg.AllowReplacement); err != nil {
		slog.Error("demo: RequestName failed", "error", err)
	} else if change != nil {
		publisher.Publish(ctx, introspect.NameOwnerChangedEvent(change))
	}

	<-ctx.Done()

	for _, changed := range b.Disconnect(bobPeer, false) {
		publisher.Publish(ctx, introspect.NameOwnerChangedEvent(changed))
	}
	publisher.Publish(ctx, introspect.PeerDisconnectedEvent(bobPeer.ID, bobPeer.UniqueName()))
	for _, changed := range b.Disconnect(alicePeer, false) {
		publisher.Publish(ctx, introspect.NameOwnerChangedEvent(changed))
	}
	publisher.Publish(ctx, introspect.PeerDisconnectedEvent(alicePeer.ID, alicePeer.UniqueName()))
	return nil
}
