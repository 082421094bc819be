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
	"encoding/json"

	"github.com/coredbus/broker/internal/busaddr"
	"github.com/coredbus/broker/internal/namereg"
)

// EventType discriminates the kinds of bus activity introspection
// consoles care about. The core bus itself never constructs these —
// it stays pure per §5 — the orchestration loop that drives Bus
// translates the values Bus methods already return (e.g.
// *namereg.Change) into Events and hands them to a Publisher.
type EventType string

const (
	EventPeerConnected    EventType = "peer_connected"
	EventPeerDisconnected EventType = "peer_disconnected"
	EventNameOwnerChanged EventType = "name_owner_changed"
)

// Event is the wire shape pushed to every connected /v1/events client.
type Event struct {
	Type EventType `json:"type"`

	PeerID   uint64 `json:"peerId,omitempty"`
	UniqueID string `json:"uniqueId,omitempty"`

	Name     string `json:"name,omitempty"`
	OldOwner string `json:"oldOwner,omitempty"`
	NewOwner string `json:"newOwner,omitempty"`
}

func (e Event) encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		// Event is a flat struct of strings/uints; Marshal cannot fail.
		panic(err)
	}
	return b
}

// PeerConnectedEvent builds the Event for a newly-registered peer.
func PeerConnectedEvent(peerID uint64, uniqueID string) Event {
	return Event{Type: EventPeerConnected, PeerID: peerID, UniqueID: uniqueID}
}

// PeerDisconnectedEvent builds the Event for a torn-down peer.
func PeerDisconnectedEvent(peerID uint64, uniqueID string) Event {
	return Event{Type: EventPeerDisconnected, PeerID: peerID, UniqueID: uniqueID}
}

// NameOwnerChangedEvent translates a namereg.Change into the wire
// Event shape, rendering absent owners as the empty string the way
// the org.freedesktop.DBus driver façade renders NameOwnerChanged's
// missing-owner argument (outside this module's scope, but the
// convention carries over for consistency).
func NameOwnerChangedEvent(c *namereg.Change) Event {
	ev := Event{Type: EventNameOwnerChanged, Name: c.Name}
	if c.HadOld {
		ev.OldOwner = ownerString(c.OldOwner)
	}
	if c.HadNew {
		ev.NewOwner = ownerString(c.NewOwner)
	}
	return ev
}

func ownerString(id namereg.OwnerID) string {
	return busaddr.ForPeer(uint64(id)).String()
}
