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

// Package replytracker implements the pending-reply tracker (§4.5,
// §3's ReplySlot): at most one outstanding reply per (receiver,
// sender-id, serial), charged against the sender's quota so a
// non-replying receiver cannot be used to exhaust a third party's
// resources.
//
// A Registry lives on the receiving peer (the callee) and is keyed by
// the serial/sender-id of the inbound call it must eventually answer.
// An Owner lives on the sending peer (the caller) and exists purely so
// every slot a peer caused to exist can be released in one pass when
// that peer disconnects.
package replytracker

import (
	"errors"

	"github.com/coredbus/broker/internal/quota"
)

// ErrExists is EXPECTED_REPLY_EXISTS: a second reply-expecting call
// reused a (sender-id, serial) pair already outstanding at the same
// receiver — a protocol violation by the sender (§8 scenario c).
var ErrExists = errors.New("replytracker: reply slot already exists")

type key struct {
	senderID uint64
	serial   uint32
}

// Slot is one outstanding expected reply.
type Slot struct {
	SenderID uint64
	Serial   uint32

	registry *Registry
	owner    *Owner
	charge   *quota.Charge
}

// Registry tracks the reply slots a single peer, as callee, must
// eventually answer.
type Registry struct {
	slots map[key]*Slot
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{slots: make(map[key]*Slot)}
}

// Owner tracks the reply slots a single peer, as caller, has caused to
// exist, so they can all be released when that peer disconnects.
type Owner struct {
	slots map[*Slot]struct{}
}

// NewOwner creates an empty owner.
func NewOwner() *Owner {
	return &Owner{slots: make(map[*Slot]struct{})}
}

// New creates a reply slot for a call from (senderID, serial),
// charging one REPLIES unit against chargeeUser (the sender's user,
// per §4.5). Returns ErrExists if the receiver already has an
// outstanding slot for this (senderID, serial), or quota.ErrQuota if
// the charge fails.
func New(registry *Registry, owner *Owner, chargeeUser *quota.User, senderID uint64, serial uint32) (*Slot, error) {
	k := key{senderID: senderID, serial: serial}
	if _, exists := registry.slots[k]; exists {
		return nil, ErrExists
	}
	charge, err := chargeeUser.Charge(quota.Replies, 1, nil)
	if err != nil {
		return nil, err
	}
	slot := &Slot{SenderID: senderID, Serial: serial, registry: registry, owner: owner, charge: charge}
	registry.slots[k] = slot
	owner.slots[slot] = struct{}{}
	return slot, nil
}

// GetByID looks up an outstanding slot by the original call's
// (senderID, serial), as done when a reply arrives (§4.7).
func (r *Registry) GetByID(senderID uint64, serial uint32) (*Slot, bool) {
	s, ok := r.slots[key{senderID: senderID, serial: serial}]
	return s, ok
}

// Release removes the slot from both its registry and its owner and
// refunds its charge. Releasing an already-released slot, or a nil
// receiver, is a no-op so cleanup code can call it unconditionally.
func (s *Slot) Release() {
	if s == nil {
		return
	}
	if s.registry != nil {
		delete(s.registry.slots, key{senderID: s.SenderID, serial: s.Serial})
		s.registry = nil
	}
	if s.owner != nil {
		delete(s.owner.slots, s)
		s.owner = nil
	}
	s.charge.Release()
}

// Flush releases every slot still outstanding at this registry, for
// the receiving peer's destruction (§4.6): any in-flight reply from a
// now-gone sender becomes undeliverable with no error raised.
func (r *Registry) Flush() {
	slots := make([]*Slot, 0, len(r.slots))
	for _, s := range r.slots {
		slots = append(slots, s)
	}
	for _, s := range slots {
		s.Release()
	}
}

// Flush releases every slot this owner caused to exist, for the
// sending peer's destruction (§4.6).
func (o *Owner) Flush() {
	slots := make([]*Slot, 0, len(o.slots))
	for s := range o.slots {
		slots = append(slots, s)
	}
	for _, s := range slots {
		s.Release()
	}
}

// Len reports how many slots are outstanding, for tests/introspection.
func (r *Registry) Len() int { return len(r.slots) }

// Len reports how many slots this owner currently holds.
func (o *Owner) Len() int { return len(o.slots) }
