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

// Package namereg implements the well-known name registry (§4.4):
// ownership queues, primary-transition NameChange emission, and the
// ALLOW_REPLACEMENT / REPLACE_EXISTING / DO_NOT_QUEUE flag semantics.
//
// Resource accounting (the NAMES quota slot) is the caller's
// responsibility — charge before calling Request, release on any
// rejection — matching spec §5's "acquire charges before constructing
// the owning object" ordering rule. This package only arbitrates
// ownership.
package namereg

import (
	"errors"
	"sort"
)

// Flags are the bits a name request may carry.
type Flags uint8

const (
	AllowReplacement Flags = 1 << iota
	ReplaceExisting
	DoNotQueue
)

// Result is the outcome of a name operation that did not produce a
// hard error.
type Result int

const (
	ResultPrimary Result = iota
	ResultAlreadyOwner
	ResultInQueue
	ResultExists
	ResultOK
	ResultNotFound
	ResultNotOwner
)

// ErrReserved names the rejection of a reserved name or unique-id.
// Request does not check names and never returns it; internal/peer
// rejects such names (with its own errors) before calling Request.
var ErrReserved = errors.New("namereg: name is reserved")

// OwnerID identifies the entity requesting or holding a name. The
// registry treats it opaquely; internal/peer passes its Peer.ID.
type OwnerID uint64

// Ownership is one entry in a name's queue, linked both into the
// Name's queue and (by the caller) into the owning peer's own
// name-ownership set.
type Ownership struct {
	Name    string
	Owner   OwnerID
	Flags   Flags
	Primary bool
}

// Change describes a primary-ownership transition, driving
// NameOwnerChanged on the external driver surface (§4.4).
type Change struct {
	Name     string
	OldOwner OwnerID
	HadOld   bool
	NewOwner OwnerID
	HadNew   bool
}

type name struct {
	queue []*Ownership
}

// Registry maps well-known names to their ownership queues.
type Registry struct {
	names map[string]*name
}

// NewRegistry creates an empty name registry.
func NewRegistry() *Registry {
	return &Registry{names: make(map[string]*name)}
}

// Request implements request_name (§4.4).
func (r *Registry) Request(owner OwnerID, nm string, flags Flags) (*Ownership, *Change, Result) {
	n, ok := r.names[nm]
	if !ok {
		n = &name{}
		r.names[nm] = n
	}

	if len(n.queue) == 0 {
		ownership := &Ownership{Name: nm, Owner: owner, Flags: flags, Primary: true}
		n.queue = append(n.queue, ownership)
		return ownership, &Change{Name: nm, NewOwner: owner, HadNew: true}, ResultPrimary
	}

	primary := n.queue[0]
	if primary.Owner == owner {
		primary.Flags = flags
		return primary, nil, ResultAlreadyOwner
	}

	for _, queued := range n.queue[1:] {
		if queued.Owner == owner {
			queued.Flags = flags
			return queued, nil, ResultInQueue
		}
	}

	canReplace := flags&ReplaceExisting != 0 && primary.Flags&AllowReplacement != 0
	if canReplace {
		displaced := primary
		ownership := &Ownership{Name: nm, Owner: owner, Flags: flags, Primary: true}
		displaced.Primary = false

		rest := n.queue[1:]
		if displaced.Flags&DoNotQueue != 0 {
			n.queue = append([]*Ownership{ownership}, rest...)
		} else {
			n.queue = append([]*Ownership{ownership, displaced}, rest...)
		}
		return ownership, &Change{Name: nm, OldOwner: displaced.Owner, HadOld: true, NewOwner: owner, HadNew: true}, ResultPrimary
	}

	if flags&DoNotQueue != 0 {
		return nil, nil, ResultExists
	}

	ownership := &Ownership{Name: nm, Owner: owner, Flags: flags}
	n.queue = append(n.queue, ownership)
	return ownership, nil, ResultInQueue
}

// Release implements release_name (§4.4): removes owner's ownership of
// nm, promoting the next queued owner to primary if owner was primary.
func (r *Registry) Release(owner OwnerID, nm string) (*Change, Result) {
	n, ok := r.names[nm]
	if !ok {
		return nil, ResultNotFound
	}
	idx := -1
	for i, o := range n.queue {
		if o.Owner == owner {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil, ResultNotOwner
	}
	wasPrimary := n.queue[idx].Primary
	n.queue = append(n.queue[:idx], n.queue[idx+1:]...)

	var change *Change
	if wasPrimary {
		change = &Change{Name: nm, OldOwner: owner, HadOld: true}
		if len(n.queue) > 0 {
			n.queue[0].Primary = true
			change.NewOwner = n.queue[0].Owner
			change.HadNew = true
		}
	}
	if len(n.queue) == 0 {
		delete(r.names, nm)
	}
	return change, ResultOK
}

// ReleaseAllOf releases every name owner currently holds, for peer
// destruction (§4.6). Names are released in sorted order, so the
// traversal is deterministic.
func (r *Registry) ReleaseAllOf(owner OwnerID) []*Change {
	var held []string
	for nm, n := range r.names {
		for _, o := range n.queue {
			if o.Owner == owner {
				held = append(held, nm)
				break
			}
		}
	}
	sort.Strings(held)
	var changes []*Change
	for _, nm := range held {
		if change, result := r.Release(owner, nm); result == ResultOK && change != nil {
			changes = append(changes, change)
		}
	}
	return changes
}

// Primary returns the current primary owner of nm, if any.
func (r *Registry) Primary(nm string) (OwnerID, bool) {
	n, ok := r.names[nm]
	if !ok || len(n.queue) == 0 {
		return 0, false
	}
	return n.queue[0].Owner, true
}

// Queue returns a snapshot of nm's ownership queue, primary first, for
// introspection/tests.
func (r *Registry) Queue(nm string) []Ownership {
	n, ok := r.names[nm]
	if !ok {
		return nil
	}
	out := make([]Ownership, len(n.queue))
	for i, o := range n.queue {
		out[i] = *o
	}
	return out
}

// Names returns every currently-live name, for introspection.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.names))
	for nm := range r.names {
		out = append(out, nm)
	}
	return out
}
