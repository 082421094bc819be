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

// Package quota implements per-uid resource accounting: Users with
// hard per-slot caps, and scoped Charge reservations that deduct on
// acquire and refund on release. It is exercised from a single
// dispatch loop (spec §5) and therefore keeps no internal locking —
// the Registry and its Users are plain maps and counters.
package quota

import "fmt"

// Slot names one of the accounted resource kinds.
type Slot int

const (
	Bytes Slot = iota
	FDs
	Matches
	Objects
	Names
	Replies

	numSlots
)

func (s Slot) String() string {
	switch s {
	case Bytes:
		return "BYTES"
	case FDs:
		return "FDS"
	case Matches:
		return "MATCHES"
	case Objects:
		return "OBJECTS"
	case Names:
		return "NAMES"
	case Replies:
		return "REPLIES"
	default:
		return fmt.Sprintf("Slot(%d)", int(s))
	}
}

// ErrQuota is returned when a charge would push used beyond max for
// the chargee. It is a sentinel value, never wrapped, so callers can
// compare with errors.Is/==.
var ErrQuota = fmt.Errorf("quota exceeded")

// Limits holds the per-slot hard caps applied to every User the
// Registry creates. Zero value is invalid; use DefaultLimits.
type Limits [numSlots]uint64

// DefaultLimits mirrors the broker's conventional per-uid caps.
func DefaultLimits() Limits {
	var l Limits
	l[Bytes] = 16 * 1024 * 1024
	l[FDs] = 64
	l[Matches] = 256
	l[Objects] = 512
	l[Names] = 256
	l[Replies] = 128
	return l
}

type counter struct {
	used uint64
	max  uint64
}

// User is a refcounted per-uid accounting object. Callers obtain one
// via Registry.Ref and must call Unref exactly once per Ref.
type User struct {
	UID      uint64
	slots    [numSlots]counter
	refcount int
}

// Used reports the current usage of a slot, for introspection/tests.
func (u *User) Used(slot Slot) uint64 { return u.slots[slot].used }

// Max reports the hard cap of a slot.
func (u *User) Max(slot Slot) uint64 { return u.slots[slot].max }

// Charge is a scoped reservation against one or two Users' slots. The
// zero value is not usable; obtain one via User.Charge. A Charge must
// be released exactly once, on every exit path of its owner.
type Charge struct {
	slot     Slot
	amount   uint64
	user     *User
	chargee  *User // may equal user
	released bool
}

// Charge reserves amount against user's slot, and additionally against
// chargee's slot when chargee differs from user, so a resource one
// user holds also counts against the caps of the user who pays for it.
// A nil chargee charges user alone; replytracker.New charges the
// sender's user that way.
func (u *User) Charge(slot Slot, amount uint64, chargee *User) (*Charge, error) {
	if chargee == nil {
		chargee = u
	}
	if u.slots[slot].used+amount > u.slots[slot].max {
		return nil, ErrQuota
	}
	if chargee != u && chargee.slots[slot].used+amount > chargee.slots[slot].max {
		return nil, ErrQuota
	}
	u.slots[slot].used += amount
	if chargee != u {
		chargee.slots[slot].used += amount
	}
	return &Charge{slot: slot, amount: amount, user: u, chargee: chargee}, nil
}

// Release refunds the charge. Idempotent: releasing twice is a no-op,
// matching the "infallible release" guarantee of spec §4.1 while
// tolerating defensive double-release call sites (deferred release
// alongside an explicit early release).
func (c *Charge) Release() {
	if c == nil || c.released {
		return
	}
	c.released = true
	c.user.slots[c.slot].used -= c.amount
	if c.chargee != c.user {
		c.chargee.slots[c.slot].used -= c.amount
	}
}

// Registry refcounts Users by uid.
type Registry struct {
	limits Limits
	users  map[uint64]*User
}

// NewRegistry creates an empty registry applying limits to every User
// it mints.
func NewRegistry(limits Limits) *Registry {
	return &Registry{limits: limits, users: make(map[uint64]*User)}
}

// Ref returns the User for uid, creating it on first reference. Every
// call must be paired with Unref.
func (r *Registry) Ref(uid uint64) *User {
	u, ok := r.users[uid]
	if !ok {
		u = &User{UID: uid}
		for s := Slot(0); s < numSlots; s++ {
			u.slots[s].max = r.limits[s]
		}
		r.users[uid] = u
	}
	u.refcount++
	return u
}

// Unref drops a reference; the User is removed from the registry when
// its refcount reaches zero. Removal does not require used counters to
// be zero, and Unref does not check for Charges still outstanding
// against the User; it panics only when the refcount drops below zero.
func (r *Registry) Unref(u *User) {
	u.refcount--
	if u.refcount < 0 {
		panic("quota: User refcount underflow")
	}
	if u.refcount == 0 {
		delete(r.users, u.UID)
	}
}

// Len reports the number of distinct uids currently referenced, for
// tests and introspection snapshots.
func (r *Registry) Len() int { return len(r.users) }
