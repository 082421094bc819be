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

// Package busaddr distinguishes broker-assigned unique-id addresses
// (":N.M") from well-known bus names and formats/parses the former.
package busaddr

import (
	"fmt"
	"strconv"
	"strings"
)

// ID is a peer's unique-id, the pair that appears after the leading
// colon in ":N.M". N is conventionally the bus generation (always 1 in
// this broker, kept for wire-format fidelity) and M is the peer id.
type ID struct {
	Generation uint64
	Peer       uint64
}

// String renders the unique-id in wire form, e.g. ":1.42".
func (id ID) String() string {
	return fmt.Sprintf(":%d.%d", id.Generation, id.Peer)
}

// IsUnique reports whether s has the unique-id syntax (a leading colon).
// It does not validate the remainder; use ParseUnique for that.
func IsUnique(s string) bool {
	return strings.HasPrefix(s, ":")
}

// ParseUnique parses a unique-id string of the form ":N.M". It returns
// false if s is not syntactically a unique-id.
func ParseUnique(s string) (ID, bool) {
	if !IsUnique(s) {
		return ID{}, false
	}
	rest := s[1:]
	dot := strings.IndexByte(rest, '.')
	if dot < 0 {
		return ID{}, false
	}
	gen, err := strconv.ParseUint(rest[:dot], 10, 64)
	if err != nil {
		return ID{}, false
	}
	peer, err := strconv.ParseUint(rest[dot+1:], 10, 64)
	if err != nil {
		return ID{}, false
	}
	return ID{Generation: gen, Peer: peer}, true
}

// ForPeer returns the canonical unique-id address for a broker-assigned
// peer id. Every peer in this broker shares generation 1; the broker
// never restarts and reallocates the generation counter mid-lifetime.
func ForPeer(peerID uint64) ID {
	return ID{Generation: 1, Peer: peerID}
}

// IsReserved reports whether name is a name this broker reserves for
// its own driver surface and that peers may never own or request.
func IsReserved(name string) bool {
	return name == "org.freedesktop.DBus"
}
