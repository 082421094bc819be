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

// Package policy defines the three pure check hooks (§4.8) the core
// consults on every name request and every routed message. Rule
// loading from configuration is explicitly external (§1); this
// package only specifies the shape of a decision and ships a
// permissive default so the core is usable with no policy layer
// configured at all.
package policy

import "github.com/coredbus/broker/internal/matchrule"

// Decision is the result of a policy check.
type Decision int

const (
	Allow Decision = iota
	Deny
)

// MessageContext carries the message fields a send/receive check is
// evaluated against.
type MessageContext struct {
	Type      matchrule.Type
	Interface string
	Member    string
	Path      string
}

// Snapshot is the immutable, per-peer policy view computed once at
// peer creation from (uid, gids, seclabel) and never recomputed for
// that peer's lifetime (§4.8). Implementations are supplied by the
// external policy-rule-loading layer; the core only calls them.
type Snapshot interface {
	// CheckOwn decides whether this peer may become (primary or
	// queued) owner of a well-known name.
	CheckOwn(name string) Decision
	// CheckSend decides whether this peer, as sender, may address a
	// message matching ctx to a receiver owning receiverNames.
	CheckSend(ctx MessageContext, receiverNames []string) Decision
	// CheckReceive decides whether this peer, as receiver, may accept
	// a message matching ctx sent by senderUID, a peer owning
	// senderNames.
	CheckReceive(ctx MessageContext, senderUID uint64, senderNames []string) Decision
}

// Factory builds the Snapshot for a newly-accepted peer from its
// credentials, per §4.6's "instantiate the policy snapshot against
// (uid, gids, seclabel)". The core holds no opinion on how a Factory
// decides; AllowAllFactory is the permissive default used when no
// external policy layer is wired in.
type Factory func(uid uint64, gids []uint64, seclabel string) (Snapshot, error)

type allowAll struct{}

func (allowAll) CheckOwn(string) Decision                                       { return Allow }
func (allowAll) CheckSend(MessageContext, []string) Decision                    { return Allow }
func (allowAll) CheckReceive(MessageContext, uint64, []string) Decision         { return Allow }

// AllowAllFactory never denies anything. It is the broker's behavior
// absent an external policy configuration — every D-Bus deployment
// this core plugs into already enforces policy below it (kernel
// credentials, container/mandatory-access-control) so a permissive
// default here is not a security regression, merely an absent layer.
func AllowAllFactory(uint64, []uint64, string) (Snapshot, error) {
	return allowAll{}, nil
}
