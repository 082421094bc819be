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

// Package connio specifies the connection-layer contract the core
// consumes (§6) and its message/header shapes. The wire codec, the
// authentication handshake, file-descriptor passing, and the I/O
// readiness multiplexer are all external collaborators behind this
// interface (§1) — this package defines only the boundary and ships
// one in-memory test double, MemConn, used by the core's own tests and
// the demo command.
package connio

import (
	"errors"

	"github.com/coredbus/broker/internal/matchrule"
	"github.com/coredbus/broker/internal/quota"
)

// Flag bits on a Message header.
type Flag uint32

const (
	NoReplyExpected Flag = 1 << iota
)

// Message is the decoded form produced by the wire codec and consumed
// by the core (§6's "Message metadata").
type Message struct {
	Type           matchrule.Type
	Flags          Flag
	Serial         uint32
	ReplySerial    uint32
	HasReplySerial bool
	Sender         string
	Destination    string
	Interface      string
	Member         string
	Path           string
	Args           [64]matchrule.Arg
}

// NoReply reports whether the sender asked not to be replied to.
func (m *Message) NoReply() bool { return m.Flags&NoReplyExpected != 0 }

// DispatchResult is connection_dispatch's outcome (§6).
type DispatchResult int

const (
	DispatchOK DispatchResult = iota
	DispatchEOF
	DispatchProtocolViolation
)

// ErrQuota is returned by Connection.Queue when the connection's
// egress buffer is full (§6, §7).
var ErrQuota = errors.New("connio: connection egress quota exceeded")

// Connection is the contract a concrete wire-protocol connection
// implements and the core depends on, named directly after §6's
// connection_dispatch/connection_dequeue/connection_queue/
// connection_shutdown/connection_close/connection_is_running.
type Connection interface {
	// Dispatch processes one readiness event. The caller must drain
	// Dequeue to completion afterward (§6).
	Dispatch(events uint32) (DispatchResult, error)
	// Dequeue pops the next fully-decoded inbound message, or ok=false
	// once the connection has nothing more to deliver from this
	// Dispatch.
	Dequeue() (msg *Message, ok bool)
	// Queue enqueues msg for delivery to this connection's peer.
	// transactionID==0 means always enqueue (unicast); a nonzero value
	// means enqueue only if this transaction has not already been
	// delivered to this connection (broadcast dedup, §5). chargeeUser
	// is charged BYTES for the queued message; ErrQuota propagates a
	// charge failure.
	Queue(chargeeUser *quota.User, transactionID uint64, msg *Message) error
	// Shutdown drains pending egress, then closes.
	Shutdown()
	// Close closes immediately, dropping pending egress.
	Close()
	// IsRunning reports whether the connection is still open.
	IsRunning() bool
}
