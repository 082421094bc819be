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

package connio

import "github.com/coredbus/broker/internal/quota"

// MemConn is an in-memory Connection double: egress is a bounded
// slice queue rather than a socket. It grounds the core's tests and
// the demo `cmd` without depending on the external wire codec.
//
// The chargeeUser passed to Queue is unused by MemConn itself (a real
// connection would charge BYTES for the serialized message size); it
// is accepted so MemConn satisfies Connection and call sites don't
// special-case the test double.
type MemConn struct {
	MaxQueued int

	inbound  []*Message
	outbound []*Message
	seen     map[uint64]bool
	running  bool
}

// NewMemConn creates a running connection with the given egress
// capacity. A capacity of 0 means unbounded.
func NewMemConn(maxQueued int) *MemConn {
	return &MemConn{
		MaxQueued: maxQueued,
		seen:      make(map[uint64]bool),
		running:   true,
	}
}

// Dispatch is a no-op for MemConn: messages arrive directly via
// Inject, there is no readiness-driven decode step to simulate.
func (c *MemConn) Dispatch(uint32) (DispatchResult, error) {
	if !c.running {
		return DispatchEOF, nil
	}
	return DispatchOK, nil
}

// Inject simulates the wire codec handing the core a freshly decoded
// inbound message, to be picked up by the next Dequeue.
func (c *MemConn) Inject(msg *Message) {
	c.inbound = append(c.inbound, msg)
}

// Dequeue pops one injected inbound message.
func (c *MemConn) Dequeue() (*Message, bool) {
	if len(c.inbound) == 0 {
		return nil, false
	}
	msg := c.inbound[0]
	c.inbound = c.inbound[1:]
	return msg, true
}

// Queue appends msg to the egress buffer unless MaxQueued is exceeded,
// or the transactionID was already delivered to this connection.
func (c *MemConn) Queue(_ *quota.User, transactionID uint64, msg *Message) error {
	if transactionID != 0 {
		if c.seen[transactionID] {
			return nil
		}
		c.seen[transactionID] = true
	}
	if c.MaxQueued > 0 && len(c.outbound) >= c.MaxQueued {
		return ErrQuota
	}
	c.outbound = append(c.outbound, msg)
	return nil
}

// Delivered returns every message queued for delivery so far, in
// order.
func (c *MemConn) Delivered() []*Message { return c.outbound }

func (c *MemConn) Shutdown()       { c.running = false }
func (c *MemConn) Close()          { c.running = false }
func (c *MemConn) IsRunning() bool { return c.running }
