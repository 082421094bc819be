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

package bus_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/bus"
	"github.com/coredbus/broker/internal/connio"
	"github.com/coredbus/broker/internal/matchrule"
	"github.com/coredbus/broker/internal/namereg"
	"github.com/coredbus/broker/internal/peer"
	"github.com/coredbus/broker/internal/policy"
	"github.com/coredbus/broker/internal/quota"
	"github.com/coredbus/broker/internal/replytracker"
)

func newTestBus(t *testing.T) *bus.Bus {
	t.Helper()
	return bus.New(quota.DefaultLimits(), policy.AllowAllFactory)
}

func connect(t *testing.T, b *bus.Bus, uid uint64) (*peer.Peer, *connio.MemConn) {
	t.Helper()
	conn := connio.NewMemConn(0)
	p, err := b.Connect(uid, uid, 1, "", nil, conn)
	require.NoError(t, err)
	return p, conn
}

// Scenario (a): name handoff with replacement.
func TestNameHandoffWithReplacement(t *testing.T) {
	b := newTestBus(t)
	a, _ := connect(t, b, 1000)
	peerB, _ := connect(t, b, 1001)

	_, result, err := b.RequestName(a, "com.x", namereg.AllowReplacement)
	require.NoError(t, err)
	require.Equal(t, namereg.ResultPrimary, result)

	change, result, err := b.RequestName(peerB, "com.x", namereg.ReplaceExisting)
	require.NoError(t, err)
	require.Equal(t, namereg.ResultPrimary, result)
	require.NotNil(t, change)
	require.Equal(t, namereg.OwnerID(a.ID), change.OldOwner)
	require.Equal(t, namereg.OwnerID(peerB.ID), change.NewOwner)

	queue := b.Names.Queue("com.x")
	require.Len(t, queue, 2)
	require.Equal(t, namereg.OwnerID(peerB.ID), queue[0].Owner)
	require.True(t, queue[0].Primary)
	require.Equal(t, namereg.OwnerID(a.ID), queue[1].Owner)
	require.False(t, queue[1].Primary)
}

// Scenario (b): arg0namespace match, re-evaluated after the arg changes.
func TestBroadcastMatchesArg0Namespace(t *testing.T) {
	b := newTestBus(t)
	a, connA := connect(t, b, 1000)
	peerB, _ := connect(t, b, 1001)

	_, _, err := b.AddMatch(a, "type='signal',arg0namespace='a.b'")
	require.NoError(t, err)

	sig := &connio.Message{Type: matchrule.TypeSignal, Member: "Ping"}
	sig.Args[0] = matchrule.Arg{Valid: true, Value: "a.b.c"}
	b.Broadcast(peerB, sig)
	require.Len(t, connA.Delivered(), 1)

	sig2 := &connio.Message{Type: matchrule.TypeSignal, Member: "Ping"}
	sig2.Args[0] = matchrule.Arg{Valid: true, Value: "ab.c"}
	b.Broadcast(peerB, sig2)
	require.Len(t, connA.Delivered(), 1, "a non-dot-bounded prefix must not match")
}

// Scenario (e): a wildcard rule naming a future peer id only activates
// once that id is actually assigned, and never for a stale one.
func TestWildcardRuleBindsToFuturePeer(t *testing.T) {
	b := newTestBus(t)
	watcher, connWatcher := connect(t, b, 1000)

	_, _, err := b.AddMatch(watcher, "sender=':1.999',type='signal'")
	require.NoError(t, err)

	early, _ := connect(t, b, 1001)
	earlySig := &connio.Message{Type: matchrule.TypeSignal}
	b.Broadcast(early, earlySig)
	require.Empty(t, connWatcher.Delivered(), "no peer has id 999 yet")

	var target *peer.Peer
	for i := 0; i < 997; i++ {
		p, _ := connect(t, b, uint64(2000+i))
		if p.ID == 999 {
			target = p
		}
	}
	require.NotNil(t, target, "expected the 999th connect to land on id 999")

	sig := &connio.Message{Type: matchrule.TypeSignal}
	b.Broadcast(target, sig)
	require.Len(t, connWatcher.Delivered(), 1)
}

func TestWildcardRuleNeverFiresForStaleSenderID(t *testing.T) {
	b := newTestBus(t)
	watcher, connWatcher := connect(t, b, 1000)
	gone, _ := connect(t, b, 1001)
	staleAddr := gone.UniqueName()
	b.Disconnect(gone, false)

	_, _, err := b.AddMatch(watcher, "sender='"+staleAddr+"',type='signal'")
	require.NoError(t, err, "a stale sender id must still be accepted and owned, just never linked")

	later, _ := connect(t, b, 1002)
	sig := &connio.Message{Type: matchrule.TypeSignal}
	b.Broadcast(later, sig)
	require.Empty(t, connWatcher.Delivered(), "ids are never reused, so the stale rule can never fire")
}

// Scenario (f): a unicast call with an eavesdropper reaches both the
// destination (once) and the eavesdropper (once), never duplicated.
func TestBroadcastExcludesUnicastDestination(t *testing.T) {
	b := newTestBus(t)
	sender, _ := connect(t, b, 1000)
	dest, connDest := connect(t, b, 1001)
	eaves, connEaves := connect(t, b, 1002)

	_, _, err := b.AddMatch(eaves, "eavesdrop='true'")
	require.NoError(t, err)

	call := &connio.Message{Type: matchrule.TypeMethodCall, Flags: connio.NoReplyExpected, Serial: 7, Member: "Do"}
	require.NoError(t, b.QueueCall(sender, dest, call))

	require.Len(t, connDest.Delivered(), 1)
	require.Len(t, connEaves.Delivered(), 1)
}

func TestQueueCallAllocatesAndReleasesReplySlot(t *testing.T) {
	b := newTestBus(t)
	sender, connSender := connect(t, b, 1000)
	dest, connDest := connect(t, b, 1001)

	call := &connio.Message{Type: matchrule.TypeMethodCall, Serial: 42}
	require.NoError(t, b.QueueCall(sender, dest, call))
	require.Equal(t, 1, dest.RepliesOutgoing.Len())
	require.Len(t, connDest.Delivered(), 1)

	reply := &connio.Message{Type: matchrule.TypeMethodReturn, ReplySerial: 42, HasReplySerial: true}
	require.NoError(t, b.QueueReply(dest, sender.UniqueName(), reply))
	require.Equal(t, 0, dest.RepliesOutgoing.Len())

	require.Len(t, connSender.Delivered(), 1)
}

func TestQueueCallDuplicateSerialIsExpectedReplyExists(t *testing.T) {
	b := newTestBus(t)
	sender, _ := connect(t, b, 1000)
	dest, _ := connect(t, b, 1001)

	call := &connio.Message{Type: matchrule.TypeMethodCall, Serial: 1}
	require.NoError(t, b.QueueCall(sender, dest, call))

	dup := &connio.Message{Type: matchrule.TypeMethodCall, Serial: 1}
	err := b.QueueCall(sender, dest, dup)
	require.ErrorIs(t, err, replytracker.ErrExists)
}

func TestQueueReplyUnknownIsUnexpected(t *testing.T) {
	b := newTestBus(t)
	replyer, _ := connect(t, b, 1000)
	caller, _ := connect(t, b, 1001)

	reply := &connio.Message{Type: matchrule.TypeMethodReturn, ReplySerial: 99, HasReplySerial: true}
	err := b.QueueReply(replyer, caller.UniqueName(), reply)
	require.ErrorIs(t, err, bus.ErrUnexpectedReply)
}

func TestDisconnectReleasesNamesAndReportsChanges(t *testing.T) {
	b := newTestBus(t)
	a, _ := connect(t, b, 1000)

	_, _, err := b.RequestName(a, "com.x", 0)
	require.NoError(t, err)

	changes := b.Disconnect(a, false)
	require.Len(t, changes, 1)
	_, ok := b.Names.Primary("com.x")
	require.False(t, ok)
}

func TestDisconnectSilentSuppressesChanges(t *testing.T) {
	b := newTestBus(t)
	a, _ := connect(t, b, 1000)

	_, _, err := b.RequestName(a, "com.x", 0)
	require.NoError(t, err)

	changes := b.Disconnect(a, true)
	require.Nil(t, changes)
}

// A recipient whose connection overflows its queue is disconnected
// mid-broadcast (deliverBroadcast -> Disconnect -> Owner.Flush ->
// Registry.Unlink). Dispatch must still reach every other matching
// recipient linked after the disconnected one, rather than skipping
// whichever rule Unlink's swap-with-last happens to move into the
// just-visited slot (§9).
func TestBroadcastQuotaOverflowDisconnectDoesNotSkipLaterRecipients(t *testing.T) {
	b := newTestBus(t)
	sender, _ := connect(t, b, 1000)

	overflowConn := connio.NewMemConn(1)
	overflowPeer, err := b.Connect(1001, 1001, 2, "", nil, overflowConn)
	require.NoError(t, err)
	require.NoError(t, overflowConn.Queue(nil, 0, &connio.Message{}))
	_, _, err = b.AddMatch(overflowPeer, "type='signal'")
	require.NoError(t, err)

	survivor, connSurvivor := connect(t, b, 1002)
	_, _, err = b.AddMatch(survivor, "type='signal'")
	require.NoError(t, err)

	sig := &connio.Message{Type: matchrule.TypeSignal}
	b.Broadcast(sender, sig)

	require.Len(t, connSurvivor.Delivered(), 1,
		"a recipient linked after an overflowing one must still be reached")
	_, ok := b.Peers.Find(overflowPeer.ID)
	require.False(t, ok, "the overflowing recipient must have been disconnected")
}

func TestBecomeMonitorReceivesAllTraffic(t *testing.T) {
	b := newTestBus(t)
	mon, connMon := connect(t, b, 1000)
	sender, _ := connect(t, b, 1001)

	_, _, err := b.AddMatch(mon, "type='signal'")
	require.NoError(t, err)
	require.NoError(t, b.BecomeMonitor(mon))
	require.True(t, mon.IsMonitor())

	sig := &connio.Message{Type: matchrule.TypeSignal}
	b.Broadcast(sender, sig)
	require.Len(t, connMon.Delivered(), 1)
}
