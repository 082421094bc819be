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

package peer_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/connio"
	"github.com/coredbus/broker/internal/matchregistry"
	"github.com/coredbus/broker/internal/matchrule"
	"github.com/coredbus/broker/internal/namereg"
	"github.com/coredbus/broker/internal/peer"
	"github.com/coredbus/broker/internal/policy"
	"github.com/coredbus/broker/internal/quota"
)

func newTestPeer(t *testing.T, registry *peer.Registry, userReg *quota.Registry, uid uint64) *peer.Peer {
	t.Helper()
	p, err := peer.New(registry, userReg, uid, uid, 1, "", nil, policy.AllowAllFactory, connio.NewMemConn(0))
	require.NoError(t, err)
	return p
}

func TestNewAssignsMonotonicIDs(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())

	a := newTestPeer(t, registry, userReg, 1000)
	b := newTestPeer(t, registry, userReg, 1000)
	require.Equal(t, uint64(1), a.ID)
	require.Equal(t, uint64(2), b.ID)
	require.Equal(t, ":1.1", a.UniqueName())
}

func TestNewChargesStandingResources(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)

	require.Equal(t, uint64(1), p.User().Used(quota.FDs))
	require.Equal(t, uint64(1), p.User().Used(quota.Objects))
	require.True(t, p.User().Used(quota.Bytes) > 0)
}

func TestBecomeMonitorRejectsRegisteredPeer(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)
	require.NoError(t, p.Register())

	err := p.BecomeMonitor(func(old *matchregistry.Rule, keys matchrule.Keys) *matchregistry.Rule { return old })
	require.ErrorIs(t, err, peer.ErrRegisteredCannotBecomeMonitor)
}

func TestBecomeMonitorTakesOverOwnedMatches(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)

	reg := matchregistry.New()
	_, _, err := p.AddMatch("type='signal'", func(k matchrule.Keys) *matchregistry.Rule {
		return reg.Link(k, p)
	})
	require.NoError(t, err)

	err = p.BecomeMonitor(func(old *matchregistry.Rule, keys matchrule.Keys) *matchregistry.Rule {
		reg.Unlink(old)
		return reg.LinkMonitor(keys, p)
	})
	require.NoError(t, err)
	require.True(t, p.IsMonitor())

	var sawMonitor bool
	reg.DispatchMonitors(matchrule.Filter{Type: matchrule.TypeSignal}, func(r *matchregistry.Rule) {
		sawMonitor = true
		require.True(t, r.Keys.Eavesdrop)
	})
	require.True(t, sawMonitor)
}

func TestRequestAndReleaseName(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)
	nameReg := namereg.NewRegistry()

	_, result, err := p.RequestName(nameReg, "com.example.Foo", namereg.AllowReplacement)
	require.NoError(t, err)
	require.Equal(t, namereg.ResultPrimary, result)
	require.Equal(t, uint64(1), p.User().Used(quota.Names))

	_, result = p.ReleaseName(nameReg, "com.example.Foo")
	require.Equal(t, namereg.ResultOK, result)
	require.Equal(t, uint64(0), p.User().Used(quota.Names))
}

func TestRequestNameReRequestWhileQueuedDoesNotLeakCharge(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	owner := newTestPeer(t, registry, userReg, 1000)
	queued := newTestPeer(t, registry, userReg, 1001)
	nameReg := namereg.NewRegistry()

	_, result, err := owner.RequestName(nameReg, "com.example.Foo", 0)
	require.NoError(t, err)
	require.Equal(t, namereg.ResultPrimary, result)

	_, result, err = queued.RequestName(nameReg, "com.example.Foo", 0)
	require.NoError(t, err)
	require.Equal(t, namereg.ResultInQueue, result)
	require.Equal(t, uint64(1), queued.User().Used(quota.Names))

	_, result, err = queued.RequestName(nameReg, "com.example.Foo", namereg.AllowReplacement)
	require.NoError(t, err)
	require.Equal(t, namereg.ResultInQueue, result)
	require.Equal(t, uint64(1), queued.User().Used(quota.Names),
		"re-requesting a still-queued name must not levy a second NAMES charge")

	queueEntries := nameReg.Queue("com.example.Foo")
	require.Len(t, queueEntries, 2, "re-request must update the existing queue entry, not append a second one")
}

func TestRequestNameRejectsReservedAndUnique(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)
	nameReg := namereg.NewRegistry()

	_, _, err := p.RequestName(nameReg, "org.freedesktop.DBus", 0)
	require.ErrorIs(t, err, peer.ErrNameReserved)

	_, _, err = p.RequestName(nameReg, ":1.5", 0)
	require.ErrorIs(t, err, peer.ErrNameUnique)
}

func TestAddMatchChargesOnceOnDuplicate(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)

	reg := matchregistry.New()
	rule := "type='signal'"

	_, created, err := p.AddMatch(rule, func(k matchrule.Keys) *matchregistry.Rule { return reg.Link(k, p) })
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, uint64(1), p.User().Used(quota.Matches))

	_, created, err = p.AddMatch(rule, func(matchrule.Keys) *matchregistry.Rule {
		t.Fatal("link must not be called again for a duplicate rule")
		return nil
	})
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, uint64(1), p.User().Used(quota.Matches), "duplicate AddMatch must not double-charge")
}

func TestRemoveMatchReleasesChargeAtZeroRefs(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)
	reg := matchregistry.New()

	rule := "type='signal'"
	_, _, err := p.AddMatch(rule, func(k matchrule.Keys) *matchregistry.Rule { return reg.Link(k, p) })
	require.NoError(t, err)

	require.NoError(t, p.RemoveMatch(rule))
	require.Equal(t, uint64(0), p.User().Used(quota.Matches))
	require.True(t, reg.Empty())
}

// Scenario (d): quota on matches.
func TestAddMatchQuotaExhaustion(t *testing.T) {
	registry := peer.NewRegistry()
	limits := quota.DefaultLimits()
	limits[quota.Matches] = 2
	userReg := quota.NewRegistry(limits)
	p := newTestPeer(t, registry, userReg, 1000)
	reg := matchregistry.New()
	link := func(k matchrule.Keys) *matchregistry.Rule { return reg.Link(k, p) }

	_, _, err := p.AddMatch("type='signal'", link)
	require.NoError(t, err)
	_, _, err = p.AddMatch("type='error'", link)
	require.NoError(t, err)
	_, _, err = p.AddMatch("type='method_call'", link)
	require.ErrorIs(t, err, quota.ErrQuota)
}

func TestDestroyLeavesNoDanglingState(t *testing.T) {
	registry := peer.NewRegistry()
	userReg := quota.NewRegistry(quota.DefaultLimits())
	p := newTestPeer(t, registry, userReg, 1000)
	nameReg := namereg.NewRegistry()

	_, _, err := p.RequestName(nameReg, "com.example.Foo", 0)
	require.NoError(t, err)

	changes := p.Destroy(registry, nameReg, userReg)
	require.Len(t, changes, 1)

	_, ok := registry.Find(p.ID)
	require.False(t, ok)
	require.Equal(t, 0, userReg.Len())
	_, ok = nameReg.Primary("com.example.Foo")
	require.False(t, ok)
}
