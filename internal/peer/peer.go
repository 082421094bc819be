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

// Package peer implements per-connection state and lifecycle (§4.6):
// credential capture, standing resource charges, owned names/matches/
// replies, and the teardown sequence that leaves no dangling
// references in any registry (§8 invariant 8).
package peer

import (
	"errors"

	"github.com/coredbus/broker/internal/busaddr"
	"github.com/coredbus/broker/internal/connio"
	"github.com/coredbus/broker/internal/matchregistry"
	"github.com/coredbus/broker/internal/matchrule"
	"github.com/coredbus/broker/internal/namereg"
	"github.com/coredbus/broker/internal/policy"
	"github.com/coredbus/broker/internal/quota"
	"github.com/coredbus/broker/internal/replytracker"
)

// peerStructSize is the BYTES charge levied for the peer object itself
// at creation time (§4.6), mirroring the C broker's sizeof(Peer)
// charge with a conservative constant stand-in.
const peerStructSize = 256

// ErrRegisteredCannotBecomeMonitor is returned by BecomeMonitor on an
// already-registered peer — monitors must not be registered (§4.6).
var ErrRegisteredCannotBecomeMonitor = errors.New("peer: a registered peer cannot become a monitor")

// ErrNameReserved / ErrNameUnique reject RequestName calls naming a
// name this broker reserves for its driver, or a unique-id string,
// per §4.4's "rejected at the peer layer".
var (
	ErrNameReserved = errors.New("peer: name is reserved for the driver")
	ErrNameUnique   = errors.New("peer: cannot request a unique-id as a well-known name")
)

type matchCharge struct {
	bytes   *quota.Charge
	matches *quota.Charge
}

// Peer is one connected client's broker-side state (§3).
type Peer struct {
	ID       uint64
	UID      uint64
	GID      uint64
	PID      uint64
	SecLabel string
	Groups   []uint64

	Conn   connio.Connection
	Policy policy.Snapshot

	// Matches is the registry rules link into when their `sender` key
	// resolves to this peer's unique-id (§4.3).
	Matches *matchregistry.Registry
	// RepliesOutgoing tracks the reply slots this peer, as callee, must
	// eventually answer (§4.5).
	RepliesOutgoing *replytracker.Registry

	user *quota.User

	ownedMatches      *matchregistry.Owner
	ownedMatchCharges map[uint64]matchCharge

	ownedNameCharges map[string]*quota.Charge

	ownedReplies *replytracker.Owner

	registered bool
	monitor    bool

	bytesCharge   *quota.Charge
	fdsCharge     *quota.Charge
	objectsCharge *quota.Charge
}

// Registry assigns monotonically increasing, never-reused peer ids
// (§8 invariant 5) and tracks live peers by id.
type Registry struct {
	nextID uint64
	peers  map[uint64]*Peer
}

// NewRegistry creates an empty peer registry. Peer ids start at 1; the
// unique-id generation component is always 1 (see busaddr.ForPeer).
func NewRegistry() *Registry {
	return &Registry{nextID: 1, peers: make(map[uint64]*Peer)}
}

// NextID reports the id that will be assigned to the next created
// peer, without allocating it — used to classify a match rule's
// unique-id sender as existing, future, or stale (§4.3).
func (r *Registry) NextID() uint64 { return r.nextID }

// Find looks up a live peer by id.
func (r *Registry) Find(id uint64) (*Peer, bool) {
	p, ok := r.peers[id]
	return p, ok
}

// Len reports how many peers are currently live.
func (r *Registry) Len() int { return len(r.peers) }

// Each invokes fn for every live peer, in no particular order.
func (r *Registry) Each(fn func(*Peer)) {
	for _, p := range r.peers {
		fn(p)
	}
}

// New creates a peer: refs its user, charges BYTES/FDS/OBJECTS,
// instantiates the policy snapshot, and assigns it a unique id (§4.6).
// On any failure all charges taken so far are released and the user
// ref dropped before returning the error.
func New(registry *Registry, userReg *quota.Registry, uid, gid, pid uint64, seclabel string, groups []uint64, policyFactory policy.Factory, conn connio.Connection) (*Peer, error) {
	user := userReg.Ref(uid)

	bytesCharge, err := user.Charge(quota.Bytes, peerStructSize, nil)
	if err != nil {
		userReg.Unref(user)
		return nil, err
	}
	fdsCharge, err := user.Charge(quota.FDs, 1, nil)
	if err != nil {
		bytesCharge.Release()
		userReg.Unref(user)
		return nil, err
	}
	objectsCharge, err := user.Charge(quota.Objects, 1, nil)
	if err != nil {
		fdsCharge.Release()
		bytesCharge.Release()
		userReg.Unref(user)
		return nil, err
	}

	snapshot, err := policyFactory(uid, groups, seclabel)
	if err != nil {
		objectsCharge.Release()
		fdsCharge.Release()
		bytesCharge.Release()
		userReg.Unref(user)
		return nil, err
	}

	id := registry.nextID
	registry.nextID++

	p := &Peer{
		ID:                id,
		UID:               uid,
		GID:               gid,
		PID:               pid,
		SecLabel:          seclabel,
		Groups:            groups,
		Conn:              conn,
		Policy:            snapshot,
		Matches:           matchregistry.New(),
		RepliesOutgoing:   replytracker.NewRegistry(),
		user:              user,
		ownedMatches:      matchregistry.NewOwner(),
		ownedMatchCharges: make(map[uint64]matchCharge),
		ownedNameCharges:  make(map[string]*quota.Charge),
		ownedReplies:      replytracker.NewOwner(),
		bytesCharge:       bytesCharge,
		fdsCharge:         fdsCharge,
		objectsCharge:     objectsCharge,
	}
	registry.peers[id] = p
	return p, nil
}

// UniqueName returns this peer's broker-assigned unique-id address.
func (p *Peer) UniqueName() string { return busaddr.ForPeer(p.ID).String() }

// User returns the accounting User this peer's resources are charged
// against.
func (p *Peer) User() *quota.User { return p.user }

// OwnedReplies returns the reply-slot owner tracking calls this peer,
// as sender, has caused to exist.
func (p *Peer) OwnedReplies() *replytracker.Owner { return p.ownedReplies }

// Registered reports whether Hello has completed for this peer.
func (p *Peer) Registered() bool { return p.registered }

// Register flips registered=true, called once the connection layer
// has processed Hello (§4.6). Monitors must never register.
func (p *Peer) Register() error {
	if p.monitor {
		return ErrRegisteredCannotBecomeMonitor
	}
	p.registered = true
	return nil
}

// Unregister flips registered=false, called before destruction.
func (p *Peer) Unregister() { p.registered = false }

// IsMonitor reports whether BecomeMonitor has been invoked.
func (p *Peer) IsMonitor() bool { return p.monitor }

// BecomeMonitor takes over this peer's pre-existing owned-match tree,
// forcing every rule's eavesdrop flag and relinking it into the
// monitor list of whichever registry relink resolves it to (§4.6,
// supplemented feature 1). relink receives each owned rule's current
// link (nil if never linked) and must return its replacement.
func (p *Peer) BecomeMonitor(relink func(old *matchregistry.Rule, keys matchrule.Keys) *matchregistry.Rule) error {
	if p.registered {
		return ErrRegisteredCannotBecomeMonitor
	}
	p.monitor = true
	p.ownedMatches.Relink(relink)
	return nil
}

// RequestName attempts to acquire a well-known name (§4.4). It handles
// the NAMES quota charge and peer-layer name-syntax rejection and
// leaves queue arbitration to reg.
func (p *Peer) RequestName(reg *namereg.Registry, name string, flags namereg.Flags) (*namereg.Change, namereg.Result, error) {
	if busaddr.IsUnique(name) {
		return nil, 0, ErrNameUnique
	}
	if busaddr.IsReserved(name) {
		return nil, 0, ErrNameReserved
	}

	// A re-request of a name this peer already holds (primary or
	// queued) must not levy a second NAMES charge — reg.Request only
	// updates that ownership's flags in place, so the existing charge
	// already covers it.
	if _, already := p.ownedNameCharges[name]; already {
		_, change, result := reg.Request(namereg.OwnerID(p.ID), name, flags)
		return change, result, nil
	}

	charge, err := p.user.Charge(quota.Names, 1, nil)
	if err != nil {
		return nil, 0, err
	}

	_, change, result := reg.Request(namereg.OwnerID(p.ID), name, flags)
	switch result {
	case namereg.ResultPrimary, namereg.ResultInQueue:
		p.ownedNameCharges[name] = charge
	default:
		charge.Release()
	}
	return change, result, nil
}

// ReleaseName releases a previously acquired name (§4.4).
func (p *Peer) ReleaseName(reg *namereg.Registry, name string) (*namereg.Change, namereg.Result) {
	change, result := reg.Release(namereg.OwnerID(p.ID), name)
	if result == namereg.ResultOK {
		if charge, ok := p.ownedNameCharges[name]; ok {
			charge.Release()
			delete(p.ownedNameCharges, name)
		}
	}
	return change, result
}

// AddMatch parses ruleString, charges BYTES+MATCHES on first
// acquisition only (a duplicate AddMatch just bumps the dedup
// refcount, §3), and calls link to resolve where the rule should be
// linked — link embodies §4.3's wildcard/driver/peer/name branch logic
// and is supplied by the caller (internal/bus), which alone has
// visibility into the other registries a sender might resolve to.
func (p *Peer) AddMatch(ruleString string, link func(matchrule.Keys) *matchregistry.Rule) (*matchregistry.OwnedRule, bool, error) {
	keys, err := matchrule.Parse(ruleString)
	if err != nil {
		return nil, false, err
	}
	h, err := keys.Hash()
	if err != nil {
		return nil, false, err
	}

	if _, already := p.ownedMatchCharges[h]; already {
		return p.ownedMatches.Acquire(keys, link)
	}

	bytesCharge, err := p.user.Charge(quota.Bytes, uint64(len(ruleString)), nil)
	if err != nil {
		return nil, false, err
	}
	matchesCharge, err := p.user.Charge(quota.Matches, 1, nil)
	if err != nil {
		bytesCharge.Release()
		return nil, false, err
	}

	owned, created, err := p.ownedMatches.Acquire(keys, link)
	if err != nil || !created {
		matchesCharge.Release()
		bytesCharge.Release()
		return owned, false, err
	}
	p.ownedMatchCharges[h] = matchCharge{bytes: bytesCharge, matches: matchesCharge}
	return owned, true, nil
}

// RemoveMatch releases one ref on a previously added rule, releasing
// its charges once the dedup refcount reaches zero.
func (p *Peer) RemoveMatch(ruleString string) error {
	keys, err := matchrule.Parse(ruleString)
	if err != nil {
		return err
	}
	h, err := keys.Hash()
	if err != nil {
		return err
	}
	removed, err := p.ownedMatches.Release(keys)
	if err != nil {
		return err
	}
	if removed {
		if mc, ok := p.ownedMatchCharges[h]; ok {
			mc.matches.Release()
			mc.bytes.Release()
			delete(p.ownedMatchCharges, h)
		}
	}
	return nil
}

// OwnedMatches exposes the match-rule dedup tree for BecomeMonitor and
// for bus-level introspection.
func (p *Peer) OwnedMatches() *matchregistry.Owner { return p.ownedMatches }

// OwnedNames returns the well-known names this peer currently holds
// any ownership (primary or queued) of, for the routing layer's
// sender-names policy checks and broadcast fan-out (§4.7).
func (p *Peer) OwnedNames() []string {
	names := make([]string, 0, len(p.ownedNameCharges))
	for name := range p.ownedNameCharges {
		names = append(names, name)
	}
	return names
}

// Destroy tears a peer down in full (§4.6): releases every owned name
// (returning the resulting NameChanges for the caller to turn into
// NameOwnerChanged signals), unlinks every owned match rule, releases
// every outgoing and owned reply slot, removes the peer from registry,
// releases its standing charges, drops its user ref, and closes its
// connection. After Destroy returns, no registry holds any reference
// to this peer (§8 invariant 8).
func (p *Peer) Destroy(registry *Registry, nameReg *namereg.Registry, userReg *quota.Registry) []*namereg.Change {
	changes := nameReg.ReleaseAllOf(namereg.OwnerID(p.ID))
	for name, charge := range p.ownedNameCharges {
		charge.Release()
		delete(p.ownedNameCharges, name)
	}

	p.ownedMatches.Flush()
	for h, mc := range p.ownedMatchCharges {
		mc.matches.Release()
		mc.bytes.Release()
		delete(p.ownedMatchCharges, h)
	}

	p.RepliesOutgoing.Flush()
	p.ownedReplies.Flush()

	delete(registry.peers, p.ID)

	p.objectsCharge.Release()
	p.fdsCharge.Release()
	p.bytesCharge.Release()
	userReg.Unref(p.user)

	if p.Conn != nil {
		p.Conn.Close()
	}
	return changes
}
