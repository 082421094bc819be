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

// Package matchregistry implements the linked-list registries match
// rules dispatch through (§3's MatchRegistry, §4.3) and the per-owner
// dedup/refcount bookkeeping a peer or name keeps over the rules it
// has installed (§3's MatchRule.n_user_refs).
//
// The C source links a rule simultaneously into an owner-keyed tree
// and a registry list via intrusive pointers; here each is a separate
// container holding a stable *Rule handle, per spec §9's design note.
package matchregistry

import (
	"errors"

	"github.com/coredbus/broker/internal/matchrule"
)

// List discriminates which of a Registry's three channels a Rule is
// linked into.
type List int

const (
	Regular List = iota
	Eavesdrop
	Monitor
)

// Rule is one rule linked into exactly one Registry's list. The zero
// value is not meaningful; Rules are created by Registry.Link /
// LinkMonitor.
type Rule struct {
	Keys matchrule.Keys
	List List

	// Recipient is an opaque handle to whoever should receive traffic
	// matching this rule, set by the caller at link time. matchregistry
	// has no notion of peers itself (that would import internal/peer,
	// which already imports this package); the routing layer type-
	// asserts it back to *peer.Peer when dispatching (§4.7).
	Recipient any

	reg *Registry
	idx int
}

// Registry is one dispatch target: a peer's matches, a name's matches,
// or one of the bus's wildcard/driver registries.
type Registry struct {
	regular   []*Rule
	eavesdrop []*Rule
	monitor   []*Rule

	// onEmpty fires once when the registry transitions from non-empty
	// to empty, e.g. a name releasing its own reference once its last
	// subscriber rule unlinks (supplemented feature #3).
	onEmpty func()
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{}
}

// NewWithOnEmpty creates a registry that invokes onEmpty the moment it
// becomes empty after having held at least one rule.
func NewWithOnEmpty(onEmpty func()) *Registry {
	return &Registry{onEmpty: onEmpty}
}

// Link links keys into the registry's regular or eavesdrop list,
// chosen by keys.Eavesdrop. recipient is stashed on the Rule for the
// dispatcher to recover who should receive matching traffic.
func (r *Registry) Link(keys matchrule.Keys, recipient any) *Rule {
	list := Regular
	if keys.Eavesdrop {
		list = Eavesdrop
	}
	rule := &Rule{Keys: keys, List: list, Recipient: recipient, reg: r}
	r.linkInto(rule)
	return rule
}

// LinkMonitor links keys into the registry's monitor list, forcing
// Eavesdrop=true on the stored keys regardless of the rule's original
// value (§4.6: BecomeMonitor "sets each rule's eavesdrop=true").
func (r *Registry) LinkMonitor(keys matchrule.Keys, recipient any) *Rule {
	k := keys
	k.Eavesdrop = true
	rule := &Rule{Keys: k, List: Monitor, Recipient: recipient, reg: r}
	r.linkInto(rule)
	return rule
}

func (r *Registry) linkInto(rule *Rule) {
	switch rule.List {
	case Regular:
		rule.idx = len(r.regular)
		r.regular = append(r.regular, rule)
	case Eavesdrop:
		rule.idx = len(r.eavesdrop)
		r.eavesdrop = append(r.eavesdrop, rule)
	case Monitor:
		rule.idx = len(r.monitor)
		r.monitor = append(r.monitor, rule)
	}
}

// Unlink removes rule from its registry. It is a no-op if rule is
// already unlinked. Unlink is O(1) (swap-with-last).
func (r *Registry) Unlink(rule *Rule) {
	if rule == nil || rule.reg != r {
		return
	}
	var list *[]*Rule
	switch rule.List {
	case Regular:
		list = &r.regular
	case Eavesdrop:
		list = &r.eavesdrop
	case Monitor:
		list = &r.monitor
	}
	s := *list
	last := len(s) - 1
	s[rule.idx] = s[last]
	s[rule.idx].idx = rule.idx
	*list = s[:last]
	rule.reg = nil

	if r.onEmpty != nil && r.Empty() {
		r.onEmpty()
	}
}

// Registry returns the registry rule is currently linked into, or nil
// if it has been unlinked. Callers that only hold a *Rule (e.g. a
// BecomeMonitor relink callback resolving where an owned rule's
// previous link lives) use this instead of tracking the registry
// themselves.
func (rule *Rule) Registry() *Registry { return rule.reg }

// Empty reports whether every list in the registry is empty.
func (r *Registry) Empty() bool {
	return len(r.regular) == 0 && len(r.eavesdrop) == 0 && len(r.monitor) == 0
}

// Dispatch invokes visit for every rule in the eavesdrop list, then
// every rule in the regular list, whose Keys match f — the iteration
// order §4.3 mandates for broadcast delivery.
//
// visit runs over a snapshot of each list taken before iteration
// starts: visit is allowed to unlink arbitrary rules from this
// registry (e.g. disconnecting a recipient that just overflowed its
// quota), and Unlink is swap-with-last, which would otherwise move an
// unvisited rule into an already-passed index and skip it (§9's
// "match iterator must be safe when the registry is mutated during
// traversal").
func (r *Registry) Dispatch(f matchrule.Filter, visit func(*Rule)) {
	for _, rule := range snapshot(r.eavesdrop) {
		if matchrule.Matches(rule.Keys, f) {
			visit(rule)
		}
	}
	for _, rule := range snapshot(r.regular) {
		if matchrule.Matches(rule.Keys, f) {
			visit(rule)
		}
	}
}

// DispatchEavesdrop invokes visit for every eavesdrop-list rule
// matching f, without also walking the regular list. Used when a
// message already has an explicit, separately-delivered destination
// and only needs to additionally reach eavesdroppers (§4.7). See
// Dispatch for why it iterates a snapshot.
func (r *Registry) DispatchEavesdrop(f matchrule.Filter, visit func(*Rule)) {
	for _, rule := range snapshot(r.eavesdrop) {
		if matchrule.Matches(rule.Keys, f) {
			visit(rule)
		}
	}
}

// DispatchMonitors invokes visit for every monitor-list rule matching
// f. It is always a separate traversal from Dispatch (§4.3). See
// Dispatch for why it iterates a snapshot.
func (r *Registry) DispatchMonitors(f matchrule.Filter, visit func(*Rule)) {
	for _, rule := range snapshot(r.monitor) {
		if matchrule.Matches(rule.Keys, f) {
			visit(rule)
		}
	}
}

// snapshot copies s so callers can range over a stable view while
// visit mutates the live list underneath it.
func snapshot(s []*Rule) []*Rule {
	cp := make([]*Rule, len(s))
	copy(cp, s)
	return cp
}

// ErrNotFound is returned by Owner.Release for keys the owner never
// acquired.
var ErrNotFound = errors.New("matchregistry: rule not found")

// OwnedRule is one entry in an Owner's dedup table: the canonical keys
// plus the (possibly absent) Rule they ended up linked as.
type OwnedRule struct {
	Keys matchrule.Keys
	Rule *Rule // nil: the rule is owned but could never be linked (supplemented feature #2)
	refs int
}

// Refs reports the current AddMatch dedup refcount.
func (o *OwnedRule) Refs() int { return o.refs }

// Owner is the per-peer (or per-name) rule tree of §3's MatchOwner:
// it deduplicates AddMatch by canonical key tuple and refcounts
// repeat acquisitions, independent of which Registry (if any) the
// rule ends up linked into.
type Owner struct {
	byHash map[uint64]*OwnedRule
}

// NewOwner creates an empty owner.
func NewOwner() *Owner {
	return &Owner{byHash: make(map[uint64]*OwnedRule)}
}

// Acquire registers keys as owned, calling link exactly once per
// distinct canonical key tuple to resolve where (if anywhere) the rule
// should be linked — a repeat AddMatch for an already-owned rule skips
// link and just bumps the refcount (§3, §8 invariant 2).
func (o *Owner) Acquire(keys matchrule.Keys, link func(matchrule.Keys) *Rule) (*OwnedRule, bool, error) {
	h, err := keys.Hash()
	if err != nil {
		return nil, false, err
	}
	if existing, ok := o.byHash[h]; ok {
		existing.refs++
		return existing, false, nil
	}
	owned := &OwnedRule{Keys: keys, Rule: link(keys), refs: 1}
	o.byHash[h] = owned
	return owned, true, nil
}

// Release decrements the refcount for keys, unlinking the underlying
// Rule (if any) and forgetting the entry once it reaches zero.
func (o *Owner) Release(keys matchrule.Keys) (removed bool, err error) {
	h, err := keys.Hash()
	if err != nil {
		return false, err
	}
	owned, ok := o.byHash[h]
	if !ok {
		return false, ErrNotFound
	}
	owned.refs--
	if owned.refs > 0 {
		return false, nil
	}
	if owned.Rule != nil && owned.Rule.reg != nil {
		owned.Rule.reg.Unlink(owned.Rule)
	}
	delete(o.byHash, h)
	return true, nil
}

// Flush unlinks and forgets every rule the owner holds, for peer
// destruction (§4.6).
func (o *Owner) Flush() {
	for h, owned := range o.byHash {
		if owned.Rule != nil && owned.Rule.reg != nil {
			owned.Rule.reg.Unlink(owned.Rule)
		}
		delete(o.byHash, h)
	}
}

// Len reports how many distinct rules the owner currently holds.
func (o *Owner) Len() int { return len(o.byHash) }

// Each invokes fn for every owned rule, in no particular order.
func (o *Owner) Each(fn func(*OwnedRule)) {
	for _, owned := range o.byHash {
		fn(owned)
	}
}

// Relink re-resolves every owned rule's link target by calling relink
// with its current Rule (possibly nil) and replacing it with whatever
// relink returns. Used by BecomeMonitor (§4.6, supplemented feature 1)
// to take over a peer's pre-existing owned_matches tree: relink
// unlinks the old placement itself (if any) and links a fresh monitor
// rule in its place.
func (o *Owner) Relink(relink func(old *Rule, keys matchrule.Keys) *Rule) {
	for _, owned := range o.byHash {
		owned.Rule = relink(owned.Rule, owned.Keys)
	}
}
