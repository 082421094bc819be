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

// Package bus wires the peer, name, match, reply-tracker and quota
// packages into the process-wide singleton of §3: it owns the four
// match registries (wildcard, driver, and the lazily-created per-peer/
// per-name ones), resolves a rule's §4.3 link target, assigns
// transaction ids, and implements the three routing paths of §4.7.
package bus

import (
	"errors"

	"github.com/coredbus/broker/internal/busaddr"
	"github.com/coredbus/broker/internal/connio"
	"github.com/coredbus/broker/internal/matchregistry"
	"github.com/coredbus/broker/internal/matchrule"
	"github.com/coredbus/broker/internal/namereg"
	"github.com/coredbus/broker/internal/peer"
	"github.com/coredbus/broker/internal/policy"
	"github.com/coredbus/broker/internal/quota"
	"github.com/coredbus/broker/internal/replytracker"
)

// ErrAccessDenied wraps policy.Deny wherever a routing path rejects a
// message on a send/receive/own check (§4.8).
var ErrAccessDenied = errors.New("bus: access denied by policy")

// ErrUnexpectedReply is returned by QueueReply when the reply's
// (destination, reply_serial) names no outstanding call (§4.7).
var ErrUnexpectedReply = errors.New("bus: reply matches no outstanding call")

// ErrReplyDestinationNotUnique is returned by QueueReply for a reply
// whose destination is not a unique-id — replies are never addressed
// to a well-known name (§4.7: "must be a unique-id").
var ErrReplyDestinationNotUnique = errors.New("bus: reply destination must be a unique-id")

// Bus is the process-wide routing singleton.
type Bus struct {
	Users *quota.Registry
	Peers *peer.Registry
	Names *namereg.Registry

	wildcard    *matchregistry.Registry
	driver      *matchregistry.Registry
	nameMatches map[string]*matchregistry.Registry

	policyFactory policy.Factory
	transactionID uint64
}

// New creates an empty Bus. A nil policyFactory defaults to
// policy.AllowAllFactory.
func New(limits quota.Limits, policyFactory policy.Factory) *Bus {
	if policyFactory == nil {
		policyFactory = policy.AllowAllFactory
	}
	return &Bus{
		Users:         quota.NewRegistry(limits),
		Peers:         peer.NewRegistry(),
		Names:         namereg.NewRegistry(),
		wildcard:      matchregistry.New(),
		driver:        matchregistry.New(),
		nameMatches:   make(map[string]*matchregistry.Registry),
		policyFactory: policyFactory,
	}
}

// Connect accepts a newly-authenticated connection, performing the
// full peer creation sequence of §4.6.
func (b *Bus) Connect(uid, gid, pid uint64, seclabel string, groups []uint64, conn connio.Connection) (*peer.Peer, error) {
	return peer.New(b.Peers, b.Users, uid, gid, pid, seclabel, groups, b.policyFactory, conn)
}

// Disconnect tears p down per §4.6's driver_goodbye. It returns the
// name changes produced by releasing p's owned names, for the driver
// façade to turn into NameOwnerChanged signals — unless silent, used
// during a registry-wide shutdown flush where no peer survives to
// observe the signal.
func (b *Bus) Disconnect(p *peer.Peer, silent bool) []*namereg.Change {
	p.Unregister()
	changes := p.Destroy(b.Peers, b.Names, b.Users)
	if silent {
		return nil
	}
	return changes
}

// RequestName gates peer.Peer.RequestName behind the own policy check
// (§4.4, §4.8).
func (b *Bus) RequestName(p *peer.Peer, name string, flags namereg.Flags) (*namereg.Change, namereg.Result, error) {
	if p.Policy.CheckOwn(name) == policy.Deny {
		return nil, 0, ErrAccessDenied
	}
	return p.RequestName(b.Names, name, flags)
}

// ReleaseName wraps peer.Peer.ReleaseName; releasing a name a peer
// already holds is never policy-gated.
func (b *Bus) ReleaseName(p *peer.Peer, name string) (*namereg.Change, namereg.Result) {
	return p.ReleaseName(b.Names, name)
}

// AddMatch parses and links ruleString for p, resolving its sender key
// to one of the four registries per §4.3.
func (b *Bus) AddMatch(p *peer.Peer, ruleString string) (*matchregistry.OwnedRule, bool, error) {
	return p.AddMatch(ruleString, func(keys matchrule.Keys) *matchregistry.Rule {
		return b.linkRule(p, keys)
	})
}

// RemoveMatch wraps peer.Peer.RemoveMatch.
func (b *Bus) RemoveMatch(p *peer.Peer, ruleString string) error {
	return p.RemoveMatch(ruleString)
}

// BecomeMonitor wraps peer.Peer.BecomeMonitor, resolving each owned
// rule's new monitor-list placement the same way AddMatch resolved its
// original placement (§4.6, supplemented feature 1).
func (b *Bus) BecomeMonitor(p *peer.Peer) error {
	return p.BecomeMonitor(func(old *matchregistry.Rule, keys matchrule.Keys) *matchregistry.Rule {
		if old != nil {
			if reg := old.Registry(); reg != nil {
				reg.Unlink(old)
			}
		}
		reg, resolved := b.resolveLinkTarget(keys)
		if reg == nil {
			return nil
		}
		return reg.LinkMonitor(resolved, p)
	})
}

// linkRule resolves keys' link target and links it there with p as
// recipient, or leaves it unlinked-but-owned if the sender named a
// stale unique-id (§4.3, supplemented feature 2).
func (b *Bus) linkRule(p *peer.Peer, keys matchrule.Keys) *matchregistry.Rule {
	reg, resolved := b.resolveLinkTarget(keys)
	if reg == nil {
		return nil
	}
	return reg.Link(resolved, p)
}

// resolveLinkTarget implements §4.3's sender branch:
// wildcard (no sender), driver (sender is the driver's own name),
// the named peer's own Matches (sender is an existing peer's unique
// id), wildcard-with-resolved-SenderID (sender names a not-yet-
// assigned unique id), unlinked (sender names a stale unique id that
// belongs to no live peer), or a lazily-created per-name registry
// (sender is a well-known name).
func (b *Bus) resolveLinkTarget(keys matchrule.Keys) (*matchregistry.Registry, matchrule.Keys) {
	switch {
	case keys.Sender == "":
		return b.wildcard, keys
	case busaddr.IsReserved(keys.Sender):
		return b.driver, keys
	case busaddr.IsUnique(keys.Sender):
		id, ok := busaddr.ParseUnique(keys.Sender)
		if !ok {
			return nil, keys
		}
		if target, found := b.Peers.Find(id.Peer); found {
			return target.Matches, keys
		}
		if id.Peer >= b.Peers.NextID() {
			keys.SenderID = id
			keys.HasSenderID = true
			return b.wildcard, keys
		}
		return nil, keys
	default:
		return b.nameRegistry(keys.Sender), keys
	}
}

// nameRegistry returns the lazily-created match registry for a
// well-known name, self-deleting from the map once its last linked
// rule unlinks (supplemented feature 3).
func (b *Bus) nameRegistry(name string) *matchregistry.Registry {
	reg, ok := b.nameMatches[name]
	if ok {
		return reg
	}
	reg = matchregistry.NewWithOnEmpty(func() { delete(b.nameMatches, name) })
	b.nameMatches[name] = reg
	return reg
}

func (b *Bus) nextTransactionID() uint64 {
	b.transactionID++
	return b.transactionID
}

// primaryNamesOf returns the well-known names p currently primary-owns,
// the "sender_names"/"receiver_names" snapshot §4.7's policy checks and
// broadcast fan-out consult.
func (b *Bus) primaryNamesOf(p *peer.Peer) []string {
	var names []string
	for _, name := range p.OwnedNames() {
		if owner, ok := b.Names.Primary(name); ok && owner == namereg.OwnerID(p.ID) {
			names = append(names, name)
		}
	}
	return names
}

func messageContext(msg *connio.Message) policy.MessageContext {
	return policy.MessageContext{Type: msg.Type, Interface: msg.Interface, Member: msg.Member, Path: msg.Path}
}

func filterFor(msg *connio.Message, senderID busaddr.ID, destID busaddr.ID, hasDestID bool) matchrule.Filter {
	return matchrule.Filter{
		Type:          msg.Type,
		SenderID:      senderID,
		HasSenderID:   true,
		DestinationID: destID,
		HasDestID:     hasDestID,
		Interface:     msg.Interface,
		Member:        msg.Member,
		Path:          msg.Path,
		Args:          msg.Args,
	}
}

// QueueCall implements peer_queue_call (§4.7): a unicast method call or
// signal addressed to destination. A reply-expecting METHOD_CALL first
// allocates a reply slot; both directions of policy are evaluated
// before the message reaches destination's connection; on success the
// message also fans out to eavesdroppers and monitors with destination
// excluded.
func (b *Bus) QueueCall(sender, destination *peer.Peer, msg *connio.Message) error {
	var slot *replytracker.Slot
	if msg.Type == matchrule.TypeMethodCall && !msg.NoReply() {
		s, err := replytracker.New(destination.RepliesOutgoing, sender.OwnedReplies(), sender.User(), sender.ID, msg.Serial)
		if err != nil {
			return err
		}
		slot = s
	}

	ctx := messageContext(msg)
	if sender.Policy.CheckSend(ctx, b.primaryNamesOf(destination)) == policy.Deny {
		slot.Release()
		return ErrAccessDenied
	}
	if destination.Policy.CheckReceive(ctx, sender.UID, b.primaryNamesOf(sender)) == policy.Deny {
		slot.Release()
		return ErrAccessDenied
	}

	if err := destination.Conn.Queue(destination.User(), 0, msg); err != nil {
		slot.Release()
		return err
	}

	destID := busaddr.ForPeer(destination.ID)
	f := filterFor(msg, busaddr.ForPeer(sender.ID), destID, true)
	b.fanOutEavesdroppersAndMonitors(sender, msg, f, destID)
	return nil
}

// QueueReply implements peer_queue_reply (§4.7): looks up the reply
// slot by (sender.RepliesOutgoing, destination, reply_serial) — which
// must be a unique-id — enqueues on the receiver, and releases the
// slot. A receiver-side quota failure shuts the receiver down but
// never fails the call back to sender (supplemented feature 5).
func (b *Bus) QueueReply(sender *peer.Peer, destinationName string, msg *connio.Message) error {
	destID, ok := busaddr.ParseUnique(destinationName)
	if !ok {
		return ErrReplyDestinationNotUnique
	}
	destination, ok := b.Peers.Find(destID.Peer)
	if !ok {
		return ErrUnexpectedReply
	}
	slot, ok := sender.RepliesOutgoing.GetByID(destination.ID, msg.ReplySerial)
	if !ok {
		return ErrUnexpectedReply
	}

	if err := destination.Conn.Queue(destination.User(), 0, msg); err != nil {
		b.Disconnect(destination, false)
	}

	senderID := busaddr.ForPeer(sender.ID)
	f := filterFor(msg, senderID, destID, true)
	b.fanOutEavesdroppersAndMonitors(sender, msg, f, destID)

	slot.Release()
	return nil
}

// Broadcast implements peer_broadcast (§4.7): dispatches msg — which
// has no single destination — through bus.wildcard_matches, the
// sender's own Matches (if sender is a real peer), the Matches
// registry of each name the sender primary-owns, and (only when sender
// is nil, i.e. the message originates from the driver itself)
// bus.driver_matches. Every matching, policy-permitted recipient is
// enqueued with a single fresh transaction id so its connection can
// dedupe deliveries reached via more than one match path.
func (b *Bus) Broadcast(sender *peer.Peer, msg *connio.Message) {
	var senderID busaddr.ID
	hasSenderID := sender != nil
	if hasSenderID {
		senderID = busaddr.ForPeer(sender.ID)
	}
	f := matchrule.Filter{
		Type:        msg.Type,
		SenderID:    senderID,
		HasSenderID: hasSenderID,
		Interface:   msg.Interface,
		Member:      msg.Member,
		Path:        msg.Path,
		Args:        msg.Args,
	}

	txID := b.nextTransactionID()
	visit := func(rule *matchregistry.Rule) { b.deliverBroadcast(rule, f, msg, txID, sender) }
	for _, reg := range b.broadcastRegistries(sender) {
		reg.Dispatch(f, visit)
		reg.DispatchMonitors(f, visit)
	}
}

// fanOutEavesdroppersAndMonitors delivers msg to only the eavesdrop and
// monitor channels of the candidate registries, skipping exclude (the
// unicast message's already-served explicit destination), for
// QueueCall/QueueReply's "fan out... with the destination excluded"
// step (§4.7).
func (b *Bus) fanOutEavesdroppersAndMonitors(sender *peer.Peer, msg *connio.Message, f matchrule.Filter, exclude busaddr.ID) {
	txID := b.nextTransactionID()
	visit := func(rule *matchregistry.Rule) {
		recipient, _ := rule.Recipient.(*peer.Peer)
		if recipient != nil && recipient.ID == exclude.Peer {
			return
		}
		b.deliverBroadcast(rule, f, msg, txID, sender)
	}
	for _, reg := range b.broadcastRegistries(sender) {
		reg.DispatchEavesdrop(f, visit)
		reg.DispatchMonitors(f, visit)
	}
}

// broadcastRegistries returns the ordered list of registries §4.7
// walks for a message from sender (nil meaning the driver itself).
func (b *Bus) broadcastRegistries(sender *peer.Peer) []*matchregistry.Registry {
	regs := make([]*matchregistry.Registry, 0, 4)
	regs = append(regs, b.wildcard)
	if sender != nil {
		regs = append(regs, sender.Matches)
		for _, name := range b.primaryNamesOf(sender) {
			if reg, ok := b.nameMatches[name]; ok {
				regs = append(regs, reg)
			}
		}
	} else {
		regs = append(regs, b.driver)
	}
	return regs
}

// deliverBroadcast evaluates send/receive policy for one matched rule
// and enqueues on its recipient's connection, passing txID so the
// connection layer can dedupe a recipient reached via more than one
// match path (§4.7, §5).
func (b *Bus) deliverBroadcast(rule *matchregistry.Rule, f matchrule.Filter, msg *connio.Message, txID uint64, sender *peer.Peer) {
	recipient, ok := rule.Recipient.(*peer.Peer)
	if !ok || recipient == nil {
		return
	}
	if f.HasDestID && recipient.ID == f.DestinationID.Peer {
		return
	}

	ctx := policy.MessageContext{Type: f.Type, Interface: f.Interface, Member: f.Member, Path: f.Path}
	if sender != nil {
		if sender.Policy.CheckSend(ctx, b.primaryNamesOf(recipient)) == policy.Deny {
			return
		}
		if recipient.Policy.CheckReceive(ctx, sender.UID, b.primaryNamesOf(sender)) == policy.Deny {
			return
		}
	}

	if err := recipient.Conn.Queue(recipient.User(), txID, msg); err != nil {
		b.Disconnect(recipient, false)
	}
}
