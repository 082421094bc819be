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

// Package matchrule parses D-Bus match rule strings into a
// canonicalized Keys value and evaluates them against a message's
// Filter. Both the grammar and the filtering semantics (§4.2) are
// taken verbatim from the broker's original C matcher.
package matchrule

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/mitchellh/hashstructure/v2"

	"github.com/coredbus/broker/internal/busaddr"
)

// ErrInvalid is MATCH_E_INVALID: a malformed rule string, an unknown
// key, a mutually-exclusive key pair, or an out-of-range argN index.
var ErrInvalid = errors.New("match: invalid rule")

// Type is the D-Bus message type a rule may restrict on.
type Type string

const (
	TypeSignal        Type = "signal"
	TypeMethodCall    Type = "method_call"
	TypeMethodReturn  Type = "method_return"
	TypeError         Type = "error"
	maxArg                 = 63
)

func validType(t Type) bool {
	switch t {
	case TypeSignal, TypeMethodCall, TypeMethodReturn, TypeError:
		return true
	}
	return false
}

// Keys is the canonicalized, parsed form of a match rule (§3's
// "MatchRuleKeys"). Sender is resolved to a unique-id only at link
// time (the peer it names may not exist yet, or may not exist ever);
// Destination is resolved eagerly here because a destination is never
// forward-looking the way a sender can be.
type Keys struct {
	Type             Type
	HasType          bool
	Sender           string
	// SenderID is resolved by the caller only for rules parked in the
	// bus's wildcard registry because their sender named a not-yet-
	// assigned unique-id (§4.3's "future id" branch); it lets such a
	// rule activate the moment that id is actually assigned, without
	// the rule matching any other peer's traffic that also passes
	// through the wildcard registry.
	SenderID         busaddr.ID
	HasSenderID      bool
	Destination      string
	DestinationID    busaddr.ID
	HasDestinationID bool
	Interface        string
	Member           string
	Path             string
	PathNamespace    string
	Eavesdrop        bool
	Arg0Namespace    string
	Args             map[int]string
	ArgPaths         map[int]string
}

// Hash returns a canonical dedup key for Keys, used by matchregistry
// to implement "at most one rule per (owner, keys) tuple" (§3) without
// hand-rolling a field-by-field comparator.
func (k Keys) Hash() (uint64, error) {
	return hashstructure.Hash(k, hashstructure.FormatV2, nil)
}

// String serializes keys back into rule-string form. It is the
// inverse of Parse and exists chiefly so round-tripping can be
// property-tested (§8 invariant 7); an apostrophe in a value is
// written by closing the quote, emitting the \' escape Parse
// understands outside quotes, and reopening the quote.
func (k Keys) String() string {
	var parts []string
	add := func(key, value string) {
		parts = append(parts, key+"='"+strings.ReplaceAll(value, "'", `'\''`)+"'")
	}
	if k.HasType {
		add("type", string(k.Type))
	}
	if k.Sender != "" {
		add("sender", k.Sender)
	}
	if k.Destination != "" {
		add("destination", k.Destination)
	}
	if k.Interface != "" {
		add("interface", k.Interface)
	}
	if k.Member != "" {
		add("member", k.Member)
	}
	if k.Path != "" {
		add("path", k.Path)
	}
	if k.PathNamespace != "" {
		add("path_namespace", k.PathNamespace)
	}
	if k.Eavesdrop {
		parts = append(parts, "eavesdrop='true'")
	}
	if k.Arg0Namespace != "" {
		add("arg0namespace", k.Arg0Namespace)
	}
	for n := 0; n <= maxArg; n++ {
		if v, ok := k.Args[n]; ok {
			add(fmt.Sprintf("arg%d", n), v)
		}
		if v, ok := k.ArgPaths[n]; ok {
			add(fmt.Sprintf("arg%dpath", n), v)
		}
	}
	return strings.Join(parts, ",")
}

// Parse parses a match rule string (§4.2's grammar: comma-separated
// key=value pairs, values optionally single-quoted with the quoting
// rules described on splitKeyValue).
func Parse(rule string) (Keys, error) {
	var keys Keys
	seen := make(map[string]bool)

	pairs, err := splitPairs(rule)
	if err != nil {
		return Keys{}, err
	}
	for _, p := range pairs {
		key, value, err := splitKeyValue(p)
		if err != nil {
			return Keys{}, err
		}
		if key == "" {
			continue
		}
		if seen[key] {
			return Keys{}, fmt.Errorf("%w: duplicate key %q", ErrInvalid, key)
		}
		seen[key] = true
		if err := assign(&keys, key, value); err != nil {
			return Keys{}, err
		}
	}

	if keys.Path != "" && keys.PathNamespace != "" {
		return Keys{}, fmt.Errorf("%w: path and path_namespace are mutually exclusive", ErrInvalid)
	}
	if _, has0 := keys.Args[0]; has0 && keys.Arg0Namespace != "" {
		return Keys{}, fmt.Errorf("%w: arg0 and arg0namespace are mutually exclusive", ErrInvalid)
	}
	for n := range keys.Args {
		if _, clash := keys.ArgPaths[n]; clash {
			return Keys{}, fmt.Errorf("%w: arg%d and arg%dpath are mutually exclusive", ErrInvalid, n, n)
		}
	}

	if keys.Destination != "" {
		if id, ok := busaddr.ParseUnique(keys.Destination); ok {
			keys.DestinationID = id
			keys.HasDestinationID = true
		}
	}

	return keys, nil
}

// splitPairs splits a rule string on top-level commas, respecting
// quoted spans (a comma inside a single-quoted value is literal). An
// escaped \' outside quotes is kept as is and does not open a quote.
func splitPairs(rule string) ([]string, error) {
	var pairs []string
	var cur strings.Builder
	inQuote := false
	for i := 0; i < len(rule); i++ {
		c := rule[i]
		switch {
		case c == '\\' && !inQuote && i+1 < len(rule) && rule[i+1] == '\'':
			cur.WriteByte(c)
			cur.WriteByte(rule[i+1])
			i++
		case c == '\'' && !inQuote:
			inQuote = true
			cur.WriteByte(c)
		case c == '\'' && inQuote:
			inQuote = false
			cur.WriteByte(c)
		case c == ',' && !inQuote:
			pairs = append(pairs, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	if inQuote {
		return nil, fmt.Errorf("%w: unterminated quote", ErrInvalid)
	}
	if cur.Len() > 0 || len(pairs) > 0 {
		pairs = append(pairs, cur.String())
	}
	return pairs, nil
}

// splitKeyValue parses one "key=value" pair, trimming surrounding
// whitespace around the key and the '=', and unescaping the value
// per the quoting rules: outside quotes, \' escapes a literal
// apostrophe and any other backslash is literal; inside quotes,
// backslashes are literal and an unescaped apostrophe closes the span.
func splitKeyValue(pair string) (key, value string, err error) {
	s := strings.TrimSpace(pair)
	if s == "" {
		return "", "", nil
	}
	eq := strings.IndexByte(s, '=')
	if eq < 0 {
		return "", "", fmt.Errorf("%w: missing '=' in %q", ErrInvalid, pair)
	}
	key = strings.TrimSpace(s[:eq])
	raw := strings.TrimLeft(s[eq+1:], " \t")

	var out strings.Builder
	inQuote := false
	for i := 0; i < len(raw); i++ {
		c := raw[i]
		switch {
		case inQuote:
			if c == '\'' {
				inQuote = false
			} else {
				out.WriteByte(c)
			}
		case c == '\'':
			inQuote = true
		case c == '\\' && i+1 < len(raw) && raw[i+1] == '\'':
			out.WriteByte('\'')
			i++
		default:
			out.WriteByte(c)
		}
	}
	if inQuote {
		return "", "", fmt.Errorf("%w: unterminated quote in value for %q", ErrInvalid, key)
	}
	return key, out.String(), nil
}

func assign(keys *Keys, key, value string) error {
	switch {
	case key == "type":
		t := Type(value)
		if !validType(t) {
			return fmt.Errorf("%w: bad type %q", ErrInvalid, value)
		}
		keys.Type = t
		keys.HasType = true
	case key == "sender":
		keys.Sender = value
	case key == "destination":
		keys.Destination = value
	case key == "interface":
		keys.Interface = value
	case key == "member":
		keys.Member = value
	case key == "path":
		keys.Path = value
	case key == "path_namespace":
		keys.PathNamespace = value
	case key == "arg0namespace":
		keys.Arg0Namespace = value
	case key == "eavesdrop":
		switch value {
		case "true":
			keys.Eavesdrop = true
		case "false":
			keys.Eavesdrop = false
		default:
			return fmt.Errorf("%w: bad eavesdrop value %q", ErrInvalid, value)
		}
	case strings.HasPrefix(key, "arg") && strings.HasSuffix(key, "path"):
		n, err := argIndex(key, "arg", "path")
		if err != nil {
			return err
		}
		if keys.ArgPaths == nil {
			keys.ArgPaths = make(map[int]string)
		}
		keys.ArgPaths[n] = value
	case strings.HasPrefix(key, "arg"):
		n, err := argIndex(key, "arg", "")
		if err != nil {
			return err
		}
		if keys.Args == nil {
			keys.Args = make(map[int]string)
		}
		keys.Args[n] = value
	default:
		return fmt.Errorf("%w: unknown key %q", ErrInvalid, key)
	}
	return nil
}

func argIndex(key, prefix, suffix string) (int, error) {
	digits := strings.TrimSuffix(strings.TrimPrefix(key, prefix), suffix)
	if digits == "" {
		return 0, fmt.Errorf("%w: bad arg key %q", ErrInvalid, key)
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 || n > maxArg {
		return 0, fmt.Errorf("%w: arg index out of range in %q", ErrInvalid, key)
	}
	return n, nil
}

// Arg is one decoded argument slot of a message, per §6's "decoded arg
// table". Only string and object-path typed args are ever populated;
// all other types leave Valid false, matching the filter's own
// restriction to those two element kinds.
type Arg struct {
	Valid bool
	Value string
}

// Filter is the message-side projection a broadcast computes once and
// matches every candidate rule against (§4.7).
type Filter struct {
	Type          Type
	SenderID      busaddr.ID
	HasSenderID   bool
	DestinationID busaddr.ID
	HasDestID     bool
	Interface     string
	Member        string
	Path          string
	Args          [maxArg + 1]Arg
}

// Matches reports whether f satisfies every non-empty key in keys
// (§4.2's filtering semantics). senderID/destID resolution (string →
// unique-id) happens in Filter construction, not here.
func Matches(keys Keys, f Filter) bool {
	if keys.HasType && keys.Type != f.Type {
		return false
	}
	if keys.HasDestinationID && (!f.HasDestID || keys.DestinationID != f.DestinationID) {
		return false
	}
	if keys.HasSenderID && (!f.HasSenderID || keys.SenderID != f.SenderID) {
		return false
	}
	if keys.Interface != "" && keys.Interface != f.Interface {
		return false
	}
	if keys.Member != "" && keys.Member != f.Member {
		return false
	}
	if keys.Path != "" && keys.Path != f.Path {
		return false
	}
	if keys.PathNamespace != "" && !pathPrefixMatch(keys.PathNamespace, f.Path) {
		return false
	}
	if keys.Arg0Namespace != "" {
		a0 := f.Args[0]
		if !a0.Valid || !namespacePrefixMatch(keys.Arg0Namespace, a0.Value) {
			return false
		}
	}
	for n, want := range keys.Args {
		got := f.Args[n]
		if !got.Valid || got.Value != want {
			return false
		}
	}
	for n, want := range keys.ArgPaths {
		got := f.Args[n]
		if !got.Valid || !argPathMatch(want, got.Value) {
			return false
		}
	}
	return true
}

// pathPrefixMatch implements path_namespace: prefix is a path-prefix
// of path with '/' boundary semantics (an exact match, or prefix
// followed by '/', or prefix=="/").
func pathPrefixMatch(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if path == prefix {
		return true
	}
	return strings.HasPrefix(path, prefix+"/")
}

// namespacePrefixMatch implements arg0namespace: prefix is a
// dot-bounded prefix of value (exact match, or prefix followed by '.').
func namespacePrefixMatch(prefix, value string) bool {
	if value == prefix {
		return true
	}
	return strings.HasPrefix(value, prefix+".")
}

// argPathMatch implements argNpath's bidirectional, '/'-terminated
// prefix semantics: the rule value matches if it is a '/'-terminated
// prefix of the message's value, or vice versa.
func argPathMatch(ruleValue, msgValue string) bool {
	if ruleValue == msgValue {
		return true
	}
	if strings.HasSuffix(ruleValue, "/") && strings.HasPrefix(msgValue, ruleValue) {
		return true
	}
	if strings.HasSuffix(msgValue, "/") && strings.HasPrefix(ruleValue, msgValue) {
		return true
	}
	return false
}
