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

package matchrule_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/busaddr"
	"github.com/coredbus/broker/internal/matchrule"
)

func TestParseBasic(t *testing.T) {
	keys, err := matchrule.Parse(`type='signal',interface='org.x',arg0namespace='a.b'`)
	require.NoError(t, err)
	require.Equal(t, matchrule.TypeSignal, keys.Type)
	require.Equal(t, "org.x", keys.Interface)
	require.Equal(t, "a.b", keys.Arg0Namespace)
}

func TestParseDestinationResolvesUniqueID(t *testing.T) {
	keys, err := matchrule.Parse(`destination=':1.5'`)
	require.NoError(t, err)
	require.True(t, keys.HasDestinationID)
	require.Equal(t, busaddr.ID{Generation: 1, Peer: 5}, keys.DestinationID)
}

func TestParseRejectsUnknownKey(t *testing.T) {
	_, err := matchrule.Parse(`bogus='x'`)
	require.ErrorIs(t, err, matchrule.ErrInvalid)
}

func TestParseRejectsPathAndPathNamespace(t *testing.T) {
	_, err := matchrule.Parse(`path='/a',path_namespace='/a'`)
	require.ErrorIs(t, err, matchrule.ErrInvalid)
}

func TestParseRejectsArg0AndArg0Namespace(t *testing.T) {
	_, err := matchrule.Parse(`arg0='x',arg0namespace='y'`)
	require.ErrorIs(t, err, matchrule.ErrInvalid)
}

func TestParseRejectsArgNAndArgNPathSameIndex(t *testing.T) {
	_, err := matchrule.Parse(`arg3='x',arg3path='/y'`)
	require.ErrorIs(t, err, matchrule.ErrInvalid)
}

func TestParseRejectsArgOutOfRange(t *testing.T) {
	_, err := matchrule.Parse(`arg64='x'`)
	require.ErrorIs(t, err, matchrule.ErrInvalid)
}

func TestParseRejectsDuplicateKey(t *testing.T) {
	_, err := matchrule.Parse(`interface='a',interface='b'`)
	require.ErrorIs(t, err, matchrule.ErrInvalid)
}

func TestParseQuotingEscapesApostrophe(t *testing.T) {
	keys, err := matchrule.Parse(`member='it'\''s'`)
	require.NoError(t, err)
	require.Equal(t, "it's", keys.Member)
}

func TestRoundTrip(t *testing.T) {
	original := `type='signal',interface='org.x',member='Foo',arg0namespace='a.b'`
	keys, err := matchrule.Parse(original)
	require.NoError(t, err)

	keys2, err := matchrule.Parse(keys.String())
	require.NoError(t, err)
	require.Equal(t, keys, keys2)
}

func TestMatchesArg0Namespace(t *testing.T) {
	keys, err := matchrule.Parse(`type='signal',arg0namespace='a.b'`)
	require.NoError(t, err)

	match := func(arg0 string) bool {
		f := matchrule.Filter{Type: matchrule.TypeSignal}
		f.Args[0] = matchrule.Arg{Valid: true, Value: arg0}
		return matchrule.Matches(keys, f)
	}

	require.True(t, match("a.b.c"))
	require.True(t, match("a.b"))
	require.False(t, match("ab.c"))
}

func TestMatchesPathNamespace(t *testing.T) {
	keys, err := matchrule.Parse(`path_namespace='/com/example'`)
	require.NoError(t, err)

	f := matchrule.Filter{Path: "/com/example/Foo"}
	require.True(t, matchrule.Matches(keys, f))

	f.Path = "/com/example2/Foo"
	require.False(t, matchrule.Matches(keys, f))
}

func TestMatchesArgNPathBidirectional(t *testing.T) {
	keys, err := matchrule.Parse(`arg0path='/aa/bb/'`)
	require.NoError(t, err)

	f := matchrule.Filter{}
	f.Args[0] = matchrule.Arg{Valid: true, Value: "/aa/bb/cc"}
	require.True(t, matchrule.Matches(keys, f))

	keys2, err := matchrule.Parse(`arg0path='/aa/bb/cc/dd'`)
	require.NoError(t, err)
	f2 := matchrule.Filter{}
	f2.Args[0] = matchrule.Arg{Valid: true, Value: "/aa/bb/"}
	require.True(t, matchrule.Matches(keys2, f2))
}

func TestHashDedupesEquivalentRules(t *testing.T) {
	a, err := matchrule.Parse(`type='signal',interface='org.x'`)
	require.NoError(t, err)
	b, err := matchrule.Parse(`type='signal',interface='org.x'`)
	require.NoError(t, err)

	ha, err := a.Hash()
	require.NoError(t, err)
	hb, err := b.Hash()
	require.NoError(t, err)
	require.Equal(t, ha, hb)
}
