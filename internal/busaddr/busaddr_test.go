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

package busaddr_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/busaddr"
)

func TestParseUnique(t *testing.T) {
	id, ok := busaddr.ParseUnique(":1.42")
	require.True(t, ok)
	require.Equal(t, busaddr.ID{Generation: 1, Peer: 42}, id)
	require.Equal(t, ":1.42", id.String())
}

func TestParseUniqueRejectsWellKnownName(t *testing.T) {
	_, ok := busaddr.ParseUnique("com.example.Foo")
	require.False(t, ok)
}

func TestParseUniqueRejectsMalformed(t *testing.T) {
	for _, s := range []string{":1", ":a.b", ":1.", ":.1", ":1.2.3"} {
		_, ok := busaddr.ParseUnique(s)
		require.False(t, ok, "expected %q to be rejected", s)
	}
}

func TestForPeer(t *testing.T) {
	require.Equal(t, ":1.7", busaddr.ForPeer(7).String())
}

func TestIsReserved(t *testing.T) {
	require.True(t, busaddr.IsReserved("org.freedesktop.DBus"))
	require.False(t, busaddr.IsReserved("org.freedesktop.Notifications"))
}
