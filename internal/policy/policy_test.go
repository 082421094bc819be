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

package policy_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/policy"
)

func TestAllowAllFactoryAllowsEverything(t *testing.T) {
	snap, err := policy.AllowAllFactory(1000, []uint64{100}, "")
	require.NoError(t, err)
	require.Equal(t, policy.Allow, snap.CheckOwn("com.example.Foo"))
	require.Equal(t, policy.Allow, snap.CheckSend(policy.MessageContext{}, nil))
	require.Equal(t, policy.Allow, snap.CheckReceive(policy.MessageContext{}, 1001, nil))
}

type denyAll struct{}

func (denyAll) CheckOwn(string) policy.Decision                               { return policy.Deny }
func (denyAll) CheckSend(policy.MessageContext, []string) policy.Decision     { return policy.Deny }
func (denyAll) CheckReceive(policy.MessageContext, uint64, []string) policy.Decision {
	return policy.Deny
}

func TestCustomSnapshotSatisfiesInterface(t *testing.T) {
	var snap policy.Snapshot = denyAll{}
	require.Equal(t, policy.Deny, snap.CheckOwn("com.example.Foo"))
}
