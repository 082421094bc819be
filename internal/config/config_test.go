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

package config_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coredbus/broker/internal/config"
	"github.com/coredbus/broker/internal/quota"
)

func TestDefaultConfigValidates(t *testing.T) {
	require.NoError(t, config.Default().Validate())
}

func TestInvalidLogLevel(t *testing.T) {
	c := config.Default()
	c.LogLevel = "trace"
	require.ErrorIs(t, c.Validate(), config.ErrInvalidLogLevel)
}

func TestListenerValidation(t *testing.T) {
	t.Run("bad network", func(t *testing.T) {
		l := config.Listener{Network: "quic", Address: "x"}
		require.ErrorIs(t, l.Validate(), config.ErrInvalidListenerNetwork)
	})
	t.Run("empty address", func(t *testing.T) {
		l := config.Listener{Network: "unix", Address: ""}
		require.ErrorIs(t, l.Validate(), config.ErrInvalidListenerAddress)
	})
	t.Run("valid", func(t *testing.T) {
		l := config.Listener{Network: "tcp", Address: "0.0.0.0:0"}
		require.NoError(t, l.Validate())
	})
}

func TestRedisValidation(t *testing.T) {
	t.Run("disabled skips validation", func(t *testing.T) {
		require.NoError(t, config.Redis{Enabled: false}.Validate())
	})
	t.Run("missing host", func(t *testing.T) {
		r := config.Redis{Enabled: true, Port: 6379}
		require.ErrorIs(t, r.Validate(), config.ErrInvalidRedisHost)
	})
	t.Run("bad port", func(t *testing.T) {
		r := config.Redis{Enabled: true, Host: "localhost", Port: 70000}
		require.ErrorIs(t, r.Validate(), config.ErrInvalidRedisPort)
	})
}

func TestIntrospectionValidation(t *testing.T) {
	i := config.Introspection{Enabled: true, Bind: "", Port: 80}
	require.ErrorIs(t, i.Validate(), config.ErrInvalidIntrospectionBindAddress)
}

func TestPProfValidation(t *testing.T) {
	p := config.PProf{Enabled: true, Bind: "127.0.0.1", Port: -1}
	require.ErrorIs(t, p.Validate(), config.ErrInvalidPProfPort)
}

func TestQuotasFallBackToDefaultsWhenUnset(t *testing.T) {
	q := config.Quotas{MaxMatches: 10}
	limits := q.Limits()
	require.Equal(t, uint64(10), limits[quota.Matches])
	require.NotZero(t, limits[quota.Bytes], "unset fields fall back to quota.DefaultLimits")
}
