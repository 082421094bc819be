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

// Package config loads the broker's runtime configuration: one Config
// root, one sub-struct per concern, each independently constructible
// and independently validated.
package config

import (
	"github.com/coredbus/broker/internal/quota"
)

// Quotas mirrors quota.Limits (§4.8) as plain config fields so
// operators can tune per-uid caps without touching code.
// A zero value for any field falls back to quota.DefaultLimits's
// value for that slot (see Quotas.Limits).
type Quotas struct {
	MaxBytes      uint64 `yaml:"maxBytes"`
	MaxFDs        uint64 `yaml:"maxFds"`
	MaxMatches    uint64 `yaml:"maxMatches"`
	MaxObjects    uint64 `yaml:"maxObjects"`
	MaxNames      uint64 `yaml:"maxNames"`
	MaxReplySlots uint64 `yaml:"maxReplySlots"`
}

// Limits converts the configured quotas into the quota package's
// internal representation.
func (q Quotas) Limits() quota.Limits {
	d := quota.DefaultLimits()
	var l quota.Limits
	l[quota.Bytes] = firstNonZero(q.MaxBytes, d[quota.Bytes])
	l[quota.FDs] = firstNonZero(q.MaxFDs, d[quota.FDs])
	l[quota.Matches] = firstNonZero(q.MaxMatches, d[quota.Matches])
	l[quota.Objects] = firstNonZero(q.MaxObjects, d[quota.Objects])
	l[quota.Names] = firstNonZero(q.MaxNames, d[quota.Names])
	l[quota.Replies] = firstNonZero(q.MaxReplySlots, d[quota.Replies])
	return l
}

func firstNonZero(v, fallback uint64) uint64 {
	if v == 0 {
		return fallback
	}
	return v
}

// Listener is where the broker accepts peer connections (§6: an
// external concern, a concrete unix/tcp listener belongs to the
// connio caller, not the core — this struct just carries its address).
type Listener struct {
	Network string `yaml:"network"`
	Address string `yaml:"address"`
}

// Redis configures the optional shared backing store for
// internal/kv and internal/pubsub, used only by internal/introspect
// to fan events out across broker replicas sitting behind one
// operator dashboard. The core bus itself never touches Redis.
type Redis struct {
	Enabled  bool   `yaml:"enabled"`
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
}

// Introspection configures the admin HTTP+WebSocket surface.
type Introspection struct {
	Enabled        bool   `yaml:"enabled"`
	Bind           string `yaml:"bind"`
	Port           int    `yaml:"port"`
	RateLimitPerIP int    `yaml:"rateLimitPerIP"`
}

// PProf configures the optional pprof HTTP server.
type PProf struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
	Port    int    `yaml:"port"`
}

// Config is the full configuration tree, loaded via
// github.com/USA-RedDragon/configulator.
type Config struct {
	LogLevel LogLevel `yaml:"logLevel"`

	Listener      Listener      `yaml:"listener"`
	Quotas        Quotas        `yaml:"quotas"`
	Redis         Redis         `yaml:"redis"`
	Introspection Introspection `yaml:"introspection"`
	PProf         PProf         `yaml:"pprof"`
}

// Default returns the configuration a bare `configulator.New[Config]()`
// would produce before any environment/file overrides are applied,
// expressed as an explicit value so tests can build one directly.
func Default() Config {
	return Config{
		LogLevel: LogLevelInfo,
		Listener: Listener{
			Network: "unix",
			Address: "/run/coredbus/system_bus_socket",
		},
		Introspection: Introspection{
			Enabled:        true,
			Bind:           "127.0.0.1",
			Port:           7787,
			RateLimitPerIP: 20,
		},
		PProf: PProf{
			Enabled: false,
			Bind:    "127.0.0.1",
			Port:    7788,
		},
	}
}
