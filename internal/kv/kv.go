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

// Package kv is the optional shared key-value store behind
// internal/introspect's snapshot caching and multi-replica
// coordination. The bus core never touches it — it is strictly an
// external, introspection-only concern.
package kv

import (
	"context"
	"time"

	"github.com/coredbus/broker/internal/config"
)

// KV is a minimal key-value store: enough for the introspection
// sidecar to record "last seen" snapshots and coordinate across
// replicas, nothing more.
type KV interface {
	Has(ctx context.Context, key string) (bool, error)
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	Expire(ctx context.Context, key string, ttl time.Duration) error
	Close() error
}

// MakeKV constructs a Redis-backed store when cfg.Redis.Enabled, or
// an in-memory one otherwise.
func MakeKV(ctx context.Context, cfg *config.Config) (KV, error) {
	if cfg.Redis.Enabled {
		return newRedisKV(ctx, cfg)
	}
	return newMemoryKV(), nil
}
