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

package kv

import (
	"context"
	"fmt"
	"time"

	"github.com/puzpuzpuz/xsync/v4"
)

type entry struct {
	value []byte
	// expiresAt is zero when the key carries no TTL.
	expiresAt time.Time
}

func (e entry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// memoryKV is the single-process default: an xsync.Map keyed by
// string, since introspection HTTP handlers read and write it
// from arbitrary goroutines (unlike the bus core, this package is not
// single-threaded).
type memoryKV struct {
	m *xsync.Map[string, entry]
}

func newMemoryKV() KV {
	return memoryKV{m: xsync.NewMap[string, entry]()}
}

func (kv memoryKV) Has(_ context.Context, key string) (bool, error) {
	e, ok := kv.m.Load(key)
	if !ok {
		return false, nil
	}
	if e.expired() {
		kv.m.Delete(key)
		return false, nil
	}
	return true, nil
}

func (kv memoryKV) Get(_ context.Context, key string) ([]byte, error) {
	e, ok := kv.m.Load(key)
	if !ok {
		return nil, fmt.Errorf("kv: key %q not found", key)
	}
	if e.expired() {
		kv.m.Delete(key)
		return nil, fmt.Errorf("kv: key %q expired", key)
	}
	return e.value, nil
}

func (kv memoryKV) Set(_ context.Context, key string, value []byte) error {
	kv.m.Store(key, entry{value: value})
	return nil
}

func (kv memoryKV) Delete(_ context.Context, key string) error {
	kv.m.Delete(key)
	return nil
}

func (kv memoryKV) Expire(_ context.Context, key string, ttl time.Duration) error {
	e, ok := kv.m.Load(key)
	if !ok {
		return fmt.Errorf("kv: key %q not found", key)
	}
	if ttl <= 0 {
		kv.m.Delete(key)
		return nil
	}
	e.expiresAt = time.Now().Add(ttl)
	kv.m.Store(key, e)
	return nil
}

func (kv memoryKV) Close() error { return nil }
