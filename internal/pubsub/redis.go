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

package pubsub

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/coredbus/broker/internal/config"
)

const (
	connsPerCPU = 10
	maxIdleTime = 10 * time.Minute
)

type redisPubSub struct {
	client *redis.Client
}

func newRedisPubSub(ctx context.Context, cfg *config.Config) (PubSub, error) {
	client := redis.NewClient(&redis.Options{
		Addr:            fmt.Sprintf("%s:%d", cfg.Redis.Host, cfg.Redis.Port),
		Password:        cfg.Redis.Password,
		PoolFIFO:        true,
		PoolSize:        runtime.GOMAXPROCS(0) * connsPerCPU,
		MinIdleConns:    runtime.GOMAXPROCS(0),
		ConnMaxIdleTime: maxIdleTime,
	})
	if _, err := client.Ping(ctx).Result(); err != nil {
		return nil, fmt.Errorf("pubsub: connect to redis: %w", err)
	}
	return redisPubSub{client: client}, nil
}

func (ps redisPubSub) Publish(ctx context.Context, topic string, message []byte) error {
	return ps.client.Publish(ctx, topic, message).Err()
}

func (ps redisPubSub) Subscribe(ctx context.Context, topic string) Subscription {
	sub := ps.client.Subscribe(ctx, topic)
	ch := make(chan []byte, subscriberBuffer)
	go func() {
		defer close(ch)
		for msg := range sub.Channel() {
			ch <- []byte(msg.Payload)
		}
	}()
	return redisSubscription{sub: sub, ch: ch}
}

func (ps redisPubSub) Close() error {
	return ps.client.Close()
}

type redisSubscription struct {
	sub *redis.PubSub
	ch  chan []byte
}

func (s redisSubscription) Close() error {
	return s.sub.Close()
}

func (s redisSubscription) Channel() <-chan []byte {
	return s.ch
}
