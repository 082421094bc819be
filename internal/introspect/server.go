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

// Package introspect is the broker's admin-only observation surface:
// JSON snapshots of live peers and names, and a WebSocket stream of
// the lifecycle events the orchestration loop reports as it drives
// the bus (§6 treats all of this as an external collaborator — the
// core itself never imports this package).
package introspect

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	ginratelimit "github.com/JGLTechnologies/gin-rate-limit"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/puzpuzpuz/xsync/v4"

	"github.com/coredbus/broker/internal/bus"
	"github.com/coredbus/broker/internal/config"
	"github.com/coredbus/broker/internal/kv"
	"github.com/coredbus/broker/internal/peer"
	"github.com/coredbus/broker/internal/pubsub"
)

const (
	readHeaderTimeout = 3 * time.Second
	wsBufferSize      = 1024

	// snapshotCacheTTL bounds how stale a cached /v1/peers or /v1/names
	// response can be across replicas sharing the same kv.KV — short
	// enough that operators never see a meaningfully outdated view,
	// long enough to spare the bus a full snapshot walk on every
	// dashboard poll.
	snapshotCacheTTL = 2 * time.Second

	peersCacheKey = "introspect:snapshot:peers"
	namesCacheKey = "introspect:snapshot:names"
)

// Server is the admin HTTP+WebSocket surface.
type Server struct {
	cfg    config.Introspection
	bus    *bus.Bus
	pubsub pubsub.PubSub
	kv     kv.KV

	httpServer *http.Server
	router     http.Handler
	upgrader   websocket.Upgrader

	// clients tracks every connected /v1/events socket so Stop can
	// close them all instead of waiting out their individual contexts.
	clients *xsync.Map[uint64, *websocket.Conn]
	nextID  atomic.Uint64
}

// NewServer builds the router and binds it to cfg's address, but does
// not start listening until Start is called. store caches /v1/peers
// and /v1/names snapshots — shared across introspection replicas when
// store is Redis-backed, so a dashboard hitting any replica sees the
// same recent view without every replica re-walking the bus registries.
func NewServer(cfg config.Introspection, b *bus.Bus, ps pubsub.PubSub, store kv.KV) *Server {
	s := &Server{
		cfg:    cfg,
		bus:    b,
		pubsub: ps,
		kv:     store,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  wsBufferSize,
			WriteBufferSize: wsBufferSize,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: xsync.NewMap[uint64, *websocket.Conn](),
	}

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	ratelimitStore := ginratelimit.InMemoryStore(&ginratelimit.InMemoryOptions{
		Rate:  time.Second,
		Limit: uint(max(cfg.RateLimitPerIP, 1)),
	})
	limiter := ginratelimit.RateLimiter(ratelimitStore, &ginratelimit.Options{
		ErrorHandler: func(c *gin.Context, info ginratelimit.Info) {
			c.String(http.StatusTooManyRequests, "too many requests, retry after "+time.Until(info.ResetTime).String())
		},
		KeyFunc: func(c *gin.Context) string { return c.ClientIP() },
	})

	r.GET("/healthz", s.handleHealthz)
	r.GET("/v1/peers", limiter, s.handlePeers)
	r.GET("/v1/names", limiter, s.handleNames)
	r.GET("/v1/events", limiter, s.handleEvents)

	s.router = r
	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Bind, cfg.Port),
		Handler:           r,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	return s
}

// Handler exposes the underlying http.Handler for tests that drive
// the server with httptest instead of a real listener.
func (s *Server) Handler() http.Handler { return s.router }

// Start blocks serving HTTP until Stop closes the listener; callers
// run it in its own goroutine.
func (s *Server) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	slog.Info("Introspection server listening", "address", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Stop closes every connected websocket client, then shuts down the
// HTTP server.
func (s *Server) Stop(ctx context.Context) {
	s.clients.Range(func(_ uint64, conn *websocket.Conn) bool {
		_ = conn.Close()
		return true
	})
	if err := s.httpServer.Shutdown(ctx); err != nil {
		slog.Error("introspect: failed to shut down HTTP server", "error", err)
	}
}

func (s *Server) handleHealthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

type peerView struct {
	ID         uint64   `json:"id"`
	UniqueName string   `json:"uniqueName"`
	UID        uint64   `json:"uid"`
	PID        uint64   `json:"pid"`
	Registered bool     `json:"registered"`
	Monitor    bool     `json:"monitor"`
	OwnedNames []string `json:"ownedNames"`
}

func (s *Server) handlePeers(c *gin.Context) {
	ctx := c.Request.Context()
	if s.serveCached(ctx, c, peersCacheKey) {
		return
	}

	views := make([]peerView, 0, s.bus.Peers.Len())
	s.bus.Peers.Each(func(p *peer.Peer) {
		views = append(views, peerView{
			ID:         p.ID,
			UniqueName: p.UniqueName(),
			UID:        p.UID,
			PID:        p.PID,
			Registered: p.Registered(),
			Monitor:    p.IsMonitor(),
			OwnedNames: p.OwnedNames(),
		})
	})
	s.respondAndCache(ctx, c, peersCacheKey, gin.H{"peers": views})
}

type nameView struct {
	Name    string   `json:"name"`
	Primary string   `json:"primary,omitempty"`
	Queue   []string `json:"queue,omitempty"`
}

func (s *Server) handleNames(c *gin.Context) {
	ctx := c.Request.Context()
	if s.serveCached(ctx, c, namesCacheKey) {
		return
	}

	names := s.bus.Names.Names()
	views := make([]nameView, 0, len(names))
	for _, name := range names {
		queue := s.bus.Names.Queue(name)
		view := nameView{Name: name}
		for _, o := range queue {
			addr := ownerString(o.Owner)
			view.Queue = append(view.Queue, addr)
			if o.Primary {
				view.Primary = addr
			}
		}
		views = append(views, view)
	}
	s.respondAndCache(ctx, c, namesCacheKey, gin.H{"names": views})
}

// serveCached writes a cached snapshot body as-is if one is present
// and unexpired, reporting whether it did.
func (s *Server) serveCached(ctx context.Context, c *gin.Context, key string) bool {
	body, err := s.kv.Get(ctx, key)
	if err != nil {
		return false
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", body)
	return true
}

// respondAndCache marshals body once, writes it, and stores it in the
// shared cache under key with snapshotCacheTTL so the next request —
// on this replica or any other sharing store — skips the bus walk.
func (s *Server) respondAndCache(ctx context.Context, c *gin.Context, key string, body gin.H) {
	encoded, err := json.Marshal(body)
	if err != nil {
		slog.Error("introspect: failed to marshal snapshot", "key", key, "error", err)
		c.JSON(http.StatusOK, body)
		return
	}
	c.Data(http.StatusOK, "application/json; charset=utf-8", encoded)

	if err := s.kv.Set(ctx, key, encoded); err != nil {
		slog.Error("introspect: failed to cache snapshot", "key", key, "error", err)
		return
	}
	if err := s.kv.Expire(ctx, key, snapshotCacheTTL); err != nil {
		slog.Error("introspect: failed to set snapshot cache TTL", "key", key, "error", err)
	}
}

func (s *Server) handleEvents(c *gin.Context) {
	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		slog.Error("introspect: websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	id := s.nextID.Add(1)
	s.clients.Store(id, conn)
	defer s.clients.Delete(id)

	sub := s.pubsub.Subscribe(c.Request.Context(), eventsTopic)
	defer sub.Close()

	// Drain client reads so the upgraded TCP connection notices a
	// client-initiated close promptly.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-c.Request.Context().Done():
			return
		case <-closed:
			return
		case msg, ok := <-sub.Channel():
			if !ok {
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		}
	}
}
