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

// Package cmd wires the broker's ambient stack together: config
// loading, logging, the periodic quota-snapshot scheduler, the
// introspection and pprof HTTP servers, and graceful shutdown, all
// orchestrated around a single bus.Bus.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/USA-RedDragon/configulator"
	"github.com/go-co-op/gocron/v2"
	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/coredbus/broker/internal/bus"
	"github.com/coredbus/broker/internal/config"
	"github.com/coredbus/broker/internal/introspect"
	"github.com/coredbus/broker/internal/kv"
	"github.com/coredbus/broker/internal/policy"
	"github.com/coredbus/broker/internal/pprof"
	"github.com/coredbus/broker/internal/pubsub"
)

// NewCommand builds the root cobra command.
func NewCommand(version, commit string) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "coredbusd",
		Version: fmt.Sprintf("%s - %s", version, commit),
		Annotations: map[string]string{
			"version": version,
			"commit":  commit,
		},
		RunE:              runRoot,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
	}
	return cmd
}

func runRoot(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	fmt.Printf("coredbusd - %s (%s)\n", cmd.Annotations["version"], cmd.Annotations["commit"])

	cfg, err := loadConfig(ctx)
	if err != nil {
		return err
	}
	setupLogger(cfg)

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	scheduler, err := setupScheduler()
	if err != nil {
		return err
	}

	b := bus.New(cfg.Quotas.Limits(), policy.AllowAllFactory)

	kvStore, err := kv.MakeKV(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to key-value store: %w", err)
	}
	defer kvStore.Close()

	pubsubClient, err := pubsub.MakePubSub(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to connect to pubsub: %w", err)
	}
	defer pubsubClient.Close()

	publisher := introspect.NewPublisher(pubsubClient)
	introspectServer := introspect.NewServer(cfg.Introspection, b, pubsubClient, kvStore)

	setupQuotaSnapshotJob(b, scheduler)
	scheduler.Start()

	runCtx, stopRun := context.WithCancel(ctx)
	defer stopRun()
	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error { return introspectServer.Start() })
	group.Go(func() error { return pprof.CreateServer(cfg.PProf) })
	group.Go(func() error { return runDemo(groupCtx, b, publisher) })

	waitForShutdownSignal()
	slog.Info("Shutting down")
	stopRun()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	introspectServer.Stop(shutdownCtx)

	if err := scheduler.Shutdown(); err != nil {
		slog.Error("Failed to stop scheduler", "error", err)
	}

	return group.Wait()
}

// loadConfig loads the configuration stashed on the cobra command's
// context by main.
func loadConfig(ctx context.Context) (*config.Config, error) {
	c, err := configulator.FromContext[config.Config](ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get config from context: %w", err)
	}
	cfg, err := c.LoadWithoutValidation()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// setupLogger configures the structured logger, routing warn/error
// levels to stderr and debug/info to stdout.
func setupLogger(cfg *config.Config) {
	var logger *slog.Logger
	switch cfg.LogLevel {
	case config.LogLevelDebug:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelDebug}))
	case config.LogLevelInfo:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	case config.LogLevelWarn:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelWarn}))
	case config.LogLevelError:
		logger = slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: slog.LevelError}))
	default:
		logger = slog.New(tint.NewHandler(os.Stdout, &tint.Options{Level: slog.LevelInfo}))
	}
	slog.SetDefault(logger)
}

func setupScheduler() (gocron.Scheduler, error) {
	scheduler, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}
	return scheduler, nil
}

const quotaSnapshotInterval = 1 * time.Minute

// setupQuotaSnapshotJob schedules the periodic, purely observational
// job of logging the number of connected peers — it never mutates bus
// state and does not report per-user quota usage.
func setupQuotaSnapshotJob(b *bus.Bus, scheduler gocron.Scheduler) {
	_, err := scheduler.NewJob(
		gocron.DurationJob(quotaSnapshotInterval),
		gocron.NewTask(func() {
			slog.Info("Quota snapshot", "connectedPeers", b.Peers.Len())
		}),
	)
	if err != nil {
		slog.Error("Failed to schedule quota snapshot job", "error", err)
	}
}

func waitForShutdownSignal() {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT, syscall.SIGHUP)
	sig := <-sigCh
	slog.Info("Received signal", "signal", sig)
}
