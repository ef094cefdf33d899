// Copyright (c) 2026 John Earle
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Triage Service
//
// Entry point for the email triage service. It:
//  1. Loads configuration from config.yaml and the environment
//  2. Connects to PostgreSQL (or the in-memory store) and, optionally, Redis
//  3. Serves the ingestion and lookup API with API-key and bearer auth
//  4. Runs the background worker that classifies pending emails
//  5. Handles graceful shutdown on SIGTERM/SIGINT
//
// The process exits non-zero if the worker halts because the store stayed
// unreachable, so the supervisor can restart it.
package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/bcem/triage/internal/api"
	"github.com/bcem/triage/internal/app"
	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/dedup"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/worker"
)

func main() {
	// Structured JSON logging
	slog.SetDefault(app.NewLogger(os.Getenv("LOG_LEVEL")))

	slog.Info("starting triage service")

	if err := run(); err != nil {
		slog.Error("triage service failed", "error", err)
		os.Exit(1)
	}
	slog.Info("triage service stopped")
}

func run() error {
	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	slog.Info("configuration loaded",
		"port", cfg.Port,
		"auth_mode", cfg.Auth.Mode,
		"worker_enabled", cfg.Worker.Enabled,
		"batch_limit", cfg.Worker.BatchLimit,
		"interval", cfg.Worker.Interval,
		"redis", cfg.RedisURL != "",
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// --- Persistence ---
	st, closeStore, err := app.OpenStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer closeStore()

	// --- Redis (dedup, lease, notifications) ---
	rdb, err := app.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		return err
	}
	var filter api.Deduper
	if rdb != nil {
		defer rdb.Close()
		filter = dedup.NewFilter(rdb, cfg.DedupTTL)
	}

	// --- Metrics ---
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	// --- Auth ---
	resolver, err := app.NewResolver(ctx, cfg.Auth, st)
	if err != nil {
		return err
	}

	// --- API ---
	handler := api.NewHandler(st, resolver, filter, m)
	ready, err := api.Serve(ctx, cfg.Port, handler.Routes())
	if err != nil {
		return err
	}
	<-ready

	// --- Worker ---
	var workerErr <-chan error
	if cfg.Worker.Enabled {
		w := app.NewWorker(cfg, st, app.NewClassifier(ctx, cfg.Scorer), rdb, m)
		workerErr = w.Start(ctx)
		defer w.Stop()
	} else {
		slog.Info("email worker disabled")
	}

	// --- Wait for shutdown or worker halt ---
	select {
	case <-ctx.Done():
		slog.Info("received shutdown signal")
		return nil
	case err := <-workerErr:
		if errors.Is(err, worker.ErrStoreUnavailable) {
			return err
		}
		<-ctx.Done()
		return nil
	}
}
