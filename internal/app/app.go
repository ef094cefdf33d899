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

// Package app wires configuration into the concrete components shared by
// the server and the admin CLI.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/triage/internal/api"
	"github.com/bcem/triage/internal/auth"
	"github.com/bcem/triage/internal/classifier"
	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/lease"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/queue"
	"github.com/bcem/triage/internal/store"
	"github.com/bcem/triage/internal/worker"
)

// MemoryURL selects the in-process store.
const MemoryURL = "memory://"

// workerLeaseName identifies the cycle lease shared by all instances.
const workerLeaseName = "email-worker"

// Store is everything the service and CLI need from persistence. Both
// *store.Store and *store.MemoryStore satisfy it.
type Store interface {
	api.Store
	auth.Store
	worker.Store

	CreateOrganization(ctx context.Context, name, apiKey string) (*models.Organization, error)
	RotateAPIKey(ctx context.Context, orgID uuid.UUID, apiKey string) error
	CreateUser(ctx context.Context, u models.User) (*models.User, error)
}

var (
	_ Store = (*store.Store)(nil)
	_ Store = (*store.MemoryStore)(nil)
)

// NewLogger builds the JSON logger. level is a slog level name; unknown
// values fall back to info.
func NewLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.TrimSpace(level))); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: lvl,
	}))
}

// OpenStore connects to the configured database. The returned func releases
// the connection pool.
func OpenStore(ctx context.Context, databaseURL string) (Store, func(), error) {
	if databaseURL == MemoryURL {
		slog.Warn("using in-memory store; data is lost on exit")
		return store.NewMemoryStore(), func() {}, nil
	}

	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, nil, fmt.Errorf("create Postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, nil, fmt.Errorf("connect to PostgreSQL: %w", err)
	}
	slog.Info("connected to PostgreSQL")

	s, err := store.New(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, nil, err
	}
	return s, pool.Close, nil
}

// OpenRedis connects to Redis. An empty URL returns a nil client.
func OpenRedis(ctx context.Context, redisURL string) (*redis.Client, error) {
	if redisURL == "" {
		return nil, nil
	}
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	rdb := redis.NewClient(opt)
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to Redis: %w", err)
	}
	slog.Info("connected to Redis")
	return rdb, nil
}

// NewClassifier returns a classifier backed by the remote detector when one
// is configured, and by the content fingerprint otherwise.
func NewClassifier(ctx context.Context, cfg config.ScorerConfig) *classifier.ThresholdClassifier {
	if cfg.URL == "" {
		slog.Info("no detector configured, using fingerprint scorer")
		return classifier.NewThresholdClassifier(classifier.NewFingerprintScorer())
	}
	slog.Info("using remote detector", "url", cfg.URL, "oauth2", cfg.TokenURL != "")
	return classifier.NewThresholdClassifier(classifier.NewRemoteScorer(ctx, classifier.RemoteConfig{
		URL:          cfg.URL,
		TokenURL:     cfg.TokenURL,
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		Timeout:      cfg.Timeout,
	}))
}

// NewWorker assembles the email worker. rdb and m may be nil.
func NewWorker(
	cfg *config.Config,
	s worker.Store,
	c classifier.Classifier,
	rdb *redis.Client,
	m *metrics.Metrics,
) *worker.Worker {
	wc := worker.Config{
		Store:            s,
		Classifier:       c,
		Metrics:          m,
		BatchLimit:       cfg.Worker.BatchLimit,
		Interval:         cfg.Worker.Interval,
		ItemTimeout:      cfg.Worker.ItemTimeout,
		Concurrency:      cfg.Worker.Concurrency,
		StaleAfter:       cfg.Worker.StaleAfter,
		MaxFetchFailures: cfg.Worker.MaxFetchFailures,
	}
	if rdb != nil {
		wc.Publisher = queue.NewPublisher(rdb, cfg.AnalyzedQueue)
		if cfg.Worker.LeaseTTL > 0 {
			wc.Lease = lease.New(rdb, workerLeaseName, cfg.Worker.LeaseTTL)
		}
	}
	return worker.New(wc)
}

// NewResolver builds the credential resolver for the configured auth mode.
func NewResolver(ctx context.Context, cfg config.AuthConfig, s auth.Store) (*auth.Resolver, error) {
	mode, err := auth.ParseMode(cfg.Mode)
	if err != nil {
		return nil, err
	}
	decoder, err := auth.NewDecoder(ctx, auth.DecoderConfig{
		Mode:    mode,
		JWKSURL: cfg.JWKSURL,
		Issuer:  cfg.Issuer,
	})
	if err != nil {
		return nil, err
	}
	return auth.NewResolver(s, decoder, cfg.APIKeyHeader), nil
}
