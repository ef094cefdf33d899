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

// triagectl administers a triage deployment: organizations and their API
// keys, users, and one-off worker runs.
//
// Usage:
//
//	triagectl org create "Acme Corp"
//	triagectl org rotate-key <org-id>
//	triagectl user create --org <org-id> --subject user_123 --role admin
//	triagectl worker run-once
//	triagectl worker fail-stale --older-than 10m
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/triage/internal/app"
	"github.com/bcem/triage/internal/config"
)

// env holds the connections a command runs against.
type env struct {
	cfg   *config.Config
	store app.Store
	rdb   *redis.Client
	close func()
}

type opener func(ctx context.Context) (*env, error)

// openEnv loads configuration and connects to the configured backends.
func openEnv(ctx context.Context) (*env, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("load configuration: %w", err)
	}

	st, closeStore, err := app.OpenStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	rdb, err := app.OpenRedis(ctx, cfg.RedisURL)
	if err != nil {
		closeStore()
		return nil, err
	}

	return &env{
		cfg:   cfg,
		store: st,
		rdb:   rdb,
		close: func() {
			if rdb != nil {
				rdb.Close()
			}
			closeStore()
		},
	}, nil
}

func main() {
	// Logs go to stderr so command output stays parseable.
	level := slog.LevelWarn
	if os.Getenv("LOG_LEVEL") != "" {
		_ = level.UnmarshalText([]byte(os.Getenv("LOG_LEVEL")))
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd(openEnv).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
