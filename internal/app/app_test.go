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

package app

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/triage/internal/config"
	"github.com/bcem/triage/internal/models"
	"github.com/bcem/triage/internal/store"
)

func TestNewLogger_Levels(t *testing.T) {
	ctx := context.Background()
	assert.True(t, NewLogger("debug").Enabled(ctx, slog.LevelDebug))
	assert.False(t, NewLogger("warn").Enabled(ctx, slog.LevelInfo))
	assert.True(t, NewLogger("nonsense").Enabled(ctx, slog.LevelInfo))
	assert.False(t, NewLogger("").Enabled(ctx, slog.LevelDebug))
}

func TestOpenStore_Memory(t *testing.T) {
	s, closeFn, err := OpenStore(context.Background(), MemoryURL)
	require.NoError(t, err)
	defer closeFn()
	_, ok := s.(*store.MemoryStore)
	assert.True(t, ok)
}

func TestOpenRedis_EmptyURL(t *testing.T) {
	rdb, err := OpenRedis(context.Background(), "")
	require.NoError(t, err)
	assert.Nil(t, rdb)
}

func TestNewWorker_EndToEnd(t *testing.T) {
	ctx := context.Background()
	mr := miniredis.RunT(t)
	rdb, err := OpenRedis(ctx, "redis://"+mr.Addr()+"/0")
	require.NoError(t, err)
	defer rdb.Close()

	s := store.NewMemoryStore()
	org, err := s.CreateOrganization(ctx, "Acme", "k")
	require.NoError(t, err)
	e := models.NewEmailEvent(org.ID, "a@example.com", "b@example.com", "Hello")
	require.NoError(t, s.InsertEmail(ctx, e))

	cfg := &config.Config{
		AnalyzedQueue: "analyzed",
		Worker: config.WorkerConfig{
			BatchLimit:  10,
			Interval:    time.Second,
			ItemTimeout: time.Second,
			Concurrency: 1,
			LeaseTTL:    2 * time.Second,
		},
	}
	w := NewWorker(cfg, s, NewClassifier(ctx, config.ScorerConfig{}), rdb, nil)

	res, err := w.RunCycle(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Completed)

	got, err := s.GetEmail(ctx, org.ID, e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusCompleted, got.Status)

	n, err := rdb.LLen(ctx, "analyzed").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.False(t, mr.Exists("triage:lease:email-worker"), "lease released after cycle")
}

func TestNewResolver_Modes(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemoryStore()

	_, err := NewResolver(ctx, config.AuthConfig{Mode: "insecure-dev"}, s)
	assert.NoError(t, err)

	_, err = NewResolver(ctx, config.AuthConfig{Mode: "strict"}, s)
	assert.Error(t, err)

	_, err = NewResolver(ctx, config.AuthConfig{Mode: "bogus"}, s)
	assert.Error(t, err)
}
