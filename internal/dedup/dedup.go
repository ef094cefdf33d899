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

// Package dedup provides ingest idempotency using Redis SETNX with a TTL.
// A client that retries an ingest with the same message id within the TTL
// window is told the message was already accepted instead of creating a
// second event.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// DefaultTTL is how long we remember an ingested message id.
	DefaultTTL = 24 * time.Hour

	// keyPrefix namespaces dedup keys in Redis.
	keyPrefix = "triage:ingest:"
)

// Filter tracks which (organization, message id) pairs have been ingested.
type Filter struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewFilter creates a dedup filter backed by Redis.
func NewFilter(rdb *redis.Client, ttl time.Duration) *Filter {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Filter{
		rdb: rdb,
		ttl: ttl,
	}
}

func key(orgID, messageID string) string {
	return fmt.Sprintf("%s%s:%s", keyPrefix, orgID, messageID)
}

// IsNew returns true if the message id has NOT been seen for the
// organization. If true, it is marked as seen atomically (SETNX).
func (f *Filter) IsNew(ctx context.Context, orgID, messageID string) (bool, error) {
	set, err := f.rdb.SetNX(ctx, key(orgID, messageID), 1, f.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup SETNX: %w", err)
	}
	return set, nil
}

// Forget removes a mark so that a failed ingest can be retried.
func (f *Filter) Forget(ctx context.Context, orgID, messageID string) error {
	if err := f.rdb.Del(ctx, key(orgID, messageID)).Err(); err != nil {
		return fmt.Errorf("dedup DEL: %w", err)
	}
	return nil
}
