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

// Package lease provides a Redis-backed mutual-exclusion lease. The worker
// holds it for the duration of a cycle so that only one instance processes
// a batch at a time.
package lease

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces lease keys in Redis.
const keyPrefix = "triage:lease:"

// releaseScript deletes the key only if this owner still holds it.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Lease is a named lock with an owner token and an expiry.
type Lease struct {
	rdb   *redis.Client
	key   string
	owner string
	ttl   time.Duration
}

// New creates a lease named name. Each Lease value has a unique owner.
func New(rdb *redis.Client, name string, ttl time.Duration) *Lease {
	return &Lease{
		rdb:   rdb,
		key:   keyPrefix + name,
		owner: uuid.NewString(),
		ttl:   ttl,
	}
}

// Owner returns the token identifying this holder.
func (l *Lease) Owner() string {
	return l.owner
}

// Acquire takes the lease if it is free. It returns false without error
// when another owner holds it.
func (l *Lease) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.owner, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("lease SETNX: %w", err)
	}
	return ok, nil
}

// Release frees the lease if this owner still holds it.
func (l *Lease) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.owner).Err(); err != nil {
		return fmt.Errorf("lease release: %w", err)
	}
	return nil
}
