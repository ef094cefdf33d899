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

// Package queue publishes analysis notifications to Redis. Downstream
// consumers (dashboards, alerting) BRPOP the list to react to completed
// triage results without polling Postgres.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/bcem/triage/internal/models"
)

// EventEmailAnalyzed is the envelope type for completed analyses.
const EventEmailAnalyzed = "email.analyzed"

// Publisher sends notifications to a Redis list.
type Publisher struct {
	rdb       *redis.Client
	queueName string
}

// NewPublisher creates a new Redis publisher targeting the specified queue.
func NewPublisher(rdb *redis.Client, queueName string) *Publisher {
	return &Publisher{
		rdb:       rdb,
		queueName: queueName,
	}
}

// Envelope wraps a notification for Redis transport.
type Envelope struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Data       json.RawMessage `json:"data"`
}

// AnalyzedPayload is the data of an email.analyzed notification.
type AnalyzedPayload struct {
	EmailID    uuid.UUID       `json:"email_id"`
	OrgID      uuid.UUID       `json:"org_id"`
	Status     string          `json:"status"`
	RiskScore  int             `json:"risk_score"`
	RiskTier   models.RiskTier `json:"risk_tier"`
	ThreatType string          `json:"threat_type"`
	Confidence float64         `json:"confidence"`
}

// PublishAnalyzed announces that an email reached completed with risk.
func (p *Publisher) PublishAnalyzed(ctx context.Context, event *models.EmailEvent, risk models.Risk) error {
	data, err := json.Marshal(AnalyzedPayload{
		EmailID:    event.ID,
		OrgID:      event.OrgID,
		Status:     string(models.StatusCompleted),
		RiskScore:  risk.Score,
		RiskTier:   risk.Tier,
		ThreatType: risk.Analysis.ThreatType,
		Confidence: risk.Analysis.Confidence,
	})
	if err != nil {
		return fmt.Errorf("marshal analyzed payload: %w", err)
	}

	msg, err := json.Marshal(Envelope{
		ID:         uuid.NewString(),
		Type:       EventEmailAnalyzed,
		OccurredAt: time.Now().UTC(),
		Data:       data,
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := p.rdb.LPush(ctx, p.queueName, string(msg)).Err(); err != nil {
		return fmt.Errorf("redis LPUSH: %w", err)
	}

	slog.Debug("published analysis notification",
		"email_id", event.ID,
		"org_id", event.OrgID,
		"risk_tier", risk.Tier,
		"queue", p.queueName,
	)
	return nil
}

// Ping checks the Redis connection.
func (p *Publisher) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return p.rdb.Ping(ctx).Err()
}
