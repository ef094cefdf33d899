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

// Package store provides the Postgres-backed persistence layer for
// organizations, users and email events.
//
// Status changes go through Transition, a conditional update that only
// applies while the row is still in the expected status. Two workers racing
// for the same pending event therefore see exactly one successful claim.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/models"
)

// StaleReason is recorded on events failed by FailStale.
const StaleReason = "processing timed out"

// Store provides CRUD and lifecycle operations in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a store backed by the given pool and ensures the schema exists.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure triage schema: %w", err)
	}
	slog.Info("triage store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS organizations (
			id          UUID PRIMARY KEY,
			name        TEXT NOT NULL,
			api_key     TEXT NOT NULL UNIQUE,
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS users (
			id          UUID PRIMARY KEY,
			org_id      UUID NOT NULL REFERENCES organizations(id),
			subject     TEXT NOT NULL UNIQUE,
			email       TEXT DEFAULT '',
			role        TEXT NOT NULL CHECK (role IN ('admin', 'member')),
			created_at  TIMESTAMPTZ DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS email_events (
			id               UUID PRIMARY KEY,
			org_id           UUID NOT NULL REFERENCES organizations(id),
			message_id       TEXT DEFAULT '',
			sender           TEXT NOT NULL,
			recipient        TEXT NOT NULL,
			subject          TEXT NOT NULL,
			body             TEXT DEFAULT '',
			headers          JSONB,
			status           TEXT NOT NULL DEFAULT 'pending'
			                 CHECK (status IN ('pending', 'processing', 'completed', 'failed')),
			risk_score       INTEGER CHECK (risk_score BETWEEN 0 AND 100),
			risk_tier        TEXT CHECK (risk_tier IN ('safe', 'cautious', 'threat')),
			analysis_result  JSONB,
			attempts         INTEGER NOT NULL DEFAULT 0,
			last_error       TEXT DEFAULT '',
			claimed_at       TIMESTAMPTZ,
			processed_at     TIMESTAMPTZ,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			updated_at       TIMESTAMPTZ DEFAULT NOW(),
			CHECK (
				(risk_score IS NULL AND risk_tier IS NULL AND analysis_result IS NULL) OR
				(risk_score IS NOT NULL AND risk_tier IS NOT NULL AND analysis_result IS NOT NULL)
			)
		);
		CREATE INDEX IF NOT EXISTS idx_events_status_created ON email_events(status, created_at, id);
		CREATE INDEX IF NOT EXISTS idx_events_org ON email_events(org_id, created_at DESC);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_events_org_message
			ON email_events(org_id, message_id) WHERE message_id <> '';
	`)
	return err
}

// Ping checks the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.pool.Ping(ctx)
}

// --- Organizations & users ---

// CreateOrganization inserts a new organization with the given API key.
func (s *Store) CreateOrganization(ctx context.Context, name, apiKey string) (*models.Organization, error) {
	org := &models.Organization{ID: uuid.New(), Name: name, APIKey: apiKey}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO organizations (id, name, api_key)
		VALUES ($1, $2, $3)
		RETURNING created_at
	`, org.ID, org.Name, org.APIKey).Scan(&org.CreatedAt)
	if err != nil {
		return nil, classify("create organization", err)
	}
	return org, nil
}

// RotateAPIKey replaces an organization's API key.
func (s *Store) RotateAPIKey(ctx context.Context, orgID uuid.UUID, apiKey string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE organizations SET api_key = $1 WHERE id = $2
	`, apiKey, orgID)
	if err != nil {
		return classify("rotate API key", err)
	}
	if tag.RowsAffected() == 0 {
		return apperr.New(apperr.NotFound, "organization not found")
	}
	return nil
}

// FindOrganizationByAPIKey returns the organization owning apiKey, or nil.
func (s *Store) FindOrganizationByAPIKey(ctx context.Context, apiKey string) (*models.Organization, error) {
	var org models.Organization
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, api_key, created_at
		FROM organizations
		WHERE api_key = $1
	`, apiKey).Scan(&org.ID, &org.Name, &org.APIKey, &org.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

// ListOrganizations returns all organizations ordered by name.
func (s *Store) ListOrganizations(ctx context.Context) ([]models.Organization, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, api_key, created_at
		FROM organizations
		ORDER BY name, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var orgs []models.Organization
	for rows.Next() {
		var o models.Organization
		if err := rows.Scan(&o.ID, &o.Name, &o.APIKey, &o.CreatedAt); err != nil {
			return nil, err
		}
		orgs = append(orgs, o)
	}
	return orgs, rows.Err()
}

// CreateUser inserts a user linked to an external identity subject.
func (s *Store) CreateUser(ctx context.Context, u models.User) (*models.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, org_id, subject, email, role)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING created_at
	`, u.ID, u.OrgID, u.Subject, u.Email, string(u.Role)).Scan(&u.CreatedAt)
	if err != nil {
		return nil, classify("create user", err)
	}
	return &u, nil
}

// FindUserBySubject returns the user with the given subject, or nil.
func (s *Store) FindUserBySubject(ctx context.Context, subject string) (*models.User, error) {
	var u models.User
	var role string
	err := s.pool.QueryRow(ctx, `
		SELECT id, org_id, subject, email, role, created_at
		FROM users
		WHERE subject = $1
	`, subject).Scan(&u.ID, &u.OrgID, &u.Subject, &u.Email, &role, &u.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	u.Role = models.Role(role)
	return &u, nil
}

// --- Email events ---

const eventColumns = `
	id, org_id, message_id, sender, recipient, subject, body, headers,
	status, risk_score, risk_tier, analysis_result, attempts, last_error,
	claimed_at, processed_at, created_at, updated_at`

// InsertEmail persists a new event. A duplicate (org_id, message_id) is
// reported as a Conflict.
func (s *Store) InsertEmail(ctx context.Context, e *models.EmailEvent) error {
	var headers []byte
	if len(e.Headers) > 0 {
		var err error
		if headers, err = json.Marshal(e.Headers); err != nil {
			return fmt.Errorf("marshal headers: %w", err)
		}
	}

	err := s.pool.QueryRow(ctx, `
		INSERT INTO email_events
			(id, org_id, message_id, sender, recipient, subject, body, headers, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at, updated_at
	`, e.ID, e.OrgID, e.MessageID, e.Sender, e.Recipient, e.Subject, e.Body, headers, string(e.Status)).
		Scan(&e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return classify("insert email", err)
	}
	return nil
}

// FetchPending returns at most limit pending events across all
// organizations, oldest first.
func (s *Store) FetchPending(ctx context.Context, limit int) ([]models.EmailEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM email_events
		WHERE status = 'pending'
		ORDER BY created_at, id
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, classify("fetch pending", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// GetEmail returns one event owned by orgID, or nil.
func (s *Store) GetEmail(ctx context.Context, orgID, id uuid.UUID) (*models.EmailEvent, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+eventColumns+`
		FROM email_events
		WHERE org_id = $1 AND id = $2
	`, orgID, id)
	e, err := scanEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get email", err)
	}
	return e, nil
}

// ListEmails returns the newest events of orgID, optionally filtered by
// status.
func (s *Store) ListEmails(ctx context.Context, orgID uuid.UUID, status models.EmailStatus, limit int) ([]models.EmailEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+eventColumns+`
		FROM email_events
		WHERE org_id = $1 AND ($2 = '' OR status = $2)
		ORDER BY created_at DESC, id
		LIMIT $3
	`, orgID, string(status), limit)
	if err != nil {
		return nil, classify("list emails", err)
	}
	defer rows.Close()
	return collectEvents(rows)
}

// Transition applies t if the event is still in t.From. It reports whether
// the row was updated; false means another actor moved it first.
func (s *Store) Transition(ctx context.Context, t models.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, apperr.Wrap(apperr.Processing, "invalid transition", err)
	}

	var (
		tag pgconn.CommandTag
		err error
	)
	switch t.To {
	case models.StatusProcessing:
		tag, err = s.pool.Exec(ctx, `
			UPDATE email_events
			SET status = $1, attempts = attempts + 1, claimed_at = NOW(), updated_at = NOW()
			WHERE id = $2 AND status = $3
		`, string(t.To), t.ID, string(t.From))

	case models.StatusCompleted:
		var analysis []byte
		analysis, err = json.Marshal(t.Risk.Analysis)
		if err != nil {
			return false, fmt.Errorf("marshal analysis: %w", err)
		}
		tag, err = s.pool.Exec(ctx, `
			UPDATE email_events
			SET status = $1, risk_score = $2, risk_tier = $3, analysis_result = $4,
			    last_error = '', processed_at = NOW(), updated_at = NOW()
			WHERE id = $5 AND status = $6
		`, string(t.To), t.Risk.Score, string(t.Risk.Tier), analysis, t.ID, string(t.From))

	case models.StatusFailed:
		tag, err = s.pool.Exec(ctx, `
			UPDATE email_events
			SET status = $1, last_error = $2, processed_at = NOW(), updated_at = NOW()
			WHERE id = $3 AND status = $4
		`, string(t.To), t.Reason, t.ID, string(t.From))
	}
	if err != nil {
		return false, classify("transition email", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailStale moves events that have been processing for longer than
// olderThan to failed. It returns the number of events affected.
func (s *Store) FailStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE email_events
		SET status = 'failed', last_error = $1, processed_at = NOW(), updated_at = NOW()
		WHERE status = 'processing' AND claimed_at < NOW() - $2::interval
	`, StaleReason, fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, classify("fail stale", err)
	}
	return tag.RowsAffected(), nil
}

// scanEvent scans a single row into an EmailEvent.
func scanEvent(row pgx.Row) (*models.EmailEvent, error) {
	var (
		e        models.EmailEvent
		status   string
		tier     *string
		headers  []byte
		analysis []byte
	)
	err := row.Scan(
		&e.ID, &e.OrgID, &e.MessageID, &e.Sender, &e.Recipient, &e.Subject, &e.Body, &headers,
		&status, &e.RiskScore, &tier, &analysis, &e.Attempts, &e.LastError,
		&e.ClaimedAt, &e.ProcessedAt, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	e.Status = models.EmailStatus(status)
	if tier != nil {
		t := models.RiskTier(*tier)
		e.RiskTier = &t
	}
	if len(headers) > 0 {
		if err := json.Unmarshal(headers, &e.Headers); err != nil {
			return nil, fmt.Errorf("decode headers: %w", err)
		}
	}
	if len(analysis) > 0 {
		var a models.AnalysisResult
		if err := json.Unmarshal(analysis, &a); err != nil {
			return nil, fmt.Errorf("decode analysis: %w", err)
		}
		e.AnalysisResult = &a
	}
	return &e, nil
}

// collectEvents scans multiple rows into a slice of EmailEvents.
func collectEvents(rows pgx.Rows) ([]models.EmailEvent, error) {
	var events []models.EmailEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// classify maps driver errors onto the service error taxonomy.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "23505":
			return apperr.Wrap(apperr.Conflict, "resource already exists", err)
		case "23503":
			return apperr.Wrap(apperr.NotFound, "referenced record not found", err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return apperr.Wrap(apperr.TransientStore, op+" failed", err)
}
