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

package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/models"
)

// MemoryStore is an in-process implementation of the Store operations with
// the same conditional-update semantics. It backs local development
// (DATABASE_URL=memory://) and tests.
type MemoryStore struct {
	mu     sync.Mutex
	orgs   map[uuid.UUID]models.Organization
	users  map[string]models.User
	events map[uuid.UUID]*models.EmailEvent
	seq    map[uuid.UUID]int64
	next   int64
	now    func() time.Time
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orgs:   make(map[uuid.UUID]models.Organization),
		users:  make(map[string]models.User),
		events: make(map[uuid.UUID]*models.EmailEvent),
		seq:    make(map[uuid.UUID]int64),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Ping always succeeds.
func (m *MemoryStore) Ping(context.Context) error { return nil }

// CreateOrganization adds an organization. A duplicate API key is a Conflict.
func (m *MemoryStore) CreateOrganization(_ context.Context, name, apiKey string) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orgs {
		if o.APIKey == apiKey {
			return nil, apperr.New(apperr.Conflict, "resource already exists")
		}
	}
	org := models.Organization{ID: uuid.New(), Name: name, APIKey: apiKey, CreatedAt: m.now()}
	m.orgs[org.ID] = org
	return &org, nil
}

// RotateAPIKey replaces the API key of orgID.
func (m *MemoryStore) RotateAPIKey(_ context.Context, orgID uuid.UUID, apiKey string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	org, ok := m.orgs[orgID]
	if !ok {
		return apperr.New(apperr.NotFound, "organization not found")
	}
	org.APIKey = apiKey
	m.orgs[orgID] = org
	return nil
}

// FindOrganizationByAPIKey returns the organization owning apiKey, or nil.
func (m *MemoryStore) FindOrganizationByAPIKey(_ context.Context, apiKey string) (*models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, o := range m.orgs {
		if o.APIKey == apiKey {
			org := o
			return &org, nil
		}
	}
	return nil, nil
}

// ListOrganizations returns all organizations ordered by name.
func (m *MemoryStore) ListOrganizations(context.Context) ([]models.Organization, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	orgs := make([]models.Organization, 0, len(m.orgs))
	for _, o := range m.orgs {
		orgs = append(orgs, o)
	}
	sort.Slice(orgs, func(i, j int) bool {
		if orgs[i].Name != orgs[j].Name {
			return orgs[i].Name < orgs[j].Name
		}
		return orgs[i].ID.String() < orgs[j].ID.String()
	})
	return orgs, nil
}

// CreateUser links an identity subject to an organization.
func (m *MemoryStore) CreateUser(_ context.Context, u models.User) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[u.OrgID]; !ok {
		return nil, apperr.New(apperr.NotFound, "referenced record not found")
	}
	if _, ok := m.users[u.Subject]; ok {
		return nil, apperr.New(apperr.Conflict, "resource already exists")
	}
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	u.CreatedAt = m.now()
	m.users[u.Subject] = u
	return &u, nil
}

// FindUserBySubject returns the user with the given subject, or nil.
func (m *MemoryStore) FindUserBySubject(_ context.Context, subject string) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	u, ok := m.users[subject]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

// InsertEmail stores a new event. A repeated non-empty message id within
// the organization is a Conflict.
func (m *MemoryStore) InsertEmail(_ context.Context, e *models.EmailEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.orgs[e.OrgID]; !ok {
		return apperr.New(apperr.NotFound, "referenced record not found")
	}
	if e.MessageID != "" {
		for _, other := range m.events {
			if other.OrgID == e.OrgID && other.MessageID == e.MessageID {
				return apperr.New(apperr.Conflict, "resource already exists")
			}
		}
	}

	now := m.now()
	e.CreatedAt, e.UpdatedAt = now, now
	cp := cloneEvent(e)
	m.events[e.ID] = cp
	m.next++
	m.seq[e.ID] = m.next
	return nil
}

// FetchPending returns up to limit pending events, oldest first.
func (m *MemoryStore) FetchPending(_ context.Context, limit int) ([]models.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var pending []*models.EmailEvent
	for _, e := range m.events {
		if e.Status == models.StatusPending {
			pending = append(pending, e)
		}
	}
	sort.Slice(pending, func(i, j int) bool { return m.seq[pending[i].ID] < m.seq[pending[j].ID] })

	if len(pending) > limit {
		pending = pending[:limit]
	}
	out := make([]models.EmailEvent, 0, len(pending))
	for _, e := range pending {
		out = append(out, *cloneEvent(e))
	}
	return out, nil
}

// GetEmail returns the event if it belongs to orgID, or nil.
func (m *MemoryStore) GetEmail(_ context.Context, orgID, id uuid.UUID) (*models.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[id]
	if !ok || e.OrgID != orgID {
		return nil, nil
	}
	return cloneEvent(e), nil
}

// ListEmails returns the newest events of orgID, optionally filtered by
// status.
func (m *MemoryStore) ListEmails(_ context.Context, orgID uuid.UUID, status models.EmailStatus, limit int) ([]models.EmailEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var matched []*models.EmailEvent
	for _, e := range m.events {
		if e.OrgID == orgID && (status == "" || e.Status == status) {
			matched = append(matched, e)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return m.seq[matched[i].ID] > m.seq[matched[j].ID] })

	if len(matched) > limit {
		matched = matched[:limit]
	}
	out := make([]models.EmailEvent, 0, len(matched))
	for _, e := range matched {
		out = append(out, *cloneEvent(e))
	}
	return out, nil
}

// Transition applies t if the event is still in t.From and reports
// whether it did.
func (m *MemoryStore) Transition(_ context.Context, t models.Transition) (bool, error) {
	if err := t.Validate(); err != nil {
		return false, apperr.Wrap(apperr.Processing, "invalid transition", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[t.ID]
	if !ok || e.Status != t.From {
		return false, nil
	}

	now := m.now()
	e.Status = t.To
	e.UpdatedAt = now
	switch t.To {
	case models.StatusProcessing:
		e.Attempts++
		e.ClaimedAt = &now
	case models.StatusCompleted:
		e.ApplyRisk(*t.Risk)
		e.LastError = ""
		e.ProcessedAt = &now
	case models.StatusFailed:
		e.LastError = t.Reason
		e.ProcessedAt = &now
	}
	return true, nil
}

// FailStale fails events claimed more than olderThan ago and returns how
// many it changed.
func (m *MemoryStore) FailStale(_ context.Context, olderThan time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	cutoff := now.Add(-olderThan)
	var n int64
	for _, e := range m.events {
		if e.Status == models.StatusProcessing && e.ClaimedAt != nil && e.ClaimedAt.Before(cutoff) {
			e.Status = models.StatusFailed
			e.LastError = StaleReason
			e.ProcessedAt = &now
			e.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

// SetClock overrides the store's time source.
func (m *MemoryStore) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func cloneEvent(e *models.EmailEvent) *models.EmailEvent {
	cp := *e
	if e.Headers != nil {
		cp.Headers = make(map[string]string, len(e.Headers))
		for k, v := range e.Headers {
			cp.Headers[k] = v
		}
	}
	if e.RiskScore != nil {
		s := *e.RiskScore
		cp.RiskScore = &s
	}
	if e.RiskTier != nil {
		t := *e.RiskTier
		cp.RiskTier = &t
	}
	if e.AnalysisResult != nil {
		a := *e.AnalysisResult
		a.Indicators = make([]string, len(e.AnalysisResult.Indicators))
		copy(a.Indicators, e.AnalysisResult.Indicators)
		cp.AnalysisResult = &a
	}
	return &cp
}
