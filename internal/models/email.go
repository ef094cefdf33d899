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

// Package models defines the data structures shared across the triage service.
package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// EmailStatus is the lifecycle state of an EmailEvent.
type EmailStatus string

const (
	StatusPending    EmailStatus = "pending"
	StatusProcessing EmailStatus = "processing"
	StatusCompleted  EmailStatus = "completed"
	StatusFailed     EmailStatus = "failed"
)

// CanTransition reports whether moving from s to next is a forward edge of
// the lifecycle. Completed and failed are terminal.
func (s EmailStatus) CanTransition(next EmailStatus) bool {
	switch s {
	case StatusPending:
		return next == StatusProcessing
	case StatusProcessing:
		return next == StatusCompleted || next == StatusFailed
	}
	return false
}

// Valid reports whether s is a known status.
func (s EmailStatus) Valid() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// RiskTier is the coarse danger classification assigned by the worker.
type RiskTier string

const (
	RiskSafe     RiskTier = "safe"
	RiskCautious RiskTier = "cautious"
	RiskThreat   RiskTier = "threat"
)

// AnalysisResult is the structured payload stored alongside a risk score.
type AnalysisResult struct {
	Indicators []string  `json:"indicators"`
	Confidence float64   `json:"confidence"`
	ThreatType string    `json:"threat_type"`
	AnalyzedAt time.Time `json:"analyzed_at"`
}

// Risk groups the three fields that are only ever set together.
type Risk struct {
	Score    int            `json:"risk_score"`
	Tier     RiskTier       `json:"risk_tier"`
	Analysis AnalysisResult `json:"analysis_result"`
}

// EmailEvent represents one inbound email submission.
//
// RiskScore, RiskTier and AnalysisResult are nil until the worker completes
// the event, and are then all set in the same update.
type EmailEvent struct {
	ID             uuid.UUID         `json:"id"`
	OrgID          uuid.UUID         `json:"org_id"`
	MessageID      string            `json:"message_id,omitempty"`
	Sender         string            `json:"sender"`
	Recipient      string            `json:"recipient"`
	Subject        string            `json:"subject"`
	Body           string            `json:"body,omitempty"`
	Headers        map[string]string `json:"headers,omitempty"`
	Status         EmailStatus       `json:"status"`
	RiskScore      *int              `json:"risk_score"`
	RiskTier       *RiskTier         `json:"risk_tier"`
	AnalysisResult *AnalysisResult   `json:"analysis_result"`
	Attempts       int               `json:"attempts"`
	LastError      string            `json:"last_error,omitempty"`
	ClaimedAt      *time.Time        `json:"claimed_at,omitempty"`
	ProcessedAt    *time.Time        `json:"processed_at,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
}

// ApplyRisk sets the risk fields from r.
func (e *EmailEvent) ApplyRisk(r Risk) {
	score := r.Score
	tier := r.Tier
	analysis := r.Analysis
	e.RiskScore = &score
	e.RiskTier = &tier
	e.AnalysisResult = &analysis
}

// NewEmailEvent returns a pending event owned by orgID.
func NewEmailEvent(orgID uuid.UUID, sender, recipient, subject string) *EmailEvent {
	now := time.Now().UTC()
	return &EmailEvent{
		ID:        uuid.New(),
		OrgID:     orgID,
		Sender:    sender,
		Recipient: recipient,
		Subject:   subject,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Transition is a conditional status change. It applies only if the event
// is still in From; Risk is required when To is completed and Reason is
// recorded when To is failed.
type Transition struct {
	ID     uuid.UUID
	From   EmailStatus
	To     EmailStatus
	Risk   *Risk
	Reason string
}

// Validate checks that t is a forward edge carrying the data its target
// requires.
func (t Transition) Validate() error {
	if !t.From.CanTransition(t.To) {
		return fmt.Errorf("illegal transition %s -> %s", t.From, t.To)
	}
	if t.To == StatusCompleted && t.Risk == nil {
		return fmt.Errorf("transition to %s requires risk", StatusCompleted)
	}
	if t.To != StatusCompleted && t.Risk != nil {
		return fmt.Errorf("risk may only be set on transition to %s", StatusCompleted)
	}
	return nil
}
