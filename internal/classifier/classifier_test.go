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

package classifier

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/triage/internal/models"
)

type fixedScorer struct {
	score int
	err   error
}

func (f fixedScorer) Score(context.Context, *models.EmailEvent) (int, error) {
	return f.score, f.err
}

func TestClassifyRisk_Bands(t *testing.T) {
	for s := 0; s <= 29; s++ {
		assert.Equal(t, models.RiskSafe, ClassifyRisk(s), "score %d", s)
	}
	for s := 30; s <= 79; s++ {
		assert.Equal(t, models.RiskCautious, ClassifyRisk(s), "score %d", s)
	}
	for s := 80; s <= 100; s++ {
		assert.Equal(t, models.RiskThreat, ClassifyRisk(s), "score %d", s)
	}
}

func TestClassifyRisk_Boundaries(t *testing.T) {
	tests := []struct {
		score int
		want  models.RiskTier
	}{
		{0, models.RiskSafe},
		{29, models.RiskSafe},
		{30, models.RiskCautious},
		{79, models.RiskCautious},
		{80, models.RiskThreat},
		{100, models.RiskThreat},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyRisk(tt.score), "score %d", tt.score)
	}
}

func TestBuildAnalysis_Confidence(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	assert.Equal(t, 0.0, BuildAnalysis(0, now).Confidence)
	assert.Equal(t, 0.5, BuildAnalysis(50, now).Confidence)
	assert.Equal(t, 1.0, BuildAnalysis(100, now).Confidence)
	assert.Equal(t, 1.0, BuildAnalysis(250, now).Confidence)
	assert.Equal(t, 0.0, BuildAnalysis(-5, now).Confidence)
}

func TestBuildAnalysis_ThreatType(t *testing.T) {
	now := time.Now()

	assert.Equal(t, ThreatTypeInfo, BuildAnalysis(30, now).ThreatType)
	assert.Equal(t, ThreatTypeInfo, BuildAnalysis(49, now).ThreatType)
	assert.Equal(t, ThreatTypePhishing, BuildAnalysis(50, now).ThreatType)
	assert.Equal(t, ThreatTypePhishing, BuildAnalysis(95, now).ThreatType)
}

func TestBuildAnalysis_Structure(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.FixedZone("x", 3600))
	got := BuildAnalysis(42, now)

	assert.NotNil(t, got.Indicators)
	assert.Empty(t, got.Indicators)
	assert.Equal(t, now.UTC(), got.AnalyzedAt)
}

func TestThresholdClassifier_Classify(t *testing.T) {
	c := NewThresholdClassifier(fixedScorer{score: 85})
	fixed := time.Date(2026, 5, 5, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }

	risk, err := c.Classify(context.Background(), &models.EmailEvent{})
	require.NoError(t, err)

	assert.Equal(t, 85, risk.Score)
	assert.Equal(t, models.RiskThreat, risk.Tier)
	assert.Equal(t, 0.85, risk.Analysis.Confidence)
	assert.Equal(t, ThreatTypePhishing, risk.Analysis.ThreatType)
	assert.Equal(t, fixed, risk.Analysis.AnalyzedAt)
}

func TestThresholdClassifier_ClampsOutOfRange(t *testing.T) {
	risk, err := NewThresholdClassifier(fixedScorer{score: 140}).Classify(context.Background(), &models.EmailEvent{})
	require.NoError(t, err)
	assert.Equal(t, 100, risk.Score)
	assert.Equal(t, models.RiskThreat, risk.Tier)

	risk, err = NewThresholdClassifier(fixedScorer{score: -3}).Classify(context.Background(), &models.EmailEvent{})
	require.NoError(t, err)
	assert.Equal(t, 0, risk.Score)
	assert.Equal(t, models.RiskSafe, risk.Tier)
}

func TestThresholdClassifier_ScorerError(t *testing.T) {
	boom := errors.New("detector down")
	_, err := NewThresholdClassifier(fixedScorer{err: boom}).Classify(context.Background(), &models.EmailEvent{})
	assert.ErrorIs(t, err, boom)
}

func TestFingerprintScorer_DeterministicAndBounded(t *testing.T) {
	s := NewFingerprintScorer()
	event := &models.EmailEvent{
		Sender:    "billing@paypa1.example",
		Recipient: "alice@example.com",
		Subject:   "Urgent: verify your account",
	}

	first, err := s.Score(context.Background(), event)
	require.NoError(t, err)
	second, err := s.Score(context.Background(), event)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.GreaterOrEqual(t, first, MinScore)
	assert.LessOrEqual(t, first, MaxScore)

	for i := 0; i < 200; i++ {
		event.Subject = "subject " + string(rune('a'+i%26)) + string(rune('A'+i/26))
		got, err := s.Score(context.Background(), event)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, got, MinScore)
		assert.LessOrEqual(t, got, MaxScore)
	}
}

func TestFingerprintScorer_CaseInsensitiveAddresses(t *testing.T) {
	s := NewFingerprintScorer()
	a, _ := s.Score(context.Background(), &models.EmailEvent{Sender: "A@X.COM", Recipient: "b@y.com", Subject: "hi"})
	b, _ := s.Score(context.Background(), &models.EmailEvent{Sender: "a@x.com", Recipient: "B@Y.com", Subject: "hi"})
	assert.Equal(t, a, b)
}
