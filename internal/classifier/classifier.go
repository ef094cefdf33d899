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

// Package classifier assigns a risk tier and analysis payload to an email.
//
// The score source is pluggable (Scorer); the mapping from score to tier and
// analysis is fixed and deterministic. A real detector replaces the Scorer
// or the whole Classifier without touching the worker.
package classifier

import (
	"context"
	"fmt"
	"time"

	"github.com/bcem/triage/internal/models"
)

const (
	// MinScore and MaxScore bound every risk score.
	MinScore = 0
	MaxScore = 100

	cautiousFrom = 30
	threatFrom   = 80

	// phishingFrom is the threat_type threshold. It is distinct from the
	// tier thresholds.
	phishingFrom = 50

	ThreatTypeInfo     = "info"
	ThreatTypePhishing = "phishing"
)

// Scorer produces a raw risk score for an email.
type Scorer interface {
	Score(ctx context.Context, event *models.EmailEvent) (int, error)
}

// Classifier turns an email into a complete risk assessment.
type Classifier interface {
	Classify(ctx context.Context, event *models.EmailEvent) (models.Risk, error)
}

// ClassifyRisk maps a score to its tier: [0,29] safe, [30,79] cautious,
// [80,100] threat. Callers clamp out-of-range scores first.
func ClassifyRisk(score int) models.RiskTier {
	switch {
	case score >= threatFrom:
		return models.RiskThreat
	case score >= cautiousFrom:
		return models.RiskCautious
	default:
		return models.RiskSafe
	}
}

// BuildAnalysis returns the analysis payload for a score.
func BuildAnalysis(score int, analyzedAt time.Time) models.AnalysisResult {
	confidence := float64(score) / 100
	if confidence < 0 {
		confidence = 0
	} else if confidence > 1 {
		confidence = 1
	}

	threatType := ThreatTypeInfo
	if score >= phishingFrom {
		threatType = ThreatTypePhishing
	}

	return models.AnalysisResult{
		Indicators: []string{},
		Confidence: confidence,
		ThreatType: threatType,
		AnalyzedAt: analyzedAt.UTC(),
	}
}

// Clamp bounds score to [MinScore, MaxScore].
func Clamp(score int) int {
	if score < MinScore {
		return MinScore
	}
	if score > MaxScore {
		return MaxScore
	}
	return score
}

// ThresholdClassifier scores an email with a Scorer and applies the fixed
// tier and analysis mapping.
type ThresholdClassifier struct {
	scorer Scorer
	now    func() time.Time
}

// NewThresholdClassifier creates a classifier backed by scorer.
func NewThresholdClassifier(scorer Scorer) *ThresholdClassifier {
	return &ThresholdClassifier{scorer: scorer, now: time.Now}
}

// Classify implements Classifier.
func (c *ThresholdClassifier) Classify(ctx context.Context, event *models.EmailEvent) (models.Risk, error) {
	raw, err := c.scorer.Score(ctx, event)
	if err != nil {
		return models.Risk{}, fmt.Errorf("score email: %w", err)
	}

	score := Clamp(raw)
	return models.Risk{
		Score:    score,
		Tier:     ClassifyRisk(score),
		Analysis: BuildAnalysis(score, c.now()),
	}, nil
}
