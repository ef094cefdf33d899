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
	"encoding/binary"
	"strings"

	"github.com/zeebo/blake3"

	"github.com/bcem/triage/internal/models"
)

// FingerprintScorer is the placeholder detector. It derives a stable score
// from a BLAKE3 digest of the message content, so the same email always
// gets the same score.
type FingerprintScorer struct{}

// NewFingerprintScorer creates the placeholder scorer.
func NewFingerprintScorer() *FingerprintScorer {
	return &FingerprintScorer{}
}

// Score implements Scorer.
func (FingerprintScorer) Score(_ context.Context, event *models.EmailEvent) (int, error) {
	sum := blake3.Sum256([]byte(fingerprintInput(event)))
	return int(binary.BigEndian.Uint64(sum[:8]) % (MaxScore + 1)), nil
}

func fingerprintInput(event *models.EmailEvent) string {
	return strings.Join([]string{
		strings.ToLower(event.Sender),
		strings.ToLower(event.Recipient),
		event.Subject,
		event.Body,
	}, "\x00")
}
