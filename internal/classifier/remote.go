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
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/bcem/triage/internal/models"
)

// RemoteConfig configures an external detection service.
type RemoteConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Scopes       []string
	Timeout      time.Duration
}

// HTTPScorer asks an external detection service for a score.
type HTTPScorer struct {
	httpClient *http.Client
	url        string
}

// NewHTTPScorer creates a scorer that POSTs to url using httpClient.
func NewHTTPScorer(httpClient *http.Client, url string) *HTTPScorer {
	return &HTTPScorer{httpClient: httpClient, url: url}
}

// NewRemoteScorer builds an HTTPScorer from cfg. When a token URL is set the
// client authenticates with OAuth2 client credentials.
func NewRemoteScorer(ctx context.Context, cfg RemoteConfig) *HTTPScorer {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	client := &http.Client{Timeout: timeout}
	if cfg.TokenURL != "" {
		creds := &clientcredentials.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			TokenURL:     cfg.TokenURL,
			Scopes:       cfg.Scopes,
		}
		client = creds.Client(ctx)
		client.Timeout = timeout
	}

	return NewHTTPScorer(client, cfg.URL)
}

type scoreRequest struct {
	Sender    string            `json:"sender"`
	Recipient string            `json:"recipient"`
	Subject   string            `json:"subject"`
	Body      string            `json:"body,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
}

type scoreResponse struct {
	Score *int `json:"score"`
}

// Score implements Scorer.
func (s *HTTPScorer) Score(ctx context.Context, event *models.EmailEvent) (int, error) {
	body, err := json.Marshal(scoreRequest{
		Sender:    event.Sender,
		Recipient: event.Recipient,
		Subject:   event.Subject,
		Body:      event.Body,
		Headers:   event.Headers,
	})
	if err != nil {
		return 0, fmt.Errorf("marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("build score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("score request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return 0, fmt.Errorf("detector returned HTTP %d: %s", resp.StatusCode, string(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("decode score response: %w", err)
	}
	if out.Score == nil {
		return 0, fmt.Errorf("detector response missing score")
	}

	return *out.Score, nil
}
