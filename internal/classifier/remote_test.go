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
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/triage/internal/models"
)

func TestHTTPScorer_Score(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)

		var req scoreRequest
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "a@example.com", req.Sender)
		assert.Equal(t, "Invoice", req.Subject)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"score": 73}`))
	}))
	defer server.Close()

	s := NewHTTPScorer(server.Client(), server.URL)
	score, err := s.Score(context.Background(), &models.EmailEvent{
		Sender:    "a@example.com",
		Recipient: "b@example.com",
		Subject:   "Invoice",
	})
	require.NoError(t, err)
	assert.Equal(t, 73, score)
}

func TestHTTPScorer_Non200(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model warming up", http.StatusServiceUnavailable)
	}))
	defer server.Close()

	_, err := NewHTTPScorer(server.Client(), server.URL).Score(context.Background(), &models.EmailEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 503")
}

func TestHTTPScorer_MissingScore(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	}))
	defer server.Close()

	_, err := NewHTTPScorer(server.Client(), server.URL).Score(context.Background(), &models.EmailEvent{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing score")
}

func TestNewRemoteScorer_ClientCredentials(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"access_token":"detector-token","token_type":"bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/score", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer detector-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"score": 12}`))
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	s := NewRemoteScorer(context.Background(), RemoteConfig{
		URL:          server.URL + "/score",
		TokenURL:     server.URL + "/token",
		ClientID:     "triage",
		ClientSecret: "secret",
	})

	score, err := s.Score(context.Background(), &models.EmailEvent{})
	require.NoError(t, err)
	assert.Equal(t, 12, score)
}
