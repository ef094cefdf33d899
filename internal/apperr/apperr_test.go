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

package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"unauthenticated", New(Unauthenticated, "API key missing"), http.StatusUnauthorized},
		{"forbidden", New(Forbidden, "admin role required"), http.StatusForbidden},
		{"not found", New(NotFound, "email not found"), http.StatusNotFound},
		{"validation", New(Validation, "sender is required"), http.StatusUnprocessableEntity},
		{"conflict", New(Conflict, "duplicate"), http.StatusConflict},
		{"transient", Wrap(TransientStore, "store unavailable", errors.New("conn refused")), http.StatusServiceUnavailable},
		{"processing", New(Processing, "classifier failed"), http.StatusInternalServerError},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.err))
		})
	}
}

func TestKindOf_ThroughWrapping(t *testing.T) {
	base := New(Unauthenticated, "invalid API key")
	wrapped := fmt.Errorf("resolve ingest: %w", base)

	assert.Equal(t, Unauthenticated, KindOf(wrapped))
	assert.True(t, Is(wrapped, Unauthenticated))
	assert.False(t, Is(wrapped, Forbidden))
	assert.False(t, Is(nil, Unauthenticated))
}

func TestMessageOf(t *testing.T) {
	assert.Equal(t, "user not found", MessageOf(New(Unauthenticated, "user not found")))
	assert.Equal(t, "internal error", MessageOf(errors.New("password=hunter2")))
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(TransientStore, "fetch pending", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}
