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

// Package api exposes the triage HTTP surface: email ingestion and lookup,
// organization listing and caller introspection. Every /api route resolves
// the caller to an organization before touching the store.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/auth"
	"github.com/bcem/triage/internal/metrics"
	"github.com/bcem/triage/internal/models"
)

// Store is the persistence surface the handlers need.
type Store interface {
	Ping(ctx context.Context) error
	InsertEmail(ctx context.Context, e *models.EmailEvent) error
	GetEmail(ctx context.Context, orgID, id uuid.UUID) (*models.EmailEvent, error)
	ListEmails(ctx context.Context, orgID uuid.UUID, status models.EmailStatus, limit int) ([]models.EmailEvent, error)
	ListOrganizations(ctx context.Context) ([]models.Organization, error)
}

// Deduper suppresses repeated message IDs per organization.
type Deduper interface {
	IsNew(ctx context.Context, orgID, messageID string) (bool, error)
	Forget(ctx context.Context, orgID, messageID string) error
}

// Handler serves the triage API.
type Handler struct {
	store    Store
	resolver *auth.Resolver
	dedup    Deduper
	metrics  *metrics.Metrics
	validate *validator.Validate
}

// NewHandler creates an API handler. dedup and m may be nil.
func NewHandler(store Store, resolver *auth.Resolver, dedup Deduper, m *metrics.Metrics) *Handler {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		return name
	})

	return &Handler{
		store:    store,
		resolver: resolver,
		dedup:    dedup,
		metrics:  m,
		validate: v,
	}
}

// Routes returns the request multiplexer for all endpoints.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/emails", h.ingestEmail)
	mux.HandleFunc("GET /api/emails", h.listEmails)
	mux.HandleFunc("GET /api/emails/{id}", h.getEmail)
	mux.HandleFunc("GET /api/organizations", h.listOrganizations)
	mux.HandleFunc("GET /api/me", h.me)

	mux.HandleFunc("GET /health", h.health)
	if h.metrics != nil {
		mux.Handle("GET /metrics", h.metrics.Handler())
	}
	return mux
}

// authenticate resolves the caller, writing the error response on failure.
func (h *Handler) authenticate(
	w http.ResponseWriter,
	r *http.Request,
	resolve func(context.Context, auth.Credentials) (*models.AuthContext, error),
) (*models.AuthContext, bool) {
	ac, err := resolve(r.Context(), h.resolver.CredentialsFromRequest(r))
	if err != nil {
		if h.metrics != nil {
			h.metrics.AuthFailures.WithLabelValues(kindLabel(err)).Inc()
		}
		slog.Info("request not authenticated",
			"path", r.URL.Path,
			"reason", apperr.MessageOf(err),
		)
		writeError(w, err)
		return nil, false
	}
	return ac, true
}

func (h *Handler) anyCredential(ctx context.Context, c auth.Credentials) (*models.AuthContext, error) {
	return h.resolver.ResolveIngest(ctx, c)
}

func (h *Handler) bearerOnly(ctx context.Context, c auth.Credentials) (*models.AuthContext, error) {
	return h.resolver.ResolveBearer(ctx, c.Authorization)
}

func (h *Handler) listOrganizations(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.authenticate(w, r, h.bearerOnly)
	if !ok {
		return
	}
	if err := auth.RequireAdmin(ac); err != nil {
		if h.metrics != nil {
			h.metrics.AuthFailures.WithLabelValues(kindLabel(err)).Inc()
		}
		writeError(w, err)
		return
	}

	orgs, err := h.store.ListOrganizations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if orgs == nil {
		orgs = []models.Organization{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"organizations": orgs})
}

func (h *Handler) me(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.authenticate(w, r, h.bearerOnly)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, ac)
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		slog.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail"`
}

func kindLabel(err error) string {
	if k := apperr.KindOf(err); k != "" {
		return string(k)
	}
	return "internal"
}

// writeError maps err to its status and a caller-safe body. Unclassified
// errors are logged and reported as internal.
func writeError(w http.ResponseWriter, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		slog.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: kindLabel(err), Detail: apperr.MessageOf(err)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to write response", "error", err)
	}
}

// Serve starts the API server on the given port.
// It binds the port immediately and signals readiness via the returned channel
// before starting to accept connections.
func Serve(ctx context.Context, port int, handler http.Handler) (<-chan struct{}, error) {
	server := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("bind api port %d: %w", port, err)
	}

	ready := make(chan struct{})

	go func() {
		<-ctx.Done()
		slog.Info("api server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			server.Close()
		}
	}()

	go func() {
		slog.Info("api server listening", "port", port)
		close(ready)
		if err := server.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			slog.Error("api server error", "error", err)
		}
	}()

	return ready, nil
}
