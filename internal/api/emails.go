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

package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/models"
)

const (
	maxIngestBody    = 2 << 20
	defaultListLimit = 50
	maxListLimit     = 500
)

// IngestRequest is the body of POST /api/emails.
type IngestRequest struct {
	MessageID string            `json:"message_id" validate:"max=998"`
	Sender    string            `json:"sender" validate:"required,email"`
	Recipient string            `json:"recipient" validate:"required,email"`
	Subject   string            `json:"subject" validate:"required,max=998"`
	Body      string            `json:"body"`
	Headers   map[string]string `json:"headers" validate:"max=256"`
}

func (h *Handler) ingestEmail(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.authenticate(w, r, h.anyCredential)
	if !ok {
		return
	}

	var req IngestRequest
	dec := json.NewDecoder(io.LimitReader(r.Body, maxIngestBody))
	if err := dec.Decode(&req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, "request body must be a JSON object", err))
		return
	}
	req.MessageID = strings.TrimSpace(req.MessageID)
	if err := h.validate.Struct(req); err != nil {
		writeError(w, apperr.Wrap(apperr.Validation, describeValidation(err), err))
		return
	}

	ctx := r.Context()
	orgKey := ac.OrgID.String()

	marked := false
	if req.MessageID != "" && h.dedup != nil {
		isNew, err := h.dedup.IsNew(ctx, orgKey, req.MessageID)
		switch {
		case err != nil:
			slog.Warn("dedup check failed, proceeding", "error", err)
		case !isNew:
			slog.Debug("rejecting duplicate message", "org_id", ac.OrgID, "message_id", req.MessageID)
			writeError(w, apperr.New(apperr.Conflict, "message already ingested"))
			return
		default:
			marked = true
		}
	}

	event := models.NewEmailEvent(ac.OrgID, req.Sender, req.Recipient, req.Subject)
	event.MessageID = req.MessageID
	event.Body = req.Body
	event.Headers = req.Headers

	if err := h.store.InsertEmail(ctx, event); err != nil {
		// Only a stored row may hold the dedup mark; a conflict means one does.
		if marked && !apperr.Is(err, apperr.Conflict) {
			if ferr := h.dedup.Forget(ctx, orgKey, req.MessageID); ferr != nil {
				slog.Warn("failed to clear dedup mark", "message_id", req.MessageID, "error", ferr)
			}
		}
		writeError(w, err)
		return
	}

	if h.metrics != nil {
		h.metrics.EmailsIngested.Inc()
	}
	slog.Info("email ingested",
		"email_id", event.ID,
		"org_id", event.OrgID,
		"auth_method", ac.Method,
	)
	writeJSON(w, http.StatusCreated, event)
}

func (h *Handler) listEmails(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.authenticate(w, r, h.anyCredential)
	if !ok {
		return
	}

	q := r.URL.Query()
	status := models.EmailStatus(q.Get("status"))
	if status != "" && !status.Valid() {
		writeError(w, apperr.New(apperr.Validation, fmt.Sprintf("unknown status %q", status)))
		return
	}

	limit := defaultListLimit
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > maxListLimit {
			writeError(w, apperr.New(apperr.Validation, fmt.Sprintf("limit must be between 1 and %d", maxListLimit)))
			return
		}
		limit = n
	}

	events, err := h.store.ListEmails(r.Context(), ac.OrgID, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	if events == nil {
		events = []models.EmailEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"emails": events, "count": len(events)})
}

func (h *Handler) getEmail(w http.ResponseWriter, r *http.Request) {
	ac, ok := h.authenticate(w, r, h.anyCredential)
	if !ok {
		return
	}

	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		writeError(w, apperr.New(apperr.NotFound, "email not found"))
		return
	}

	event, err := h.store.GetEmail(r.Context(), ac.OrgID, id)
	if err != nil {
		writeError(w, err)
		return
	}
	if event == nil {
		writeError(w, apperr.New(apperr.NotFound, "email not found"))
		return
	}
	writeJSON(w, http.StatusOK, event)
}

// describeValidation renders validator errors as "field: rule" pairs.
func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return "invalid request"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s: %s", fe.Field(), fe.Tag()))
	}
	return "invalid fields: " + strings.Join(parts, ", ")
}
