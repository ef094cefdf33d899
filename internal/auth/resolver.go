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

// Package auth maps inbound credentials to an organization identity.
//
// Two credential paths exist: an organization API key (X-API-Key) and a
// bearer token asserting a user subject. Wherever both may apply the API
// key is tried first, and a present-but-invalid API key fails the request
// without falling through to the bearer token.
package auth

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/models"
)

// DefaultAPIKeyHeader is the header carrying an organization API key.
const DefaultAPIKeyHeader = "X-API-Key"

// Store is the lookup surface the resolver needs. Both methods return
// (nil, nil) when no record matches.
type Store interface {
	FindOrganizationByAPIKey(ctx context.Context, apiKey string) (*models.Organization, error)
	FindUserBySubject(ctx context.Context, subject string) (*models.User, error)
}

// Credentials are the raw credential headers of a request.
type Credentials struct {
	APIKey        string
	Authorization string
}

// Resolver resolves credentials to an AuthContext.
type Resolver struct {
	store        Store
	decoder      TokenDecoder
	apiKeyHeader string
}

// NewResolver creates a resolver. An empty apiKeyHeader selects
// DefaultAPIKeyHeader.
func NewResolver(store Store, decoder TokenDecoder, apiKeyHeader string) *Resolver {
	if apiKeyHeader == "" {
		apiKeyHeader = DefaultAPIKeyHeader
	}
	return &Resolver{
		store:        store,
		decoder:      decoder,
		apiKeyHeader: apiKeyHeader,
	}
}

// CredentialsFromRequest reads the credential headers of r.
func (r *Resolver) CredentialsFromRequest(req *http.Request) Credentials {
	return Credentials{
		APIKey:        strings.TrimSpace(req.Header.Get(r.apiKeyHeader)),
		Authorization: req.Header.Get("Authorization"),
	}
}

// ResolveAPIKey authenticates an organization API key.
func (r *Resolver) ResolveAPIKey(ctx context.Context, apiKey string) (*models.AuthContext, error) {
	if apiKey == "" {
		return nil, apperr.New(apperr.Unauthenticated, "API key missing")
	}

	org, err := r.store.FindOrganizationByAPIKey(ctx, apiKey)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientStore, "organization lookup failed", err)
	}
	if org == nil || subtle.ConstantTimeCompare([]byte(org.APIKey), []byte(apiKey)) != 1 {
		return nil, apperr.New(apperr.Unauthenticated, "invalid API key")
	}

	return &models.AuthContext{
		OrgID:  org.ID,
		Method: models.AuthAPIKey,
	}, nil
}

// ResolveBearer authenticates an Authorization header carrying a bearer
// token and maps its subject to a local user.
func (r *Resolver) ResolveBearer(ctx context.Context, authorization string) (*models.AuthContext, error) {
	token, err := ExtractBearerToken(authorization)
	if err != nil {
		return nil, err
	}

	claims, err := r.decoder.Decode(ctx, token)
	if err != nil {
		return nil, err
	}

	user, err := r.store.FindUserBySubject(ctx, claims.Subject)
	if err != nil {
		return nil, apperr.Wrap(apperr.TransientStore, "user lookup failed", err)
	}
	if user == nil {
		return nil, apperr.New(apperr.Unauthenticated, "user not found")
	}

	userID := user.ID
	return &models.AuthContext{
		OrgID:  user.OrgID,
		Method: models.AuthBearer,
		UserID: &userID,
		Role:   user.Role,
	}, nil
}

// ResolveIngest resolves the owning organization for endpoints that accept
// either credential type. A present API key is authoritative: if it is
// invalid the bearer token is never consulted.
func (r *Resolver) ResolveIngest(ctx context.Context, creds Credentials) (*models.AuthContext, error) {
	if creds.APIKey != "" {
		return r.ResolveAPIKey(ctx, creds.APIKey)
	}
	if strings.TrimSpace(creds.Authorization) != "" {
		return r.ResolveBearer(ctx, creds.Authorization)
	}
	return nil, apperr.New(apperr.Unauthenticated, "API key or bearer token required")
}

// ExtractBearerToken returns the token of an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func ExtractBearerToken(header string) (string, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return "", apperr.New(apperr.Unauthenticated, "authorization header missing")
	}

	scheme, token, ok := strings.Cut(header, " ")
	token = strings.TrimSpace(token)
	if !ok || !strings.EqualFold(scheme, "bearer") || token == "" {
		return "", apperr.New(apperr.Unauthenticated, "invalid authorization header")
	}
	return token, nil
}

// RequireAdmin passes only bearer-derived contexts with the admin role.
// API-key contexts carry no role and always fail.
func RequireAdmin(ac *models.AuthContext) error {
	if ac == nil {
		return apperr.New(apperr.Unauthenticated, "authentication required")
	}
	if ac.Method != models.AuthBearer || ac.Role != models.RoleAdmin {
		return apperr.New(apperr.Forbidden, "admin role required")
	}
	return nil
}
