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

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bcem/triage/internal/apperr"
	"github.com/bcem/triage/internal/models"
)

// mockStore implements Store for testing.
type mockStore struct {
	orgs  map[string]*models.Organization
	users map[string]*models.User
	err   error
}

func newMockStore() *mockStore {
	return &mockStore{
		orgs:  make(map[string]*models.Organization),
		users: make(map[string]*models.User),
	}
}

func (m *mockStore) FindOrganizationByAPIKey(_ context.Context, key string) (*models.Organization, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.orgs[key], nil
}

func (m *mockStore) FindUserBySubject(_ context.Context, sub string) (*models.User, error) {
	if m.err != nil {
		return nil, m.err
	}
	return m.users[sub], nil
}

// countingDecoder records how often it was asked to decode.
type countingDecoder struct {
	mu    sync.Mutex
	calls int
	inner TokenDecoder
}

func (c *countingDecoder) Decode(ctx context.Context, token string) (*Claims, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Decode(ctx, token)
}

type fixture struct {
	store    *mockStore
	decoder  *countingDecoder
	resolver *Resolver
	org      *models.Organization
	admin    *models.User
	member   *models.User
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMockStore()
	org := &models.Organization{ID: uuid.New(), Name: "Acme", APIKey: "org-key-123"}
	store.orgs[org.APIKey] = org

	admin := &models.User{ID: uuid.New(), OrgID: org.ID, Subject: "user_admin", Role: models.RoleAdmin}
	member := &models.User{ID: uuid.New(), OrgID: org.ID, Subject: "user_member", Role: models.RoleMember}
	store.users[admin.Subject] = admin
	store.users[member.Subject] = member

	decoder := &countingDecoder{inner: InsecureDecoder{}}
	return &fixture{
		store:    store,
		decoder:  decoder,
		resolver: NewResolver(store, decoder, ""),
		org:      org,
		admin:    admin,
		member:   member,
	}
}

func unsignedToken(t *testing.T, sub string) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": sub}).SignedString([]byte("secret"))
	require.NoError(t, err)
	return tok
}

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr string
	}{
		{name: "valid", header: "Bearer my-test-token", want: "my-test-token"},
		{name: "case insensitive", header: "bearer my-test-token", want: "my-test-token"},
		{name: "upper case", header: "BEARER tok", want: "tok"},
		{name: "missing", header: "", wantErr: "missing"},
		{name: "basic scheme", header: "Basic my-token", wantErr: "invalid"},
		{name: "scheme only", header: "Bearer", wantErr: "invalid"},
		{name: "scheme with blank token", header: "Bearer    ", wantErr: "invalid"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractBearerToken(tt.header)
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.True(t, apperr.Is(err, apperr.Unauthenticated))
				assert.Contains(t, apperr.MessageOf(err), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestResolveAPIKey(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ac, err := f.resolver.ResolveAPIKey(ctx, "org-key-123")
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, ac.OrgID)
	assert.Equal(t, models.AuthAPIKey, ac.Method)
	assert.Nil(t, ac.UserID)
	assert.Empty(t, ac.Role)

	_, err = f.resolver.ResolveAPIKey(ctx, "")
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	assert.Equal(t, "API key missing", apperr.MessageOf(err))

	_, err = f.resolver.ResolveAPIKey(ctx, "invalid-key-12345")
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	assert.Equal(t, "invalid API key", apperr.MessageOf(err))
}

func TestResolveAPIKey_StoreError(t *testing.T) {
	f := newFixture(t)
	f.store.err = errors.New("connection refused")

	_, err := f.resolver.ResolveAPIKey(context.Background(), "org-key-123")
	assert.True(t, apperr.Is(err, apperr.TransientStore))
}

func TestResolveBearer(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ac, err := f.resolver.ResolveBearer(ctx, "Bearer "+unsignedToken(t, "user_admin"))
	require.NoError(t, err)
	assert.Equal(t, f.org.ID, ac.OrgID)
	assert.Equal(t, models.AuthBearer, ac.Method)
	require.NotNil(t, ac.UserID)
	assert.Equal(t, f.admin.ID, *ac.UserID)
	assert.Equal(t, models.RoleAdmin, ac.Role)

	_, err = f.resolver.ResolveBearer(ctx, "Bearer "+unsignedToken(t, "user_ghost"))
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	assert.Equal(t, "user not found", apperr.MessageOf(err))

	_, err = f.resolver.ResolveBearer(ctx, "Bearer not-a-valid-jwt")
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))

	_, err = f.resolver.ResolveBearer(ctx, "")
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))
}

func TestResolveIngest(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	t.Run("api key", func(t *testing.T) {
		ac, err := f.resolver.ResolveIngest(ctx, Credentials{APIKey: "org-key-123"})
		require.NoError(t, err)
		assert.Equal(t, f.org.ID, ac.OrgID)
		assert.Equal(t, models.AuthAPIKey, ac.Method)
	})

	t.Run("bearer", func(t *testing.T) {
		ac, err := f.resolver.ResolveIngest(ctx, Credentials{Authorization: "Bearer " + unsignedToken(t, "user_member")})
		require.NoError(t, err)
		assert.Equal(t, f.org.ID, ac.OrgID)
		assert.Equal(t, models.AuthBearer, ac.Method)
	})

	t.Run("missing", func(t *testing.T) {
		_, err := f.resolver.ResolveIngest(ctx, Credentials{})
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	})

	t.Run("api key takes precedence", func(t *testing.T) {
		other := &models.User{ID: uuid.New(), OrgID: uuid.New(), Subject: "user_other", Role: models.RoleAdmin}
		f.store.users[other.Subject] = other

		ac, err := f.resolver.ResolveIngest(ctx, Credentials{
			APIKey:        "org-key-123",
			Authorization: "Bearer " + unsignedToken(t, "user_other"),
		})
		require.NoError(t, err)
		assert.Equal(t, f.org.ID, ac.OrgID)
	})

	t.Run("invalid api key never falls back to bearer", func(t *testing.T) {
		before := f.decoder.calls

		_, err := f.resolver.ResolveIngest(ctx, Credentials{
			APIKey:        "invalid-key-12345",
			Authorization: "Bearer " + unsignedToken(t, "user_admin"),
		})
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
		assert.Equal(t, "invalid API key", apperr.MessageOf(err))
		assert.Equal(t, before, f.decoder.calls, "bearer token must not be decoded")
	})
}

func TestRequireAdmin(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	admin, err := f.resolver.ResolveBearer(ctx, "Bearer "+unsignedToken(t, "user_admin"))
	require.NoError(t, err)
	assert.NoError(t, RequireAdmin(admin))

	member, err := f.resolver.ResolveBearer(ctx, "Bearer "+unsignedToken(t, "user_member"))
	require.NoError(t, err)
	assert.True(t, apperr.Is(RequireAdmin(member), apperr.Forbidden))

	apiKey, err := f.resolver.ResolveAPIKey(ctx, "org-key-123")
	require.NoError(t, err)
	assert.True(t, apperr.Is(RequireAdmin(apiKey), apperr.Forbidden))

	// An API-key context that somehow carries a role still fails closed.
	apiKey.Role = models.RoleAdmin
	assert.True(t, apperr.Is(RequireAdmin(apiKey), apperr.Forbidden))

	assert.True(t, apperr.Is(RequireAdmin(nil), apperr.Unauthenticated))
}

func TestCredentialsFromRequest_CustomHeader(t *testing.T) {
	r := NewResolver(newMockStore(), InsecureDecoder{}, "X-Org-Key")
	req := mustRequest(t)
	req.Header.Set("X-Org-Key", "  k1  ")
	req.Header.Set("Authorization", "Bearer t")

	creds := r.CredentialsFromRequest(req)
	assert.Equal(t, "k1", creds.APIKey)
	assert.Equal(t, "Bearer t", creds.Authorization)
}

func TestVerifyingDecoder(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	other, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	kf := func(*jwt.Token) (interface{}, error) { return &key.PublicKey, nil }
	d := NewVerifyingDecoder(kf, "https://clerk.example.com")

	sign := func(k *rsa.PrivateKey, claims jwt.MapClaims) string {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(k)
		require.NoError(t, err)
		return tok
	}
	future := time.Now().Add(time.Hour).Unix()

	t.Run("valid", func(t *testing.T) {
		claims, err := d.Decode(context.Background(), sign(key, jwt.MapClaims{
			"sub": "user_1", "iss": "https://clerk.example.com", "exp": future,
		}))
		require.NoError(t, err)
		assert.Equal(t, "user_1", claims.Subject)
	})

	t.Run("wrong issuer", func(t *testing.T) {
		_, err := d.Decode(context.Background(), sign(key, jwt.MapClaims{
			"sub": "user_1", "iss": "https://evil.example.com", "exp": future,
		}))
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	})

	t.Run("wrong key", func(t *testing.T) {
		_, err := d.Decode(context.Background(), sign(other, jwt.MapClaims{
			"sub": "user_1", "iss": "https://clerk.example.com", "exp": future,
		}))
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	})

	t.Run("expired", func(t *testing.T) {
		_, err := d.Decode(context.Background(), sign(key, jwt.MapClaims{
			"sub": "user_1", "iss": "https://clerk.example.com", "exp": time.Now().Add(-time.Hour).Unix(),
		}))
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	})

	t.Run("symmetric algorithm rejected", func(t *testing.T) {
		_, err := d.Decode(context.Background(), unsignedToken(t, "user_1"))
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	})

	t.Run("missing subject", func(t *testing.T) {
		_, err := d.Decode(context.Background(), sign(key, jwt.MapClaims{
			"iss": "https://clerk.example.com", "exp": future,
		}))
		assert.True(t, apperr.Is(err, apperr.Unauthenticated))
		assert.Contains(t, apperr.MessageOf(err), "subject")
	})

	t.Run("empty", func(t *testing.T) {
		_, err := d.Decode(context.Background(), "")
		assert.Contains(t, apperr.MessageOf(err), "missing")
	})
}

func TestInsecureDecoder(t *testing.T) {
	d := InsecureDecoder{}

	_, err := d.Decode(context.Background(), "")
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))
	assert.Contains(t, apperr.MessageOf(err), "missing")

	_, err = d.Decode(context.Background(), "not-a-valid-jwt")
	assert.True(t, apperr.Is(err, apperr.Unauthenticated))

	claims, err := d.Decode(context.Background(), unsignedToken(t, "user_123"))
	require.NoError(t, err)
	assert.Equal(t, "user_123", claims.Subject)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("strict")
	require.NoError(t, err)
	assert.Equal(t, ModeStrict, m)

	m, err = ParseMode(" Insecure-Dev ")
	require.NoError(t, err)
	assert.Equal(t, ModeInsecureDev, m)

	_, err = ParseMode("")
	assert.Error(t, err)

	_, err = ParseMode("none")
	assert.Error(t, err)
}

func TestNewDecoder(t *testing.T) {
	_, err := NewDecoder(context.Background(), DecoderConfig{Mode: ModeStrict})
	assert.Error(t, err, "strict mode must not silently degrade without JWKS")

	d, err := NewDecoder(context.Background(), DecoderConfig{Mode: ModeInsecureDev})
	require.NoError(t, err)
	assert.IsType(t, InsecureDecoder{}, d)

	_, err = NewDecoder(context.Background(), DecoderConfig{Mode: "bogus"})
	assert.Error(t, err)
}

func mustRequest(t *testing.T) *http.Request {
	t.Helper()
	return httptest.NewRequest(http.MethodPost, "/api/emails", nil)
}
