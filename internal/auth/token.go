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
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"github.com/bcem/triage/internal/apperr"
)

// Mode selects how bearer tokens are verified.
type Mode string

const (
	// ModeStrict verifies signature and issuer against keys fetched from a
	// JWKS endpoint.
	ModeStrict Mode = "strict"
	// ModeInsecureDev decodes tokens without any signature check. Local
	// development only.
	ModeInsecureDev Mode = "insecure-dev"
)

// ParseMode validates a configured mode string.
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(s))) {
	case ModeStrict:
		return ModeStrict, nil
	case ModeInsecureDev:
		return ModeInsecureDev, nil
	}
	return "", fmt.Errorf("unknown auth mode %q (want %q or %q)", s, ModeStrict, ModeInsecureDev)
}

// signingMethods are the asymmetric algorithms accepted in strict mode.
var signingMethods = []string{"RS256", "RS384", "RS512", "PS256", "ES256", "ES384"}

// Claims is the subset of token claims the resolver uses.
type Claims struct {
	Subject string
	Issuer  string
}

// TokenDecoder turns a raw bearer token into verified claims.
type TokenDecoder interface {
	Decode(ctx context.Context, token string) (*Claims, error)
}

// DecoderConfig configures NewDecoder.
type DecoderConfig struct {
	Mode    Mode
	JWKSURL string
	Issuer  string
}

// NewDecoder builds the decoder for cfg.Mode. Strict mode requires a JWKS
// URL; there is no implicit fallback to unverified decoding.
func NewDecoder(ctx context.Context, cfg DecoderConfig) (TokenDecoder, error) {
	switch cfg.Mode {
	case ModeStrict:
		if cfg.JWKSURL == "" {
			return nil, errors.New("strict auth mode requires a JWKS URL")
		}
		return NewJWKSDecoder(ctx, cfg.JWKSURL, cfg.Issuer)
	case ModeInsecureDev:
		slog.Warn("bearer tokens are decoded WITHOUT signature verification (insecure-dev mode)")
		return InsecureDecoder{}, nil
	}
	return nil, fmt.Errorf("unknown auth mode %q", cfg.Mode)
}

// VerifyingDecoder checks signature and issuer before trusting claims.
type VerifyingDecoder struct {
	keyfunc jwt.Keyfunc
	parser  *jwt.Parser
}

// NewVerifyingDecoder creates a decoder using kf to select verification
// keys. An empty issuer disables the issuer check.
func NewVerifyingDecoder(kf jwt.Keyfunc, issuer string) *VerifyingDecoder {
	opts := []jwt.ParserOption{jwt.WithValidMethods(signingMethods)}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &VerifyingDecoder{
		keyfunc: kf,
		parser:  jwt.NewParser(opts...),
	}
}

// NewJWKSDecoder creates a VerifyingDecoder whose keys are discovered from
// jwksURL and refreshed in the background for the lifetime of ctx.
func NewJWKSDecoder(ctx context.Context, jwksURL, issuer string) (*VerifyingDecoder, error) {
	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("load JWKS from %s: %w", jwksURL, err)
	}
	slog.Info("bearer token verification enabled", "jwks_url", jwksURL, "issuer", issuer)
	return NewVerifyingDecoder(k.Keyfunc, issuer), nil
}

// Decode implements TokenDecoder.
func (d *VerifyingDecoder) Decode(_ context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, apperr.New(apperr.Unauthenticated, "token missing")
	}

	var rc jwt.RegisteredClaims
	if _, err := d.parser.ParseWithClaims(token, &rc, d.keyfunc); err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid token", err)
	}
	return claimsFrom(rc)
}

// InsecureDecoder reads claims without verifying the signature.
type InsecureDecoder struct{}

// Decode implements TokenDecoder.
func (InsecureDecoder) Decode(_ context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, apperr.New(apperr.Unauthenticated, "token missing")
	}

	var rc jwt.RegisteredClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &rc); err != nil {
		return nil, apperr.Wrap(apperr.Unauthenticated, "invalid token", err)
	}

	slog.Warn("accepted unverified bearer token", "subject", rc.Subject, "mode", ModeInsecureDev)
	return claimsFrom(rc)
}

func claimsFrom(rc jwt.RegisteredClaims) (*Claims, error) {
	if rc.Subject == "" {
		return nil, apperr.New(apperr.Unauthenticated, "token missing subject claim")
	}
	return &Claims{Subject: rc.Subject, Issuer: rc.Issuer}, nil
}
