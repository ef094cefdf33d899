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

// Package config loads configuration from config.yaml and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// staleMargin is the minimum ratio of worker.stale_after to
// worker.item_timeout.
const staleMargin = 2

const (
	AuthModeStrict      = "strict"
	AuthModeInsecureDev = "insecure-dev"
)

// AuthConfig controls how API callers are identified.
type AuthConfig struct {
	Mode         string
	JWKSURL      string
	Issuer       string
	APIKeyHeader string
}

// WorkerConfig tunes the background triage loop.
type WorkerConfig struct {
	Enabled          bool
	BatchLimit       int
	Interval         time.Duration
	ItemTimeout      time.Duration
	Concurrency      int
	StaleAfter       time.Duration
	LeaseTTL         time.Duration // 0 disables the cross-instance lease
	MaxFetchFailures int
}

// ScorerConfig points at an external risk detector. An empty URL selects
// the built-in fingerprint scorer.
type ScorerConfig struct {
	URL          string
	TokenURL     string
	ClientID     string
	ClientSecret string
	Timeout      time.Duration
}

// Config holds all configuration for the triage service.
type Config struct {
	DatabaseURL string

	// Redis (optional). Empty disables dedup, lease and notifications.
	RedisURL      string
	AnalyzedQueue string
	DedupTTL      time.Duration

	Port int

	Auth   AuthConfig
	Worker WorkerConfig
	Scorer ScorerConfig
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`
	Redis struct {
		URL      string `yaml:"url"`
		DedupTTL string `yaml:"dedup_ttl"`
		Queues   struct {
			Analyzed string `yaml:"analyzed"`
		} `yaml:"queues"`
	} `yaml:"redis"`
	Server struct {
		Port int `yaml:"port"`
	} `yaml:"server"`
	Auth struct {
		Mode         string `yaml:"mode"`
		JWKSURL      string `yaml:"jwks_url"`
		Issuer       string `yaml:"issuer"`
		APIKeyHeader string `yaml:"api_key_header"`
	} `yaml:"auth"`
	Worker struct {
		Enabled          *bool  `yaml:"enabled"`
		BatchLimit       *int   `yaml:"batch_limit"`
		Interval         string `yaml:"interval"`
		ItemTimeout      string `yaml:"item_timeout"`
		Concurrency      int    `yaml:"concurrency"`
		StaleAfter       string `yaml:"stale_after"`
		LeaseTTL         string `yaml:"lease_ttl"`
		MaxFetchFailures int    `yaml:"max_fetch_failures"`
	} `yaml:"worker"`
	Scorer struct {
		URL          string `yaml:"url"`
		TokenURL     string `yaml:"token_url"`
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		Timeout      string `yaml:"timeout"`
	} `yaml:"scorer"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. A missing file is not an error; every key has an
// environment fallback.
func Load() (*Config, error) {
	configPath := envOrDefault("CONFIG_PATH", "/app/config/config.yaml")

	var raw rawConfig
	data, err := os.ReadFile(configPath)
	switch {
	case err == nil:
		// Expand ${VAR} references in the YAML
		expanded := os.ExpandEnv(string(data))
		if err := yaml.Unmarshal([]byte(expanded), &raw); err != nil {
			return nil, fmt.Errorf("parse config YAML: %w", err)
		}
	case errors.Is(err, os.ErrNotExist):
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	return fromRaw(raw)
}

func fromRaw(raw rawConfig) (*Config, error) {
	cfg := &Config{
		DatabaseURL:   firstNonEmpty(raw.Database.URL, os.Getenv("DATABASE_URL")),
		RedisURL:      firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		AnalyzedQueue: firstNonEmpty(raw.Redis.Queues.Analyzed, envOrDefault("ANALYZED_QUEUE", "emails.analyzed")),
		Port:          envOrDefaultInt("PORT", 8080),
		Auth: AuthConfig{
			Mode:         strings.ToLower(strings.TrimSpace(firstNonEmpty(raw.Auth.Mode, envOrDefault("AUTH_MODE", AuthModeStrict)))),
			JWKSURL:      firstNonEmpty(raw.Auth.JWKSURL, os.Getenv("AUTH_JWKS_URL")),
			Issuer:       firstNonEmpty(raw.Auth.Issuer, os.Getenv("AUTH_ISSUER")),
			APIKeyHeader: firstNonEmpty(raw.Auth.APIKeyHeader, "X-API-Key"),
		},
		Worker: WorkerConfig{
			Enabled:          envOrDefaultBool("WORKER_ENABLED", true),
			BatchLimit:       envOrDefaultInt("WORKER_BATCH_LIMIT", 10),
			Interval:         envOrDefaultDuration("WORKER_INTERVAL", 5*time.Second),
			ItemTimeout:      envOrDefaultDuration("WORKER_ITEM_TIMEOUT", 30*time.Second),
			Concurrency:      envOrDefaultInt("WORKER_CONCURRENCY", 1),
			StaleAfter:       envOrDefaultDuration("WORKER_STALE_AFTER", 10*time.Minute),
			MaxFetchFailures: envOrDefaultInt("WORKER_MAX_FETCH_FAILURES", 5),
		},
		Scorer: ScorerConfig{
			URL:          firstNonEmpty(raw.Scorer.URL, os.Getenv("SCORER_URL")),
			TokenURL:     firstNonEmpty(raw.Scorer.TokenURL, os.Getenv("SCORER_TOKEN_URL")),
			ClientID:     firstNonEmpty(raw.Scorer.ClientID, os.Getenv("SCORER_CLIENT_ID")),
			ClientSecret: firstNonEmpty(raw.Scorer.ClientSecret, os.Getenv("SCORER_CLIENT_SECRET")),
			Timeout:      envOrDefaultDuration("SCORER_TIMEOUT", 10*time.Second),
		},
		DedupTTL: envOrDefaultDuration("DEDUP_TTL", 24*time.Hour),
	}

	var err error
	if raw.Server.Port != 0 {
		cfg.Port = raw.Server.Port
	}
	if raw.Worker.Enabled != nil {
		cfg.Worker.Enabled = *raw.Worker.Enabled
	}
	if raw.Worker.BatchLimit != nil {
		cfg.Worker.BatchLimit = *raw.Worker.BatchLimit
	}
	if raw.Worker.Concurrency != 0 {
		cfg.Worker.Concurrency = raw.Worker.Concurrency
	}
	if raw.Worker.MaxFetchFailures != 0 {
		cfg.Worker.MaxFetchFailures = raw.Worker.MaxFetchFailures
	}
	if cfg.Worker.Interval, err = yamlDuration("worker.interval", raw.Worker.Interval, cfg.Worker.Interval); err != nil {
		return nil, err
	}
	if cfg.Worker.ItemTimeout, err = yamlDuration("worker.item_timeout", raw.Worker.ItemTimeout, cfg.Worker.ItemTimeout); err != nil {
		return nil, err
	}
	if cfg.Worker.StaleAfter, err = yamlDuration("worker.stale_after", raw.Worker.StaleAfter, cfg.Worker.StaleAfter); err != nil {
		return nil, err
	}
	if cfg.Worker.LeaseTTL, err = yamlDuration("worker.lease_ttl", raw.Worker.LeaseTTL, envOrDefaultDuration("WORKER_LEASE_TTL", 2*cfg.Worker.Interval)); err != nil {
		return nil, err
	}
	if cfg.Scorer.Timeout, err = yamlDuration("scorer.timeout", raw.Scorer.Timeout, cfg.Scorer.Timeout); err != nil {
		return nil, err
	}
	if cfg.DedupTTL, err = yamlDuration("redis.dedup_ttl", raw.Redis.DedupTTL, cfg.DedupTTL); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot run safely with.
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errors.New("database.url is required (use memory:// for an in-process store)")
	}
	switch c.Auth.Mode {
	case AuthModeStrict:
		if c.Auth.JWKSURL == "" {
			return fmt.Errorf("auth.mode %q requires auth.jwks_url", AuthModeStrict)
		}
	case AuthModeInsecureDev:
	default:
		return fmt.Errorf("unknown auth.mode %q (want %q or %q)", c.Auth.Mode, AuthModeStrict, AuthModeInsecureDev)
	}
	if c.Worker.BatchLimit < 1 {
		return fmt.Errorf("worker.batch_limit must be at least 1, got %d", c.Worker.BatchLimit)
	}
	if c.Worker.Concurrency < 1 {
		return fmt.Errorf("worker.concurrency must be at least 1, got %d", c.Worker.Concurrency)
	}
	if c.Worker.Interval <= 0 {
		return fmt.Errorf("worker.interval must be positive")
	}
	if c.Worker.ItemTimeout <= 0 {
		return fmt.Errorf("worker.item_timeout must be positive")
	}
	// The sweep must never fail an item whose worker is still inside its
	// item timeout.
	if c.Worker.StaleAfter > 0 && c.Worker.StaleAfter < staleMargin*c.Worker.ItemTimeout {
		return fmt.Errorf("worker.stale_after (%s) must be 0 or at least %d x worker.item_timeout (%s)",
			c.Worker.StaleAfter, staleMargin, c.Worker.ItemTimeout)
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Port)
	}
	return nil
}

func yamlDuration(key, value string, fallback time.Duration) (time.Duration, error) {
	if strings.TrimSpace(value) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", key, err)
	}
	return d, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrDefaultInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envOrDefaultBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
