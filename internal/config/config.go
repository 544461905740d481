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

// Classifier providers.
const (
	ProviderHTTP   = "http"
	ProviderOpenAI = "openai"
	ProviderRules  = "rules"
)

// Storage drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

// TenantConfig holds credentials and mailbox scope for a single tenant.
type TenantConfig struct {
	Alias        string
	TenantID     string
	ClientID     string
	ClientSecret string
	// OrgDomain decides internal vs external senders; empty uses the
	// global ORG_DOMAIN.
	OrgDomain string
	// MonitoredUsers is the fallback list when directory listing is
	// forbidden or empty.
	MonitoredUsers []string
	ExcludeUsers   []string
}

// ClassifierConfig selects and configures the verdict source.
type ClassifierConfig struct {
	Provider      string
	URL           string
	Timeout       time.Duration
	OpenAIBaseURL string
	OpenAIAPIKey  string
	OpenAIModel   string
	Keywords      []string
}

// StorageConfig selects the state/event backend.
type StorageConfig struct {
	Driver      string
	DatabaseURL string
	SQLitePath  string
}

// Config holds all configuration for the quarantine service.
type Config struct {
	Tenants []TenantConfig

	// Decision policy
	OrgDomain        string
	RiskThreshold    int
	QuarantineFolder string

	// Poll loop
	PollInterval time.Duration
	PollWorkers  int

	// Classification
	BodyBudget     int
	Classifier     ClassifierConfig
	SuspiciousTLDs []string

	GraphTimeout time.Duration
	Storage      StorageConfig

	// Redis (optional): decision queue and cross-replica mailbox locks
	RedisURL       string
	DecisionsQueue string
	LockTTL        time.Duration

	// Ops API
	Port int

	LogLevel  string
	LogFormat string
}

// rawConfig mirrors the YAML structure for unmarshalling.
type rawConfig struct {
	Tenants []struct {
		Alias          string   `yaml:"alias"`
		TenantID       string   `yaml:"tenant_id"`
		ClientID       string   `yaml:"client_id"`
		ClientSecret   string   `yaml:"client_secret"`
		OrgDomain      string   `yaml:"org_domain"`
		MonitoredUsers []string `yaml:"monitored_users"`
		ExcludeUsers   []string `yaml:"exclude_users"`
	} `yaml:"tenants"`
	Quarantine struct {
		OrgDomain     string `yaml:"org_domain"`
		RiskThreshold *int   `yaml:"risk_threshold"`
		Folder        string `yaml:"folder"`
		PollInterval  string `yaml:"poll_interval"`
		Workers       int    `yaml:"workers"`
		BodyBudget    int    `yaml:"body_budget"`
	} `yaml:"quarantine"`
	Classifier struct {
		Provider       string   `yaml:"provider"`
		URL            string   `yaml:"url"`
		Timeout        string   `yaml:"timeout"`
		Keywords       []string `yaml:"keywords"`
		SuspiciousTLDs []string `yaml:"suspicious_tlds"`
		OpenAI         struct {
			BaseURL string `yaml:"base_url"`
			APIKey  string `yaml:"api_key"`
			Model   string `yaml:"model"`
		} `yaml:"openai"`
	} `yaml:"classifier"`
	Storage struct {
		Driver      string `yaml:"driver"`
		DatabaseURL string `yaml:"database_url"`
		SQLitePath  string `yaml:"sqlite_path"`
	} `yaml:"storage"`
	Redis struct {
		URL     string `yaml:"url"`
		LockTTL string `yaml:"lock_ttl"`
		Queues  struct {
			Decisions string `yaml:"decisions"`
		} `yaml:"queues"`
	} `yaml:"redis"`
}

// Load reads configuration from config.yaml (with env var expansion) and
// environment variables. YAML values win; the environment fills the gaps.
// A missing config file is allowed when the tenant comes from the
// environment.
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
		// env-only deployment
	default:
		return nil, fmt.Errorf("read config file %s: %w", configPath, err)
	}

	cfg := &Config{
		OrgDomain:        firstNonEmpty(raw.Quarantine.OrgDomain, os.Getenv("ORG_DOMAIN")),
		RiskThreshold:    envOrDefaultInt("RISK_THRESHOLD", 60),
		QuarantineFolder: firstNonEmpty(raw.Quarantine.Folder, envOrDefault("QUARANTINE_FOLDER", "AI-Quarantine")),
		PollInterval:     durationOr(raw.Quarantine.PollInterval, envOrDefaultDuration("POLL_INTERVAL", 60*time.Second)),
		PollWorkers:      firstPositive(raw.Quarantine.Workers, envOrDefaultInt("POLL_WORKERS", 1)),
		BodyBudget:       firstPositive(raw.Quarantine.BodyBudget, envOrDefaultInt("BODY_BUDGET", 4000)),
		Classifier: ClassifierConfig{
			Provider:      strings.ToLower(firstNonEmpty(raw.Classifier.Provider, envOrDefault("CLASSIFIER_PROVIDER", ProviderHTTP))),
			URL:           firstNonEmpty(raw.Classifier.URL, envOrDefault("CLASSIFIER_URL", "http://localhost:8081/classify")),
			Timeout:       durationOr(raw.Classifier.Timeout, envOrDefaultDuration("CLASSIFIER_TIMEOUT", 120*time.Second)),
			OpenAIBaseURL: firstNonEmpty(raw.Classifier.OpenAI.BaseURL, os.Getenv("OPENAI_BASE_URL")),
			OpenAIAPIKey:  firstNonEmpty(raw.Classifier.OpenAI.APIKey, os.Getenv("OPENAI_API_KEY")),
			OpenAIModel:   firstNonEmpty(raw.Classifier.OpenAI.Model, envOrDefault("OPENAI_MODEL", "llama3.1:8b")),
			Keywords:      raw.Classifier.Keywords,
		},
		SuspiciousTLDs: firstNonEmptyList(raw.Classifier.SuspiciousTLDs, splitList(os.Getenv("SUSPICIOUS_TLDS"))),
		GraphTimeout:   envOrDefaultDuration("GRAPH_TIMEOUT", 30*time.Second),
		Storage: StorageConfig{
			Driver:      strings.ToLower(firstNonEmpty(raw.Storage.Driver, os.Getenv("STORAGE_DRIVER"))),
			DatabaseURL: firstNonEmpty(raw.Storage.DatabaseURL, os.Getenv("DATABASE_URL")),
			SQLitePath:  firstNonEmpty(raw.Storage.SQLitePath, envOrDefault("SQLITE_PATH", "/app/data/quarantine.db")),
		},
		RedisURL:       firstNonEmpty(raw.Redis.URL, os.Getenv("REDIS_URL")),
		DecisionsQueue: firstNonEmpty(raw.Redis.Queues.Decisions, envOrDefault("DECISIONS_QUEUE", "quarantine_decisions")),
		LockTTL:        durationOr(raw.Redis.LockTTL, envOrDefaultDuration("LOCK_TTL", 10*time.Minute)),
		Port:           envOrDefaultInt("PORT", 8080),
		LogLevel:       envOrDefault("LOG_LEVEL", "info"),
		LogFormat:      envOrDefault("LOG_FORMAT", "json"),
	}
	if raw.Quarantine.RiskThreshold != nil {
		cfg.RiskThreshold = *raw.Quarantine.RiskThreshold
	}

	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = DriverSQLite
		if cfg.Storage.DatabaseURL != "" {
			cfg.Storage.Driver = DriverPostgres
		}
	}

	// Build tenant configs
	for _, t := range raw.Tenants {
		tc := TenantConfig{
			Alias:          t.Alias,
			TenantID:       t.TenantID,
			ClientID:       t.ClientID,
			ClientSecret:   t.ClientSecret,
			OrgDomain:      t.OrgDomain,
			MonitoredUsers: trimList(t.MonitoredUsers),
			ExcludeUsers:   trimList(t.ExcludeUsers),
		}
		if tc.TenantID == "" || tc.ClientID == "" || tc.ClientSecret == "" {
			// Skip tenants with empty credentials (commented out in YAML)
			continue
		}
		cfg.Tenants = append(cfg.Tenants, tc)
	}

	// Single tenant straight from the environment
	if len(cfg.Tenants) == 0 && os.Getenv("TENANT_ID") != "" {
		cfg.Tenants = append(cfg.Tenants, TenantConfig{
			Alias:          os.Getenv("TENANT_ALIAS"),
			TenantID:       os.Getenv("TENANT_ID"),
			ClientID:       os.Getenv("CLIENT_ID"),
			ClientSecret:   os.Getenv("CLIENT_SECRET"),
			MonitoredUsers: splitList(os.Getenv("MONITORED_USERS")),
			ExcludeUsers:   splitList(os.Getenv("EXCLUDE_USERS")),
		})
	}

	for i := range cfg.Tenants {
		t := &cfg.Tenants[i]
		if t.Alias == "" {
			t.Alias = defaultAlias(t.TenantID)
		}
		if t.OrgDomain == "" {
			t.OrgDomain = cfg.OrgDomain
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks settings that would otherwise fail at runtime.
func (c *Config) Validate() error {
	if len(c.Tenants) == 0 {
		return fmt.Errorf("no tenants configured: check config.yaml or TENANT_ID/CLIENT_ID/CLIENT_SECRET")
	}
	seen := make(map[string]bool, len(c.Tenants))
	for _, t := range c.Tenants {
		if t.ClientID == "" || t.ClientSecret == "" {
			return fmt.Errorf("tenant %q: client_id and client_secret are required", t.Alias)
		}
		if seen[t.Alias] {
			return fmt.Errorf("duplicate tenant alias %q", t.Alias)
		}
		seen[t.Alias] = true
	}

	if c.RiskThreshold < 0 || c.RiskThreshold > 100 {
		return fmt.Errorf("risk threshold must be within [0,100], got %d", c.RiskThreshold)
	}
	if strings.TrimSpace(c.QuarantineFolder) == "" {
		return fmt.Errorf("quarantine folder name must not be empty")
	}

	switch c.Classifier.Provider {
	case ProviderHTTP:
		if c.Classifier.URL == "" {
			return fmt.Errorf("classifier provider %q requires CLASSIFIER_URL", ProviderHTTP)
		}
	case ProviderOpenAI:
		if c.Classifier.OpenAIModel == "" {
			return fmt.Errorf("classifier provider %q requires OPENAI_MODEL", ProviderOpenAI)
		}
	case ProviderRules:
	default:
		return fmt.Errorf("unknown classifier provider %q", c.Classifier.Provider)
	}

	switch c.Storage.Driver {
	case DriverPostgres:
		if c.Storage.DatabaseURL == "" {
			return fmt.Errorf("storage driver %q requires DATABASE_URL", DriverPostgres)
		}
	case DriverSQLite, DriverMemory:
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	return nil
}

// defaultAlias uses the first 8 chars of the tenant ID.
func defaultAlias(tenantID string) string {
	if len(tenantID) > 8 {
		return tenantID[:8]
	}
	return tenantID
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

func envOrDefaultDuration(key string, fallback time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return fallback
}

// durationOr parses a YAML duration, falling back when empty or invalid.
func durationOr(v string, fallback time.Duration) time.Duration {
	if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil && d > 0 {
		return d
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

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}

func firstNonEmptyList(lists ...[]string) []string {
	for _, l := range lists {
		if len(l) > 0 {
			return l
		}
	}
	return nil
}

// splitList splits a comma-separated value, dropping blanks.
func splitList(v string) []string {
	return trimList(strings.Split(v, ","))
}

func trimList(values []string) []string {
	var out []string
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
