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

// BlackChamber ICES — Quarantine Service
//
// Entry point for the mailbox quarantine poller. It:
//  1. Loads multi-tenant configuration from config.yaml and the environment
//  2. Opens the state store (PostgreSQL, SQLite or in-memory)
//  3. Connects to Redis when configured, for decision events and mailbox locks
//  4. Builds a Graph client and a classifier source per the configuration
//  5. Polls every mailbox on an interval and quarantines risky mail
//  6. Serves the ops API: health, metrics, event log and release
//  7. Handles graceful shutdown on SIGTERM/SIGINT
//
// Usage:
//
//	go run ./cmd/quarantine/ [--once]
package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/bcem/quarantine/internal/classifier"
	"github.com/bcem/quarantine/internal/config"
	"github.com/bcem/quarantine/internal/graph"
	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/mailboxlock"
	"github.com/bcem/quarantine/internal/opsapi"
	"github.com/bcem/quarantine/internal/poller"
	"github.com/bcem/quarantine/internal/queue"
	"github.com/bcem/quarantine/internal/release"
	"github.com/bcem/quarantine/internal/store"
	"github.com/bcem/quarantine/internal/urlscan"
)

func main() {
	once := flag.Bool("once", false, "Run a single poll cycle and exit")
	flag.Parse()

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	slog.SetDefault(logger)

	logger.Info("starting BlackChamber ICES quarantine service",
		"tenants", len(cfg.Tenants),
		"interval", cfg.PollInterval,
		"threshold", cfg.RiskThreshold,
		"classifier", cfg.Classifier.Provider,
		"storage", cfg.Storage.Driver,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	// --- State Store ---
	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.Storage.Driver,
		DatabaseURL: cfg.Storage.DatabaseURL,
		SQLitePath:  cfg.Storage.SQLitePath,
	}, logger)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		os.Exit(1)
	}
	defer st.Close()

	checks := []opsapi.HealthCheck{{
		Name: "store",
		Check: func(ctx context.Context) error {
			_, err := st.ListRecent(ctx, 1)
			return err
		},
	}}

	// --- Redis (optional) ---
	var (
		locker   mailboxlock.Locker = mailboxlock.NewKeyedMutex()
		notifier poller.Notifier
	)
	if cfg.RedisURL != "" {
		opt, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			logger.Error("invalid REDIS_URL", "error", err)
			os.Exit(1)
		}
		rdb := redis.NewClient(opt)
		defer rdb.Close()

		publisher := queue.NewPublisher(rdb, cfg.DecisionsQueue, logger)
		if err := publisher.Ping(ctx); err != nil {
			logger.Error("failed to connect to Redis", "error", err)
			os.Exit(1)
		}
		logger.Info("connected to Redis", "queue", cfg.DecisionsQueue)

		notifier = publisher
		locker = mailboxlock.NewRedisLocker(rdb, cfg.LockTTL, logger)
		checks = append(checks, opsapi.HealthCheck{Name: "redis", Check: publisher.Ping})
	}

	// --- Graph clients and classifiers per tenant ---
	analyzer := urlscan.NewAnalyzer(cfg.SuspiciousTLDs)
	var tenants []poller.Tenant
	gateways := make(map[string]release.Gateway, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		client := newGraphClient(ctx, cfg, t, logger)
		tenants = append(tenants, poller.Tenant{
			Alias:      t.Alias,
			Gateway:    client,
			OrgDomain:  t.OrgDomain,
			Classifier: classifier.NewPipeline(classifier.Config{
				Source:     newSource(cfg, t.OrgDomain),
				Analyzer:   analyzer,
				BodyBudget: cfg.BodyBudget,
				Timeout:    cfg.Classifier.Timeout,
				Logger:     logger.With("tenant", t.Alias),
			}),
		})
		gateways[t.Alias] = client
	}

	// --- Poller ---
	p, err := poller.New(poller.Config{
		Tenants:    tenants,
		State:      st,
		Events:     st,
		Locker:     locker,
		Notifier:   notifier,
		IsNotFound: graph.IsNotFound,
		Threshold:  cfg.RiskThreshold,
		FolderName: cfg.QuarantineFolder,
		Interval:   cfg.PollInterval,
		Workers:    cfg.PollWorkers,
		Logger:     logger,
	})
	if err != nil {
		logger.Error("failed to build poller", "error", err)
		os.Exit(1)
	}

	if *once {
		res := p.RunCycle(ctx)
		logger.Info("single cycle complete",
			"mailboxes", res.Mailboxes,
			"failed", res.Failed,
			"messages", res.Messages,
			"quarantined", res.Quarantined,
		)
		return
	}

	// --- Ops API ---
	srv := opsapi.NewServer(st, release.NewService(st, gateways, logger), checks, logger)
	ready, err := opsapi.Serve(ctx, cfg.Port, srv)
	if err != nil {
		logger.Error("failed to start ops server", "error", err)
		os.Exit(1)
	}
	<-ready

	_ = p.Run(ctx)
	logger.Info("quarantine service stopped")
}

func newGraphClient(ctx context.Context, cfg *config.Config, t config.TenantConfig, logger *slog.Logger) *graph.Client {
	tokens := graph.NewTokenSource(ctx, graph.Credentials{
		TenantID:     t.TenantID,
		ClientID:     t.ClientID,
		ClientSecret: t.ClientSecret,
		Timeout:      cfg.GraphTimeout,
	})
	return graph.NewClient(graph.Config{
		TenantAlias:       t.Alias,
		Tokens:            tokens,
		Timeout:           cfg.GraphTimeout,
		FallbackMailboxes: t.MonitoredUsers,
		ExcludeMailboxes:  t.ExcludeUsers,
		Logger:            logger,
	})
}

// newSource builds the verdict source named by CLASSIFIER_PROVIDER.
// orgDomain is the tenant's own domain, used by the rule source.
func newSource(cfg *config.Config, orgDomain string) classifier.Source {
	switch cfg.Classifier.Provider {
	case config.ProviderOpenAI:
		return classifier.NewOpenAISource(classifier.OpenAIConfig{
			BaseURL: cfg.Classifier.OpenAIBaseURL,
			APIKey:  cfg.Classifier.OpenAIAPIKey,
			Model:   cfg.Classifier.OpenAIModel,
		})
	case config.ProviderRules:
		return classifier.NewRuleSource(cfg.Classifier.Keywords, orgDomain)
	default:
		return classifier.NewHTTPSource(cfg.Classifier.URL, &http.Client{Timeout: cfg.Classifier.Timeout})
	}
}
