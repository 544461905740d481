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

// BlackChamber ICES — Release Command
//
// Standalone CLI tool that moves a quarantined message back to its
// mailbox's Inbox and marks the event released. With --list it prints the
// most recent events instead.
//
// Usage:
//
//	go run ./cmd/release/ --event <id>
//	go run ./cmd/release/ --list [--limit 20]
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/bcem/quarantine/internal/config"
	"github.com/bcem/quarantine/internal/graph"
	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/release"
	"github.com/bcem/quarantine/internal/store"
)

func main() {
	// --- CLI Flags ---
	eventFlag := flag.Int64("event", 0, "Event id to release")
	listFlag := flag.Bool("list", false, "List recent events and exit")
	limitFlag := flag.Int("limit", 20, "Number of events to list")
	flag.Parse()

	if *eventFlag <= 0 && !*listFlag {
		fmt.Fprintf(os.Stderr, "Error: --event or --list is required\n\n")
		flag.Usage()
		os.Exit(1)
	}

	// --- Load Configuration ---
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat, os.Stderr)
	slog.SetDefault(logger)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

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

	if *listFlag {
		events, err := st.ListRecent(ctx, *limitFlag)
		if err != nil {
			logger.Error("failed to list events", "error", err)
			os.Exit(1)
		}
		printJSON(events)
		return
	}

	gateways := make(map[string]release.Gateway, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tokens := graph.NewTokenSource(ctx, graph.Credentials{
			TenantID:     t.TenantID,
			ClientID:     t.ClientID,
			ClientSecret: t.ClientSecret,
			Timeout:      cfg.GraphTimeout,
		})
		gateways[t.Alias] = graph.NewClient(graph.Config{
			TenantAlias: t.Alias,
			Tokens:      tokens,
			Timeout:     cfg.GraphTimeout,
			Logger:      logger,
		})
	}

	ev, err := release.NewService(st, gateways, logger).Release(ctx, *eventFlag)
	if err != nil {
		logger.Error("release failed", "event_id", *eventFlag, "error", err)
		os.Exit(1)
	}

	logger.Info("message released",
		"event_id", ev.ID,
		"tenant", ev.TenantAlias,
		"mailbox", ev.Mailbox,
		"subject", ev.Subject,
	)
	printJSON(ev)
}

func printJSON(v any) {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}
