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

// Package poller runs the quarantine loop: discover mailboxes, pull inbox
// changes, classify each new message, move the dangerous ones, and record
// every decision. Failures are contained per mailbox; the loop never stops
// on its own.
package poller

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/mailboxlock"
	"github.com/bcem/quarantine/internal/metrics"
	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/store"
)

// Defaults.
const (
	DefaultInterval   = 60 * time.Second
	DefaultThreshold  = 60
	DefaultFolderName = "AI-Quarantine"
)

// Gateway is the remote mailbox service for one tenant.
type Gateway interface {
	DiscoverMailboxes(ctx context.Context) []models.Mailbox
	FetchChanges(ctx context.Context, mb models.Mailbox, cursor string) ([]models.Message, string, error)
	ResolveOrCreateFolder(ctx context.Context, mb models.Mailbox, name string) (string, error)
	MoveMessage(ctx context.Context, mb models.Mailbox, messageID, folderID string) (string, error)
}

// Classifier returns a calibrated verdict. It does not fail.
type Classifier interface {
	Classify(ctx context.Context, msg models.Message) models.Verdict
}

// Notifier receives every recorded decision.
type Notifier interface {
	PublishDecision(ctx context.Context, ev models.Event) error
}

// Tenant is one monitored organisation.
type Tenant struct {
	Alias     string
	Gateway   Gateway
	OrgDomain string
	// Classifier overrides Config.Classifier for this tenant's mail.
	Classifier Classifier
}

// Config wires the poller.
type Config struct {
	Tenants    []Tenant
	Classifier Classifier
	State      store.StateStore
	Events     store.EventLog
	// Locker serialises mailbox passes; defaults to an in-process lock.
	Locker   mailboxlock.Locker
	Notifier Notifier
	// IsNotFound reports a move failure caused by a missing folder or
	// message. When it matches, the cached folder id is dropped.
	IsNotFound func(error) bool
	Threshold  int
	FolderName string
	Interval   time.Duration
	Workers    int
	Logger     *slog.Logger
}

// Poller is the mailbox poll orchestrator.
type Poller struct {
	tenants    []Tenant
	classifier Classifier
	state      store.StateStore
	events     store.EventLog
	locker     mailboxlock.Locker
	notifier   Notifier
	isNotFound func(error) bool
	threshold  int
	folderName string
	interval   time.Duration
	workers    int
	logger     *slog.Logger

	folders singleflight.Group
}

// New creates a poller.
func New(cfg Config) (*Poller, error) {
	for _, t := range cfg.Tenants {
		if cfg.Classifier == nil && t.Classifier == nil {
			return nil, fmt.Errorf("poller: tenant %q has no classifier", t.Alias)
		}
	}
	if cfg.Classifier == nil && len(cfg.Tenants) == 0 {
		return nil, fmt.Errorf("poller: classifier is required")
	}
	if cfg.State == nil || cfg.Events == nil {
		return nil, fmt.Errorf("poller: state store and event log are required")
	}

	p := &Poller{
		tenants:    cfg.Tenants,
		classifier: cfg.Classifier,
		state:      cfg.State,
		events:     cfg.Events,
		locker:     cfg.Locker,
		notifier:   cfg.Notifier,
		isNotFound: cfg.IsNotFound,
		threshold:  cfg.Threshold,
		folderName: cfg.FolderName,
		interval:   cfg.Interval,
		workers:    cfg.Workers,
		logger:     logging.OrDiscard(cfg.Logger),
	}
	if p.locker == nil {
		p.locker = mailboxlock.NewKeyedMutex()
	}
	if p.isNotFound == nil {
		p.isNotFound = func(error) bool { return false }
	}
	if p.folderName == "" {
		p.folderName = DefaultFolderName
	}
	if p.interval <= 0 {
		p.interval = DefaultInterval
	}
	if p.workers <= 0 {
		p.workers = 1
	}
	return p, nil
}

// CycleResult summarises one pass over every tenant.
type CycleResult struct {
	Mailboxes   int
	Failed      int
	Messages    int
	Quarantined int
}

func (r *CycleResult) add(o mailboxResult) {
	r.Mailboxes++
	r.Messages += o.messages
	r.Quarantined += o.quarantined
	if o.err != nil {
		r.Failed++
	}
}

// Run polls until ctx is cancelled. A failing cycle is logged and the loop
// carries on after the interval.
func (p *Poller) Run(ctx context.Context) error {
	p.logger.Info("quarantine poller starting",
		"tenants", len(p.tenants),
		"interval", p.interval,
		"workers", p.workers,
		"threshold", p.threshold,
		"folder", p.folderName,
	)

	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			p.logger.Info("quarantine poller stopping")
			return ctx.Err()
		case <-timer.C:
		}

		p.safeCycle(ctx)
		timer.Reset(p.interval)
	}
}

// safeCycle runs one cycle and swallows anything it throws.
func (p *Poller) safeCycle(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("poll cycle panicked", "panic", r)
		}
	}()
	p.RunCycle(ctx)
}

// RunCycle discovers mailboxes for every tenant and processes each one.
// Mailboxes run on up to Workers goroutines; messages within a mailbox are
// handled in order.
func (p *Poller) RunCycle(ctx context.Context) CycleResult {
	start := time.Now()
	cycleID := uuid.NewString()
	logger := p.logger.With("cycle_id", cycleID)

	var (
		mu     sync.Mutex
		result CycleResult
		g      errgroup.Group
	)
	g.SetLimit(p.workers)

	for _, tenant := range p.tenants {
		if ctx.Err() != nil {
			break
		}
		mailboxes := tenant.Gateway.DiscoverMailboxes(ctx)
		metrics.MailboxesDiscovered.WithLabelValues(tenant.Alias).Set(float64(len(mailboxes)))

		for _, mb := range mailboxes {
			if ctx.Err() != nil {
				break
			}
			tenant, mb := tenant, mb
			g.Go(func() error {
				res := p.runMailbox(ctx, logger, tenant, mb)
				mu.Lock()
				result.add(res)
				mu.Unlock()
				return nil
			})
		}
	}
	g.Wait()

	metrics.CyclesTotal.Inc()
	metrics.CycleDuration.Observe(time.Since(start).Seconds())
	logger.Info("poll cycle complete",
		"mailboxes", result.Mailboxes,
		"failed", result.Failed,
		"messages", result.Messages,
		"quarantined", result.Quarantined,
		"duration", time.Since(start).String(),
	)
	return result
}

type mailboxResult struct {
	messages    int
	quarantined int
	err         error
}

// runMailbox is the containment boundary for one mailbox.
func (p *Poller) runMailbox(ctx context.Context, logger *slog.Logger, tenant Tenant, mb models.Mailbox) (res mailboxResult) {
	logger = logger.With("tenant", mb.TenantAlias, "mailbox", mb.Address)

	defer func() {
		if r := recover(); r != nil {
			res.err = fmt.Errorf("panic: %v", r)
			metrics.MailboxErrors.WithLabelValues(mb.TenantAlias, "panic").Inc()
			logger.Error("mailbox processing panicked", "stage", "panic", "panic", r)
		}
	}()

	unlock, err := p.locker.Lock(ctx, mb.Key())
	if err != nil {
		p.mailboxFailed(logger, mb, "lock", err)
		return mailboxResult{err: err}
	}
	defer unlock()

	res = p.processMailbox(ctx, logger, tenant, mb)
	return res
}

func (p *Poller) mailboxFailed(logger *slog.Logger, mb models.Mailbox, stage string, err error) {
	metrics.MailboxErrors.WithLabelValues(mb.TenantAlias, stage).Inc()
	logger.Error("mailbox processing failed", "stage", stage, "error", err)
}
