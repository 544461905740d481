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

// Package classifier produces a calibrated verdict for a message. It prepares
// the body, runs static link analysis, asks a verdict source, and normalises
// the answer. Source failures never escape: the pipeline fails closed.
package classifier

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/metrics"
	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/urlscan"
	"github.com/bcem/quarantine/internal/verdict"
)

// DefaultBodyBudget is the default body size sent to the source, in characters.
const DefaultBodyBudget = 4000

// DefaultTimeout bounds one source call. Local CPU inference is slow.
const DefaultTimeout = 120 * time.Second

// Request is what a verdict source sees.
type Request struct {
	Sender   string   `json:"sender"`
	Subject  string   `json:"subject"`
	Body     string   `json:"body"`
	URLs     []string `json:"urls"`
	Warnings []string `json:"url_warnings"`
}

// Source returns an uncalibrated verdict for a request.
type Source interface {
	Classify(ctx context.Context, req Request) (verdict.Raw, error)
}

// Pipeline classifies messages.
type Pipeline struct {
	source   Source
	analyzer *urlscan.Analyzer
	budget   int
	timeout  time.Duration
	logger   *slog.Logger
}

// Config holds pipeline settings.
type Config struct {
	Source     Source
	Analyzer   *urlscan.Analyzer
	BodyBudget int
	Timeout    time.Duration
	Logger     *slog.Logger
}

// NewPipeline creates a classification pipeline.
func NewPipeline(cfg Config) *Pipeline {
	analyzer := cfg.Analyzer
	if analyzer == nil {
		analyzer = urlscan.NewAnalyzer(nil)
	}
	budget := cfg.BodyBudget
	if budget <= 0 {
		budget = DefaultBodyBudget
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Pipeline{
		source:   cfg.Source,
		analyzer: analyzer,
		budget:   budget,
		timeout:  timeout,
		logger:   logging.OrDiscard(cfg.Logger),
	}
}

// Prepare builds the source request for a message. Links are extracted from
// the full body before it is truncated.
func (p *Pipeline) Prepare(msg models.Message) Request {
	body := SelectBody(msg)
	urls := urlscan.Extract(body)
	return Request{
		Sender:   msg.From.Address,
		Subject:  msg.Subject,
		Body:     Truncate(body, p.budget),
		URLs:     urls,
		Warnings: p.analyzer.AssessRisk(urls),
	}
}

// Classify returns the calibrated verdict for msg. It never returns an
// error; an unreachable source or unreadable answer yields the fail-closed
// verdict.
func (p *Pipeline) Classify(ctx context.Context, msg models.Message) models.Verdict {
	req := p.Prepare(msg)

	if len(req.Warnings) > 0 {
		p.logger.Debug("static link warnings",
			"message_id", msg.ID,
			"warnings", req.Warnings,
		)
	}

	var v models.Verdict
	raw, err := p.callSource(ctx, req)
	if err != nil {
		metrics.ClassifierFailClosed.Inc()
		p.logger.Warn("verdict source failed, failing closed",
			"message_id", msg.ID,
			"stage", "classify",
			"error", err,
		)
		v = verdict.FailClosed(err)
	} else {
		v = verdict.Normalize(raw)
	}

	metrics.MessagesProcessed.WithLabelValues(string(v.Classification)).Inc()
	return v
}

func (p *Pipeline) callSource(ctx context.Context, req Request) (raw verdict.Raw, err error) {
	if p.source == nil {
		return verdict.Raw{}, fmt.Errorf("no verdict source configured")
	}

	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	start := time.Now()
	defer func() {
		metrics.ClassifierDuration.Observe(time.Since(start).Seconds())
		if r := recover(); r != nil {
			err = fmt.Errorf("verdict source panic: %v", r)
		}
	}()

	return p.source.Classify(ctx, req)
}
