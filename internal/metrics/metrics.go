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

// Package metrics exposes Prometheus counters for the quarantine pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Poll cycle metrics
var (
	CyclesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ices_quarantine_cycles_total",
			Help: "Total number of completed poll cycles",
		},
	)

	CycleDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ices_quarantine_cycle_duration_seconds",
			Help:    "Duration of poll cycles in seconds",
			Buckets: []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		},
	)

	MailboxesDiscovered = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ices_quarantine_mailboxes_discovered",
			Help: "Mailboxes discovered in the last cycle",
		},
		[]string{"tenant"},
	)

	MailboxErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_quarantine_mailbox_errors_total",
			Help: "Mailbox processing failures by stage",
		},
		[]string{"tenant", "stage"},
	)
)

// Message metrics
var (
	MessagesProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_quarantine_messages_processed_total",
			Help: "Messages classified, by classification",
		},
		[]string{"classification"},
	)

	MessagesQuarantined = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_quarantine_messages_quarantined_total",
			Help: "Messages moved to the quarantine folder",
		},
		[]string{"tenant"},
	)

	MoveFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_quarantine_move_failures_total",
			Help: "Failed quarantine moves",
		},
		[]string{"tenant"},
	)

	ClassifierFailClosed = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ices_quarantine_classifier_fail_closed_total",
			Help: "Classifications that failed closed because the verdict source was unavailable or malformed",
		},
	)

	ClassifierDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ices_quarantine_classifier_duration_seconds",
			Help:    "Duration of verdict source calls in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
	)
)

// Release metrics
var (
	ReleasesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ices_quarantine_releases_total",
			Help: "Release attempts by result",
		},
		[]string{"result"},
	)
)
