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

// Package release reverses a quarantine decision: the message goes back to
// the inbox and the event is marked released. The event is only marked once
// the remote move has succeeded.
package release

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/metrics"
	"github.com/bcem/quarantine/internal/models"
	"github.com/bcem/quarantine/internal/store"
)

var (
	// ErrEventNotFound means no event has the given id.
	ErrEventNotFound = errors.New("event not found")
	// ErrNotQuarantined means the message was never moved.
	ErrNotQuarantined = errors.New("message was not quarantined")
	// ErrAlreadyReleased means the event was released before.
	ErrAlreadyReleased = errors.New("message already released")
	// ErrUnknownTenant means the event's tenant is not configured.
	ErrUnknownTenant = errors.New("tenant not configured")
)

// Gateway is the part of the mailbox service release needs.
type Gateway interface {
	InboxFolderID(ctx context.Context, mb models.Mailbox) (string, error)
	MoveMessage(ctx context.Context, mb models.Mailbox, messageID, folderID string) (string, error)
}

// Service runs the release workflow.
type Service struct {
	events   store.EventLog
	gateways map[string]Gateway
	logger   *slog.Logger
}

// NewService creates a release service. gateways is keyed by tenant alias.
func NewService(events store.EventLog, gateways map[string]Gateway, logger *slog.Logger) *Service {
	return &Service{
		events:   events,
		gateways: gateways,
		logger:   logging.OrDiscard(logger),
	}
}

// Release moves the quarantined message of event id back to its inbox and
// marks the event released. On any failure the event is left untouched.
func (s *Service) Release(ctx context.Context, id int64) (*models.Event, error) {
	ev, err := s.release(ctx, id)
	metrics.ReleasesTotal.WithLabelValues(resultLabel(err)).Inc()
	return ev, err
}

func (s *Service) release(ctx context.Context, id int64) (*models.Event, error) {
	ev, err := s.events.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load event %d: %w", id, err)
	}
	if ev == nil {
		return nil, ErrEventNotFound
	}
	if ev.Released {
		return ev, ErrAlreadyReleased
	}
	if !ev.Moved {
		return ev, ErrNotQuarantined
	}

	gw, ok := s.gateways[ev.TenantAlias]
	if !ok {
		return ev, fmt.Errorf("%w: %q", ErrUnknownTenant, ev.TenantAlias)
	}

	mb := ev.MailboxRef()
	logger := s.logger.With(
		"event_id", ev.ID,
		"tenant", mb.TenantAlias,
		"mailbox", mb.Address,
		"message_id", ev.QuarantinedMessageID(),
	)

	inboxID, err := gw.InboxFolderID(ctx, mb)
	if err != nil {
		logger.Error("release failed", "stage", "inbox", "error", err)
		return ev, fmt.Errorf("resolve inbox: %w", err)
	}

	if _, err := gw.MoveMessage(ctx, mb, ev.QuarantinedMessageID(), inboxID); err != nil {
		logger.Error("release failed", "stage", "move", "error", err)
		return ev, fmt.Errorf("move back to inbox: %w", err)
	}

	if err := s.events.MarkReleased(ctx, ev.ID); err != nil {
		// The message is already back in the inbox; the log lags behind.
		logger.Error("message restored but event not marked released", "stage", "record", "error", err)
		return ev, fmt.Errorf("mark released: %w", err)
	}

	logger.Info("message released from quarantine")

	updated, err := s.events.Get(ctx, ev.ID)
	if err != nil || updated == nil {
		ev.Released = true
		return ev, nil
	}
	return updated, nil
}

func resultLabel(err error) string {
	switch {
	case err == nil:
		return "released"
	case errors.Is(err, ErrEventNotFound):
		return "not_found"
	case errors.Is(err, ErrNotQuarantined), errors.Is(err, ErrAlreadyReleased):
		return "rejected"
	default:
		return "error"
	}
}
