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

package poller

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/bcem/quarantine/internal/decision"
	"github.com/bcem/quarantine/internal/metrics"
	"github.com/bcem/quarantine/internal/models"
)

// processMailbox does one pass over a mailbox. The caller holds its lock.
//
// The cursor is saved only after every fetched message has been recorded,
// so an interrupted pass replays from the old cursor next cycle.
func (p *Poller) processMailbox(ctx context.Context, logger *slog.Logger, tenant Tenant, mb models.Mailbox) mailboxResult {
	var res mailboxResult

	state, err := p.state.Load(ctx, mb)
	if err != nil {
		p.mailboxFailed(logger, mb, "load_state", err)
		return mailboxResult{err: err}
	}

	if state.FolderID == "" {
		folderID, err := p.resolveFolder(ctx, tenant, mb)
		if err != nil {
			p.mailboxFailed(logger, mb, "folder", err)
			return mailboxResult{err: err}
		}
		state.FolderID = folderID
		if err := p.state.Save(ctx, mb, state); err != nil {
			p.mailboxFailed(logger, mb, "save_state", err)
			return mailboxResult{err: err}
		}
	}

	msgs, next, err := tenant.Gateway.FetchChanges(ctx, mb, state.Cursor)
	if err != nil {
		p.mailboxFailed(logger, mb, "fetch", err)
		return mailboxResult{err: err}
	}
	if len(msgs) > 0 {
		logger.Info("fetched inbox changes", "messages", len(msgs))
	}

	for _, msg := range msgs {
		if err := ctx.Err(); err != nil {
			logger.Warn("pass interrupted, cursor not advanced", "stage", "fetch", "error", err)
			res.err = err
			return res
		}

		quarantined, err := p.processMessage(ctx, logger.With("message_id", msg.ID), tenant, mb, &state, msg)
		res.messages++
		if quarantined {
			res.quarantined++
		}
		if err != nil {
			p.mailboxFailed(logger.With("message_id", msg.ID), mb, "record", err)
			res.err = err
			return res
		}
	}

	state.Cursor = next
	if err := p.state.Save(ctx, mb, state); err != nil {
		p.mailboxFailed(logger, mb, "save_state", err)
		res.err = err
		return res
	}
	return res
}

// processMessage classifies, decides, moves if needed, and records one
// message. Only a failure to record the event is returned; move failures
// are logged and recorded as not moved.
func (p *Poller) processMessage(ctx context.Context, logger *slog.Logger, tenant Tenant, mb models.Mailbox, state *models.MailboxState, msg models.Message) (bool, error) {
	cls := p.classifier
	if tenant.Classifier != nil {
		cls = tenant.Classifier
	}
	v := cls.Classify(ctx, msg)

	external := decision.IsExternal(msg.From.Address, tenant.OrgDomain)
	d := decision.Decide(v.Classification, v.RiskScore, external, p.threshold)

	logger.Info("message classified",
		"stage", "decide",
		"sender", msg.From.Address,
		"classification", v.Classification,
		"risk_score", v.RiskScore,
		"external", external,
		"quarantine", d.Quarantine,
		"rule", d.Reason,
	)

	ev := models.NewEvent{
		Mailbox: mb,
		Message: msg,
		Verdict: v,
		Rule:    d.Reason,
	}

	if d.Quarantine {
		movedID, err := p.move(ctx, tenant, mb, state, msg.ID)
		if err != nil {
			metrics.MoveFailures.WithLabelValues(mb.TenantAlias).Inc()
			logger.Error("failed to move message to quarantine", "stage", "move", "error", err)
			ev.Rule = fmt.Sprintf("%s; move failed", d.Reason)
		} else {
			metrics.MessagesQuarantined.WithLabelValues(mb.TenantAlias).Inc()
			logger.Info("message quarantined", "stage", "move", "folder_id", state.FolderID)
			ev.Moved = true
			ev.MovedMessageID = movedID
		}
	}

	id, err := p.events.Append(ctx, ev)
	if err != nil {
		return ev.Moved, fmt.Errorf("append event: %w", err)
	}

	if p.notifier != nil {
		if err := p.notifier.PublishDecision(ctx, ev.Event(id, time.Now().UTC())); err != nil {
			logger.Warn("failed to publish decision", "stage", "notify", "event_id", id, "error", err)
		}
	}
	return ev.Moved, nil
}

// move relocates a message into the quarantine folder, resolving the
// folder first if the cache was cleared earlier in this pass. A not-found
// failure drops the cached folder id so the next attempt re-resolves it.
func (p *Poller) move(ctx context.Context, tenant Tenant, mb models.Mailbox, state *models.MailboxState, messageID string) (string, error) {
	if state.FolderID == "" {
		folderID, err := p.resolveFolder(ctx, tenant, mb)
		if err != nil {
			return "", err
		}
		state.FolderID = folderID
	}

	movedID, err := tenant.Gateway.MoveMessage(ctx, mb, messageID, state.FolderID)
	if err != nil && p.isNotFound(err) {
		p.logger.Warn("quarantine folder may be stale, clearing cached id",
			"tenant", mb.TenantAlias,
			"mailbox", mb.Address,
			"folder_id", state.FolderID,
		)
		state.FolderID = ""
	}
	return movedID, err
}

// resolveFolder collapses concurrent resolutions for the same mailbox.
func (p *Poller) resolveFolder(ctx context.Context, tenant Tenant, mb models.Mailbox) (string, error) {
	v, err, _ := p.folders.Do(mb.Key(), func() (any, error) {
		return tenant.Gateway.ResolveOrCreateFolder(ctx, mb, p.folderName)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
