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

// Package models defines the records shared across the quarantine service:
// mailboxes, observed messages, classification verdicts, and quarantine events.
package models

import (
	"strings"
	"time"
)

// Mailbox identifies one monitored mailbox within a tenant.
type Mailbox struct {
	TenantAlias string `json:"tenant"`
	Address     string `json:"address"`
}

// Key returns the state key for the mailbox ("tenant:address").
func (m Mailbox) Key() string {
	return m.TenantAlias + ":" + strings.ToLower(m.Address)
}

func (m Mailbox) String() string { return m.Key() }

// EmailAddress represents a sender with an address and optional name.
type EmailAddress struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// EmailBody represents the full message body content.
type EmailBody struct {
	ContentType string `json:"content_type"`
	Content     string `json:"content"`
}

// Message is a message as observed in the remote mailbox. The pipeline never
// mutates it.
type Message struct {
	ID          string       `json:"id"`
	From        EmailAddress `json:"from"`
	Subject     string       `json:"subject"`
	BodyPreview string       `json:"body_preview,omitempty"`
	Body        EmailBody    `json:"body"`
	ReceivedAt  time.Time    `json:"received_at"`
}

// Classification is the threat label attached to a verdict.
type Classification string

const (
	ClassSafe      Classification = "safe"
	ClassSpam      Classification = "spam"
	ClassPhishing  Classification = "phishing"
	ClassMalicious Classification = "malicious"
)

// Known reports whether c is one of the four recognised labels.
func (c Classification) Known() bool {
	switch c {
	case ClassSafe, ClassSpam, ClassPhishing, ClassMalicious:
		return true
	}
	return false
}

// Verdict is a calibrated classification result.
type Verdict struct {
	Classification Classification `json:"classification"`
	RiskScore      int            `json:"risk_score"`
	Reasons        []string       `json:"reasons"`
}

// MailboxState is the durable per-mailbox cache: the delta cursor and the
// resolved quarantine folder id. Empty strings mean "absent".
type MailboxState struct {
	Cursor   string
	FolderID string
}

// Event is an append-only record of one processed message.
type Event struct {
	ID             int64          `json:"id"`
	TenantAlias    string         `json:"tenant"`
	Mailbox        string         `json:"mailbox"`
	MessageID      string         `json:"message_id"`
	MovedMessageID string         `json:"moved_message_id,omitempty"`
	Sender         string         `json:"sender"`
	Subject        string         `json:"subject"`
	ReceivedAt     time.Time      `json:"received_at"`
	Classification Classification `json:"classification"`
	RiskScore      int            `json:"risk_score"`
	Reasons        []string       `json:"reasons"`
	Rule           string         `json:"rule"`
	Moved          bool           `json:"moved"`
	CreatedAt      time.Time      `json:"created_at"`
	Released       bool           `json:"released"`
	ReleasedAt     *time.Time     `json:"released_at,omitempty"`
}

// MailboxRef returns the mailbox the event belongs to.
func (e *Event) MailboxRef() Mailbox {
	return Mailbox{TenantAlias: e.TenantAlias, Address: e.Mailbox}
}

// QuarantinedMessageID returns the id of the message as it sits in the
// quarantine folder, falling back to the original id.
func (e *Event) QuarantinedMessageID() string {
	if e.MovedMessageID != "" {
		return e.MovedMessageID
	}
	return e.MessageID
}

// NewEvent carries the fields needed to append an event.
type NewEvent struct {
	Mailbox        Mailbox
	Message        Message
	Verdict        Verdict
	Rule           string
	Moved          bool
	MovedMessageID string
}

// Event builds the stored form of n with the given id and creation time.
func (n NewEvent) Event(id int64, createdAt time.Time) Event {
	return Event{
		ID:             id,
		TenantAlias:    n.Mailbox.TenantAlias,
		Mailbox:        n.Mailbox.Address,
		MessageID:      n.Message.ID,
		MovedMessageID: n.MovedMessageID,
		Sender:         n.Message.From.Address,
		Subject:        n.Message.Subject,
		ReceivedAt:     n.Message.ReceivedAt,
		Classification: n.Verdict.Classification,
		RiskScore:      n.Verdict.RiskScore,
		Reasons:        append([]string(nil), n.Verdict.Reasons...),
		Rule:           n.Rule,
		Moved:          n.Moved,
		CreatedAt:      createdAt,
	}
}

// Stats summarises the event log.
type Stats struct {
	Total       int `json:"total"`
	Quarantined int `json:"quarantined"`
	Released    int `json:"released"`
	Allowed     int `json:"allowed"`
}
