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

// Package store persists per-mailbox sync state (delta cursor and quarantine
// folder id) and the append-only quarantine event log. Postgres is the
// primary backend; SQLite serves single-node installs and memory serves tests.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/bcem/quarantine/internal/models"
)

// ErrNotFound is returned when an event id does not exist.
var ErrNotFound = errors.New("event not found")

// DefaultListLimit bounds ListRecent when no limit is given.
const DefaultListLimit = 50

// StateStore is the cursor/folder cache. Load of an unknown mailbox returns
// the zero state. Callers serialise access per mailbox.
type StateStore interface {
	Load(ctx context.Context, mb models.Mailbox) (models.MailboxState, error)
	Save(ctx context.Context, mb models.Mailbox, st models.MailboxState) error
}

// EventLog is the append-only record of processed messages. Only the
// released flag ever changes after append.
type EventLog interface {
	Append(ctx context.Context, ev models.NewEvent) (int64, error)
	MarkReleased(ctx context.Context, id int64) error
	ListRecent(ctx context.Context, limit int) ([]models.Event, error)
	// Get returns nil, nil when the event does not exist.
	Get(ctx context.Context, id int64) (*models.Event, error)
	Stats(ctx context.Context) (models.Stats, error)
}

// Store is a backend providing both.
type Store interface {
	StateStore
	EventLog
	Close() error
}

func mailboxKey(mb models.Mailbox) (string, string) {
	return mb.TenantAlias, strings.ToLower(strings.TrimSpace(mb.Address))
}

func normLimit(limit int) int {
	if limit <= 0 {
		return DefaultListLimit
	}
	return limit
}

func encodeReasons(reasons []string) string {
	if reasons == nil {
		reasons = []string{}
	}
	data, _ := json.Marshal(reasons)
	return string(data)
}

func decodeReasons(s string) []string {
	var reasons []string
	if s == "" || json.Unmarshal([]byte(s), &reasons) != nil {
		return nil
	}
	return reasons
}

// eventFromNew builds the stored form of a new event.
func eventFromNew(ev models.NewEvent, now time.Time) models.Event {
	return ev.Event(0, now)
}
