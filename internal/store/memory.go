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

package store

import (
	"context"
	"sync"
	"time"

	"github.com/bcem/quarantine/internal/models"
)

// Memory is a non-durable Store for tests and dry runs.
type Memory struct {
	mu     sync.Mutex
	state  map[[2]string]models.MailboxState
	events []models.Event
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{state: make(map[[2]string]models.MailboxState)}
}

// Close is a no-op.
func (m *Memory) Close() error { return nil }

// Load implements StateStore.
func (m *Memory) Load(_ context.Context, mb models.Mailbox) (models.MailboxState, error) {
	tenant, address := mailboxKey(mb)
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state[[2]string{tenant, address}], nil
}

// Save implements StateStore.
func (m *Memory) Save(_ context.Context, mb models.Mailbox, st models.MailboxState) error {
	tenant, address := mailboxKey(mb)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state[[2]string{tenant, address}] = st
	return nil
}

// Append implements EventLog.
func (m *Memory) Append(_ context.Context, ev models.NewEvent) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := eventFromNew(ev, time.Now().UTC())
	e.ID = int64(len(m.events) + 1)
	m.events = append(m.events, e)
	return e.ID, nil
}

// MarkReleased implements EventLog.
func (m *Memory) MarkReleased(_ context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.events)) {
		return ErrNotFound
	}
	now := time.Now().UTC()
	m.events[id-1].Released = true
	m.events[id-1].ReleasedAt = &now
	return nil
}

// ListRecent implements EventLog.
func (m *Memory) ListRecent(_ context.Context, limit int) ([]models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	limit = normLimit(limit)
	var out []models.Event
	for i := len(m.events) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, copyEvent(m.events[i]))
	}
	return out, nil
}

// Get implements EventLog.
func (m *Memory) Get(_ context.Context, id int64) (*models.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if id < 1 || id > int64(len(m.events)) {
		return nil, nil
	}
	e := copyEvent(m.events[id-1])
	return &e, nil
}

// Stats implements EventLog.
func (m *Memory) Stats(_ context.Context) (models.Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := models.Stats{Total: len(m.events)}
	for _, e := range m.events {
		if e.Moved {
			st.Quarantined++
		}
		if e.Released {
			st.Released++
		}
	}
	st.Allowed = st.Total - st.Quarantined
	return st, nil
}

func copyEvent(e models.Event) models.Event {
	e.Reasons = append([]string(nil), e.Reasons...)
	if e.ReleasedAt != nil {
		t := *e.ReleasedAt
		e.ReleasedAt = &t
	}
	return e
}
