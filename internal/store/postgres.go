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
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/models"
)

// Postgres stores state and events in Postgres.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to databaseURL and ensures the schema exists.
func OpenPostgres(ctx context.Context, databaseURL string, logger *slog.Logger) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	s, err := NewPostgres(ctx, pool)
	if err != nil {
		pool.Close()
		return nil, err
	}
	logging.OrDiscard(logger).Info("postgres store initialised")
	return s, nil
}

// NewPostgres wraps an existing pool and ensures the schema exists.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	s := &Postgres{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}
	return s, nil
}

func (s *Postgres) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS mailbox_state (
			tenant_alias  TEXT NOT NULL,
			mailbox       TEXT NOT NULL,
			delta_cursor  TEXT DEFAULT '',
			folder_id     TEXT DEFAULT '',
			updated_at    TIMESTAMPTZ DEFAULT NOW(),
			PRIMARY KEY (tenant_alias, mailbox)
		);
		CREATE TABLE IF NOT EXISTS quarantine_events (
			id               BIGSERIAL PRIMARY KEY,
			tenant_alias     TEXT NOT NULL,
			mailbox          TEXT NOT NULL,
			message_id       TEXT NOT NULL,
			moved_message_id TEXT DEFAULT '',
			sender           TEXT DEFAULT '',
			subject          TEXT DEFAULT '',
			received_at      TIMESTAMPTZ,
			classification   TEXT NOT NULL,
			risk_score       INTEGER NOT NULL,
			reasons          TEXT DEFAULT '[]',
			rule             TEXT DEFAULT '',
			moved            BOOLEAN NOT NULL DEFAULT FALSE,
			created_at       TIMESTAMPTZ DEFAULT NOW(),
			released         BOOLEAN NOT NULL DEFAULT FALSE,
			released_at      TIMESTAMPTZ
		);
		CREATE INDEX IF NOT EXISTS idx_events_created ON quarantine_events(created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_events_mailbox ON quarantine_events(tenant_alias, mailbox);
	`)
	return err
}

// Close releases the pool.
func (s *Postgres) Close() error {
	s.pool.Close()
	return nil
}

// Load implements StateStore.
func (s *Postgres) Load(ctx context.Context, mb models.Mailbox) (models.MailboxState, error) {
	tenant, address := mailboxKey(mb)
	var st models.MailboxState
	err := s.pool.QueryRow(ctx, `
		SELECT delta_cursor, folder_id
		FROM mailbox_state
		WHERE tenant_alias = $1 AND mailbox = $2
	`, tenant, address).Scan(&st.Cursor, &st.FolderID)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.MailboxState{}, nil
	}
	if err != nil {
		return models.MailboxState{}, fmt.Errorf("load state for %s: %w", mb, err)
	}
	return st, nil
}

// Save implements StateStore.
func (s *Postgres) Save(ctx context.Context, mb models.Mailbox, st models.MailboxState) error {
	tenant, address := mailboxKey(mb)
	_, err := s.pool.Exec(ctx, `
		INSERT INTO mailbox_state (tenant_alias, mailbox, delta_cursor, folder_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (tenant_alias, mailbox) DO UPDATE SET
			delta_cursor = EXCLUDED.delta_cursor,
			folder_id    = EXCLUDED.folder_id,
			updated_at   = NOW()
	`, tenant, address, st.Cursor, st.FolderID)
	if err != nil {
		return fmt.Errorf("save state for %s: %w", mb, err)
	}
	return nil
}

// Append implements EventLog.
func (s *Postgres) Append(ctx context.Context, ev models.NewEvent) (int64, error) {
	e := eventFromNew(ev, time.Now().UTC())
	var id int64
	err := s.pool.QueryRow(ctx, `
		INSERT INTO quarantine_events
			(tenant_alias, mailbox, message_id, moved_message_id, sender, subject,
			 received_at, classification, risk_score, reasons, rule, moved, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		RETURNING id
	`, e.TenantAlias, e.Mailbox, e.MessageID, e.MovedMessageID, e.Sender, e.Subject,
		nullTime(e.ReceivedAt), string(e.Classification), e.RiskScore,
		encodeReasons(e.Reasons), e.Rule, e.Moved, e.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

// MarkReleased implements EventLog.
func (s *Postgres) MarkReleased(ctx context.Context, id int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE quarantine_events
		SET released = TRUE, released_at = NOW()
		WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("mark event %d released: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const pgEventColumns = `
	id, tenant_alias, mailbox, message_id, moved_message_id, sender, subject,
	received_at, classification, risk_score, reasons, rule, moved, created_at,
	released, released_at`

// ListRecent implements EventLog.
func (s *Postgres) ListRecent(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+pgEventColumns+`
		FROM quarantine_events
		ORDER BY created_at DESC, id DESC
		LIMIT $1
	`, normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Get implements EventLog.
func (s *Postgres) Get(ctx context.Context, id int64) (*models.Event, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+pgEventColumns+`
		FROM quarantine_events
		WHERE id = $1
	`, id)
	e, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return e, nil
}

// Stats implements EventLog.
func (s *Postgres) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.pool.QueryRow(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE moved),
			COUNT(*) FILTER (WHERE released)
		FROM quarantine_events
	`).Scan(&st.Total, &st.Quarantined, &st.Released)
	if err != nil {
		return models.Stats{}, fmt.Errorf("event stats: %w", err)
	}
	st.Allowed = st.Total - st.Quarantined
	return st, nil
}

func scanPgEvent(row pgx.Row) (*models.Event, error) {
	var (
		e          models.Event
		class      string
		reasons    string
		receivedAt *time.Time
	)
	err := row.Scan(
		&e.ID, &e.TenantAlias, &e.Mailbox, &e.MessageID, &e.MovedMessageID,
		&e.Sender, &e.Subject, &receivedAt, &class, &e.RiskScore, &reasons,
		&e.Rule, &e.Moved, &e.CreatedAt, &e.Released, &e.ReleasedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Classification = models.Classification(class)
	e.Reasons = decodeReasons(reasons)
	if receivedAt != nil {
		e.ReceivedAt = receivedAt.UTC()
	}
	return &e, nil
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
