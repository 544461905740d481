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
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "modernc.org/sqlite"

	"github.com/bcem/quarantine/internal/logging"
	"github.com/bcem/quarantine/internal/models"
)

// SQLite stores state and events in a local SQLite file. Timestamps are
// stored as RFC 3339 text.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database at path.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	logger = logging.OrDiscard(logger)

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// One writer keeps appends and state upserts serialised.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode = WAL;`); err != nil {
		logger.Warn("failed to enable sqlite WAL mode", "error", err)
	}
	if _, err := db.ExecContext(ctx, `PRAGMA busy_timeout = 5000;`); err != nil {
		logger.Warn("failed to set sqlite busy timeout", "error", err)
	}

	s := &SQLite{db: db}
	if err := s.ensureSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ensure store schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("sqlite ping: %w", err)
	}

	logger.Info("sqlite store initialised", "path", path)
	return s, nil
}

func (s *SQLite) ensureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
	CREATE TABLE IF NOT EXISTS mailbox_state (
		tenant_alias  TEXT NOT NULL,
		mailbox       TEXT NOT NULL,
		delta_cursor  TEXT NOT NULL DEFAULT '',
		folder_id     TEXT NOT NULL DEFAULT '',
		updated_at    TEXT NOT NULL,
		PRIMARY KEY (tenant_alias, mailbox)
	);
	CREATE TABLE IF NOT EXISTS quarantine_events (
		id               INTEGER PRIMARY KEY AUTOINCREMENT,
		tenant_alias     TEXT NOT NULL,
		mailbox          TEXT NOT NULL,
		message_id       TEXT NOT NULL,
		moved_message_id TEXT NOT NULL DEFAULT '',
		sender           TEXT NOT NULL DEFAULT '',
		subject          TEXT NOT NULL DEFAULT '',
		received_at      TEXT NOT NULL DEFAULT '',
		classification   TEXT NOT NULL,
		risk_score       INTEGER NOT NULL,
		reasons          TEXT NOT NULL DEFAULT '[]',
		rule             TEXT NOT NULL DEFAULT '',
		moved            INTEGER NOT NULL DEFAULT 0,
		created_at       TEXT NOT NULL,
		released         INTEGER NOT NULL DEFAULT 0,
		released_at      TEXT NOT NULL DEFAULT ''
	);
	CREATE INDEX IF NOT EXISTS idx_events_created ON quarantine_events(created_at);
	CREATE INDEX IF NOT EXISTS idx_events_mailbox ON quarantine_events(tenant_alias, mailbox);
	`)
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

// Load implements StateStore.
func (s *SQLite) Load(ctx context.Context, mb models.Mailbox) (models.MailboxState, error) {
	tenant, address := mailboxKey(mb)
	var st models.MailboxState
	err := s.db.QueryRowContext(ctx, `
		SELECT delta_cursor, folder_id FROM mailbox_state
		WHERE tenant_alias = ? AND mailbox = ?
	`, tenant, address).Scan(&st.Cursor, &st.FolderID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.MailboxState{}, nil
	}
	if err != nil {
		return models.MailboxState{}, fmt.Errorf("load state for %s: %w", mb, err)
	}
	return st, nil
}

// Save implements StateStore.
func (s *SQLite) Save(ctx context.Context, mb models.Mailbox, st models.MailboxState) error {
	tenant, address := mailboxKey(mb)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO mailbox_state (tenant_alias, mailbox, delta_cursor, folder_id, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (tenant_alias, mailbox) DO UPDATE SET
			delta_cursor = excluded.delta_cursor,
			folder_id    = excluded.folder_id,
			updated_at   = excluded.updated_at
	`, tenant, address, st.Cursor, st.FolderID, formatTime(time.Now()))
	if err != nil {
		return fmt.Errorf("save state for %s: %w", mb, err)
	}
	return nil
}

// Append implements EventLog.
func (s *SQLite) Append(ctx context.Context, ev models.NewEvent) (int64, error) {
	e := eventFromNew(ev, time.Now().UTC())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO quarantine_events
			(tenant_alias, mailbox, message_id, moved_message_id, sender, subject,
			 received_at, classification, risk_score, reasons, rule, moved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, e.TenantAlias, e.Mailbox, e.MessageID, e.MovedMessageID, e.Sender, e.Subject,
		formatTime(e.ReceivedAt), string(e.Classification), e.RiskScore,
		encodeReasons(e.Reasons), e.Rule, e.Moved, formatTime(e.CreatedAt),
	)
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("append event: %w", err)
	}
	return id, nil
}

// MarkReleased implements EventLog.
func (s *SQLite) MarkReleased(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE quarantine_events SET released = 1, released_at = ? WHERE id = ?
	`, formatTime(time.Now()), id)
	if err != nil {
		return fmt.Errorf("mark event %d released: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("mark event %d released: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sqliteEventColumns = `
	id, tenant_alias, mailbox, message_id, moved_message_id, sender, subject,
	received_at, classification, risk_score, reasons, rule, moved, created_at,
	released, released_at`

// ListRecent implements EventLog.
func (s *SQLite) ListRecent(ctx context.Context, limit int) ([]models.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+sqliteEventColumns+`
		FROM quarantine_events
		ORDER BY id DESC
		LIMIT ?
	`, normLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		events = append(events, *e)
	}
	return events, rows.Err()
}

// Get implements EventLog.
func (s *SQLite) Get(ctx context.Context, id int64) (*models.Event, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+sqliteEventColumns+`
		FROM quarantine_events WHERE id = ?
	`, id)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get event %d: %w", id, err)
	}
	return e, nil
}

// Stats implements EventLog.
func (s *SQLite) Stats(ctx context.Context) (models.Stats, error) {
	var st models.Stats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN moved = 1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN released = 1 THEN 1 ELSE 0 END), 0)
		FROM quarantine_events
	`).Scan(&st.Total, &st.Quarantined, &st.Released)
	if err != nil {
		return models.Stats{}, fmt.Errorf("event stats: %w", err)
	}
	st.Allowed = st.Total - st.Quarantined
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (*models.Event, error) {
	var (
		e                               models.Event
		class, reasons                  string
		receivedAt, createdAt, released string
		moved, isReleased               int64
	)
	err := row.Scan(
		&e.ID, &e.TenantAlias, &e.Mailbox, &e.MessageID, &e.MovedMessageID,
		&e.Sender, &e.Subject, &receivedAt, &class, &e.RiskScore, &reasons,
		&e.Rule, &moved, &createdAt, &isReleased, &released,
	)
	if err != nil {
		return nil, err
	}
	e.Classification = models.Classification(class)
	e.Reasons = decodeReasons(reasons)
	e.Moved = moved != 0
	e.Released = isReleased != 0
	e.ReceivedAt = parseTime(receivedAt)
	e.CreatedAt = parseTime(createdAt)
	if t := parseTime(released); !t.IsZero() {
		e.ReleasedAt = &t
	}
	return &e, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
