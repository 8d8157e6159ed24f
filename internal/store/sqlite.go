package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ashureev/pairbot/internal/domain"
	"github.com/ashureev/pairbot/internal/shared"
	_ "modernc.org/sqlite"
)

const (
	writeAttempts  = 3
	writeBaseDelay = 100 * time.Millisecond
)

// SQLiteJournal implements Journal using SQLite.
type SQLiteJournal struct {
	db      *sql.DB
	writeMu sync.Mutex // serializes writers to keep SQLITE_BUSY rare
	now     func() time.Time
}

// NewSQLite opens (or creates) the journal at dbPath.
func NewSQLite(dbPath string) (*SQLiteJournal, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	dsn := "file:" + dbPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	j := &SQLiteJournal{db: db, now: time.Now}
	if err := j.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return j, nil
}

func (j *SQLiteJournal) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS transitions (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		from_state TEXT NOT NULL,
		to_state TEXT NOT NULL,
		reason TEXT NOT NULL DEFAULT '',
		status_code INTEGER NOT NULL DEFAULT 0,
		at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS messages (
		message_id TEXT PRIMARY KEY,
		sender TEXT NOT NULL,
		body TEXT NOT NULL,
		outcome TEXT NOT NULL DEFAULT '',
		detail TEXT NOT NULL DEFAULT '',
		received_at INTEGER NOT NULL,
		updated_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_messages_received ON messages(received_at);
	`
	if _, err := j.db.Exec(query); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// Ping verifies database connectivity.
func (j *SQLiteJournal) Ping(ctx context.Context) error {
	return j.db.PingContext(ctx)
}

// Close closes the database connection.
func (j *SQLiteJournal) Close() error {
	if err := j.db.Close(); err != nil {
		return fmt.Errorf("close database: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) write(ctx context.Context, op string, fn func() error) error {
	j.writeMu.Lock()
	defer j.writeMu.Unlock()
	return shared.RetryOnConflict(ctx, op, writeAttempts, writeBaseDelay, fn)
}

// RecordTransition appends a state machine transition.
func (j *SQLiteJournal) RecordTransition(ctx context.Context, tr domain.Transition) error {
	at := tr.At
	if at.IsZero() {
		at = j.now()
	}
	query := `INSERT INTO transitions (from_state, to_state, reason, status_code, at) VALUES (?, ?, ?, ?, ?)`
	err := j.write(ctx, "record_transition", func() error {
		_, err := j.db.ExecContext(ctx, query, string(tr.From), string(tr.To), string(tr.Reason), tr.StatusCode, at.UnixMilli())
		return err
	})
	if err != nil {
		return fmt.Errorf("record transition: %w", err)
	}
	return nil
}

// RecordInbound stores a message the first time its id is seen.
func (j *SQLiteJournal) RecordInbound(ctx context.Context, msg domain.InboundMessage) (bool, error) {
	if msg.ID == "" {
		return false, fmt.Errorf("record inbound: message id is empty")
	}
	received := msg.ReceivedAt
	if received.IsZero() {
		received = j.now()
	}
	query := `
	INSERT INTO messages (message_id, sender, body, received_at, updated_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(message_id) DO NOTHING`

	var inserted int64
	err := j.write(ctx, "record_inbound", func() error {
		result, err := j.db.ExecContext(ctx, query, msg.ID, msg.From, msg.Text(), received.UnixMilli(), j.now().UnixMilli())
		if err != nil {
			return err
		}
		inserted, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return false, fmt.Errorf("record inbound: %w", err)
	}
	return inserted == 1, nil
}

// RecordOutcome sets what the dispatcher did with a journaled message.
func (j *SQLiteJournal) RecordOutcome(ctx context.Context, id string, outcome domain.Outcome, detail string) error {
	query := `UPDATE messages SET outcome = ?, detail = ?, updated_at = ? WHERE message_id = ?`

	var rows int64
	err := j.write(ctx, "record_outcome", func() error {
		result, err := j.db.ExecContext(ctx, query, string(outcome), detail, j.now().UnixMilli(), id)
		if err != nil {
			return err
		}
		rows, err = result.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if rows == 0 {
		slog.Warn("RecordOutcome affected 0 rows", "message_id", id, "outcome", outcome)
		return fmt.Errorf("message %s not found", id)
	}
	return nil
}

// RecentTransitions returns up to limit transitions, newest first.
func (j *SQLiteJournal) RecentTransitions(ctx context.Context, limit int) ([]domain.Transition, error) {
	query := `
		SELECT from_state, to_state, reason, status_code, at
		FROM transitions ORDER BY id DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query transitions: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close transition rows", "error", closeErr)
		}
	}()

	var out []domain.Transition
	for rows.Next() {
		var tr domain.Transition
		var from, to, reason string
		var at int64
		if err := rows.Scan(&from, &to, &reason, &tr.StatusCode, &at); err != nil {
			return nil, fmt.Errorf("scan transition row: %w", err)
		}
		tr.From = domain.ConnectionState(from)
		tr.To = domain.ConnectionState(to)
		tr.Reason = domain.DisconnectReason(reason)
		tr.At = time.UnixMilli(at)
		out = append(out, tr)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transitions: %w", err)
	}
	return out, nil
}

// RecentMessages returns up to limit messages, newest first.
func (j *SQLiteJournal) RecentMessages(ctx context.Context, limit int) ([]domain.MessageRecord, error) {
	query := `
		SELECT message_id, sender, body, outcome, detail, received_at, updated_at
		FROM messages ORDER BY received_at DESC, rowid DESC LIMIT ?`

	rows, err := j.db.QueryContext(ctx, query, clampLimit(limit))
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer func() {
		if closeErr := rows.Close(); closeErr != nil {
			slog.Warn("failed to close message rows", "error", closeErr)
		}
	}()

	var out []domain.MessageRecord
	for rows.Next() {
		var rec domain.MessageRecord
		var outcome string
		var received, updated int64
		if err := rows.Scan(&rec.ID, &rec.From, &rec.Body, &outcome, &rec.Detail, &received, &updated); err != nil {
			return nil, fmt.Errorf("scan message row: %w", err)
		}
		rec.Outcome = domain.Outcome(outcome)
		rec.ReceivedAt = time.UnixMilli(received)
		rec.UpdatedAt = time.UnixMilli(updated)
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return out, nil
}

func clampLimit(limit int) int {
	switch {
	case limit <= 0:
		return 50
	case limit > 500:
		return 500
	}
	return limit
}

var _ Journal = (*SQLiteJournal)(nil)
