package outbox

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"gudangkas/backend/internal/domain"
	"gudangkas/backend/internal/xid"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS cash_movement_outbox (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	status TEXT NOT NULL DEFAULT 'pending',
	attempts INTEGER NOT NULL DEFAULT 0,
	last_error TEXT NOT NULL DEFAULT '',
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_cash_movement_outbox_status ON cash_movement_outbox (status, created_at);
`

// SQLiteSpool keeps the spool in a local file so it survives restarts.
type SQLiteSpool struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteSpool, error) {
	if dir := filepath.Dir(path); dir != "." && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create outbox directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open outbox: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(schemaSQL); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("init outbox schema: %w", err)
	}
	return &SQLiteSpool{db: db}, nil
}

func (s *SQLiteSpool) Close() error {
	return s.db.Close()
}

func (s *SQLiteSpool) Enqueue(ctx context.Context, movement domain.CashMovement, cause string) (Entry, error) {
	payload, err := json.Marshal(movement)
	if err != nil {
		return Entry{}, err
	}
	now := time.Now().UTC()
	entry := Entry{
		ID:        xid.New("obx"),
		Movement:  movement,
		Status:    StatusPending,
		LastError: cause,
		CreatedAt: now,
		UpdatedAt: now,
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cash_movement_outbox (id, payload, status, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, 0, ?, ?, ?)
	`, entry.ID, string(payload), string(StatusPending), cause, formatTime(now), formatTime(now))
	if err != nil {
		return Entry{}, err
	}
	return entry, nil
}

func (s *SQLiteSpool) Pending(ctx context.Context, limit int) ([]Entry, error) {
	return s.List(ctx, StatusPending, limit)
}

func (s *SQLiteSpool) MarkPosted(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE cash_movement_outbox SET status = ?, updated_at = ? WHERE id = ?
	`, string(StatusPosted), formatTime(at), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *SQLiteSpool) MarkFailed(ctx context.Context, id string, reason string, dead bool, at time.Time) error {
	status := StatusPending
	if dead {
		status = StatusDead
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE cash_movement_outbox
		SET status = ?, attempts = attempts + 1, last_error = ?, updated_at = ?
		WHERE id = ?
	`, string(status), reason, formatTime(at), id)
	if err != nil {
		return err
	}
	return expectOne(res)
}

func (s *SQLiteSpool) List(ctx context.Context, status Status, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, status, attempts, last_error, created_at, updated_at
		FROM cash_movement_outbox
		WHERE (? = '' OR status = ?)
		ORDER BY created_at ASC, id ASC
		LIMIT ?
	`, string(status), string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			entry     Entry
			payload   string
			rawStatus string
			createdAt string
			updatedAt string
		)
		if err := rows.Scan(&entry.ID, &payload, &rawStatus, &entry.Attempts, &entry.LastError, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &entry.Movement); err != nil {
			return nil, fmt.Errorf("decode outbox entry %s: %w", entry.ID, err)
		}
		entry.Status = Status(rawStatus)
		entry.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		entry.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
		out = append(out, entry)
	}
	return out, rows.Err()
}

func expectOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return ErrEntryNotFound
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
