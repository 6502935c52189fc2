// Package store persists the device-side state of the patrol engine: the
// report queue and the connectivity flags. Layout on disk:
//
//	report_queue  one row per SyncQueueEntry, seq gives FIFO order
//	device_state  key/value rows, "sync_state" holds the last-offline flag
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"patrolkeeper/connectivity"
	"patrolkeeper/models"
	"patrolkeeper/queue"
)

const syncStateKey = "sync_state"

const schema = `
CREATE TABLE IF NOT EXISTS report_queue (
    seq INTEGER PRIMARY KEY AUTOINCREMENT,
    report_id TEXT NOT NULL UNIQUE,
    payload TEXT NOT NULL,
    attempts INTEGER NOT NULL DEFAULT 0,
    last_attempt_at TEXT,
    delivered INTEGER NOT NULL DEFAULT 0,
    delivered_at TEXT,
    enqueued_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_report_queue_pending ON report_queue(delivered, seq);

CREATE TABLE IF NOT EXISTS device_state (
    key TEXT PRIMARY KEY,
    value TEXT NOT NULL
);
`

// SQLite implements queue.Store and connectivity.StateStore.
type SQLite struct {
	db *sql.DB
}

var (
	_ queue.Store             = (*SQLite)(nil)
	_ connectivity.StateStore = (*SQLite)(nil)
)

// Open opens (and creates if needed) the database at path.
func Open(ctx context.Context, path string) (*SQLite, error) {
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// single writer keeps append and mark operations serialized
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}
	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Append(ctx context.Context, report models.CheckpointReport) (models.SyncQueueEntry, error) {
	payload, err := json.Marshal(report)
	if err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("failed to encode report: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO report_queue (report_id, payload, enqueued_at)
		VALUES (?, ?, ?)
		ON CONFLICT(report_id) DO NOTHING
	`, report.ReportID, string(payload), formatTime(time.Now()))
	if err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("failed to insert report: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return models.SyncQueueEntry{}, err
	}
	if n == 0 {
		return models.SyncQueueEntry{}, queue.ErrDuplicateReport
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return models.SyncQueueEntry{}, err
	}
	return models.SyncQueueEntry{Seq: seq, Report: report}, nil
}

func (s *SQLite) OldestUndelivered(ctx context.Context) (models.SyncQueueEntry, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT seq, payload, attempts, last_attempt_at, delivered, delivered_at
		FROM report_queue
		WHERE delivered = 0
		ORDER BY seq
		LIMIT 1
	`)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return models.SyncQueueEntry{}, queue.ErrEmpty
	}
	return entry, err
}

func (s *SQLite) RecordAttempt(ctx context.Context, reportID string, at time.Time) (int, error) {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE report_queue
		SET attempts = attempts + 1, last_attempt_at = ?
		WHERE report_id = ? AND delivered = 0
	`, formatTime(at), reportID); err != nil {
		return 0, fmt.Errorf("failed to record attempt: %w", err)
	}

	var attempts int
	err := s.db.QueryRowContext(ctx, `SELECT attempts FROM report_queue WHERE report_id = ?`, reportID).Scan(&attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, queue.ErrEntryNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read attempts: %w", err)
	}
	return attempts, nil
}

func (s *SQLite) MarkDelivered(ctx context.Context, reportID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE report_queue
		SET delivered = 1, delivered_at = ?
		WHERE report_id = ? AND delivered = 0
	`, formatTime(at), reportID)
	if err != nil {
		return fmt.Errorf("failed to mark delivered: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return nil
	}

	var exists int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM report_queue WHERE report_id = ?`, reportID).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return queue.ErrEntryNotFound
	}
	return err
}

func (s *SQLite) Pending(ctx context.Context) ([]models.SyncQueueEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT seq, payload, attempts, last_attempt_at, delivered, delivered_at
		FROM report_queue
		WHERE delivered = 0
		ORDER BY seq
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending reports: %w", err)
	}
	defer rows.Close()

	var entries []models.SyncQueueEntry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s *SQLite) PruneDelivered(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM report_queue WHERE delivered = 1 AND delivered_at < ?
	`, formatTime(before))
	if err != nil {
		return 0, fmt.Errorf("failed to prune queue: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *SQLite) LoadSyncState(ctx context.Context) (connectivity.SyncState, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM device_state WHERE key = ?`, syncStateKey).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return connectivity.SyncState{}, nil
	}
	if err != nil {
		return connectivity.SyncState{}, fmt.Errorf("failed to load sync state: %w", err)
	}
	var state connectivity.SyncState
	if err := json.Unmarshal([]byte(value), &state); err != nil {
		return connectivity.SyncState{}, fmt.Errorf("failed to decode sync state: %w", err)
	}
	return state, nil
}

func (s *SQLite) SaveSyncState(ctx context.Context, state connectivity.SyncState) error {
	value, err := json.Marshal(state)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO device_state (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value
	`, syncStateKey, string(value))
	if err != nil {
		return fmt.Errorf("failed to save sync state: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEntry(row rowScanner) (models.SyncQueueEntry, error) {
	var (
		entry         models.SyncQueueEntry
		payload       string
		lastAttemptAt sql.NullString
		deliveredAt   sql.NullString
		delivered     int
	)
	if err := row.Scan(&entry.Seq, &payload, &entry.Attempts, &lastAttemptAt, &delivered, &deliveredAt); err != nil {
		return models.SyncQueueEntry{}, err
	}
	if err := json.Unmarshal([]byte(payload), &entry.Report); err != nil {
		return models.SyncQueueEntry{}, fmt.Errorf("failed to decode queued report %d: %w", entry.Seq, err)
	}
	entry.Delivered = delivered == 1
	entry.LastAttemptAt = parseTime(lastAttemptAt)
	entry.DeliveredAt = parseTime(deliveredAt)
	return entry, nil
}

// Times are stored as fixed-width UTC strings so that text comparison in
// PruneDelivered orders them correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s sql.NullString) *time.Time {
	if !s.Valid {
		return nil
	}
	t, err := time.Parse(timeLayout, s.String)
	if err != nil {
		return nil
	}
	return &t
}
