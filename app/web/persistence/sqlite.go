// Package persistence keeps the history of terminal job events in SQLite.
// The store is append-mostly: the reconciliation engine records an event when
// a job reaches a terminal state and the web API reads them back for the
// history endpoint.
package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// Event is a single terminal transition of a job
type Event struct {
	ID            int64     `db:"id" json:"id"`
	JobID         string    `db:"job_id" json:"job_id"`
	CorrelationID string    `db:"correlation_id" json:"correlation_id"`
	Kind          string    `db:"kind" json:"kind"` // completed, cancelled or timeout
	ArtifactCount int       `db:"artifact_count" json:"artifact_count"`
	Detail        string    `db:"detail" json:"detail,omitempty"`
	CreatedAt     time.Time `db:"-" json:"created_at"`
	CreatedAtUnix int64     `db:"created_at" json:"-"`
}

// SQLiteStore implements event history persistence using SQLite
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database at dbPath
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("failed to set WAL mode: %w (also failed to close db: %v)", err, closeErr)
		}
		return nil, fmt.Errorf("failed to set WAL mode: %w", err)
	}

	store := &SQLiteStore{db: db}
	if err := store.initialize(); err != nil {
		if closeErr := db.Close(); closeErr != nil {
			return nil, fmt.Errorf("%w (also failed to close db: %v)", err, closeErr)
		}
		return nil, err
	}
	return store, nil
}

// initialize creates the database schema
func (s *SQLiteStore) initialize() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			job_id TEXT NOT NULL,
			correlation_id TEXT,
			kind TEXT NOT NULL,
			artifact_count INTEGER DEFAULT 0,
			detail TEXT,
			created_at INTEGER NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_job_id ON events(job_id)`,
		`CREATE INDEX IF NOT EXISTS idx_events_created_at ON events(created_at)`,
	}

	for _, query := range queries {
		if _, err := s.db.Exec(query); err != nil {
			return fmt.Errorf("failed to execute query: %w", err)
		}
	}

	return nil
}

// RecordEvent appends a terminal event for a job
func (s *SQLiteStore) RecordEvent(ev Event) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	ev.CreatedAtUnix = ev.CreatedAt.Unix()

	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO events (job_id, correlation_id, kind, artifact_count, detail, created_at)
		VALUES (:job_id, :correlation_id, :kind, :artifact_count, :detail, :created_at)`, ev)
	if err != nil {
		return fmt.Errorf("failed to record event for job %s: %w", ev.JobID, err)
	}

	return nil
}

// ListEvents returns the most recent events, newest first
func (s *SQLiteStore) ListEvents(limit int) ([]Event, error) {
	if limit <= 0 {
		limit = 100
	}

	events := []Event{}
	err := s.db.Select(&events, `
		SELECT id, job_id, correlation_id, kind, artifact_count, detail, created_at
		FROM events ORDER BY created_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query events: %w", err)
	}

	for i := range events {
		events[i].CreatedAt = time.Unix(events[i].CreatedAtUnix, 0)
	}
	return events, nil
}

// ListEventsForJob returns all events for a given job id, newest first
func (s *SQLiteStore) ListEventsForJob(jobID string) ([]Event, error) {
	events := []Event{}
	err := s.db.Select(&events, `
		SELECT id, job_id, correlation_id, kind, artifact_count, detail, created_at
		FROM events WHERE job_id = ? ORDER BY created_at DESC, id DESC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to query events for job %s: %w", jobID, err)
	}

	for i := range events {
		events[i].CreatedAt = time.Unix(events[i].CreatedAtUnix, 0)
	}
	return events, nil
}

// CleanupOldEvents removes events older than the retention period, returns
// the number of rows deleted
func (s *SQLiteStore) CleanupOldEvents(olderThan time.Duration) (int64, error) {
	cutoff := time.Now().Add(-olderThan).Unix()
	res, err := s.db.Exec(`DELETE FROM events WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup old events: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get affected rows: %w", err)
	}
	return n, nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
