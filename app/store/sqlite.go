package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite" // sqlite driver
)

// SQLiteStore keeps the queue in a sqlite database. Every mutation runs in a
// single immediate transaction, so claim and status updates are atomic across
// any number of producers and consumers sharing the database file.
type SQLiteStore struct {
	db *sqlx.DB
}

// row shape for scanning, updated_at is NULL until the first transition
type dbJob struct {
	ID        int            `db:"id"`
	Status    string         `db:"status"`
	CreatedAt string         `db:"created_at"`
	UpdatedAt sql.NullString `db:"updated_at"`
}

func (r dbJob) job() Job {
	return Job{ID: r.ID, Status: Status(r.Status), CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt.String}
}

// NewSQLiteStore opens the queue database, creating the file and schema when
// missing. Transactions start with an immediate write lock and contention is
// absorbed by the busy timeout.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", fmt.Sprintf("file:%s?_txlock=immediate", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1) // sqlite allows a single writer, keep our own pool out of its way

	queries := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=FULL",
		`CREATE TABLE IF NOT EXISTS jobs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			status TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT
		)`,
	}
	for _, query := range queries {
		if _, err := db.Exec(query); err != nil {
			if closeErr := db.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to execute %q: %w (also failed to close db: %v)", query, err, closeErr)
			}
			return nil, fmt.Errorf("failed to execute %q: %w", query, err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Submit inserts a new pending job and returns its autoincrement id.
func (s *SQLiteStore) Submit(ctx context.Context) (int, error) {
	var id int
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		res, err := tx.ExecContext(ctx, "INSERT INTO jobs (status, created_at) VALUES (?, ?)",
			string(StatusPending), now())
		if err != nil {
			return fmt.Errorf("failed to insert job: %w", err)
		}
		lastID, err := res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get inserted id: %w", err)
		}
		id = int(lastID)
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Claim selects the oldest pending job and flips it to in_progress in one
// transaction. Returns nil without error when no pending job exists.
func (s *SQLiteStore) Claim(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var row dbJob
		err := tx.GetContext(ctx, &row,
			"SELECT id, status, created_at, updated_at FROM jobs WHERE status = ? ORDER BY id LIMIT 1",
			string(StatusPending))
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to select pending job: %w", err)
		}

		ts := now()
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
			string(StatusInProgress), ts, row.ID); err != nil {
			return fmt.Errorf("failed to claim job %d: %w", row.ID, err)
		}

		job := row.job()
		job.Status = StatusInProgress
		job.UpdatedAt = ts
		claimed = &job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks an in_progress job done.
func (s *SQLiteStore) Complete(ctx context.Context, id int) error {
	return s.setStatus(ctx, id, StatusDone)
}

// Fail marks an in_progress job failed.
func (s *SQLiteStore) Fail(ctx context.Context, id int) error {
	return s.setStatus(ctx, id, StatusFailed)
}

// Requeue returns an in_progress job to pending.
func (s *SQLiteStore) Requeue(ctx context.Context, id int) error {
	return s.setStatus(ctx, id, StatusPending)
}

// ReclaimStale returns to pending all in_progress jobs last updated before the
// given age and reports how many were moved. Timestamps are compared in Go,
// RFC3339Nano strings don't collate reliably in SQL.
func (s *SQLiteStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		var rows []dbJob
		if err := tx.SelectContext(ctx, &rows,
			"SELECT id, status, created_at, updated_at FROM jobs WHERE status = ? ORDER BY id",
			string(StatusInProgress)); err != nil {
			return fmt.Errorf("failed to select in_progress jobs: %w", err)
		}
		for _, row := range rows {
			ts, err := time.Parse(time.RFC3339Nano, row.UpdatedAt.String)
			if err != nil {
				log.Printf("[WARN] can't parse updated_at %q for job %d: %v", row.UpdatedAt.String, row.ID, err)
				continue
			}
			if ts.After(cutoff) {
				continue
			}
			if _, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
				string(StatusPending), now(), row.ID); err != nil {
				return fmt.Errorf("failed to reclaim job %d: %w", row.ID, err)
			}
			count++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Load returns all jobs in id order.
func (s *SQLiteStore) Load(ctx context.Context) ([]Job, error) {
	var rows []dbJob
	if err := s.db.SelectContext(ctx, &rows, "SELECT id, status, created_at, updated_at FROM jobs ORDER BY id"); err != nil {
		return nil, fmt.Errorf("failed to load jobs: %w", err)
	}
	jobs := make([]Job, 0, len(rows))
	for _, row := range rows {
		jobs = append(jobs, row.job())
	}
	return jobs, nil
}

// Get returns a single job by id.
func (s *SQLiteStore) Get(ctx context.Context, id int) (Job, error) {
	var row dbJob
	err := s.db.GetContext(ctx, &row, "SELECT id, status, created_at, updated_at FROM jobs WHERE id = ?", id)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("job %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Job{}, fmt.Errorf("failed to get job %d: %w", id, err)
	}
	return row.job(), nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) setStatus(ctx context.Context, id int, to Status) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		var current string
		err := tx.GetContext(ctx, &current, "SELECT status FROM jobs WHERE id = ?", id)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("job %d: %w", id, ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("failed to select job %d: %w", id, err)
		}
		if !CanTransition(Status(current), to) {
			return fmt.Errorf("job %d is %s: %w", id, current, ErrInvalidTransition)
		}
		if _, err := tx.ExecContext(ctx, "UPDATE jobs SET status = ?, updated_at = ? WHERE id = ?",
			string(to), now(), id); err != nil {
			return fmt.Errorf("failed to update job %d: %w", id, err)
		}
		return nil
	})
}

func (s *SQLiteStore) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
