package store

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/gofrs/flock"
	log "github.com/go-pkgz/lgr"
)

// FileStore keeps the queue in a single csv file. Every operation takes an
// exclusive flock on a sidecar lock file, reads the complete file, applies the
// change and rewrites the file with fsync before the lock is released.
// Producers and consumers, in-process or in separate processes, all serialize
// on this lock.
type FileStore struct {
	path          string
	lock          *flock.Flock
	retryInterval time.Duration
	mu            sync.Mutex
}

// first csv row, skipped on read
var csvHeader = []string{"id", "status", "created_at", "updated_at"}

// NewFileStore makes a file-backed store for the given csv path. The queue
// file itself is created on the first write, a missing file reads as an empty
// queue.
func NewFileStore(path string) *FileStore {
	return &FileStore{
		path:          path,
		lock:          flock.New(path + ".lock"),
		retryInterval: 50 * time.Millisecond,
	}
}

// Submit appends a new pending job and returns its assigned id, the current
// number of records plus one.
func (f *FileStore) Submit(ctx context.Context) (int, error) {
	var id int
	err := f.withLock(ctx, func() error {
		jobs, err := f.load()
		if err != nil {
			return err
		}
		id = len(jobs) + 1
		jobs = append(jobs, Job{ID: id, Status: StatusPending, CreatedAt: now()})
		return f.save(jobs)
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// Claim moves the oldest pending job to in_progress and returns it. Returns
// nil without error when no pending job exists.
func (f *FileStore) Claim(ctx context.Context) (*Job, error) {
	var claimed *Job
	err := f.withLock(ctx, func() error {
		jobs, err := f.load()
		if err != nil {
			return err
		}
		for i := range jobs {
			if jobs[i].Status != StatusPending {
				continue
			}
			jobs[i].Status = StatusInProgress
			jobs[i].UpdatedAt = now()
			job := jobs[i]
			claimed = &job
			return f.save(jobs)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claimed, nil
}

// Complete marks an in_progress job done.
func (f *FileStore) Complete(ctx context.Context, id int) error {
	return f.setStatus(ctx, id, StatusDone)
}

// Fail marks an in_progress job failed.
func (f *FileStore) Fail(ctx context.Context, id int) error {
	return f.setStatus(ctx, id, StatusFailed)
}

// Requeue returns an in_progress job to pending.
func (f *FileStore) Requeue(ctx context.Context, id int) error {
	return f.setStatus(ctx, id, StatusPending)
}

// ReclaimStale returns to pending all in_progress jobs last updated before the
// given age and reports how many were moved. Jobs with unparsable timestamps
// are left alone.
func (f *FileStore) ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	count := 0
	err := f.withLock(ctx, func() error {
		jobs, err := f.load()
		if err != nil {
			return err
		}
		for i := range jobs {
			if jobs[i].Status != StatusInProgress {
				continue
			}
			ts, err := time.Parse(time.RFC3339Nano, jobs[i].UpdatedAt)
			if err != nil {
				log.Printf("[WARN] can't parse updated_at %q for job %d: %v", jobs[i].UpdatedAt, jobs[i].ID, err)
				continue
			}
			if ts.After(cutoff) {
				continue
			}
			jobs[i].Status = StatusPending
			jobs[i].UpdatedAt = now()
			count++
		}
		if count == 0 {
			return nil
		}
		return f.save(jobs)
	})
	if err != nil {
		return 0, err
	}
	return count, nil
}

// Load returns all jobs in file order.
func (f *FileStore) Load(ctx context.Context) ([]Job, error) {
	var jobs []Job
	err := f.withLock(ctx, func() error {
		var err error
		jobs, err = f.load()
		return err
	})
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

// Get returns a single job by id.
func (f *FileStore) Get(ctx context.Context, id int) (Job, error) {
	var job Job
	err := f.withLock(ctx, func() error {
		jobs, err := f.load()
		if err != nil {
			return err
		}
		for _, j := range jobs {
			if j.ID == id {
				job = j
				return nil
			}
		}
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	})
	if err != nil {
		return Job{}, err
	}
	return job, nil
}

// Close releases the lock file handle.
func (f *FileStore) Close() error { return f.lock.Close() }

func (f *FileStore) setStatus(ctx context.Context, id int, to Status) error {
	return f.withLock(ctx, func() error {
		jobs, err := f.load()
		if err != nil {
			return err
		}
		for i := range jobs {
			if jobs[i].ID != id {
				continue
			}
			if !CanTransition(jobs[i].Status, to) {
				return fmt.Errorf("job %d is %s: %w", id, jobs[i].Status, ErrInvalidTransition)
			}
			jobs[i].Status = to
			jobs[i].UpdatedAt = now()
			return f.save(jobs)
		}
		return fmt.Errorf("job %d: %w", id, ErrNotFound)
	})
}

// withLock runs fn under the in-process mutex and the cross-process file lock.
// Lock acquisition retries every retryInterval until the context is done.
func (f *FileStore) withLock(ctx context.Context, fn func() error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	locked, err := f.lock.TryLockContext(ctx, f.retryInterval)
	if err != nil {
		return fmt.Errorf("failed to lock %s: %w", f.lock.Path(), err)
	}
	if !locked {
		return fmt.Errorf("failed to lock %s", f.lock.Path())
	}
	defer func() {
		if err := f.lock.Unlock(); err != nil {
			log.Printf("[WARN] failed to unlock %s: %v", f.lock.Path(), err)
		}
	}()

	return fn()
}

// load reads the whole queue file. A missing file is an empty queue, short
// rows are padded with empty fields.
func (f *FileStore) load() ([]Job, error) {
	fh, err := os.Open(f.path)
	if err != nil {
		if os.IsNotExist(err) {
			return []Job{}, nil
		}
		return nil, fmt.Errorf("failed to open %s: %w", f.path, err)
	}
	defer fh.Close()

	r := csv.NewReader(fh)
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", f.path, err)
	}

	jobs := make([]Job, 0, len(records))
	for i, rec := range records {
		if i == 0 { // header
			continue
		}
		for len(rec) < 4 {
			rec = append(rec, "")
		}
		id, err := strconv.Atoi(rec[0])
		if err != nil {
			return nil, fmt.Errorf("failed to parse id %q at line %d of %s: %w", rec[0], i+1, f.path, err)
		}
		jobs = append(jobs, Job{ID: id, Status: Status(rec[1]), CreatedAt: rec[2], UpdatedAt: rec[3]})
	}
	return jobs, nil
}

// save rewrites the whole queue file and syncs it to disk, so the update is
// durable before the lock is released.
func (f *FileStore) save(jobs []Job) error {
	fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open %s for write: %w", f.path, err)
	}

	records := make([][]string, 0, len(jobs)+1)
	records = append(records, csvHeader)
	for _, j := range jobs {
		records = append(records, []string{strconv.Itoa(j.ID), string(j.Status), j.CreatedAt, j.UpdatedAt})
	}

	w := csv.NewWriter(fh)
	if err := w.WriteAll(records); err != nil {
		_ = fh.Close()
		return fmt.Errorf("failed to write %s: %w", f.path, err)
	}
	if err := fh.Sync(); err != nil {
		_ = fh.Close()
		return fmt.Errorf("failed to sync %s: %w", f.path, err)
	}
	if err := fh.Close(); err != nil {
		return fmt.Errorf("failed to close %s: %w", f.path, err)
	}
	return nil
}
