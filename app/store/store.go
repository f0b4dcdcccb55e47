// Package store provides the durable queue backends. Two interchangeable
// implementations keep the same job records: FileStore in a single csv file
// guarded by a whole-file lock, and SQLiteStore in a sqlite database accessed
// through transactions. Both assign sequential ids, never delete jobs and
// enforce the pending -> in_progress -> done lifecycle.
package store

import (
	"errors"
	"fmt"
	"time"
)

// Status is the lifecycle state of a job.
type Status string

// job statuses, stored as-is in both backends
const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusDone       Status = "done"
	StatusFailed     Status = "failed"
)

// sentinel errors, callers check with errors.Is
var (
	ErrNotFound          = errors.New("job not found")
	ErrInvalidTransition = errors.New("invalid status transition")
)

// Job is a single queued unit of work. Timestamps are RFC3339 strings in UTC,
// UpdatedAt stays empty until the first status change.
type Job struct {
	ID        int    `json:"id"`
	Status    Status `json:"status"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// lifecycle edges. done and failed are terminal, in_progress goes back to
// pending only through an explicit requeue or reclaim.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress},
	StatusInProgress: {StatusDone, StatusFailed, StatusPending},
}

// CanTransition reports if a job may move from one status to another.
func CanTransition(from, to Status) bool {
	for _, allowed := range transitions[from] {
		if to == allowed {
			return true
		}
	}
	return false
}

// ParseStatus converts a raw string to a known Status.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusInProgress, StatusDone, StatusFailed:
		return st, nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

func now() string { return time.Now().UTC().Format(time.RFC3339Nano) }
