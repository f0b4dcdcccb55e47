// Package queue provides the producer and consumer sides of the job queue.
// Producer appends pending jobs, one-off or on cron schedules. Consumer runs
// the blocking claim/process/complete loop over a store backend with a
// configurable failure policy and optional reclaim of abandoned jobs.
package queue

import (
	"context"
	"fmt"
	"reflect"
	"sync/atomic"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/go-pkgz/syncs"

	"github.com/umputun/jobq/app/conditions"
	"github.com/umputun/jobq/app/store"
)

// Store provides exclusive access to the shared queue, implemented by
// store.FileStore and store.SQLiteStore
type Store interface {
	Submit(ctx context.Context) (int, error)
	Claim(ctx context.Context) (*store.Job, error)
	Complete(ctx context.Context, id int) error
	Fail(ctx context.Context, id int) error
	Requeue(ctx context.Context, id int) error
	ReclaimStale(ctx context.Context, olderThan time.Duration) (int, error)
	Load(ctx context.Context) ([]store.Job, error)
	Get(ctx context.Context, id int) (store.Job, error)
}

// Runner executes the processing callback for a claimed job. The queue lock is
// never held while Run is in flight.
type Runner interface {
	Run(ctx context.Context, job store.Job) error
	String() string
}

// Notifier defines notification delivery on processed jobs
type Notifier interface {
	Send(ctx context.Context, subj, text string) error
	IsOnError() bool
	IsOnCompletion() bool
	MakeErrorHTML(job, command, errorLog string) (string, error)
	MakeCompletionHTML(job, command string) (string, error)
}

// ConditionChecker defines interface for checking claim-gating conditions
type ConditionChecker interface {
	Check(conditions conditions.Config) (bool, string)
}

// FailurePolicy tells the consumer what to do with a job whose processing
// callback failed.
type FailurePolicy string

// failure policies
const (
	FailureLeave   FailurePolicy = "leave"   // keep the job in_progress, same as a consumer dying mid-job
	FailureRequeue FailurePolicy = "requeue" // return the job to pending for another attempt
	FailureFail    FailurePolicy = "fail"    // mark the job failed and take it out of the queue
)

// ParseFailurePolicy converts a raw string to a known FailurePolicy.
func ParseFailurePolicy(s string) (FailurePolicy, error) {
	switch p := FailurePolicy(s); p {
	case FailureLeave, FailureRequeue, FailureFail:
		return p, nil
	}
	return "", fmt.Errorf("unknown failure policy %q", s)
}

// Consumer runs the blocking claim/process/complete loop. Store and Runner
// are required, everything else is optional.
type Consumer struct {
	Store            Store
	Runner           Runner
	Notifier         Notifier
	ConditionChecker ConditionChecker
	Conditions       *conditions.Config
	HostName         string

	PollInterval  time.Duration // idle wait when the queue has nothing pending
	ErrBackoff    time.Duration // wait after a failed cycle
	NotifyTimeout time.Duration
	OnFailure     FailurePolicy
	ReclaimAfter  time.Duration // 0 disables stale job reclaim
}

// Run consumes jobs until the context is canceled. Each cycle claims the
// oldest pending job, releases the queue, processes the job and marks it done.
// Cycle errors are logged and backed off, the loop itself never fails.
func (c *Consumer) Run(ctx context.Context) error {
	c.setDefaults()
	log.Printf("[INFO] consumer started for %q, poll %v, on-failure %s", c.Runner.String(), c.PollInterval, c.OnFailure)

	for {
		claimed, err := c.cycle(ctx)
		switch {
		case ctx.Err() != nil:
			log.Print("[DEBUG] consumer terminated")
			return ctx.Err()
		case err != nil:
			log.Printf("[WARN] %v", err)
			sleep(ctx, c.ErrBackoff)
		case !claimed:
			sleep(ctx, c.PollInterval)
		}
	}
}

// Drain processes the backlog pending at the time of the call with up to
// concurrency parallel runners and returns the number of completed jobs.
// Claims stay serialized through the store, only processing overlaps.
func (c *Consumer) Drain(ctx context.Context, concurrency int) (int, error) {
	c.setDefaults()
	if concurrency <= 0 {
		concurrency = 1
	}

	if c.ReclaimAfter > 0 {
		n, err := c.Store.ReclaimStale(ctx, c.ReclaimAfter)
		if err != nil {
			return 0, fmt.Errorf("failed to reclaim stale jobs: %w", err)
		}
		if n > 0 {
			log.Printf("[INFO] reclaimed %d stale jobs", n)
		}
	}

	jobs, err := c.Store.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load queue: %w", err)
	}
	backlog := 0
	for _, j := range jobs {
		if j.Status == store.StatusPending {
			backlog++
		}
	}
	log.Printf("[INFO] draining %d pending jobs, concurrency %d", backlog, concurrency)

	var completed atomic.Int32
	gr := syncs.NewSizedGroup(concurrency)
	for i := 0; i < backlog && ctx.Err() == nil; i++ {
		job, err := c.Store.Claim(ctx)
		if err != nil {
			gr.Wait()
			return int(completed.Load()), fmt.Errorf("failed to claim: %w", err)
		}
		if job == nil {
			break
		}
		j := *job
		gr.Go(func(ctx context.Context) {
			log.Printf("[INFO] processing job %d", j.ID)
			if procErr := c.Runner.Run(ctx, j); procErr != nil {
				log.Printf("[WARN] job %d processing failed: %v", j.ID, procErr)
				c.applyFailurePolicy(ctx, j)
				c.notify(ctx, j, procErr.Error())
				return
			}
			if err := c.Store.Complete(ctx, j.ID); err != nil {
				log.Printf("[WARN] failed to complete job %d: %v", j.ID, err)
				return
			}
			log.Printf("[INFO] completed job %d", j.ID)
			completed.Add(1)
			c.notify(ctx, j, "")
		})
	}
	gr.Wait()
	return int(completed.Load()), nil
}

// cycle runs a single pass. Returns false when nothing was claimed, either an
// empty queue or a held condition.
func (c *Consumer) cycle(ctx context.Context) (claimed bool, err error) {
	if c.ConditionChecker != nil && c.Conditions != nil {
		if met, reason := c.ConditionChecker.Check(*c.Conditions); !met {
			log.Printf("[DEBUG] claim held, %s", reason)
			return false, nil
		}
	}

	if c.ReclaimAfter > 0 {
		n, err := c.Store.ReclaimStale(ctx, c.ReclaimAfter)
		if err != nil {
			return false, fmt.Errorf("failed to reclaim stale jobs: %w", err)
		}
		if n > 0 {
			log.Printf("[INFO] reclaimed %d stale jobs", n)
		}
	}

	job, err := c.Store.Claim(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to claim: %w", err)
	}
	if job == nil {
		return false, nil
	}

	log.Printf("[INFO] processing job %d", job.ID)
	if procErr := c.Runner.Run(ctx, *job); procErr != nil {
		c.applyFailurePolicy(ctx, *job)
		c.notify(ctx, *job, procErr.Error())
		return true, fmt.Errorf("job %d processing failed: %w", job.ID, procErr)
	}

	if err := c.Store.Complete(ctx, job.ID); err != nil {
		return true, fmt.Errorf("failed to complete job %d: %w", job.ID, err)
	}
	log.Printf("[INFO] completed job %d", job.ID)
	c.notify(ctx, *job, "")
	return true, nil
}

// applyFailurePolicy moves a failed job per configuration. The default leaves
// it in_progress, indistinguishable from a consumer that died mid-job.
func (c *Consumer) applyFailurePolicy(ctx context.Context, job store.Job) {
	switch c.OnFailure {
	case FailureRequeue:
		if err := c.Store.Requeue(ctx, job.ID); err != nil {
			log.Printf("[WARN] failed to requeue job %d: %v", job.ID, err)
		}
	case FailureFail:
		if err := c.Store.Fail(ctx, job.ID); err != nil {
			log.Printf("[WARN] failed to mark job %d failed: %v", job.ID, err)
		}
	case FailureLeave:
	}
}

func (c *Consumer) notify(ctx context.Context, job store.Job, errMsg string) {
	if c.Notifier == nil || reflect.ValueOf(c.Notifier).IsNil() {
		return
	}

	ctxTimeout, cancel := context.WithTimeout(ctx, c.NotifyTimeout)
	defer cancel()

	jobDesc := fmt.Sprintf("#%d", job.ID)
	if errMsg != "" && c.Notifier.IsOnError() {
		msg, err := c.Notifier.MakeErrorHTML(jobDesc, c.Runner.String(), errMsg)
		if err != nil {
			log.Printf("[WARN] can't make html email for job %d: %v", job.ID, err)
			return
		}
		if err := c.Notifier.Send(ctxTimeout, fmt.Sprintf("failed job #%d on %s", job.ID, c.HostName), msg); err != nil {
			log.Printf("[WARN] failed to send error notification for job %d: %v", job.ID, err)
		}
		return
	}

	if errMsg == "" && c.Notifier.IsOnCompletion() {
		msg, err := c.Notifier.MakeCompletionHTML(jobDesc, c.Runner.String())
		if err != nil {
			log.Printf("[WARN] can't make html email for job %d: %v", job.ID, err)
			return
		}
		if err := c.Notifier.Send(ctxTimeout, fmt.Sprintf("completed job #%d on %s", job.ID, c.HostName), msg); err != nil {
			log.Printf("[WARN] failed to send completion notification for job %d: %v", job.ID, err)
		}
	}
}

func (c *Consumer) setDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 5 * time.Second
	}
	if c.ErrBackoff <= 0 {
		c.ErrBackoff = 5 * time.Second
	}
	if c.NotifyTimeout <= 0 {
		c.NotifyTimeout = 30 * time.Second
	}
	if c.OnFailure == "" {
		c.OnFailure = FailureLeave
	}
}

// sleep waits out the duration or returns early on canceled context
func sleep(ctx context.Context, d time.Duration) {
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
