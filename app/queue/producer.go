package queue

import (
	"context"
	"fmt"
	"time"

	log "github.com/go-pkgz/lgr"
	"github.com/robfig/cron/v3"

	"github.com/umputun/jobq/app/schedule"
)

// Cron defines basic robfig/cron methods used by the scheduled producer
type Cron interface {
	Start()
	Stop() context.Context
	Schedule(schedule cron.Schedule, cmd cron.Job) cron.EntryID
}

// Schedules loads the cron specs driving scheduled submission, either a single
// inline spec or a yaml file with many
type Schedules interface {
	List() ([]schedule.Spec, error)
	String() string
}

// Producer is the submitting side of the queue.
type Producer struct {
	Store Store
	Cron  Cron // used by RunScheduled only, defaults to a standard cron
}

// Submit appends one pending job and returns its assigned id.
func (p *Producer) Submit(ctx context.Context) (int, error) {
	id, err := p.Store.Submit(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to submit job: %w", err)
	}
	log.Printf("[INFO] submitted job %d", id)
	return id, nil
}

// RunScheduled submits one job per tick of every schedule, blocking until the
// context is canceled. Tick-time submit failures are logged and don't stop
// the daemon.
func (p *Producer) RunScheduled(ctx context.Context, schedules Schedules) error {
	specs, err := schedules.List()
	if err != nil {
		return fmt.Errorf("failed to load schedules from %s: %w", schedules.String(), err)
	}
	if len(specs) == 0 {
		return fmt.Errorf("no schedules in %s", schedules.String())
	}

	cr := p.Cron
	if cr == nil {
		cr = cron.New()
	}

	for _, spec := range specs {
		sched, err := cron.ParseStandard(spec.Spec)
		if err != nil {
			return fmt.Errorf("can't parse %q: %w", spec.Spec, err)
		}
		desc := spec.String()
		cr.Schedule(sched, cron.FuncJob(func() {
			id, err := p.Store.Submit(ctx)
			if err != nil {
				log.Printf("[WARN] scheduled submit failed for %s: %v", desc, err)
				return
			}
			log.Printf("[INFO] submitted job %d for %s", id, desc)
		}))
		log.Printf("[INFO] scheduled submission %s, first: %s", desc, sched.Next(time.Now()).Format(time.RFC3339))
	}

	cr.Start()
	<-ctx.Done()
	log.Print("[DEBUG] terminate scheduled submissions")
	<-cr.Stop().Done()
	return nil
}
