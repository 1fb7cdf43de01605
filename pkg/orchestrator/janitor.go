package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"g3/pkg/job"
)

// DefaultJanitorSchedule runs cleanup every ten minutes.
const DefaultJanitorSchedule = "@every 10m"

func (o *Orchestrator) startJanitor(ctx context.Context) error {
	schedule := o.opts.JanitorSchedule
	if schedule == "" {
		schedule = DefaultJanitorSchedule
	}
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger)))
	if _, err := c.AddFunc(schedule, func() { o.Sweep(ctx) }); err != nil {
		return fmt.Errorf("invalid janitor schedule %q: %w", schedule, err)
	}
	c.Start()
	o.cron = c
	return nil
}

// SweepResult counts what one janitor pass removed.
type SweepResult struct {
	Environments int `json:"environments"`
	Streams      int `json:"streams"`
}

// Sweep removes sandbox environments of finished jobs and drops log streams
// closed for longer than the retention.
func (o *Orchestrator) Sweep(ctx context.Context) SweepResult {
	var res SweepResult
	if o.deps.Reaper != nil {
		n, err := o.deps.Reaper.ReapOrphans(ctx, func(jobID string) bool {
			j, err := o.deps.Repo.GetJob(ctx, jobID)
			if errors.Is(err, job.ErrNotFound) {
				return false
			}
			// Keep on lookup errors; the next pass will retry.
			return err != nil || !j.Status.IsTerminal()
		})
		if err != nil {
			o.logger.Warn("Janitor: sandbox reaping failed: %v", err)
		}
		res.Environments = n
	}

	cutoff := time.Now().Add(-o.opts.StreamRetention)
	o.mu.Lock()
	for id, b := range o.brokers {
		if b.closedBefore(cutoff) {
			delete(o.brokers, id)
			res.Streams++
		}
	}
	o.mu.Unlock()

	if res.Environments > 0 || res.Streams > 0 {
		o.logger.Info("Janitor removed %d environments and %d log streams", res.Environments, res.Streams)
	}
	return res
}
