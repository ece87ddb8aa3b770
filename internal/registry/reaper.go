package registry

import (
	"time"

	"github.com/robfig/cron/v3"

	"github.com/jeffvan302/fileharbor/internal/metrics"
)

// Reaper periodically calls ReapIdle on a schedule, mirroring the cron
// job the teacher's statemachine controller uses for its own periodic
// reconciliation instead of a raw sleep loop.
type Reaper struct {
	registry    *Registry
	idleTimeout time.Duration
	cron        *cron.Cron
}

// NewReaper builds a Reaper that closes sessions idle longer than
// idleTimeout every time the cron spec fires. spec.md's "every 60s" scan
// maps to the "@every 60s" cron spec.
func NewReaper(r *Registry, idleTimeout time.Duration) *Reaper {
	return &Reaper{
		registry:    r,
		idleTimeout: idleTimeout,
		cron:        cron.New(),
	}
}

// Start schedules the reap loop at the given cron spec (e.g. "@every 60s")
// and returns immediately; the schedule runs in cron's own goroutine.
func (rp *Reaper) Start(spec string) error {
	_, err := rp.cron.AddFunc(spec, func() {
		n := rp.registry.ReapIdle(rp.idleTimeout)
		metrics.SessionsReaped.Add(float64(n))
	})
	if err != nil {
		return err
	}
	rp.cron.Start()
	return nil
}

// Stop halts the schedule and waits for any in-flight run to finish.
func (rp *Reaper) Stop() {
	ctx := rp.cron.Stop()
	<-ctx.Done()
}
