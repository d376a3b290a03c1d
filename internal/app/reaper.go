/**
 * @description
 * Cron job that closes abandoned tabs. A tab the client stopped polling, or a
 * signed-out tab whose redirect has been delivered, is removed from the registry.
 */
package app

import (
	"context"
	"log"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultReapSchedule runs the reaper once a minute.
const DefaultReapSchedule = "@every 1m"

// Reaper periodically calls TabRegistry.Reap.
type Reaper struct {
	cron     *cron.Cron
	registry *TabRegistry
	schedule string
}

func NewReaper(registry *TabRegistry, schedule string) *Reaper {
	if schedule == "" {
		schedule = DefaultReapSchedule
	}
	cronLogger := cron.PrintfLogger(log.Default())
	return &Reaper{
		cron:     cron.New(cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger))),
		registry: registry,
		schedule: schedule,
	}
}

// Start registers the reap job and starts the cron scheduler.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc(r.schedule, r.run); err != nil {
		return err
	}
	log.Printf("level=info component=reaper msg=\"scheduled tab reaper\" schedule=%q", r.schedule)
	r.cron.Start()
	return nil
}

func (r *Reaper) run() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if n := r.registry.Reap(ctx); n > 0 {
		log.Printf("level=info component=reaper msg=\"reaped idle tabs\" count=%d remaining=%d", n, r.registry.Count())
	}
}

// Stop stops the scheduler; the returned context is done once a running job finishes.
func (r *Reaper) Stop() context.Context {
	return r.cron.Stop()
}
