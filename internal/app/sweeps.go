package app

import (
	"context"
	"errors"
	"strings"
	"time"

	"geonotify/internal/config"
	logx "geonotify/pkg/logx"
)

const (
	sweepNotifier  = "sweep.notifier"
	sweepIngest    = "sweep.ingest"
	sweepRetention = "sweep.retention"
)

// registerSweeps (re)binds the periodic jobs to their schedules. An empty
// spec unregisters the job.
func (a *App) registerSweeps(cfg *config.Config) error {
	jobs := []struct {
		name    string
		spec    string
		timeout time.Duration
		run     func(ctx context.Context) error
	}{
		{sweepNotifier, cfg.Sweeps.Notifier, time.Minute, a.notif.Sweep},
		{sweepIngest, cfg.Sweeps.Ingest, 2 * time.Minute, a.sweepIngest},
		{sweepRetention, cfg.Sweeps.Retention, 5 * time.Minute, a.purge},
	}
	var errs []error
	for _, j := range jobs {
		if strings.TrimSpace(j.spec) == "" {
			a.sched.Remove(j.name)
			continue
		}
		if err := a.sched.AddSchedule(j.name, j.spec, j.timeout, j.run); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (a *App) sweepIngest(ctx context.Context) error {
	rep, err := a.queue.Sweep(ctx)
	if err != nil {
		return err
	}
	if rep.Claimed > 0 {
		a.log.Info("ingest sweep",
			logx.Int("claimed", rep.Claimed), logx.Int("done", rep.Done),
			logx.Int("retried", rep.Retried), logx.Int("failed", rep.Failed))
	}
	return nil
}

// purge drops settled rows older than the retention window and expired
// cooldowns and snoozes.
func (a *App) purge(ctx context.Context) error {
	keep, err := retention(a.cfgm.Get())
	if err != nil {
		return err
	}
	now := a.clk.Now()
	cutoff := now.Add(-keep)

	events, err := a.store.PurgeEvents(ctx, cutoff)
	if err != nil {
		return err
	}
	queued, err := a.store.PurgeQueue(ctx, cutoff)
	if err != nil {
		return err
	}
	cooldowns, err := a.store.PruneCooldowns(ctx, now)
	if err != nil {
		return err
	}
	snoozes, err := a.store.PruneSnoozes(ctx, now)
	if err != nil {
		return err
	}
	if events+queued+cooldowns+snoozes > 0 {
		a.log.Info("retention sweep",
			logx.Int64("events", events), logx.Int64("queue", queued),
			logx.Int64("cooldowns", cooldowns), logx.Int64("snoozes", snoozes))
	}
	return nil
}
