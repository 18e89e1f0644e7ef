package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"geonotify/internal/task/engine"
	logx "geonotify/pkg/logx"

	"github.com/robfig/cron/v3"
)

func New(cfg Config, eng Submitter, log logx.Logger) *Service {
	return &Service{
		log:       log.With(logx.String("comp", "scheduler")),
		eng:       eng,
		cfg:       cfg,
		parser:    cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
		schedules: make(map[string]*scheduleDef),
	}
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Start builds the cron runner with every registered schedule. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		return
	}
	s.loc = s.loadLocationLocked()
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(s.loc))
	for _, d := range s.schedules {
		if err := s.addCronLocked(d); err != nil {
			s.log.Warn("schedule not registered", logx.String("schedule", d.name), logx.Err(err))
		}
	}
	s.c.Start()
	s.running = true
	s.log.Info("scheduler started", logx.Int("schedules", len(s.schedules)), logx.String("tz", s.loc.String()))
}

// Stop halts triggers and waits for in-progress cron callbacks (which only
// enqueue) to return.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	s.running = false
	s.mu.Unlock()
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

// Apply swaps the config; a timezone or enable change restarts the runner.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if prev.Timezone == cfg.Timezone && prev.Enabled == cfg.Enabled {
		return
	}
	if running {
		s.Stop(ctx)
	}
	s.Start(ctx)
}

// AddSchedule registers a job under a schedule string accepted by
// ParseSchedule. Jobs default to OverlapSkipIfRunning so a slow sweep never
// stacks up behind its own trigger.
func (s *Service) AddSchedule(name, spec string, timeout time.Duration, job func(ctx context.Context) error) error {
	return s.AddScheduleOpt(name, spec, timeout, TaskOptions{Overlap: OverlapSkipIfRunning}, job)
}

func (s *Service) AddScheduleOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	ps, err := ParseSchedule(spec)
	if err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	if ps.Kind == SpecInterval {
		return s.AddIntervalOpt(name, ps.Every, timeout, opt, job)
	}
	return s.AddCronOpt(name, ps.Cron, timeout, opt, job)
}

func (s *Service) AddCronOpt(name, spec string, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if _, err := s.parser.Parse(spec); err != nil {
		return fmt.Errorf("schedule %q: %w", name, err)
	}
	return s.register(&scheduleDef{name: name, spec: spec, timeout: timeout, job: job, opt: opt})
}

func (s *Service) AddIntervalOpt(name string, every time.Duration, timeout time.Duration, opt TaskOptions, job func(ctx context.Context) error) error {
	if every <= 0 {
		return fmt.Errorf("schedule %q: interval must be > 0", name)
	}
	return s.register(&scheduleDef{name: name, spec: "@every " + every.String(), every: every, timeout: timeout, job: job, opt: opt})
}

func (s *Service) register(d *scheduleDef) error {
	d.name = strings.TrimSpace(d.name)
	if d.name == "" {
		return errors.New("schedule name required")
	}
	if d.job == nil {
		return fmt.Errorf("schedule %q: job is nil", d.name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.schedules[d.name]; ok && s.c != nil {
		s.c.Remove(old.entryID)
	}
	s.schedules[d.name] = d
	if s.running {
		if err := s.addCronLocked(d); err != nil {
			delete(s.schedules, d.name)
			return err
		}
	}
	return nil
}

// Remove unregisters a schedule. It reports whether one existed.
func (s *Service) Remove(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.schedules[name]
	if !ok {
		return false
	}
	if s.c != nil {
		s.c.Remove(d.entryID)
	}
	delete(s.schedules, name)
	return true
}

// Trigger enqueues a registered job immediately, outside its schedule.
func (s *Service) Trigger(name string) error {
	s.mu.Lock()
	d, ok := s.schedules[name]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("schedule %q not found", name)
	}
	return s.fire(d)
}

func (s *Service) addCronLocked(d *scheduleDef) error {
	var sched cron.Schedule
	if d.every > 0 {
		sched, d.spread = intervalWithSpread(d.every, time.Now(), d.name)
	} else {
		p, err := s.parser.Parse(d.spec)
		if err != nil {
			return err
		}
		sched = p
	}
	d.entryID = s.c.Schedule(sched, cron.FuncJob(func() { _ = s.fire(d) }))
	return nil
}

func (s *Service) fire(d *scheduleDef) error {
	err := s.eng.Enqueue(engine.Task{
		Name:    d.name,
		Key:     d.name,
		Timeout: d.timeout,
		Run:     d.job,
		Opt:     d.opt,
	})

	s.mu.Lock()
	d.lastAt = time.Now()
	switch {
	case err == nil:
		d.fired++
		d.lastErr = ""
	case errors.Is(err, engine.ErrOverlapSkip):
		d.skipped++
	default:
		d.lastErr = err.Error()
	}
	s.mu.Unlock()

	if err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
		s.log.Warn("schedule trigger not enqueued", logx.String("schedule", d.name), logx.Err(err))
	}
	return err
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; using UTC", logx.String("tz", tz), logx.Err(err))
		return time.UTC
	}
	return loc
}

// Snapshot lists registered schedules sorted by name.
func (s *Service) Snapshot() []ScheduleInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]ScheduleInfo, 0, len(s.schedules))
	tz := "UTC"
	if s.loc != nil {
		tz = s.loc.String()
	}
	for _, d := range s.schedules {
		info := ScheduleInfo{
			Name: d.name, Spec: d.spec, Fired: d.fired, Skipped: d.skipped,
			LastAt: d.lastAt, LastErr: d.lastErr, Timezone: tz,
		}
		if s.c != nil {
			e := s.c.Entry(d.entryID)
			info.Next, info.Prev = e.Next, e.Prev
		}
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
