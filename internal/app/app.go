package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"geonotify/internal/api"
	"geonotify/internal/config"
	"geonotify/internal/event"
	"geonotify/internal/eventbus"
	"geonotify/internal/geofence"
	"geonotify/internal/ingest"
	"geonotify/internal/metrics"
	"geonotify/internal/model"
	"geonotify/internal/notifier"
	"geonotify/internal/pipeline"
	"geonotify/internal/poi"
	"geonotify/internal/push"
	"geonotify/internal/runtime/keylock"
	rtsup "geonotify/internal/runtime/supervisor"
	"geonotify/internal/storage"
	"geonotify/internal/task/engine"
	"geonotify/internal/task/scheduler"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

type App struct {
	cfgm *config.ConfigManager
	sup  *rtsup.Supervisor

	log   logx.Logger
	logs  *logx.Service
	bus   eventbus.Bus
	clk   clock.Clock
	store *storage.SQLite
	reg   *prometheus.Registry
	mets  *metrics.Metrics

	engine  *engine.Service
	sched   *scheduler.Service
	alloc   *geofence.Allocator
	proc    *event.Processor
	gateway *push.Gateway
	notif   *notifier.Service
	queue   *ingest.Queue
	pipe    *pipeline.Pipeline

	handler http.Handler
	http    *api.Server
}

// New loads the configuration and wires every component. Nothing runs
// until Start.
func New(ctx context.Context, cfgPath string) (*App, error) {
	cfgm := config.NewConfigManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(cfg); err != nil {
		return nil, err
	}

	logSvc, log := logx.New(mapLogging(cfg))
	clk := clock.System()
	bus := eventbus.New()

	sc, _ := mapStorage(cfg)
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		_ = logSvc.Close()
		return nil, err
	}
	a := &App{cfgm: cfgm, log: log.With(logx.String("comp", "app")), logs: logSvc, bus: bus, clk: clk, store: store}
	if err := a.wire(ctx, cfg, log); err != nil {
		_ = store.Close()
		_ = logSvc.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire(ctx context.Context, cfg *config.Config, log logx.Logger) error {
	a.reg = prometheus.NewRegistry()
	a.reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.mets = metrics.MustNew(a.reg)

	engCfg, _ := mapTaskEngine(cfg)
	a.engine = engine.New(engCfg, log, a.bus)
	a.sched = scheduler.New(scheduler.Config{Enabled: cfg.Sweeps.Enabled, Timezone: cfg.Sweeps.Timezone}, a.engine, log)

	finder, err := buildFinder(cfg, log)
	if err != nil {
		return err
	}
	// Allocation and event processing serialize on the same per-user lock.
	userLocks := keylock.New()
	gcfg, _ := mapGeofence(cfg)
	a.alloc = geofence.New(gcfg, geofence.Deps{Store: a.store, Finder: finder, Engine: a.engine, Locks: userLocks, Clock: a.clk, Bus: a.bus, Log: log})

	adapters, err := buildAdapters(ctx, cfg)
	if err != nil {
		return err
	}
	pcfg, _ := mapPush(cfg)
	a.gateway = push.New(pcfg, push.Deps{Store: a.store, Adapters: adapters, Clock: a.clk, Bus: a.bus, Log: log})

	ncfg, _ := mapNotifier(cfg)
	a.notif = notifier.New(ncfg, notifier.Deps{Store: a.store, Gateway: a.gateway, Clock: a.clk, Bus: a.bus, Log: log})

	ecfg, _ := mapEvents(cfg)
	a.proc = event.New(ecfg, event.Deps{Store: a.store, Locks: userLocks, Clock: a.clk, Bus: a.bus, Log: log})
	a.proc.SetJoinable(a.notif)

	icfg, _ := mapIngest(cfg)
	a.queue = ingest.New(icfg, ingest.Deps{Store: a.store, Clock: a.clk, Bus: a.bus, Log: log})
	a.pipe = pipeline.New(pipeline.Deps{Processor: a.proc, Scheduler: a.notif, Queue: a.queue, Store: a.store, Log: log})
	a.queue.SetHandler(a.pipe.Reprocess)

	if err := a.registerSweeps(cfg); err != nil {
		return err
	}

	a.handler = api.NewRouter(mapAPI(cfg), api.Deps{
		Pipeline: a.pipe, Geofences: a.alloc, Notifier: a.notif, Queue: a.queue, Store: a.store,
		Gatherer: a.reg, Clock: a.clk, Log: log,
	})
	if cfg.HTTP.Enabled {
		rt, _ := config.ParseDurationField("http.read_timeout", cfg.HTTP.ReadTimeout)
		wt, _ := config.ParseDurationField("http.write_timeout", cfg.HTTP.WriteTimeout)
		a.http = api.NewServer(cfg.HTTP.Addr, a.handler, rt, wt, log)
	}
	return nil
}

func buildFinder(cfg *config.Config, log logx.Logger) (poi.Finder, error) {
	if !cfg.POI.Enabled {
		return poi.Disabled{}, nil
	}
	timeout, err := config.ParseDurationField("poi.timeout", cfg.POI.Timeout)
	if err != nil {
		return nil, err
	}
	g, err := poi.NewGoogle(poi.GoogleOptions{APIKey: cfg.POI.APIKey, MaxResults: cfg.POI.MaxResults, Timeout: timeout}, log)
	if err != nil {
		return nil, err
	}
	return g, nil
}

// buildAdapters selects the push backends. Simulated mode never touches
// APNs or FCM credentials.
func buildAdapters(ctx context.Context, cfg *config.Config) ([]push.Adapter, error) {
	pc := cfg.Push
	if strings.EqualFold(strings.TrimSpace(pc.Mode), "simulated") {
		sim := push.SimulatedConfig{FailureRate: pc.Simulated.FailureRate, PermanentRate: pc.Simulated.PermanentRate, Seed: pc.Simulated.Seed}
		return []push.Adapter{
			push.NewSimulated(model.PlatformIOS, sim),
			push.NewSimulated(model.PlatformAndroid, sim),
		}, nil
	}
	var out []push.Adapter
	if pc.APNs.Enabled {
		a, err := push.NewAPNs(push.APNsConfig{
			KeyFile: pc.APNs.KeyPath, KeyID: pc.APNs.KeyID, TeamID: pc.APNs.TeamID,
			Topic: pc.APNs.Topic, Production: pc.APNs.Production, Concurrency: pc.Concurrency,
		})
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	if pc.FCM.Enabled {
		f, err := push.NewFCM(ctx, push.FCMConfig{CredentialsFile: pc.FCM.CredentialsFile, ProjectID: pc.FCM.ProjectID})
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if len(out) == 0 {
		return nil, errors.New("push.mode=live needs push.apns or push.fcm enabled")
	}
	return out, nil
}

// Handler exposes the HTTP routes, mainly for tests.
func (a *App) Handler() http.Handler { return a.handler }

// Done is closed when the app context is cancelled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error { return validate(cfg) })

	run := a.sup.Context()
	a.engine.Start(run)
	a.notif.Start(run)
	a.sched.Start(run)

	a.sup.Go("metrics", func(c context.Context) error { return a.mets.Run(c, a.bus) })
	if a.http != nil {
		a.sup.Go("http", a.http.Run)
	}
	a.sup.Go("config.reload", func(c context.Context) error { a.reloadLoop(c); return nil })
	a.sup.Go("config.watch", a.cfgm.Watch)

	// Pick up rows left pending or queued by a previous run.
	for _, name := range []string{sweepNotifier, sweepIngest} {
		if err := a.sched.Trigger(name); err != nil && !errors.Is(err, engine.ErrOverlapSkip) {
			a.log.Debug("startup sweep not queued", logx.String("sweep", name), logx.Err(err))
		}
	}
	a.log.Info("app started")
	return nil
}

func (a *App) reloadLoop(ctx context.Context) {
	sub := a.cfgm.Subscribe(8)
	defer a.cfgm.Unsubscribe(sub)
	last := a.cfgm.Get()
	for {
		select {
		case <-ctx.Done():
			return
		case next, ok := <-sub:
			if !ok {
				return
			}
			// Coalesce bursts.
			for drained := false; !drained; {
				select {
				case newer := <-sub:
					if newer != nil {
						next = newer
					}
				default:
					drained = true
				}
			}
			a.apply(ctx, last, next)
			last = next
		}
	}
}

// apply pushes a validated config into the running components. Storage,
// HTTP listener, auth and push backends need a restart.
func (a *App) apply(ctx context.Context, prev, next *config.Config) {
	sections, attrs := config.SummarizeConfigChange(prev, next)
	if len(sections) == 0 {
		a.log.Debug("config reload received, but no effective changes detected")
		return
	}
	for _, s := range sections {
		switch s {
		case "storage", "http", "auth", "poi":
			a.log.Warn("config section changed; restart required", logx.String("section", s))
		}
	}

	a.logs.Apply(mapLogging(next))
	if c, err := mapGeofence(next); err == nil {
		a.alloc.Apply(c)
	}
	if c, err := mapEvents(next); err == nil {
		a.proc.Apply(c)
	}
	if c, err := mapNotifier(next); err == nil {
		a.notif.Apply(c)
	}
	if c, err := mapIngest(next); err == nil {
		a.queue.Apply(c)
	}
	if c, err := mapPush(next); err == nil {
		// Adapters and credentials stay as built.
		a.gateway.Apply(c)
	}
	if c, err := mapTaskEngine(next); err == nil {
		a.engine.Apply(ctx, c)
	}
	a.sched.Apply(ctx, scheduler.Config{Enabled: next.Sweeps.Enabled, Timezone: next.Sweeps.Timezone})
	if err := a.registerSweeps(next); err != nil {
		a.log.Warn("sweep schedules not updated", logx.Err(err))
	}

	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

func (a *App) Stop(ctx context.Context, reason StopReason) error {
	if a.sup == nil {
		return a.close()
	}
	a.log.Info("stopping", logx.String("reason", string(reason)))

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		c, cancel := context.WithTimeout(ctx, max)
		defer cancel()
		start := time.Now()
		if err := fn(c); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	// HTTP and the reload loop go first so nothing new arrives behind the
	// workers.
	step("supervisor", 6*time.Second, func(c context.Context) error {
		if err := a.sup.Stop(c); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, a.sup.Err()) {
			return err
		}
		return nil
	})
	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("taskengine", 2*time.Second, func(c context.Context) error { a.engine.Stop(c); return nil })
	step("notifier", 3*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	err := a.close()
	a.log.Info("stopped")
	return err
}

func (a *App) close() error {
	var errs []error
	if err := a.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("storage: %w", err))
	}
	if err := a.logs.Close(); err != nil {
		errs = append(errs, fmt.Errorf("logging: %w", err))
	}
	return errors.Join(errs...)
}
