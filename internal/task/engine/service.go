package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"geonotify/internal/eventbus"
	rtsup "geonotify/internal/runtime/supervisor"
	logx "geonotify/pkg/logx"
)

const warnThrottleEvery = 5 * time.Second

// Bus topics published by the engine.
const (
	TopicTaskFinished = "task.finished"
	TopicTaskFailed   = "task.failed"
	TopicTaskSkipped  = "task.skipped"
	TopicTaskDropped  = "task.dropped"
)

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	bus eventbus.Bus

	q       chan queuedTask
	sup     *rtsup.Supervisor
	stopCh  chan struct{}
	running bool

	stateMu sync.Mutex
	states  map[string]*RunState

	circuits circuitStore

	// retries parked on timers; stopped (and their state released) on Stop.
	timerMu sync.Mutex
	timers  map[*time.Timer]queuedTask

	hmu     sync.Mutex
	history []HistoryItem

	idSeq    uint64
	inFlight int32

	dropped          uint64
	droppedQueueFull uint64
	droppedStale     uint64

	lastQueueFullWarnAt int64
}

type queuedTask struct {
	task       Task
	enqueuedAt time.Time
	timeout    time.Duration
	opt        TaskOptions
	state      *RunState
	attempt    int
}

func New(cfg Config, log logx.Logger, bus eventbus.Bus) *Service {
	return &Service{
		cfg:    withConfigDefaults(cfg),
		log:    log.With(logx.String("comp", "taskengine")),
		bus:    bus,
		states: make(map[string]*RunState),
		timers: make(map[*time.Timer]queuedTask),
	}
}

func withConfigDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RetryMax == 0 {
		cfg.RetryMax = 3
	}
	if cfg.HistorySize <= 0 {
		cfg.HistorySize = 200
	}
	return cfg
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

// Apply swaps the config, restarting workers when their shape changed.
func (s *Service) Apply(ctx context.Context, cfg Config) {
	cfg = withConfigDefaults(cfg)
	s.mu.Lock()
	prev := s.cfg
	s.cfg = cfg
	running := s.running
	s.mu.Unlock()

	if running && (prev.Workers != cfg.Workers || prev.QueueSize != cfg.QueueSize || prev.Enabled != cfg.Enabled) {
		s.Stop(ctx)
		s.Start(ctx)
	}
}

// Start launches the worker pool. It is idempotent.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running || !s.cfg.Enabled {
		return
	}
	cfg := s.cfg
	s.q = make(chan queuedTask, cfg.QueueSize)
	s.stopCh = make(chan struct{})
	s.sup = rtsup.NewSupervisor(ctx, rtsup.WithLogger(s.log))
	s.running = true

	queue, stopCh := s.q, s.stopCh
	for i := 0; i < cfg.Workers; i++ {
		s.sup.GoRestart(fmt.Sprintf("worker.%d", i), func(c context.Context) error {
			s.worker(c, stopCh, queue)
			if c.Err() != nil {
				return nil
			}
			select {
			case <-stopCh:
				return nil
			default:
				return errors.New("worker exited unexpectedly")
			}
		})
	}
	s.log.Info("task engine started", logx.Int("workers", cfg.Workers), logx.Int("queue", cfg.QueueSize))
}

// Stop halts the workers and drops parked retries.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	close(s.stopCh)
	sup := s.sup
	s.running = false
	s.mu.Unlock()

	s.timerMu.Lock()
	for t, qt := range s.timers {
		t.Stop()
		qt.state.release()
		delete(s.timers, t)
	}
	s.timerMu.Unlock()

	if err := sup.Stop(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.log.Warn("task engine stop", logx.Err(err))
		return
	}
	s.log.Info("task engine stopped")
}

// Enqueue adds a task without blocking; a full queue drops it.
func (s *Service) Enqueue(t Task) error {
	return s.enqueue(context.Background(), t, false)
}

// Submit enqueues a task, blocking until accepted, ctx is done, or the engine stops.
func (s *Service) Submit(ctx context.Context, t Task) error {
	return s.enqueue(ctx, t, true)
}

func (s *Service) enqueue(ctx context.Context, t Task, block bool) error {
	if t.Run == nil {
		return fmt.Errorf("task Run is nil")
	}
	t.Name = strings.TrimSpace(t.Name)
	if t.Name == "" {
		return fmt.Errorf("task Name is required")
	}
	now := time.Now()
	if t.ID == "" {
		t.ID = fmt.Sprintf("tsk-%x-%x", now.UnixNano(), atomic.AddUint64(&s.idSeq, 1))
	}

	s.mu.Lock()
	cfg, q, stopCh, running := s.cfg, s.q, s.stopCh, s.running
	s.mu.Unlock()

	if !cfg.Enabled {
		return ErrDisabled
	}
	if !running {
		return ErrStopped
	}

	opt := t.Opt.withDefaults(cfg)
	if open, until := s.circuits.isOpen(t.Name, now, effectiveCircuitCfg(cfg, opt)); open {
		s.publish(TopicTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Error: "circuit_open"})
		s.log.Debug("task skipped: circuit open", logx.String("task", t.Name), logx.Time("until", until))
		s.remember(HistoryItem{ID: t.ID, Name: t.Name, Started: now, Error: "circuit_open"})
		return ErrCircuitOpen
	}

	st := s.stateFor(t.Key, t.Name)
	if opt.Overlap == OverlapSkipIfRunning {
		if !st.tryAcquire() {
			s.publish(TopicTaskSkipped, TaskEvent{ID: t.ID, Name: t.Name, Error: "overlap_skip"})
			s.log.Debug("task skipped due to overlap", logx.String("task", t.Name))
			return ErrOverlapSkip
		}
	} else {
		st = nil
	}

	timeout := t.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	qt := queuedTask{task: t, enqueuedAt: now, timeout: timeout, opt: opt, state: st, attempt: 1}

	if !block {
		select {
		case q <- qt:
			return nil
		default:
			qt.state.release()
			s.onQueueFull(qt)
			return ErrQueueFull
		}
	}
	select {
	case q <- qt:
		return nil
	case <-ctx.Done():
		qt.state.release()
		return ctx.Err()
	case <-stopCh:
		qt.state.release()
		return ErrStopped
	}
}

// requeue pushes a retry back onto the queue; called from a timer.
func (s *Service) requeue(qt queuedTask) {
	s.mu.Lock()
	q, running := s.q, s.running
	s.mu.Unlock()
	if !running {
		qt.state.release()
		return
	}
	qt.enqueuedAt = time.Now()
	select {
	case q <- qt:
	default:
		qt.state.release()
		s.onQueueFull(qt)
	}
}

func (s *Service) park(qt queuedTask, delay time.Duration) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	var t *time.Timer
	t = time.AfterFunc(delay, func() {
		s.timerMu.Lock()
		_, live := s.timers[t]
		delete(s.timers, t)
		s.timerMu.Unlock()
		if live {
			s.requeue(qt)
		}
	})
	s.timers[t] = qt
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg, q := s.cfg, s.q
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:          cfg.Enabled,
		Workers:          cfg.Workers,
		InFlight:         int(atomic.LoadInt32(&s.inFlight)),
		Dropped:          atomic.LoadUint64(&s.dropped),
		DroppedQueueFull: atomic.LoadUint64(&s.droppedQueueFull),
		DroppedStale:     atomic.LoadUint64(&s.droppedStale),
	}
	if q != nil {
		snap.QueueLen, snap.QueueCap = len(q), cap(q)
	}
	s.timerMu.Lock()
	snap.Waiting = len(s.timers)
	s.timerMu.Unlock()
	snap.CircuitTotal, snap.CircuitOpen = s.circuits.snapshot(time.Now())

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}

func (s *Service) stateFor(key, name string) *RunState {
	k := strings.TrimSpace(key)
	if k == "" {
		k = name
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	st := s.states[k]
	if st == nil {
		st = &RunState{}
		s.states[k] = st
	}
	return st
}

func (s *Service) remember(item HistoryItem) {
	s.mu.Lock()
	size := s.cfg.HistorySize
	s.mu.Unlock()
	s.hmu.Lock()
	s.history = append(s.history, item)
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) publish(topic string, ev TaskEvent) {
	if s.bus != nil {
		s.bus.Publish(eventbus.Event{Type: topic, Data: ev})
	}
}

func (s *Service) onQueueFull(qt queuedTask) {
	atomic.AddUint64(&s.dropped, 1)
	atomic.AddUint64(&s.droppedQueueFull, 1)
	s.publish(TopicTaskDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Error: "queue_full"})

	now := time.Now().UnixNano()
	prev := atomic.LoadInt64(&s.lastQueueFullWarnAt)
	if prev != 0 && now-prev < int64(warnThrottleEvery) {
		return
	}
	if atomic.CompareAndSwapInt64(&s.lastQueueFullWarnAt, prev, now) {
		s.log.Warn("task dropped: queue full",
			logx.String("task", qt.task.Name),
			logx.Uint64("dropped_queue_full", atomic.LoadUint64(&s.droppedQueueFull)),
		)
	}
}
