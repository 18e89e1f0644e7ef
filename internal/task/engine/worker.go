package engine

import (
	"context"
	"fmt"
	"math/rand"
	"runtime/debug"
	"sync/atomic"
	"time"

	logx "geonotify/pkg/logx"
)

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan queuedTask) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case qt := <-queue:
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, qt, rng)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

// execOne runs one attempt. A retryable failure parks the task on a timer
// so the worker is free while it waits.
func (s *Service) execOne(ctx context.Context, qt queuedTask, rng *rand.Rand) {
	start := time.Now()
	queueDelay := max(start.Sub(qt.enqueuedAt), 0)

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	if cfg.MaxQueueDelay > 0 && queueDelay > cfg.MaxQueueDelay {
		qt.state.release()
		atomic.AddUint64(&s.dropped, 1)
		atomic.AddUint64(&s.droppedStale, 1)
		s.publish(TopicTaskDropped, TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Error: "stale_queue_delay"})
		s.remember(HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Attempt: qt.attempt, Error: "stale_queue_delay"})
		return
	}

	err := s.runAttempt(ctx, qt)
	dur := time.Since(start)
	item := HistoryItem{ID: qt.task.ID, Name: qt.task.Name, Started: start, QueueDelay: queueDelay, Duration: dur, Attempt: qt.attempt}

	if err != nil && !IsNoRetry(err) && qt.attempt <= qt.opt.RetryMax && ctx.Err() == nil {
		delay := backoffDelay(qt.opt, qt.attempt, err, rng)
		item.Error = err.Error()
		s.remember(item)
		s.log.Debug("task retry scheduled",
			logx.String("task", qt.task.Name),
			logx.Int("attempt", qt.attempt+1),
			logx.Duration("delay", delay),
			logx.Err(err),
		)
		qt.attempt++
		s.park(qt, delay)
		return
	}

	qt.state.release()
	s.circuits.record(qt.task.Name, time.Now(), effectiveCircuitCfg(cfg, qt.opt), err)
	ev := TaskEvent{ID: qt.task.ID, Name: qt.task.Name, Duration: dur, Attempts: qt.attempt}
	if err != nil {
		item.Error = err.Error()
		ev.Error = item.Error
		s.log.Warn("task.failed", logx.String("task", qt.task.Name), logx.Err(err), logx.Int("attempts", qt.attempt))
		s.publish(TopicTaskFailed, ev)
	} else {
		s.log.Debug("task.completed", logx.String("task", qt.task.Name), logx.Duration("dur", dur), logx.Int("attempts", qt.attempt))
		s.publish(TopicTaskFinished, ev)
	}
	s.remember(item)
}

// runAttempt runs the task once, converting panics into errors.
func (s *Service) runAttempt(ctx context.Context, qt queuedTask) (err error) {
	if qt.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, qt.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
			s.log.Error("task.panic", logx.String("task", qt.task.Name), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
		}
	}()
	return qt.task.Run(ctx)
}

// backoffDelay is exponential from RetryBase, or the task's RetryAfter hint,
// bounded by RetryMaxDelay and jittered.
func backoffDelay(opt TaskOptions, attempt int, err error, rng *rand.Rand) time.Duration {
	d, hinted := retryHint(err)
	if !hinted || d == 0 {
		d = opt.RetryBase
		for i := 1; i < attempt && d < opt.RetryMaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, opt.RetryMaxDelay)
	if opt.RetryJitter > 0 && rng != nil {
		r := (rng.Float64()*2 - 1) * opt.RetryJitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return min(max(d, 0), opt.RetryMaxDelay)
}
