package engine

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	logx "geonotify/pkg/logx"
)

func startEngine(t *testing.T, cfg Config) *Service {
	t.Helper()
	cfg.Enabled = true
	s := New(cfg, logx.Nop(), nil)
	s.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Stop(ctx)
	})
	return s
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met")
}

func TestRetriesUntilSuccess(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 3})
	var runs atomic.Int32
	err := s.Enqueue(Task{Name: "flaky", Opt: TaskOptions{RetryBase: time.Millisecond, RetryMaxDelay: 5 * time.Millisecond}, Run: func(ctx context.Context) error {
		if runs.Add(1) < 3 {
			return errors.New("not yet")
		}
		return nil
	}})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	waitFor(t, func() bool { return runs.Load() == 3 })
}

func TestNoRetryStopsImmediately(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 1, RetryMax: 5})
	var runs atomic.Int32
	_ = s.Enqueue(Task{Name: "permanent", Run: func(ctx context.Context) error {
		runs.Add(1)
		return NoRetry(errors.New("bad input"))
	}})
	waitFor(t, func() bool {
		h := s.Snapshot().History
		return len(h) == 1 && h[0].Error != ""
	})
	if runs.Load() != 1 {
		t.Fatalf("runs=%d want 1", runs.Load())
	}
}

func TestOverlapSkipIfRunning(t *testing.T) {
	t.Parallel()
	s := startEngine(t, Config{Workers: 2})
	release := make(chan struct{})
	started := make(chan struct{})
	task := Task{Name: "sweep", Opt: TaskOptions{Overlap: OverlapSkipIfRunning}, Run: func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	}}
	if err := s.Enqueue(task); err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	<-started
	if err := s.Enqueue(task); !errors.Is(err, ErrOverlapSkip) {
		t.Fatalf("second enqueue err=%v want overlap skip", err)
	}
	close(release)
}

func TestRetryAfterHintIsBounded(t *testing.T) {
	t.Parallel()
	opt := TaskOptions{RetryBase: time.Second, RetryMaxDelay: 10 * time.Second}
	if d := backoffDelay(opt, 1, RetryAfter(errors.New("x"), time.Hour), nil); d != 10*time.Second {
		t.Fatalf("hint delay=%v", d)
	}
	if d := backoffDelay(opt, 3, errors.New("x"), nil); d != 4*time.Second {
		t.Fatalf("exp delay=%v", d)
	}
}

func TestCircuitOpensAfterTrip(t *testing.T) {
	t.Parallel()
	var cs circuitStore
	cc := effectiveCircuitCfg(Config{CircuitTripFailures: 2, CircuitBaseDelay: time.Minute}, TaskOptions{})
	now := time.Now()
	cs.record("poi", now, cc, errors.New("a"))
	if open, _ := cs.isOpen("poi", now, cc); open {
		t.Fatal("opened too early")
	}
	cs.record("poi", now, cc, errors.New("b"))
	open, until := cs.isOpen("poi", now, cc)
	if !open || !until.Equal(now.Add(time.Minute)) {
		t.Fatalf("open=%v until=%v", open, until)
	}
	cs.record("poi", now, cc, nil)
	if open, _ := cs.isOpen("poi", now, cc); open {
		t.Fatal("success should close the circuit")
	}
}

func TestDisabledEngineRejects(t *testing.T) {
	t.Parallel()
	s := New(Config{}, logx.Nop(), nil)
	if err := s.Enqueue(Task{Name: "x", Run: func(context.Context) error { return nil }}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("err=%v", err)
	}
}
