package engine

import (
	"sync"
	"time"
)

// circuit tracks consecutive failures for one task name. Once failures reach
// the trip threshold the circuit opens for an exponentially growing cooldown;
// a success closes it.
type circuit struct {
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

type circuitCfg struct {
	enabled    bool
	trip       int
	baseDelay  time.Duration
	maxDelay   time.Duration
	resetAfter time.Duration
}

type circuitStore struct {
	mu sync.Mutex
	m  map[string]*circuit
}

func effectiveCircuitCfg(cfg Config, opt TaskOptions) circuitCfg {
	if cfg.CircuitTripFailures < 0 || opt.CircuitTripFailures < 0 {
		return circuitCfg{}
	}
	cc := circuitCfg{
		enabled:    true,
		trip:       cfg.CircuitTripFailures,
		baseDelay:  cfg.CircuitBaseDelay,
		maxDelay:   cfg.CircuitMaxDelay,
		resetAfter: cfg.CircuitResetAfter,
	}
	if opt.CircuitTripFailures > 0 {
		cc.trip = opt.CircuitTripFailures
	}
	if cc.trip == 0 {
		cc.trip = 5
	}
	if cc.baseDelay <= 0 {
		cc.baseDelay = 5 * time.Second
	}
	if cc.maxDelay <= 0 {
		cc.maxDelay = 2 * time.Minute
	}
	if cc.resetAfter <= 0 {
		cc.resetAfter = 5 * time.Minute
	}
	return cc
}

// lockedGet returns the circuit for key; caller holds s.mu.
func (s *circuitStore) lockedGet(key string, now time.Time, cc circuitCfg) *circuit {
	if s.m == nil {
		s.m = make(map[string]*circuit)
	}
	c := s.m[key]
	if c == nil {
		c = &circuit{}
		s.m[key] = c
	}
	if !c.lastFailure.IsZero() && now.Sub(c.lastFailure) > cc.resetAfter {
		*c = circuit{}
	}
	return c
}

func (s *circuitStore) isOpen(key string, now time.Time, cc circuitCfg) (bool, time.Time) {
	if !cc.enabled {
		return false, time.Time{}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lockedGet(key, now, cc)
	if now.Before(c.openUntil) {
		return true, c.openUntil
	}
	return false, time.Time{}
}

func (s *circuitStore) record(key string, now time.Time, cc circuitCfg, err error) {
	if !cc.enabled {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c := s.lockedGet(key, now, cc)
	if err == nil {
		*c = circuit{}
		return
	}
	c.fails++
	c.lastFailure = now
	if c.fails < cc.trip {
		return
	}
	d := cc.baseDelay
	for i := cc.trip; i < c.fails && d < cc.maxDelay; i++ {
		d *= 2
	}
	c.openUntil = now.Add(min(d, cc.maxDelay))
}

func (s *circuitStore) snapshot(now time.Time) (total, open int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.m {
		total++
		if now.Before(c.openUntil) {
			open++
		}
	}
	return total, open
}
