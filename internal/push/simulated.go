package push

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"geonotify/internal/model"
)

type SimulatedConfig struct {
	// FailureRate is the probability of a transient failure per send.
	FailureRate float64
	// PermanentRate is the probability that a send reports the token as
	// unregistered.
	PermanentRate float64
	Latency       time.Duration
	Seed          int64
}

// Simulated is an in-process adapter with failure injection.
type Simulated struct {
	platform model.Platform

	mu   sync.Mutex
	cfg  SimulatedConfig
	rng  *rand.Rand
	sent []string
	fail map[string]error
}

func NewSimulated(platform model.Platform, cfg SimulatedConfig) *Simulated {
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Simulated{platform: platform, cfg: cfg, rng: rand.New(rand.NewSource(seed)), fail: map[string]error{}}
}

func (s *Simulated) Platform() model.Platform { return s.platform }

// FailToken forces every send to token to return err.
func (s *Simulated) FailToken(token string, err error) {
	s.mu.Lock()
	s.fail[token] = err
	s.mu.Unlock()
}

// Sent returns the tokens that accepted a payload, in send order.
func (s *Simulated) Sent() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.sent...)
}

func (s *Simulated) Send(ctx context.Context, t model.DeviceToken, p Payload) Result {
	if s.cfg.Latency > 0 {
		tmr := time.NewTimer(s.cfg.Latency)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return Result{Token: t, Err: ctx.Err()}
		case <-tmr.C:
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.fail[t.Token]; ok {
		return Result{Token: t, Err: err}
	}
	roll := s.rng.Float64()
	switch {
	case roll < s.cfg.PermanentRate:
		return Result{Token: t, Err: Permanent(errors.New("simulated: unregistered"))}
	case roll < s.cfg.PermanentRate+s.cfg.FailureRate:
		return Result{Token: t, Err: errors.New("simulated: service unavailable")}
	}
	s.sent = append(s.sent, t.Token)
	return Result{Token: t}
}

func (s *Simulated) SendBulk(ctx context.Context, tokens []model.DeviceToken, p Payload) []Result {
	out := make([]Result, len(tokens))
	for i, t := range tokens {
		out[i] = s.Send(ctx, t, p)
	}
	return out
}
