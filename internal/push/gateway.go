package push

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"geonotify/internal/eventbus"
	"geonotify/internal/model"
	"geonotify/pkg/clock"
	logx "geonotify/pkg/logx"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

type Deps struct {
	Store    Store
	Adapters []Adapter
	Clock    clock.Clock
	Bus      eventbus.Bus
	Log      logx.Logger
}

// Gateway fans a notification out to every active device of its user.
type Gateway struct {
	mu       sync.Mutex
	cfg      Config
	limiter  *rate.Limiter
	adapters map[model.Platform]Adapter

	store Store
	clk   clock.Clock
	bus   eventbus.Bus
	log   logx.Logger
}

func New(cfg Config, d Deps) *Gateway {
	cfg = cfg.withDefaults()
	if d.Clock == nil {
		d.Clock = clock.System()
	}
	g := &Gateway{
		cfg:      cfg,
		limiter:  rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		adapters: map[model.Platform]Adapter{},
		store:    d.Store,
		clk:      d.Clock,
		bus:      d.Bus,
		log:      d.Log.With(logx.String("comp", "push")),
	}
	for _, a := range d.Adapters {
		if a != nil {
			g.adapters[a.Platform()] = a
		}
	}
	return g
}

// Apply swaps rate limits and fan-out width.
func (g *Gateway) Apply(cfg Config) {
	cfg = cfg.withDefaults()
	g.mu.Lock()
	defer g.mu.Unlock()
	if cfg.RatePerSec != g.cfg.RatePerSec || cfg.Burst != g.cfg.Burst {
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst)
	}
	g.cfg = cfg
}

func (g *Gateway) snapshot() (Config, *rate.Limiter) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.cfg, g.limiter
}

// Deliver pushes n to its user's devices. It fails when no device accepted
// the notification.
func (g *Gateway) Deliver(ctx context.Context, n model.Notification) error {
	_, err := g.Push(ctx, n.UserID, PayloadFor(n))
	return err
}

// Push sends p to every active token of userID and updates token health.
func (g *Gateway) Push(ctx context.Context, userID string, p Payload) (Report, error) {
	rep := Report{UserID: userID}
	tokens, err := g.store.ActiveTokens(ctx, userID)
	if err != nil {
		return rep, model.Transient(err)
	}
	if len(tokens) == 0 {
		return rep, ErrNoActiveTokens
	}
	cfg, lim := g.snapshot()

	groups := map[model.Platform][]model.DeviceToken{}
	var results []Result
	for _, t := range tokens {
		if err := ValidToken(t.Platform, t.Token); err != nil {
			results = append(results, Result{Token: t, Err: Permanent(err)})
			continue
		}
		groups[t.Platform] = append(groups[t.Platform], t)
	}

	var (
		rmu sync.Mutex
		eg  errgroup.Group
	)
	eg.SetLimit(cfg.Concurrency)
	for platform, group := range groups {
		a := g.adapters[platform]
		if a == nil {
			rmu.Lock()
			for _, t := range group {
				results = append(results, Result{Token: t, Err: fmt.Errorf("%w %s", ErrNoAdapter, platform)})
			}
			rmu.Unlock()
			continue
		}
		eg.Go(func() error {
			out := g.sendGroup(ctx, a, group, p, cfg, lim)
			rmu.Lock()
			results = append(results, out...)
			rmu.Unlock()
			return nil
		})
	}
	_ = eg.Wait()

	sort.Slice(results, func(i, j int) bool { return results[i].Token.ID < results[j].Token.ID })
	rep.Results = results
	rep.Attempted = len(results)
	g.settle(context.WithoutCancel(ctx), &rep)

	if rep.Delivered > 0 {
		return rep, nil
	}
	if rep.Deactivated == rep.Attempted {
		return rep, fmt.Errorf("%w: all %d tokens rejected", model.ErrPermanentDelivery, rep.Attempted)
	}
	return rep, model.Transient(fmt.Errorf("push to %s failed on %d devices: %w", userID, rep.Failed, firstErr(results)))
}

// sendGroup sends one platform batch and resends transient failures up to
// RetryMax times with a short linear delay.
func (g *Gateway) sendGroup(ctx context.Context, a Adapter, group []model.DeviceToken, p Payload, cfg Config, lim *rate.Limiter) []Result {
	for range group {
		if err := lim.Wait(ctx); err != nil {
			out := make([]Result, len(group))
			for i, t := range group {
				out[i] = Result{Token: t, Err: err}
			}
			return out
		}
	}
	sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
	out := a.SendBulk(sctx, group, p)
	cancel()

	for i := 0; i < cfg.RetryMax; i++ {
		retry := false
		for _, r := range out {
			if r.Err != nil && !r.Permanent() {
				retry = true
				break
			}
		}
		if !retry {
			break
		}
		delay := time.Duration(200+100*i) * time.Millisecond
		tmr := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			tmr.Stop()
			return out
		case <-tmr.C:
		}
		for j, r := range out {
			if r.Err == nil || r.Permanent() {
				continue
			}
			if err := lim.Wait(ctx); err != nil {
				return out
			}
			g.log.Debug("push resend", logx.String("token", r.Token.ID), logx.Int("attempt", i+2), logx.Err(r.Err))
			sctx, cancel := context.WithTimeout(ctx, cfg.SendTimeout)
			out[j] = a.Send(sctx, r.Token, p)
			cancel()
		}
	}
	return out
}

// settle records token health and fills in the report counters.
func (g *Gateway) settle(ctx context.Context, rep *Report) {
	now := g.clk.Now()
	for _, r := range rep.Results {
		t := r.Token
		switch {
		case r.Err == nil:
			rep.Delivered++
			if t.FailureCount > 0 {
				if err := g.store.RecordTokenSuccess(ctx, t.ID, now); err != nil {
					g.log.Warn("record token success failed", logx.String("token", t.ID), logx.Err(err))
				}
			}
		case r.Permanent():
			rep.Failed++
			rep.Deactivated++
			if err := g.store.DeactivateToken(ctx, t.ID, r.Err.Error(), now); err != nil {
				g.log.Warn("deactivate token failed", logx.String("token", t.ID), logx.Err(err))
				continue
			}
			eventbus.Emit(g.bus, eventbus.TokenDeactivated, t.UserID, eventbus.Outcome{ID: t.ID, Reason: r.Err.Error()})
			g.log.Info("device token deactivated", logx.String("token", t.ID), logx.String("platform", string(t.Platform)), logx.Err(r.Err))
		default:
			rep.Failed++
			if err := g.store.RecordTokenFailure(ctx, t.ID, r.Err.Error(), now); err != nil {
				g.log.Warn("record token failure failed", logx.String("token", t.ID), logx.Err(err))
			}
		}
	}
}

func firstErr(results []Result) error {
	for _, r := range results {
		if r.Err != nil {
			return r.Err
		}
	}
	return errors.New("unknown error")
}
