package notifier

import (
	"context"
	"time"

	"geonotify/internal/model"
	"geonotify/pkg/clock"

	lru "github.com/hashicorp/golang-lru/v2"
)

type prefsEntry struct {
	user     model.User
	storedAt time.Time
}

// prefsCache keeps recently read user preferences so a burst of deliveries
// for one user does not re-read the same row.
type prefsCache struct {
	store Store
	clk   clock.Clock
	ttl   time.Duration
	cache *lru.Cache[string, prefsEntry]
}

func newPrefsCache(store Store, clk clock.Clock, size int, ttl time.Duration) *prefsCache {
	c, _ := lru.New[string, prefsEntry](size)
	return &prefsCache{store: store, clk: clk, ttl: ttl, cache: c}
}

func (p *prefsCache) get(ctx context.Context, userID string) (model.User, error) {
	now := p.clk.Now()
	if e, ok := p.cache.Get(userID); ok {
		if now.Sub(e.storedAt) < p.ttl {
			return e.user, nil
		}
		p.cache.Remove(userID)
	}
	u, err := p.store.GetUser(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	p.cache.Add(userID, prefsEntry{user: u, storedAt: now})
	return u, nil
}

func (p *prefsCache) invalidate(userID string) { p.cache.Remove(userID) }
