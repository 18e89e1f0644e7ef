package event

import (
	"context"
	"fmt"
	"sort"

	"geonotify/internal/geo"
	"geonotify/internal/model"
)

// Bundle is a primary notifying event plus the events folded into its
// notification. ID is the primary's notification id.
type Bundle struct {
	ID        string
	Tier      model.Tier
	Primary   model.GeofenceEvent
	Members   []model.GeofenceEvent
	TaskIDs   []string
	CenterLat float64
	CenterLng float64
}

func (b Bundle) Size() int { return len(b.Members) }

// NewBundle builds a bundle view from its member events, primary included.
func NewBundle(id string, members []model.GeofenceEvent) Bundle {
	sorted := append([]model.GeofenceEvent(nil), members...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].OccurredAt.Equal(sorted[j].OccurredAt) {
			return sorted[i].OccurredAt.Before(sorted[j].OccurredAt)
		}
		return sorted[i].ID < sorted[j].ID
	})
	b := Bundle{ID: id, Members: sorted}
	lats := make([]float64, 0, len(sorted))
	lngs := make([]float64, 0, len(sorted))
	seen := map[string]bool{}
	for _, m := range sorted {
		if m.Notified && b.Primary.ID == "" {
			b.Primary = m
		}
		lats = append(lats, m.Lat)
		lngs = append(lngs, m.Lng)
		if !seen[m.TaskID] {
			seen[m.TaskID] = true
			b.TaskIDs = append(b.TaskIDs, m.TaskID)
		}
	}
	if b.Primary.ID == "" && len(sorted) > 0 {
		b.Primary = sorted[0]
	}
	b.Tier = b.Primary.Tier
	b.CenterLat, b.CenterLng = geo.Centroid(lats, lngs)
	return b
}

// LoadBundle reads a bundle by id.
func (p *Processor) LoadBundle(ctx context.Context, id string) (Bundle, error) {
	members, err := p.store.EventsByBundle(ctx, id)
	if err != nil {
		return Bundle{}, model.Transient(err)
	}
	if len(members) == 0 {
		return Bundle{}, fmt.Errorf("bundle %s: %w", id, model.ErrNotFound)
	}
	return NewBundle(id, members), nil
}

// findBundle returns the id of a compatible bundle ev should join, or ""
// when ev becomes a primary itself. open reports whether the bundle's
// notification is still undelivered; a delivered bundle keeps absorbing
// members but is not sent again.
func (p *Processor) findBundle(ctx context.Context, ev model.GeofenceEvent, cfg Config) (id string, open bool, err error) {
	cands, err := p.store.BundleCandidates(ctx, ev.UserID, ev.Tier,
		ev.OccurredAt.Add(-cfg.BundleWindow), ev.OccurredAt.Add(cfg.BundleWindow))
	if err != nil {
		return "", false, model.Transient(err)
	}

	for _, c := range cands {
		if !c.Notified || c.BundleID == "" || c.ID == ev.ID || c.Tier != ev.Tier {
			continue
		}
		if !geo.Within(ev.Lat, ev.Lng, c.Lat, c.Lng, cfg.BundleRadiusM) {
			continue
		}
		members, err := p.store.EventsByBundle(ctx, c.BundleID)
		if err != nil {
			return "", false, model.Transient(err)
		}
		if len(members) >= cfg.BundleMax {
			continue
		}
		return c.BundleID, p.bundleOpen(ctx, c.BundleID), nil
	}
	return "", false, nil
}

func (p *Processor) bundleOpen(ctx context.Context, bundleID string) bool {
	p.mu.RLock()
	gate := p.joinable
	p.mu.RUnlock()
	return gate == nil || gate.Joinable(ctx, bundleID)
}
