// Package poi looks up concrete points of interest for category tasks.
package poi

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"

	"geonotify/internal/geo"
	"geonotify/internal/model"
)

// ErrUnavailable is returned when no lookup backend is configured.
var ErrUnavailable = errors.New("poi lookup unavailable")

// Finder returns POIs of a category near a coordinate, nearest first.
type Finder interface {
	Nearby(ctx context.Context, category string, lat, lng, radius float64) ([]model.POI, error)
}

// Disabled is the Finder used when POI lookup is switched off.
type Disabled struct{}

func (Disabled) Nearby(context.Context, string, float64, float64, float64) ([]model.POI, error) {
	return nil, ErrUnavailable
}

// Static serves POIs from memory. Useful for fixtures and local runs.
type Static struct {
	mu   sync.RWMutex
	pois map[string][]model.POI
}

func NewStatic() *Static { return &Static{pois: map[string][]model.POI{}} }

func (s *Static) Add(category string, p ...model.POI) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := strings.ToLower(strings.TrimSpace(category))
	s.pois[key] = append(s.pois[key], p...)
}

func (s *Static) Nearby(ctx context.Context, category string, lat, lng, radius float64) ([]model.POI, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	all := s.pois[strings.ToLower(strings.TrimSpace(category))]
	s.mu.RUnlock()

	out := make([]model.POI, 0, len(all))
	for _, p := range all {
		if radius <= 0 || geo.Within(lat, lng, p.Lat, p.Lng, radius) {
			out = append(out, p)
		}
	}
	SortByDistance(out, lat, lng)
	return out, nil
}

// SortByDistance orders pois nearest first, ties by Ref.
func SortByDistance(pois []model.POI, lat, lng float64) {
	sort.SliceStable(pois, func(i, j int) bool {
		di := geo.Distance(lat, lng, pois[i].Lat, pois[i].Lng)
		dj := geo.Distance(lat, lng, pois[j].Lat, pois[j].Lng)
		if di != dj {
			return di < dj
		}
		return pois[i].Ref < pois[j].Ref
	})
}
