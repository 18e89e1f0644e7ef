package poi

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"googlemaps.github.io/maps"

	"geonotify/internal/model"
	logx "geonotify/pkg/logx"
)

var ErrNoAPIKey = errors.New("maps api key not set")

// GoogleFinder queries the Places Nearby Search API.
type GoogleFinder struct {
	client     *maps.Client
	maxResults int
	timeout    time.Duration
	log        logx.Logger
}

type GoogleOptions struct {
	APIKey     string
	MaxResults int
	Timeout    time.Duration
	// BaseURL overrides the API host (tests).
	BaseURL string
}

func NewGoogle(opts GoogleOptions, log logx.Logger) (*GoogleFinder, error) {
	if strings.TrimSpace(opts.APIKey) == "" {
		return nil, ErrNoAPIKey
	}
	copts := []maps.ClientOption{maps.WithAPIKey(opts.APIKey)}
	if opts.BaseURL != "" {
		copts = append(copts, maps.WithBaseURL(opts.BaseURL))
	}
	c, err := maps.NewClient(copts...)
	if err != nil {
		return nil, err
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = 5
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 5 * time.Second
	}
	return &GoogleFinder{
		client:     c,
		maxResults: opts.MaxResults,
		timeout:    opts.Timeout,
		log:        log.With(logx.String("comp", "poi.google")),
	}, nil
}

func (g *GoogleFinder) Nearby(ctx context.Context, category string, lat, lng, radius float64) ([]model.POI, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	req := &maps.NearbySearchRequest{
		Location: &maps.LatLng{Lat: lat, Lng: lng},
		Radius:   uint(radius),
		Keyword:  category,
	}
	started := time.Now()
	resp, err := g.client.NearbySearch(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("nearby search %q: %w", category, err)
	}

	out := make([]model.POI, 0, len(resp.Results))
	for _, r := range resp.Results {
		if r.PlaceID == "" {
			continue
		}
		out = append(out, model.POI{
			Ref:  r.PlaceID,
			Name: r.Name,
			Lat:  r.Geometry.Location.Lat,
			Lng:  r.Geometry.Location.Lng,
		})
	}
	SortByDistance(out, lat, lng)
	if len(out) > g.maxResults {
		out = out[:g.maxResults]
	}
	g.log.Debug("nearby search",
		logx.String("category", category),
		logx.Int("results", len(out)),
		logx.Duration("took", time.Since(started)),
	)
	return out, nil
}
