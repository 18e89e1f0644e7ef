package poi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"geonotify/internal/model"
	logx "geonotify/pkg/logx"
)

func TestStaticNearbyFiltersAndSorts(t *testing.T) {
	t.Parallel()
	s := NewStatic()
	s.Add("Grocery",
		model.POI{Ref: "far", Lat: 40.80, Lng: -73.95},
		model.POI{Ref: "near", Lat: 40.7130, Lng: -74.0060},
		model.POI{Ref: "mid", Lat: 40.7200, Lng: -74.0000},
	)
	got, err := s.Nearby(context.Background(), "grocery", 40.7128, -74.0060, 5000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "near", got[0].Ref)
	assert.Equal(t, "mid", got[1].Ref)
}

func TestDisabled(t *testing.T) {
	t.Parallel()
	_, err := Disabled{}.Nearby(context.Background(), "x", 0, 0, 1)
	assert.True(t, errors.Is(err, ErrUnavailable))
}

func TestGoogleFinderParsesNearbySearch(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "nearbysearch") {
			http.NotFound(w, r)
			return
		}
		assert.Equal(t, "grocery", r.URL.Query().Get("keyword"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"OK","results":[
			{"place_id":"b","name":"Two","geometry":{"location":{"lat":40.72,"lng":-74.0}}},
			{"place_id":"a","name":"One","geometry":{"location":{"lat":40.7129,"lng":-74.006}}},
			{"place_id":"","name":"skip","geometry":{"location":{"lat":1,"lng":1}}}
		]}`))
	}))
	defer srv.Close()

	f, err := NewGoogle(GoogleOptions{APIKey: "AIza-test", BaseURL: srv.URL, MaxResults: 5}, logx.Nop())
	require.NoError(t, err)
	got, err := f.Nearby(context.Background(), "grocery", 40.7128, -74.0060, 8000)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "a", got[0].Ref)
	assert.Equal(t, "One", got[0].Name)
}

func TestGoogleFinderRequiresKey(t *testing.T) {
	t.Parallel()
	_, err := NewGoogle(GoogleOptions{}, logx.Nop())
	assert.ErrorIs(t, err, ErrNoAPIKey)
}
