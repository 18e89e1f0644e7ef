package geo

import (
	"fmt"
	"math"

	"github.com/golang/geo/s2"
)

const (
	EarthRadiusMeters = 6371000.0
	MetersPerMile     = 1609.344
)

// Distance returns the great-circle distance between two points in meters.
func Distance(lat1, lng1, lat2, lng2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lng1)
	p2 := s2.LatLngFromDegrees(lat2, lng2)
	return p1.Distance(p2).Radians() * EarthRadiusMeters
}

// Within reports whether (lat2,lng2) lies within meters of (lat1,lng1).
func Within(lat1, lng1, lat2, lng2, meters float64) bool {
	return Distance(lat1, lng1, lat2, lng2) <= meters
}

// Centroid is the arithmetic mean of the given coordinates. Bundles are
// small (hundreds of meters) so the planar mean is accurate enough.
func Centroid(lats, lngs []float64) (float64, float64) {
	n := len(lats)
	if n == 0 || len(lngs) != n {
		return 0, 0
	}
	var sl, sg float64
	for i := 0; i < n; i++ {
		sl += lats[i]
		sg += lngs[i]
	}
	return sl / float64(n), sg / float64(n)
}

// ValidCoordinate rejects NaN and out-of-range latitude/longitude.
func ValidCoordinate(lat, lng float64) bool {
	if math.IsNaN(lat) || math.IsNaN(lng) || math.IsInf(lat, 0) || math.IsInf(lng, 0) {
		return false
	}
	return s2.LatLngFromDegrees(lat, lng).IsValid()
}

// FormatDistance renders meters as miles above one mile, otherwise as
// rounded meters.
func FormatDistance(meters float64) string {
	if meters > MetersPerMile {
		return fmt.Sprintf("%.1f mi", meters/MetersPerMile)
	}
	return fmt.Sprintf("%d m", int(math.Round(meters)))
}
