package model

import "time"

type GeofenceType string

const (
	Approach5mi GeofenceType = "approach_5mi"
	Approach3mi GeofenceType = "approach_3mi"
	Approach1mi GeofenceType = "approach_1mi"
	Arrival     GeofenceType = "arrival"
	PostArrival GeofenceType = "post_arrival"
)

// Tier groups geofence types by call-to-action.
type Tier string

const (
	TierApproach    Tier = "approach"
	TierArrival     Tier = "arrival"
	TierPostArrival Tier = "post_arrival"
)

func (t GeofenceType) Valid() bool {
	switch t {
	case Approach5mi, Approach3mi, Approach1mi, Arrival, PostArrival:
		return true
	}
	return false
}

// Rank is the eviction base priority; lower is kept longer.
func (t GeofenceType) Rank() int {
	switch t {
	case Arrival:
		return 1
	case PostArrival:
		return 2
	case Approach1mi:
		return 3
	case Approach3mi:
		return 4
	case Approach5mi:
		return 5
	}
	return 6
}

// Cooldown is the minimum time before the same geofence may notify again.
func (t GeofenceType) Cooldown() time.Duration {
	switch t {
	case Approach5mi:
		return 60 * time.Minute
	case Approach3mi:
		return 45 * time.Minute
	case Approach1mi:
		return 30 * time.Minute
	case Arrival:
		return 15 * time.Minute
	case PostArrival:
		return 120 * time.Minute
	}
	return 0
}

func (t GeofenceType) Tier() Tier {
	switch t {
	case Arrival:
		return TierArrival
	case PostArrival:
		return TierPostArrival
	}
	return TierApproach
}

// ApproachTypeFor picks the approach ring type whose nominal radius covers r.
func ApproachTypeFor(r float64) GeofenceType {
	switch {
	case r <= Miles(1):
		return Approach1mi
	case r <= Miles(3):
		return Approach3mi
	}
	return Approach5mi
}

type Geofence struct {
	ID         string
	TaskID     string
	UserID     string
	Type       GeofenceType
	Lat        float64
	Lng        float64
	Radius     float64
	Active     bool
	IsTemplate bool
	// POIRef identifies the concrete POI a bound geofence was created for.
	POIRef    string
	CreatedAt time.Time
}

// Sentinel reports whether the geofence still sits on the (0,0) template center.
func (g Geofence) Sentinel() bool { return g.Lat == 0 && g.Lng == 0 }

// GeofenceSpec is a geofence to be created, before it has an id.
type GeofenceSpec struct {
	Type       GeofenceType
	Lat        float64
	Lng        float64
	Radius     float64
	IsTemplate bool
	POIRef     string
}

// POI is a concrete point of interest discovered near the user.
type POI struct {
	Ref  string
	Name string
	Lat  float64
	Lng  float64
}
