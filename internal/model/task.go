package model

import (
	"fmt"
	"strings"
	"time"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskCompleted TaskStatus = "completed"
	TaskMuted     TaskStatus = "muted"
)

type LocationType string

const (
	LocationPlace       LocationType = "place"
	LocationPOICategory LocationType = "poi_category"
)

type PlaceKind string

const (
	PlaceHome   PlaceKind = "home"
	PlaceWork   PlaceKind = "work"
	PlaceCustom PlaceKind = "custom"
)

const metersPerMile = 1609.344

// Miles converts miles to meters.
func Miles(mi float64) float64 { return mi * metersPerMile }

// Radii is a per-tier radius policy in meters. Zero fields fall back to defaults.
type Radii struct {
	Approach    float64 `json:"approach,omitempty"`
	Arrival     float64 `json:"arrival,omitempty"`
	PostArrival float64 `json:"post_arrival,omitempty"`
}

// DefaultArrivalRadius is the fixed arrival ring, in meters.
const DefaultArrivalRadius = 100.0

type User struct {
	ID         string
	Timezone   string
	Style      Style
	QuietHours QuietHours
	FocusMode  bool
	CreatedAt  time.Time
}

// Location resolves the user's timezone, falling back to UTC.
func (u User) Location() *time.Location {
	tz := strings.TrimSpace(u.Timezone)
	if tz == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return time.UTC
	}
	return loc
}

type Place struct {
	ID     string
	UserID string
	Name   string
	Kind   PlaceKind
	Lat    float64
	Lng    float64
}

// DefaultRadii returns the kind-specific radii: home and work use a 2 mile
// approach ring, everything else 5 miles.
func (p Place) DefaultRadii() Radii {
	approach := Miles(5)
	switch p.Kind {
	case PlaceHome, PlaceWork:
		approach = Miles(2)
	}
	return Radii{Approach: approach, Arrival: DefaultArrivalRadius, PostArrival: DefaultArrivalRadius}
}

type Task struct {
	ID           string
	UserID       string
	Title        string
	Description  string
	LocationType LocationType
	PlaceID      string
	POICategory  string
	Status       TaskStatus
	PostArrival  bool
	CustomRadii  *Radii
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate enforces that exactly one of place reference and POI category is
// set, and that it agrees with the location type discriminator.
func (t Task) Validate() error {
	hasPlace := strings.TrimSpace(t.PlaceID) != ""
	hasCat := strings.TrimSpace(t.POICategory) != ""
	if hasPlace == hasCat {
		return NewValidationError("task", t.ID, "exactly one of place and poi category must be set")
	}
	switch t.LocationType {
	case LocationPlace:
		if !hasPlace {
			return NewValidationError("task", t.ID, "location type place without place id")
		}
	case LocationPOICategory:
		if !hasCat {
			return NewValidationError("task", t.ID, "location type poi_category without category")
		}
	default:
		return NewValidationError("task", t.ID, fmt.Sprintf("unknown location type %q", t.LocationType))
	}
	return nil
}

// AgeWeeks is floor(task age in days / 7), never negative.
func (t Task) AgeWeeks(now time.Time) int {
	if t.CreatedAt.IsZero() || now.Before(t.CreatedAt) {
		return 0
	}
	days := int(now.Sub(t.CreatedAt).Hours() / 24)
	return days / 7
}
