package geofence

import (
	"geonotify/internal/geo"
	"geonotify/internal/model"
)

// Compute returns the geofences a task needs. Place tasks need their place;
// POI-category tasks get four templates at the sentinel center.
func Compute(task model.Task, place *model.Place, arrivalRadius float64) ([]model.GeofenceSpec, error) {
	if err := task.Validate(); err != nil {
		return nil, err
	}
	if arrivalRadius <= 0 {
		arrivalRadius = model.DefaultArrivalRadius
	}

	if task.LocationType == model.LocationPOICategory {
		return []model.GeofenceSpec{
			{Type: model.Approach5mi, Radius: model.Miles(5), IsTemplate: true},
			{Type: model.Approach3mi, Radius: model.Miles(3), IsTemplate: true},
			{Type: model.Approach1mi, Radius: model.Miles(1), IsTemplate: true},
			{Type: model.Arrival, Radius: arrivalRadius, IsTemplate: true},
		}, nil
	}

	if place == nil {
		return nil, model.NewValidationError("task", task.ID, "place not found")
	}
	if place.UserID != "" && place.UserID != task.UserID {
		return nil, model.NewValidationError("task", task.ID, "place belongs to another user")
	}
	if !geo.ValidCoordinate(place.Lat, place.Lng) {
		return nil, model.NewValidationError("place", place.ID, "invalid coordinate")
	}

	radii := place.DefaultRadii()
	radii.Arrival = arrivalRadius
	radii.PostArrival = arrivalRadius
	if c := task.CustomRadii; c != nil {
		if c.Approach > 0 {
			radii.Approach = c.Approach
		}
		if c.Arrival > 0 {
			radii.Arrival = c.Arrival
			radii.PostArrival = c.Arrival
		}
		if c.PostArrival > 0 {
			radii.PostArrival = c.PostArrival
		}
	}
	if radii.Arrival >= radii.Approach {
		return nil, model.NewValidationError("task", task.ID, "arrival radius must be smaller than approach radius")
	}

	specs := []model.GeofenceSpec{
		{Type: model.ApproachTypeFor(radii.Approach), Lat: place.Lat, Lng: place.Lng, Radius: radii.Approach},
		{Type: model.Arrival, Lat: place.Lat, Lng: place.Lng, Radius: radii.Arrival},
	}
	if task.PostArrival {
		specs = append(specs, model.GeofenceSpec{Type: model.PostArrival, Lat: place.Lat, Lng: place.Lng, Radius: radii.PostArrival})
	}
	return specs, nil
}

// bindSpecs expands templates into one concrete geofence per POI per template.
func bindSpecs(templates []model.Geofence, pois []model.POI) []model.GeofenceSpec {
	out := make([]model.GeofenceSpec, 0, len(templates)*len(pois))
	for _, p := range pois {
		for _, t := range templates {
			out = append(out, model.GeofenceSpec{Type: t.Type, Lat: p.Lat, Lng: p.Lng, Radius: t.Radius, POIRef: p.Ref})
		}
	}
	return out
}
