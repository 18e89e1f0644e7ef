// Package geofence computes the geofence set a task needs and keeps each
// user under the device ceiling by evicting the lowest-priority regions.
//
// Eviction is deterministic: candidates are scored by type rank plus the
// owning task's age in weeks, sorted ascending, and everything past
// ceiling-minus-incoming is deactivated (never deleted). Template geofences
// of POI-category tasks sit at (0,0) until bound and do not occupy a slot.
//
// All mutations for one user run under that user's key lock, shared with the
// event processor's cooldown writes.
package geofence
