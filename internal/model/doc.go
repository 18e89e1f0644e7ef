// Package model holds the domain records shared by the geofence allocator,
// the event pipeline and the notification scheduler.
//
// Types here are plain data plus small invariant helpers; persistence lives
// in internal/storage and policy lives in the owning service package.
package model
