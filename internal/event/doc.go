// Package event decides what a reported geofence crossing means.
//
// Each event runs through referential validation, duplicate suppression,
// cooldown, a server-side plausibility re-check and bundling, in that order,
// stopping at the first match. Policy outcomes (duplicate, cooldown, noise,
// bundled) are results, not errors. Only validation failures and transient
// storage errors come back as errors.
package event
