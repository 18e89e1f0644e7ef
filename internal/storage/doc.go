// Package storage is the durable store behind the pipeline.
//
// Everything that must survive a restart lives here as rows with explicit
// status columns: geofences and their cooldowns, processed events, the
// ingest retry queue, scheduled deliveries, device tokens and snoozes.
// Worker loops poll these rows; no pending work is held only in memory.
package storage
