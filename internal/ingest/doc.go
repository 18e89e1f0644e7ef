// Package ingest is the durable retry queue for geofence events whose
// processing failed transiently.
//
// Items live in the ingest_queue table with an explicit status column and
// are retried by Sweep with increasing backoff (1, 5, 15 minutes by
// default). After the last attempt an item stays in the table as failed so
// it can be inspected; validation failures go straight to failed. Before an
// event is queued it is checked against queued items and stored events so
// offline replays from the client do not pile up.
package ingest
