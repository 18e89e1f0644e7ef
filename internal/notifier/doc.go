// Package notifier schedules composed notifications and drives their
// delivery state machine: pending -> delivered | cancelled | failed.
//
// # Storage
//
// Every scheduled notification is a row in the deliveries table with a status
// column and a next-attempt time. Workers and the periodic sweep only act on
// rows that are still pending and due, so re-running a sweep is a no-op for
// settled rows and a restart loses nothing.
//
// # Policy
//
// Before each attempt the scheduler re-checks mute, snooze, quiet hours and
// focus mode. A blocked attempt is rescheduled (or cancelled, for a muted
// task) without consuming a delivery attempt. Gateway failures consume an
// attempt and retry after a fixed delay until attempts run out.
//
// # Cancellation
//
// Cancel only affects deliveries that are not in flight. Once a gateway call
// starts it runs to completion and its result is recorded.
package notifier
