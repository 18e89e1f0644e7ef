package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"geonotify/internal/model"
)

const eventCols = `id, client_id, user_id, task_id, geofence_id, kind, lat, lng, confidence, occurred_at, received_at,
	status, reason, cooldown_until, bundle_id, notified, tier`

func scanEvent(r rowScanner) (model.GeofenceEvent, error) {
	var (
		e                                model.GeofenceEvent
		clientID                         sql.NullString
		kind, status, reason, tier       string
		occurred, received, cooldownTill int64
		notified                         int
	)
	if err := r.Scan(&e.ID, &clientID, &e.UserID, &e.TaskID, &e.GeofenceID, &kind, &e.Lat, &e.Lng, &e.Confidence,
		&occurred, &received, &status, &reason, &cooldownTill, &e.BundleID, &notified, &tier); err != nil {
		return model.GeofenceEvent{}, err
	}
	e.ClientID = clientID.String
	e.Kind = model.EventKind(kind)
	e.Status = model.EventStatus(status)
	e.Reason = model.Reason(reason)
	e.Tier = model.Tier(tier)
	e.OccurredAt = fromMS(occurred)
	e.ReceivedAt = fromMS(received)
	e.CooldownUntil = fromMS(cooldownTill)
	e.Notified = notified == 1
	return e, nil
}

func (s *SQLite) queryEvents(ctx context.Context, q string, args ...any) ([]model.GeofenceEvent, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.GeofenceEvent
	for rows.Next() {
		e, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// SaveEvent inserts or fully replaces an event row.
func (s *SQLite) SaveEvent(ctx context.Context, e model.GeofenceEvent) error {
	return saveEvent(ctx, s.db, e)
}

// SettleEvent stores a processed event and, when until is set, extends the
// geofence cooldown in the same transaction.
func (s *SQLite) SettleEvent(ctx context.Context, e model.GeofenceEvent, until time.Time) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := saveEvent(ctx, tx, e); err != nil {
			return err
		}
		if until.IsZero() {
			return nil
		}
		return setCooldown(ctx, tx, e.GeofenceID, until)
	})
}

func saveEvent(ctx context.Context, x execer, e model.GeofenceEvent) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO geofence_events(`+eventCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, reason=excluded.reason,
		   cooldown_until=excluded.cooldown_until, bundle_id=excluded.bundle_id,
		   notified=excluded.notified, tier=excluded.tier`,
		e.ID, nullStr(e.ClientID), e.UserID, e.TaskID, e.GeofenceID, string(e.Kind), e.Lat, e.Lng, e.Confidence,
		ms(e.OccurredAt), ms(e.ReceivedAt), string(e.Status), string(e.Reason), ms(e.CooldownUntil), e.BundleID,
		boolInt(e.Notified), string(e.Tier),
	)
	return err
}

func (s *SQLite) GetEvent(ctx context.Context, id string) (model.GeofenceEvent, error) {
	e, err := scanEvent(s.db.QueryRowContext(ctx, `SELECT `+eventCols+` FROM geofence_events WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.GeofenceEvent{}, notFound("event", id)
	}
	return e, err
}

// EventByClientID finds an event by the client's idempotency key.
func (s *SQLite) EventByClientID(ctx context.Context, userID, clientID string) (model.GeofenceEvent, bool, error) {
	if clientID == "" {
		return model.GeofenceEvent{}, false, nil
	}
	e, err := scanEvent(s.db.QueryRowContext(ctx,
		`SELECT `+eventCols+` FROM geofence_events WHERE user_id = ? AND client_id = ?`, userID, clientID))
	if errors.Is(err, sql.ErrNoRows) {
		return model.GeofenceEvent{}, false, nil
	}
	if err != nil {
		return model.GeofenceEvent{}, false, err
	}
	return e, true, nil
}

// SimilarEvents returns settled, non-noise events for (user, task, kind)
// whose occurrence time lies in [from, to].
func (s *SQLite) SimilarEvents(ctx context.Context, userID, taskID string, kind model.EventKind, from, to time.Time) ([]model.GeofenceEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM geofence_events
		 WHERE user_id = ? AND task_id = ? AND kind = ? AND occurred_at BETWEEN ? AND ?
		   AND status IN ('processed','duplicate','cooldown') AND reason != 'noise'
		 ORDER BY occurred_at, id`,
		userID, taskID, string(kind), ms(from), ms(to))
}

// BundleCandidates returns the user's notifying or bundled events of a tier
// in [from, to], oldest first.
func (s *SQLite) BundleCandidates(ctx context.Context, userID string, tier model.Tier, from, to time.Time) ([]model.GeofenceEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM geofence_events
		 WHERE user_id = ? AND tier = ? AND occurred_at BETWEEN ? AND ?
		   AND status = 'processed' AND (notified = 1 OR bundle_id != '')
		 ORDER BY occurred_at, id`,
		userID, string(tier), ms(from), ms(to))
}

// EventsByBundle lists every event attached to the given bundle id.
func (s *SQLite) EventsByBundle(ctx context.Context, bundleID string) ([]model.GeofenceEvent, error) {
	return s.queryEvents(ctx,
		`SELECT `+eventCols+` FROM geofence_events WHERE bundle_id = ? ORDER BY occurred_at, id`, bundleID)
}

// PurgeEvents deletes settled events received before cutoff.
func (s *SQLite) PurgeEvents(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM geofence_events WHERE received_at < ? AND status != 'pending'`, ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// EventCounts returns per-status counts for a user since the given time.
func (s *SQLite) EventCounts(ctx context.Context, userID string, since time.Time) (map[model.EventStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM geofence_events WHERE user_id = ? AND received_at >= ? GROUP BY status`,
		userID, ms(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := map[model.EventStatus]int{}
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return nil, err
		}
		out[model.EventStatus(st)] = n
	}
	return out, rows.Err()
}
