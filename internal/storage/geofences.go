package storage

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"geonotify/internal/model"
)

const geofenceCols = `id, task_id, user_id, type, lat, lng, radius, active, is_template, poi_ref, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanGeofence(r rowScanner, extra ...any) (model.Geofence, error) {
	var (
		g                  model.Geofence
		typ                string
		active, isTemplate int
		created            int64
	)
	dest := append([]any{&g.ID, &g.TaskID, &g.UserID, &typ, &g.Lat, &g.Lng, &g.Radius, &active, &isTemplate, &g.POIRef, &created}, extra...)
	if err := r.Scan(dest...); err != nil {
		return model.Geofence{}, err
	}
	g.Type = model.GeofenceType(typ)
	g.Active = active == 1
	g.IsTemplate = isTemplate == 1
	g.CreatedAt = fromMS(created)
	return g, nil
}

func (s *SQLite) GetGeofence(ctx context.Context, id string) (model.Geofence, error) {
	g, err := scanGeofence(s.db.QueryRowContext(ctx, `SELECT `+geofenceCols+` FROM geofences WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Geofence{}, notFound("geofence", id)
	}
	return g, err
}

func (s *SQLite) queryGeofences(ctx context.Context, q string, args ...any) ([]model.Geofence, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Geofence
	for rows.Next() {
		g, err := scanGeofence(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

// GeofencesByTask lists every geofence of a task, templates included.
func (s *SQLite) GeofencesByTask(ctx context.Context, taskID string) ([]model.Geofence, error) {
	return s.queryGeofences(ctx,
		`SELECT `+geofenceCols+` FROM geofences WHERE task_id = ? ORDER BY created_at, id`, taskID)
}

// CountActive counts geofences that occupy a device slot: active and bound
// to a concrete center.
func (s *SQLite) CountActive(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM geofences WHERE user_id = ? AND active = 1 AND is_template = 0`, userID).Scan(&n)
	return n, err
}

// EvictionCandidates returns the user's slot-occupying geofences with the
// owning task's creation time.
func (s *SQLite) EvictionCandidates(ctx context.Context, userID string) ([]EvictionCandidate, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT g.id, g.task_id, g.user_id, g.type, g.lat, g.lng, g.radius, g.active, g.is_template, g.poi_ref, g.created_at,
		        COALESCE(t.created_at, g.created_at)
		 FROM geofences g LEFT JOIN tasks t ON t.id = g.task_id
		 WHERE g.user_id = ? AND g.active = 1 AND g.is_template = 0`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []EvictionCandidate
	for rows.Next() {
		var taskCreated int64
		g, err := scanGeofence(rows, &taskCreated)
		if err != nil {
			return nil, err
		}
		out = append(out, EvictionCandidate{Geofence: g, TaskCreatedAt: fromMS(taskCreated)})
	}
	return out, rows.Err()
}

// ApplyAllocation deactivates evicted geofences and inserts the new ones in
// one transaction so the ceiling is never exceeded by a partial write.
func (s *SQLite) ApplyAllocation(ctx context.Context, deactivate []string, insert []model.Geofence) error {
	return s.ReplaceAllocation(ctx, nil, deactivate, insert)
}

// ReplaceAllocation is ApplyAllocation that also deletes the geofences in
// remove (with their cooldowns) in the same transaction. A failed write
// leaves the previous set in place.
func (s *SQLite) ReplaceAllocation(ctx context.Context, remove, deactivate []string, insert []model.Geofence) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := deleteGeofencesTx(ctx, tx, remove); err != nil {
			return err
		}
		if err := setActiveTx(ctx, tx, deactivate, false); err != nil {
			return err
		}
		for _, g := range insert {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO geofences(`+geofenceCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?)`,
				g.ID, g.TaskID, g.UserID, string(g.Type), g.Lat, g.Lng, g.Radius, boolInt(g.Active),
				boolInt(g.IsTemplate), g.POIRef, ms(g.CreatedAt),
			); err != nil {
				return err
			}
		}
		return nil
	})
}

// SetActive flips the active flag on the given geofences.
func (s *SQLite) SetActive(ctx context.Context, ids []string, active bool) error {
	return s.inTx(ctx, func(tx *sql.Tx) error { return setActiveTx(ctx, tx, ids, active) })
}

// SwapActive deactivates and activates geofences in one transaction.
func (s *SQLite) SwapActive(ctx context.Context, deactivate, activate []string) error {
	return s.inTx(ctx, func(tx *sql.Tx) error {
		if err := setActiveTx(ctx, tx, deactivate, false); err != nil {
			return err
		}
		return setActiveTx(ctx, tx, activate, true)
	})
}

func setActiveTx(ctx context.Context, tx *sql.Tx, ids []string, active bool) error {
	if len(ids) == 0 {
		return nil
	}
	args := append([]any{boolInt(active)}, stringArgs(ids)...)
	_, err := tx.ExecContext(ctx, `UPDATE geofences SET active = ? WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	return err
}

// DeleteGeofences removes a task's geofences. With boundOnly, templates are
// kept and only POI-bound instances go.
func (s *SQLite) DeleteGeofences(ctx context.Context, taskID string, boundOnly bool) (int64, error) {
	var ids []string
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		q := `SELECT id FROM geofences WHERE task_id = ?`
		if boundOnly {
			q += ` AND is_template = 0`
		}
		rows, err := tx.QueryContext(ctx, q, taskID)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		rows.Close()
		return deleteGeofencesTx(ctx, tx, ids)
	})
	return int64(len(ids)), err
}

func deleteGeofencesTx(ctx context.Context, tx *sql.Tx, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM cooldowns WHERE geofence_id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...); err != nil {
		return err
	}
	_, err := tx.ExecContext(ctx, `DELETE FROM geofences WHERE id IN (`+placeholders(len(ids))+`)`, stringArgs(ids)...)
	return err
}

// GetCooldown returns the cooldown expiry for a geofence, if any.
func (s *SQLite) GetCooldown(ctx context.Context, geofenceID string) (time.Time, bool, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT until FROM cooldowns WHERE geofence_id = ?`, geofenceID).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return fromMS(v), true, nil
}

// SetCooldown records the cooldown expiry. It never moves an existing
// expiry backwards.
func (s *SQLite) SetCooldown(ctx context.Context, geofenceID string, until time.Time) error {
	return setCooldown(ctx, s.db, geofenceID, until)
}

func setCooldown(ctx context.Context, x execer, geofenceID string, until time.Time) error {
	_, err := x.ExecContext(ctx,
		`INSERT INTO cooldowns(geofence_id, until) VALUES(?,?)
		 ON CONFLICT(geofence_id) DO UPDATE SET until = MAX(until, excluded.until)`,
		geofenceID, ms(until),
	)
	return err
}

// PruneCooldowns drops expired cooldown rows.
func (s *SQLite) PruneCooldowns(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM cooldowns WHERE until < ?`, ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
