package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"geonotify/internal/model"
)

const deliveryCols = `id, user_id, task_id, notification, status, attempts, deferrals, last_error, next_attempt_at, created_at, updated_at, delivered_at`

func scanDelivery(r rowScanner) (model.Delivery, error) {
	var (
		d                                 model.Delivery
		userID, taskID, payload, status   string
		next, created, updated, delivered int64
	)
	if err := r.Scan(&d.ID, &userID, &taskID, &payload, &status, &d.Attempts, &d.Deferrals, &d.LastError,
		&next, &created, &updated, &delivered); err != nil {
		return model.Delivery{}, err
	}
	if err := json.Unmarshal([]byte(payload), &d.Notification); err != nil {
		return model.Delivery{}, err
	}
	d.Status = model.DeliveryStatus(status)
	d.NextAttemptAt = fromMS(next)
	d.CreatedAt = fromMS(created)
	d.UpdatedAt = fromMS(updated)
	d.DeliveredAt = fromMS(delivered)
	return d, nil
}

// InsertDelivery persists a new pending delivery. Inserting an id that
// already exists is a no-op so client retries stay idempotent.
func (s *SQLite) InsertDelivery(ctx context.Context, d model.Delivery) (bool, error) {
	payload, err := json.Marshal(d.Notification)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries(`+deliveryCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO NOTHING`,
		d.ID, d.Notification.UserID, d.Notification.TaskID, string(payload), string(d.Status), d.Attempts, d.Deferrals,
		d.LastError, ms(d.NextAttemptAt), ms(d.CreatedAt), ms(d.UpdatedAt), ms(d.DeliveredAt),
	)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

func (s *SQLite) GetDelivery(ctx context.Context, id string) (model.Delivery, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, `SELECT `+deliveryCols+` FROM deliveries WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Delivery{}, notFound("delivery", id)
	}
	return d, err
}

// UpdatePendingDelivery writes d only if the stored row is still pending.
// It returns ErrStale when another writer already settled the row.
func (s *SQLite) UpdatePendingDelivery(ctx context.Context, d model.Delivery) error {
	payload, err := json.Marshal(d.Notification)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET notification=?, status=?, attempts=?, deferrals=?, last_error=?, next_attempt_at=?,
		   updated_at=?, delivered_at=?
		 WHERE id = ? AND status = 'pending'`,
		string(payload), string(d.Status), d.Attempts, d.Deferrals, d.LastError, ms(d.NextAttemptAt),
		ms(d.UpdatedAt), ms(d.DeliveredAt), d.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// CancelDelivery moves a pending delivery to cancelled.
func (s *SQLite) CancelDelivery(ctx context.Context, id, reason string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET status='cancelled', last_error=?, updated_at=? WHERE id = ? AND status = 'pending'`,
		reason, ms(now), id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// DueDeliveries lists pending deliveries whose next attempt is at or before now.
func (s *SQLite) DueDeliveries(ctx context.Context, now time.Time, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE status = 'pending' AND next_attempt_at <= ?
		 ORDER BY next_attempt_at, id LIMIT ?`, ms(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeliveriesByStatus lists deliveries in one status, newest first.
func (s *SQLite) DeliveriesByStatus(ctx context.Context, status model.DeliveryStatus, limit int) ([]model.Delivery, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+deliveryCols+` FROM deliveries WHERE status = ? ORDER BY updated_at DESC, id LIMIT ?`,
		string(status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.Delivery
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DeliveryCounts aggregates a user's deliveries created since the given time.
func (s *SQLite) DeliveryCounts(ctx context.Context, userID string, since time.Time) (DeliveryCounts, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM deliveries WHERE user_id = ? AND created_at >= ? GROUP BY status`,
		userID, ms(since))
	if err != nil {
		return DeliveryCounts{}, err
	}
	defer rows.Close()
	var c DeliveryCounts
	for rows.Next() {
		var (
			st string
			n  int
		)
		if err := rows.Scan(&st, &n); err != nil {
			return DeliveryCounts{}, err
		}
		c.Total += n
		switch model.DeliveryStatus(st) {
		case model.DeliveryDelivered:
			c.Delivered = n
		case model.DeliveryFailed:
			c.Failed = n
		case model.DeliveryCancelled:
			c.Cancelled = n
		case model.DeliveryPending:
			c.Pending = n
		}
	}
	return c, rows.Err()
}
