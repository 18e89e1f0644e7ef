package storage

import (
	"context"
	"time"

	"geonotify/internal/model"
)

// PutSnooze records a snooze for a task (NotificationID empty) or for one
// notification (TaskID may be empty).
func (s *SQLite) PutSnooze(ctx context.Context, sn model.Snooze) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO snoozes(user_id, task_id, notification_id, until) VALUES(?,?,?,?)
		 ON CONFLICT(user_id, task_id, notification_id) DO UPDATE SET until=excluded.until`,
		sn.UserID, sn.TaskID, sn.NotificationID, ms(sn.Until))
	return err
}

// SnoozedUntil returns the latest snooze expiry covering the task or the
// notification that is still in the future.
func (s *SQLite) SnoozedUntil(ctx context.Context, userID, taskID, notificationID string, now time.Time) (time.Time, bool, error) {
	var until int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(until), 0) FROM snoozes
		 WHERE user_id = ? AND until > ?
		   AND ((task_id = ? AND task_id != '' AND notification_id = '') OR (notification_id = ? AND notification_id != ''))`,
		userID, ms(now), taskID, notificationID).Scan(&until)
	if err != nil {
		return time.Time{}, false, err
	}
	if until == 0 {
		return time.Time{}, false, nil
	}
	return fromMS(until), true, nil
}

// PruneSnoozes drops expired snoozes.
func (s *SQLite) PruneSnoozes(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM snoozes WHERE until <= ?`, ms(now))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
