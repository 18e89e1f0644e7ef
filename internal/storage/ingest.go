package storage

import (
	"context"
	"encoding/json"
	"time"

	"geonotify/internal/model"
)

const queueCols = `id, user_id, task_id, kind, lat, lng, occurred_at, payload, cause, attempts, status, next_attempt_at, last_error, created_at, updated_at`

func scanQueueItem(r rowScanner) (model.QueueItem, error) {
	var (
		it                                model.QueueItem
		userID, taskID, kind, payload, st string
		lat, lng                          float64
		occurred, next, created, updated  int64
	)
	if err := r.Scan(&it.ID, &userID, &taskID, &kind, &lat, &lng, &occurred, &payload, &it.Cause, &it.Attempts, &st,
		&next, &it.LastError, &created, &updated); err != nil {
		return model.QueueItem{}, err
	}
	if err := json.Unmarshal([]byte(payload), &it.Event); err != nil {
		return model.QueueItem{}, err
	}
	it.Status = model.QueueStatus(st)
	it.NextAttemptAt = fromMS(next)
	it.CreatedAt = fromMS(created)
	it.UpdatedAt = fromMS(updated)
	return it, nil
}

func (s *SQLite) queryQueue(ctx context.Context, q string, args ...any) ([]model.QueueItem, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.QueueItem
	for rows.Next() {
		it, err := scanQueueItem(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, it)
	}
	return out, rows.Err()
}

func (s *SQLite) InsertQueueItem(ctx context.Context, it model.QueueItem) error {
	payload, err := json.Marshal(it.Event)
	if err != nil {
		return err
	}
	ev := it.Event
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO ingest_queue(`+queueCols+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		it.ID, ev.UserID, ev.TaskID, string(ev.Kind), ev.Lat, ev.Lng, ms(ev.OccurredAt), string(payload), it.Cause,
		it.Attempts, string(it.Status), ms(it.NextAttemptAt), it.LastError, ms(it.CreatedAt), ms(it.UpdatedAt),
	)
	return err
}

// UpdateQueueItem persists attempt bookkeeping for a queued item. Items
// already done or failed are left untouched.
func (s *SQLite) UpdateQueueItem(ctx context.Context, it model.QueueItem) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_queue SET attempts=?, status=?, next_attempt_at=?, last_error=?, updated_at=?
		 WHERE id = ? AND status = 'queued'`,
		it.Attempts, string(it.Status), ms(it.NextAttemptAt), it.LastError, ms(it.UpdatedAt), it.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrStale
	}
	return nil
}

// DueQueueItems lists queued items ready for another attempt.
func (s *SQLite) DueQueueItems(ctx context.Context, now time.Time, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryQueue(ctx,
		`SELECT `+queueCols+` FROM ingest_queue WHERE status = 'queued' AND next_attempt_at <= ?
		 ORDER BY occurred_at, id LIMIT ?`, ms(now), limit)
}

// SimilarQueueItems returns queued items for (user, task, kind) that
// occurred in [from, to].
func (s *SQLite) SimilarQueueItems(ctx context.Context, userID, taskID string, kind model.EventKind, from, to time.Time) ([]model.QueueItem, error) {
	return s.queryQueue(ctx,
		`SELECT `+queueCols+` FROM ingest_queue
		 WHERE user_id = ? AND task_id = ? AND kind = ? AND occurred_at BETWEEN ? AND ? AND status = 'queued'`,
		userID, taskID, string(kind), ms(from), ms(to))
}

// QueueItemsByStatus lists items in one status, newest first.
func (s *SQLite) QueueItemsByStatus(ctx context.Context, status model.QueueStatus, limit int) ([]model.QueueItem, error) {
	if limit <= 0 {
		limit = 100
	}
	return s.queryQueue(ctx,
		`SELECT `+queueCols+` FROM ingest_queue WHERE status = ? ORDER BY updated_at DESC, id LIMIT ?`,
		string(status), limit)
}

// PurgeQueue deletes completed items last touched before cutoff. Failed
// items are kept for inspection.
func (s *SQLite) PurgeQueue(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM ingest_queue WHERE status = 'done' AND updated_at < ?`, ms(cutoff))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
