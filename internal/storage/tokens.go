package storage

import (
	"context"
	"time"

	"geonotify/internal/model"
)

// UpsertToken registers a device token. Re-registering reactivates it and
// clears its failure history.
func (s *SQLite) UpsertToken(ctx context.Context, t model.DeviceToken) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO device_tokens(id, user_id, platform, token, active, failure_count, last_error, updated_at)
		 VALUES(?,?,?,?,1,0,'',?)
		 ON CONFLICT(token) DO UPDATE SET user_id=excluded.user_id, platform=excluded.platform, active=1,
		   failure_count=0, last_error='', updated_at=excluded.updated_at`,
		t.ID, t.UserID, string(t.Platform), t.Token, ms(t.UpdatedAt),
	)
	return err
}

func (s *SQLite) ActiveTokens(ctx context.Context, userID string) ([]model.DeviceToken, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, platform, token, active, failure_count, last_error, updated_at
		 FROM device_tokens WHERE user_id = ? AND active = 1 ORDER BY id`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []model.DeviceToken
	for rows.Next() {
		var (
			t        model.DeviceToken
			platform string
			active   int
			updated  int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &platform, &t.Token, &active, &t.FailureCount, &t.LastError, &updated); err != nil {
			return nil, err
		}
		t.Platform = model.Platform(platform)
		t.Active = active == 1
		t.UpdatedAt = fromMS(updated)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLite) DeactivateToken(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens SET active=0, last_error=?, updated_at=? WHERE id = ?`, reason, ms(now), id)
	return err
}

// RecordTokenFailure counts a transient failure; the token stays active.
func (s *SQLite) RecordTokenFailure(ctx context.Context, id, reason string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens SET failure_count=failure_count+1, last_error=?, updated_at=? WHERE id = ?`,
		reason, ms(now), id)
	return err
}

// RecordTokenSuccess resets the failure counter.
func (s *SQLite) RecordTokenSuccess(ctx context.Context, id string, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE device_tokens SET failure_count=0, last_error='', updated_at=? WHERE id = ? AND failure_count > 0`,
		ms(now), id)
	return err
}
