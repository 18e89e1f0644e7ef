package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"geonotify/internal/model"
)

// Users, places and tasks are owned by the surrounding application; the
// pipeline only reads them for referential checks and allocation input.

func (s *SQLite) UpsertUser(ctx context.Context, u model.User) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users(id, timezone, style, quiet_on, quiet_start, quiet_end, focus_mode, created_at)
		 VALUES(?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET timezone=excluded.timezone, style=excluded.style,
		   quiet_on=excluded.quiet_on, quiet_start=excluded.quiet_start, quiet_end=excluded.quiet_end,
		   focus_mode=excluded.focus_mode`,
		u.ID, u.Timezone, string(u.Style), boolInt(u.QuietHours.Enabled), u.QuietHours.Start, u.QuietHours.End,
		boolInt(u.FocusMode), ms(u.CreatedAt),
	)
	return err
}

func (s *SQLite) GetUser(ctx context.Context, id string) (model.User, error) {
	var (
		u                model.User
		style            string
		quietOn, focusOn int
		created          int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, timezone, style, quiet_on, quiet_start, quiet_end, focus_mode, created_at FROM users WHERE id = ?`, id,
	).Scan(&u.ID, &u.Timezone, &style, &quietOn, &u.QuietHours.Start, &u.QuietHours.End, &focusOn, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, notFound("user", id)
	}
	if err != nil {
		return model.User{}, err
	}
	u.Style = model.Style(style)
	u.QuietHours.Enabled = quietOn == 1
	u.FocusMode = focusOn == 1
	u.CreatedAt = fromMS(created)
	return u, nil
}

func (s *SQLite) UpsertPlace(ctx context.Context, p model.Place) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO places(id, user_id, name, kind, lat, lng) VALUES(?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET name=excluded.name, kind=excluded.kind, lat=excluded.lat, lng=excluded.lng`,
		p.ID, p.UserID, p.Name, string(p.Kind), p.Lat, p.Lng,
	)
	return err
}

func (s *SQLite) GetPlace(ctx context.Context, id string) (model.Place, error) {
	var (
		p    model.Place
		kind string
	)
	err := s.db.QueryRowContext(ctx, `SELECT id, user_id, name, kind, lat, lng FROM places WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.Name, &kind, &p.Lat, &p.Lng)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Place{}, notFound("place", id)
	}
	if err != nil {
		return model.Place{}, err
	}
	p.Kind = model.PlaceKind(kind)
	return p, nil
}

func (s *SQLite) UpsertTask(ctx context.Context, t model.Task) error {
	var radii any
	if t.CustomRadii != nil {
		b, err := json.Marshal(t.CustomRadii)
		if err != nil {
			return err
		}
		radii = string(b)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks(id, user_id, title, description, location_type, place_id, poi_category, status, post_arrival, custom_radii, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?,?,?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, description=excluded.description,
		   location_type=excluded.location_type, place_id=excluded.place_id, poi_category=excluded.poi_category,
		   status=excluded.status, post_arrival=excluded.post_arrival, custom_radii=excluded.custom_radii,
		   updated_at=excluded.updated_at`,
		t.ID, t.UserID, t.Title, t.Description, string(t.LocationType), nullStr(t.PlaceID), nullStr(t.POICategory),
		string(t.Status), boolInt(t.PostArrival), radii, ms(t.CreatedAt), ms(t.UpdatedAt),
	)
	return err
}

func (s *SQLite) GetTask(ctx context.Context, id string) (model.Task, error) {
	var (
		t                   model.Task
		locType, status     string
		placeID, cat, radii sql.NullString
		postArrival         int
		created, updated    int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, user_id, title, description, location_type, place_id, poi_category, status, post_arrival, custom_radii, created_at, updated_at
		 FROM tasks WHERE id = ?`, id,
	).Scan(&t.ID, &t.UserID, &t.Title, &t.Description, &locType, &placeID, &cat, &status, &postArrival, &radii, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, notFound("task", id)
	}
	if err != nil {
		return model.Task{}, err
	}
	t.LocationType = model.LocationType(locType)
	t.PlaceID = placeID.String
	t.POICategory = cat.String
	t.Status = model.TaskStatus(status)
	t.PostArrival = postArrival == 1
	t.CreatedAt = fromMS(created)
	t.UpdatedAt = fromMS(updated)
	if radii.Valid && radii.String != "" {
		var r model.Radii
		if err := json.Unmarshal([]byte(radii.String), &r); err != nil {
			return model.Task{}, err
		}
		t.CustomRadii = &r
	}
	return t, nil
}

// SetTaskStatus updates only the status column.
func (s *SQLite) SetTaskStatus(ctx context.Context, id string, status model.TaskStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET status = ? WHERE id = ?`, string(status), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return notFound("task", id)
	}
	return nil
}
