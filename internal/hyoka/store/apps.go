package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// App is a persisted application registration: the package to poll and the
// Matrix room its reviews bridge into.
type App struct {
	PackageName       string
	RoomID            string
	PollInterval      time.Duration
	MaxReviewsPerPoll int
	LookbackDays      int
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SaveApp inserts or updates a registration.
func (s *Store) SaveApp(ctx context.Context, app *App) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (package_name, room_id, poll_interval_ms, max_reviews_per_poll, lookback_days, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(package_name) DO UPDATE SET
			room_id = excluded.room_id,
			poll_interval_ms = excluded.poll_interval_ms,
			max_reviews_per_poll = excluded.max_reviews_per_poll,
			lookback_days = excluded.lookback_days,
			updated_at = excluded.updated_at
	`, app.PackageName, app.RoomID, app.PollInterval.Milliseconds(),
		app.MaxReviewsPerPoll, app.LookbackDays, now, now)
	if err != nil {
		return fmt.Errorf("failed to save app %s: %w", app.PackageName, err)
	}
	return nil
}

// GetApp retrieves a registration. Returns (nil, nil) when the package is
// not registered.
func (s *Store) GetApp(ctx context.Context, packageName string) (*App, error) {
	app := &App{}
	var intervalMS int64
	err := s.db.QueryRowContext(ctx, `
		SELECT package_name, room_id, poll_interval_ms, max_reviews_per_poll, lookback_days, created_at, updated_at
		FROM apps
		WHERE package_name = ?
	`, packageName).Scan(
		&app.PackageName, &app.RoomID, &intervalMS,
		&app.MaxReviewsPerPoll, &app.LookbackDays, &app.CreatedAt, &app.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app %s: %w", packageName, err)
	}
	app.PollInterval = time.Duration(intervalMS) * time.Millisecond
	return app, nil
}

// DeleteApp removes a registration.
func (s *Store) DeleteApp(ctx context.Context, packageName string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM apps WHERE package_name = ?", packageName)
	if err != nil {
		return fmt.Errorf("failed to delete app %s: %w", packageName, err)
	}
	return nil
}

// ListApps returns all registrations ordered by package name.
func (s *Store) ListApps(ctx context.Context) ([]*App, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT package_name, room_id, poll_interval_ms, max_reviews_per_poll, lookback_days, created_at, updated_at
		FROM apps
		ORDER BY package_name
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list apps: %w", err)
	}
	defer rows.Close()

	var apps []*App
	for rows.Next() {
		app := &App{}
		var intervalMS int64
		if err := rows.Scan(
			&app.PackageName, &app.RoomID, &intervalMS,
			&app.MaxReviewsPerPoll, &app.LookbackDays, &app.CreatedAt, &app.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan app: %w", err)
		}
		app.PollInterval = time.Duration(intervalMS) * time.Millisecond
		apps = append(apps, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating apps: %w", err)
	}
	return apps, nil
}

// AppCount returns the number of registrations.
func (s *Store) AppCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM apps").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count apps: %w", err)
	}
	return n, nil
}
