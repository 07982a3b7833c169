package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Ghost is the Matrix identity fabricated for a Play reviewer. One ghost per
// review; the row's existence is what makes virtual-user creation idempotent
// across restarts.
type Ghost struct {
	ReviewID    string
	Localpart   string
	DisplayName string
	CreatedAt   time.Time
}

// GetGhost retrieves the ghost for a review. Returns (nil, nil) when none
// has been provisioned.
func (s *Store) GetGhost(ctx context.Context, reviewID string) (*Ghost, error) {
	ghost := &Ghost{}
	err := s.db.QueryRowContext(ctx, `
		SELECT review_id, localpart, display_name, created_at
		FROM ghost_users
		WHERE review_id = ?
	`, reviewID).Scan(&ghost.ReviewID, &ghost.Localpart, &ghost.DisplayName, &ghost.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ghost for %s: %w", reviewID, err)
	}
	return ghost, nil
}

// CreateGhost records a provisioned ghost. Inserting an already-present
// review ID is a no-op so concurrent provisioning stays idempotent.
func (s *Store) CreateGhost(ctx context.Context, ghost *Ghost) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO ghost_users (review_id, localpart, display_name, created_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(review_id) DO NOTHING
	`, ghost.ReviewID, ghost.Localpart, ghost.DisplayName, time.Now())
	if err != nil {
		return fmt.Errorf("failed to create ghost for %s: %w", ghost.ReviewID, err)
	}
	return nil
}
