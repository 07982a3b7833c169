package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReviewEntry is the durable index record for a sighted review. It is
// created on first sighting, overwritten when a later sighting carries a
// strictly greater lastModifiedAt, and never deleted by the bridge.
type ReviewEntry struct {
	ReviewID       string
	PackageName    string
	LastModifiedAt time.Time
	HasReply       bool
	FirstSeenAt    time.Time
}

// GetReview retrieves the index entry for a review. Returns (nil, nil) when
// the review has never been sighted.
func (s *Store) GetReview(ctx context.Context, reviewID string) (*ReviewEntry, error) {
	entry := &ReviewEntry{}
	err := s.db.QueryRowContext(ctx, `
		SELECT review_id, package_name, last_modified_at, has_reply, first_seen_at
		FROM reviews
		WHERE review_id = ?
	`, reviewID).Scan(
		&entry.ReviewID, &entry.PackageName, &entry.LastModifiedAt,
		&entry.HasReply, &entry.FirstSeenAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get review %s: %w", reviewID, err)
	}
	return entry, nil
}

// UpsertReview inserts a new index entry or overwrites the mutable fields of
// an existing one. first_seen_at is preserved on conflict.
func (s *Store) UpsertReview(ctx context.Context, entry *ReviewEntry) error {
	now := time.Now()
	firstSeen := entry.FirstSeenAt
	if firstSeen.IsZero() {
		firstSeen = now
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO reviews (review_id, package_name, last_modified_at, has_reply, first_seen_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(review_id) DO UPDATE SET
			package_name = excluded.package_name,
			last_modified_at = excluded.last_modified_at,
			has_reply = excluded.has_reply,
			updated_at = excluded.updated_at
	`, entry.ReviewID, entry.PackageName, entry.LastModifiedAt, entry.HasReply, firstSeen, now)
	if err != nil {
		return fmt.Errorf("failed to upsert review %s: %w", entry.ReviewID, err)
	}
	return nil
}

// SetReviewReplied marks a review as carrying a developer reply.
func (s *Store) SetReviewReplied(ctx context.Context, reviewID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE reviews SET has_reply = 1, updated_at = ? WHERE review_id = ?
	`, time.Now(), reviewID)
	if err != nil {
		return fmt.Errorf("failed to mark review %s replied: %w", reviewID, err)
	}
	return nil
}

// ListReviewsByPackage returns all index entries for a package, newest
// modification first.
func (s *Store) ListReviewsByPackage(ctx context.Context, packageName string) ([]*ReviewEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT review_id, package_name, last_modified_at, has_reply, first_seen_at
		FROM reviews
		WHERE package_name = ?
		ORDER BY last_modified_at DESC
	`, packageName)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviews for %s: %w", packageName, err)
	}
	defer rows.Close()

	var entries []*ReviewEntry
	for rows.Next() {
		entry := &ReviewEntry{}
		if err := rows.Scan(
			&entry.ReviewID, &entry.PackageName, &entry.LastModifiedAt,
			&entry.HasReply, &entry.FirstSeenAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan review: %w", err)
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reviews: %w", err)
	}
	return entries, nil
}

// ReviewCount returns the total number of indexed reviews.
func (s *Store) ReviewCount(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reviews").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count reviews: %w", err)
	}
	return n, nil
}
