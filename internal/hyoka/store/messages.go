package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// BridgedMessage links a posted Matrix event back to the review it carries,
// so a Matrix rich reply to the message can be routed into a developer reply.
type BridgedMessage struct {
	EventID     string
	RoomID      string
	ReviewID    string
	PackageName string
	CreatedAt   time.Time
}

// SaveBridgedMessage records the event a review was bridged as.
func (s *Store) SaveBridgedMessage(ctx context.Context, msg *BridgedMessage) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bridged_messages (event_id, room_id, review_id, package_name, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(event_id) DO NOTHING
	`, msg.EventID, msg.RoomID, msg.ReviewID, msg.PackageName, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save bridged message %s: %w", msg.EventID, err)
	}
	return nil
}

// GetBridgedMessage looks up the review behind a Matrix event. Returns
// (nil, nil) when the event is not a bridged review.
func (s *Store) GetBridgedMessage(ctx context.Context, eventID string) (*BridgedMessage, error) {
	msg := &BridgedMessage{}
	err := s.db.QueryRowContext(ctx, `
		SELECT event_id, room_id, review_id, package_name, created_at
		FROM bridged_messages
		WHERE event_id = ?
	`, eventID).Scan(&msg.EventID, &msg.RoomID, &msg.ReviewID, &msg.PackageName, &msg.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bridged message %s: %w", eventID, err)
	}
	return msg, nil
}
