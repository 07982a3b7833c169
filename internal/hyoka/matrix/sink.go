package matrix

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hyoka/common/retry"
	"github.com/bdobrica/Hyoka/internal/hyoka/play"
	"github.com/bdobrica/Hyoka/internal/hyoka/store"
)

// ghostPrefix namespaces the virtual reviewer identities.
const ghostPrefix = "_playstore_"

// Sender is the slice of the Matrix client the sink sends through.
type Sender interface {
	SendFormattedMessage(roomID, html, plaintext string) (string, error)
	SendNotice(roomID, message string) error
}

// ReviewFetcher retrieves the current state of a single review. Satisfied by
// *play.Gateway; returns (nil, nil) when the review aged out upstream.
type ReviewFetcher interface {
	GetReview(ctx context.Context, packageName, reviewID string) (*play.Review, error)
}

// Sink delivers reviews into their package's Matrix room and reports reply
// outcomes back. It implements the engine's outbound surface.
type Sink struct {
	sender  Sender
	fetcher ReviewFetcher
	store   *store.Store
}

// NewSink builds the sink over the Matrix client, the Play gateway, and the
// bridge store.
func NewSink(sender Sender, fetcher ReviewFetcher, st *store.Store) *Sink {
	return &Sink{sender: sender, fetcher: fetcher, store: st}
}

// DeliverReview posts the review's current content into the room registered
// for its package and records the resulting event so replies can be routed
// back. An updated review is posted as a fresh message; Matrix history shows
// each revision.
func (s *Sink) DeliverReview(ctx context.Context, reviewID, packageName string) error {
	app, err := s.store.GetApp(ctx, packageName)
	if err != nil {
		return fmt.Errorf("failed to load app %s: %w", packageName, err)
	}
	if app == nil {
		return fmt.Errorf("no room registered for package %s", packageName)
	}

	rv, err := s.fetcher.GetReview(ctx, packageName, reviewID)
	if err != nil {
		return fmt.Errorf("failed to fetch review %s: %w", reviewID, err)
	}
	if rv == nil {
		// Aged past the visibility window between poll and delivery.
		slog.Warn("review vanished before delivery", "review", reviewID, "package", packageName)
		return nil
	}

	displayName := ""
	if ghost, err := s.store.GetGhost(ctx, reviewID); err == nil && ghost != nil {
		displayName = ghost.DisplayName
	}

	htmlBody, plaintext := formatReview(rv, displayName)

	var eventID string
	err = retry.Do(ctx, retry.Config{MaxAttempts: 3, InitialDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}, func() error {
		var sendErr error
		eventID, sendErr = s.sender.SendFormattedMessage(app.RoomID, htmlBody, plaintext)
		return sendErr
	})
	if err != nil {
		return fmt.Errorf("failed to deliver review %s to %s: %w", reviewID, app.RoomID, err)
	}

	if err := s.store.SaveBridgedMessage(ctx, &store.BridgedMessage{
		EventID:     eventID,
		RoomID:      app.RoomID,
		ReviewID:    reviewID,
		PackageName: packageName,
	}); err != nil {
		// The message is already in the room; a lost mapping only disables
		// rich-reply routing for this one event.
		slog.Error("failed to record bridged message", "event", eventID, "review", reviewID, "err", err)
	}

	slog.Info("review delivered", "review", reviewID, "package", packageName, "room", app.RoomID, "event", eventID)
	return nil
}

// EnsureVirtualUser provisions the reviewer's ghost identity. Idempotent: the
// first call wins and later calls are no-ops, so an author rename between
// sightings never rewrites history.
func (s *Sink) EnsureVirtualUser(ctx context.Context, reviewID, authorName string) error {
	existing, err := s.store.GetGhost(ctx, reviewID)
	if err != nil {
		return fmt.Errorf("failed to look up ghost for %s: %w", reviewID, err)
	}
	if existing != nil {
		return nil
	}

	if authorName == "" {
		authorName = play.AnonymousAuthor
	}

	ghost := &store.Ghost{
		ReviewID:    reviewID,
		Localpart:   ghostLocalpart(reviewID),
		DisplayName: authorName,
	}
	if err := s.store.CreateGhost(ctx, ghost); err != nil {
		return fmt.Errorf("failed to create ghost for %s: %w", reviewID, err)
	}

	slog.Debug("ghost provisioned", "review", reviewID, "localpart", ghost.Localpart)
	return nil
}

// NotifyReplyResult posts a best-effort notice with the terminal outcome of a
// queued reply. Failures are logged, never propagated: the reply itself
// already succeeded or failed independently of this notification.
func (s *Sink) NotifyReplyResult(ctx context.Context, originRoomID string, success bool, errText string) {
	if originRoomID == "" {
		return
	}

	var msg string
	if success {
		msg = "✅ Reply posted to Google Play."
	} else {
		msg = "❌ Reply could not be posted: " + errText
	}

	if err := s.sender.SendNotice(originRoomID, msg); err != nil {
		slog.Warn("failed to notify reply result", "room", originRoomID, "success", success, "err", err)
	}
}

// ghostLocalpart derives a Matrix-safe localpart from a review ID. Review IDs
// contain characters the Matrix grammar forbids; anything outside the allowed
// set is dropped, and a fully hostile ID falls back to a random identifier.
func ghostLocalpart(reviewID string) string {
	mapped := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '=', r == '-', r == '/':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return -1
		}
	}, reviewID)
	if mapped == "" {
		mapped = uuid.New().String()
	}
	return ghostPrefix + mapped
}
