// Package engine implements the review ingestion and reply orchestration
// core: per-package pollers that classify Play reviews against the durable
// index, and a retrying outbound queue of developer replies. The Matrix side
// is reached only through the narrow MatrixSink interface injected at
// construction, so the engine never imports the bridge glue.
package engine

import (
	"context"
	"time"

	"github.com/bdobrica/Hyoka/internal/hyoka/play"
	"github.com/bdobrica/Hyoka/internal/hyoka/store"
)

// PlayClient is the slice of the Play gateway the engine drives.
type PlayClient interface {
	ListReviews(ctx context.Context, packageName string, maxResults int64, token, translationLang string) (*play.Page, error)
	ReplyToReview(ctx context.Context, packageName, reviewID, replyText string) error
	TestConnection(ctx context.Context, packageName string) error
}

// ReviewIndex is the durable review store the pollers classify against.
// Satisfied by *store.Store.
type ReviewIndex interface {
	GetReview(ctx context.Context, reviewID string) (*store.ReviewEntry, error)
	UpsertReview(ctx context.Context, entry *store.ReviewEntry) error
}

// MatrixSink is the outbound Matrix surface the engine pushes into. Delivery
// failures are counted per package, never retried; NotifyReplyResult is
// best-effort.
type MatrixSink interface {
	// DeliverReview posts (or re-posts) a review into its package's room.
	DeliverReview(ctx context.Context, reviewID, packageName string) error
	// EnsureVirtualUser provisions the reviewer's ghost identity. Idempotent;
	// called before the first delivery of a new review.
	EnsureVirtualUser(ctx context.Context, reviewID, authorName string) error
	// NotifyReplyResult reports the terminal outcome of a queued developer
	// reply back to the room it originated from. errText is empty on success.
	NotifyReplyResult(ctx context.Context, originRoomID string, success bool, errText string)
}

// Registration binds a package to a Matrix room and its polling parameters.
// Immutable while the package's poller is running.
type Registration struct {
	PackageName       string
	RoomID            string
	PollInterval      time.Duration
	MaxReviewsPerPoll int
	LookbackDays      int
	// TranslationLang optionally requests server-side translated review text.
	TranslationLang string
}

const (
	// DefaultPollInterval applies when a registration carries none.
	DefaultPollInterval = 5 * time.Minute
	// MinPollInterval is the floor a registration's interval is clamped to.
	MinPollInterval = time.Second
	// DefaultMaxReviewsPerPoll bounds the page walk per tick.
	DefaultMaxReviewsPerPoll = 100
	// MaxLookbackDays is the upstream visibility window; reviews older than
	// this are invisible to both list and reply.
	MaxLookbackDays = 7
)

// normalize applies defaults and clamps to a registration.
func (r Registration) normalize() Registration {
	if r.PollInterval <= 0 {
		r.PollInterval = DefaultPollInterval
	}
	if r.PollInterval < MinPollInterval {
		r.PollInterval = MinPollInterval
	}
	if r.MaxReviewsPerPoll <= 0 {
		r.MaxReviewsPerPoll = DefaultMaxReviewsPerPoll
	}
	if r.LookbackDays <= 0 || r.LookbackDays > MaxLookbackDays {
		r.LookbackDays = MaxLookbackDays
	}
	return r
}
