// Package play wraps the Google Play Console Reviews resource behind a
// semantic gateway: it authenticates, paginates, enforces a client-side
// call-spacing floor, and normalises raw reviews and API errors so the rest
// of the bridge never touches androidpublisher types.
package play

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"google.golang.org/api/androidpublisher/v3"

	"github.com/bdobrica/Hyoka/internal/hyoka/metrics"
)

const (
	// maxPageSize is the hard upstream cap on reviews per list call.
	maxPageSize = 100

	// DefaultMinCallSpacing is the client-side floor between any two outgoing
	// calls from a single Gateway. It is a politeness floor, not a substitute
	// for 429 handling.
	DefaultMinCallSpacing = 100 * time.Millisecond

	// DefaultCallTimeout is the per-call deadline applied when the caller's
	// context carries none.
	DefaultCallTimeout = 30 * time.Second
)

// Transport is the raw Play API surface the Gateway drives. The production
// implementation speaks androidpublisher/v3 over HTTPS; tests substitute a
// fake.
type Transport interface {
	ListReviews(ctx context.Context, packageName string, maxResults int64, token, translationLang string) (*androidpublisher.ReviewsListResponse, error)
	GetReview(ctx context.Context, packageName, reviewID string) (*androidpublisher.Review, error)
	ReplyToReview(ctx context.Context, packageName, reviewID, text string) error
}

// GatewayConfig tunes a Gateway. Zero values select the defaults above.
type GatewayConfig struct {
	MinCallSpacing time.Duration
	CallTimeout    time.Duration
	Metrics        *metrics.Metrics
}

// Gateway is the semantic wrapper over the Reviews resource.
//
// An AUTH failure on any call latches the Gateway unready; every subsequent
// call fails fast with an AUTH error until Reset is called (the supervisor
// does this when it re-initialises credentials).
type Gateway struct {
	transport Transport
	spacing   time.Duration
	timeout   time.Duration
	metrics   *metrics.Metrics

	// lastCallAt holds the unix-nano time of the most recently reserved call
	// slot. Calls reserve slots with a CAS loop so concurrent callers are
	// spaced out without a lock.
	lastCallAt atomic.Int64
	unready    atomic.Bool
}

// NewGateway builds a Gateway over the given transport.
func NewGateway(transport Transport, cfg GatewayConfig) *Gateway {
	if cfg.MinCallSpacing <= 0 {
		cfg.MinCallSpacing = DefaultMinCallSpacing
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	return &Gateway{
		transport: transport,
		spacing:   cfg.MinCallSpacing,
		timeout:   cfg.CallTimeout,
		metrics:   cfg.Metrics,
	}
}

// Ready reports whether the Gateway is accepting calls.
func (g *Gateway) Ready() bool { return !g.unready.Load() }

// Reset clears the unready latch after credentials have been re-established.
func (g *Gateway) Reset() {
	if g.unready.CompareAndSwap(true, false) {
		slog.Info("play gateway reset to ready")
	}
}

// ListReviews fetches one page of reviews for a package, newest-modified
// first. maxResults is clamped to the upstream page cap; token continues a
// previous listing. translationLang is optional.
func (g *Gateway) ListReviews(ctx context.Context, packageName string, maxResults int64, token, translationLang string) (*Page, error) {
	if packageName == "" {
		return nil, &Error{Kind: KindValidation, Op: "reviews.list", Message: "empty package name"}
	}
	if maxResults <= 0 || maxResults > maxPageSize {
		maxResults = maxPageSize
	}

	var resp *androidpublisher.ReviewsListResponse
	err := g.call(ctx, "reviews.list", func(ctx context.Context) error {
		var err error
		resp, err = g.transport.ListReviews(ctx, packageName, maxResults, token, translationLang)
		return err
	})
	if err != nil {
		return nil, err
	}

	page := &Page{Reviews: make([]Review, 0, len(resp.Reviews))}
	for _, raw := range resp.Reviews {
		if raw == nil {
			continue
		}
		page.Reviews = append(page.Reviews, normalizeReview(packageName, raw))
	}
	if resp.TokenPagination != nil {
		page.NextToken = resp.TokenPagination.NextPageToken
	}
	return page, nil
}

// GetReview fetches a single review. A review that does not exist (or has
// aged out of the visibility window) yields (nil, nil), not an error.
func (g *Gateway) GetReview(ctx context.Context, packageName, reviewID string) (*Review, error) {
	if packageName == "" || reviewID == "" {
		return nil, &Error{Kind: KindValidation, Op: "reviews.get", Message: "empty package name or review ID"}
	}

	var raw *androidpublisher.Review
	err := g.call(ctx, "reviews.get", func(ctx context.Context) error {
		var err error
		raw, err = g.transport.GetReview(ctx, packageName, reviewID)
		return err
	})
	if err != nil {
		if KindOf(err) == KindNotFound {
			return nil, nil
		}
		return nil, err
	}
	review := normalizeReview(packageName, raw)
	return &review, nil
}

// ReplyToReview posts (or overwrites) the developer response on a review.
// The operation is idempotent on the server side.
func (g *Gateway) ReplyToReview(ctx context.Context, packageName, reviewID, replyText string) error {
	if packageName == "" || reviewID == "" {
		return &Error{Kind: KindValidation, Op: "reviews.reply", Message: "empty package name or review ID"}
	}
	if replyText == "" {
		return &Error{Kind: KindValidation, Op: "reviews.reply", Message: "empty reply text"}
	}

	return g.call(ctx, "reviews.reply", func(ctx context.Context) error {
		return g.transport.ReplyToReview(ctx, packageName, reviewID, replyText)
	})
}

// TestConnection issues a minimal list call. Success proves both the
// credentials and access to the package.
func (g *Gateway) TestConnection(ctx context.Context, packageName string) error {
	_, err := g.ListReviews(ctx, packageName, 1, "", "")
	return err
}

// call applies the unready latch, the call-spacing floor, and the per-call
// deadline, then classifies whatever the transport returns.
func (g *Gateway) call(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	if g.unready.Load() {
		return &Error{Kind: KindAuth, Op: op, Message: "gateway unready after authentication failure"}
	}

	if err := g.waitForSlot(ctx); err != nil {
		return err
	}

	callCtx := ctx
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	err := classify(op, fn(callCtx))
	if err == nil {
		g.metrics.PlayCall(op, "ok")
		return nil
	}

	kind := KindOf(err)
	g.metrics.PlayCall(op, string(kind))
	if kind == KindAuth {
		if g.unready.CompareAndSwap(false, true) {
			slog.Error("play gateway flipped to unready", "op", op, "err", err)
		}
	}
	return err
}

// waitForSlot reserves the next call slot at least spacing after the
// previous one and sleeps until it arrives.
func (g *Gateway) waitForSlot(ctx context.Context) error {
	for {
		now := time.Now().UnixNano()
		last := g.lastCallAt.Load()
		slot := last + int64(g.spacing)
		if slot < now {
			slot = now
		}
		if !g.lastCallAt.CompareAndSwap(last, slot) {
			continue
		}
		wait := time.Duration(slot - now)
		if wait <= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
			return nil
		}
	}
}
