package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/bdobrica/Hyoka/internal/hyoka/metrics"
	"github.com/bdobrica/Hyoka/internal/hyoka/play"
)

const (
	// DefaultDrainInterval is the cadence of the reply drainer.
	DefaultDrainInterval = 30 * time.Second

	// maxReplyAttempts is the total dispatch budget per reply: one initial
	// try plus three retries.
	maxReplyAttempts = 4
)

// PendingReply is one queued developer reply. Deliberately in-memory: a
// crash forfeits unsent replies and the operator re-issues the Matrix
// message. Persisting them would trade that for an exactly-once posting
// problem the Play API does not help solve.
type PendingReply struct {
	ID            string
	PackageName   string
	ReviewID      string
	ReplyText     string
	OriginRoomID  string
	OriginEventID string
	SenderID      string
	FirstQueuedAt time.Time
	Attempts      int
}

// ReplyQueue is the process-wide FIFO of pending replies plus its drainer.
// Enqueue is non-blocking; a single periodic worker snapshots the queue and
// dispatches entries sequentially through the gateway.
type ReplyQueue struct {
	gateway  PlayClient
	sink     MatrixSink
	statsFor func(packageName string) *PackageStats
	metrics  *metrics.Metrics
	interval time.Duration

	mu      sync.Mutex
	pending []*PendingReply

	// notBefore is the shared earliest-next-call gate, unix milliseconds.
	// A 429 pushes it forward and holds every entry, not just the one that
	// tripped the limit.
	notBefore atomic.Int64
}

// NewReplyQueue builds the queue. statsFor resolves the per-package counters
// the drainer updates; interval <= 0 selects DefaultDrainInterval.
func NewReplyQueue(gateway PlayClient, sink MatrixSink, statsFor func(string) *PackageStats, m *metrics.Metrics, interval time.Duration) *ReplyQueue {
	if interval <= 0 {
		interval = DefaultDrainInterval
	}
	return &ReplyQueue{
		gateway:  gateway,
		sink:     sink,
		statsFor: statsFor,
		metrics:  m,
		interval: interval,
	}
}

// Enqueue accepts a reply from the Matrix side. It fails only on obviously
// malformed input; everything else is deferred to the drainer.
func (q *ReplyQueue) Enqueue(packageName, reviewID, replyText, originEventID, originRoomID, senderID string) error {
	if packageName == "" || reviewID == "" {
		return &play.Error{Kind: play.KindValidation, Op: "reply.enqueue", Message: "empty package name or review ID"}
	}
	if replyText == "" {
		return &play.Error{Kind: play.KindValidation, Op: "reply.enqueue", Message: "empty reply text"}
	}

	entry := &PendingReply{
		ID:            uuid.New().String(),
		PackageName:   packageName,
		ReviewID:      reviewID,
		ReplyText:     replyText,
		OriginRoomID:  originRoomID,
		OriginEventID: originEventID,
		SenderID:      senderID,
		FirstQueuedAt: time.Now(),
	}

	q.mu.Lock()
	q.pending = append(q.pending, entry)
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetReplyQueueDepth(depth)
	slog.Info("reply queued",
		"package", packageName, "review", reviewID,
		"sender", senderID, "depth", depth)
	return nil
}

// Depth returns the number of replies waiting for the next drain.
func (q *ReplyQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Run drains the queue on a fixed cadence until ctx is cancelled.
func (q *ReplyQueue) Run(ctx context.Context) {
	ticker := time.NewTicker(q.interval)
	defer ticker.Stop()

	slog.Info("reply drainer started", "interval", q.interval)
	for {
		select {
		case <-ctx.Done():
			slog.Info("reply drainer stopped")
			return
		case <-ticker.C:
			q.Drain(ctx)
		}
	}
}

// Drain snapshots the queue and processes each entry once. Entries that fail
// with budget remaining, and entries held back by a rate-limit gate, are
// pushed back to the front of the queue in their original order so FIFO is
// preserved. Cancellation is honoured between entries, never mid-entry.
func (q *ReplyQueue) Drain(ctx context.Context) {
	q.mu.Lock()
	snapshot := q.pending
	q.pending = nil
	q.mu.Unlock()

	if len(snapshot) == 0 {
		return
	}

	var carry []*PendingReply
	for i, entry := range snapshot {
		if ctx.Err() != nil {
			carry = append(carry, snapshot[i:]...)
			break
		}
		if wait := q.holdRemaining(); wait > 0 {
			// Rate-limit gate still closed: no entry may call the gateway
			// until it opens.
			slog.Debug("reply drain deferred by rate limit", "wait", wait, "held", len(snapshot)-i)
			carry = append(carry, snapshot[i:]...)
			break
		}
		if keep := q.dispatch(ctx, entry); keep {
			carry = append(carry, entry)
		}
	}

	q.mu.Lock()
	q.pending = append(carry, q.pending...)
	depth := len(q.pending)
	q.mu.Unlock()
	q.metrics.SetReplyQueueDepth(depth)
}

// dispatch attempts one reply. Returns true when the entry should be
// re-queued for another attempt.
func (q *ReplyQueue) dispatch(ctx context.Context, entry *PendingReply) bool {
	err := q.gateway.ReplyToReview(ctx, entry.PackageName, entry.ReviewID, entry.ReplyText)
	if err == nil {
		q.statsFor(entry.PackageName).addReplySent()
		q.metrics.ReplyFinished(entry.PackageName, "sent")
		q.sink.NotifyReplyResult(ctx, entry.OriginRoomID, true, "")
		slog.Info("reply sent", "package", entry.PackageName, "review", entry.ReviewID, "attempts", entry.Attempts+1)
		return false
	}

	entry.Attempts++
	kind := play.KindOf(err)

	if ra := play.RetryAfterOf(err); ra > 0 {
		q.notBefore.Store(time.Now().Add(ra).UnixMilli())
	}

	// NOT_FOUND means the review aged out of the reply window; further
	// attempts cannot succeed, so the budget collapses to the one attempt
	// already spent.
	exhausted := entry.Attempts >= maxReplyAttempts || kind == play.KindNotFound || kind == play.KindValidation

	if !exhausted {
		entry.FirstQueuedAt = time.Now()
		slog.Warn("reply failed, will retry",
			"package", entry.PackageName, "review", entry.ReviewID,
			"attempt", entry.Attempts, "kind", kind, "err", err)
		return true
	}

	q.statsFor(entry.PackageName).addError()
	q.metrics.ReplyFinished(entry.PackageName, "failed")
	q.sink.NotifyReplyResult(ctx, entry.OriginRoomID, false, fmt.Sprintf("%s: %v", kind, err))
	slog.Error("reply abandoned",
		"package", entry.PackageName, "review", entry.ReviewID,
		"attempts", entry.Attempts, "kind", kind, "err", err)
	return false
}

// holdRemaining returns how long the shared rate-limit gate stays closed,
// or zero when calls may proceed.
func (q *ReplyQueue) holdRemaining() time.Duration {
	nb := q.notBefore.Load()
	if nb == 0 {
		return 0
	}
	if remaining := time.UnixMilli(nb).Sub(time.Now()); remaining > 0 {
		return remaining
	}
	return 0
}
