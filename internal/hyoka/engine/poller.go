package engine

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/bdobrica/Hyoka/common/trace"
	"github.com/bdobrica/Hyoka/internal/hyoka/metrics"
	"github.com/bdobrica/Hyoka/internal/hyoka/play"
	"github.com/bdobrica/Hyoka/internal/hyoka/store"
)

// Poller drives the inbound pipeline for one registered package: on each
// tick it walks the Play listing down to the watermark, classifies every
// review against the index, and forwards new and updated reviews to the
// Matrix sink.
type Poller struct {
	reg       Registration
	gateway   PlayClient
	index     ReviewIndex
	sink      MatrixSink
	stats     *PackageStats
	watermark *Watermark
	metrics   *metrics.Metrics

	// ticking guards against overlapping ticks; a tick that fires while the
	// previous one is still running is skipped, not queued.
	ticking atomic.Bool

	cancel context.CancelFunc
	done   chan struct{}
}

func newPoller(reg Registration, gateway PlayClient, index ReviewIndex, sink MatrixSink, stats *PackageStats, wm *Watermark, m *metrics.Metrics) *Poller {
	return &Poller{
		reg:       reg,
		gateway:   gateway,
		index:     index,
		sink:      sink,
		stats:     stats,
		watermark: wm,
		metrics:   m,
	}
}

// start launches the poll loop: an immediate tick, then one per interval.
func (p *Poller) start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	p.cancel = cancel
	p.done = make(chan struct{})

	go func() {
		defer close(p.done)

		p.tick(ctx)

		ticker := time.NewTicker(p.reg.PollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				p.tick(ctx)
			}
		}
	}()
}

// stop cancels the loop and waits for the in-flight tick to finish. The
// current gateway call completes or hits its deadline; the watermark is not
// advanced for an interrupted tick.
func (p *Poller) stop() {
	if p.cancel == nil {
		return
	}
	p.cancel()
	<-p.done
}

// tick runs a single poll pass.
func (p *Poller) tick(ctx context.Context) {
	if !p.ticking.CompareAndSwap(false, true) {
		slog.Warn("poll tick skipped, previous tick still running", "package", p.reg.PackageName)
		p.metrics.PollCompleted(p.reg.PackageName, "skipped")
		return
	}
	defer p.ticking.Store(false)

	ctx = trace.WithTraceID(ctx, trace.GenerateID())
	tickStart := time.Now()
	p.stats.markPoll(tickStart)

	since := p.watermark.Get()
	reviews, err := p.collect(ctx, since)
	if err != nil {
		// Upstream failure: the watermark stays put so the next tick
		// re-covers the same window.
		p.stats.addError()
		p.metrics.PollCompleted(p.reg.PackageName, "error")
		slog.Error("poll failed",
			"package", p.reg.PackageName,
			"since", since,
			"trace", trace.FromContext(ctx),
			"err", err)
		return
	}

	for _, rv := range reviews {
		if ctx.Err() != nil {
			// Cancelled mid-poll: exit before advancing the watermark.
			return
		}
		p.process(ctx, rv)
	}

	p.watermark.Set(tickStart)
	p.metrics.PollCompleted(p.reg.PackageName, "ok")
	slog.Debug("poll complete",
		"package", p.reg.PackageName,
		"reviews", len(reviews),
		"watermark", tickStart,
		"trace", trace.FromContext(ctx))
}

// collect walks the listing newest-modified-first and returns the reviews
// with lastModifiedAt >= since. Play orders by modification time, so the
// first review older than the cursor proves no further matches exist.
// The boundary is inclusive: seconds-granularity timestamps can coincide
// with the previous tick's start, and a half-open interval would drop those.
func (p *Poller) collect(ctx context.Context, since time.Time) ([]play.Review, error) {
	var out []play.Review
	token := ""

	for {
		remaining := int64(p.reg.MaxReviewsPerPoll - len(out))
		if remaining <= 0 {
			return out, nil
		}

		page, err := p.gateway.ListReviews(ctx, p.reg.PackageName, remaining, token, p.reg.TranslationLang)
		if err != nil {
			return nil, err
		}

		for _, rv := range page.Reviews {
			if rv.LastModifiedAt.Before(since) {
				return out, nil
			}
			out = append(out, rv)
			if len(out) >= p.reg.MaxReviewsPerPoll {
				return out, nil
			}
		}

		if page.NextToken == "" {
			return out, nil
		}
		token = page.NextToken
	}
}

// process classifies one review and dispatches it when new or updated. A
// sink or index failure aborts this review only; the poll continues and the
// watermark still advances.
func (p *Poller) process(ctx context.Context, rv play.Review) {
	if rv.ReviewID == "" {
		slog.Warn("dropping review with empty ID", "package", p.reg.PackageName)
		return
	}

	p.stats.addProcessed()

	entry, err := p.index.GetReview(ctx, rv.ReviewID)
	if err != nil {
		p.stats.addError()
		slog.Error("review index read failed", "review", rv.ReviewID, "err", err)
		return
	}

	isNew := entry == nil
	if !isNew && !entry.LastModifiedAt.Before(rv.LastModifiedAt) {
		// Unchanged: nothing flows downstream.
		p.metrics.ReviewSeen(p.reg.PackageName, "unchanged")
		return
	}

	if err := p.index.UpsertReview(ctx, &store.ReviewEntry{
		ReviewID:       rv.ReviewID,
		PackageName:    rv.PackageName,
		LastModifiedAt: rv.LastModifiedAt,
		HasReply:       rv.HasReply,
	}); err != nil {
		p.stats.addError()
		slog.Error("review index write failed", "review", rv.ReviewID, "err", err)
		return
	}

	if isNew {
		p.stats.addNew()
		p.metrics.ReviewSeen(p.reg.PackageName, "new")
		if err := p.sink.EnsureVirtualUser(ctx, rv.ReviewID, rv.AuthorName); err != nil {
			p.stats.addError()
			slog.Error("virtual user provisioning failed",
				"review", rv.ReviewID, "author", rv.AuthorName, "err", err)
			return
		}
	} else {
		p.stats.addUpdated()
		p.metrics.ReviewSeen(p.reg.PackageName, "updated")
	}

	if err := p.sink.DeliverReview(ctx, rv.ReviewID, rv.PackageName); err != nil {
		p.stats.addError()
		slog.Error("review delivery failed", "review", rv.ReviewID, "err", err)
	}
}
