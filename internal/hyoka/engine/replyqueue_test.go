package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bdobrica/Hyoka/internal/hyoka/play"
)

func newTestQueue(gw PlayClient, sink MatrixSink) (*ReplyQueue, *PackageStats) {
	stats := &PackageStats{}
	q := NewReplyQueue(gw, sink, func(string) *PackageStats { return stats }, nil, time.Hour)
	return q, stats
}

func mustEnqueue(t *testing.T, q *ReplyQueue, reviewID string) {
	t.Helper()
	if err := q.Enqueue("com.ex.app", reviewID, "thanks for the feedback", "$ev", "!r:example.com", "@dev:example.com"); err != nil {
		t.Fatalf("Enqueue(%s): %v", reviewID, err)
	}
}

func TestEnqueueValidation(t *testing.T) {
	q, _ := newTestQueue(&fakePlay{}, &fakeSink{})

	err := q.Enqueue("com.ex.app", "rv1", "", "$ev", "!r:x", "@u:x")
	if play.KindOf(err) != play.KindValidation {
		t.Errorf("empty text: got %v, want VALIDATION", err)
	}
	err = q.Enqueue("com.ex.app", "", "text", "$ev", "!r:x", "@u:x")
	if play.KindOf(err) != play.KindValidation {
		t.Errorf("empty review ID: got %v, want VALIDATION", err)
	}
	if q.Depth() != 0 {
		t.Errorf("depth after rejected enqueues: %d", q.Depth())
	}
}

func TestReplySuccess(t *testing.T) {
	gw := &fakePlay{}
	sink := &fakeSink{}
	q, stats := newTestQueue(gw, sink)

	mustEnqueue(t, q, "rv1")
	if q.Depth() != 1 {
		t.Fatalf("depth: got %d, want 1", q.Depth())
	}

	q.Drain(context.Background())

	if q.Depth() != 0 {
		t.Errorf("depth after drain: %d", q.Depth())
	}
	if got := sink.notifications(); len(got) != 1 || !got[0] {
		t.Errorf("notifications: %v, want one success", got)
	}
	if snap := stats.Snapshot(); snap.RepliesSent != 1 || snap.Errors != 0 {
		t.Errorf("stats: %+v", snap)
	}
	if gw.replyCount() != 1 {
		t.Errorf("gateway calls: %d", gw.replyCount())
	}
}

func TestReplyRetriesThenAbandons(t *testing.T) {
	apiErr := &play.Error{Kind: play.KindAPI, Op: "reviews.reply", Message: "backend error"}
	gw := &fakePlay{replyErrs: []error{apiErr, apiErr, apiErr, apiErr}}
	sink := &fakeSink{}
	q, stats := newTestQueue(gw, sink)

	mustEnqueue(t, q, "rv1")

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		q.Drain(ctx)
		if q.Depth() != 1 {
			t.Fatalf("drain %d: depth %d, want 1 (still retrying)", i+1, q.Depth())
		}
		if len(sink.notifications()) != 0 {
			t.Fatalf("drain %d: notified before budget exhausted", i+1)
		}
	}

	// Fourth and final attempt.
	q.Drain(ctx)

	if q.Depth() != 0 {
		t.Errorf("depth after exhaustion: %d", q.Depth())
	}
	if gw.replyCount() != 4 {
		t.Errorf("gateway calls: got %d, want 4", gw.replyCount())
	}
	got := sink.notifications()
	if len(got) != 1 || got[0] {
		t.Errorf("notifications: %v, want one failure", got)
	}
	if snap := stats.Snapshot(); snap.Errors != 1 || snap.RepliesSent != 0 {
		t.Errorf("stats: %+v", snap)
	}
}

func TestReplyNotFoundIsTerminal(t *testing.T) {
	gw := &fakePlay{replyErrs: []error{
		&play.Error{Kind: play.KindNotFound, Op: "reviews.reply", Message: "review not found"},
	}}
	sink := &fakeSink{}
	q, stats := newTestQueue(gw, sink)

	mustEnqueue(t, q, "gone")
	q.Drain(context.Background())

	if q.Depth() != 0 {
		t.Errorf("NOT_FOUND reply still queued, depth %d", q.Depth())
	}
	if gw.replyCount() != 1 {
		t.Errorf("gateway calls: got %d, want 1", gw.replyCount())
	}
	got := sink.notifications()
	if len(got) != 1 || got[0] {
		t.Errorf("notifications: %v, want one failure", got)
	}
	if snap := stats.Snapshot(); snap.Errors != 1 {
		t.Errorf("errors: got %d, want 1", snap.Errors)
	}
}

func TestReplyRateLimitHoldsWholeQueue(t *testing.T) {
	hold := 120 * time.Millisecond
	gw := &fakePlay{replyErrs: []error{
		&play.Error{Kind: play.KindRateLimit, Op: "reviews.reply", Message: "quota", RetryAfter: hold},
	}}
	sink := &fakeSink{}
	q, _ := newTestQueue(gw, sink)

	mustEnqueue(t, q, "rv1")
	mustEnqueue(t, q, "rv2")

	ctx := context.Background()
	start := time.Now()
	q.Drain(ctx)

	// rv1 tripped the limiter; rv2 must not have been attempted.
	if gw.replyCount() != 1 {
		t.Fatalf("gateway calls after rate limit: got %d, want 1", gw.replyCount())
	}
	if q.Depth() != 2 {
		t.Fatalf("depth: got %d, want 2", q.Depth())
	}

	// A drain inside the hold window makes no calls at all.
	q.Drain(ctx)
	if gw.replyCount() != 1 {
		t.Fatalf("gateway called during hold window")
	}

	time.Sleep(time.Until(start.Add(hold + 20*time.Millisecond)))
	q.Drain(ctx)

	if gw.replyCount() != 3 {
		t.Fatalf("gateway calls after hold: got %d, want 3", gw.replyCount())
	}
	// FIFO preserved: rv1 retried before rv2.
	gw.mu.Lock()
	order := append([]string(nil), gw.replyCalls...)
	gw.mu.Unlock()
	if order[1] != "rv1" || order[2] != "rv2" {
		t.Errorf("reply order: %v", order)
	}
	if elapsed := gw.replyTimes[1].Sub(start); elapsed < hold {
		t.Errorf("second attempt after %v, want >= %v", elapsed, hold)
	}
}

func TestDrainFIFOAcrossPackagesAndEntries(t *testing.T) {
	gw := &fakePlay{}
	sink := &fakeSink{}
	q, _ := newTestQueue(gw, sink)

	for _, id := range []string{"a", "b", "c"} {
		mustEnqueue(t, q, id)
	}
	q.Drain(context.Background())

	gw.mu.Lock()
	order := append([]string(nil), gw.replyCalls...)
	gw.mu.Unlock()
	if len(order) != 3 || order[0] != "a" || order[1] != "b" || order[2] != "c" {
		t.Errorf("dispatch order: %v", order)
	}
}

func TestDrainStopsOnCancel(t *testing.T) {
	gw := &fakePlay{}
	sink := &fakeSink{}
	q, _ := newTestQueue(gw, sink)

	mustEnqueue(t, q, "rv1")

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	q.Drain(ctx)

	if gw.replyCount() != 0 {
		t.Errorf("gateway called after cancellation")
	}
	if q.Depth() != 1 {
		t.Errorf("entry lost on cancelled drain, depth %d", q.Depth())
	}
}

func TestDispatchNonPlayErrorCountsAgainstBudget(t *testing.T) {
	plain := errors.New("connection reset")
	gw := &fakePlay{replyErrs: []error{plain, plain, plain, plain}}
	sink := &fakeSink{}
	q, _ := newTestQueue(gw, sink)

	mustEnqueue(t, q, "rv1")
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		q.Drain(ctx)
	}
	if q.Depth() != 0 {
		t.Errorf("depth after exhaustion: %d", q.Depth())
	}
	if gw.replyCount() != 4 {
		t.Errorf("gateway calls: got %d, want 4", gw.replyCount())
	}
}
