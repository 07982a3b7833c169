package engine

import (
	"context"
	"testing"
	"time"

	"github.com/bdobrica/Hyoka/internal/hyoka/play"
)

func newTestSupervisor(gw PlayClient, sink MatrixSink) *Supervisor {
	return NewSupervisor(SupervisorConfig{
		Gateway: gw,
		Index:   newFakeIndex(),
		Sink:    sink,
		// Long cadence: tests drive the queue synchronously.
		DrainInterval: time.Hour,
	})
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestRegisterStartsPolling(t *testing.T) {
	gw := &fakePlay{reviews: []play.Review{testReview("rv1", time.Now())}}
	sink := &fakeSink{}
	s := newTestSupervisor(gw, sink)
	defer s.Shutdown(context.Background())

	err := s.Register(context.Background(), Registration{
		PackageName:  "com.ex.app",
		RoomID:       "!r:example.com",
		PollInterval: time.Hour,
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The initial tick fires immediately after registration.
	waitFor(t, "first delivery", func() bool { return sink.deliveries("rv1") == 1 })

	if !s.Registered("com.ex.app") {
		t.Error("package not reported as registered")
	}
	regs := s.Registrations()
	if len(regs) != 1 || regs[0].PackageName != "com.ex.app" {
		t.Errorf("registrations: %+v", regs)
	}
}

func TestRegisterDuplicateFails(t *testing.T) {
	gw := &fakePlay{}
	s := newTestSupervisor(gw, &fakeSink{})
	defer s.Shutdown(context.Background())

	reg := Registration{PackageName: "com.ex.app", PollInterval: time.Hour}
	if err := s.Register(context.Background(), reg); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := s.Register(context.Background(), reg); err == nil {
		t.Error("duplicate registration accepted")
	}
}

func TestRegisterFailsOnBadCredentials(t *testing.T) {
	gw := &fakePlay{testErr: &play.Error{Kind: play.KindAuth, Op: "reviews.list", Message: "forbidden"}}
	s := newTestSupervisor(gw, &fakeSink{})
	defer s.Shutdown(context.Background())

	err := s.Register(context.Background(), Registration{PackageName: "com.ex.app", PollInterval: time.Hour})
	if err == nil {
		t.Fatal("registration succeeded despite failed connection test")
	}
	if s.Registered("com.ex.app") {
		t.Error("failed registration left an entry behind")
	}
}

func TestUnregisterStopsPollingAndKeepsStats(t *testing.T) {
	gw := &fakePlay{reviews: []play.Review{testReview("rv1", time.Now())}}
	sink := &fakeSink{}
	s := newTestSupervisor(gw, sink)
	defer s.Shutdown(context.Background())

	if err := s.Register(context.Background(), Registration{PackageName: "com.ex.app", PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return sink.deliveries("rv1") == 1 })

	if err := s.Unregister("com.ex.app"); err != nil {
		t.Fatalf("Unregister: %v", err)
	}
	if s.Registered("com.ex.app") {
		t.Error("still registered after unregister")
	}

	stats := s.Stats()
	snap, ok := stats["com.ex.app"]
	if !ok {
		t.Fatal("stats dropped on unregister")
	}
	if snap.NewReviews != 1 {
		t.Errorf("retained stats: %+v", snap)
	}

	if err := s.Unregister("com.ex.app"); err == nil {
		t.Error("second unregister should fail")
	}
}

func TestPauseResume(t *testing.T) {
	gw := &fakePlay{reviews: []play.Review{testReview("rv1", time.Now())}}
	sink := &fakeSink{}
	s := newTestSupervisor(gw, sink)
	defer s.Shutdown(context.Background())

	if err := s.Register(context.Background(), Registration{PackageName: "com.ex.app", PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	waitFor(t, "first delivery", func() bool { return sink.deliveries("rv1") == 1 })

	s.Pause()
	if !s.Paused() {
		t.Fatal("not paused")
	}
	gw.mu.Lock()
	callsWhilePaused := gw.listCalls
	gw.mu.Unlock()

	// Registration while paused must not start a poller.
	if err := s.Register(context.Background(), Registration{PackageName: "com.other.app", PollInterval: time.Hour}); err != nil {
		t.Fatalf("Register while paused: %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	gw.mu.Lock()
	if gw.listCalls != callsWhilePaused {
		t.Errorf("list calls while paused: %d, was %d", gw.listCalls, callsWhilePaused)
	}
	gw.mu.Unlock()

	s.Resume(context.Background())
	if s.Paused() {
		t.Fatal("still paused after resume")
	}
	gw.mu.Lock()
	resets := gw.resets
	gw.mu.Unlock()
	if resets != 1 {
		t.Errorf("gateway resets: got %d, want 1", resets)
	}

	// Both packages tick on resume; the unchanged review is reprocessed but
	// not redelivered.
	waitFor(t, "resumed ticks", func() bool {
		gw.mu.Lock()
		defer gw.mu.Unlock()
		return gw.listCalls >= callsWhilePaused+2
	})
	if n := sink.deliveries("rv1"); n != 1 {
		t.Errorf("deliveries after resume: got %d, want 1", n)
	}
}

func TestShutdownDrainsQueue(t *testing.T) {
	gw := &fakePlay{}
	sink := &fakeSink{}
	s := newTestSupervisor(gw, sink)
	s.Start(context.Background())

	if err := s.Queue().Enqueue("com.ex.app", "rv1", "thanks", "$ev", "!r:x", "@u:x"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if s.QueueDepth() != 1 {
		t.Fatalf("depth: %d", s.QueueDepth())
	}

	s.Shutdown(context.Background())

	if gw.replyCount() != 1 {
		t.Errorf("final drain did not attempt the queued reply: %d calls", gw.replyCount())
	}
	if s.QueueDepth() != 0 {
		t.Errorf("depth after shutdown: %d", s.QueueDepth())
	}

	// Register after shutdown must fail.
	if err := s.Register(context.Background(), Registration{PackageName: "com.ex.app"}); err == nil {
		t.Error("registration accepted after shutdown")
	}
}

func TestRegistrationDefaults(t *testing.T) {
	reg := Registration{PackageName: "com.ex.app"}.normalize()
	if reg.PollInterval != DefaultPollInterval {
		t.Errorf("interval: %v", reg.PollInterval)
	}
	if reg.MaxReviewsPerPoll != DefaultMaxReviewsPerPoll {
		t.Errorf("max: %d", reg.MaxReviewsPerPoll)
	}
	if reg.LookbackDays != MaxLookbackDays {
		t.Errorf("lookback: %d", reg.LookbackDays)
	}

	clamped := Registration{PackageName: "p", PollInterval: time.Millisecond, LookbackDays: 30}.normalize()
	if clamped.PollInterval != MinPollInterval {
		t.Errorf("clamped interval: %v", clamped.PollInterval)
	}
	if clamped.LookbackDays != MaxLookbackDays {
		t.Errorf("clamped lookback: %d", clamped.LookbackDays)
	}
}
