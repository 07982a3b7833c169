package matrix

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/bdobrica/Hyoka/internal/hyoka/play"
	"github.com/bdobrica/Hyoka/internal/hyoka/store"
)

type fakeSender struct {
	mu       sync.Mutex
	sent     []string // room + "|" + plaintext
	notices  []string // room + "|" + message
	sendErr  error
	nextID   int
	failOnce bool
}

func (f *fakeSender) SendFormattedMessage(roomID, html, plaintext string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		err := f.sendErr
		if f.failOnce {
			f.sendErr = nil
		}
		return "", err
	}
	f.nextID++
	f.sent = append(f.sent, roomID+"|"+plaintext)
	return fmt.Sprintf("$ev%d", f.nextID), nil
}

func (f *fakeSender) SendNotice(roomID, message string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, roomID+"|"+message)
	return nil
}

type fakeFetcher struct {
	review *play.Review
	err    error
}

func (f *fakeFetcher) GetReview(ctx context.Context, packageName, reviewID string) (*play.Review, error) {
	return f.review, f.err
}

func newSinkFixture(t *testing.T, sender *fakeSender, fetcher *fakeFetcher) (*Sink, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "sink-test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	if err := st.SaveApp(context.Background(), &store.App{
		PackageName:       "com.ex.app",
		RoomID:            "!reviews:example.com",
		PollInterval:      time.Minute,
		MaxReviewsPerPoll: 100,
		LookbackDays:      7,
	}); err != nil {
		t.Fatalf("SaveApp: %v", err)
	}

	return NewSink(sender, fetcher, st), st
}

func sampleReview() *play.Review {
	return &play.Review{
		ReviewID:       "rv1",
		PackageName:    "com.ex.app",
		AuthorName:     "Jordan",
		StarRating:     2,
		Text:           "crashes on startup",
		LastModifiedAt: time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC),
		Device:         play.DeviceInfo{Device: "pixel8", AndroidOSVer: 34, AppVersionName: "2.1.0"},
	}
}

func TestDeliverReview(t *testing.T) {
	sender := &fakeSender{}
	sink, st := newSinkFixture(t, sender, &fakeFetcher{review: sampleReview()})

	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err != nil {
		t.Fatalf("DeliverReview: %v", err)
	}

	if len(sender.sent) != 1 {
		t.Fatalf("messages sent: %d", len(sender.sent))
	}
	if !strings.HasPrefix(sender.sent[0], "!reviews:example.com|") {
		t.Errorf("wrong room: %s", sender.sent[0])
	}
	if !strings.Contains(sender.sent[0], "crashes on startup") {
		t.Errorf("review text missing: %s", sender.sent[0])
	}

	msg, err := st.GetBridgedMessage(context.Background(), "$ev1")
	if err != nil {
		t.Fatalf("GetBridgedMessage: %v", err)
	}
	if msg == nil || msg.ReviewID != "rv1" {
		t.Errorf("bridged message: %+v", msg)
	}
}

func TestDeliverReviewUnknownPackage(t *testing.T) {
	sink, _ := newSinkFixture(t, &fakeSender{}, &fakeFetcher{review: sampleReview()})

	if err := sink.DeliverReview(context.Background(), "rv1", "com.unknown.app"); err == nil {
		t.Error("expected error for unregistered package")
	}
}

func TestDeliverReviewVanishedUpstream(t *testing.T) {
	sender := &fakeSender{}
	sink, _ := newSinkFixture(t, sender, &fakeFetcher{review: nil})

	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err != nil {
		t.Fatalf("vanished review should not be an error: %v", err)
	}
	if len(sender.sent) != 0 {
		t.Errorf("sent %d messages for a vanished review", len(sender.sent))
	}
}

func TestDeliverReviewRetriesSend(t *testing.T) {
	sender := &fakeSender{sendErr: errors.New("homeserver hiccup"), failOnce: true}
	sink, _ := newSinkFixture(t, sender, &fakeFetcher{review: sampleReview()})

	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err != nil {
		t.Fatalf("DeliverReview after transient failure: %v", err)
	}
	if len(sender.sent) != 1 {
		t.Errorf("messages sent: %d", len(sender.sent))
	}
}

func TestDeliverReviewUsesGhostDisplayName(t *testing.T) {
	sender := &fakeSender{}
	sink, st := newSinkFixture(t, sender, &fakeFetcher{review: sampleReview()})

	if err := st.CreateGhost(context.Background(), &store.Ghost{
		ReviewID:    "rv1",
		Localpart:   "_playstore_rv1",
		DisplayName: "Original Name",
	}); err != nil {
		t.Fatalf("CreateGhost: %v", err)
	}

	if err := sink.DeliverReview(context.Background(), "rv1", "com.ex.app"); err != nil {
		t.Fatalf("DeliverReview: %v", err)
	}
	if !strings.Contains(sender.sent[0], "Original Name") {
		t.Errorf("ghost display name not used: %s", sender.sent[0])
	}
}

func TestEnsureVirtualUserIdempotent(t *testing.T) {
	sink, st := newSinkFixture(t, &fakeSender{}, &fakeFetcher{})
	ctx := context.Background()

	if err := sink.EnsureVirtualUser(ctx, "gp:AOqp/XYZ==", "Jordan"); err != nil {
		t.Fatalf("EnsureVirtualUser: %v", err)
	}
	ghost, err := st.GetGhost(ctx, "gp:AOqp/XYZ==")
	if err != nil || ghost == nil {
		t.Fatalf("ghost not stored: %v", err)
	}
	if ghost.Localpart != "_playstore_gpaoqp/xyz==" {
		t.Errorf("localpart: %q", ghost.Localpart)
	}
	if ghost.DisplayName != "Jordan" {
		t.Errorf("display name: %q", ghost.DisplayName)
	}

	// Author renamed upstream; the stored identity must not change.
	if err := sink.EnsureVirtualUser(ctx, "gp:AOqp/XYZ==", "J. Renamed"); err != nil {
		t.Fatalf("EnsureVirtualUser again: %v", err)
	}
	ghost, _ = st.GetGhost(ctx, "gp:AOqp/XYZ==")
	if ghost.DisplayName != "Jordan" {
		t.Errorf("display name changed: %q", ghost.DisplayName)
	}
}

func TestEnsureVirtualUserEmptyAuthor(t *testing.T) {
	sink, st := newSinkFixture(t, &fakeSender{}, &fakeFetcher{})

	if err := sink.EnsureVirtualUser(context.Background(), "rv9", ""); err != nil {
		t.Fatalf("EnsureVirtualUser: %v", err)
	}
	ghost, _ := st.GetGhost(context.Background(), "rv9")
	if ghost.DisplayName != play.AnonymousAuthor {
		t.Errorf("display name: %q", ghost.DisplayName)
	}
}

func TestNotifyReplyResult(t *testing.T) {
	sender := &fakeSender{}
	sink, _ := newSinkFixture(t, sender, &fakeFetcher{})
	ctx := context.Background()

	sink.NotifyReplyResult(ctx, "!r:example.com", true, "")
	sink.NotifyReplyResult(ctx, "!r:example.com", false, "RATE_LIMIT: quota exceeded")
	sink.NotifyReplyResult(ctx, "", true, "") // no origin: silent

	if len(sender.notices) != 2 {
		t.Fatalf("notices: %d", len(sender.notices))
	}
	if !strings.Contains(sender.notices[0], "✅") {
		t.Errorf("success notice: %s", sender.notices[0])
	}
	if !strings.Contains(sender.notices[1], "RATE_LIMIT") {
		t.Errorf("failure notice: %s", sender.notices[1])
	}
}

func TestGhostLocalpart(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"abc123", "_playstore_abc123"},
		{"GP:AB-cd_ef", "_playstore_gpab-cd_ef"},
		{"a b\tc", "_playstore_abc"},
	}
	for _, tc := range cases {
		if got := ghostLocalpart(tc.in); got != tc.want {
			t.Errorf("ghostLocalpart(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}

	// Nothing survivable in the ID: a random fallback is still namespaced.
	got := ghostLocalpart("!!!")
	if !strings.HasPrefix(got, ghostPrefix) || len(got) <= len(ghostPrefix) {
		t.Errorf("fallback localpart: %q", got)
	}
}
