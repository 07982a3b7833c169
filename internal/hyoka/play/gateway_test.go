package play

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/googleapi"
)

// fakeTransport scripts transport responses per operation and records every
// call with its timestamp.
type fakeTransport struct {
	mu        sync.Mutex
	listResp  *androidpublisher.ReviewsListResponse
	listErr   error
	getResp   *androidpublisher.Review
	getErr    error
	replyErr  error
	callTimes []time.Time
	calls     []string
}

func (f *fakeTransport) record(op string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	f.callTimes = append(f.callTimes, time.Now())
}

func (f *fakeTransport) ListReviews(ctx context.Context, pkg string, max int64, token, lang string) (*androidpublisher.ReviewsListResponse, error) {
	f.record("list")
	if f.listErr != nil {
		return nil, f.listErr
	}
	if f.listResp != nil {
		return f.listResp, nil
	}
	return &androidpublisher.ReviewsListResponse{}, nil
}

func (f *fakeTransport) GetReview(ctx context.Context, pkg, id string) (*androidpublisher.Review, error) {
	f.record("get")
	return f.getResp, f.getErr
}

func (f *fakeTransport) ReplyToReview(ctx context.Context, pkg, id, text string) error {
	f.record("reply")
	return f.replyErr
}

func apiError(code int) *googleapi.Error {
	return &googleapi.Error{Code: code, Message: http.StatusText(code)}
}

func TestListReviews_Normalizes(t *testing.T) {
	ft := &fakeTransport{
		listResp: &androidpublisher.ReviewsListResponse{
			Reviews: []*androidpublisher.Review{
				{
					ReviewId: "rv1",
					Comments: []*androidpublisher.Comment{
						{UserComment: &androidpublisher.UserComment{
							StarRating:   5,
							Text:         "nice",
							LastModified: &androidpublisher.Timestamp{Seconds: 1704189600},
						}},
					},
				},
			},
			TokenPagination: &androidpublisher.TokenPagination{NextPageToken: "tok2"},
		},
	}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	page, err := g.ListReviews(context.Background(), "com.ex.app", 50, "", "")
	if err != nil {
		t.Fatalf("ListReviews: %v", err)
	}
	if len(page.Reviews) != 1 {
		t.Fatalf("reviews: got %d, want 1", len(page.Reviews))
	}
	rv := page.Reviews[0]
	if rv.ReviewID != "rv1" || rv.PackageName != "com.ex.app" {
		t.Errorf("identity: got %q/%q", rv.ReviewID, rv.PackageName)
	}
	if rv.AuthorName != AnonymousAuthor {
		t.Errorf("author: got %q, want %q", rv.AuthorName, AnonymousAuthor)
	}
	if rv.StarRating != 5 || rv.Text != "nice" {
		t.Errorf("content: got %d/%q", rv.StarRating, rv.Text)
	}
	want := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	if !rv.LastModifiedAt.Equal(want) {
		t.Errorf("lastModified: got %v, want %v", rv.LastModifiedAt, want)
	}
	if !rv.CreatedAt.Equal(rv.LastModifiedAt) {
		t.Errorf("createdAt should mirror lastModifiedAt")
	}
	if page.NextToken != "tok2" {
		t.Errorf("nextToken: got %q, want tok2", page.NextToken)
	}
}

func TestGetReview_NotFoundYieldsNil(t *testing.T) {
	ft := &fakeTransport{getErr: apiError(http.StatusNotFound)}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	rv, err := g.GetReview(context.Background(), "com.ex.app", "gone")
	if err != nil {
		t.Fatalf("GetReview: %v", err)
	}
	if rv != nil {
		t.Errorf("expected nil review for 404, got %+v", rv)
	}
}

func TestAuthFailureLatchesUnready(t *testing.T) {
	ft := &fakeTransport{listErr: apiError(http.StatusUnauthorized)}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	_, err := g.ListReviews(context.Background(), "com.ex.app", 10, "", "")
	if KindOf(err) != KindAuth {
		t.Fatalf("expected AUTH, got %v", err)
	}
	if g.Ready() {
		t.Fatal("gateway should be unready after AUTH failure")
	}

	// Subsequent calls fail fast without touching the transport.
	before := len(ft.calls)
	if err := g.ReplyToReview(context.Background(), "com.ex.app", "rv1", "text"); KindOf(err) != KindAuth {
		t.Fatalf("expected fast AUTH failure, got %v", err)
	}
	if len(ft.calls) != before {
		t.Error("unready gateway must not issue transport calls")
	}

	g.Reset()
	if !g.Ready() {
		t.Fatal("Reset should clear the unready latch")
	}
}

func TestRateLimitCarriesRetryAfter(t *testing.T) {
	gerr := apiError(http.StatusTooManyRequests)
	gerr.Header = http.Header{"Retry-After": []string{"2"}}
	ft := &fakeTransport{replyErr: gerr}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	err := g.ReplyToReview(context.Background(), "com.ex.app", "rv1", "thanks")
	if KindOf(err) != KindRateLimit {
		t.Fatalf("expected RATE_LIMIT, got %v", err)
	}
	if got := RetryAfterOf(err); got != 2*time.Second {
		t.Errorf("retryAfter: got %v, want 2s", got)
	}
	if !Retryable(err) {
		t.Error("RATE_LIMIT should be retryable")
	}
}

func TestRateLimitDefaultRetryAfter(t *testing.T) {
	ft := &fakeTransport{replyErr: apiError(http.StatusTooManyRequests)}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	err := g.ReplyToReview(context.Background(), "com.ex.app", "rv1", "thanks")
	if got := RetryAfterOf(err); got != 60*time.Second {
		t.Errorf("default retryAfter: got %v, want 60s", got)
	}
}

func TestServerErrorIsRetryableAPI(t *testing.T) {
	ft := &fakeTransport{listErr: apiError(http.StatusInternalServerError)}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	_, err := g.ListReviews(context.Background(), "com.ex.app", 10, "", "")
	if KindOf(err) != KindAPI {
		t.Fatalf("expected API, got %v", err)
	}
	if !Retryable(err) {
		t.Error("5xx should be retryable")
	}
	if g.Ready() != true {
		t.Error("5xx must not latch unready")
	}
}

func TestTransportErrorIsClient(t *testing.T) {
	ft := &fakeTransport{listErr: errors.New("connection reset")}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	_, err := g.ListReviews(context.Background(), "com.ex.app", 10, "", "")
	if KindOf(err) != KindClient {
		t.Fatalf("expected CLIENT, got %v", err)
	}
	if !Retryable(err) {
		t.Error("transport errors should be retryable")
	}
}

func TestReplyValidation(t *testing.T) {
	ft := &fakeTransport{}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	if err := g.ReplyToReview(context.Background(), "com.ex.app", "rv1", ""); KindOf(err) != KindValidation {
		t.Errorf("empty text: expected VALIDATION, got %v", err)
	}
	if err := g.ReplyToReview(context.Background(), "com.ex.app", "", "text"); KindOf(err) != KindValidation {
		t.Errorf("empty review ID: expected VALIDATION, got %v", err)
	}
	if len(ft.calls) != 0 {
		t.Error("validation failures must not reach the transport")
	}
}

func TestCallSpacingFloor(t *testing.T) {
	ft := &fakeTransport{}
	spacing := 30 * time.Millisecond
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: spacing})

	for i := 0; i < 3; i++ {
		if _, err := g.ListReviews(context.Background(), "com.ex.app", 1, "", ""); err != nil {
			t.Fatalf("call %d: %v", i, err)
		}
	}

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if len(ft.callTimes) != 3 {
		t.Fatalf("calls: got %d, want 3", len(ft.callTimes))
	}
	for i := 1; i < len(ft.callTimes); i++ {
		gap := ft.callTimes[i].Sub(ft.callTimes[i-1])
		// Allow a small scheduling tolerance below the configured floor.
		if gap < spacing-5*time.Millisecond {
			t.Errorf("gap %d: got %v, want >= %v", i, gap, spacing)
		}
	}
}

func TestTestConnection(t *testing.T) {
	ft := &fakeTransport{}
	g := NewGateway(ft, GatewayConfig{MinCallSpacing: time.Millisecond})

	if err := g.TestConnection(context.Background(), "com.ex.app"); err != nil {
		t.Fatalf("TestConnection: %v", err)
	}

	ft.listErr = apiError(http.StatusForbidden)
	if err := g.TestConnection(context.Background(), "com.ex.app"); KindOf(err) != KindAuth {
		t.Errorf("expected AUTH on 403, got %v", err)
	}
}
