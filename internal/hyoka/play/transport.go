package play

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/oauth2/google"
	"google.golang.org/api/androidpublisher/v3"
	"google.golang.org/api/option"
)

// publisherTransport is the production Transport, backed by the
// androidpublisher v3 client authenticated with a service-account key.
type publisherTransport struct {
	svc *androidpublisher.Service
}

// NewTransport builds the production transport from a service-account JSON
// key file. The key must be granted the androidpublisher scope in the Play
// Console ("View app information" plus "Reply to reviews").
func NewTransport(ctx context.Context, credentialsFile string) (Transport, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read service account key: %w", err)
	}

	jwtCfg, err := google.JWTConfigFromJSON(data, androidpublisher.AndroidpublisherScope)
	if err != nil {
		return nil, fmt.Errorf("parse service account key: %w", err)
	}

	svc, err := androidpublisher.NewService(ctx, option.WithTokenSource(jwtCfg.TokenSource(ctx)))
	if err != nil {
		return nil, fmt.Errorf("build androidpublisher client: %w", err)
	}

	return &publisherTransport{svc: svc}, nil
}

func (t *publisherTransport) ListReviews(ctx context.Context, packageName string, maxResults int64, token, translationLang string) (*androidpublisher.ReviewsListResponse, error) {
	req := t.svc.Reviews.List(packageName).MaxResults(maxResults)
	if token != "" {
		req = req.Token(token)
	}
	if translationLang != "" {
		req = req.TranslationLanguage(translationLang)
	}
	return req.Context(ctx).Do()
}

func (t *publisherTransport) GetReview(ctx context.Context, packageName, reviewID string) (*androidpublisher.Review, error) {
	return t.svc.Reviews.Get(packageName, reviewID).Context(ctx).Do()
}

func (t *publisherTransport) ReplyToReview(ctx context.Context, packageName, reviewID, text string) error {
	_, err := t.svc.Reviews.Reply(packageName, reviewID, &androidpublisher.ReviewsReplyRequest{
		ReplyText: text,
	}).Context(ctx).Do()
	return err
}
