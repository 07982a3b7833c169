package play

import (
	"time"

	"google.golang.org/api/androidpublisher/v3"
)

// normalizeReview flattens the upstream comment nesting into a Review.
//
// The API returns a comments array whose first element is the user comment
// and whose second element, when present, is the developer comment. Both are
// scanned positionally-independently so a reordered response still decodes.
// Missing or unparseable timestamps become the epoch; the review is emitted
// regardless and downstream must tolerate it.
func normalizeReview(packageName string, raw *androidpublisher.Review) Review {
	r := Review{
		ReviewID:    raw.ReviewId,
		PackageName: packageName,
		AuthorName:  raw.AuthorName,
	}
	if r.AuthorName == "" {
		r.AuthorName = AnonymousAuthor
	}

	for _, c := range raw.Comments {
		if c == nil {
			continue
		}
		if uc := c.UserComment; uc != nil {
			r.StarRating = int(uc.StarRating)
			r.Text = uc.Text
			ts := timestampToTime(uc.LastModified)
			// The API exposes no creation time; mirror lastModified.
			r.CreatedAt = ts
			r.LastModifiedAt = ts
			r.Device = DeviceInfo{
				Device:         uc.Device,
				AndroidOSVer:   int(uc.AndroidOsVersion),
				AppVersionCode: int(uc.AppVersionCode),
				AppVersionName: uc.AppVersionName,
				Language:       uc.ReviewerLanguage,
			}
		}
		if dc := c.DeveloperComment; dc != nil {
			r.HasReply = true
			r.DeveloperReply = &DeveloperReply{
				Text:           dc.Text,
				LastModifiedAt: timestampToTime(dc.LastModified),
			}
		}
	}

	return r
}

// timestampToTime decodes the API's seconds-granularity timestamp. A nil or
// zero timestamp decodes to the epoch.
func timestampToTime(ts *androidpublisher.Timestamp) time.Time {
	if ts == nil {
		return time.Unix(0, 0).UTC()
	}
	return time.Unix(ts.Seconds, ts.Nanos).UTC()
}
