package play

import "time"

// AnonymousAuthor is substituted when the upstream review carries no author
// name. The Play API omits the field for users who opted out of public
// profiles.
const AnonymousAuthor = "Anonymous"

// Review is the normalised form of a Play Console user review.
//
// The upstream API exposes only the user comment's lastModified timestamp, so
// CreatedAt mirrors LastModifiedAt; there is no true creation time to expose.
type Review struct {
	ReviewID    string
	PackageName string
	AuthorName  string
	// StarRating is 1-5. Zero marks malformed upstream data and is passed
	// through as-is.
	StarRating     int
	Text           string
	CreatedAt      time.Time
	LastModifiedAt time.Time
	HasReply       bool
	DeveloperReply *DeveloperReply
	Device         DeviceInfo
}

// DeveloperReply is the publisher's response attached to a review.
type DeveloperReply struct {
	Text           string
	LastModifiedAt time.Time
}

// DeviceInfo carries the optional device and app-version metadata a review
// may include.
type DeviceInfo struct {
	Device         string
	AndroidOSVer   int
	AppVersionCode int
	AppVersionName string
	Language       string
}

// Page is one page of a review listing. NextToken is the opaque continuation
// token, empty on the last page.
type Page struct {
	Reviews   []Review
	NextToken string
}
