package matrix

import (
	"fmt"
	"html"
	"strings"
	"time"

	"github.com/bdobrica/Hyoka/internal/hyoka/play"
)

// formatStars renders a 1-5 rating as filled and empty stars. Out-of-range
// ratings fall back to a numeric form rather than an empty string.
func formatStars(rating int) string {
	if rating < 1 || rating > 5 {
		return fmt.Sprintf("%d/5", rating)
	}
	return strings.Repeat("★", rating) + strings.Repeat("☆", 5-rating)
}

// formatReview renders a review as HTML plus a plain text fallback, the pair
// a formatted Matrix message needs. displayName overrides the review's own
// author name when the ghost identity carries one.
func formatReview(rv *play.Review, displayName string) (htmlBody, plaintext string) {
	author := displayName
	if author == "" {
		author = rv.AuthorName
	}
	if author == "" {
		author = play.AnonymousAuthor
	}
	stars := formatStars(rv.StarRating)
	when := rv.LastModifiedAt.UTC().Format(time.RFC1123)

	var hb, pb strings.Builder

	fmt.Fprintf(&hb, "<b>%s</b> %s<br/>", html.EscapeString(author), stars)
	fmt.Fprintf(&pb, "%s %s\n", author, stars)

	if rv.Text != "" {
		fmt.Fprintf(&hb, "<blockquote>%s</blockquote>", html.EscapeString(rv.Text))
		fmt.Fprintf(&pb, "> %s\n", rv.Text)
	}

	meta := deviceLine(rv.Device)
	fmt.Fprintf(&hb, "<sub>%s", html.EscapeString(when))
	fmt.Fprintf(&pb, "%s", when)
	if meta != "" {
		fmt.Fprintf(&hb, " · %s", html.EscapeString(meta))
		fmt.Fprintf(&pb, " · %s", meta)
	}
	hb.WriteString("</sub>")
	pb.WriteString("\n")

	if rv.DeveloperReply != nil && rv.DeveloperReply.Text != "" {
		fmt.Fprintf(&hb, "<br/><i>Developer reply:</i> %s", html.EscapeString(rv.DeveloperReply.Text))
		fmt.Fprintf(&pb, "Developer reply: %s\n", rv.DeveloperReply.Text)
	}

	return hb.String(), pb.String()
}

// deviceLine joins the optional device metadata into one short line.
func deviceLine(d play.DeviceInfo) string {
	var parts []string
	if d.Device != "" {
		parts = append(parts, d.Device)
	}
	if d.AndroidOSVer > 0 {
		parts = append(parts, fmt.Sprintf("Android API %d", d.AndroidOSVer))
	}
	if d.AppVersionName != "" {
		parts = append(parts, "v"+d.AppVersionName)
	} else if d.AppVersionCode > 0 {
		parts = append(parts, fmt.Sprintf("build %d", d.AppVersionCode))
	}
	return strings.Join(parts, ", ")
}
