package middleware

import (
	"regexp"
	"strings"
)

// Path placeholders used as metric labels
const (
	PlaceholderID    = "{id}"
	PlaceholderUUID  = "{uuid}"
	PlaceholderToken = "{token}"
)

// minTokenLength is the shortest segment treated as an opaque token
const minTokenLength = 20

var (
	numericSegment = regexp.MustCompile(`^[0-9]+$`)
	uuidSegment    = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
	tokenSegment   = regexp.MustCompile(`^[A-Za-z0-9_\-.=]+$`)
)

// SanitizePath replaces high-cardinality path segments with placeholders so
// the path can be used as a metric label. Numeric ids become {id}, UUIDs
// {uuid} and long opaque segments {token}.
func SanitizePath(path string) string {
	if path == "" || path == "/" {
		return "/"
	}

	segments := strings.Split(path, "/")
	for i, seg := range segments {
		switch {
		case seg == "":
		case numericSegment.MatchString(seg):
			segments[i] = PlaceholderID
		case uuidSegment.MatchString(seg):
			segments[i] = PlaceholderUUID
		case len(seg) >= minTokenLength && tokenSegment.MatchString(seg):
			segments[i] = PlaceholderToken
		}
	}
	return strings.Join(segments, "/")
}
