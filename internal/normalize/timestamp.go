package normalize

import (
	"regexp"
	"strings"
	"time"
)

var offsetSuffix = regexp.MustCompile(`[+-]\d{2}:?\d{2}$`)

// timestampLayouts are the shapes a normalized timestamp may take.
var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
	"2006-01-02T15:04Z0700",
}

// NormalizeTimestamp makes a timestamp string explicitly UTC-qualified.
// Blank input yields "". A value ending in Z or a numeric offset is returned
// trimmed but otherwise unchanged, a bare date gains T00:00:00Z, and any other
// value gains a trailing Z. Applying it twice gives the same result as once.
func NormalizeTimestamp(s string) string {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return ""
	case strings.HasSuffix(s, "Z"):
		return s
	case !strings.Contains(s, "T"):
		return s + "T00:00:00Z"
	case offsetSuffix.MatchString(s):
		return s
	default:
		return s + "Z"
	}
}

// maxOffset bounds the UTC offsets a timestamptz cast accepts.
const maxOffset = 16 * 60 * 60

// ParseTimestamp parses a normalized timestamp. Instants before year 1 UTC and
// offsets of 16 hours or more are rejected because the warehouse cannot cast
// them.
func ParseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, s)
		if err != nil {
			continue
		}
		if _, off := t.Zone(); off >= maxOffset || off <= -maxOffset {
			return time.Time{}, false
		}
		if t.UTC().Year() < 1 {
			return time.Time{}, false
		}
		return t, true
	}
	return time.Time{}, false
}
