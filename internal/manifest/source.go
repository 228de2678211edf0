package manifest

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// SegmentTimelineElement is the raw XML form of a segment timeline, kept
// unparsed until an index query needs it.
type SegmentTimelineElement struct {
	Entries []SElement `xml:"S"`
}

// SElement is a single <S> element. Optional attributes stay nil so the
// timeline parser can apply the inheritance rules.
type SElement struct {
	T *int64 `xml:"t,attr"` // Start time
	D *int64 `xml:"d,attr"` // Duration
	R *int   `xml:"r,attr"` // Repeat count
}

var isoDurationRe = regexp.MustCompile(`(\d+\.?\d*)(\w)`)

// ParseISODuration parses an ISO 8601 duration string like "PT8S".
func ParseISODuration(duration string) (time.Duration, error) {
	if !strings.HasPrefix(duration, "PT") {
		// Fallback for simple duration strings like "5s"
		return time.ParseDuration(duration)
	}

	duration = strings.TrimPrefix(duration, "PT")
	if duration == "" {
		return 0, nil
	}

	var total time.Duration
	matches := isoDurationRe.FindAllStringSubmatch(duration, -1)
	if len(matches) == 0 {
		return 0, errors.New("invalid ISO 8601 duration format")
	}

	for _, match := range matches {
		value, err := strconv.ParseFloat(match[1], 64)
		if err != nil {
			return 0, err
		}
		switch match[2] {
		case "H":
			total += time.Duration(value * float64(time.Hour))
		case "M":
			total += time.Duration(value * float64(time.Minute))
		case "S":
			total += time.Duration(value * float64(time.Second))
		default:
			return 0, errors.New("unsupported duration unit: " + match[2])
		}
	}

	return total, nil
}
