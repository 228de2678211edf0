package manifest

// Segment represents one addressable media chunk.
// Times are in the timescale of the owning Representation's index;
// seconds = Time / Timescale.
type Segment struct {
	// ID is a unique identifier for the segment, derived from its start
	// time for media segments.
	ID string
	// Time is the start time of the segment in index time.
	Time int64
	// Timescale converts index time to seconds.
	Timescale uint64
	// Duration is the duration of the segment in index time.
	Duration int64
	// MediaURLs lists the URLs the segment can be fetched from, in
	// preference order.
	MediaURLs []string
	// ByteRange restricts the fetch to [first, last] bytes when non-nil.
	ByteRange *[2]int64
	// IsInit indicates if this is an initialization segment.
	IsInit bool
	// PresentationTime is the segment start in presentation seconds:
	// media time with the index offset and period start applied.
	PresentationTime float64
}

// TimeSeconds returns the segment start in index time converted to
// seconds (Time / Timescale), without the index offset or period start
// applied; PresentationTime holds the presentation start.
func (s *Segment) TimeSeconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Time) / float64(s.Timescale)
}

// DurationSeconds returns the segment duration in seconds.
func (s *Segment) DurationSeconds() float64 {
	if s.Timescale == 0 {
		return 0
	}
	return float64(s.Duration) / float64(s.Timescale)
}

// PresentationEnd returns the segment end in presentation seconds.
func (s *Segment) PresentationEnd() float64 {
	return s.PresentationTime + s.DurationSeconds()
}

// TimestampOffset returns the seconds to add to the media timestamps
// carried by the segment bytes so they land at the presentation time.
func (s *Segment) TimestampOffset() float64 {
	return s.PresentationTime - s.TimeSeconds()
}
