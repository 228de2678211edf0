package manifest

// Availability is the answer to "is this segment still fetchable".
type Availability int

const (
	// AvailabilityUnknown means the index cannot tell.
	AvailabilityUnknown Availability = iota
	Available
	NotAvailable
)

// Index maps presentation time to segments for one Representation.
type Index interface {
	// GetInitSegment returns the initialization segment, or nil if the
	// Representation does not need one.
	GetInitSegment() *Segment

	// GetSegments returns the media segments intersecting
	// [from, from+duration], both in seconds.
	GetSegments(from, duration float64) []*Segment

	// GetFirstPosition returns the start of the first available segment
	// in seconds; ok is false when the index is empty.
	GetFirstPosition() (pos float64, ok bool)

	// GetLastPosition returns the end of the last available segment in
	// seconds; ok is false when the index is empty.
	GetLastPosition() (pos float64, ok bool)

	// IsSegmentStillAvailable reports whether the given segment can
	// still be fetched.
	IsSegmentStillAvailable(seg *Segment) Availability

	// CheckDiscontinuity returns the start of the next segment when t
	// falls into a hole of the index, and -1 otherwise.
	CheckDiscontinuity(t float64) float64

	// ShouldRefresh reports whether the manifest should be refreshed to
	// obtain segments up to the given position.
	ShouldRefresh(upTo float64) bool

	// IsFinished reports whether no further segment will ever be added.
	IsFinished() bool

	// CanBeOutOfSyncError reports whether the given loader error may
	// mean the index is stale rather than the segment being gone.
	CanBeOutOfSyncError(err error) bool
}
