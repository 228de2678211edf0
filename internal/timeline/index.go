package timeline

import (
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"buffercore/internal/errors"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
)

// entry is one parsed timeline run: repeatCount+1 consecutive segments of
// the same duration. A negative repeatCount means "repeat until the next
// entry or the period end".
type entry struct {
	start       int64
	duration    int64
	repeatCount int
}

// Options configures a timeline index for one Representation.
type Options struct {
	Timescale              uint64
	PresentationTimeOffset int64
	// PeriodStart and PeriodEnd are in presentation seconds. PeriodEnd
	// may be NaN or +Inf while unknown.
	PeriodStart float64
	PeriodEnd   float64

	RepresentationID string
	InitializationURL string
	MediaURLTemplate  string

	IsDynamic bool
}

// Index is a lazily parsed segment timeline implementing manifest.Index.
//
// The raw <S> elements are kept untouched until the first query; parsing
// applies the DASH inheritance rules for missing attributes. Once the
// timeshift window advances past an entry it is evicted for good.
type Index struct {
	mu  sync.Mutex
	log logger.Logger

	timescale       uint64
	indexTimeOffset int64
	scaledPeriodEnd int64 // math.MinInt64 while unknown
	periodStart     float64
	isDynamic       bool

	repID         string
	initURL       string
	mediaTemplate string

	source   []manifest.SElement
	parsed   bool
	timeline []entry

	// firstAvailable is the monotone head cursor, in index time.
	firstAvailable int64
	hasEvicted     bool
}

const unknownPeriodEnd = math.MinInt64

var _ manifest.Index = (*Index)(nil)

// New creates an index over the given raw timeline element.
func New(src *manifest.SegmentTimelineElement, opts Options, log logger.Logger) *Index {
	scaledEnd := int64(unknownPeriodEnd)
	if !math.IsNaN(opts.PeriodEnd) && !math.IsInf(opts.PeriodEnd, 1) {
		scaledEnd = int64(opts.PeriodEnd*float64(opts.Timescale)) + opts.PresentationTimeOffset - int64(opts.PeriodStart*float64(opts.Timescale))
	}
	idx := &Index{
		log:             log,
		timescale:       opts.Timescale,
		indexTimeOffset: opts.PresentationTimeOffset - int64(opts.PeriodStart*float64(opts.Timescale)),
		scaledPeriodEnd: scaledEnd,
		periodStart:     opts.PeriodStart,
		isDynamic:       opts.IsDynamic,
		repID:           opts.RepresentationID,
		initURL:         opts.InitializationURL,
		mediaTemplate:   opts.MediaURLTemplate,
	}
	if src != nil {
		idx.source = src.Entries
	}
	return idx
}

// ToIndexTime converts presentation seconds to index time.
func (x *Index) ToIndexTime(sec float64) int64 {
	return int64(sec*float64(x.timescale)) + x.indexTimeOffset
}

// FromIndexTime converts index time back to presentation seconds.
func (x *Index) FromIndexTime(t int64) float64 {
	return float64(t-x.indexTimeOffset) / float64(x.timescale)
}

// ensureParsed expands the raw S elements on first use. Must be called
// with the lock held.
func (x *Index) ensureParsed() {
	if x.parsed {
		return
	}
	x.parsed = true
	x.timeline = x.parseSource(x.source)
	x.source = nil
	if x.hasEvicted {
		x.dropBefore(x.firstAvailable)
	}
}

func (x *Index) parseSource(src []manifest.SElement) []entry {
	out := make([]entry, 0, len(src))
	for i, s := range src {
		var e entry
		switch {
		case s.T != nil:
			e.start = *s.T
		case len(out) == 0:
			e.start = x.ToIndexTime(x.periodStart)
		default:
			prev := out[len(out)-1]
			rc := prev.repeatCount
			if rc < 0 {
				rc = 0
			}
			e.start = prev.start + prev.duration*int64(rc+1)
		}

		if s.R != nil {
			e.repeatCount = *s.R
		}

		switch {
		case s.D != nil:
			e.duration = *s.D
		case i+1 < len(src) && src[i+1].T != nil:
			e.duration = *src[i+1].T - e.start
		default:
			x.log.Warnf("timeline: dropping S entry at %d with no duration", e.start)
			continue
		}
		if e.duration <= 0 {
			x.log.Warnf("timeline: dropping S entry at %d with non-positive duration %d", e.start, e.duration)
			continue
		}
		out = append(out, e)
	}
	return out
}

// segmentCount returns the number of segments the entry expands to, given
// the start of the following entry (or unknownPeriodEnd when last).
func (x *Index) segmentCount(e entry, nextStart int64) int64 {
	if e.repeatCount >= 0 {
		return int64(e.repeatCount) + 1
	}
	limit := nextStart
	if limit == unknownPeriodEnd {
		limit = x.scaledPeriodEnd
	}
	if limit == unknownPeriodEnd {
		// Open-ended repeat with no bound in sight: expose a single
		// segment until the manifest tells us more.
		return 1
	}
	n := (limit - e.start) / e.duration
	if (limit-e.start)%e.duration != 0 {
		n++
	}
	if n < 1 {
		n = 1
	}
	return n
}

func (x *Index) entryEnd(i int) int64 {
	e := x.timeline[i]
	next := int64(unknownPeriodEnd)
	if i+1 < len(x.timeline) {
		next = x.timeline[i+1].start
	}
	return e.start + e.duration*x.segmentCount(e, next)
}

// GetInitSegment implements manifest.Index.
func (x *Index) GetInitSegment() *manifest.Segment {
	if x.initURL == "" {
		return nil
	}
	return &manifest.Segment{
		ID:               "init",
		Timescale:        x.timescale,
		MediaURLs:        []string{strings.Replace(x.initURL, "$RepresentationID$", x.repID, 1)},
		IsInit:           true,
		PresentationTime: x.periodStart,
	}
}

// GetSegments implements manifest.Index. The candidate run is located by
// binary search on entry end times.
func (x *Index) GetSegments(from, duration float64) []*manifest.Segment {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()

	fromIdx := x.ToIndexTime(from)
	toIdx := x.ToIndexTime(from + duration)
	if x.hasEvicted && fromIdx < x.firstAvailable {
		fromIdx = x.firstAvailable
	}

	// First entry whose end is past the window start.
	i := sort.Search(len(x.timeline), func(i int) bool {
		return x.entryEnd(i) > fromIdx
	})

	var out []*manifest.Segment
	for ; i < len(x.timeline); i++ {
		e := x.timeline[i]
		if e.start > toIdx {
			break
		}
		next := int64(unknownPeriodEnd)
		if i+1 < len(x.timeline) {
			next = x.timeline[i+1].start
		}
		count := x.segmentCount(e, next)
		for k := int64(0); k < count; k++ {
			start := e.start + k*e.duration
			if start+e.duration <= fromIdx {
				continue
			}
			if start > toIdx {
				break
			}
			out = append(out, x.makeSegment(start, e.duration))
		}
	}
	return out
}

func (x *Index) makeSegment(start, duration int64) *manifest.Segment {
	url := strings.Replace(x.mediaTemplate, "$RepresentationID$", x.repID, 1)
	url = strings.Replace(url, "$Time$", strconv.FormatInt(start, 10), 1)
	return &manifest.Segment{
		ID:               strconv.FormatInt(start, 10),
		Time:             start,
		Timescale:        x.timescale,
		Duration:         duration,
		MediaURLs:        []string{url},
		PresentationTime: x.FromIndexTime(start),
	}
}

// GetFirstPosition implements manifest.Index.
func (x *Index) GetFirstPosition() (float64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()
	if len(x.timeline) == 0 {
		return 0, false
	}
	first := x.timeline[0].start
	if x.hasEvicted && first < x.firstAvailable {
		first = x.firstAvailable
	}
	return x.FromIndexTime(first), true
}

// GetLastPosition implements manifest.Index.
func (x *Index) GetLastPosition() (float64, bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()
	if len(x.timeline) == 0 {
		return 0, false
	}
	return x.FromIndexTime(x.entryEnd(len(x.timeline) - 1)), true
}

// IsSegmentStillAvailable implements manifest.Index.
func (x *Index) IsSegmentStillAvailable(seg *manifest.Segment) manifest.Availability {
	if seg.IsInit {
		return manifest.Available
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()

	if len(x.timeline) == 0 || (x.hasEvicted && seg.Time < x.firstAvailable) {
		return manifest.NotAvailable
	}
	for i, e := range x.timeline {
		if seg.Time < e.start {
			return manifest.NotAvailable
		}
		if seg.Time >= x.entryEnd(i) {
			continue
		}
		if (seg.Time-e.start)%e.duration != 0 {
			return manifest.NotAvailable
		}
		if seg.Duration != e.duration {
			return manifest.NotAvailable
		}
		return manifest.Available
	}
	// Past the known timeline: a refresh may still announce it.
	return manifest.AvailabilityUnknown
}

// CheckDiscontinuity implements manifest.Index. It returns the start of
// the next segment in seconds when t falls in a hole, and -1 otherwise.
func (x *Index) CheckDiscontinuity(t float64) float64 {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()

	idx := x.ToIndexTime(t)
	for i, e := range x.timeline {
		if idx < e.start {
			if i == 0 {
				return x.FromIndexTime(e.start)
			}
			if i > 0 && idx >= x.entryEnd(i-1) {
				return x.FromIndexTime(e.start)
			}
			return -1
		}
		if idx < x.entryEnd(i) {
			return -1
		}
	}
	return -1
}

// ShouldRefresh implements manifest.Index.
func (x *Index) ShouldRefresh(upTo float64) bool {
	if !x.isDynamic {
		return false
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()
	if x.finishedLocked() {
		return false
	}
	if len(x.timeline) == 0 {
		return true
	}
	return x.ToIndexTime(upTo) > x.entryEnd(len(x.timeline)-1)
}

// IsFinished implements manifest.Index.
func (x *Index) IsFinished() bool {
	if !x.isDynamic {
		return true
	}
	x.mu.Lock()
	defer x.mu.Unlock()
	x.ensureParsed()
	return x.finishedLocked()
}

func (x *Index) finishedLocked() bool {
	if x.scaledPeriodEnd == unknownPeriodEnd || len(x.timeline) == 0 {
		return false
	}
	lastEnd := x.entryEnd(len(x.timeline) - 1)
	// A last segment within a frame of the period end counts as final.
	slack := int64(float64(x.timescale) / 60)
	return lastEnd+slack >= x.scaledPeriodEnd
}

// CanBeOutOfSyncError implements manifest.Index: on dynamic contents a 404
// may just mean our copy of the index is stale.
func (x *Index) CanBeOutOfSyncError(err error) bool {
	return x.isDynamic && errors.HTTPStatus(err) == 404
}

// ClearTimelineFromPosition advances the availability head cursor,
// evicting every segment that ends before the given position (in
// seconds). The cursor only moves forward.
func (x *Index) ClearTimelineFromPosition(firstAvailable float64) {
	x.mu.Lock()
	defer x.mu.Unlock()

	cursor := x.ToIndexTime(firstAvailable)
	if x.hasEvicted && cursor <= x.firstAvailable {
		return
	}
	x.firstAvailable = cursor
	x.hasEvicted = true
	if x.parsed {
		x.dropBefore(cursor)
	}
}

// dropBefore removes timeline entries fully before the cursor and trims
// the head of a partially covered run. Must be called with the lock held.
func (x *Index) dropBefore(cursor int64) {
	for len(x.timeline) > 0 {
		e := x.timeline[0]
		next := int64(unknownPeriodEnd)
		if len(x.timeline) > 1 {
			next = x.timeline[1].start
		}
		count := x.segmentCount(e, next)
		end := e.start + e.duration*count
		if end <= cursor {
			x.timeline = x.timeline[1:]
			continue
		}
		if e.start < cursor {
			dropped := (cursor - e.start) / e.duration
			if dropped > 0 {
				e.start += dropped * e.duration
				if e.repeatCount >= 0 {
					e.repeatCount -= int(dropped)
					if e.repeatCount < 0 {
						e.repeatCount = 0
					}
				}
				x.timeline[0] = e
			}
		}
		return
	}
}

// MergeTimeline integrates a refreshed timeline element. Entries already
// known keep their place; entries at or after the first new start are
// replaced by the new version, mirroring how live manifests republish
// their tail.
func (x *Index) MergeTimeline(src *manifest.SegmentTimelineElement) {
	x.mu.Lock()
	defer x.mu.Unlock()

	if !x.parsed {
		// Nothing expanded yet: just adopt the new source.
		if src != nil {
			x.source = src.Entries
		}
		return
	}
	if src == nil {
		return
	}
	fresh := x.parseSource(src.Entries)
	if len(fresh) == 0 {
		return
	}
	cut := fresh[0].start
	keep := x.timeline[:0]
	for _, e := range x.timeline {
		if e.start < cut {
			keep = append(keep, e)
		}
	}
	x.timeline = append(keep, fresh...)
	if x.hasEvicted {
		x.dropBefore(x.firstAvailable)
	}
}
