package inventory

import (
	"math"
	"sync"

	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/ranges"
)

// Epsilon absorbs decoder-reported boundary drift when matching requested
// intervals against buffered ranges.
const Epsilon = 1.0 / 60.0

// Entry records one pushed chunk: the interval the engine asked for and,
// once observed, the interval the decoder actually retained.
type Entry struct {
	Representation *manifest.Representation
	Segment        *manifest.Segment

	// Start / End is the requested interval, in seconds.
	Start float64
	End   float64

	// BufferedStart / BufferedEnd is the retained interval; NaN until
	// the first synchronization after the push.
	BufferedStart float64
	BufferedEnd   float64

	// Size is the pushed payload size in bytes, when known.
	Size int64
}

// Synced reports whether the entry was reconciled against the decoder at
// least once.
func (e *Entry) Synced() bool {
	return !math.IsNaN(e.BufferedStart)
}

// ChunkInfo describes a chunk being inserted.
type ChunkInfo struct {
	Representation *manifest.Representation
	Segment        *manifest.Segment
	Start          float64
	End            float64
	Size           int64
}

// Inventory reconciles what was pushed with what the decoder retained.
// Entries are kept sorted by requested start and never overlap in their
// buffered intervals.
type Inventory struct {
	mu      sync.Mutex
	log     logger.Logger
	entries []*Entry
}

// New creates an empty inventory.
func New(log logger.Logger) *Inventory {
	return &Inventory{log: log}
}

// InsertChunk records a pushed chunk, displacing previously recorded data
// in its requested interval (last writer wins).
func (inv *Inventory) InsertChunk(c ChunkInfo) {
	if c.End <= c.Start {
		inv.log.Warnf("inventory: ignoring chunk with empty interval [%f, %f]", c.Start, c.End)
		return
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	newEntry := &Entry{
		Representation: c.Representation,
		Segment:        c.Segment,
		Start:          c.Start,
		End:            c.End,
		BufferedStart:  math.NaN(),
		BufferedEnd:    math.NaN(),
		Size:           c.Size,
	}

	out := make([]*Entry, 0, len(inv.entries)+1)
	inserted := false
	for _, e := range inv.entries {
		if e.End <= c.Start || e.Start >= c.End {
			// No overlap with the new chunk.
			if !inserted && e.Start >= c.End {
				out = append(out, newEntry)
				inserted = true
			}
			out = append(out, e)
			continue
		}
		// Overlap: keep the non-covered remainders of the old entry.
		if e.Start < c.Start {
			head := *e
			head.End = c.Start
			if !math.IsNaN(head.BufferedEnd) && head.BufferedEnd > c.Start {
				head.BufferedEnd = c.Start
			}
			out = append(out, &head)
		}
		if !inserted {
			out = append(out, newEntry)
			inserted = true
		}
		if e.End > c.End {
			tail := *e
			tail.Start = c.End
			if !math.IsNaN(tail.BufferedStart) && tail.BufferedStart < c.End {
				tail.BufferedStart = c.End
			}
			out = append(out, &tail)
		}
	}
	if !inserted {
		out = append(out, newEntry)
	}
	inv.entries = out
}

// SynchronizeBuffered reconciles the inventory against the ranges the
// decoder reports as retained. Entries whose requested interval no longer
// intersects any range are dropped; the others get their buffered edges
// clamped to the containing range. One left-to-right walk over both lists.
func (inv *Inventory) SynchronizeBuffered(tr ranges.TimeRanges) {
	inv.mu.Lock()
	defer inv.mu.Unlock()

	out := inv.entries[:0]
	ri := 0
	for _, e := range inv.entries {
		// Advance to the first range that could still contain the entry.
		for ri < len(tr) && tr[ri].End <= e.Start+Epsilon {
			ri++
		}
		if ri == len(tr) {
			continue
		}
		r := tr[ri]
		start := math.Max(e.Start, r.Start)
		end := math.Min(e.End, r.End)
		if end-start <= Epsilon {
			// Fully evicted by the decoder.
			continue
		}
		e.BufferedStart = start
		e.BufferedEnd = end
		out = append(out, e)
	}
	for i := len(out); i < len(inv.entries); i++ {
		inv.entries[i] = nil
	}
	inv.entries = out
}

// Entries returns a snapshot of the inventory in ascending start order.
func (inv *Inventory) Entries() []*Entry {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	out := make([]*Entry, len(inv.entries))
	copy(out, inv.entries)
	return out
}

// HasSegment reports whether a chunk for the given segment of the given
// Representation is still tracked.
func (inv *Inventory) HasSegment(rep *manifest.Representation, seg *manifest.Segment) bool {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	for _, e := range inv.entries {
		if e.Representation == rep && e.Segment != nil && seg != nil && e.Segment.ID == seg.ID {
			return true
		}
	}
	return false
}

// BufferedSizeEstimate sums the sizes of retained entries, in bytes.
func (inv *Inventory) BufferedSizeEstimate() int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	var total int64
	for _, e := range inv.entries {
		if e.Synced() {
			total += e.Size
		}
	}
	return total
}

// Reset drops every entry, typically on buffer disposal.
func (inv *Inventory) Reset() {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	inv.entries = nil
}
