package sbq

import (
	"math"
	"sync"

	"buffercore/internal/ranges"
)

// EventKind discriminates RawBuffer completion events.
type EventKind int

const (
	// UpdateEnd signals that the last mutation reached quiescence.
	UpdateEnd EventKind = iota
	// UpdateError signals that the last mutation failed.
	UpdateError
)

// Event is a completion notification from a RawBuffer.
type Event struct {
	Kind EventKind
	Err  error
}

// RawBuffer is the capability set of a decoder buffer. Native audio/video
// buffers and the custom text/image shims all satisfy it. At most one
// mutation may be in flight; completion is reported on Events.
type RawBuffer interface {
	AppendBuffer(data []byte) error
	Remove(start, end float64) error
	Abort() error

	Buffered() ranges.TimeRanges
	Updating() bool

	TimestampOffset() float64
	SetTimestampOffset(offset float64) error
	AppendWindowStart() float64
	SetAppendWindowStart(start float64) error
	AppendWindowEnd() float64
	SetAppendWindowEnd(end float64) error

	// ChangeType attempts an in-place codec switch.
	ChangeType(codec string) error

	Events() <-chan Event
}

// IntervalPreparer is implemented by buffers that cannot derive timing
// from the appended bytes (text, image). The queue announces the covered
// interval before each media append.
type IntervalPreparer interface {
	PrepareInterval(start, end float64)
}

// ManualBuffer is a conforming RawBuffer for custom types. Its buffered
// attribute is a ManualTimeRanges maintained from the intervals announced
// through PrepareInterval; appends complete immediately.
type ManualBuffer struct {
	mu       sync.Mutex
	retained ranges.ManualTimeRanges
	codec    string

	tsOffset float64
	awStart  float64
	awEnd    float64

	next   *ranges.Range
	events chan Event
}

// NewManualBuffer creates a manual buffer for the given codec.
func NewManualBuffer(codec string) *ManualBuffer {
	return &ManualBuffer{
		codec:  codec,
		awEnd:  math.Inf(1),
		events: make(chan Event, 16),
	}
}

func (b *ManualBuffer) PrepareInterval(start, end float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next = &ranges.Range{Start: start, End: end}
}

func (b *ManualBuffer) AppendBuffer(data []byte) error {
	b.mu.Lock()
	if b.next != nil {
		// The offset applies to the media timestamps first; the append
		// window then clips the resulting presentation interval.
		start := math.Max(b.next.Start+b.tsOffset, b.awStart)
		end := math.Min(b.next.End+b.tsOffset, b.awEnd)
		b.retained.Insert(start, end)
		b.next = nil
	}
	b.mu.Unlock()
	b.events <- Event{Kind: UpdateEnd}
	return nil
}

func (b *ManualBuffer) Remove(start, end float64) error {
	b.mu.Lock()
	b.retained.Remove(start, end)
	b.mu.Unlock()
	b.events <- Event{Kind: UpdateEnd}
	return nil
}

func (b *ManualBuffer) Abort() error {
	b.mu.Lock()
	b.next = nil
	b.mu.Unlock()
	return nil
}

func (b *ManualBuffer) Buffered() ranges.TimeRanges {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.retained.Ranges()
}

func (b *ManualBuffer) Updating() bool { return false }

func (b *ManualBuffer) TimestampOffset() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tsOffset
}

func (b *ManualBuffer) SetTimestampOffset(offset float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tsOffset = offset
	return nil
}

func (b *ManualBuffer) AppendWindowStart() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.awStart
}

func (b *ManualBuffer) SetAppendWindowStart(start float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awStart = start
	return nil
}

func (b *ManualBuffer) AppendWindowEnd() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.awEnd
}

func (b *ManualBuffer) SetAppendWindowEnd(end float64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awEnd = end
	return nil
}

func (b *ManualBuffer) ChangeType(codec string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.codec = codec
	return nil
}

func (b *ManualBuffer) Events() <-chan Event { return b.events }
