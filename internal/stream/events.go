package stream

import (
	"buffercore/internal/manifest"
	"buffercore/internal/ranges"
)

// Content identifies what a buffer event refers to.
type Content struct {
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
}

// Event is the discriminated union of everything the orchestrator emits.
type Event interface{ streamEvent() }

// AddedSegment: a segment was pushed and reconciled into the inventory.
type AddedSegment struct {
	Content   Content
	Segment   *manifest.Segment
	Buffered  ranges.TimeRanges
	ChunkSize int64
}

// FullBuffer: every needed segment of the period is in the inventory.
type FullBuffer struct {
	Type manifest.BufferType
}

// ActiveBuffer: playback re-entered an already fully buffered range.
type ActiveBuffer struct {
	Type manifest.BufferType
}

// PeriodBufferCleared: a per-period pipeline was destroyed.
type PeriodBufferCleared struct {
	Type   manifest.BufferType
	Period *manifest.Period
}

// ActivePeriodChanged: the playback cursor moved to another period.
type ActivePeriodChanged struct {
	Period *manifest.Period
}

// NeedsMediaSourceReload: the pipelines cannot recover in place.
type NeedsMediaSourceReload struct {
	Tick Tick
}

// NeedsDecipherabilityFlush: undecipherable data was flushed; the player
// should re-seek to resynchronise the decoder.
type NeedsDecipherabilityFlush struct {
	Tick Tick
}

// BufferComplete: one type buffered up to the end of the last period.
type BufferComplete struct {
	Type manifest.BufferType
}

// NeedsLoadedPeriod: a partial period must be resolved before buffering
// can proceed.
type NeedsLoadedPeriod struct {
	Type   manifest.BufferType
	Period *manifest.Period
}

// EndOfStream: every enabled type is complete.
type EndOfStream struct{}

// ResumeStream: a previously complete type became incomplete again.
type ResumeStream struct{}

// Warning: a non-fatal error the player may surface.
type Warning struct {
	Err error
}

// FatalError: the pipelines cannot continue.
type FatalError struct {
	Err error
}

func (AddedSegment) streamEvent()              {}
func (FullBuffer) streamEvent()                {}
func (ActiveBuffer) streamEvent()              {}
func (PeriodBufferCleared) streamEvent()       {}
func (ActivePeriodChanged) streamEvent()       {}
func (NeedsMediaSourceReload) streamEvent()    {}
func (NeedsDecipherabilityFlush) streamEvent() {}
func (BufferComplete) streamEvent()            {}
func (NeedsLoadedPeriod) streamEvent()         {}
func (EndOfStream) streamEvent()               {}
func (ResumeStream) streamEvent()              {}
func (Warning) streamEvent()                   {}
func (FatalError) streamEvent()                {}
