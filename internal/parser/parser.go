package parser

import (
	"errors"
	"math"

	"buffercore/internal/manifest"
)

// ErrReloadRequired is returned when the response cannot be injected into
// the current pipelines (key change, manifest expiry, codec mismatch) and
// the media source must be rebuilt from the current position.
var ErrReloadRequired = errors.New("media source reload required")

// EventKind discriminates parser output events.
type EventKind int

const (
	ParsedInitSegment EventKind = iota
	ParsedSegment
)

// ChunkInfos carries the media timing the parser extracted.
type ChunkInfos struct {
	// Time is the chunk start in index time.
	Time int64
	// Duration is the chunk duration in index time; negative if unknown.
	Duration int64
	// Timescale converts the above to seconds.
	Timescale uint64
}

// Window is the parser-reported append window; a NaN edge is unset.
type Window struct {
	Start float64
	End   float64
}

// Event is one parsed output: either initialization data or a media
// chunk, never both.
type Event struct {
	Kind EventKind

	// InitializationData is set for ParsedInitSegment events.
	InitializationData []byte

	// ChunkData and ChunkInfos are set for ParsedSegment events.
	ChunkData  []byte
	ChunkInfos *ChunkInfos

	// ChunkOffset is the timestamp offset to apply, in seconds.
	ChunkOffset float64

	AppendWindow Window
}

// Response is the loader output handed to the parser.
type Response struct {
	Data      []byte
	IsChunked bool
}

// Content identifies what the response belongs to.
type Content struct {
	Manifest       *manifest.Manifest
	Period         *manifest.Period
	Adaptation     *manifest.Adaptation
	Representation *manifest.Representation
	Segment        *manifest.Segment
}

// Input is one parse call.
type Input struct {
	Response Response
	Content  Content
}

// Parser turns loader responses into push-ready events for one transport.
type Parser interface {
	Parse(in Input) ([]Event, error)
}

// FMP4Parser handles ISOBMFF transports where segments are pushed as-is:
// the chunk timing comes from the segment descriptor and the timestamp
// offset realigns media time onto the period.
type FMP4Parser struct{}

// NewFMP4 creates the pass-through ISOBMFF parser.
func NewFMP4() *FMP4Parser { return &FMP4Parser{} }

// Parse implements Parser.
func (p *FMP4Parser) Parse(in Input) ([]Event, error) {
	seg := in.Content.Segment
	window := Window{Start: math.NaN(), End: math.NaN()}
	if per := in.Content.Period; per != nil {
		window.Start = per.Start
		if !math.IsInf(per.End(), 1) && !math.IsNaN(per.End()) {
			window.End = per.End()
		}
	}

	if seg != nil && seg.IsInit {
		return []Event{{
			Kind:               ParsedInitSegment,
			InitializationData: in.Response.Data,
			AppendWindow:       window,
		}}, nil
	}

	ev := Event{
		Kind:         ParsedSegment,
		ChunkData:    in.Response.Data,
		AppendWindow: window,
	}
	if seg != nil {
		ev.ChunkInfos = &ChunkInfos{
			Time:      seg.Time,
			Duration:  seg.Duration,
			Timescale: seg.Timescale,
		}
	}
	if seg != nil {
		// Realign the media timestamps carried by the bytes onto the
		// presentation timeline.
		ev.ChunkOffset = seg.TimestampOffset()
	}
	return []Event{ev}, nil
}
