package stream

import (
	"context"
	stderrors "errors"
	"math"

	"buffercore/internal/bufferstore"
	"buffercore/internal/config"
	"buffercore/internal/errors"
	"buffercore/internal/inventory"
	"buffercore/internal/loader"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/parser"
	"buffercore/internal/ranges"
	"buffercore/internal/sbq"
)

// RepresentationBuffer fills one decoder buffer with one Representation's
// segments, driven by clock ticks. It borrows the shared queue through
// the buffer store and never owns it.
type RepresentationBuffer struct {
	log     logger.Logger
	content Content

	ref    *bufferstore.BufferRef
	loader loader.Loader
	parser parser.Parser

	wantedAhead float64
	securities  config.AppendWindowSecurities

	ticks  <-chan Tick
	events chan<- Event

	initData   []byte
	initPushed bool

	wasFull     bool
	inFullRange bool
}

func newRepresentationBuffer(
	content Content,
	ref *bufferstore.BufferRef,
	ldr loader.Loader,
	prs parser.Parser,
	wantedAhead float64,
	securities config.AppendWindowSecurities,
	ticks <-chan Tick,
	events chan<- Event,
	log logger.Logger,
) *RepresentationBuffer {
	return &RepresentationBuffer{
		log:         log,
		content:     content,
		ref:         ref,
		loader:      ldr,
		parser:      prs,
		wantedAhead: wantedAhead,
		securities:  securities,
		ticks:       ticks,
		events:      events,
	}
}

// Run drives the buffer until ctx is cancelled. Aborted operations end
// the run silently; fatal errors are surfaced and end it too.
func (rb *RepresentationBuffer) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case tick, ok := <-rb.ticks:
			if !ok {
				return
			}
			if err := rb.step(ctx, tick); err != nil {
				if errors.IsAborted(err) || ctx.Err() != nil {
					return
				}
				if errors.IsFatal(err) {
					rb.emit(ctx, FatalError{Err: err})
					return
				}
				rb.emit(ctx, Warning{Err: err})
			}
		}
	}
}

// step performs one buffering round for the given tick.
func (rb *RepresentationBuffer) step(ctx context.Context, tick Tick) error {
	period := rb.content.Period
	idx := rb.content.Representation.Index

	wanted := tick.Wanted()
	start := math.Max(wanted, period.Start)
	end := math.Min(wanted+rb.wantedAhead, period.End())
	if end <= start {
		return nil
	}

	if !rb.initPushed {
		if err := rb.pushInit(ctx); err != nil {
			return err
		}
	}

	// When the wanted position falls in an index hole, resume from the
	// next segment instead of requesting data that will never exist.
	if d := idx.CheckDiscontinuity(start); d > start {
		rb.log.Debugf("representation %s: discontinuity at %f, skipping to %f",
			rb.content.Representation.ID, start, d)
		start = d
	}

	// A segment the decoder refused to retain would be re-picked right
	// away; it is not retried within the same tick.
	attempted := make(map[string]struct{})
	for {
		seg := rb.nextNeeded(start, end-start)
		if seg == nil {
			break
		}
		if _, done := attempted[seg.ID]; done {
			break
		}
		attempted[seg.ID] = struct{}{}
		if err := rb.fetchAndPush(ctx, seg); err != nil {
			if stderrors.Is(err, parser.ErrReloadRequired) {
				rb.emit(ctx, NeedsMediaSourceReload{Tick: tick})
				return nil
			}
			return err
		}
	}

	full := true
	if segs := idx.GetSegments(start, end-start); len(segs) > 0 {
		for _, s := range segs {
			if !rb.ref.Inventory.HasSegment(rb.content.Representation, s) {
				full = false
				break
			}
		}
	}
	switch {
	case full && !rb.wasFull:
		rb.wasFull = true
		rb.emit(ctx, FullBuffer{Type: rb.content.Adaptation.Type})
		rb.inFullRange = rb.ref.Queue.GetBufferedRanges().ContainsTime(tick.Position)
	case !full:
		rb.wasFull = false
		rb.inFullRange = false
	default:
		// Entering the filled range after having been outside it makes
		// this buffer the active one again.
		inside := rb.ref.Queue.GetBufferedRanges().ContainsTime(tick.Position)
		if inside && !rb.inFullRange {
			rb.emit(ctx, ActiveBuffer{Type: rb.content.Adaptation.Type})
		}
		rb.inFullRange = inside
	}
	return nil
}

// nextNeeded returns the earliest segment of the window missing from the
// inventory.
func (rb *RepresentationBuffer) nextNeeded(start, duration float64) *manifest.Segment {
	for _, seg := range rb.content.Representation.Index.GetSegments(start, duration) {
		if !rb.ref.Inventory.HasSegment(rb.content.Representation, seg) {
			return seg
		}
	}
	return nil
}

// pushInit fetches and appends the initialization segment for this
// Representation session. The bytes are kept so every media push can
// carry them; the queue deduplicates by content.
func (rb *RepresentationBuffer) pushInit(ctx context.Context) error {
	idx := rb.content.Representation.Index
	initSeg := idx.GetInitSegment()
	if initSeg == nil {
		rb.initPushed = true
		return nil
	}

	res, err := rb.loader.Load(ctx, loader.Request{
		Representation: rb.content.Representation,
		Segment:        initSeg,
	})
	if err != nil {
		return err
	}
	events, err := rb.parser.Parse(parser.Input{
		Response: parser.Response{Data: res.Data},
		Content:  rb.parserContent(initSeg),
	})
	if err != nil {
		return errors.NewMediaError(errors.ManifestParseError, true, err)
	}
	for _, ev := range events {
		if ev.Kind != parser.ParsedInitSegment {
			continue
		}
		rb.initData = ev.InitializationData
		task, err := rb.ref.Queue.PushChunk(sbq.Chunk{
			Init:         rb.initData,
			Codec:        rb.content.Representation.FullCodec(),
			AppendWindow: rb.window(ev.AppendWindow),
		})
		if err != nil {
			return err
		}
		if err := task.Wait(ctx); err != nil {
			// Drop the push if it has not reached the buffer yet.
			task.Cancel()
			return err
		}
	}
	rb.initPushed = true
	return nil
}

func (rb *RepresentationBuffer) fetchAndPush(ctx context.Context, seg *manifest.Segment) error {
	rep := rb.content.Representation
	idx := rep.Index

	res, err := rb.loader.Load(ctx, loader.Request{Representation: rep, Segment: seg})
	if err != nil {
		if idx.CanBeOutOfSyncError(err) {
			rb.log.Infof("representation %s: segment %s missing upstream, index may be out of sync", rep.ID, seg.ID)
		}
		return err
	}

	parsed, err := rb.parser.Parse(parser.Input{
		Response: parser.Response{Data: res.Data},
		Content:  rb.parserContent(seg),
	})
	if err != nil {
		if stderrors.Is(err, parser.ErrReloadRequired) {
			return err
		}
		return errors.NewMediaError(errors.ManifestParseError, true, err)
	}

	for _, ev := range parsed {
		if ev.Kind != parser.ParsedSegment {
			if ev.InitializationData != nil {
				rb.initData = ev.InitializationData
			}
			continue
		}
		interval := ranges.Range{Start: seg.TimeSeconds(), End: seg.TimeSeconds() + seg.DurationSeconds()}
		task, err := rb.ref.Queue.PushChunk(sbq.Chunk{
			Init:            rb.initData,
			Media:           ev.ChunkData,
			Codec:           rep.FullCodec(),
			TimestampOffset: ev.ChunkOffset,
			AppendWindow:    rb.window(ev.AppendWindow),
			Interval:        &interval,
		})
		if err != nil {
			return err
		}
		if err := task.Wait(ctx); err != nil {
			// Drop the push if it has not reached the buffer yet.
			task.Cancel()
			return err
		}

		rb.ref.Inventory.InsertChunk(inventory.ChunkInfo{
			Representation: rep,
			Segment:        seg,
			Start:          seg.PresentationTime,
			End:            seg.PresentationEnd(),
			Size:           int64(len(ev.ChunkData)),
		})
		rb.ref.Inventory.SynchronizeBuffered(rb.ref.Queue.GetBufferedRanges())
		rb.emit(ctx, AddedSegment{
			Content:   rb.content,
			Segment:   seg,
			Buffered:  rb.ref.Queue.GetBufferedRanges(),
			ChunkSize: int64(len(ev.ChunkData)),
		})
	}
	return nil
}

// window widens the parser-reported append window so that frames exactly
// on a period edge survive the decoder's windowing.
func (rb *RepresentationBuffer) window(w parser.Window) sbq.Window {
	out := sbq.UnboundedWindow()
	if !math.IsNaN(w.Start) {
		out.Start = w.Start - rb.securities.Start
		if out.Start < 0 {
			out.Start = 0
		}
	}
	if !math.IsNaN(w.End) {
		out.End = w.End + rb.securities.End
	}
	return out
}

func (rb *RepresentationBuffer) parserContent(seg *manifest.Segment) parser.Content {
	return parser.Content{
		Period:         rb.content.Period,
		Adaptation:     rb.content.Adaptation,
		Representation: rb.content.Representation,
		Segment:        seg,
	}
}

func (rb *RepresentationBuffer) emit(ctx context.Context, ev Event) {
	select {
	case rb.events <- ev:
	case <-ctx.Done():
	}
}
