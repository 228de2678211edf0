// Package buffercore is the adaptive media buffering core of a streaming
// engine: given a parsed manifest and a playback clock it decides which
// segments to fetch, serialises their injection into the decoder buffers
// and chains per-period pipelines into a seamless timeline.
//
// Manifest parsing, the platform decoder buffers, network transport and
// bitrate selection are collaborators supplied by the caller.
package buffercore

import (
	"context"
	"net/http"

	"buffercore/internal/bufferstore"
	"buffercore/internal/config"
	"buffercore/internal/loader"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/parser"
	"buffercore/internal/sbq"
	"buffercore/internal/stream"
)

// EngineOptions configures an Engine beyond the buffering options.
type EngineOptions struct {
	// Options are the recognised buffering options; config.Default()
	// when zero.
	Options *config.Options
	// Loader overrides the HTTP segment loader.
	Loader loader.Loader
	// Parser overrides the ISOBMFF pass-through parser.
	Parser parser.Parser
	// Picker overrides the default highest-bitrate picker.
	Picker stream.RepresentationPicker
	// Shims provides buffer implementations for custom types (text,
	// image). Types without a shim are not buffered.
	Shims map[manifest.BufferType]bufferstore.ShimFactory
	// HTTPClient and UserAgent configure the default loader.
	HTTPClient *http.Client
	UserAgent  string
	// LogLevel is "debug", "info", "warn" or "error".
	LogLevel string
}

// Engine owns the buffer store and the period orchestrator for one
// playback session.
type Engine struct {
	log          logger.Logger
	orchestrator *stream.Orchestrator
	store        *bufferstore.Store
}

// NewEngine wires an engine over the given manifest and media source.
func NewEngine(man *manifest.Manifest, media bufferstore.MediaSource, eo EngineOptions) *Engine {
	log := logger.New(eo.LogLevel)

	opts := config.Default()
	if eo.Options != nil {
		opts = *eo.Options
	}

	ldr := eo.Loader
	if ldr == nil {
		ldr = loader.NewHTTP(eo.HTTPClient, eo.UserAgent, opts.Backoff, log)
	}
	prs := eo.Parser
	if prs == nil {
		prs = parser.NewFMP4()
	}
	var picker stream.RepresentationPicker = stream.MaxBitratePicker{}
	if eo.Picker != nil {
		picker = eo.Picker
	}

	store := bufferstore.New(media, eo.Shims, opts.SourceBufferFlushingInterval, log)
	return &Engine{
		log:          log,
		store:        store,
		orchestrator: stream.NewOrchestrator(man, store, picker, ldr, prs, opts, log),
	}
}

// Events returns the orchestrator's event stream. The caller must drain
// it for the pipelines to make progress.
func (e *Engine) Events() <-chan stream.Event {
	return e.orchestrator.Events()
}

// Run drives buffering from the given clock until the context is
// cancelled, the tick stream closes, or a fatal error occurs. The buffer
// store is disposed before Run returns.
func (e *Engine) Run(ctx context.Context, ticks <-chan stream.Tick) error {
	e.log.Infof("engine: starting buffering orchestration")
	err := e.orchestrator.Run(ctx, ticks)
	if err != nil && ctx.Err() == nil {
		e.log.Errorf("engine: orchestration failed: %v", err)
	}
	return err
}

// NewManualBuffer returns a conforming buffer shim for custom types,
// exposed for ShimFactory wiring.
func NewManualBuffer(codec string) sbq.RawBuffer {
	return sbq.NewManualBuffer(codec)
}
