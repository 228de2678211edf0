package stream

import (
	"context"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"buffercore/internal/bufferstore"
	"buffercore/internal/config"
	"buffercore/internal/errors"
	"buffercore/internal/loader"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/parser"
	"buffercore/internal/sbq"
)

// Orchestrator chains consecutive per-period pipelines for every enabled
// buffer type, following the playback clock across period boundaries,
// garbage collecting behind it and aggregating end-of-stream.
type Orchestrator struct {
	log    logger.Logger
	man    *manifest.Manifest
	store  *bufferstore.Store
	picker RepresentationPicker
	loader loader.Loader
	parser parser.Parser
	opts   config.Options

	clock  *clockFanout
	events chan Event

	mu           sync.Mutex
	complete     map[manifest.BufferType]bool
	atEndOfStream bool

	activePeriodID  string
	hasActivePeriod bool
	beforeManifest  bool
	afterManifest   bool
}

// NewOrchestrator wires an orchestrator over the given collaborators.
func NewOrchestrator(
	man *manifest.Manifest,
	store *bufferstore.Store,
	picker RepresentationPicker,
	ldr loader.Loader,
	prs parser.Parser,
	opts config.Options,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		log:      log,
		man:      man,
		store:    store,
		picker:   picker,
		loader:   ldr,
		parser:   prs,
		opts:     opts,
		clock:    newClockFanout(),
		events:   make(chan Event, 64),
		complete: make(map[manifest.BufferType]bool),
	}
}

// Events returns the public event stream. The caller must drain it.
func (o *Orchestrator) Events() <-chan Event { return o.events }

// Run drives every per-type pipeline until the tick stream closes, the
// context is cancelled or a fatal error occurs.
func (o *Orchestrator) Run(ctx context.Context, ticks <-chan Tick) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, ctx := errgroup.WithContext(ctx)

	for _, typ := range o.store.EnabledTypes() {
		typ := typ
		// Subscribe before the clock pump starts so no tick is published
		// to a type loop that is not listening yet.
		typeTicks, unsub := o.clock.Subscribe()
		g.Go(func() error {
			defer unsub()
			return o.runType(ctx, typ, typeTicks)
		})
	}

	g.Go(func() error {
		// A closed tick stream shuts the whole orchestration down.
		defer cancel()
		return o.pumpClock(ctx, ticks)
	})

	err := g.Wait()
	o.store.DisposeAll()
	return err
}

// pumpClock republishes ticks to the per-type loops and performs the
// clock-global checks: active period tracking and out-of-manifest
// warnings.
func (o *Orchestrator) pumpClock(ctx context.Context, ticks <-chan Tick) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t, ok := <-ticks:
			if !ok {
				return nil
			}
			o.checkActivePeriod(ctx, t)
			o.checkManifestBounds(ctx, t)
			o.clock.Publish(t)
		}
	}
}

// checkActivePeriod emits active-period-changed at most once per period
// while the cursor stays inside it.
func (o *Orchestrator) checkActivePeriod(ctx context.Context, t Tick) {
	p := o.man.PeriodForTime(t.Wanted())
	if p == nil {
		return
	}
	o.mu.Lock()
	changed := !o.hasActivePeriod || o.activePeriodID != p.ID
	if changed {
		o.hasActivePeriod = true
		o.activePeriodID = p.ID
	}
	o.mu.Unlock()
	if changed {
		o.emit(ctx, ActivePeriodChanged{Period: p})
	}
}

// checkManifestBounds warns, without stopping anything, when the wanted
// position leaves the manifest's playable window.
func (o *Orchestrator) checkManifestBounds(ctx context.Context, t Tick) {
	wanted := t.Wanted()

	before := wanted < o.man.MinimumPosition()
	after := wanted > o.man.MaximumPosition()

	o.mu.Lock()
	emitBefore := before && !o.beforeManifest
	emitAfter := after && !o.afterManifest
	o.beforeManifest = before
	o.afterManifest = after
	o.mu.Unlock()

	if emitBefore {
		o.emit(ctx, Warning{Err: errors.NewMediaError(errors.MediaTimeBeforeManifest, false, nil)})
	}
	if emitAfter {
		o.emit(ctx, Warning{Err: errors.NewMediaError(errors.MediaTimeAfterManifest, false, nil)})
	}
}

// pipeline is one period buffer plus the per-type bookkeeping around it.
type pipeline struct {
	pb     *PeriodBuffer
	period *manifest.Period
	full   bool
}

// runType runs the consecutive-period process for one buffer type.
func (o *Orchestrator) runType(ctx context.Context, typ manifest.BufferType, ticks <-chan Tick) error {
	tagged := make(chan taggedEvent, 16)

	var list []*pipeline
	collectors := make(map[*sbq.Queue]*bufferstore.Collector)

	destroy := func(p *pipeline) {
		p.pb.Stop()
		o.emit(ctx, PeriodBufferCleared{Type: typ, Period: p.period})
	}
	destroyAll := func() {
		for i := len(list) - 1; i >= 0; i-- {
			destroy(list[i])
		}
		list = nil
	}
	defer func() { destroyAll() }()

	start := func(from float64) {
		p := o.man.PeriodForTime(from)
		if p == nil {
			return
		}
		if !p.Loaded {
			o.emit(ctx, NeedsLoadedPeriod{Type: typ, Period: p})
			return
		}
		for _, pl := range list {
			if pl.period == p {
				return
			}
		}
		pb := newPeriodBuffer(typ, p, o.man, o.store, o.picker, o.loader, o.parser, o.opts, o.clock, tagged, o.log)
		pb.Start(ctx)
		list = append(list, &pipeline{pb: pb, period: p})
		sort.Slice(list, func(i, j int) bool { return list[i].period.Start < list[j].period.Start })
		o.markIncomplete(ctx, typ)
		o.log.Infof("orchestrator(%s): buffering period %s from %f", typ, p.ID, from)
	}

	for {
		select {
		case <-ctx.Done():
			return nil

		case t := <-ticks:
			wanted := t.Wanted()

			if len(list) == 0 {
				start(wanted)
			} else {
				// Destroy the pipelines the clock has fully passed.
				for len(list) > 0 && wanted >= list[0].period.End() {
					destroy(list[0])
					list = list[1:]
				}

				// The check is gated on a non-empty period list so the
				// initial bring-up cannot race itself.
				if len(list) > 0 && !o.inConsideredPeriods(list, wanted) && o.man.PeriodForTime(wanted) != nil {
					o.log.Infof("orchestrator(%s): position %f out of considered periods, restarting", typ, wanted)
					destroyAll()
				}
				if len(list) == 0 {
					start(wanted)
				}

				// Resume a chain stalled on a period that was partial
				// when its predecessor filled up.
				if n := len(list); n > 0 && list[n-1].full {
					if next := o.man.PeriodAfter(list[n-1].period); next != nil && next.Loaded {
						start(next.Start)
					}
				}
			}

			o.collectGarbage(collectors, typ, t)

		case te := <-tagged:
			switch ev := te.ev.(type) {
			case FullBuffer:
				o.emit(ctx, ev)
				pl := findPipeline(list, te.period)
				if pl == nil {
					break
				}
				pl.full = true
				if list[len(list)-1] != pl {
					break
				}
				next := o.man.PeriodAfter(te.period)
				switch {
				case next != nil:
					start(next.Start)
				case !o.man.IsDynamic:
					o.markComplete(ctx, typ)
				}

			case ActiveBuffer:
				o.emit(ctx, ev)
				// Downstream pipelines are stale once an earlier one is
				// active again; rebuild the chain behind it.
				pl := findPipeline(list, te.period)
				if pl == nil {
					break
				}
				for i := len(list) - 1; i >= 0 && list[i] != pl; i-- {
					destroy(list[i])
					list = list[:i]
				}
				if pl.full {
					if next := o.man.PeriodAfter(te.period); next != nil {
						start(next.Start)
					}
				}

			case FatalError:
				o.emit(ctx, ev)
				return ev.Err

			default:
				o.emit(ctx, te.ev)
			}
		}
	}
}

func (o *Orchestrator) inConsideredPeriods(list []*pipeline, wanted float64) bool {
	for _, pl := range list {
		if pl.period.ContainsTime(wanted) {
			return true
		}
	}
	return false
}

func findPipeline(list []*pipeline, p *manifest.Period) *pipeline {
	for _, pl := range list {
		if pl.period == p {
			return pl
		}
	}
	return nil
}

// collectGarbage evicts data outside the configured retention window for
// the type's queue. Removals join the queue FIFO like any push.
func (o *Orchestrator) collectGarbage(collectors map[*sbq.Queue]*bufferstore.Collector, typ manifest.BufferType, t Tick) {
	ref, ok := o.store.Get(typ)
	if !ok {
		return
	}
	c, ok := collectors[ref.Queue]
	if !ok {
		c = bufferstore.NewCollector(ref.Queue, o.opts.EffectiveMaxBehind(), o.opts.EffectiveMaxAhead(), o.log)
		collectors[ref.Queue] = c
	}
	c.RunOnce(t.Position)
}

// markComplete records that a type buffered to the very end; when every
// enabled type is complete the stream can be ended.
func (o *Orchestrator) markComplete(ctx context.Context, typ manifest.BufferType) {
	o.mu.Lock()
	if o.complete[typ] {
		o.mu.Unlock()
		return
	}
	o.complete[typ] = true
	all := true
	for _, t := range o.store.EnabledTypes() {
		if !o.complete[t] {
			all = false
			break
		}
	}
	becameEOS := all && !o.atEndOfStream
	if becameEOS {
		o.atEndOfStream = true
	}
	o.mu.Unlock()

	o.emit(ctx, BufferComplete{Type: typ})
	if becameEOS {
		o.emit(ctx, EndOfStream{})
	}
}

// markIncomplete re-opens a type after it was complete, resuming the
// stream if it had ended.
func (o *Orchestrator) markIncomplete(ctx context.Context, typ manifest.BufferType) {
	o.mu.Lock()
	wasComplete := o.complete[typ]
	o.complete[typ] = false
	resume := wasComplete && o.atEndOfStream
	if resume {
		o.atEndOfStream = false
	}
	o.mu.Unlock()

	if resume {
		o.emit(ctx, ResumeStream{})
	}
}

func (o *Orchestrator) emit(ctx context.Context, ev Event) {
	select {
	case o.events <- ev:
	case <-ctx.Done():
	}
}
