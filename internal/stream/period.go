package stream

import (
	"context"
	"math"

	"github.com/google/uuid"

	"buffercore/internal/bufferstore"
	"buffercore/internal/config"
	"buffercore/internal/errors"
	"buffercore/internal/loader"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/parser"
)

// RepresentationPicker is the ABR collaborator: it chooses which
// Adaptation and Representation to buffer for a period.
type RepresentationPicker interface {
	Pick(period *manifest.Period, adaptations []*manifest.Adaptation) (*manifest.Adaptation, *manifest.Representation)
}

// taggedEvent attributes a child event to the period that produced it.
type taggedEvent struct {
	period *manifest.Period
	ev     Event
}

// switchRequest asks the period buffer to change what it is buffering.
// A nil adaptation means "same track, different Representation".
type switchRequest struct {
	adaptation     *manifest.Adaptation
	representation *manifest.Representation
}

// PeriodBuffer sequences Representation Buffers for one type within one
// period, following ABR decisions and track switches.
type PeriodBuffer struct {
	id     uuid.UUID
	log    logger.Logger
	typ    manifest.BufferType
	period *manifest.Period
	man    *manifest.Manifest

	store  *bufferstore.Store
	picker RepresentationPicker
	loader loader.Loader
	parser parser.Parser
	opts   config.Options

	clock *clockFanout
	out   chan<- taggedEvent

	switchCh chan switchRequest

	cancel context.CancelFunc
	done   chan struct{}
}

func newPeriodBuffer(
	typ manifest.BufferType,
	period *manifest.Period,
	man *manifest.Manifest,
	store *bufferstore.Store,
	picker RepresentationPicker,
	ldr loader.Loader,
	prs parser.Parser,
	opts config.Options,
	clock *clockFanout,
	out chan<- taggedEvent,
	log logger.Logger,
) *PeriodBuffer {
	return &PeriodBuffer{
		id:       uuid.New(),
		log:      log,
		typ:      typ,
		period:   period,
		man:      man,
		store:    store,
		picker:   picker,
		loader:   ldr,
		parser:   prs,
		opts:     opts,
		clock:    clock,
		out:      out,
		switchCh: make(chan switchRequest, 1),
		done:     make(chan struct{}),
	}
}

// Start launches the period buffer's control loop.
func (pb *PeriodBuffer) Start(parent context.Context) {
	ctx, cancel := context.WithCancel(parent)
	pb.cancel = cancel
	go pb.run(ctx)
}

// Stop tears the period buffer down, cancelling the pending operations of
// its current Representation Buffer, and waits for the loop to exit.
func (pb *PeriodBuffer) Stop() {
	if pb.cancel != nil {
		pb.cancel()
	}
	<-pb.done
}

// SwitchRepresentation asks for an ABR quality change on the same track.
func (pb *PeriodBuffer) SwitchRepresentation(rep *manifest.Representation) {
	pb.requestSwitch(switchRequest{representation: rep})
}

// SwitchAdaptation asks for a user track change.
func (pb *PeriodBuffer) SwitchAdaptation(a *manifest.Adaptation, rep *manifest.Representation) {
	pb.requestSwitch(switchRequest{adaptation: a, representation: rep})
}

func (pb *PeriodBuffer) requestSwitch(req switchRequest) {
	select {
	case pb.switchCh <- req:
	default:
		// A stale unprocessed switch is superseded.
		select {
		case <-pb.switchCh:
		default:
		}
		select {
		case pb.switchCh <- req:
		default:
		}
	}
}

// repSession is one running Representation Buffer and its plumbing.
type repSession struct {
	content Content
	ticks   chan Tick
	cancel  context.CancelFunc
	done    chan struct{}
}

func (pb *PeriodBuffer) run(ctx context.Context) {
	defer close(pb.done)

	adaptations := pb.period.AdaptationsForType(pb.typ, false)
	if len(adaptations) == 0 {
		// Nothing of this type in the period: report it full so the
		// orchestrator can move on to the next period.
		pb.emit(ctx, FullBuffer{Type: pb.typ})
		<-ctx.Done()
		return
	}

	adaptation, rep := pb.picker.Pick(pb.period, adaptations)
	if adaptation == nil || rep == nil {
		pb.emit(ctx, FatalError{Err: errors.NewMediaError(errors.BufferTypeUnknown, true, nil)})
		return
	}

	ref, err := pb.store.CreateQueue(pb.typ, rep.FullCodec())
	if err != nil {
		pb.emit(ctx, FatalError{Err: err})
		return
	}

	childEvents := make(chan Event, 8)
	session := pb.startRep(ctx, Content{Period: pb.period, Adaptation: adaptation, Representation: rep}, ref, childEvents)

	ticks, unsub := pb.clock.Subscribe()
	defer unsub()

	decipher, unsubDecipher := pb.man.DecipherabilityUpdates()
	defer unsubDecipher()
	var lastTick Tick

	for {
		select {
		case <-ctx.Done():
			pb.stopRep(session)
			return

		case t := <-ticks:
			lastTick = t
			if session != nil {
				forwardTick(session.ticks, t)
			}

		case ev := <-childEvents:
			pb.emit(ctx, ev)

		case req := <-pb.switchCh:
			if session != nil {
				session = pb.handleSwitch(ctx, session, req, ref, childEvents)
			}

		case updates := <-decipher:
			session = pb.handleDecipherability(ctx, session, updates, ref, childEvents, lastTick)
		}
	}
}

func forwardTick(ch chan Tick, t Tick) {
	select {
	case ch <- t:
	default:
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- t:
		default:
		}
	}
}

func (pb *PeriodBuffer) startRep(ctx context.Context, content Content, ref *bufferstore.BufferRef, events chan Event) *repSession {
	repCtx, cancel := context.WithCancel(ctx)
	s := &repSession{
		content: content,
		ticks:   make(chan Tick, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
	}
	rb := newRepresentationBuffer(
		content, ref, pb.loader, pb.parser,
		pb.opts.WantedBufferAhead, pb.opts.AppendWindowSecurities,
		s.ticks, events, pb.log,
	)
	go func() {
		defer close(s.done)
		rb.Run(repCtx)
	}()
	pb.log.Infof("period %s (%s): buffering representation %s", pb.period.ID, pb.typ, content.Representation.ID)
	return s
}

func (pb *PeriodBuffer) stopRep(s *repSession) {
	if s == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (pb *PeriodBuffer) handleSwitch(ctx context.Context, s *repSession, req switchRequest, ref *bufferstore.BufferRef, events chan Event) *repSession {
	if req.adaptation != nil && req.adaptation != s.content.Adaptation {
		// Track change: the new track needs its own init segment.
		pb.stopRep(s)
		rep := req.representation
		if rep == nil && len(req.adaptation.Representations) > 0 {
			rep = req.adaptation.Representations[0]
		}
		return pb.startRep(ctx, Content{Period: pb.period, Adaptation: req.adaptation, Representation: rep}, ref, events)
	}

	if req.representation == nil || req.representation == s.content.Representation {
		return s
	}

	content := Content{Period: pb.period, Adaptation: s.content.Adaptation, Representation: req.representation}
	if pb.opts.ManualBitrateSwitchingMode == "direct" {
		pb.stopRep(s)
		pb.removePeriodWindow(ctx, ref)
		return pb.startRep(ctx, content, ref, events)
	}
	// Seamless: the next unfetched segment simply uses the new
	// Representation; both may briefly coexist in the inventory.
	pb.stopRep(s)
	return pb.startRep(ctx, content, ref, events)
}

// removePeriodWindow drops the data this period still retains, used by
// direct switching so the new quality replaces the old one immediately.
func (pb *PeriodBuffer) removePeriodWindow(ctx context.Context, ref *bufferstore.BufferRef) {
	end := pb.period.End()
	if math.IsInf(end, 1) {
		if last, ok := lastBufferedEnd(ref); ok {
			end = last
		} else {
			return
		}
	}
	task, err := ref.Queue.RemoveBuffer(pb.period.Start, end)
	if err != nil {
		pb.log.Warnf("period %s (%s): could not queue removal: %v", pb.period.ID, pb.typ, err)
		return
	}
	if err := task.Wait(ctx); err != nil && !errors.IsAborted(err) {
		pb.log.Warnf("period %s (%s): removal failed: %v", pb.period.ID, pb.typ, err)
	}
	ref.Inventory.SynchronizeBuffered(ref.Queue.GetBufferedRanges())
}

func lastBufferedEnd(ref *bufferstore.BufferRef) (float64, bool) {
	buffered := ref.Queue.GetBufferedRanges()
	if len(buffered) == 0 {
		return 0, false
	}
	return buffered[len(buffered)-1].End, true
}

// handleDecipherability flushes data belonging to Representations that
// just lost their key, then rebuilds the pipeline from the current
// position.
func (pb *PeriodBuffer) handleDecipherability(ctx context.Context, s *repSession, updates []manifest.DecipherabilityUpdate, ref *bufferstore.BufferRef, events chan Event, lastTick Tick) *repSession {
	affected := make(map[*manifest.Representation]struct{})
	for _, u := range updates {
		if u.Adaptation != nil && u.Adaptation.Type == pb.typ && !u.Decipherable {
			affected[u.Representation] = struct{}{}
		}
	}
	if len(affected) == 0 {
		return s
	}

	pb.stopRep(s)

	// Remove the buffered ranges still belonging to the now
	// undecipherable Representations.
	for _, e := range ref.Inventory.Entries() {
		if _, ok := affected[e.Representation]; !ok {
			continue
		}
		start, end := e.Start, e.End
		if e.Synced() {
			start, end = e.BufferedStart, e.BufferedEnd
		}
		task, err := ref.Queue.RemoveBuffer(start, end)
		if err != nil {
			pb.log.Warnf("period %s (%s): could not flush undecipherable range: %v", pb.period.ID, pb.typ, err)
			continue
		}
		if err := task.Wait(ctx); err != nil && !errors.IsAborted(err) {
			pb.log.Warnf("period %s (%s): flush failed: %v", pb.period.ID, pb.typ, err)
		}
	}
	ref.Inventory.SynchronizeBuffered(ref.Queue.GetBufferedRanges())
	pb.emit(ctx, NeedsDecipherabilityFlush{Tick: lastTick})

	adaptations := pb.period.AdaptationsForType(pb.typ, false)
	adaptation, rep := pb.picker.Pick(pb.period, adaptations)
	if adaptation == nil || rep == nil {
		pb.emit(ctx, FatalError{Err: errors.NewMediaError(errors.BufferTypeUnknown, true, nil)})
		return nil
	}
	return pb.startRep(ctx, Content{Period: pb.period, Adaptation: adaptation, Representation: rep}, ref, events)
}

func (pb *PeriodBuffer) emit(ctx context.Context, ev Event) {
	select {
	case pb.out <- taggedEvent{period: pb.period, ev: ev}:
	case <-ctx.Done():
	}
}
