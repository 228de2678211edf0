package stream

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffercore/internal/bufferstore"
	"buffercore/internal/config"
	"buffercore/internal/inventory"
	"buffercore/internal/loader"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/parser"
	"buffercore/internal/ranges"
	"buffercore/internal/sbq"
	"buffercore/internal/timeline"
)

// fakeLoader serves synthetic bytes for every URL and counts requests.
type fakeLoader struct {
	mu       sync.Mutex
	requests []string
}

func (f *fakeLoader) Load(ctx context.Context, req loader.Request) (loader.Result, error) {
	f.mu.Lock()
	f.requests = append(f.requests, req.Segment.MediaURLs[0])
	f.mu.Unlock()
	data := []byte(req.Segment.MediaURLs[0])
	return loader.Result{Data: data, Size: int64(len(data))}, nil
}

func (f *fakeLoader) count(substr string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, u := range f.requests {
		if strings.Contains(u, substr) {
			n++
		}
	}
	return n
}

type fakeMediaSource struct{}

func (fakeMediaSource) OpenBuffer(t manifest.BufferType, codec string) (sbq.RawBuffer, error) {
	return sbq.NewManualBuffer(codec), nil
}

func i64(v int64) *int64 { return &v }
func iptr(v int) *int    { return &v }

// videoPeriod builds a period with one video adaptation of two qualities
// backed by a static timeline of segDur-second segments.
func videoPeriod(id string, start, duration float64, segDur int64, log logger.Logger) *manifest.Period {
	count := int(duration / float64(segDur))
	mkIndex := func(repID string) manifest.Index {
		return timeline.New(
			&manifest.SegmentTimelineElement{Entries: []manifest.SElement{
				{D: i64(segDur), R: iptr(count - 1)},
			}},
			timeline.Options{
				Timescale:         1,
				PeriodStart:       start,
				PeriodEnd:         start + duration,
				RepresentationID:  repID,
				InitializationURL: id + "/init/$RepresentationID$.mp4",
				MediaURLTemplate:  id + "/media/$RepresentationID$/$Time$.mp4",
			},
			log,
		)
	}
	reps := []*manifest.Representation{
		{ID: id + "-low", Bitrate: 500_000, Codec: "avc1.42E01E", MimeType: "video/mp4", Index: mkIndex(id + "-low")},
		{ID: id + "-high", Bitrate: 2_000_000, Codec: "avc1.640028", MimeType: "video/mp4", Index: mkIndex(id + "-high")},
	}
	return &manifest.Period{
		ID: id, Start: start, Duration: duration, Loaded: true,
		Adaptations: map[manifest.BufferType][]*manifest.Adaptation{
			manifest.TypeVideo: {{ID: id + "-video", Type: manifest.TypeVideo, Representations: reps}},
		},
	}
}

func testOptions() config.Options {
	opts := config.Default()
	opts.WantedBufferAhead = 200
	opts.SourceBufferFlushingInterval = 20 * time.Millisecond
	return opts
}

func newStore() *bufferstore.Store {
	return bufferstore.New(fakeMediaSource{}, nil, 20*time.Millisecond, logger.Nop{})
}

func drainEvents(ctx context.Context, o *Orchestrator, mu *sync.Mutex, into *[]Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-o.Events():
			mu.Lock()
			*into = append(*into, ev)
			mu.Unlock()
		}
	}
}

func countEvents(mu *sync.Mutex, events *[]Event, match func(Event) bool) int {
	mu.Lock()
	defer mu.Unlock()
	n := 0
	for _, ev := range *events {
		if match(ev) {
			n++
		}
	}
	return n
}

func TestOrchestratorPeriodChaining(t *testing.T) {
	log := logger.Nop{}
	man := manifest.New("ateam", false, []*manifest.Period{
		videoPeriod("p1", 0, 60, 10, log),
		videoPeriod("p2", 60, 40, 10, log),
	})

	ldr := &fakeLoader{}
	store := newStore()
	o := NewOrchestrator(man, store, MaxBitratePicker{}, ldr, parser.NewFMP4(), testOptions(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	ticks := make(chan Tick, 1)
	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx, ticks) }()

	var mu sync.Mutex
	var events []Event
	go drainEvents(ctx, o, &mu, &events)

	// Playback advances through both periods.
	pos := 0.0
	deadline := time.Now().Add(8 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case ticks <- Tick{Position: pos}:
		case <-ctx.Done():
			t.Fatal("orchestrator stopped early")
		}
		if countEvents(&mu, &events, func(ev Event) bool { _, ok := ev.(EndOfStream); return ok }) > 0 &&
			pos >= 65 {
			break
		}
		time.Sleep(10 * time.Millisecond)
		if pos < 95 {
			pos += 5
		}
	}

	assert.Equal(t, 1, countEvents(&mu, &events, func(ev Event) bool {
		apc, ok := ev.(ActivePeriodChanged)
		return ok && apc.Period.ID == "p1"
	}), "one active-period-changed for p1")
	assert.Equal(t, 1, countEvents(&mu, &events, func(ev Event) bool {
		apc, ok := ev.(ActivePeriodChanged)
		return ok && apc.Period.ID == "p2"
	}), "one active-period-changed for p2")
	assert.Equal(t, 1, countEvents(&mu, &events, func(ev Event) bool {
		_, ok := ev.(EndOfStream)
		return ok
	}), "one end-of-stream")
	assert.GreaterOrEqual(t, countEvents(&mu, &events, func(ev Event) bool {
		_, ok := ev.(BufferComplete)
		return ok
	}), 1)

	// The highest quality was picked; every p1 and p2 segment plus one
	// init per representation session went out.
	assert.Equal(t, 1, ldr.count("p1/init/p1-high"))
	assert.Equal(t, 6, ldr.count("p1/media/p1-high"))
	assert.Equal(t, 1, ldr.count("p2/init/p2-high"))
	assert.Equal(t, 4, ldr.count("p2/media/p2-high"))
	assert.Zero(t, ldr.count("p1-low"), "ABR picked the highest bitrate")

	cancel()
	<-runDone
}

func TestOrchestratorBufferedRanges(t *testing.T) {
	log := logger.Nop{}
	man := manifest.New("m", false, []*manifest.Period{videoPeriod("p1", 0, 40, 4, log)})

	ldr := &fakeLoader{}
	store := newStore()
	o := NewOrchestrator(man, store, MaxBitratePicker{}, ldr, parser.NewFMP4(), testOptions(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := make(chan Tick, 1)
	go o.Run(ctx, ticks)
	var mu sync.Mutex
	var events []Event
	go drainEvents(ctx, o, &mu, &events)

	require.Eventually(t, func() bool {
		select {
		case ticks <- Tick{Position: 0}:
		default:
		}
		ref, ok := store.Get(manifest.TypeVideo)
		if !ok {
			return false
		}
		buffered := ref.Queue.GetBufferedRanges()
		return len(buffered) == 1 && buffered[0].Start <= ranges.Epsilon && buffered[0].End >= 40-ranges.Epsilon
	}, 4*time.Second, 20*time.Millisecond, "the whole period ends up buffered contiguously")

	// The inventory mirrors what the decoder retained.
	ref, _ := store.Get(manifest.TypeVideo)
	entries := ref.Inventory.Entries()
	require.Len(t, entries, 10)
	for i := 1; i < len(entries); i++ {
		assert.LessOrEqual(t, entries[i-1].End, entries[i].Start+ranges.Epsilon)
	}
}

func TestOrchestratorOutOfManifestWarning(t *testing.T) {
	log := logger.Nop{}
	man := manifest.New("m", false, []*manifest.Period{videoPeriod("p1", 0, 40, 10, log)})

	o := NewOrchestrator(man, newStore(), MaxBitratePicker{}, &fakeLoader{}, parser.NewFMP4(), testOptions(), log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ticks := make(chan Tick, 1)
	runDone := make(chan error, 1)
	go func() { runDone <- o.Run(ctx, ticks) }()
	var mu sync.Mutex
	var events []Event
	go drainEvents(ctx, o, &mu, &events)

	ticks <- Tick{Position: 50} // maximumPosition + 10

	require.Eventually(t, func() bool {
		return countEvents(&mu, &events, func(ev Event) bool {
			w, ok := ev.(Warning)
			if !ok {
				return false
			}
			return strings.Contains(w.Err.Error(), "MEDIA_TIME_AFTER_MANIFEST")
		}) == 1
	}, 3*time.Second, 10*time.Millisecond)

	// The pipeline did not terminate.
	select {
	case err := <-runDone:
		t.Fatalf("orchestrator terminated: %v", err)
	default:
	}
}

func TestRepresentationBufferStandalone(t *testing.T) {
	log := logger.Nop{}
	period := videoPeriod("p1", 0, 20, 4, log)
	adaptation := period.Adaptations[manifest.TypeVideo][0]
	rep := adaptation.Representations[1] // high

	raw := sbq.NewManualBuffer(rep.FullCodec())
	queue := sbq.New(manifest.TypeVideo, raw, 20*time.Millisecond, log)
	defer queue.Dispose()
	ref := &bufferstore.BufferRef{Queue: queue, Inventory: inventory.New(log)}

	ldr := &fakeLoader{}
	ticks := make(chan Tick, 1)
	events := make(chan Event, 64)

	rb := newRepresentationBuffer(
		Content{Period: period, Adaptation: adaptation, Representation: rep},
		ref, ldr, parser.NewFMP4(),
		200, config.Default().AppendWindowSecurities,
		ticks, events, log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); rb.Run(ctx) }()

	ticks <- Tick{Position: 0}

	var added, full int
	deadline := time.After(4 * time.Second)
	for full == 0 {
		select {
		case ev := <-events:
			switch ev.(type) {
			case AddedSegment:
				added++
			case FullBuffer:
				full++
			}
		case <-deadline:
			t.Fatal("buffer never filled")
		}
	}

	assert.Equal(t, 5, added, "one added-segment per media segment")
	assert.Equal(t, 1, ldr.count("init"), "init fetched once")

	buffered := queue.GetBufferedRanges()
	require.Len(t, buffered, 1)
	assert.InDelta(t, 0, buffered[0].Start, ranges.Epsilon)
	assert.InDelta(t, 20, buffered[0].End, config.Default().AppendWindowSecurities.End+ranges.Epsilon)

	cancel()
	<-done
}

func TestPeriodBufferDirectSwitch(t *testing.T) {
	log := logger.Nop{}
	period := videoPeriod("p1", 0, 20, 4, log)
	man := manifest.New("m", false, []*manifest.Period{period})

	store := newStore()
	defer store.DisposeAll()

	opts := testOptions()
	opts.ManualBitrateSwitchingMode = "direct"

	ldr := &fakeLoader{}
	tagged := make(chan taggedEvent, 64)
	clock := newClockFanout()
	pb := newPeriodBuffer(manifest.TypeVideo, period, man, store, MaxBitratePicker{},
		ldr, parser.NewFMP4(), opts, clock, tagged, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pb.Start(ctx)
	defer pb.Stop()

	var mu sync.Mutex
	var events []Event
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case te := <-tagged:
				mu.Lock()
				events = append(events, te.ev)
				mu.Unlock()
			}
		}
	}()
	go func() {
		pump := time.NewTicker(10 * time.Millisecond)
		defer pump.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-pump.C:
				clock.Publish(Tick{Position: 0})
			}
		}
	}()

	require.Eventually(t, func() bool {
		return countEvents(&mu, &events, func(ev Event) bool { _, ok := ev.(FullBuffer); return ok }) > 0
	}, 4*time.Second, 10*time.Millisecond)
	assert.Equal(t, 5, ldr.count("media/p1-high"))

	low := period.Adaptations[manifest.TypeVideo][0].Representations[0]
	pb.SwitchRepresentation(low)

	// The old quality's data is removed and the window refilled with the
	// new one.
	require.Eventually(t, func() bool {
		return ldr.count("media/p1-low") == 5
	}, 4*time.Second, 10*time.Millisecond)

	ref, ok := store.Get(manifest.TypeVideo)
	require.True(t, ok)
	require.Eventually(t, func() bool {
		buffered := ref.Queue.GetBufferedRanges()
		return len(buffered) == 1 && buffered[0].End >= 20-ranges.Epsilon
	}, 4*time.Second, 10*time.Millisecond)

	for _, e := range ref.Inventory.Entries() {
		assert.Equal(t, "p1-low", e.Representation.ID, "only the new quality remains tracked")
	}
}

// reloadParser refuses media segments, as a transport does when the
// pipelines must be rebuilt.
type reloadParser struct{}

func (reloadParser) Parse(in parser.Input) ([]parser.Event, error) {
	if in.Content.Segment != nil && !in.Content.Segment.IsInit {
		return nil, parser.ErrReloadRequired
	}
	return parser.NewFMP4().Parse(in)
}

func TestRepresentationBufferNeedsReload(t *testing.T) {
	log := logger.Nop{}
	period := videoPeriod("p1", 0, 20, 4, log)
	adaptation := period.Adaptations[manifest.TypeVideo][0]
	rep := adaptation.Representations[1]

	queue := sbq.New(manifest.TypeVideo, sbq.NewManualBuffer(rep.FullCodec()), 20*time.Millisecond, log)
	defer queue.Dispose()
	ref := &bufferstore.BufferRef{Queue: queue, Inventory: inventory.New(log)}

	ticks := make(chan Tick, 1)
	events := make(chan Event, 64)
	rb := newRepresentationBuffer(
		Content{Period: period, Adaptation: adaptation, Representation: rep},
		ref, &fakeLoader{}, reloadParser{},
		200, config.Default().AppendWindowSecurities,
		ticks, events, log,
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan struct{})
	go func() { defer close(done); rb.Run(ctx) }()

	ticks <- Tick{Position: 0}

	deadline := time.After(4 * time.Second)
	for {
		select {
		case ev := <-events:
			if reload, ok := ev.(NeedsMediaSourceReload); ok {
				assert.Equal(t, 0.0, reload.Tick.Position)
				cancel()
				<-done
				return
			}
			if _, ok := ev.(FatalError); ok {
				t.Fatal("reload request must not surface as a fatal error")
			}
		case <-deadline:
			t.Fatal("no needs-media-source-reload event")
		}
	}
}

func TestPeriodBufferDecipherabilityFlush(t *testing.T) {
	log := logger.Nop{}
	period := videoPeriod("p1", 0, 20, 4, log)
	man := manifest.New("m", false, []*manifest.Period{period})

	store := newStore()
	defer store.DisposeAll()

	tagged := make(chan taggedEvent, 64)
	clock := newClockFanout()
	pb := newPeriodBuffer(manifest.TypeVideo, period, man, store, MaxBitratePicker{},
		&fakeLoader{}, parser.NewFMP4(), testOptions(), clock, tagged, log)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	pb.Start(ctx)
	defer pb.Stop()

	var mu sync.Mutex
	var events []Event
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case te := <-tagged:
				mu.Lock()
				events = append(events, te.ev)
				mu.Unlock()
			}
		}
	}()

	pump := time.NewTicker(10 * time.Millisecond)
	defer pump.Stop()
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-pump.C:
				clock.Publish(Tick{Position: 0})
			}
		}
	}()

	// Wait for the buffer to fill, then revoke the active quality's key.
	require.Eventually(t, func() bool {
		return countEvents(&mu, &events, func(ev Event) bool { _, ok := ev.(FullBuffer); return ok }) > 0
	}, 4*time.Second, 10*time.Millisecond)

	adaptation := period.Adaptations[manifest.TypeVideo][0]
	high := adaptation.Representations[1]
	man.UpdateDecipherability([]manifest.DecipherabilityUpdate{
		{Adaptation: adaptation, Representation: high, Decipherable: false},
	})

	require.Eventually(t, func() bool {
		return countEvents(&mu, &events, func(ev Event) bool {
			_, ok := ev.(NeedsDecipherabilityFlush)
			return ok
		}) == 1
	}, 4*time.Second, 10*time.Millisecond, "flush is signalled")
}

