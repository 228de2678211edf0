package sbq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/gammazero/deque"
	"github.com/google/uuid"
	"go.uber.org/atomic"

	"buffercore/internal/errors"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/ranges"
)

// taskKind discriminates queued operations.
type taskKind int

const (
	taskPush taskKind = iota
	taskRemove
)

// Task is the handle returned for a queued operation. It completes when
// the operation reached the RawBuffer and the RawBuffer went quiescent.
type Task struct {
	id        uuid.UUID
	kind      taskKind
	chunk     Chunk
	start     float64
	end       float64
	cancelled *atomic.Bool
	done      chan struct{}
	err       error
}

// Wait blocks until the task completed, failed, or ctx expired.
func (t *Task) Wait(ctx context.Context) error {
	select {
	case <-t.done:
		return t.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done exposes the completion channel; read Err after it closes.
func (t *Task) Done() <-chan struct{} { return t.done }

// Err returns the task result once Done is closed.
func (t *Task) Err() error { return t.err }

// Cancel drops the task if it is still pending. An in-flight task keeps
// running; the caller just stops caring about its result.
func (t *Task) Cancel() {
	t.cancelled.Store(true)
}

// Queue serialises append and remove operations against one RawBuffer,
// which tolerates at most one in-flight mutation. Operations execute in
// submission order and their completions are delivered in that order.
//
// The queue exclusively owns its RawBuffer until Dispose.
type Queue struct {
	log        logger.Logger
	raw        RawBuffer
	bufferType manifest.BufferType

	flushInterval time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	tasks deque.Deque[*Task]
	wake  chan struct{}

	runnerDone chan struct{}

	// failed is set after an append error until the next successful step.
	failed atomic.Bool

	lastInitHash uint64
	hasInitHash  bool

	// lastCodec is the codec last applied through ChangeType; switching
	// resets the buffer's bytestream parser, so it only happens when the
	// codec actually changes.
	lastCodec string
	hasCodec  bool
}

// New creates a queue over the given RawBuffer and starts its runner.
// flushInterval is the watchdog period recovering from platforms that
// swallow updateend events.
func New(bufferType manifest.BufferType, raw RawBuffer, flushInterval time.Duration, log logger.Logger) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		log:           log,
		raw:           raw,
		bufferType:    bufferType,
		flushInterval: flushInterval,
		ctx:           ctx,
		cancel:        cancel,
		wake:          make(chan struct{}, 1),
		runnerDone:    make(chan struct{}),
	}
	go q.runner()
	return q
}

// BufferType returns the decoder buffer type this queue feeds.
func (q *Queue) BufferType() manifest.BufferType { return q.bufferType }

// PushChunk queues an append. A chunk carrying both init and media bytes
// is appended in two steps, init first; the init step is skipped when the
// same init bytes were the last ones appended.
func (q *Queue) PushChunk(chunk Chunk) (*Task, error) {
	if chunk.Init == nil && chunk.Media == nil {
		return nil, fmt.Errorf("push of an empty chunk on %s buffer", q.bufferType)
	}
	t := &Task{
		id:        uuid.New(),
		kind:      taskPush,
		chunk:     chunk,
		cancelled: atomic.NewBool(false),
		done:      make(chan struct{}),
	}
	return t, q.enqueue(t)
}

// RemoveBuffer queues a removal of [start, end) from the buffer.
func (q *Queue) RemoveBuffer(start, end float64) (*Task, error) {
	t := &Task{
		id:        uuid.New(),
		kind:      taskRemove,
		start:     start,
		end:       end,
		cancelled: atomic.NewBool(false),
		done:      make(chan struct{}),
	}
	return t, q.enqueue(t)
}

func (q *Queue) enqueue(t *Task) error {
	q.mu.Lock()
	if q.ctx.Err() != nil {
		q.mu.Unlock()
		return errors.ErrAborted
	}
	q.tasks.PushBack(t)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	return nil
}

// GetBufferedRanges returns the ranges the RawBuffer currently retains.
func (q *Queue) GetBufferedRanges() ranges.TimeRanges {
	return q.raw.Buffered()
}

// Failed reports whether the last mutation errored and the queue is
// waiting to re-push an init segment.
func (q *Queue) Failed() bool {
	return q.failed.Load()
}

// PendingCount returns the number of not-yet-started tasks.
func (q *Queue) PendingCount() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.tasks.Len()
}

// Abort cancels every pending task and aborts the in-flight mutation.
func (q *Queue) Abort() {
	q.failPending(errors.ErrAborted)
	if q.raw.Updating() {
		if err := q.raw.Abort(); err != nil {
			q.log.Warnf("sbq(%s): abort failed: %v", q.bufferType, err)
		}
	}
}

// Dispose stops the runner and releases the RawBuffer. Pending tasks fail
// with ErrAborted; an in-flight mutation runs to completion unobserved.
func (q *Queue) Dispose() {
	q.cancel()
	q.failPending(errors.ErrAborted)
	select {
	case q.wake <- struct{}{}:
	default:
	}
	<-q.runnerDone
}

func (q *Queue) failPending(err error) {
	q.mu.Lock()
	var dropped []*Task
	for q.tasks.Len() > 0 {
		dropped = append(dropped, q.tasks.PopFront())
	}
	q.mu.Unlock()
	for _, t := range dropped {
		t.err = err
		close(t.done)
	}
}

func (q *Queue) dequeue() *Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for q.tasks.Len() > 0 {
		t := q.tasks.PopFront()
		if t.cancelled.Load() {
			t.err = errors.ErrAborted
			close(t.done)
			continue
		}
		return t
	}
	return nil
}

// runner drains the task FIFO, one RawBuffer mutation at a time.
func (q *Queue) runner() {
	defer close(q.runnerDone)
	watchdog := time.NewTicker(q.flushInterval)
	defer watchdog.Stop()

	for {
		select {
		case <-q.ctx.Done():
			q.failPending(errors.ErrAborted)
			return
		case <-q.wake:
		case <-watchdog.C:
		}
		for {
			t := q.dequeue()
			if t == nil {
				break
			}
			t.err = q.runTask(t, watchdog)
			close(t.done)
			if q.ctx.Err() != nil {
				q.failPending(errors.ErrAborted)
				return
			}
		}
	}
}

func (q *Queue) runTask(t *Task, watchdog *time.Ticker) error {
	switch t.kind {
	case taskRemove:
		q.log.Debugf("sbq(%s): removing [%f, %f]", q.bufferType, t.start, t.end)
		if err := q.raw.Remove(t.start, t.end); err != nil {
			return q.stepFailed(fmt.Errorf("remove failed: %w", err))
		}
		return q.awaitQuiescence(watchdog)
	case taskPush:
		for _, st := range q.expand(t.chunk) {
			if err := q.runStep(st, watchdog); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown task kind %d", t.kind)
	}
}

// expand splits a chunk into physical append steps, dropping the init
// step when the same init bytes are already configured.
func (q *Queue) expand(c Chunk) []step {
	var steps []step
	if c.Init != nil {
		h := xxhash.Sum64(c.Init)
		if !q.hasInitHash || q.lastInitHash != h {
			steps = append(steps, step{
				isInit:   true,
				data:     c.Init,
				codec:    c.Codec,
				tsOffset: c.TimestampOffset,
				window:   c.AppendWindow,
			})
		} else {
			q.log.Debugf("sbq(%s): skipping already-appended init segment", q.bufferType)
		}
	}
	if c.Media != nil {
		steps = append(steps, step{
			data:     c.Media,
			codec:    c.Codec,
			tsOffset: c.TimestampOffset,
			window:   c.AppendWindow,
			interval: c.Interval,
		})
	}
	return steps
}

func (q *Queue) runStep(st step, watchdog *time.Ticker) error {
	q.reconcile(st)

	if st.interval != nil {
		if p, ok := q.raw.(IntervalPreparer); ok {
			p.PrepareInterval(st.interval.Start, st.interval.End)
		}
	}

	if err := q.raw.AppendBuffer(st.data); err != nil {
		return q.stepFailed(fmt.Errorf("append failed: %w", err))
	}
	if err := q.awaitQuiescence(watchdog); err != nil {
		return err
	}
	if st.isInit {
		q.lastInitHash = xxhash.Sum64(st.data)
		q.hasInitHash = true
	}
	q.failed.Store(false)
	return nil
}

// reconcile aligns the RawBuffer's codec, timestamp offset and append
// window with the step, touching only the values that differ.
func (q *Queue) reconcile(st step) {
	if st.codec != "" && (!q.hasCodec || q.lastCodec != st.codec) {
		if err := q.raw.ChangeType(st.codec); err != nil {
			// Keep appending with the previous codec; the caller
			// recovers through a media source reload.
			q.log.Warnf("sbq(%s): in-place codec switch to %q unsupported: %v", q.bufferType, st.codec, err)
		} else {
			q.lastCodec = st.codec
			q.hasCodec = true
		}
	}

	if q.raw.TimestampOffset() != st.tsOffset {
		if err := q.raw.SetTimestampOffset(st.tsOffset); err != nil {
			q.log.Warnf("sbq(%s): could not set timestampOffset: %v", q.bufferType, err)
		}
	}

	curStart := q.raw.AppendWindowStart()
	curEnd := q.raw.AppendWindowEnd()

	switch {
	case !st.window.HasStart():
		if curStart > 0 {
			q.setWindowStart(0, curEnd)
		}
	case st.window.Start != curStart:
		q.setWindowStart(st.window.Start, curEnd)
	}

	switch {
	case !st.window.HasEnd():
		if !math.IsInf(curEnd, 1) {
			if err := q.raw.SetAppendWindowEnd(math.Inf(1)); err != nil {
				q.log.Warnf("sbq(%s): could not reset appendWindowEnd: %v", q.bufferType, err)
			}
		}
	case st.window.End != curEnd:
		if err := q.raw.SetAppendWindowEnd(st.window.End); err != nil {
			q.log.Warnf("sbq(%s): could not set appendWindowEnd: %v", q.bufferType, err)
		}
	}
}

// setWindowStart widens the end first when the new start would cross it,
// as the RawBuffer requires start < end at all times.
func (q *Queue) setWindowStart(start, curEnd float64) {
	if start >= curEnd {
		if err := q.raw.SetAppendWindowEnd(start + 1); err != nil {
			q.log.Warnf("sbq(%s): could not widen appendWindowEnd: %v", q.bufferType, err)
		}
	}
	if err := q.raw.SetAppendWindowStart(start); err != nil {
		q.log.Warnf("sbq(%s): could not set appendWindowStart: %v", q.bufferType, err)
	}
}

// awaitQuiescence waits for the RawBuffer to finish its current mutation.
// The watchdog tick recovers from platforms that never deliver updateend:
// if the buffer reports idle on a tick, the mutation counts as done.
func (q *Queue) awaitQuiescence(watchdog *time.Ticker) error {
	for {
		select {
		case ev := <-q.raw.Events():
			switch ev.Kind {
			case UpdateEnd:
				return nil
			case UpdateError:
				return q.stepFailed(fmt.Errorf("buffer error: %w", ev.Err))
			}
		case <-watchdog.C:
			if !q.raw.Updating() {
				return nil
			}
		case <-q.ctx.Done():
			return errors.ErrAborted
		}
	}
}

// stepFailed records a failed mutation. The init segment reference is
// forgotten so it is re-pushed before the next media chunk.
func (q *Queue) stepFailed(err error) error {
	q.failed.Store(true)
	q.hasInitHash = false
	q.log.Warnf("sbq(%s): %v", q.bufferType, err)
	return errors.NewMediaError(errors.BufferAppendError, false, err)
}
