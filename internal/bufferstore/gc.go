package bufferstore

import (
	"context"
	"math"

	"buffercore/internal/logger"
	"buffercore/internal/ranges"
	"buffercore/internal/sbq"
)

// Collector evicts buffered data outside [t-maxBehind, t+maxAhead] from
// one queue. Removals join the queue's FIFO like any other operation.
type Collector struct {
	log       logger.Logger
	queue     *sbq.Queue
	maxBehind float64
	maxAhead  float64
}

// NewCollector creates a collector with the given effective bounds (the
// caller applies configuration caps).
func NewCollector(queue *sbq.Queue, maxBehind, maxAhead float64, log logger.Logger) *Collector {
	return &Collector{
		log:       log,
		queue:     queue,
		maxBehind: maxBehind,
		maxAhead:  maxAhead,
	}
}

// RunOnce issues the removals needed for the given playback position.
func (c *Collector) RunOnce(currentTime float64) {
	buffered := c.queue.GetBufferedRanges()
	if len(buffered) == 0 {
		return
	}

	if !math.IsInf(c.maxBehind, 1) {
		c.removeIfBuffered(buffered, 0, currentTime-c.maxBehind)
	}
	if !math.IsInf(c.maxAhead, 1) {
		c.removeIfBuffered(buffered, currentTime+c.maxAhead, math.Inf(1))
	}
}

func (c *Collector) removeIfBuffered(buffered ranges.TimeRanges, start, end float64) {
	if end <= start {
		return
	}
	if len(buffered.Intersection(start, end)) == 0 {
		return
	}
	c.log.Debugf("gc(%s): evicting [%f, %f]", c.queue.BufferType(), start, end)
	if _, err := c.queue.RemoveBuffer(start, end); err != nil {
		c.log.Warnf("gc(%s): could not queue eviction: %v", c.queue.BufferType(), err)
	}
}

// Run drives the collector from a stream of playback positions until the
// context is cancelled or the stream closes.
func (c *Collector) Run(ctx context.Context, positions <-chan float64) {
	for {
		select {
		case <-ctx.Done():
			return
		case pos, ok := <-positions:
			if !ok {
				return
			}
			c.RunOnce(pos)
		}
	}
}
