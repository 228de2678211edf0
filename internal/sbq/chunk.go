package sbq

import (
	"math"

	"buffercore/internal/ranges"
)

// Window is an append window on the decoder buffer. A NaN edge means the
// edge was not specified.
type Window struct {
	Start float64
	End   float64
}

// UnboundedWindow returns a window with both edges unset.
func UnboundedWindow() Window {
	return Window{Start: math.NaN(), End: math.NaN()}
}

// HasStart reports whether the start edge is set.
func (w Window) HasStart() bool { return !math.IsNaN(w.Start) }

// HasEnd reports whether the end edge is set.
func (w Window) HasEnd() bool { return !math.IsNaN(w.End) }

// Chunk is one unit handed to PushChunk. Init and Media may each be nil;
// when both are set, the queue appends the init bytes first unless they
// were the last init appended.
type Chunk struct {
	Init  []byte
	Media []byte

	Codec           string
	TimestampOffset float64
	AppendWindow    Window

	// Interval is the media-time interval the bytes cover, before the
	// timestamp offset, when the parser knows it. Buffers that cannot
	// parse timing (text, image) need it to maintain their buffered
	// ranges.
	Interval *ranges.Range
}

// step is one physical append against the RawBuffer.
type step struct {
	isInit   bool
	data     []byte
	codec    string
	tsOffset float64
	window   Window
	interval *ranges.Range
}
