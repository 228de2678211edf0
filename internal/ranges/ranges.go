package ranges

import "math"

// Epsilon absorbs decoder rounding when comparing range edges. Decoders
// report buffered edges with up to a frame of drift; 1/60s covers the
// common frame rates.
const Epsilon = 1.0 / 60.0

// Range is a contiguous [Start, End) interval in presentation seconds.
type Range struct {
	Start float64
	End   float64
}

// Duration returns the length of the range in seconds.
func (r Range) Duration() float64 {
	return r.End - r.Start
}

// Contains reports whether t falls inside the range.
func (r Range) Contains(t float64) bool {
	return t >= r.Start && t < r.End
}

// Intersect returns the overlap of two ranges and whether it is non-empty.
func (r Range) Intersect(other Range) (Range, bool) {
	start := math.Max(r.Start, other.Start)
	end := math.Min(r.End, other.End)
	if start >= end {
		return Range{}, false
	}
	return Range{Start: start, End: end}, true
}

// TimeRanges is an ordered, non-overlapping list of ranges, mirroring what
// a decoder buffer reports as retained data.
type TimeRanges []Range

// ContainsTime reports whether t lies inside any range, with Epsilon slack
// at the edges.
func (tr TimeRanges) ContainsTime(t float64) bool {
	for _, r := range tr {
		if t >= r.Start-Epsilon && t < r.End+Epsilon {
			return true
		}
	}
	return false
}

// Intersection returns the parts of tr overlapping the given interval.
func (tr TimeRanges) Intersection(start, end float64) TimeRanges {
	var out TimeRanges
	for _, r := range tr {
		if inter, ok := r.Intersect(Range{Start: start, End: end}); ok {
			out = append(out, inter)
		}
	}
	return out
}

// Equal compares two range lists edge by edge within Epsilon.
func (tr TimeRanges) Equal(other TimeRanges) bool {
	if len(tr) != len(other) {
		return false
	}
	for i := range tr {
		if math.Abs(tr[i].Start-other[i].Start) > Epsilon ||
			math.Abs(tr[i].End-other[i].End) > Epsilon {
			return false
		}
	}
	return true
}
