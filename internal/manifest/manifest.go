package manifest

import (
	"math"
	"sort"
	"sync"
)

// BufferType identifies one kind of decoder buffer.
type BufferType string

const (
	TypeAudio BufferType = "audio"
	TypeVideo BufferType = "video"
	TypeText  BufferType = "text"
	TypeImage BufferType = "image"
)

// Native reports whether the type maps to a native decoder buffer.
func (t BufferType) Native() bool {
	return t == TypeAudio || t == TypeVideo
}

// Representation is one specific encoding of a track.
type Representation struct {
	ID       string
	Bitrate  int
	Codec    string
	MimeType string
	Index    Index

	// decipherable is nil while unknown.
	mu           sync.RWMutex
	decipherable *bool
}

// FullCodec returns the MIME type and codec string combined the way a
// decoder buffer expects them.
func (r *Representation) FullCodec() string {
	if r.MimeType == "" {
		return r.Codec
	}
	if r.Codec == "" {
		return r.MimeType
	}
	return r.MimeType + `;codecs="` + r.Codec + `"`
}

// Decipherable returns the current decipherability status; known is false
// while no key information was ever received.
func (r *Representation) Decipherable() (decipherable, known bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.decipherable == nil {
		return false, false
	}
	return *r.decipherable, true
}

// SetDecipherable records a decipherability status update.
func (r *Representation) SetDecipherable(v bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decipherable = &v
}

// Adaptation is a set of interchangeable Representations of one type.
type Adaptation struct {
	ID              string
	Type            BufferType
	Language        string
	IsTrickMode     bool
	Representations []*Representation
}

// Period is a contiguous span of the presentation sharing one track set.
type Period struct {
	ID    string
	Start float64
	// Duration is NaN while unknown (open-ended live period).
	Duration float64
	// Loaded is false for partial periods whose xlink was not resolved
	// yet; such a period has no adaptations to buffer from.
	Loaded      bool
	Adaptations map[BufferType][]*Adaptation
}

// End returns the period end in seconds, or +Inf while the duration is
// unknown.
func (p *Period) End() float64 {
	if math.IsNaN(p.Duration) {
		return math.Inf(1)
	}
	return p.Start + p.Duration
}

// ContainsTime reports whether t falls inside [Start, End).
func (p *Period) ContainsTime(t float64) bool {
	return t >= p.Start && t < p.End()
}

// AdaptationsForType returns the adaptations of the given type, trick-mode
// tracks excluded unless trickMode is set.
func (p *Period) AdaptationsForType(t BufferType, trickMode bool) []*Adaptation {
	var out []*Adaptation
	for _, a := range p.Adaptations[t] {
		if a.IsTrickMode == trickMode {
			out = append(out, a)
		}
	}
	return out
}

// DecipherabilityUpdate signals that a Representation's playability
// changed because a key became (un)available.
type DecipherabilityUpdate struct {
	Adaptation     *Adaptation
	Representation *Representation
	Decipherable   bool
}

// Manifest is a read-only description of the presentation, plus the
// decipherability update feed.
type Manifest struct {
	ID        string
	IsDynamic bool
	Periods   []*Period

	mu   sync.Mutex
	subs []chan []DecipherabilityUpdate
}

// New builds a Manifest, sorting periods by start time.
func New(id string, dynamic bool, periods []*Period) *Manifest {
	sorted := make([]*Period, len(periods))
	copy(sorted, periods)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })
	return &Manifest{ID: id, IsDynamic: dynamic, Periods: sorted}
}

// MinimumPosition returns the earliest playable position.
func (m *Manifest) MinimumPosition() float64 {
	for _, p := range m.Periods {
		min := math.Inf(1)
		found := false
		for _, adaps := range p.Adaptations {
			for _, a := range adaps {
				for _, r := range a.Representations {
					if pos, ok := r.Index.GetFirstPosition(); ok {
						min = math.Min(min, pos)
						found = true
					}
				}
			}
		}
		if found {
			return min
		}
	}
	if len(m.Periods) > 0 {
		return m.Periods[0].Start
	}
	return 0
}

// MaximumPosition returns the latest playable position.
func (m *Manifest) MaximumPosition() float64 {
	for i := len(m.Periods) - 1; i >= 0; i-- {
		p := m.Periods[i]
		max := math.Inf(-1)
		found := false
		for _, adaps := range p.Adaptations {
			for _, a := range adaps {
				for _, r := range a.Representations {
					if pos, ok := r.Index.GetLastPosition(); ok {
						max = math.Max(max, pos)
						found = true
					}
				}
			}
		}
		if found {
			return max
		}
		if !math.IsInf(p.End(), 1) {
			return p.End()
		}
	}
	return 0
}

// PeriodForTime returns the period containing t, or nil.
func (m *Manifest) PeriodForTime(t float64) *Period {
	for _, p := range m.Periods {
		if p.ContainsTime(t) {
			return p
		}
	}
	return nil
}

// PeriodAfter returns the period following p in start order, or nil.
func (m *Manifest) PeriodAfter(p *Period) *Period {
	for i, cur := range m.Periods {
		if cur == p {
			if i+1 < len(m.Periods) {
				return m.Periods[i+1]
			}
			return nil
		}
	}
	return nil
}

// DecipherabilityUpdates returns a channel delivering future updates and
// the function removing the subscription.
func (m *Manifest) DecipherabilityUpdates() (<-chan []DecipherabilityUpdate, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ch := make(chan []DecipherabilityUpdate, 4)
	m.subs = append(m.subs, ch)
	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, sub := range m.subs {
			if sub == ch {
				m.subs = append(m.subs[:i], m.subs[i+1:]...)
				return
			}
		}
	}
}

// UpdateDecipherability applies the updates and notifies subscribers.
func (m *Manifest) UpdateDecipherability(updates []DecipherabilityUpdate) {
	for _, u := range updates {
		if u.Representation != nil {
			u.Representation.SetDecipherable(u.Decipherable)
		}
	}
	m.mu.Lock()
	subs := make([]chan []DecipherabilityUpdate, len(m.subs))
	copy(subs, m.subs)
	m.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- updates:
		default:
			// A subscriber that stopped draining loses updates rather
			// than blocking the notifier.
		}
	}
}
