package bufferstore

import (
	"fmt"
	"sync"
	"time"

	"buffercore/internal/errors"
	"buffercore/internal/inventory"
	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/sbq"
)

// MediaSource opens native decoder buffers. It is the explicit handle on
// the platform media element owned by the engine; the store never touches
// process-wide state.
type MediaSource interface {
	OpenBuffer(t manifest.BufferType, codec string) (sbq.RawBuffer, error)
}

// ShimFactory builds a conforming RawBuffer for a custom type.
type ShimFactory func(codec string) sbq.RawBuffer

// BufferRef pairs a queue with the inventory that survives Representation
// changes on it.
type BufferRef struct {
	Queue     *sbq.Queue
	Inventory *inventory.Inventory
	Codec     string
}

// Store maps each buffer type to at most one serialised queue.
//
// Native types (audio, video) are created once against the media source
// and reused for the lifetime of the store: asking again with another
// codec switches the codec in place. Custom types (text, image) are torn
// down and recreated instead.
type Store struct {
	log           logger.Logger
	media         MediaSource
	shims         map[manifest.BufferType]ShimFactory
	flushInterval time.Duration

	mu      sync.Mutex
	entries map[manifest.BufferType]*BufferRef
}

// New creates a store over the given media source. Custom types are only
// available if a shim factory is registered for them.
func New(media MediaSource, shims map[manifest.BufferType]ShimFactory, flushInterval time.Duration, log logger.Logger) *Store {
	return &Store{
		log:           log,
		media:         media,
		shims:         shims,
		flushInterval: flushInterval,
		entries:       make(map[manifest.BufferType]*BufferRef),
	}
}

// EnabledTypes lists the buffer types this store can create.
func (s *Store) EnabledTypes() []manifest.BufferType {
	out := []manifest.BufferType{manifest.TypeAudio, manifest.TypeVideo}
	for t := range s.shims {
		out = append(out, t)
	}
	return out
}

// CreateQueue returns the queue for the given type, creating or recycling
// it as the type's policy dictates.
func (s *Store) CreateQueue(t manifest.BufferType, codec string) (*BufferRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ref, ok := s.entries[t]; ok {
		if t.Native() {
			if ref.Codec != codec {
				s.log.Infof("bufferstore: reusing %s buffer, switching codec %q -> %q", t, ref.Codec, codec)
				ref.Codec = codec
			}
			return ref, nil
		}
		// Custom types cannot switch in place: abort and rebuild.
		s.log.Infof("bufferstore: recreating custom %s buffer", t)
		ref.Queue.Abort()
		ref.Queue.Dispose()
		ref.Inventory.Reset()
		delete(s.entries, t)
	}

	raw, err := s.openRaw(t, codec)
	if err != nil {
		return nil, err
	}
	ref := &BufferRef{
		Queue:     sbq.New(t, raw, s.flushInterval, s.log),
		Inventory: inventory.New(s.log),
		Codec:     codec,
	}
	s.entries[t] = ref
	return ref, nil
}

func (s *Store) openRaw(t manifest.BufferType, codec string) (sbq.RawBuffer, error) {
	if t.Native() {
		raw, err := s.media.OpenBuffer(t, codec)
		if err != nil {
			return nil, errors.NewMediaError(errors.BufferAppendError, true,
				fmt.Errorf("could not open native %s buffer: %w", t, err))
		}
		return raw, nil
	}
	factory, ok := s.shims[t]
	if !ok {
		return nil, errors.NewMediaError(errors.BufferTypeUnknown, true,
			fmt.Errorf("no buffer implementation for type %q", t))
	}
	return factory(codec), nil
}

// Get returns the live queue for the type, if any.
func (s *Store) Get(t manifest.BufferType) (*BufferRef, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ref, ok := s.entries[t]
	return ref, ok
}

// Release disposes the queue for the type and resets its inventory.
func (s *Store) Release(t manifest.BufferType) {
	s.mu.Lock()
	ref, ok := s.entries[t]
	if ok {
		delete(s.entries, t)
	}
	s.mu.Unlock()

	if !ok {
		s.log.Warnf("bufferstore: release of %s buffer which has no live queue", t)
		return
	}
	ref.Queue.Dispose()
	ref.Inventory.Reset()
}

// DisposeAll releases every live queue.
func (s *Store) DisposeAll() {
	s.mu.Lock()
	entries := s.entries
	s.entries = make(map[manifest.BufferType]*BufferRef)
	s.mu.Unlock()

	for t, ref := range entries {
		s.log.Debugf("bufferstore: disposing %s buffer", t)
		ref.Queue.Dispose()
		ref.Inventory.Reset()
	}
}
