package bufferstore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"buffercore/internal/logger"
	"buffercore/internal/manifest"
	"buffercore/internal/sbq"
)

// fakeMediaSource opens manual buffers in place of native decoder ones
// and counts how many were opened.
type fakeMediaSource struct {
	opened int
}

func (f *fakeMediaSource) OpenBuffer(t manifest.BufferType, codec string) (sbq.RawBuffer, error) {
	f.opened++
	return sbq.NewManualBuffer(codec), nil
}

func newTestStore(media *fakeMediaSource) *Store {
	shims := map[manifest.BufferType]ShimFactory{
		manifest.TypeText: func(codec string) sbq.RawBuffer { return sbq.NewManualBuffer(codec) },
	}
	return New(media, shims, 20*time.Millisecond, logger.Nop{})
}

func TestNativeBufferIsReused(t *testing.T) {
	media := &fakeMediaSource{}
	store := newTestStore(media)
	defer store.DisposeAll()

	ref1, err := store.CreateQueue(manifest.TypeVideo, `video/mp4;codecs="avc1.42E01E"`)
	require.NoError(t, err)
	ref2, err := store.CreateQueue(manifest.TypeVideo, `video/mp4;codecs="hvc1.1.6.L93.B0"`)
	require.NoError(t, err)

	assert.Same(t, ref1.Queue, ref2.Queue, "native queue survives a codec change")
	assert.Same(t, ref1.Inventory, ref2.Inventory)
	assert.Equal(t, 1, media.opened)
	assert.Equal(t, `video/mp4;codecs="hvc1.1.6.L93.B0"`, ref2.Codec)
}

func TestCustomBufferIsRecreated(t *testing.T) {
	media := &fakeMediaSource{}
	store := newTestStore(media)
	defer store.DisposeAll()

	ref1, err := store.CreateQueue(manifest.TypeText, "text/vtt")
	require.NoError(t, err)
	ref2, err := store.CreateQueue(manifest.TypeText, "text/ttml")
	require.NoError(t, err)

	assert.NotSame(t, ref1.Queue, ref2.Queue)
	_, err = ref1.Queue.RemoveBuffer(0, 1)
	assert.Error(t, err, "the previous queue is disposed")
}

func TestUnknownTypeIsFatal(t *testing.T) {
	store := New(&fakeMediaSource{}, nil, 20*time.Millisecond, logger.Nop{})
	defer store.DisposeAll()

	_, err := store.CreateQueue(manifest.TypeImage, "image/jpeg")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUFFER_TYPE_UNKNOWN")
}

func TestReleaseResetsInventory(t *testing.T) {
	media := &fakeMediaSource{}
	store := newTestStore(media)

	ref, err := store.CreateQueue(manifest.TypeAudio, "audio/mp4")
	require.NoError(t, err)

	store.Release(manifest.TypeAudio)
	assert.Empty(t, ref.Inventory.Entries())

	_, ok := store.Get(manifest.TypeAudio)
	assert.False(t, ok)

	// Releasing again only warns.
	store.Release(manifest.TypeAudio)
}

func TestEnabledTypes(t *testing.T) {
	store := newTestStore(&fakeMediaSource{})
	defer store.DisposeAll()

	types := store.EnabledTypes()
	assert.Contains(t, types, manifest.TypeAudio)
	assert.Contains(t, types, manifest.TypeVideo)
	assert.Contains(t, types, manifest.TypeText)
	assert.NotContains(t, types, manifest.TypeImage)
}
