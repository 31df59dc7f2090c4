package services

import (
	"context"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glb-processor/internal/services/caches"
)

func TestCachedFetcherDownloadsOnce(t *testing.T) {
	cache, err := caches.NewFileSystemCache(t.TempDir(), 1<<20, 0, zerolog.Nop())
	require.NoError(t, err)
	next := &fakeFetcher{failFor: map[string]bool{}}
	f := NewCachedFetcher(next, cache, nil, zerolog.Nop())

	for i := 0; i < 2; i++ {
		data, err := f.Fetch(context.Background(), "SKU1", "https://x/sku1.glb")
		require.NoError(t, err)
		assert.Equal(t, "glTF", string(data[:4]))
	}
	assert.Equal(t, 1, next.callCount())
	assert.Equal(t, int64(1), cache.GetStats().Hits)
}

func TestCachedFetcherDoesNotCacheFailures(t *testing.T) {
	cache, err := caches.NewFileSystemCache(t.TempDir(), 1<<20, 0, zerolog.Nop())
	require.NoError(t, err)
	next := &fakeFetcher{failFor: map[string]bool{"SKU1": true}}
	f := NewCachedFetcher(next, cache, nil, zerolog.Nop())

	_, err = f.Fetch(context.Background(), "SKU1", "https://x/sku1.glb")
	assert.True(t, errors.Is(err, ErrDownloadFailed))
	assert.Zero(t, cache.GetStats().Objects)
}

func TestCachedFetcherDropsCorruptEntries(t *testing.T) {
	cache, err := caches.NewFileSystemCache(t.TempDir(), 1<<20, 0, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, cache.Store("https://x/sku1.glb", []byte("<html>")))
	next := &fakeFetcher{failFor: map[string]bool{}}
	f := NewCachedFetcher(next, cache, nil, zerolog.Nop())

	data, err := f.Fetch(context.Background(), "SKU1", "https://x/sku1.glb")
	require.NoError(t, err)
	assert.Equal(t, "glTF", string(data[:4]))
	assert.Equal(t, 1, next.callCount())
}
