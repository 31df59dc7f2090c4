package services

import (
	"bytes"
	"context"

	"github.com/rs/zerolog"

	"glb-processor/internal/metrics"
	"glb-processor/internal/services/caches"
)

// BinaryCache stores downloaded binaries by source URL.
type BinaryCache interface {
	Get(url string) ([]byte, bool)
	Store(url string, data []byte) error
	Delete(url string)
	GetStats() caches.Stats
}

// CachedFetcher serves binaries from a local cache before downloading.
type CachedFetcher struct {
	next    BinaryFetcher
	cache   BinaryCache
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewCachedFetcher wraps next with cache. m may be nil.
func NewCachedFetcher(next BinaryFetcher, cache BinaryCache, m *metrics.Metrics, logger zerolog.Logger) *CachedFetcher {
	return &CachedFetcher{next: next, cache: cache, metrics: m, logger: logger}
}

func (f *CachedFetcher) Fetch(ctx context.Context, articleID, url string) ([]byte, error) {
	if data, ok := f.cache.Get(url); ok {
		if len(data) > 0 && bytes.HasPrefix(data, glbMagic) {
			f.metrics.RecordCacheLookup(true)
			f.logger.Debug().Str("article_id", articleID).Str("url", url).Msg("binary served from cache")
			return data, nil
		}
		f.cache.Delete(url)
	}
	f.metrics.RecordCacheLookup(false)

	data, err := f.next.Fetch(ctx, articleID, url)
	if err != nil {
		return nil, err
	}
	if err := f.cache.Store(url, data); err != nil {
		f.logger.Warn().Err(err).Str("article_id", articleID).Msg("failed to cache binary")
	}
	f.metrics.SetCacheSize(f.cache.GetStats().SizeBytes)
	return data, nil
}
