package caches

import (
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Stats describes the cache contents and its hit rate since start.
type Stats struct {
	Objects   int     `json:"objects"`
	SizeBytes int64   `json:"sizeBytes"`
	Hits      int64   `json:"hits"`
	Misses    int64   `json:"misses"`
	HitRate   float64 `json:"hitRate"`
}

// FileSystemCache keeps downloaded GLB binaries on disk, keyed by source URL.
// The least recently used file is evicted when the size limit is reached.
type FileSystemCache struct {
	basePath    string
	maxSize     int64
	currentSize int64
	ttl         time.Duration
	mu          sync.Mutex
	logger      zerolog.Logger

	// Statistics
	hits   atomic.Int64
	misses atomic.Int64
}

// NewFileSystemCache opens the cache at basePath, dropping expired entries.
// A ttl of zero never expires entries.
func NewFileSystemCache(basePath string, maxSizeBytes int64, ttl time.Duration, logger zerolog.Logger) (*FileSystemCache, error) {
	if err := os.MkdirAll(basePath, 0o755); err != nil {
		return nil, errors.Wrap(err, "create cache directory")
	}

	fsc := &FileSystemCache{
		basePath: basePath,
		maxSize:  maxSizeBytes,
		ttl:      ttl,
		logger:   logger,
	}
	fsc.removeExpired()
	fsc.calculateCurrentSize()
	return fsc, nil
}

// Key is the stable identifier of a source URL.
func Key(url string) uuid.UUID {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(url))
}

// Get returns the cached binary for url.
func (fsc *FileSystemCache) Get(url string) ([]byte, bool) {
	filePath := fsc.getFilePath(url)

	stat, err := os.Stat(filePath)
	if err != nil {
		fsc.misses.Add(1)
		return nil, false
	}
	if fsc.expired(stat) {
		fsc.mu.Lock()
		fsc.remove(filePath)
		fsc.mu.Unlock()
		fsc.misses.Add(1)
		return nil, false
	}

	data, err := os.ReadFile(filePath)
	if err != nil {
		fsc.misses.Add(1)
		return nil, false
	}

	// Update access time
	now := time.Now()
	_ = os.Chtimes(filePath, now, now)

	fsc.hits.Add(1)
	return data, true
}

// Store saves data for url, evicting old entries to make room.
func (fsc *FileSystemCache) Store(url string, data []byte) error {
	fsc.mu.Lock()
	defer fsc.mu.Unlock()

	size := int64(len(data))
	if size > fsc.maxSize {
		return errors.Errorf("object of %d bytes exceeds cache size %d", size, fsc.maxSize)
	}

	filePath := fsc.getFilePath(url)
	fsc.remove(filePath)

	// Make space if needed
	for atomic.LoadInt64(&fsc.currentSize)+size > fsc.maxSize {
		if !fsc.evictOldestFile() {
			return errors.Errorf("unable to free space for file of size %d", size)
		}
	}

	tmp := filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "failed to write cache file")
	}
	if err := os.Rename(tmp, filePath); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "failed to write cache file")
	}

	atomic.AddInt64(&fsc.currentSize, size)
	fsc.logger.Debug().Str("url", url).Int64("bytes", size).Msg("cached binary")
	return nil
}

// Delete removes the entry for url if present.
func (fsc *FileSystemCache) Delete(url string) {
	fsc.mu.Lock()
	defer fsc.mu.Unlock()
	fsc.remove(fsc.getFilePath(url))
}

func (fsc *FileSystemCache) GetStats() Stats {
	hits := fsc.hits.Load()
	misses := fsc.misses.Load()
	total := hits + misses

	var hitRate float64
	if total > 0 {
		hitRate = float64(hits) / float64(total) * 100
	}

	return Stats{
		Objects:   fsc.countFiles(),
		SizeBytes: atomic.LoadInt64(&fsc.currentSize),
		Hits:      hits,
		Misses:    misses,
		HitRate:   hitRate,
	}
}

func (fsc *FileSystemCache) getFilePath(url string) string {
	return filepath.Join(fsc.basePath, Key(url).String()+".glb")
}

func (fsc *FileSystemCache) expired(info os.FileInfo) bool {
	return fsc.ttl > 0 && time.Since(info.ModTime()) > fsc.ttl
}

// remove deletes one cache file. Must be called with fsc.mu held.
func (fsc *FileSystemCache) remove(filePath string) {
	stat, err := os.Stat(filePath)
	if err != nil {
		return
	}
	if os.Remove(filePath) == nil {
		atomic.AddInt64(&fsc.currentSize, -stat.Size())
	}
}

func (fsc *FileSystemCache) walkEntries(fn func(path string, info os.FileInfo)) {
	_ = filepath.Walk(fsc.basePath, func(path string, info os.FileInfo, err error) error {
		if err == nil && !info.IsDir() && filepath.Ext(path) == ".glb" {
			fn(path, info)
		}
		return nil
	})
}

func (fsc *FileSystemCache) calculateCurrentSize() {
	var totalSize int64
	fsc.walkEntries(func(_ string, info os.FileInfo) {
		totalSize += info.Size()
	})
	atomic.StoreInt64(&fsc.currentSize, totalSize)
}

func (fsc *FileSystemCache) countFiles() int {
	count := 0
	fsc.walkEntries(func(string, os.FileInfo) { count++ })
	return count
}

// evictOldestFile removes the least recently used entry. Must be called with
// fsc.mu held.
func (fsc *FileSystemCache) evictOldestFile() bool {
	var oldestPath string
	var oldestTime time.Time

	fsc.walkEntries(func(path string, info os.FileInfo) {
		if oldestPath == "" || info.ModTime().Before(oldestTime) {
			oldestPath = path
			oldestTime = info.ModTime()
		}
	})
	if oldestPath == "" {
		return false
	}
	fsc.remove(oldestPath)
	fsc.logger.Debug().Str("path", oldestPath).Msg("evicted cached binary")
	return true
}

func (fsc *FileSystemCache) removeExpired() {
	var expiredFiles []string
	fsc.walkEntries(func(path string, info os.FileInfo) {
		if fsc.expired(info) {
			expiredFiles = append(expiredFiles, path)
		}
	})
	for _, file := range expiredFiles {
		_ = os.Remove(file)
	}
	if len(expiredFiles) > 0 {
		fsc.logger.Info().Int("files", len(expiredFiles)).Msg("removed expired cached binaries")
	}
}
