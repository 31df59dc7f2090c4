package services

import (
	"context"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"glb-processor/internal/metrics"
	"glb-processor/internal/models"
	"glb-processor/internal/storage"
)

// ErrUploadFailed wraps any failure to store a screenshot.
var ErrUploadFailed = errors.New("upload failed")

// Uploader stores one view screenshot and returns its public URL.
type Uploader interface {
	Upload(ctx context.Context, client, articleID string, view models.ViewSpec, localPath string) (string, error)
}

// StoreUploader uploads screenshots to an object store under
// {client}/{articleId}/{articleId}_view_{n}_{name}.jpg. It never retries.
type StoreUploader struct {
	store   storage.ObjectStore
	metrics *metrics.Metrics
	logger  zerolog.Logger
}

// NewStoreUploader creates an uploader over store. m may be nil.
func NewStoreUploader(store storage.ObjectStore, m *metrics.Metrics, logger zerolog.Logger) *StoreUploader {
	return &StoreUploader{store: store, metrics: m, logger: logger}
}

func (u *StoreUploader) Upload(ctx context.Context, client, articleID string, view models.ViewSpec, localPath string) (string, error) {
	key := view.ObjectKey(client, articleID)

	f, err := os.Open(localPath)
	if err != nil {
		return "", errors.Wrapf(ErrUploadFailed, "open %s: %v", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return "", errors.Wrapf(ErrUploadFailed, "stat %s: %v", localPath, err)
	}

	start := time.Now()
	url, err := u.store.Put(ctx, key, f, info.Size(), "image/jpeg")
	u.metrics.RecordUpload(time.Since(start))
	if err != nil {
		return "", errors.Wrapf(ErrUploadFailed, "asset %s view %s: %v", articleID, view.Name, err)
	}

	u.logger.Debug().
		Str("article_id", articleID).
		Str("view", view.Name).
		Str("key", key).
		Int64("bytes", info.Size()).
		Msg("screenshot uploaded")
	return url, nil
}
