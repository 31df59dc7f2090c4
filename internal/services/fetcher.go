package services

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// ErrDownloadFailed is returned once every download attempt has failed.
var ErrDownloadFailed = errors.New("download failed")

// glbMagic is the 4-byte header of a binary glTF container.
var glbMagic = []byte("glTF")

const (
	fetchAttempts   = 3
	fetchRetryDelay = 2 * time.Second
)

// Fetcher downloads GLB binaries into memory.
type Fetcher struct {
	client       *http.Client
	logger       zerolog.Logger
	buildBackoff func() backoff.BackOff
}

// NewFetcher creates a Fetcher with 3 attempts spaced 2 seconds apart.
func NewFetcher(client *http.Client, logger zerolog.Logger) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Minute}
	}
	return &Fetcher{
		client: client,
		logger: logger,
		buildBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(fetchRetryDelay), fetchAttempts-1)
		},
	}
}

// Fetch returns the full binary at url. It never returns a buffer unless the
// response was 2xx, non-empty and starts with the glTF magic.
func (f *Fetcher) Fetch(ctx context.Context, articleID, url string) ([]byte, error) {
	var (
		data    []byte
		attempt int
	)
	op := func() error {
		attempt++
		body, err := f.fetchOnce(ctx, url)
		if err != nil {
			f.logger.Warn().Err(err).
				Str("article_id", articleID).
				Str("url", url).
				Int("attempt", attempt).
				Msg("download attempt failed")
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}
		data = body
		return nil
	}

	b := backoff.WithContext(f.buildBackoff(), ctx)
	if err := backoff.Retry(op, b); err != nil {
		return nil, errors.Wrapf(ErrDownloadFailed, "asset %s from %s after %d attempts: %v", articleID, url, attempt, err)
	}
	f.logger.Info().
		Str("article_id", articleID).
		Int("bytes", len(data)).
		Int("attempt", attempt).
		Msg("download complete")
	return data, nil
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, backoff.Permanent(errors.Wrap(err, "failed to create request"))
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, errors.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}
	if len(body) == 0 {
		return nil, errors.New("empty body")
	}
	if !bytes.HasPrefix(body, glbMagic) {
		return nil, errors.New("missing glTF signature")
	}
	return body, nil
}
