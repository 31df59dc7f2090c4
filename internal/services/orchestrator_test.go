package services

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"glb-processor/internal/archive"
	"glb-processor/internal/metrics"
	"glb-processor/internal/models"
	"glb-processor/internal/repository"
)

type fakeRepo struct {
	mu         sync.Mutex
	assets     []models.Asset
	listErr    error
	lastFilter repository.AssetFilter
	updates    map[string][]string
}

func (r *fakeRepo) ListByClient(ctx context.Context, client string, filter repository.AssetFilter) ([]models.Asset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastFilter = filter
	if r.listErr != nil {
		return nil, r.listErr
	}
	out := make([]models.Asset, len(r.assets))
	copy(out, r.assets)
	return out, nil
}

func (r *fakeRepo) UpdatePreviewImages(ctx context.Context, articleID string, urls []string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updates == nil {
		r.updates = make(map[string][]string)
	}
	r.updates[articleID] = urls
	for i := range r.assets {
		if r.assets[i].ArticleID == articleID {
			r.assets[i].PreviewImages = urls
		}
	}
	return nil
}

func (r *fakeRepo) updateCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.updates)
}

type fakeFetcher struct {
	mu       sync.Mutex
	calls    []string
	failFor  map[string]bool
	panicFor string
}

func (f *fakeFetcher) Fetch(ctx context.Context, articleID, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls = append(f.calls, url)
	f.mu.Unlock()
	if articleID == f.panicFor {
		panic("boom")
	}
	if f.failFor[articleID] {
		return nil, errors.Wrapf(ErrDownloadFailed, "asset %s from %s after 3 attempts", articleID, url)
	}
	return []byte("glTF\x02\x00\x00\x00model"), nil
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeHost struct {
	err error
}

func (h *fakeHost) Acquire() (string, error) {
	if h.err != nil {
		return "", h.err
	}
	return "http://127.0.0.1:9000", nil
}

func (h *fakeHost) URL(rel string) string {
	return "http://127.0.0.1:9000/" + rel
}

type fakeUploader struct {
	mu     sync.Mutex
	keys   []string
	failAt int
}

func (u *fakeUploader) Upload(ctx context.Context, client, articleID string, view models.ViewSpec, localPath string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if _, err := os.Stat(localPath); err != nil {
		return "", errors.Wrap(ErrUploadFailed, "missing local file")
	}
	key := view.ObjectKey(client, articleID)
	u.keys = append(u.keys, key)
	if u.failAt > 0 && len(u.keys) == u.failAt {
		return "", errors.Wrapf(ErrUploadFailed, "asset %s view %s: status 500", articleID, view.Name)
	}
	return "https://cdn.example.com/" + key, nil
}

func (u *fakeUploader) count() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.keys)
}

type harness struct {
	repo     *fakeRepo
	fetcher  *fakeFetcher
	host     *fakeHost
	uploader *fakeUploader
	outDir   string
	results  *ResultsLog
	orch     *Orchestrator

	captures atomic.Int32
	// failView makes a capture fail when it returns true.
	failView func(articleID string, view models.ViewSpec) bool
}

func newHarness(t *testing.T, assets ...models.Asset) *harness {
	t.Helper()
	h := &harness{
		repo:     &fakeRepo{assets: assets},
		fetcher:  &fakeFetcher{failFor: map[string]bool{}},
		host:     &fakeHost{},
		uploader: &fakeUploader{},
		outDir:   t.TempDir(),
	}
	var err error
	h.results, err = NewResultsLog(filepath.Join(h.outDir, "results.jsonl"))
	require.NoError(t, err)

	renderer := stubRenderer(nil, func(ctx context.Context, assetURL string, view models.ViewSpec) ([]byte, bool, error) {
		h.captures.Add(1)
		articleID := strings.TrimSuffix(filepath.Base(assetURL), ".glb")
		if h.failView != nil && h.failView(articleID, view) {
			return nil, false, errors.New("selector timeout")
		}
		return []byte("jpeg"), true, nil
	})

	h.orch = NewOrchestrator(OrchestratorDeps{
		Repo:      h.repo,
		Fetcher:   h.fetcher,
		Server:    h.host,
		Renderer:  renderer,
		Uploader:  h.uploader,
		Results:   h.results,
		Metrics:   metrics.NewMetrics(),
		OutputDir: h.outDir,
		Logger:    zerolog.Nop(),
	})
	h.orch.newRunID = func() string { return "run-1" }
	return h
}

func (h *harness) readResults(t *testing.T) []models.ProcessingResult {
	t.Helper()
	results, err := ReadResults(h.results.Path())
	require.NoError(t, err)
	return results
}

func sku(id string) models.Asset {
	return models.Asset{ArticleID: id, GLBLink: "https://x/" + strings.ToLower(id) + ".glb", NewUpload: true}
}

func TestRunEndToEndSingleAsset(t *testing.T) {
	h := newHarness(t, sku("SKU1"))

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"https://x/sku1.glb"}, h.fetcher.calls)
	assert.Equal(t, int32(8), h.captures.Load())

	require.Len(t, h.uploader.keys, 8)
	for i, view := range models.Views {
		assert.Equal(t, "acme/SKU1/SKU1_view_"+view.FileName()[len("view_"):], h.uploader.keys[i])
	}
	assert.Equal(t, "acme/SKU1/SKU1_view_0_front.jpg", h.uploader.keys[0])

	urls := h.repo.updates["SKU1"]
	require.Len(t, urls, 8)
	assert.Equal(t, "https://cdn.example.com/acme/SKU1/SKU1_view_7_isometric_front_left.jpg", urls[7])

	_, err = os.Stat(filepath.Join(h.outDir, "SKU1"))
	assert.True(t, os.IsNotExist(err), "asset directory should be removed")

	results := h.readResults(t)
	require.Len(t, results, 1)
	r := results[0]
	assert.Equal(t, models.StatusCompleted, r.Status)
	assert.Equal(t, "run-1", r.RunID)
	assert.Equal(t, "SKU1", r.ArticleID)
	assert.Equal(t, 8, r.ImagesCaptured)
	assert.Equal(t, urls, r.ImageURLs)
	assert.Contains(t, r.TimingsMs, "download")
	assert.Contains(t, r.TimingsMs, "total")

	assert.Equal(t, 1, summary.Count(models.StatusCompleted))
	assert.Equal(t, 8, summary.Uploaded)
}

func TestRunSkipsExistingOutput(t *testing.T) {
	h := newHarness(t, sku("SKU1"))
	dir := filepath.Join(h.outDir, "SKU1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "view_0_front.jpg"), []byte("old"), 0o644))

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	assert.Zero(t, h.fetcher.callCount())
	assert.Zero(t, h.uploader.count())
	assert.Zero(t, h.captures.Load())
	assert.Equal(t, 1, summary.Count(models.StatusSkipped))
	assert.FileExists(t, filepath.Join(dir, "view_0_front.jpg"))
}

func TestRunSkipsRecordedPreviewImages(t *testing.T) {
	asset := sku("SKU1")
	asset.PreviewImages = []string{"https://cdn.example.com/a.jpg"}
	h := newHarness(t, asset)

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	assert.Zero(t, h.fetcher.callCount())
	assert.Equal(t, 1, summary.Count(models.StatusSkipped))
	assert.Equal(t, "preview images already recorded", h.readResults(t)[0].Notes)
}

func TestRunOverwriteReprocesses(t *testing.T) {
	asset := sku("SKU1")
	asset.PreviewImages = []string{"https://cdn.example.com/a.jpg"}
	h := newHarness(t, asset)
	dir := filepath.Join(h.outDir, "SKU1")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "view_0_front.jpg"), []byte("old"), 0o644))

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true, Overwrite: true})
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, 8, h.uploader.count())
	assert.Equal(t, 1, summary.Count(models.StatusCompleted))
	assert.Len(t, h.repo.updates["SKU1"], 8)
}

func TestRunDryRun(t *testing.T) {
	h := newHarness(t, sku("SKU1"), sku("SKU2"))
	h.fetcher.failFor["SKU2"] = true

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true, DryRun: true})
	require.NoError(t, err)

	assert.Zero(t, h.uploader.count())
	assert.Zero(t, h.repo.updateCount())
	assert.FileExists(t, filepath.Join(h.outDir, "SKU1", "view_0_front.jpg"))
	assert.FileExists(t, filepath.Join(h.outDir, "SKU1", "SKU1.glb"))

	results := h.readResults(t)
	require.Len(t, results, 2)
	assert.Equal(t, models.StatusCompleted, results[0].Status)
	assert.Equal(t, 8, results[0].ImagesCaptured)
	assert.Empty(t, results[0].ImageURLs)
	assert.Equal(t, models.StatusError, results[1].Status)
	assert.Contains(t, results[1].Notes, "SKU2")
	assert.Equal(t, 1, summary.Count(models.StatusError))
}

func TestRunZeroViewsFailsAsset(t *testing.T) {
	h := newHarness(t, sku("SKU1"))
	h.failView = func(string, models.ViewSpec) bool { return true }

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	assert.Equal(t, int32(8), h.captures.Load())
	assert.Zero(t, h.uploader.count())
	assert.Zero(t, h.repo.updateCount())

	r := h.readResults(t)[0]
	assert.Equal(t, models.StatusFailed, r.Status)
	assert.Empty(t, r.ImageURLs)
	assert.Contains(t, r.Notes, ErrNoViewsCaptured.Error())
	assert.Equal(t, 1, summary.Count(models.StatusFailed))
}

func TestRunUploadsOnlySucceededViews(t *testing.T) {
	h := newHarness(t, sku("SKU1"))
	h.failView = func(_ string, v models.ViewSpec) bool { return v.Name == "bottom" }

	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	urls := h.repo.updates["SKU1"]
	require.Len(t, urls, 7)
	assert.True(t, strings.HasSuffix(urls[4], "SKU1_view_4_top.jpg"))
	assert.True(t, strings.HasSuffix(urls[5], "SKU1_view_6_isometric_front_right.jpg"))

	r := h.readResults(t)[0]
	assert.Equal(t, 7, r.ImagesCaptured)
	assert.Len(t, r.ImageURLs, 7)
}

func TestRunUploadFailureAbortsAssetOnly(t *testing.T) {
	h := newHarness(t, sku("SKU1"), sku("SKU2"))
	h.uploader.failAt = 3

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	// 3 attempts for SKU1 then all 8 for SKU2.
	assert.Equal(t, 11, h.uploader.count())
	_, updated := h.repo.updates["SKU1"]
	assert.False(t, updated)
	assert.Len(t, h.repo.updates["SKU2"], 8)

	results := h.readResults(t)
	require.Len(t, results, 2)
	assert.Equal(t, models.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Notes, ErrUploadFailed.Error())
	assert.Equal(t, models.StatusCompleted, results[1].Status)
	assert.Equal(t, 1, summary.Count(models.StatusFailed))

	_, err = os.Stat(filepath.Join(h.outDir, "SKU1"))
	assert.True(t, os.IsNotExist(err))
}

func TestRunListFailureAborts(t *testing.T) {
	h := newHarness(t)
	h.repo.listErr = errors.New("connection refused")

	_, err := h.orch.Run(context.Background(), "acme", Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "acme")
	assert.Zero(t, h.fetcher.callCount())
}

func TestRunPassesSelectionFilter(t *testing.T) {
	h := newHarness(t)
	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: false, BlankOnly: true})
	require.NoError(t, err)
	assert.Equal(t, repository.AssetFilter{ProcessAll: false, BlankOnly: true}, h.repo.lastFilter)
}

func TestRunNoFreePortIsFatal(t *testing.T) {
	h := newHarness(t, sku("SKU1"), sku("SKU2"))
	h.host.err = errors.Wrap(ErrNoFreePort, "range 9000-9099")

	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNoFreePort))
	assert.Equal(t, 1, h.fetcher.callCount())

	results := h.readResults(t)
	require.Len(t, results, 1)
	assert.Equal(t, models.StatusFailed, results[0].Status)
}

func TestRunRecoversPanic(t *testing.T) {
	h := newHarness(t, sku("SKU1"), sku("SKU2"))
	h.fetcher.panicFor = "SKU1"

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	results := h.readResults(t)
	require.Len(t, results, 2)
	assert.Equal(t, models.StatusFailed, results[0].Status)
	assert.Contains(t, results[0].Notes, "boom")
	assert.Equal(t, models.StatusCompleted, results[1].Status)
	assert.Equal(t, 1, summary.Count(models.StatusCompleted))
}

func TestRunIsIdempotent(t *testing.T) {
	h := newHarness(t, sku("SKU1"), sku("SKU2"))

	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)
	first := h.uploader.count()
	assert.Equal(t, 16, first)

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)
	assert.Equal(t, first, h.uploader.count())
	assert.Equal(t, 2, summary.Count(models.StatusSkipped))
}

func TestRunDryRunIsIdempotent(t *testing.T) {
	h := newHarness(t, sku("SKU1"))

	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true, DryRun: true})
	require.NoError(t, err)
	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true, DryRun: true})
	require.NoError(t, err)

	assert.Equal(t, 1, h.fetcher.callCount())
	assert.Equal(t, 1, summary.Count(models.StatusSkipped))
}

func TestRunPreservesQueryOrder(t *testing.T) {
	h := newHarness(t, sku("B"), sku("A"), sku("C"))

	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true})
	require.NoError(t, err)

	var ids []string
	for _, r := range h.readResults(t) {
		ids = append(ids, r.ArticleID)
	}
	assert.Equal(t, []string{"B", "A", "C"}, ids)
}

func TestRunConcurrentWorkers(t *testing.T) {
	h := newHarness(t, sku("SKU1"), sku("SKU2"), sku("SKU3"), sku("SKU4"))

	summary, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true, Concurrency: 3})
	require.NoError(t, err)

	assert.Equal(t, 4, summary.Count(models.StatusCompleted))
	assert.Equal(t, 32, h.uploader.count())
	assert.Len(t, h.readResults(t), 4)
	for _, id := range []string{"SKU1", "SKU2", "SKU3", "SKU4"} {
		assert.Len(t, h.repo.updates[id], 8, id)
	}
}

func TestRunBundlesScreenshots(t *testing.T) {
	h := newHarness(t, sku("SKU1"))

	_, err := h.orch.Run(context.Background(), "acme", Options{ProcessAll: true, Bundle: true})
	require.NoError(t, err)

	names, err := archive.ListBundle(context.Background(), filepath.Join(h.outDir, "SKU1_views.zip"))
	require.NoError(t, err)
	assert.Len(t, names, 8)
	assert.Contains(t, names, "view_0_front.jpg")
}

func TestRunCancelledContext(t *testing.T) {
	h := newHarness(t, sku("SKU1"))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := h.orch.Run(ctx, "acme", Options{ProcessAll: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestAssetDirName(t *testing.T) {
	assert.Equal(t, "SKU1", assetDirName("SKU1"))
	assert.Equal(t, "a_b", assetDirName("a/b"))
	assert.Equal(t, "_", assetDirName(".."))
	assert.Equal(t, "_", assetDirName(" "))
}
