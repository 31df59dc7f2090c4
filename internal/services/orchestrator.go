package services

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"glb-processor/internal/archive"
	"glb-processor/internal/metrics"
	"glb-processor/internal/models"
	"glb-processor/internal/repository"
)

// Pipeline stages recorded in each result's timings.
const (
	stageDownload = "download"
	stageRender   = "render"
	stageBundle   = "bundle"
	stageUpload   = "upload"
	stagePersist  = "persist"
)

// BinaryFetcher downloads an asset's GLB.
type BinaryFetcher interface {
	Fetch(ctx context.Context, articleID, url string) ([]byte, error)
}

// AssetHost serves files below the output directory.
type AssetHost interface {
	Acquire() (string, error)
	URL(rel string) string
}

// Renderer captures the views of a served model into a directory.
type Renderer interface {
	RenderViews(ctx context.Context, articleID, assetURL, outDir string) (RenderReport, error)
}

// ResultSink receives each result as soon as its asset finishes.
type ResultSink interface {
	Append(r models.ProcessingResult) error
}

// Options select and shape a batch run.
type Options struct {
	// ProcessAll ignores the new-upload flag.
	ProcessAll bool
	// BlankOnly keeps only assets with no preview images.
	BlankOnly bool
	// DryRun skips uploads and database writes and keeps local files.
	DryRun bool
	// Overwrite reprocesses assets that already have screenshots.
	Overwrite bool
	// Concurrency is the number of assets processed at once; below 1 means 1.
	Concurrency int
	// Bundle zips each asset's screenshots into the output directory.
	Bundle bool
}

// OrchestratorDeps are the collaborators of an Orchestrator.
type OrchestratorDeps struct {
	Repo      repository.AssetRepository
	Fetcher   BinaryFetcher
	Server    AssetHost
	Renderer  Renderer
	Uploader  Uploader
	Results   ResultSink
	Metrics   *metrics.Metrics
	OutputDir string
	Logger    zerolog.Logger
}

// Orchestrator runs the download, render and upload pipeline over a client's
// assets. It is the only place deciding whether an error ends one asset or
// the whole run.
type Orchestrator struct {
	repo      repository.AssetRepository
	fetcher   BinaryFetcher
	server    AssetHost
	renderer  Renderer
	uploader  Uploader
	results   ResultSink
	metrics   *metrics.Metrics
	outputDir string
	logger    zerolog.Logger

	newRunID func() string
	now      func() time.Time
}

func NewOrchestrator(deps OrchestratorDeps) *Orchestrator {
	return &Orchestrator{
		repo:      deps.Repo,
		fetcher:   deps.Fetcher,
		server:    deps.Server,
		renderer:  deps.Renderer,
		uploader:  deps.Uploader,
		results:   deps.Results,
		metrics:   deps.Metrics,
		outputDir: deps.OutputDir,
		logger:    deps.Logger,
		newRunID:  uuid.NewString,
		now:       time.Now,
	}
}

// Run processes every selected asset of client in query order. It returns an
// error only for batch-fatal conditions: the asset query failing, no free
// port for the asset server, or ctx being cancelled. The summary covers the
// assets finished before that point.
func (o *Orchestrator) Run(ctx context.Context, client string, opts Options) (*metrics.Summary, error) {
	runID := o.newRunID()
	summary := metrics.NewSummary(runID, client)
	log := o.logger.With().Str("run_id", runID).Str("client", client).Logger()

	assets, err := o.repo.ListByClient(ctx, client, repository.AssetFilter{
		ProcessAll: opts.ProcessAll,
		BlankOnly:  opts.BlankOnly,
	})
	if err != nil {
		return summary, errors.Wrapf(err, "enumerate assets for client %s", client)
	}

	limit := opts.Concurrency
	if limit < 1 {
		limit = 1
	}
	log.Info().
		Int("assets", len(assets)).
		Bool("dry_run", opts.DryRun).
		Bool("overwrite", opts.Overwrite).
		Int("concurrency", limit).
		Msg("batch started")

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for _, asset := range assets {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if gctx.Err() != nil {
				return nil
			}
			res, fatal := o.processAsset(gctx, runID, client, asset, opts)
			o.record(summary, res)
			return fatal
		})
	}

	err = g.Wait()
	if err == nil {
		err = ctx.Err()
	}
	log.Info().
		Int("completed", summary.Count(models.StatusCompleted)).
		Int("skipped", summary.Count(models.StatusSkipped)).
		Int("failed", summary.Count(models.StatusFailed)).
		Int("error", summary.Count(models.StatusError)).
		Msg("batch finished")
	if err != nil {
		return summary, errors.Wrap(err, "batch aborted")
	}
	return summary, nil
}

func (o *Orchestrator) record(summary *metrics.Summary, res models.ProcessingResult) {
	summary.Add(res)
	o.metrics.RecordAsset(res.Status)
	if o.results == nil {
		return
	}
	if err := o.results.Append(res); err != nil {
		o.logger.Error().Err(err).Str("article_id", res.ArticleID).Msg("failed to append result")
	}
}

// processAsset runs one asset and always returns its result. The second value
// is non-nil only when the whole run must stop.
func (o *Orchestrator) processAsset(ctx context.Context, runID, client string, asset models.Asset, opts Options) (res models.ProcessingResult, fatal error) {
	log := o.logger.With().Str("article_id", asset.ArticleID).Logger()
	timer := metrics.NewStageTimer()
	res = models.ProcessingResult{
		RunID:           runID,
		ArticleID:       asset.ArticleID,
		Client:          client,
		GLBLink:         asset.GLBLink,
		ScreenshotPaths: []string{},
		ImageURLs:       []string{},
	}
	assetDir := filepath.Join(o.outputDir, assetDirName(asset.ArticleID))

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("asset pipeline panicked")
			res.Status = models.StatusFailed
			res.Notes = fmt.Sprintf("panic: %v", p)
			fatal = nil
			if !opts.DryRun {
				o.cleanup(assetDir, log)
			}
		}
		res.TimingsMs = timer.Finalize()
		res.ProcessedAt = o.now().UTC()
		log.Info().Str("status", res.Status).Int("images", res.ImagesCaptured).Msg("asset finished")
	}()

	if !opts.Overwrite {
		if hasImages(assetDir) {
			res.Status = models.StatusSkipped
			res.Notes = "output directory already contains images"
			return res, nil
		}
		if asset.HasPreviewImages() {
			res.Status = models.StatusSkipped
			res.Notes = "preview images already recorded"
			return res, nil
		}
	}

	err := o.runPipeline(ctx, client, asset, assetDir, opts, timer, &res)
	if !opts.DryRun {
		o.cleanup(assetDir, log)
	}
	if err == nil {
		res.Status = models.StatusCompleted
		return res, nil
	}

	res.Status = models.StatusFailed
	if opts.DryRun {
		res.Status = models.StatusError
	}
	res.Notes = err.Error()
	log.Error().Err(err).Msg("asset failed")

	switch {
	case errors.Is(err, ErrNoFreePort):
		return res, err
	case ctx.Err() != nil:
		return res, ctx.Err()
	}
	return res, nil
}

func (o *Orchestrator) runPipeline(ctx context.Context, client string, asset models.Asset, assetDir string, opts Options, timer *metrics.StageTimer, res *models.ProcessingResult) error {
	id := asset.ArticleID
	if err := os.MkdirAll(assetDir, 0o755); err != nil {
		return errors.Wrapf(err, "create directory for asset %s", id)
	}

	timer.Start(stageDownload)
	data, err := o.fetcher.Fetch(ctx, id, asset.GLBLink)
	o.metrics.RecordDownload(timer.End(stageDownload))
	if err != nil {
		return err
	}
	glbName := filepath.Base(assetDir) + ".glb"
	if err := os.WriteFile(filepath.Join(assetDir, glbName), data, 0o644); err != nil {
		return errors.Wrapf(err, "write binary for asset %s", id)
	}

	if _, err := o.server.Acquire(); err != nil {
		return err
	}
	assetURL := o.server.URL(filepath.Base(assetDir) + "/" + glbName)

	timer.Start(stageRender)
	report, err := o.renderer.RenderViews(ctx, id, assetURL, assetDir)
	timer.End(stageRender)
	if paths := report.Paths(); paths != nil {
		res.ScreenshotPaths = paths
	}
	res.ImagesCaptured = len(res.ScreenshotPaths)
	res.UnconfirmedViews = report.Unconfirmed()
	if err != nil {
		return err
	}

	if opts.Bundle {
		timer.Start(stageBundle)
		dest := filepath.Join(o.outputDir, filepath.Base(assetDir)+"_views.zip")
		err := archive.BundleScreenshots(ctx, res.ScreenshotPaths, dest)
		timer.End(stageBundle)
		if err != nil {
			return errors.Wrapf(err, "bundle screenshots for asset %s", id)
		}
	}

	if opts.DryRun {
		return nil
	}

	timer.Start(stageUpload)
	for _, capture := range report.Succeeded() {
		url, err := o.uploader.Upload(ctx, client, id, capture.View, capture.Path)
		if err != nil {
			timer.End(stageUpload)
			return err
		}
		res.ImageURLs = append(res.ImageURLs, url)
	}
	timer.End(stageUpload)

	timer.Start(stagePersist)
	err = o.repo.UpdatePreviewImages(ctx, id, res.ImageURLs)
	timer.End(stagePersist)
	if err != nil {
		return errors.Wrapf(err, "record preview images for asset %s", id)
	}
	return nil
}

func (o *Orchestrator) cleanup(dir string, log zerolog.Logger) {
	if err := os.RemoveAll(dir); err != nil {
		log.Warn().Err(err).Str("dir", dir).Msg("failed to remove asset directory")
		return
	}
	log.Debug().Str("dir", dir).Msg("asset directory removed")
}

// hasImages reports whether dir holds at least one image file.
func hasImages(dir string) bool {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".jpg", ".jpeg", ".png", ".webp":
			return true
		}
	}
	return false
}

// assetDirName maps an article id to a single safe path segment.
func assetDirName(articleID string) string {
	name := strings.NewReplacer("/", "_", "\\", "_").Replace(strings.TrimSpace(articleID))
	if name == "" || name == "." || name == ".." {
		return "_"
	}
	return name
}
