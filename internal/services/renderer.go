package services

import (
	"context"
	"fmt"
	"html"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"glb-processor/internal/metrics"
	"glb-processor/internal/models"
)

// ErrNoViewsCaptured is returned when none of the eight views could be saved.
var ErrNoViewsCaptured = errors.New("no views captured")

// DefaultViewerScript is the model-viewer web component module.
const DefaultViewerScript = "https://ajax.googleapis.com/ajax/libs/model-viewer/3.5.0/model-viewer.min.js"

// readinessProbe reports "ready" once model-viewer has loaded the model and
// drawn it, "error:<reason>" when loading failed and "pending" otherwise.
const readinessProbe = `(() => {
  const root = document.documentElement;
  if (root.dataset.viewerStatus === 'error') {
    return 'error:' + (root.dataset.viewerError || 'load error');
  }
  const mv = document.querySelector('model-viewer');
  if (!mv) return 'pending';
  return (mv.loaded && mv.modelIsVisible) ? 'ready' : 'pending';
})()`

const readinessPollInterval = 250 * time.Millisecond

// RenderOptions controls page geometry and the timing of each capture.
type RenderOptions struct {
	Width        int
	Height       int
	JPEGQuality  int
	ViewerScript string
	// NavigationTimeout bounds document load and selector waits for one view.
	NavigationTimeout time.Duration
	// ModelReadyTimeout is how long to poll for a drawn model before
	// capturing anyway.
	ModelReadyTimeout time.Duration
	// SettleDelays run back to back after the model is ready.
	SettleDelays []time.Duration
}

// DefaultRenderOptions returns 1920x1080 JPEG captures at quality 90.
func DefaultRenderOptions() RenderOptions {
	return RenderOptions{
		Width:             1920,
		Height:            1080,
		JPEGQuality:       90,
		ViewerScript:      DefaultViewerScript,
		NavigationTimeout: 120 * time.Second,
		ModelReadyTimeout: 30 * time.Second,
		SettleDelays:      []time.Duration{3 * time.Second, 2 * time.Second},
	}
}

// ViewCapture is the outcome of one view.
type ViewCapture struct {
	View      models.ViewSpec
	Path      string
	Confirmed bool
	Err       error
}

// RenderReport lists every attempted view in capture order.
type RenderReport struct {
	Captures []ViewCapture
}

// Succeeded returns the saved captures in view order.
func (r RenderReport) Succeeded() []ViewCapture {
	var out []ViewCapture
	for _, c := range r.Captures {
		if c.Err == nil {
			out = append(out, c)
		}
	}
	return out
}

// Paths returns the local paths of the saved captures in view order.
func (r RenderReport) Paths() []string {
	var out []string
	for _, c := range r.Succeeded() {
		out = append(out, c.Path)
	}
	return out
}

// Unconfirmed names the saved views whose model never reported ready.
func (r RenderReport) Unconfirmed() []string {
	var out []string
	for _, c := range r.Succeeded() {
		if !c.Confirmed {
			out = append(out, c.View.Name)
		}
	}
	return out
}

// PageOpener hands out browser tabs.
type PageOpener interface {
	NewPage(ctx context.Context) (context.Context, context.CancelFunc, error)
}

type captureFunc func(ctx context.Context, assetURL string, view models.ViewSpec) (img []byte, confirmed bool, err error)

// ViewRenderer captures the fixed set of views of a served model.
type ViewRenderer struct {
	pages   PageOpener
	opts    RenderOptions
	metrics *metrics.Metrics
	logger  zerolog.Logger

	captureView captureFunc
}

// NewViewRenderer creates a renderer drawing tabs from pages. m may be nil.
func NewViewRenderer(pages PageOpener, opts RenderOptions, m *metrics.Metrics, logger zerolog.Logger) *ViewRenderer {
	defaults := DefaultRenderOptions()
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = defaults.Width, defaults.Height
	}
	if opts.JPEGQuality <= 0 || opts.JPEGQuality > 100 {
		opts.JPEGQuality = defaults.JPEGQuality
	}
	if opts.ViewerScript == "" {
		opts.ViewerScript = defaults.ViewerScript
	}
	if opts.NavigationTimeout <= 0 {
		opts.NavigationTimeout = defaults.NavigationTimeout
	}
	if opts.ModelReadyTimeout <= 0 {
		opts.ModelReadyTimeout = defaults.ModelReadyTimeout
	}
	if opts.SettleDelays == nil {
		opts.SettleDelays = defaults.SettleDelays
	}

	r := &ViewRenderer{
		pages:   pages,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
	r.captureView = r.chromeCapture
	return r
}

// RenderViews attempts all eight views of the model at assetURL and writes
// each capture into outDir. A failed view is logged and does not stop the
// others. It returns ErrNoViewsCaptured only when nothing was saved.
func (r *ViewRenderer) RenderViews(ctx context.Context, articleID, assetURL, outDir string) (RenderReport, error) {
	var report RenderReport
	for _, view := range models.Views {
		if err := ctx.Err(); err != nil {
			return report, errors.Wrapf(err, "render asset %s", articleID)
		}

		capture := ViewCapture{View: view}
		log := r.logger.With().
			Str("article_id", articleID).
			Str("view", view.Name).
			Int("index", view.Index).
			Logger()

		img, confirmed, err := r.captureView(ctx, assetURL, view)
		if err == nil {
			capture.Path = filepath.Join(outDir, view.FileName())
			err = os.WriteFile(capture.Path, img, 0o644)
			if err != nil {
				err = errors.Wrap(err, "write screenshot")
			}
		}
		if err != nil {
			capture.Path = ""
			capture.Err = err
			r.metrics.RecordView(metrics.ViewFailed)
			log.Error().Err(err).Msg("view capture failed")
		} else {
			capture.Confirmed = confirmed
			if confirmed {
				r.metrics.RecordView(metrics.ViewConfirmed)
			} else {
				r.metrics.RecordView(metrics.ViewUnconfirmed)
				log.Warn().Msg("model not confirmed ready before capture")
			}
			log.Debug().Str("path", capture.Path).Msg("view captured")
		}
		report.Captures = append(report.Captures, capture)
	}

	saved := len(report.Succeeded())
	r.logger.Info().
		Str("article_id", articleID).
		Int("captured", saved).
		Int("attempted", len(models.Views)).
		Msg("render finished")
	if saved == 0 {
		return report, errors.Wrapf(ErrNoViewsCaptured, "asset %s", articleID)
	}
	return report, nil
}

// chromeCapture loads the viewer document for one orbit in a fresh tab and
// returns the JPEG bytes.
func (r *ViewRenderer) chromeCapture(ctx context.Context, assetURL string, view models.ViewSpec) ([]byte, bool, error) {
	tabCtx, closeTab, err := r.pages.NewPage(ctx)
	if err != nil {
		return nil, false, errors.Wrap(err, "open page")
	}
	defer closeTab()

	runCtx, cancel := context.WithTimeout(tabCtx, r.opts.NavigationTimeout)
	defer cancel()

	doc := ViewerDocument(r.opts.ViewerScript, assetURL, view.CameraOrbit)
	if err := chromedp.Run(runCtx,
		emulation.SetDeviceMetricsOverride(int64(r.opts.Width), int64(r.opts.Height), 1, false),
		chromedp.Navigate("about:blank"),
		chromedp.ActionFunc(func(ctx context.Context) error {
			tree, err := page.GetFrameTree().Do(ctx)
			if err != nil {
				return err
			}
			return page.SetDocumentContent(tree.Frame.ID, doc).Do(ctx)
		}),
		chromedp.WaitReady("model-viewer", chromedp.ByQuery),
	); err != nil {
		return nil, false, errors.Wrap(err, "load viewer document")
	}

	confirmed, err := r.waitForModel(runCtx)
	if err != nil {
		return nil, false, err
	}

	for _, d := range r.opts.SettleDelays {
		if err := chromedp.Run(runCtx, chromedp.Sleep(d)); err != nil {
			return nil, false, errors.Wrap(err, "settle")
		}
	}

	var img []byte
	if err := chromedp.Run(runCtx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		img, err = page.CaptureScreenshot().
			WithFormat(page.CaptureScreenshotFormatJpeg).
			WithQuality(int64(r.opts.JPEGQuality)).
			WithFromSurface(true).
			Do(ctx)
		return err
	})); err != nil {
		return nil, false, errors.Wrap(err, "capture screenshot")
	}
	if len(img) == 0 {
		return nil, false, errors.New("empty screenshot")
	}
	return img, confirmed, nil
}

// waitForModel polls the readiness probe. It reports false without error when
// the model is still pending after ModelReadyTimeout.
func (r *ViewRenderer) waitForModel(ctx context.Context) (bool, error) {
	deadline := time.Now().Add(r.opts.ModelReadyTimeout)
	for {
		var status string
		if err := chromedp.Run(ctx, chromedp.Evaluate(readinessProbe, &status)); err != nil {
			return false, errors.Wrap(err, "probe model readiness")
		}
		switch {
		case status == "ready":
			return true, nil
		case strings.HasPrefix(status, "error:"):
			return false, errors.Errorf("model failed to load: %s", strings.TrimPrefix(status, "error:"))
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		if err := chromedp.Run(ctx, chromedp.Sleep(readinessPollInterval)); err != nil {
			return false, errors.Wrap(err, "probe model readiness")
		}
	}
}

// ViewerDocument builds the page that displays one model at a fixed orbit
// with every user interaction disabled.
func ViewerDocument(scriptURL, modelURL, cameraOrbit string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<script type="module" src="%s"></script>
<style>
html, body { margin: 0; padding: 0; width: 100%%; height: 100%%; overflow: hidden; background: #ffffff; }
model-viewer { width: 100vw; height: 100vh; --poster-color: transparent; }
</style>
</head>
<body>
<model-viewer src="%s" camera-orbit="%s" min-camera-orbit="-Infinity 0deg auto" max-camera-orbit="Infinity 180deg auto" disable-zoom disable-pan disable-tap interaction-prompt="none" loading="eager" reveal="auto" environment-image="neutral" shadow-intensity="1"></model-viewer>
<script>
const viewer = document.querySelector('model-viewer');
viewer.addEventListener('load', () => { document.documentElement.dataset.viewerStatus = 'loaded'; });
viewer.addEventListener('error', (e) => {
  document.documentElement.dataset.viewerStatus = 'error';
  document.documentElement.dataset.viewerError = String((e.detail && e.detail.type) || 'load error');
});
</script>
</body>
</html>`,
		html.EscapeString(scriptURL),
		html.EscapeString(modelURL),
		html.EscapeString(cameraOrbit),
	)
}
