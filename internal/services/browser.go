package services

import (
	"context"
	"strings"
	"sync"
	"time"

	backoff "github.com/cenkalti/backoff/v4"
	"github.com/chromedp/chromedp"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

const (
	browserAttempts     = 3
	browserRetryDelay   = 2 * time.Second
	browserCheckTimeout = 30 * time.Second
)

// BrowserConfig configures the shared headless browser.
type BrowserConfig struct {
	// ExecPath is the Chrome binary; empty uses chromedp's lookup.
	ExecPath string
	// CDPURL attaches to an already running browser instead of launching one.
	CDPURL string
	Width  int
	Height int
}

// Browser owns one long-lived Chrome process shared by every page of a run.
// Pages are tabs of that process.
type Browser struct {
	cfg          BrowserConfig
	logger       zerolog.Logger
	buildBackoff func() backoff.BackOff

	mu            sync.Mutex
	allocCtx      context.Context
	allocCancel   context.CancelFunc
	browserCtx    context.Context
	browserCancel context.CancelFunc
}

// NewBrowser creates an idle Browser. Nothing is launched until Acquire.
func NewBrowser(cfg BrowserConfig, logger zerolog.Logger) *Browser {
	if cfg.Width <= 0 {
		cfg.Width = 1920
	}
	if cfg.Height <= 0 {
		cfg.Height = 1080
	}
	return &Browser{
		cfg:    cfg,
		logger: logger,
		buildBackoff: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewConstantBackOff(browserRetryDelay), browserAttempts-1)
		},
	}
}

// Acquire makes sure a responsive browser is running. A failed connection
// check tears the process down and starts a new one, up to 3 attempts.
func (b *Browser) Acquire(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	attempt := 0
	op := func() error {
		attempt++
		b.ensureAllocator()
		err := b.checkConnection(ctx)
		if err == nil {
			return nil
		}
		b.logger.Warn().Err(err).Int("attempt", attempt).Msg("browser connection check failed")
		b.resetAllocator()
		if ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b.buildBackoff(), ctx)); err != nil {
		return errors.Wrapf(err, "browser unavailable after %d attempts", attempt)
	}
	return nil
}

// ensureAllocator lazily creates the allocator and browser contexts. Must be
// called with b.mu held.
func (b *Browser) ensureAllocator() {
	if b.browserCtx != nil && b.browserCtx.Err() == nil {
		return
	}
	b.resetAllocator()

	baseCtx := context.Background()
	if cdpURL := strings.TrimSpace(b.cfg.CDPURL); cdpURL != "" {
		b.allocCtx, b.allocCancel = chromedp.NewRemoteAllocator(baseCtx, cdpURL)
	} else {
		opts := append(chromedp.DefaultExecAllocatorOptions[:],
			chromedp.Flag("headless", true),
			chromedp.Flag("hide-scrollbars", true),
			chromedp.Flag("mute-audio", true),
			chromedp.Flag("ignore-gpu-blocklist", true),
			chromedp.Flag("use-angle", "swiftshader"),
			chromedp.Flag("enable-unsafe-swiftshader", true),
			chromedp.WindowSize(b.cfg.Width, b.cfg.Height),
		)
		if path := strings.TrimSpace(b.cfg.ExecPath); path != "" {
			opts = append(opts, chromedp.ExecPath(path))
		}
		b.allocCtx, b.allocCancel = chromedp.NewExecAllocator(baseCtx, opts...)
	}
	b.browserCtx, b.browserCancel = chromedp.NewContext(b.allocCtx)
}

// checkConnection opens and closes a blank tab. Must be called with b.mu held.
func (b *Browser) checkConnection(ctx context.Context) error {
	// The first Run on the browser context starts the process.
	if err := chromedp.Run(b.browserCtx); err != nil {
		return errors.Wrap(err, "start browser")
	}
	tabCtx, cancel := chromedp.NewContext(b.browserCtx)
	defer cancel()
	checkCtx, checkCancel := context.WithTimeout(tabCtx, browserCheckTimeout)
	defer checkCancel()
	stop := context.AfterFunc(ctx, checkCancel)
	defer stop()
	return chromedp.Run(checkCtx, chromedp.Navigate("about:blank"))
}

// resetAllocator kills the current process. Must be called with b.mu held.
func (b *Browser) resetAllocator() {
	if b.browserCancel != nil {
		b.browserCancel()
	}
	if b.allocCancel != nil {
		b.allocCancel()
	}
	b.browserCtx, b.browserCancel = nil, nil
	b.allocCtx, b.allocCancel = nil, nil
}

// NewPage opens a fresh tab in the shared browser. The tab is closed when the
// returned cancel is called or parent is done.
func (b *Browser) NewPage(parent context.Context) (context.Context, context.CancelFunc, error) {
	b.mu.Lock()
	browserCtx := b.browserCtx
	b.mu.Unlock()

	if browserCtx == nil || browserCtx.Err() != nil {
		if err := b.Acquire(parent); err != nil {
			return nil, nil, err
		}
		b.mu.Lock()
		browserCtx = b.browserCtx
		b.mu.Unlock()
	}

	tabCtx, cancel := chromedp.NewContext(browserCtx)
	stop := context.AfterFunc(parent, cancel)
	return tabCtx, func() {
		stop()
		cancel()
	}, nil
}

// Close terminates the browser process.
func (b *Browser) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.browserCtx != nil {
		b.logger.Info().Msg("closing browser")
	}
	b.resetAllocator()
}
