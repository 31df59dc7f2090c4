package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"glb-processor/internal/config"
	"glb-processor/internal/logging"
	"glb-processor/internal/metrics"
	"glb-processor/internal/repository"
	"glb-processor/internal/services"
	"glb-processor/internal/services/caches"
	"glb-processor/internal/storage"
)

var errMissingClient = errors.New("client name is required")

// cliOptions are the parsed command line arguments.
type cliOptions struct {
	client    string
	newOnly   bool
	outputDir string
	batch     services.Options
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand(runBatch).ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		stop()
		os.Exit(1)
	}
}

func newRootCommand(run func(ctx context.Context, cli cliOptions) error) *cobra.Command {
	var cli cliOptions
	cmd := &cobra.Command{
		Use:           "glb_processor <clientName>",
		Short:         "Capture and publish preview screenshots for a client's GLB assets",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args: func(cmd *cobra.Command, args []string) error {
			if len(args) != 1 || strings.TrimSpace(args[0]) == "" {
				_ = cmd.Usage()
				return errMissingClient
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cli.client = strings.TrimSpace(args[0])
			cli.batch.ProcessAll = !cli.newOnly
			return run(cmd.Context(), cli)
		},
	}

	flags := cmd.Flags()
	flags.BoolVar(&cli.batch.DryRun, "dry-run", false, "render screenshots locally without uploading or updating the database (alias --dry)")
	flags.BoolVar(&cli.newOnly, "new-only", false, "only process assets flagged as new uploads (alias --new)")
	flags.BoolVar(&cli.batch.BlankOnly, "blank-only", false, "only process assets without preview images (alias --blank)")
	flags.BoolVar(&cli.batch.Overwrite, "overwrite", false, "reprocess assets that already have screenshots (alias --force)")
	flags.IntVar(&cli.batch.Concurrency, "concurrency", 1, "number of assets processed at once")
	flags.BoolVar(&cli.batch.Bundle, "bundle", false, "zip each asset's screenshots into the output directory")
	flags.StringVar(&cli.outputDir, "output-dir", "", "override OUTPUT_DIR")
	flags.SetNormalizeFunc(normalizeFlagName)
	return cmd
}

// normalizeFlagName maps the short flag aliases onto their long names.
func normalizeFlagName(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	switch name {
	case "dry":
		name = "dry-run"
	case "new":
		name = "new-only"
	case "blank":
		name = "blank-only"
	case "force":
		name = "overwrite"
	}
	return pflag.NormalizedName(name)
}

func runBatch(ctx context.Context, cli cliOptions) error {
	cfg, err := config.LoadConfig()
	if err != nil {
		return errors.Wrap(err, "config error")
	}
	if cli.outputDir != "" {
		cfg.OutputDir = cli.outputDir
	}
	logger := logging.New(cfg.AppEnv)

	db, err := config.ConnectDatabase(cfg)
	if err != nil {
		return errors.Wrap(err, "database connection failed")
	}
	if sqlDB, err := db.DB(); err == nil {
		defer sqlDB.Close()
	}
	repo := repository.NewAssetRepository(db, cfg.AssetsTable)

	store, err := InitStore(ctx, cfg)
	if err != nil {
		return err
	}

	if err := os.MkdirAll(cfg.OutputDir, 0o755); err != nil {
		return errors.Wrap(err, "create output directory")
	}
	results, err := services.NewResultsLog(filepath.Join(cfg.OutputDir, "results.jsonl"))
	if err != nil {
		return err
	}

	m := metrics.NewMetrics()

	server := services.NewAssetServer(cfg.OutputDir, cfg.PortMin, cfg.PortMax, m.Registry, component(logger, "asset_server"))
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Release(shutdownCtx); err != nil {
			logger.Warn().Err(err).Msg("asset server shutdown failed")
		}
	}()

	browser := services.NewBrowser(services.BrowserConfig{
		ExecPath: cfg.ChromePath,
		CDPURL:   cfg.ChromeCDPURL,
		Width:    cfg.RenderWidth,
		Height:   cfg.RenderHeight,
	}, component(logger, "browser"))
	defer browser.Close()

	renderer := services.NewViewRenderer(browser, services.RenderOptions{
		Width:        cfg.RenderWidth,
		Height:       cfg.RenderHeight,
		JPEGQuality:  cfg.JPEGQuality,
		ViewerScript: cfg.ViewerScript,
	}, m, component(logger, "renderer"))

	fetcher, err := InitFetcher(cfg, m, component(logger, "fetcher"))
	if err != nil {
		return err
	}

	orch := services.NewOrchestrator(services.OrchestratorDeps{
		Repo:      repo,
		Fetcher:   fetcher,
		Server:    server,
		Renderer:  renderer,
		Uploader:  services.NewStoreUploader(store, m, component(logger, "uploader")),
		Results:   results,
		Metrics:   m,
		OutputDir: cfg.OutputDir,
		Logger:    component(logger, "orchestrator"),
	})

	summary, err := orch.Run(ctx, cli.client, cli.batch)
	if summary != nil {
		fmt.Println(summary.GetSummary())
		fmt.Printf("  results: %s\n", results.Path())
	}
	return err
}

// InitStore builds the object store for the configured backend.
func InitStore(ctx context.Context, cfg *config.Config) (storage.ObjectStore, error) {
	switch cfg.StorageBackend {
	case config.BackendMinio:
		client, err := storage.NewMinioClient(ctx, cfg)
		if err != nil {
			return nil, errors.Wrap(err, "failed to initialize MinIO client")
		}
		return storage.NewMinioStore(client, cfg.MinioBucket, cfg.MinioPublicURL), nil
	default:
		return storage.NewZoneClient(cfg.StorageHost, cfg.StorageZone, cfg.StorageAPIKey, cfg.CDNHost), nil
	}
}

// InitFetcher builds the GLB downloader, fronted by the disk cache when
// GLB_CACHE_DIR is set.
func InitFetcher(cfg *config.Config, m *metrics.Metrics, logger zerolog.Logger) (services.BinaryFetcher, error) {
	fetcher := services.NewFetcher(nil, logger)
	if cfg.CacheDir == "" {
		return fetcher, nil
	}
	cache, err := caches.NewFileSystemCache(cfg.CacheDir, cfg.CacheMaxBytes, cfg.CacheTTL, logger)
	if err != nil {
		return nil, errors.Wrap(err, "failed to open GLB cache")
	}
	m.SetCacheSize(cache.GetStats().SizeBytes)
	return services.NewCachedFetcher(fetcher, cache, m, logger), nil
}

func component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
