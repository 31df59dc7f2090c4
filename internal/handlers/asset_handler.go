package handlers

import (
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const AssetNotFoundError = "asset not found"

var contentTypes = map[string]string{
	".glb":  "model/gltf-binary",
	".gltf": "model/gltf+json",
	".bin":  "application/octet-stream",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".png":  "image/png",
	".webp": "image/webp",
	".ktx2": "image/ktx2",
	".html": "text/html; charset=utf-8",
	".js":   "text/javascript; charset=utf-8",
	".json": "application/json",
}

// AssetHandler serves files below Root by relative path.
type AssetHandler struct {
	Root   string
	Logger zerolog.Logger
}

// NewAssetHandler creates an AssetHandler rooted at root.
func NewAssetHandler(root string, logger zerolog.Logger) *AssetHandler {
	return &AssetHandler{Root: root, Logger: logger}
}

// NewAssetApp builds the loopback fiber app: permissive CORS for the browser
// page, health and metrics routes, and the file route.
func NewAssetApp(h *AssetHandler, registry *prometheus.Registry) *fiber.App {
	app := fiber.New(fiber.Config{
		DisableStartupMessage: true,
		BodyLimit:             1 << 20,
	})
	app.Use(cors.New(cors.Config{
		AllowOrigins: "*",
		AllowMethods: "GET,HEAD,OPTIONS",
	}))

	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusOK)
	})
	if registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}
	app.Get("/*", h.ServeAsset)
	return app
}

// ServeAsset handles GET /<relative path>.
func (h *AssetHandler) ServeAsset(c *fiber.Ctx) error {
	raw := c.Params("*")
	rel, err := url.PathUnescape(raw)
	if err != nil {
		rel = raw
	}

	fullPath, ok := h.resolve(rel)
	if !ok {
		h.Logger.Debug().Str("path", raw).Msg("asset server: rejected path")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": true, "message": AssetNotFoundError,
		})
	}

	info, err := os.Stat(fullPath)
	if err != nil || info.IsDir() {
		h.Logger.Debug().Str("path", rel).Msg("asset server: not found")
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": true, "message": AssetNotFoundError,
		})
	}

	data, err := os.ReadFile(fullPath)
	if err != nil {
		h.Logger.Error().Err(err).Str("path", rel).Msg("asset server: read failed")
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": true, "message": "failed to read asset",
		})
	}

	c.Set(fiber.HeaderContentType, ContentTypeFor(fullPath))
	c.Set(fiber.HeaderCacheControl, "no-store")
	h.Logger.Debug().Str("path", rel).Int("bytes", len(data)).Msg("asset server: served")
	return c.Status(fiber.StatusOK).Send(data)
}

// resolve maps a request path onto the root, refusing anything that escapes it.
func (h *AssetHandler) resolve(rel string) (string, bool) {
	rel = strings.ReplaceAll(strings.TrimSpace(rel), "\\", "/")
	rel = strings.TrimLeft(rel, "/")
	if rel == "" {
		return "", false
	}
	cleaned := filepath.ToSlash(filepath.Clean(rel))
	if cleaned == "." || cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return "", false
	}
	return filepath.Join(h.Root, filepath.FromSlash(cleaned)), true
}

// ContentTypeFor returns the content type for a file name by extension.
func ContentTypeFor(name string) string {
	if ct, ok := contentTypes[strings.ToLower(filepath.Ext(name))]; ok {
		return ct
	}
	return "application/octet-stream"
}
