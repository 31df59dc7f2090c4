package services

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"path"
	"strings"
	"sync"

	"github.com/gofiber/fiber/v2"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"glb-processor/internal/handlers"
)

// ErrNoFreePort means no port in the configured range could be bound.
var ErrNoFreePort = errors.New("no free port for local asset server")

// AssetServer exposes the output directory over loopback HTTP so the browser
// can load models by URL. The listener is started on first Acquire and shared
// until Release.
type AssetServer struct {
	root     string
	portMin  int
	portMax  int
	registry *prometheus.Registry
	logger   zerolog.Logger

	mu      sync.Mutex
	app     *fiber.App
	baseURL string
	done    chan error
}

// NewAssetServer creates an idle server for root. registry may be nil.
func NewAssetServer(root string, portMin, portMax int, registry *prometheus.Registry, logger zerolog.Logger) *AssetServer {
	return &AssetServer{
		root:     root,
		portMin:  portMin,
		portMax:  portMax,
		registry: registry,
		logger:   logger,
	}
}

// Acquire starts the server if needed and returns its base URL.
func (s *AssetServer) Acquire() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.app != nil {
		return s.baseURL, nil
	}

	ln, port, err := listenInRange(s.portMin, s.portMax)
	if err != nil {
		return "", err
	}

	app := handlers.NewAssetApp(handlers.NewAssetHandler(s.root, s.logger), s.registry)
	done := make(chan error, 1)
	go func() {
		done <- app.Listener(ln)
	}()

	s.app = app
	s.done = done
	s.baseURL = fmt.Sprintf("http://127.0.0.1:%d", port)
	s.logger.Info().Int("port", port).Str("root", s.root).Msg("asset server started")
	return s.baseURL, nil
}

// URL returns the served URL of a path relative to the root. Acquire must
// have succeeded first.
func (s *AssetServer) URL(rel string) string {
	s.mu.Lock()
	base := s.baseURL
	s.mu.Unlock()

	parts := strings.Split(strings.Trim(path.Clean("/"+rel), "/"), "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return base + "/" + strings.Join(parts, "/")
}

// Running reports whether the listener is up.
func (s *AssetServer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.app != nil
}

// Release stops the listener. It is safe to call on an idle server.
func (s *AssetServer) Release(ctx context.Context) error {
	s.mu.Lock()
	app, done := s.app, s.done
	s.app, s.done, s.baseURL = nil, nil, ""
	s.mu.Unlock()

	if app == nil {
		return nil
	}
	if err := app.ShutdownWithContext(ctx); err != nil {
		return errors.Wrap(err, "stop asset server")
	}
	<-done
	s.logger.Info().Msg("asset server stopped")
	return nil
}

// listenInRange binds the first free loopback port in [min, max].
func listenInRange(min, max int) (net.Listener, int, error) {
	for port := min; port <= max; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			return ln, port, nil
		}
	}
	return nil, 0, errors.Wrapf(ErrNoFreePort, "range %d-%d", min, max)
}
