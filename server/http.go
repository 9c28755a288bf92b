// Package server provides the HTTP server for the image cache.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/klauspost/compress/gzhttp"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/catalog"
	"github.com/wolfeidau/image-cache/expiry"
	"github.com/wolfeidau/image-cache/locking"
	"github.com/wolfeidau/image-cache/pipeline"
	"github.com/wolfeidau/image-cache/resize"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Storage backends.
const (
	BackendFilesystem = "filesystem"
	BackendMemory     = "memory"
	BackendS3         = "s3"
)

// Config holds server configuration.
type Config struct {
	// Address to listen on (e.g., ":8080")
	Address string

	// SourcePath is the directory holding the source images, named
	// <n>.jpeg.
	SourcePath string

	// Backend selects where artifacts are stored: filesystem, memory or s3.
	Backend string

	// StoragePath is the root path for the filesystem backend. It also holds
	// lock files and the eviction index for every backend.
	StoragePath string

	// S3 configures the s3 backend.
	S3 backend.S3Config

	// MaxDimension is the largest accepted width or height.
	// Default: 3048
	MaxDimension int

	// JPEGQuality is the encoder quality, 1 to 100.
	// Default: 80
	JPEGQuality int

	// ResizeConcurrency bounds how many images are resized at once.
	// Default: GOMAXPROCS
	ResizeConcurrency int

	// CrossProcessLocking serializes resizes of a key across processes
	// sharing StoragePath.
	CrossProcessLocking bool

	// CacheMaxSize is the maximum size of the cache in bytes. When exceeded,
	// least recently used artifacts are evicted. Zero disables eviction.
	CacheMaxSize int64

	// ExpiryCheckInterval is how often to check the cache size.
	// Default: 5 minutes
	ExpiryCheckInterval time.Duration

	// H2C serves cleartext HTTP/2 alongside HTTP/1.1.
	H2C bool

	// Logger for the server
	Logger *slog.Logger
}

// Server is the HTTP server for the image cache.
type Server struct {
	config     Config
	httpServer *http.Server
	handler    http.Handler
	logger     *slog.Logger

	backend   backend.WriterBackend
	store     *store.Cache
	catalog   *catalog.Catalog
	pipeline  *pipeline.Coordinator
	latency   *telemetry.LatencyTracker
	index     *expiry.Index
	expiryMgr *expiry.Manager
}

// New creates a new server with the given configuration.
func New(ctx context.Context, cfg Config) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Address == "" {
		cfg.Address = ":8080"
	}
	if cfg.SourcePath == "" {
		cfg.SourcePath = "./images"
	}
	if cfg.StoragePath == "" {
		cfg.StoragePath = "./cache"
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendFilesystem
	}
	if cfg.MaxDimension <= 0 {
		cfg.MaxDimension = imagecache.MaxDimension
	}

	cat, err := catalog.Open(cfg.SourcePath, catalog.WithLogger(cfg.Logger))
	if err != nil {
		return nil, fmt.Errorf("opening source catalog: %w", err)
	}

	b, err := newBackend(ctx, cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{
		config:  cfg,
		logger:  cfg.Logger,
		backend: b,
		catalog: cat,
		latency: telemetry.NewLatencyTracker(0.01),
	}

	storeOpts := []store.Option{store.WithLogger(cfg.Logger)}
	if cfg.CacheMaxSize > 0 {
		if err := os.MkdirAll(cfg.StoragePath, 0o755); err != nil {
			return nil, fmt.Errorf("creating storage directory: %w", err)
		}
		idx, err := expiry.OpenIndex(filepath.Join(cfg.StoragePath, ".index.db"), expiry.WithLogger(cfg.Logger))
		if err != nil {
			return nil, fmt.Errorf("opening eviction index: %w", err)
		}
		s.index = idx
		storeOpts = append(storeOpts, store.WithMetadataTracker(idx))
	}
	s.store = store.New(b, storeOpts...)

	if s.index != nil {
		if _, err := s.index.Rebuild(ctx, s.store); err != nil {
			_ = s.index.Close()
			return nil, err
		}
		s.expiryMgr = expiry.NewManager(s.index, s.store, expiry.Config{
			MaxSize:       cfg.CacheMaxSize,
			CheckInterval: cfg.ExpiryCheckInterval,
			Logger:        cfg.Logger,
		})
	}

	resizeOpts := []resize.Option{
		resize.WithLogger(cfg.Logger),
		resize.WithMaxDimension(cfg.MaxDimension),
	}
	if cfg.JPEGQuality > 0 {
		resizeOpts = append(resizeOpts, resize.WithQuality(cfg.JPEGQuality))
	}
	if cfg.ResizeConcurrency > 0 {
		resizeOpts = append(resizeOpts, resize.WithConcurrency(cfg.ResizeConcurrency))
	}

	pipelineOpts := []pipeline.Option{
		pipeline.WithLogger(cfg.Logger),
		pipeline.WithMaxDimension(cfg.MaxDimension),
		pipeline.WithLatencyTracker(s.latency),
	}
	if cfg.CrossProcessLocking {
		locker, err := locking.NewFlockGroup(cfg.StoragePath)
		if err != nil {
			s.closeIndex()
			return nil, err
		}
		pipelineOpts = append(pipelineOpts, pipeline.WithLocker(locker))
	}
	s.pipeline = pipeline.New(cat, s.store, resize.New(resizeOpts...), pipelineOpts...)

	mux := http.NewServeMux()
	if err := s.registerRoutes(mux); err != nil {
		s.closeIndex()
		return nil, err
	}

	s.handler = s.loggingMiddleware(mux)
	handler := s.handler
	if cfg.H2C {
		handler = h2c.NewHandler(handler, &http2.Server{})
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}

	return s, nil
}

func newBackend(ctx context.Context, cfg Config) (backend.WriterBackend, error) {
	var b backend.WriterBackend
	switch cfg.Backend {
	case BackendFilesystem:
		fsb, err := backend.NewFilesystem(cfg.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("creating filesystem backend: %w", err)
		}
		b = fsb
	case BackendMemory:
		b = backend.NewMemory()
	case BackendS3:
		s3cfg := cfg.S3
		if s3cfg.HTTPClient == nil {
			s3cfg.HTTPClient = &http.Client{Transport: telemetry.NewInstrumentedTransport(http.DefaultTransport)}
		}
		s3b, err := backend.NewS3FromConfig(ctx, s3cfg)
		if err != nil {
			return nil, fmt.Errorf("creating s3 backend: %w", err)
		}
		b = s3b
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	return backend.NewInstrumentedBackend(b, cfg.Backend), nil
}

// registerRoutes sets up the HTTP routes.
func (s *Server) registerRoutes(mux *http.ServeMux) error {
	gz, err := gzhttp.NewWrapper(gzhttp.MinSize(512))
	if err != nil {
		return fmt.Errorf("creating gzip wrapper: %w", err)
	}

	mux.Handle("GET /health", gz(http.HandlerFunc(s.handleHealth)))
	mux.Handle("GET /stats", gz(http.HandlerFunc(s.handleStats)))

	// Prometheus metrics endpoint (returns 404 if not enabled)
	mux.Handle("GET /metrics", telemetry.PrometheusHandler())

	// GET also matches HEAD
	mux.HandleFunc("GET /{width}/{height}", s.handleImage)
	return nil
}

// Handler returns the server's handler, without h2c.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start starts the server.
func (s *Server) Start() error {
	if s.expiryMgr != nil {
		s.logger.Info("starting expiry manager",
			"max_size", s.config.CacheMaxSize,
			"check_interval", s.config.ExpiryCheckInterval,
		)
		s.expiryMgr.Start(context.Background())
	}

	s.logger.Info("starting server",
		"address", s.config.Address,
		"backend", s.config.Backend,
		"sources", s.catalog.Len(),
		"h2c", s.config.H2C,
	)
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down server")

	if s.expiryMgr != nil {
		s.expiryMgr.Stop()
	}

	err := s.httpServer.Shutdown(ctx)
	s.closeIndex()
	return err
}

func (s *Server) closeIndex() {
	if s.index == nil {
		return
	}
	if err := s.index.Close(); err != nil {
		s.logger.Warn("failed to close eviction index", "error", err)
	}
}

// Address returns the server's listen address.
func (s *Server) Address() string {
	return s.config.Address
}

// loggingMiddleware logs HTTP requests with structured fields for analysis.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		// Inject request tags so handlers can set cache_result, endpoint, etc.
		r = telemetry.InjectTags(r)
		tags := telemetry.GetTags(r)
		if tags.Endpoint == "" {
			tags.Endpoint = deriveEndpoint(r.URL.Path)
		}

		wrapped := &responseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		duration := time.Since(start)

		attrs := []any{
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"endpoint", tags.Endpoint,

			"status", wrapped.status,
			"status_class", telemetry.StatusClass(wrapped.status),
			"bytes_sent", wrapped.bytesWritten,

			"duration_ms", duration.Milliseconds(),
			"duration", duration.String(),

			"remote_addr", r.RemoteAddr,
			"user_agent", r.UserAgent(),
			"http_version", fmt.Sprintf("%d.%d", r.ProtoMajor, r.ProtoMinor),
		}
		if tags.CacheResult != "" {
			attrs = append(attrs, "cache_result", string(tags.CacheResult))
		}
		if tags.Key != "" {
			attrs = append(attrs, "key", tags.Key, "source", tags.Source)
		}
		if ct := wrapped.Header().Get("Content-Type"); ct != "" {
			attrs = append(attrs, "content_type", ct)
		}

		s.logger.Info("http request", attrs...)

		telemetry.RecordHTTP(r.Context(), r, wrapped.status, wrapped.bytesWritten, duration)
	})
}

// responseWriter wraps http.ResponseWriter to capture the status code and bytes written.
// It preserves http.Flusher and http.Hijacker interfaces for streaming support.
type responseWriter struct {
	http.ResponseWriter
	status       int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}

// Flush implements http.Flusher for streaming responses.
func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack implements http.Hijacker for connection upgrades.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		return h.Hijack()
	}
	return nil, nil, fmt.Errorf("hijacking not supported")
}

// Unwrap returns the underlying ResponseWriter.
func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}

func deriveEndpoint(path string) string {
	switch path {
	case "/health", "/stats", "/metrics":
		return "internal"
	default:
		return "image"
	}
}
