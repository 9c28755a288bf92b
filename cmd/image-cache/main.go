// Command image-cache serves source images resized on demand, caching every
// resized artifact by source and dimensions.
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"
	"github.com/lmittmann/tint"

	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/server"
	"github.com/wolfeidau/image-cache/telemetry"
)

var version = "dev"

type CLI struct {
	Address    string `help:"Address to listen on." default:":8080" env:"ADDRESS"`
	SourcePath string `help:"Directory holding source images named <n>.jpeg." default:"./images" env:"SOURCE_PATH" type:"path"`
	H2C        bool   `help:"Serve cleartext HTTP/2." env:"H2C"`

	Backend     string `help:"Artifact storage backend." enum:"filesystem,memory,s3" default:"filesystem" env:"BACKEND"`
	StoragePath string `help:"Cache directory for the filesystem backend, locks and the eviction index." default:"./cache" env:"STORAGE_PATH" type:"path"`

	S3Bucket    string `name:"s3-bucket" help:"S3 bucket for the s3 backend." env:"S3_BUCKET"`
	S3Prefix    string `name:"s3-prefix" help:"Key prefix within the S3 bucket." env:"S3_PREFIX"`
	S3Region    string `name:"s3-region" help:"AWS region." env:"AWS_REGION"`
	S3Endpoint  string `name:"s3-endpoint" help:"Endpoint override for S3 compatible stores." env:"S3_ENDPOINT"`
	S3PathStyle bool   `name:"s3-path-style" help:"Use path style S3 addressing." env:"S3_PATH_STYLE"`

	MaxDimension      int   `help:"Largest accepted width or height." default:"3048" env:"MAX_DIMENSION"`
	JPEGQuality       int   `help:"JPEG encoder quality, 1 to 100." default:"80" env:"JPEG_QUALITY"`
	ResizeConcurrency int   `help:"Concurrent resizes (0 = GOMAXPROCS)." default:"0" env:"RESIZE_CONCURRENCY"`
	CrossProcessLock  bool  `help:"Serialize resizes of a key across processes sharing the storage path." env:"CROSS_PROCESS_LOCK"`
	CacheMaxSize      int64 `help:"Maximum cache size in bytes, evicting least recently used artifacts (0 = unbounded)." default:"0" env:"CACHE_MAX_SIZE"`

	ExpiryCheckInterval time.Duration `help:"How often to check the cache size." default:"5m" env:"EXPIRY_CHECK_INTERVAL"`

	MetricsPrometheus bool   `help:"Expose Prometheus metrics on /metrics." default:"true" negatable:"" env:"METRICS_PROMETHEUS"`
	MetricsOTLP       string `help:"OTLP gRPC endpoint for metrics export." env:"OTEL_EXPORTER_OTLP_ENDPOINT"`

	LogLevel  string `help:"Log level." enum:"debug,info,warn,error" default:"info" env:"LOG_LEVEL"`
	LogFormat string `help:"Log format." enum:"pretty,text,json" default:"pretty" env:"LOG_FORMAT"`

	Version kong.VersionFlag `help:"Print version and exit."`
}

func main() {
	// .env is optional
	_ = godotenv.Load()

	var cli CLI
	kctx := kong.Parse(&cli,
		kong.Name("image-cache"),
		kong.Description("Serves source images resized on demand and caches every result."),
		kong.Vars{"version": version},
		kong.UsageOnError(),
	)

	if err := run(&cli); err != nil {
		kctx.Fatalf("%v", err)
	}
}

func run(cli *CLI) error {
	logger, err := newLogger(os.Stdout, cli.LogLevel, cli.LogFormat)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	shutdownMetrics, err := telemetry.InitMetrics(ctx, telemetry.MetricsConfig{
		ServiceName:      "image-cache",
		ServiceVersion:   version,
		OTLPEndpoint:     cli.MetricsOTLP,
		EnablePrometheus: cli.MetricsPrometheus,
	})
	if err != nil {
		return fmt.Errorf("initializing metrics: %w", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := shutdownMetrics(shutdownCtx); err != nil {
			logger.Warn("failed to flush metrics", "error", err)
		}
	}()

	srv, err := server.New(ctx, server.Config{
		Address:     cli.Address,
		SourcePath:  cli.SourcePath,
		Backend:     cli.Backend,
		StoragePath: cli.StoragePath,
		S3: backend.S3Config{
			Bucket:    cli.S3Bucket,
			Prefix:    cli.S3Prefix,
			Region:    cli.S3Region,
			Endpoint:  cli.S3Endpoint,
			PathStyle: cli.S3PathStyle,
		},
		MaxDimension:        cli.MaxDimension,
		JPEGQuality:         cli.JPEGQuality,
		ResizeConcurrency:   cli.ResizeConcurrency,
		CrossProcessLocking: cli.CrossProcessLock,
		CacheMaxSize:        cli.CacheMaxSize,
		ExpiryCheckInterval: cli.ExpiryCheckInterval,
		H2C:                 cli.H2C,
		Logger:              logger,
	})
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func newLogger(w io.Writer, levelName, format string) (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelName)); err != nil {
		return nil, fmt.Errorf("invalid log level: %s", levelName)
	}

	var handler slog.Handler
	switch format {
	case "pretty":
		handler = tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: time.Kitchen})
	case "text":
		handler = slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})
	case "json":
		handler = slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
	default:
		return nil, fmt.Errorf("invalid log format: %s", format)
	}
	return slog.New(handler), nil
}
