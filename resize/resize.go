// Package resize decodes source images, scales them and encodes the result
// as JPEG.
package resize

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"time"

	"github.com/disintegration/imaging"
	"golang.org/x/sync/semaphore"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

const (
	// DefaultQuality is the JPEG quality used when none is configured.
	DefaultQuality = 80

	// ContentType is the media type of every encoded result.
	ContentType = "image/jpeg"
)

// Mode describes how a target size is applied.
type Mode string

const (
	// ModeExact stretches to exactly Width x Height.
	ModeExact Mode = "exact"
	// ModeProportional scales to the one given dimension, keeping the aspect
	// ratio.
	ModeProportional Mode = "proportional"
	// ModePassthrough returns the source bytes unchanged.
	ModePassthrough Mode = "passthrough"
)

// Options is a resize target. Zero means the dimension was not supplied.
type Options struct {
	Width  int
	Height int
}

// Mode reports how the options will be applied.
func (o Options) Mode() Mode {
	switch {
	case o.Width != 0 && o.Height != 0:
		return ModeExact
	case o.Width != 0 || o.Height != 0:
		return ModeProportional
	default:
		return ModePassthrough
	}
}

// Engine resizes images. It is safe for concurrent use.
type Engine struct {
	quality      int
	filter       imaging.ResampleFilter
	maxDimension int
	autoOrient   bool
	sem          *semaphore.Weighted
	logger       *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithQuality sets the JPEG quality, 1 to 100.
func WithQuality(q int) Option {
	return func(e *Engine) {
		e.quality = q
	}
}

// WithFilter sets the resampling filter.
func WithFilter(f imaging.ResampleFilter) Option {
	return func(e *Engine) {
		e.filter = f
	}
}

// WithConcurrency bounds how many images are processed at once.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.sem = semaphore.NewWeighted(int64(n))
		}
	}
}

// WithMaxDimension sets the largest accepted target dimension.
func WithMaxDimension(n int) Option {
	return func(e *Engine) {
		e.maxDimension = n
	}
}

// WithAutoOrientation applies the EXIF orientation tag when decoding.
func WithAutoOrientation(enabled bool) Option {
	return func(e *Engine) {
		e.autoOrient = enabled
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// New returns an Engine. By default it encodes at DefaultQuality with a
// Lanczos filter and processes up to GOMAXPROCS images concurrently.
func New(opts ...Option) *Engine {
	e := &Engine{
		quality:      DefaultQuality,
		filter:       imaging.Lanczos,
		maxDimension: imagecache.MaxDimension,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.sem == nil {
		e.sem = semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0)))
	}
	if e.quality < 1 || e.quality > 100 {
		e.quality = DefaultQuality
	}
	e.logger = e.logger.With("component", "resize")
	return e
}

// Resize returns a stream of the resized image. Encoding runs in its own
// goroutine and blocks until the caller reads, so the encoded image is never
// held whole in memory. Failures surface as the error from Read:
// ErrDecodeFailure when src is not a decodable image and ErrTransformFailure
// when the target cannot be produced. The caller must Close the stream; an
// early Close stops the encoder.
func (e *Engine) Resize(ctx context.Context, src io.Reader, opts Options) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(e.run(ctx, pw, src, opts))
	}()
	return pr
}

// ResizeTo writes the resized image to dst and returns the bytes written.
func (e *Engine) ResizeTo(ctx context.Context, dst io.Writer, src io.Reader, opts Options) (int64, error) {
	rc := e.Resize(ctx, src, opts)
	defer func() { _ = rc.Close() }()
	return io.Copy(dst, rc)
}

func (e *Engine) run(ctx context.Context, w io.Writer, src io.Reader, opts Options) (err error) {
	mode := opts.Mode()
	start := time.Now()
	cw := &countingWriter{w: w}

	defer func() {
		outcome := "success"
		switch {
		case err == nil:
		case errors.Is(err, imagecache.ErrDecodeFailure):
			outcome = "decode_error"
		case errors.Is(err, imagecache.ErrTransformFailure):
			outcome = "transform_error"
		default:
			outcome = "error"
		}
		telemetry.RecordResize(ctx, string(mode), outcome, time.Since(start), cw.n)
	}()

	if err := e.validate(opts); err != nil {
		return err
	}

	if err := e.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	defer e.sem.Release(1)

	if mode == ModePassthrough {
		if _, err := io.Copy(cw, src); err != nil {
			return fmt.Errorf("copying source: %w", err)
		}
		return nil
	}

	img, err := imaging.Decode(src, imaging.AutoOrientation(e.autoOrient))
	if err != nil {
		return fmt.Errorf("%w: %w", imagecache.ErrDecodeFailure, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	out := imaging.Resize(img, opts.Width, opts.Height, e.filter)
	if out.Bounds().Empty() {
		return fmt.Errorf("%w: %s result from %dx%d source is empty",
			imagecache.ErrTransformFailure, opts, img.Bounds().Dx(), img.Bounds().Dy())
	}

	if err := imaging.Encode(cw, out, imaging.JPEG, imaging.JPEGQuality(e.quality)); err != nil {
		return fmt.Errorf("encoding jpeg: %w", err)
	}

	e.logger.Debug("resized image",
		"mode", mode,
		"source_size", fmt.Sprintf("%dx%d", img.Bounds().Dx(), img.Bounds().Dy()),
		"target", opts.String(),
		"bytes", cw.n,
		"duration", time.Since(start),
	)
	return nil
}

func (e *Engine) validate(opts Options) error {
	if opts.Width < 0 || opts.Height < 0 {
		return fmt.Errorf("%w: negative target %s", imagecache.ErrTransformFailure, opts)
	}
	if opts.Width > e.maxDimension || opts.Height > e.maxDimension {
		return fmt.Errorf("%w: target %s exceeds %d", imagecache.ErrTransformFailure, opts, e.maxDimension)
	}
	return nil
}

// String formats the target as WxH, with 0 for an unset dimension.
func (o Options) String() string {
	return fmt.Sprintf("%dx%d", o.Width, o.Height)
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (c *countingWriter) Write(p []byte) (int, error) {
	n, err := c.w.Write(p)
	c.n += int64(n)
	return n, err
}
