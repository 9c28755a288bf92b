// Package pipeline turns a resize request into bytes for a sink, serving
// from the cache when it can and producing and storing the artifact when it
// can't.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/catalog"
	"github.com/wolfeidau/image-cache/locking"
	"github.com/wolfeidau/image-cache/resize"
	"github.com/wolfeidau/image-cache/store"
	"github.com/wolfeidau/image-cache/telemetry"
)

// State names a step of Serve. States appear in debug logs.
type State string

const (
	StateValidating  State = "validating"
	StateSelecting   State = "selecting"
	StateCacheLookup State = "cache_lookup"
	StateCacheHit    State = "cache_hit"
	StateCacheMiss   State = "cache_miss"
	StateServing     State = "serving"
	StateFailed      State = "failed"
)

// SourceCatalog resolves and opens source images.
type SourceCatalog interface {
	Resolve(selector string) (catalog.Source, error)
	Open(ctx context.Context, src catalog.Source) (io.ReadCloser, error)
}

// Resizer produces a resized JPEG stream from a source image.
type Resizer interface {
	Resize(ctx context.Context, src io.Reader, opts resize.Options) io.ReadCloser
}

// Sink receives the response body.
type Sink interface {
	io.Writer
	SetContentType(contentType string)
}

// ArtifactSink is implemented by sinks that want to know what they are about
// to receive before the first Write, for example to set response headers.
type ArtifactSink interface {
	SetArtifact(a Artifact)
}

// Artifact describes the bytes about to be written to a sink. Size is -1
// and ETag empty when the bytes are produced on the fly.
type Artifact struct {
	Key         imagecache.Key
	ETag        string
	Size        int64
	CacheResult telemetry.CacheResult
}

// Request is an unvalidated resize request. Source selects a catalog image
// by id; empty picks one at random.
type Request struct {
	Source string
	Width  string
	Height string
}

// Result describes a served request.
type Result struct {
	Key         imagecache.Key
	Source      int
	Dimensions  imagecache.Dimensions
	CacheResult telemetry.CacheResult
	Bytes       int64
	Digest      imagecache.Digest
	Duration    time.Duration
}

// Coordinator runs requests through validation, source selection, cache
// lookup and, on a miss, a single resize per key.
type Coordinator struct {
	catalog      SourceCatalog
	store        store.Store
	resizer      Resizer
	flights      flights
	locker       locking.Group
	maxDimension int
	latency      *telemetry.LatencyTracker
	logger       *slog.Logger
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Coordinator) {
		c.logger = logger
	}
}

// WithMaxDimension sets the largest accepted width or height.
func WithMaxDimension(n int) Option {
	return func(c *Coordinator) {
		c.maxDimension = n
	}
}

// WithLocker serializes resizes of a key across processes sharing a cache.
func WithLocker(g locking.Group) Option {
	return func(c *Coordinator) {
		c.locker = g
	}
}

// WithLatencyTracker records per-step latencies.
func WithLatencyTracker(lt *telemetry.LatencyTracker) Option {
	return func(c *Coordinator) {
		c.latency = lt
	}
}

// New returns a Coordinator.
func New(cat SourceCatalog, st store.Store, r Resizer, opts ...Option) *Coordinator {
	c := &Coordinator{
		catalog:      cat,
		store:        st,
		resizer:      r,
		locker:       locking.NewNoOpGroup(),
		maxDimension: imagecache.MaxDimension,
		logger:       slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "pipeline")
	return c
}

// Serve validates req and writes the resized JPEG to sink.
//
// Invalid dimensions fail with ErrInvalidDimensions before any other work.
// When the artifact cannot be stored the image is resized straight into the
// sink and the result is reported as a bypass. If ctx is done while waiting
// on a resize, Serve returns ctx.Err() and the resize still completes and is
// stored.
func (c *Coordinator) Serve(ctx context.Context, req Request, sink Sink) (*Result, error) {
	start := time.Now()

	c.state(ctx, StateValidating, "width", req.Width, "height", req.Height)
	dims, err := imagecache.ParseDimensions(req.Width, req.Height, c.maxDimension)
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	c.state(ctx, StateSelecting, "selector", req.Source)
	src, err := c.catalog.Resolve(req.Source)
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	key, err := imagecache.DeriveKeyWithLimit(src.ID, dims.Width, dims.Height, c.maxDimension)
	if err != nil {
		return nil, c.fail(ctx, err)
	}

	res := &Result{Key: key, Source: src.ID, Dimensions: dims}
	defer func() {
		res.Duration = time.Since(start)
		if res.CacheResult != "" {
			c.latency.Record("serve_"+string(res.CacheResult), res.Duration)
		}
	}()

	c.state(ctx, StateCacheLookup, "key", key)
	lookupStart := time.Now()
	obj, err := c.store.Lookup(ctx, key)
	c.latency.Record("lookup", time.Since(lookupStart))
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("looking up %s: %w", key, err))
	}

	if obj != nil {
		c.state(ctx, StateCacheHit, "key", key, "location", obj.Location)
		telemetry.RecordLookup(ctx, telemetry.CacheHit)
		res.CacheResult = telemetry.CacheHit
		if err := c.serveObject(ctx, obj, sink, res); err != nil {
			return nil, c.fail(ctx, fmt.Errorf("serving %s: %w", key, err))
		}
		return res, nil
	}

	c.state(ctx, StateCacheMiss, "key", key)
	telemetry.RecordLookup(ctx, telemetry.CacheMiss)

	fill, leader, shared, err := c.flights.do(ctx, key, func(fctx context.Context) (*fillResult, error) {
		return c.fill(fctx, key, src, dims)
	})
	switch {
	case err == nil:
	case errors.Is(err, imagecache.ErrStorageUnwritable):
		c.logger.WarnContext(ctx, "cache unwritable, serving without caching", "key", key, "error", err)
		telemetry.RecordDegraded(ctx, "storage_unwritable")
		if err := c.bypass(ctx, src, dims, sink, res); err != nil {
			return nil, c.fail(ctx, fmt.Errorf("serving %s (%s): %w", key, dims, err))
		}
		return res, nil
	default:
		return nil, c.fail(ctx, fmt.Errorf("resizing %s (%s): %w", key, dims, err))
	}
	telemetry.RecordFlight(ctx, !leader)

	switch {
	case fill.Found:
		res.CacheResult = telemetry.CacheHit
	case leader:
		res.CacheResult = telemetry.CacheMiss
	default:
		res.CacheResult = telemetry.CacheShared
	}

	// Every waiter serves what was committed, not what was encoded.
	obj, err = c.store.Lookup(ctx, key)
	if err != nil {
		return nil, c.fail(ctx, fmt.Errorf("looking up %s after resize: %w", key, err))
	}
	if obj == nil {
		// Evicted between commit and read.
		c.logger.WarnContext(ctx, "artifact vanished after resize", "key", key, "shared", shared)
		if err := c.bypass(ctx, src, dims, sink, res); err != nil {
			return nil, c.fail(ctx, fmt.Errorf("serving %s (%s): %w", key, dims, err))
		}
		return res, nil
	}
	if err := c.serveObject(ctx, obj, sink, res); err != nil {
		return nil, c.fail(ctx, fmt.Errorf("serving %s: %w", key, err))
	}
	return res, nil
}

// fill resizes src into a new artifact for key. It re-checks the store first
// since the artifact may have been stored since the caller's lookup, by a
// flight that just finished or by another process.
func (c *Coordinator) fill(ctx context.Context, key imagecache.Key, src catalog.Source, dims imagecache.Dimensions) (*fillResult, error) {
	v, err := c.withLock(ctx, key, func() (any, error) {
		obj, err := c.store.Lookup(ctx, key)
		if err != nil {
			return nil, fmt.Errorf("looking up %s: %w", key, err)
		}
		if obj != nil {
			_ = obj.Body.Close()
			return &fillResult{Entry: &obj.Entry, Found: true}, nil
		}

		start := time.Now()
		entry, err := c.resizeAndStore(ctx, key, src, dims)
		if err != nil {
			return nil, err
		}
		c.latency.Record("resize", time.Since(start))
		c.logger.DebugContext(ctx, "stored artifact",
			"key", key,
			"location", entry.Location,
			"size", entry.Size,
			"duration", time.Since(start),
		)
		return &fillResult{Entry: entry}, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*fillResult), nil
}

type contextLocker interface {
	DoWithLockContext(ctx context.Context, key string, fn func() (any, error)) (any, error)
}

func (c *Coordinator) withLock(ctx context.Context, key imagecache.Key, fn func() (any, error)) (any, error) {
	if cl, ok := c.locker.(contextLocker); ok {
		return cl.DoWithLockContext(ctx, key.String(), fn)
	}
	return c.locker.DoWithLock(key.String(), fn)
}

func (c *Coordinator) resizeAndStore(ctx context.Context, key imagecache.Key, src catalog.Source, dims imagecache.Dimensions) (*store.Entry, error) {
	in, err := c.catalog.Open(ctx, src)
	if err != nil {
		return nil, err
	}
	defer func() { _ = in.Close() }()

	pending, err := c.store.Create(ctx, key)
	if err != nil {
		return nil, err
	}

	out := c.resizer.Resize(ctx, in, resize.Options{Width: dims.Width, Height: dims.Height})
	defer func() { _ = out.Close() }()

	if _, err := io.Copy(pending, out); err != nil {
		_ = pending.Abort()
		return nil, err
	}
	return pending.Commit()
}

// bypass resizes straight into the sink.
func (c *Coordinator) bypass(ctx context.Context, src catalog.Source, dims imagecache.Dimensions, sink Sink, res *Result) error {
	res.CacheResult = telemetry.CacheBypass

	in, err := c.catalog.Open(ctx, src)
	if err != nil {
		return err
	}
	defer func() { _ = in.Close() }()

	out := c.resizer.Resize(ctx, in, resize.Options{Width: dims.Width, Height: dims.Height})
	defer func() { _ = out.Close() }()

	return c.stream(ctx, out, sink, Artifact{Key: res.Key, Size: -1, CacheResult: res.CacheResult}, res)
}

func (c *Coordinator) serveObject(ctx context.Context, obj *store.Object, sink Sink, res *Result) error {
	defer func() { _ = obj.Body.Close() }()
	return c.stream(ctx, obj.Body, sink, Artifact{
		Key:         obj.Key,
		ETag:        obj.ETag(),
		Size:        obj.Size,
		CacheResult: res.CacheResult,
	}, res)
}

func (c *Coordinator) stream(ctx context.Context, r io.Reader, sink Sink, a Artifact, res *Result) error {
	c.state(ctx, StateServing, "key", a.Key, "cache_result", a.CacheResult)

	sink.SetContentType(resize.ContentType)
	if as, ok := sink.(ArtifactSink); ok {
		as.SetArtifact(a)
	}

	dw := imagecache.NewDigestWriter(sink)
	_, err := io.Copy(dw, r)
	res.Bytes = dw.BytesWritten()
	res.Digest = dw.Sum()
	return err
}

func (c *Coordinator) state(ctx context.Context, s State, args ...any) {
	c.logger.DebugContext(ctx, "pipeline state", append([]any{"state", s}, args...)...)
}

func (c *Coordinator) fail(ctx context.Context, err error) error {
	c.state(ctx, StateFailed, "error", err)
	return err
}
