package store

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path"
	"strconv"
	"strings"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
)

const artifactExt = ".jpeg"

// Cache implements Store on a backend.
type Cache struct {
	backend  backend.WriterBackend
	metadata MetadataTracker
	now      func() time.Time
	logger   *slog.Logger
}

// Option configures a Cache.
type Option func(*Cache)

// WithMetadataTracker sets a tracker that is told about commits, hits and
// deletes.
func WithMetadataTracker(tracker MetadataTracker) Option {
	return func(c *Cache) {
		c.metadata = tracker
	}
}

// WithClock sets the time source used to name new artifacts.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		c.now = now
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		c.logger = logger
	}
}

// New returns a Cache storing artifacts in b.
func New(b backend.WriterBackend, opts ...Option) *Cache {
	c := &Cache{
		backend: b,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "store")
	return c
}

// Lookup returns the first artifact stored under key in lexical order, which
// is also the oldest. An artifact that disappears between listing and
// reading is reported as a miss.
func (c *Cache) Lookup(ctx context.Context, key imagecache.Key) (*Object, error) {
	locations, err := c.artifacts(ctx, key)
	if err != nil {
		return nil, err
	}
	if len(locations) == 0 {
		return nil, nil
	}
	loc := locations[0]

	rc, err := c.backend.Read(ctx, loc)
	if err != nil {
		if errors.Is(err, backend.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading artifact %s: %w", loc, err)
	}

	entry := Entry{Key: key, Location: loc, Size: -1, CreatedAt: createdAt(loc)}
	if sb, ok := c.backend.(backend.StatBackend); ok {
		if info, err := sb.Stat(ctx, loc); err == nil {
			entry.Size = info.Size
		}
	}

	if c.metadata != nil {
		go func() { _ = c.metadata.Touch(context.WithoutCancel(ctx), key) }()
	}

	return &Object{Entry: entry, Body: rc}, nil
}

// Create opens a pending artifact under key.
func (c *Cache) Create(ctx context.Context, key imagecache.Key) (*Pending, error) {
	if key == "" {
		return nil, fmt.Errorf("%w: empty key", imagecache.ErrStorageUnwritable)
	}
	created := c.now()
	loc := path.Join(key.String(), fmt.Sprintf("%019d%s", created.UnixNano(), artifactExt))

	w, err := c.backend.Writer(ctx, loc)
	if err != nil {
		return nil, fmt.Errorf("%w: opening %s: %w", imagecache.ErrStorageUnwritable, loc, err)
	}

	return &Pending{
		cache:   c,
		ctx:     ctx,
		w:       w,
		dw:      imagecache.NewDigestWriter(w),
		key:     key,
		loc:     loc,
		created: created,
	}, nil
}

// Put copies r into a new artifact under key and commits it.
func (c *Cache) Put(ctx context.Context, key imagecache.Key, r io.Reader) (*Entry, error) {
	p, err := c.Create(ctx, key)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(p, r); err != nil {
		_ = p.Abort()
		return nil, err
	}
	return p.Commit()
}

// Delete removes all artifacts under key.
func (c *Cache) Delete(ctx context.Context, key imagecache.Key) error {
	locations, err := c.artifacts(ctx, key)
	if err != nil {
		return err
	}
	var errs []error
	for _, loc := range locations {
		if err := c.backend.Delete(ctx, loc); err != nil {
			errs = append(errs, fmt.Errorf("deleting %s: %w", loc, err))
		}
	}
	if err := errors.Join(errs...); err != nil {
		return err
	}

	if c.metadata != nil {
		_ = c.metadata.Delete(ctx, key)
	}
	return nil
}

// List returns one entry per artifact in the backend. Files that do not look
// like artifacts are skipped.
func (c *Cache) List(ctx context.Context) ([]Entry, error) {
	locations, err := c.backend.List(ctx, "")
	if err != nil {
		return nil, fmt.Errorf("listing artifacts: %w", err)
	}

	sb, _ := c.backend.(backend.StatBackend)
	entries := make([]Entry, 0, len(locations))
	for _, loc := range locations {
		key, ok := keyFromLocation(loc)
		if !ok {
			continue
		}
		e := Entry{Key: key, Location: loc, Size: -1, CreatedAt: createdAt(loc)}
		if sb != nil {
			info, err := sb.Stat(ctx, loc)
			if errors.Is(err, backend.ErrNotFound) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("stat %s: %w", loc, err)
			}
			e.Size = info.Size
		}
		entries = append(entries, e)
	}
	return entries, nil
}

// artifacts lists the artifact locations directly under key.
func (c *Cache) artifacts(ctx context.Context, key imagecache.Key) ([]string, error) {
	if key == "" {
		return nil, errors.New("empty cache key")
	}
	prefix := key.String() + "/"
	locations, err := c.backend.List(ctx, key.String())
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", key, err)
	}
	out := locations[:0]
	for _, loc := range locations {
		name, ok := strings.CutPrefix(loc, prefix)
		if !ok || strings.Contains(name, "/") || !strings.HasSuffix(name, artifactExt) {
			continue
		}
		out = append(out, loc)
	}
	return out, nil
}

// keyFromLocation recovers the cache key from "<s>/<w>/<h>/<name>.jpeg".
func keyFromLocation(loc string) (imagecache.Key, bool) {
	dir, name := path.Split(loc)
	if !strings.HasSuffix(name, artifactExt) {
		return "", false
	}
	k := strings.TrimSuffix(dir, "/")
	if _, _, _, err := imagecache.ParseKey(k); err != nil {
		return "", false
	}
	return imagecache.Key(k), true
}

// createdAt parses the commit time from an artifact name, returning the zero
// time for names it does not recognise.
func createdAt(loc string) time.Time {
	name := strings.TrimSuffix(path.Base(loc), artifactExt)
	nanos, err := strconv.ParseInt(name, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// Pending is an artifact being written. Exactly one of Commit or Abort should
// be called.
type Pending struct {
	cache   *Cache
	ctx     context.Context
	w       backend.PendingWriter
	dw      *imagecache.DigestWriter
	key     imagecache.Key
	loc     string
	created time.Time
}

// Write implements io.Writer.
func (p *Pending) Write(b []byte) (int, error) {
	n, err := p.dw.Write(b)
	if err != nil {
		return n, fmt.Errorf("%w: writing %s: %w", imagecache.ErrStorageUnwritable, p.loc, err)
	}
	return n, nil
}

// Location returns where the artifact will be stored.
func (p *Pending) Location() string {
	return p.loc
}

// Commit publishes the artifact.
func (p *Pending) Commit() (*Entry, error) {
	if err := p.w.Close(); err != nil {
		return nil, fmt.Errorf("%w: committing %s: %w", imagecache.ErrStorageUnwritable, p.loc, err)
	}

	entry := &Entry{
		Key:       p.key,
		Location:  p.loc,
		Size:      p.dw.BytesWritten(),
		Digest:    p.dw.Sum(),
		CreatedAt: p.created,
	}

	if p.cache.metadata != nil {
		if err := p.cache.metadata.Create(context.WithoutCancel(p.ctx), *entry); err != nil {
			p.cache.logger.Warn("failed to record artifact metadata", "key", p.key, "error", err)
		}
	}

	return entry, nil
}

// Abort discards the artifact.
func (p *Pending) Abort() error {
	return p.w.Abort()
}

var _ Store = (*Cache)(nil)
