// Package catalog discovers the source images that requests are served from.
//
// Sources live in a single directory and are named by a positive integer id,
// for example "1.jpeg" or "12.jpg". The directory is scanned once when the
// catalog is opened.
package catalog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"sync"

	imagecache "github.com/wolfeidau/image-cache"
)

var sourceName = regexp.MustCompile(`(?i)^([1-9][0-9]*)\.(jpe?g)$`)

// Source is one source image.
type Source struct {
	ID   int
	Path string
}

// Catalog is an immutable list of source images. It is safe for concurrent
// use.
type Catalog struct {
	dir     string
	sources []Source
	byID    map[int]Source
	logger  *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithRand sets the random source used by Select. Selection is not
// security sensitive.
func WithRand(rng *rand.Rand) Option {
	return func(c *Catalog) {
		c.rng = rng
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Catalog) {
		c.logger = logger
	}
}

// Open scans dir for source images. A missing directory is an error; an empty
// one yields an empty catalog.
func Open(dir string, opts ...Option) (*Catalog, error) {
	c := &Catalog{dir: dir, logger: slog.Default(), byID: make(map[int]Source)}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "catalog")

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("scanning source directory %s: %w", dir, err)
	}

	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		m := sourceName.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		id, err := strconv.Atoi(m[1])
		if err != nil {
			continue
		}
		src := Source{ID: id, Path: filepath.Join(dir, e.Name())}
		if prev, ok := c.byID[id]; ok {
			// prefer the .jpeg spelling when both exist
			if strings.EqualFold(filepath.Ext(prev.Path), ".jpeg") {
				c.logger.Warn("duplicate source id", "id", id, "kept", prev.Path, "ignored", src.Path)
				continue
			}
			c.logger.Warn("duplicate source id", "id", id, "kept", src.Path, "ignored", prev.Path)
		}
		c.byID[id] = src
	}

	c.sources = make([]Source, 0, len(c.byID))
	for _, src := range c.byID {
		c.sources = append(c.sources, src)
	}
	slices.SortFunc(c.sources, func(a, b Source) int { return a.ID - b.ID })

	if n := len(c.sources); n > 0 && c.sources[n-1].ID != n {
		c.logger.Warn("source ids are not contiguous", "count", n, "max_id", c.sources[n-1].ID)
	}
	c.logger.Info("source catalog loaded", "dir", dir, "sources", len(c.sources))

	return c, nil
}

// Len returns the number of sources.
func (c *Catalog) Len() int {
	return len(c.sources)
}

// Sources returns a copy of the sources ordered by id.
func (c *Catalog) Sources() []Source {
	return slices.Clone(c.sources)
}

// Select picks a source uniformly at random.
func (c *Catalog) Select() (Source, error) {
	n := len(c.sources)
	if n == 0 {
		return Source{}, imagecache.ErrNoSourcesAvailable
	}
	return c.sources[c.intN(n)], nil
}

// Resolve returns the source named by selector, or a random one when the
// selector is empty.
func (c *Catalog) Resolve(selector string) (Source, error) {
	if selector == "" {
		return c.Select()
	}
	if len(c.sources) == 0 {
		return Source{}, imagecache.ErrNoSourcesAvailable
	}
	id, err := strconv.Atoi(selector)
	if err != nil {
		return Source{}, fmt.Errorf("%w: %q", imagecache.ErrUnknownSource, selector)
	}
	src, ok := c.byID[id]
	if !ok {
		return Source{}, fmt.Errorf("%w: %d", imagecache.ErrUnknownSource, id)
	}
	return src, nil
}

// Open opens the bytes of src.
func (c *Catalog) Open(ctx context.Context, src Source) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(src.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %d removed from %s", imagecache.ErrUnknownSource, src.ID, c.dir)
		}
		return nil, fmt.Errorf("opening source %d: %w", src.ID, err)
	}
	return f, nil
}

func (c *Catalog) intN(n int) int {
	if c.rng == nil {
		return rand.IntN(n)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rng.IntN(n)
}
