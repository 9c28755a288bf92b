package expiry

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
	"github.com/wolfeidau/image-cache/store"
)

// clock is a settable time source.
type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestIndex(t *testing.T, clk *clock) *Index {
	t.Helper()
	idx, err := OpenIndex(filepath.Join(t.TempDir(), "index.db"), WithNoSync(true), WithNow(clk.now))
	require.NoError(t, err)
	t.Cleanup(func() { _ = idx.Close() })
	return idx
}

func put(t *testing.T, c *store.Cache, key imagecache.Key, size int) *store.Entry {
	t.Helper()
	e, err := c.Put(context.Background(), key, strings.NewReader(strings.Repeat("x", size)))
	require.NoError(t, err)
	return e
}

func TestIndexCreateGetTouch(t *testing.T) {
	clk := &clock{t: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	idx := newTestIndex(t, clk)
	ctx := context.Background()

	entry := store.Entry{Key: "1/300/200", Location: "1/300/200/0000000000000000001.jpeg", Size: 1024, CreatedAt: clk.t}
	require.NoError(t, idx.Create(ctx, entry))

	got, err := idx.Get(ctx, "1/300/200")
	require.NoError(t, err)
	require.Equal(t, entry.Location, got.Location)
	require.Equal(t, int64(1024), got.Size)
	require.True(t, got.LastAccessed.Equal(clk.t))

	clk.t = clk.t.Add(time.Hour)
	require.NoError(t, idx.Touch(ctx, "1/300/200"))
	got, err = idx.Get(ctx, "1/300/200")
	require.NoError(t, err)
	require.True(t, got.LastAccessed.Equal(clk.t))

	require.ErrorIs(t, idx.Touch(ctx, "9/9/9"), ErrNotFound)
	_, err = idx.Get(ctx, "9/9/9")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, idx.Delete(ctx, "1/300/200"))
	require.NoError(t, idx.Delete(ctx, "1/300/200"))
	_, err = idx.Get(ctx, "1/300/200")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexCreateKeepsOldestLocation(t *testing.T) {
	clk := &clock{t: time.Unix(100, 0)}
	idx := newTestIndex(t, clk)
	ctx := context.Background()

	require.NoError(t, idx.Create(ctx, store.Entry{Key: "1/1/1", Location: "1/1/1/0000000000000000002.jpeg", Size: 10}))
	require.NoError(t, idx.Create(ctx, store.Entry{Key: "1/1/1", Location: "1/1/1/0000000000000000001.jpeg", Size: 5}))

	got, err := idx.Get(ctx, "1/1/1")
	require.NoError(t, err)
	require.Equal(t, "1/1/1/0000000000000000001.jpeg", got.Location)
	require.Equal(t, int64(15), got.Size)
}

func TestIndexTracksCache(t *testing.T) {
	clk := &clock{t: time.Unix(1000, 0)}
	idx := newTestIndex(t, clk)
	c := store.New(backend.NewMemory(), store.WithMetadataTracker(idx))
	ctx := context.Background()

	put(t, c, "1/10/10", 100)

	clk.t = clk.t.Add(time.Minute)
	obj, err := c.Lookup(ctx, "1/10/10")
	require.NoError(t, err)
	require.NotNil(t, obj)
	_ = obj.Body.Close()

	require.Eventually(t, func() bool {
		got, err := idx.Get(ctx, "1/10/10")
		return err == nil && got.LastAccessed.Equal(clk.t)
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Delete(ctx, "1/10/10"))
	_, err = idx.Get(ctx, "1/10/10")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestIndexRebuild(t *testing.T) {
	clk := &clock{t: time.Unix(5000, 0)}
	idx := newTestIndex(t, clk)
	ctx := context.Background()

	// cache populated without the index
	var tick int64
	c := store.New(backend.NewMemory(), store.WithClock(func() time.Time {
		tick++
		return time.Unix(0, tick)
	}))
	put(t, c, "1/10/10", 100)
	put(t, c, "2/10/10", 50)
	put(t, c, "2/10/10", 50)

	// stale entry for an artifact that no longer exists
	require.NoError(t, idx.Create(ctx, store.Entry{Key: "3/3/3", Location: "3/3/3/x.jpeg", Size: 7}))

	n, err := idx.Rebuild(ctx, c)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entries, err := idx.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, imagecache.Key("1/10/10"), entries[0].Key)
	require.Equal(t, int64(100), entries[0].Size)
	require.Equal(t, imagecache.Key("2/10/10"), entries[1].Key)
	require.Equal(t, int64(100), entries[1].Size)

	stats, err := idx.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(2), stats.TotalEntries)
	require.Equal(t, int64(200), stats.TotalSize)
}

func TestIndexPersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.db")
	ctx := context.Background()

	idx, err := OpenIndex(path)
	require.NoError(t, err)
	require.NoError(t, idx.Create(ctx, store.Entry{Key: "1/1/1", Location: "1/1/1/a.jpeg", Size: 3}))
	require.NoError(t, idx.Close())

	idx, err = OpenIndex(path)
	require.NoError(t, err)
	defer func() { _ = idx.Close() }()

	got, err := idx.Get(ctx, "1/1/1")
	require.NoError(t, err)
	require.Equal(t, int64(3), got.Size)
}

func TestManagerEvictsLeastRecentlyAccessed(t *testing.T) {
	clk := &clock{t: time.Unix(10_000, 0)}
	idx := newTestIndex(t, clk)
	mem := backend.NewMemory()
	c := store.New(mem, store.WithMetadataTracker(idx))
	ctx := context.Background()

	for _, key := range []imagecache.Key{"1/10/10", "2/10/10", "3/10/10"} {
		put(t, c, key, 100)
		clk.t = clk.t.Add(time.Minute)
	}
	// 1 becomes the most recently used
	require.NoError(t, idx.Touch(ctx, "1/10/10"))

	m := NewManager(idx, c, Config{MaxSize: 150})
	m.now = clk.now
	result := m.RunOnce(ctx)

	require.Equal(t, 2, result.Evicted)
	require.Equal(t, int64(200), result.BytesFreed)
	require.Zero(t, result.Errors)

	for key, want := range map[imagecache.Key]bool{"1/10/10": true, "2/10/10": false, "3/10/10": false} {
		obj, err := c.Lookup(ctx, key)
		require.NoError(t, err)
		require.Equal(t, want, obj != nil, key)
		if obj != nil {
			_ = obj.Body.Close()
		}
	}

	stats, err := m.GetStats(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), stats.TotalEntries)
	require.Equal(t, int64(100), stats.TotalSize)
}

func TestManagerUnderLimit(t *testing.T) {
	clk := &clock{t: time.Unix(10_000, 0)}
	idx := newTestIndex(t, clk)
	c := store.New(backend.NewMemory(), store.WithMetadataTracker(idx))
	put(t, c, "1/10/10", 100)

	m := NewManager(idx, c, Config{MaxSize: 1000})
	result := m.RunOnce(context.Background())
	require.Zero(t, result.Evicted)
	require.Zero(t, result.BytesFreed)
}

func TestManagerDisabled(t *testing.T) {
	clk := &clock{t: time.Unix(10_000, 0)}
	idx := newTestIndex(t, clk)
	c := store.New(backend.NewMemory(), store.WithMetadataTracker(idx))
	put(t, c, "1/10/10", 100)

	m := NewManager(idx, c, Config{})
	require.False(t, m.Enabled())
	require.Zero(t, m.RunOnce(context.Background()).Evicted)

	// Start is a no-op and Stop must not block
	m.Start(context.Background())
	m.Stop()
}

type failingDeleter struct{}

func (failingDeleter) Delete(context.Context, imagecache.Key) error {
	return errors.New("permission denied")
}

func TestManagerDeleteFailure(t *testing.T) {
	clk := &clock{t: time.Unix(10_000, 0)}
	idx := newTestIndex(t, clk)
	ctx := context.Background()
	require.NoError(t, idx.Create(ctx, store.Entry{Key: "1/1/1", Location: "1/1/1/a.jpeg", Size: 10}))

	m := NewManager(idx, failingDeleter{}, Config{MaxSize: 5})
	result := m.RunOnce(ctx)
	require.Equal(t, 1, result.Errors)
	require.Zero(t, result.Evicted)

	// the entry stays indexed so the next run can retry
	_, err := idx.Get(ctx, "1/1/1")
	require.NoError(t, err)
}

func TestManagerStartStop(t *testing.T) {
	clk := &clock{t: time.Unix(10_000, 0)}
	idx := newTestIndex(t, clk)
	c := store.New(backend.NewMemory(), store.WithMetadataTracker(idx))
	put(t, c, "1/10/10", 100)
	put(t, c, "2/10/10", 100)

	m := NewManager(idx, c, Config{MaxSize: 100, CheckInterval: time.Hour})
	m.Start(context.Background())
	m.Start(context.Background())

	require.Eventually(t, func() bool {
		stats, err := m.GetStats(context.Background())
		return err == nil && stats.TotalEntries == 1
	}, 2*time.Second, 10*time.Millisecond)

	m.Stop()
	m.Stop()
}
