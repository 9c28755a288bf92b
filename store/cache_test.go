package store

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/backend"
)

func newTestCache(t *testing.T, opts ...Option) (*Cache, *backend.Filesystem) {
	t.Helper()
	fs, err := backend.NewFilesystem(t.TempDir())
	require.NoError(t, err)
	return New(fs, opts...), fs
}

func readAll(t *testing.T, obj *Object) []byte {
	t.Helper()
	defer func() { _ = obj.Body.Close() }()
	data, err := io.ReadAll(obj.Body)
	require.NoError(t, err)
	return data
}

func TestCacheLookupMiss(t *testing.T) {
	c, _ := newTestCache(t)

	obj, err := c.Lookup(context.Background(), "1/300/200")
	require.NoError(t, err)
	require.Nil(t, obj)
}

func TestCachePutLookup(t *testing.T) {
	clock := time.Unix(1700000000, 42)
	c, fs := newTestCache(t, WithClock(func() time.Time { return clock }))
	ctx := context.Background()
	data := []byte("resized jpeg")

	entry, err := c.Put(ctx, "1/300/200", bytes.NewReader(data))
	require.NoError(t, err)
	require.Equal(t, imagecache.Key("1/300/200"), entry.Key)
	require.Equal(t, "1/300/200/1700000000000000042.jpeg", entry.Location)
	require.Equal(t, int64(len(data)), entry.Size)
	require.Equal(t, imagecache.DigestBytes(data), entry.Digest)
	require.True(t, clock.Equal(entry.CreatedAt))

	_, err = os.Stat(filepath.Join(fs.Root(), "1", "300", "200", "1700000000000000042.jpeg"))
	require.NoError(t, err)

	obj, err := c.Lookup(ctx, "1/300/200")
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, data, readAll(t, obj))
	require.Equal(t, entry.Location, obj.Location)
	require.Equal(t, entry.Size, obj.Size)
	require.True(t, clock.Equal(obj.CreatedAt))
	require.Equal(t, entry.ETag(), obj.ETag())
}

func TestCacheKeysDoNotShareArtifacts(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Put(ctx, "1/300/20", strings.NewReader("short"))
	require.NoError(t, err)

	// "1/300/200" shares a string prefix with "1/300/20" but not a directory
	obj, err := c.Lookup(ctx, "1/300/200")
	require.NoError(t, err)
	require.Nil(t, obj)
}

func TestCachePendingInvisibleUntilCommit(t *testing.T) {
	c, fs := newTestCache(t)
	ctx := context.Background()

	p, err := c.Create(ctx, "2/10/10")
	require.NoError(t, err)
	_, err = p.Write([]byte("partial"))
	require.NoError(t, err)

	obj, err := c.Lookup(ctx, "2/10/10")
	require.NoError(t, err)
	require.Nil(t, obj)

	_, err = p.Write([]byte(" complete"))
	require.NoError(t, err)
	entry, err := p.Commit()
	require.NoError(t, err)
	require.Equal(t, p.Location(), entry.Location)

	obj, err = c.Lookup(ctx, "2/10/10")
	require.NoError(t, err)
	require.Equal(t, []byte("partial complete"), readAll(t, obj))

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "2", "10", "10"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestCacheAbortLeavesNothing(t *testing.T) {
	c, fs := newTestCache(t)
	ctx := context.Background()

	p, err := c.Create(ctx, "3/10/10")
	require.NoError(t, err)
	_, err = p.Write([]byte("partial"))
	require.NoError(t, err)
	require.NoError(t, p.Abort())

	obj, err := c.Lookup(ctx, "3/10/10")
	require.NoError(t, err)
	require.Nil(t, obj)

	entries, err := os.ReadDir(filepath.Join(fs.Root(), "3", "10", "10"))
	require.NoError(t, err)
	require.Empty(t, entries)
}

func TestCacheLookupReturnsOldest(t *testing.T) {
	var mu sync.Mutex
	now := time.Unix(100, 0)
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		now = now.Add(time.Second)
		return now
	}
	c := New(backend.NewMemory(), WithClock(clock))
	ctx := context.Background()

	_, err := c.Put(ctx, "1/1/1", strings.NewReader("first"))
	require.NoError(t, err)
	_, err = c.Put(ctx, "1/1/1", strings.NewReader("second"))
	require.NoError(t, err)

	obj, err := c.Lookup(ctx, "1/1/1")
	require.NoError(t, err)
	require.Equal(t, []byte("first"), readAll(t, obj))
}

func TestCacheDelete(t *testing.T) {
	c := New(backend.NewMemory())
	ctx := context.Background()

	_, err := c.Put(ctx, "4/20/20", strings.NewReader("x"))
	require.NoError(t, err)
	require.NoError(t, c.Delete(ctx, "4/20/20"))

	obj, err := c.Lookup(ctx, "4/20/20")
	require.NoError(t, err)
	require.Nil(t, obj)

	// deleting a missing key is fine
	require.NoError(t, c.Delete(ctx, "4/20/20"))
}

func TestCacheList(t *testing.T) {
	mem := backend.NewMemory()
	c := New(mem)
	ctx := context.Background()

	_, err := c.Put(ctx, "1/300/200", strings.NewReader("abc"))
	require.NoError(t, err)
	_, err = c.Put(ctx, "2/64/64", strings.NewReader("defg"))
	require.NoError(t, err)
	require.NoError(t, mem.Write(ctx, "stray/file.txt", strings.NewReader("junk")))
	require.NoError(t, mem.Write(ctx, "bad/key/here/1.jpeg", strings.NewReader("junk")))

	entries, err := c.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, imagecache.Key("1/300/200"), entries[0].Key)
	require.Equal(t, int64(3), entries[0].Size)
	require.Equal(t, imagecache.Key("2/64/64"), entries[1].Key)
	require.Equal(t, int64(4), entries[1].Size)
}

// vanishingBackend lists artifacts that are gone by the time they are read.
type vanishingBackend struct {
	*backend.Memory
}

func (v vanishingBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	return nil, backend.ErrNotFound
}

func TestCacheLookupRaceWithDeleteIsMiss(t *testing.T) {
	mem := backend.NewMemory()
	require.NoError(t, mem.Write(context.Background(), "1/1/1/1.jpeg", strings.NewReader("x")))

	c := New(vanishingBackend{mem})
	obj, err := c.Lookup(context.Background(), "1/1/1")
	require.NoError(t, err)
	require.Nil(t, obj)
}

// brokenBackend fails every write.
type brokenBackend struct {
	*backend.Memory
}

func (b brokenBackend) Writer(ctx context.Context, key string) (backend.PendingWriter, error) {
	return nil, errors.New("read-only file system")
}

func TestCacheUnwritableStorage(t *testing.T) {
	c := New(brokenBackend{backend.NewMemory()})

	_, err := c.Create(context.Background(), "1/1/1")
	require.ErrorIs(t, err, imagecache.ErrStorageUnwritable)

	_, err = c.Put(context.Background(), "1/1/1", strings.NewReader("x"))
	require.ErrorIs(t, err, imagecache.ErrStorageUnwritable)
}

type recordingTracker struct {
	mu      sync.Mutex
	created []Entry
	touched []imagecache.Key
	deleted []imagecache.Key
}

func (r *recordingTracker) Create(ctx context.Context, e Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.created = append(r.created, e)
	return nil
}

func (r *recordingTracker) Touch(ctx context.Context, key imagecache.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.touched = append(r.touched, key)
	return nil
}

func (r *recordingTracker) Delete(ctx context.Context, key imagecache.Key) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleted = append(r.deleted, key)
	return nil
}

func (r *recordingTracker) touchCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.touched)
}

func TestCacheMetadataTracker(t *testing.T) {
	tracker := &recordingTracker{}
	c := New(backend.NewMemory(), WithMetadataTracker(tracker))
	ctx := context.Background()

	entry, err := c.Put(ctx, "5/50/50", strings.NewReader("data"))
	require.NoError(t, err)
	require.Len(t, tracker.created, 1)
	require.Equal(t, *entry, tracker.created[0])

	obj, err := c.Lookup(ctx, "5/50/50")
	require.NoError(t, err)
	_ = readAll(t, obj)
	require.Eventually(t, func() bool { return tracker.touchCount() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, c.Delete(ctx, "5/50/50"))
	require.Equal(t, []imagecache.Key{"5/50/50"}, tracker.deleted)
}
