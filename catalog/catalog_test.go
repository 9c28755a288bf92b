package catalog

import (
	"context"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	imagecache "github.com/wolfeidau/image-cache"
)

func writeFiles(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, name := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600))
	}
}

func TestOpenDiscoversSources(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.jpeg", "2.jpg", "3.JPEG", "10.jpeg", "notes.txt", "0.jpeg", "x.jpeg", "4.png", "05.jpeg")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "6.jpeg"), 0o755))

	c, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, 4, c.Len())

	var ids []int
	for _, src := range c.Sources() {
		ids = append(ids, src.ID)
	}
	require.Equal(t, []int{1, 2, 3, 10}, ids)
}

func TestOpenPrefersJPEGOnDuplicate(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.jpg", "1.jpeg")

	c, err := Open(dir)
	require.NoError(t, err)
	require.Equal(t, 1, c.Len())
	require.Equal(t, filepath.Join(dir, "1.jpeg"), c.Sources()[0].Path)
}

func TestOpenMissingDirectory(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestEmptyCatalog(t *testing.T) {
	c, err := Open(t.TempDir())
	require.NoError(t, err)
	require.Equal(t, 0, c.Len())

	_, err = c.Select()
	require.ErrorIs(t, err, imagecache.ErrNoSourcesAvailable)
	_, err = c.Resolve("")
	require.ErrorIs(t, err, imagecache.ErrNoSourcesAvailable)
	_, err = c.Resolve("1")
	require.ErrorIs(t, err, imagecache.ErrNoSourcesAvailable)
}

func TestSelectIsUniformAndDeterministicWithSeed(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.jpeg", "2.jpeg", "3.jpeg")

	pick := func() []int {
		c, err := Open(dir, WithRand(rand.New(rand.NewPCG(1, 2))))
		require.NoError(t, err)
		out := make([]int, 50)
		for i := range out {
			src, err := c.Select()
			require.NoError(t, err)
			out[i] = src.ID
		}
		return out
	}

	a, b := pick(), pick()
	require.Equal(t, a, b)

	counts := map[int]int{}
	c, err := Open(dir)
	require.NoError(t, err)
	for range 3000 {
		src, err := c.Select()
		require.NoError(t, err)
		counts[src.ID]++
	}
	require.Len(t, counts, 3)
	for id, n := range counts {
		require.InDelta(t, 1000, n, 200, "source %d", id)
	}
}

func TestResolve(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.jpeg", "2.jpeg")
	c, err := Open(dir)
	require.NoError(t, err)

	src, err := c.Resolve("2")
	require.NoError(t, err)
	require.Equal(t, 2, src.ID)

	for _, sel := range []string{"3", "abc", "-1", "0"} {
		_, err := c.Resolve(sel)
		require.ErrorIs(t, err, imagecache.ErrUnknownSource, sel)
	}
}

func TestOpenSource(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.jpeg")
	c, err := Open(dir)
	require.NoError(t, err)

	src, err := c.Resolve("1")
	require.NoError(t, err)
	rc, err := c.Open(context.Background(), src)
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, []byte("1.jpeg"), data)

	// the catalog is never rescanned, a removed file surfaces on open
	require.NoError(t, os.Remove(src.Path))
	_, err = c.Open(context.Background(), src)
	require.ErrorIs(t, err, imagecache.ErrUnknownSource)
}

func TestSelectConcurrent(t *testing.T) {
	dir := t.TempDir()
	writeFiles(t, dir, "1.jpeg", "2.jpeg")
	c, err := Open(dir, WithRand(rand.New(rand.NewPCG(3, 4))))
	require.NoError(t, err)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				_, err := c.Select()
				require.NoError(t, err)
			}
		}()
	}
	wg.Wait()
}
