package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

const tmpPrefix = ".tmp-"

// Filesystem implements Backend on a local directory tree.
// Writes go to a temp file in the destination directory which is fsynced and
// renamed into place, so readers see either nothing or the complete value.
type Filesystem struct {
	root string
}

// NewFilesystem creates a filesystem backend rooted at root, creating the
// directory if needed.
func NewFilesystem(root string) (*Filesystem, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolving root path: %w", err)
	}
	if err := os.MkdirAll(absRoot, 0o755); err != nil {
		return nil, fmt.Errorf("creating root directory: %w", err)
	}
	return &Filesystem{root: absRoot}, nil
}

// Root returns the root directory path.
func (b *Filesystem) Root() string {
	return b.root
}

// Write stores data at key.
func (b *Filesystem) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := b.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

// Read opens the value stored at key.
func (b *Filesystem) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("opening file: %w", err)
	}
	return f, nil
}

// Delete removes key and prunes any directories it leaves empty.
func (b *Filesystem) Delete(ctx context.Context, key string) error {
	p, err := b.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("removing file: %w", err)
	}
	b.pruneEmptyDirs(filepath.Dir(p))
	return nil
}

// Exists checks if key exists.
func (b *Filesystem) Exists(ctx context.Context, key string) (bool, error) {
	_, err := b.Stat(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// Stat returns size and modification time for key.
func (b *Filesystem) Stat(ctx context.Context, key string) (Info, error) {
	p, err := b.path(key)
	if err != nil {
		return Info{}, err
	}
	fi, err := os.Stat(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Info{}, ErrNotFound
		}
		return Info{}, fmt.Errorf("stat file: %w", err)
	}
	if fi.IsDir() {
		return Info{}, ErrNotFound
	}
	return Info{Key: filepath.ToSlash(mustRel(b.root, p)), Size: fi.Size(), ModTime: fi.ModTime()}, nil
}

// List returns committed keys under prefix. Temp files and dot directories
// are skipped.
func (b *Filesystem) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(b.root, filepath.FromSlash(prefix))

	info, err := os.Stat(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("stat path: %w", err)
	}
	if !info.IsDir() {
		return []string{prefix}, nil
	}

	var keys []string
	err = filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			// a directory removed by a concurrent Delete is not an error
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if p != dir && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, tmpPrefix) {
			return nil
		}
		keys = append(keys, filepath.ToSlash(mustRel(b.root, p)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walking directory: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}

// Writer returns a PendingWriter backed by a temp file next to the
// destination.
func (b *Filesystem) Writer(ctx context.Context, key string) (PendingWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := b.path(key)
	if err != nil {
		return nil, err
	}

	dir := filepath.Dir(p)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating directory %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, tmpPrefix+"*")
	if err != nil {
		return nil, fmt.Errorf("creating temp file: %w", err)
	}

	return &atomicWriter{f: tmp, tmpPath: tmp.Name(), dstPath: p}, nil
}

func (b *Filesystem) path(key string) (string, error) {
	cleaned, err := CleanKey(key)
	if err != nil {
		return "", fmt.Errorf("%w: %q", err, key)
	}
	return filepath.Join(b.root, filepath.FromSlash(cleaned)), nil
}

// pruneEmptyDirs removes dir and its parents while they are empty, stopping at
// the root. Failures are ignored; a concurrent writer may repopulate a
// directory at any time.
func (b *Filesystem) pruneEmptyDirs(dir string) {
	for dir != b.root && strings.HasPrefix(dir, b.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func mustRel(root, p string) string {
	rel, err := filepath.Rel(root, p)
	if err != nil {
		return p
	}
	return rel
}

// atomicWriter publishes a temp file by renaming it over the destination.
type atomicWriter struct {
	f       *os.File
	tmpPath string
	dstPath string
	done    bool
}

func (w *atomicWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.f.Write(p)
}

// Close syncs the temp file and renames it into place.
func (w *atomicWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true

	if err := w.f.Sync(); err != nil {
		_ = w.f.Close()
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("syncing file: %w", err)
	}
	if err := w.f.Close(); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(w.tmpPath, w.dstPath); err != nil {
		_ = os.Remove(w.tmpPath)
		return fmt.Errorf("renaming temp file: %w", err)
	}
	return nil
}

// Abort removes the temp file.
func (w *atomicWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	_ = w.f.Close()
	if err := os.Remove(w.tmpPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

var (
	_ Backend       = (*Filesystem)(nil)
	_ WriterBackend = (*Filesystem)(nil)
	_ StatBackend   = (*Filesystem)(nil)
)
