package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gofrs/flock"
)

// LockDir is the directory, relative to the cache root, holding lock files.
const LockDir = ".locks"

const defaultRetryDelay = 10 * time.Millisecond

// FlockGroup is a Group backed by advisory file locks, so processes sharing
// one cache directory serialize work on the same key. Lock files are left in
// place after use.
type FlockGroup struct {
	dir        string
	retryDelay time.Duration
	mem        *MemLock
}

// NewFlockGroup creates the lock directory under root.
func NewFlockGroup(root string) (*FlockGroup, error) {
	dir := filepath.Join(root, LockDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{
		dir:        dir,
		retryDelay: defaultRetryDelay,
		mem:        NewMemLock(),
	}, nil
}

// Path returns the lock file used for key.
func (g *FlockGroup) Path(key string) string {
	name := strings.NewReplacer("/", "_", "\\", "_", "..", "_").Replace(key)
	return filepath.Join(g.dir, name+".lock")
}

func (g *FlockGroup) DoWithLock(key string, fn func() (any, error)) (any, error) {
	return g.DoWithLockContext(context.Background(), key, fn)
}

// DoWithLockContext is DoWithLock but gives up waiting for the file lock when
// ctx is done.
func (g *FlockGroup) DoWithLockContext(ctx context.Context, key string, fn func() (any, error)) (any, error) {
	// The in-process mutex keeps goroutines from polling the same file.
	return g.mem.DoWithLock(key, func() (any, error) {
		fl := flock.New(g.Path(key))
		locked, err := fl.TryLockContext(ctx, g.retryDelay)
		if err != nil {
			return nil, fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if !locked {
			return nil, fmt.Errorf("failed to lock %s", key)
		}
		defer func() { _ = fl.Unlock() }()
		return fn()
	})
}
