// Package backend provides the object storage layer underneath the artifact
// cache. Keys are slash separated paths such as "3/300/200/1700000000.jpeg".
package backend

import (
	"context"
	"errors"
	"io"
	"path"
	"strings"
	"time"
)

var (
	// ErrNotFound is returned when a key does not exist in the backend.
	ErrNotFound = errors.New("not found")

	// ErrInvalidKey is returned for keys that are empty, absolute or escape
	// the backend root.
	ErrInvalidKey = errors.New("invalid key")
)

// Backend defines the interface for storage backends.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Write stores data at the given key, replacing any existing value. The
	// value only becomes visible once it is complete.
	Write(ctx context.Context, key string, r io.Reader) error

	// Read retrieves data at the given key.
	// Returns ErrNotFound if the key does not exist.
	// The caller must close the returned ReadCloser.
	Read(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes data at the given key.
	// Returns nil if the key does not exist.
	Delete(ctx context.Context, key string) error

	// Exists checks if a key exists.
	Exists(ctx context.Context, key string) (bool, error)

	// List returns all committed keys under prefix in lexical order. Writes
	// that have not been committed are never listed.
	List(ctx context.Context, prefix string) ([]string, error)
}

// PendingWriter is an uncommitted write. Close publishes the data at its key
// in one step; Abort discards it. Calls after the first Close or Abort are
// no-ops.
type PendingWriter interface {
	io.WriteCloser
	Abort() error
}

// WriterBackend extends Backend with streaming writes.
type WriterBackend interface {
	Backend

	// Writer returns a PendingWriter for the given key.
	Writer(ctx context.Context, key string) (PendingWriter, error)
}

// Info describes a stored value.
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// StatBackend extends Backend with metadata lookups.
type StatBackend interface {
	Backend

	// Stat returns metadata for key, or ErrNotFound.
	Stat(ctx context.Context, key string) (Info, error)
}

// CleanKey normalises key and rejects anything that could address a
// location outside the backend root.
func CleanKey(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") || strings.Contains(key, "\\") {
		return "", ErrInvalidKey
	}
	for _, part := range strings.Split(key, "/") {
		if part == ".." {
			return "", ErrInvalidKey
		}
	}
	cleaned := path.Clean(key)
	if cleaned == "." {
		return "", ErrInvalidKey
	}
	return cleaned, nil
}

// cleanPrefix is CleanKey for list prefixes, where the empty prefix means
// everything.
func cleanPrefix(prefix string) (string, error) {
	if prefix == "" {
		return "", nil
	}
	return CleanKey(strings.TrimSuffix(prefix, "/"))
}
