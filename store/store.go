// Package store persists resized artifacts under their cache key.
//
// An artifact for key "3/300/200" is stored at "3/300/200/<unix-nanos>.jpeg".
// The key prefix is what lookups address; the timestamped file name keeps
// concurrent writers from clobbering each other's temp state.
package store

import (
	"context"
	"io"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
)

// Store is the cache store used by the pipeline.
type Store interface {
	// Lookup returns the artifact stored under key. A miss returns
	// (nil, nil). The caller must close Object.Body.
	Lookup(ctx context.Context, key imagecache.Key) (*Object, error)

	// Create starts a new artifact under key. Nothing is visible to Lookup
	// until Commit succeeds.
	Create(ctx context.Context, key imagecache.Key) (*Pending, error)

	// Put stores everything read from r as a new artifact under key.
	Put(ctx context.Context, key imagecache.Key, r io.Reader) (*Entry, error)

	// Delete removes every artifact stored under key.
	Delete(ctx context.Context, key imagecache.Key) error
}

// Entry describes a stored artifact.
type Entry struct {
	Key       imagecache.Key
	Location  string
	Size      int64
	Digest    imagecache.Digest
	CreatedAt time.Time
}

// ETag returns a strong entity tag for the artifact. Artifacts are immutable
// once committed so the location identifies the content.
func (e Entry) ETag() string {
	return imagecache.DigestBytes([]byte(e.Location)).ETag()
}

// Object is a looked up artifact and its content.
type Object struct {
	Entry
	Body io.ReadCloser
}

// MetadataTracker observes artifact lifecycle events, for example to drive
// eviction. Calls are best effort; errors never fail a cache operation.
type MetadataTracker interface {
	// Create records a newly committed artifact.
	Create(ctx context.Context, entry Entry) error
	// Touch records an access to the artifact stored under key.
	Touch(ctx context.Context, key imagecache.Key) error
	// Delete forgets key.
	Delete(ctx context.Context, key imagecache.Key) error
}
