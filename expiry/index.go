// Package expiry bounds the cache size by evicting least recently accessed
// artifacts.
package expiry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/store"
)

var bucketEntries = []byte("entries")

// ErrNotFound is returned when a key has no metadata.
var ErrNotFound = errors.New("metadata not found")

// EntryMetadata is what the index keeps per cache key.
type EntryMetadata struct {
	Key          imagecache.Key `json:"key"`
	Location     string         `json:"location"`
	Size         int64          `json:"size"`
	CreatedAt    time.Time      `json:"created_at"`
	LastAccessed time.Time      `json:"last_accessed"`
}

// Stats returns aggregate statistics about indexed entries.
type Stats struct {
	TotalEntries int64     `json:"total_entries"`
	TotalSize    int64     `json:"total_size"`
	OldestAccess time.Time `json:"oldest_access"`
	NewestAccess time.Time `json:"newest_access"`
}

// Index records artifact sizes and access times in a bbolt database. It
// implements store.MetadataTracker.
type Index struct {
	db     *bbolt.DB
	logger *slog.Logger
	now    func() time.Time
	noSync bool
}

var _ store.MetadataTracker = (*Index)(nil)

// IndexOption configures an Index.
type IndexOption func(*Index)

// WithLogger sets the logger for the index.
func WithLogger(logger *slog.Logger) IndexOption {
	return func(i *Index) {
		i.logger = logger
	}
}

// WithNow sets the time function for testing.
func WithNow(now func() time.Time) IndexOption {
	return func(i *Index) {
		i.now = now
	}
}

// WithNoSync disables fsync per transaction. Only for tests.
func WithNoSync(noSync bool) IndexOption {
	return func(i *Index) {
		i.noSync = noSync
	}
}

// OpenIndex opens or creates the index database at path.
func OpenIndex(path string, opts ...IndexOption) (*Index, error) {
	idx := &Index{
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(idx)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{
		Timeout: 1 * time.Second,
		NoSync:  idx.noSync,
	})
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}
	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketEntries)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket %s: %w", bucketEntries, err)
	}
	idx.db = db

	idx.logger.Debug("opened expiry index", "path", path)
	return idx, nil
}

// Close closes the database.
func (i *Index) Close() error {
	return i.db.Close()
}

// Create records a newly committed artifact. When the key already has an
// artifact the entry keeps the older location, which is the one lookups
// serve, and the sizes are summed since eviction removes both.
func (i *Index) Create(_ context.Context, e store.Entry) error {
	now := i.now()
	return i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		if val := b.Get([]byte(e.Key)); val != nil {
			var prev EntryMetadata
			if err := json.Unmarshal(val, &prev); err == nil {
				if e.Location < prev.Location {
					prev.Location = e.Location
					prev.CreatedAt = e.CreatedAt
				}
				prev.Size += max(e.Size, 0)
				prev.LastAccessed = now
				return putEntry(b, &prev)
			}
		}
		created := e.CreatedAt
		if created.IsZero() {
			created = now
		}
		return putEntry(b, &EntryMetadata{
			Key:          e.Key,
			Location:     e.Location,
			Size:         e.Size,
			CreatedAt:    created,
			LastAccessed: now,
		})
	})
}

// Touch updates the last access time for key.
func (i *Index) Touch(_ context.Context, key imagecache.Key) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		val := b.Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		var meta EntryMetadata
		if err := json.Unmarshal(val, &meta); err != nil {
			return fmt.Errorf("unmarshaling entry: %w", err)
		}
		meta.LastAccessed = i.now()
		return putEntry(b, &meta)
	})
}

// Delete forgets key. Deleting an unknown key is not an error.
func (i *Index) Delete(_ context.Context, key imagecache.Key) error {
	return i.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).Delete([]byte(key))
	})
}

// Get returns the metadata for key.
func (i *Index) Get(_ context.Context, key imagecache.Key) (*EntryMetadata, error) {
	var meta *EntryMetadata
	err := i.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketEntries).Get([]byte(key))
		if val == nil {
			return ErrNotFound
		}
		meta = &EntryMetadata{}
		return json.Unmarshal(val, meta)
	})
	if err != nil {
		return nil, err
	}
	return meta, nil
}

// List returns every indexed entry in key order. Undecodable records are
// skipped.
func (i *Index) List(_ context.Context) ([]*EntryMetadata, error) {
	var results []*EntryMetadata
	err := i.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketEntries).ForEach(func(k, v []byte) error {
			var meta EntryMetadata
			if err := json.Unmarshal(v, &meta); err != nil {
				i.logger.Warn("skipping corrupt index entry", "key", string(k), "error", err)
				return nil
			}
			results = append(results, &meta)
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("listing index: %w", err)
	}
	return results, nil
}

// GetStats returns aggregate statistics.
func (i *Index) GetStats(ctx context.Context) (*Stats, error) {
	entries, err := i.List(ctx)
	if err != nil {
		return nil, err
	}

	stats := &Stats{}
	for _, meta := range entries {
		stats.TotalEntries++
		stats.TotalSize += meta.Size

		if stats.OldestAccess.IsZero() || meta.LastAccessed.Before(stats.OldestAccess) {
			stats.OldestAccess = meta.LastAccessed
		}
		if meta.LastAccessed.After(stats.NewestAccess) {
			stats.NewestAccess = meta.LastAccessed
		}
	}
	return stats, nil
}

// EntryLister lists the artifacts in a cache.
type EntryLister interface {
	List(ctx context.Context) ([]store.Entry, error)
}

// Rebuild replaces the index contents with the artifacts found in the cache,
// keeping access times for keys that were already indexed. It returns the
// number of indexed keys.
func (i *Index) Rebuild(ctx context.Context, l EntryLister) (int, error) {
	entries, err := l.List(ctx)
	if err != nil {
		return 0, fmt.Errorf("listing cache: %w", err)
	}

	// first artifact per key is the one served
	first := make(map[imagecache.Key]store.Entry, len(entries))
	sizes := make(map[imagecache.Key]int64, len(entries))
	for _, e := range entries {
		sizes[e.Key] += max(e.Size, 0)
		if prev, ok := first[e.Key]; !ok || e.Location < prev.Location {
			first[e.Key] = e
		}
	}

	now := i.now()
	err = i.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketEntries)
		accessed := make(map[imagecache.Key]time.Time)
		if err := b.ForEach(func(k, v []byte) error {
			var meta EntryMetadata
			if json.Unmarshal(v, &meta) == nil {
				accessed[imagecache.Key(k)] = meta.LastAccessed
			}
			return nil
		}); err != nil {
			return err
		}

		if err := tx.DeleteBucket(bucketEntries); err != nil {
			return err
		}
		b, err := tx.CreateBucket(bucketEntries)
		if err != nil {
			return err
		}

		for key, e := range first {
			last, ok := accessed[key]
			if !ok {
				last = e.CreatedAt
				if last.IsZero() {
					last = now
				}
			}
			if err := putEntry(b, &EntryMetadata{
				Key:          key,
				Location:     e.Location,
				Size:         sizes[key],
				CreatedAt:    e.CreatedAt,
				LastAccessed: last,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("rebuilding index: %w", err)
	}

	i.logger.Info("rebuilt expiry index", "entries", len(first))
	return len(first), nil
}

func putEntry(b *bbolt.Bucket, meta *EntryMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("marshaling entry: %w", err)
	}
	if err := b.Put([]byte(meta.Key), data); err != nil {
		return fmt.Errorf("putting entry: %w", err)
	}
	return nil
}
