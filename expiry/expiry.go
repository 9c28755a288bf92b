package expiry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/telemetry"
)

// Config holds eviction configuration.
type Config struct {
	// MaxSize is the maximum total size of cached artifacts in bytes. When
	// exceeded, the least recently accessed keys are evicted until the cache
	// is under the limit. Zero disables eviction.
	MaxSize int64

	// CheckInterval is how often to check the cache size. Default is 5
	// minutes.
	CheckInterval time.Duration

	// Logger for eviction events.
	Logger *slog.Logger
}

// DefaultCheckInterval is used when Config.CheckInterval is zero.
const DefaultCheckInterval = 5 * time.Minute

// Deleter removes every artifact stored under a key.
type Deleter interface {
	Delete(ctx context.Context, key imagecache.Key) error
}

// Manager evicts least recently accessed artifacts to keep the cache under
// a size limit.
type Manager struct {
	config Config
	index  *Index
	store  Deleter
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewManager creates a new eviction manager.
func NewManager(idx *Index, st Deleter, cfg Config) *Manager {
	if cfg.CheckInterval == 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Manager{
		config: cfg,
		index:  idx,
		store:  st,
		logger: cfg.Logger.With("component", "expiry"),
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// Enabled reports whether a size limit is configured.
func (m *Manager) Enabled() bool {
	return m.config.MaxSize > 0
}

// Start begins background eviction checks. It does nothing when no size
// limit is configured.
func (m *Manager) Start(ctx context.Context) {
	m.mu.Lock()
	if m.stopped || m.running || !m.Enabled() {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop stops background eviction checks and waits for a running check to
// finish.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.RunOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.RunOnce(ctx)
		}
	}
}

// EvictResult contains the results of an eviction run.
type EvictResult struct {
	Evicted    int
	BytesFreed int64
	Errors     int
	Duration   time.Duration
}

// RunOnce performs a single eviction check.
func (m *Manager) RunOnce(ctx context.Context) *EvictResult {
	start := m.now()
	result := &EvictResult{}

	entries, err := m.index.List(ctx)
	if err != nil {
		m.logger.Error("failed to list index", "error", err)
		result.Errors++
		return result
	}

	var total int64
	for _, meta := range entries {
		total += meta.Size
	}

	if m.config.MaxSize > 0 && total > m.config.MaxSize {
		sort.Slice(entries, func(i, j int) bool {
			if entries[i].LastAccessed.Equal(entries[j].LastAccessed) {
				return entries[i].Key < entries[j].Key
			}
			return entries[i].LastAccessed.Before(entries[j].LastAccessed)
		})

		for _, meta := range entries {
			if total <= m.config.MaxSize {
				break
			}
			if err := m.evict(ctx, meta.Key); err != nil {
				m.logger.Warn("failed to evict", "key", meta.Key, "error", err)
				result.Errors++
				continue
			}
			result.Evicted++
			result.BytesFreed += meta.Size
			total -= meta.Size

			m.logger.Debug("evicted",
				"key", meta.Key,
				"last_accessed", meta.LastAccessed,
				"size", meta.Size,
			)
		}
	}

	result.Duration = m.now().Sub(start)
	telemetry.RecordEvictionRun(ctx, result.Evicted, result.BytesFreed, result.Duration)
	telemetry.UpdateCacheUsage(ctx, total, int64(len(entries)-result.Evicted))

	if result.Evicted > 0 {
		m.logger.Info("eviction complete",
			"evicted", result.Evicted,
			"bytes_freed", result.BytesFreed,
			"remaining_bytes", total,
			"duration", result.Duration,
		)
	}
	return result
}

func (m *Manager) evict(ctx context.Context, key imagecache.Key) error {
	if err := m.store.Delete(ctx, key); err != nil {
		return fmt.Errorf("deleting artifacts: %w", err)
	}
	// the store forgets the key when it tracks this index; this covers a
	// store that does not
	return m.index.Delete(ctx, key)
}

// GetStats returns current index statistics.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	return m.index.GetStats(ctx)
}
