package backend

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"
	"time"
)

// Memory implements Backend in process memory. It is intended for tests and
// ephemeral deployments; nothing survives a restart.
type Memory struct {
	mu      sync.RWMutex
	entries map[string]memEntry
	now     func() time.Time
}

type memEntry struct {
	data    []byte
	modTime time.Time
}

// NewMemory returns an empty in-memory backend.
func NewMemory() *Memory {
	return &Memory{entries: make(map[string]memEntry), now: time.Now}
}

func (m *Memory) Write(ctx context.Context, key string, r io.Reader) error {
	w, err := m.Writer(ctx, key)
	if err != nil {
		return err
	}
	if _, err := io.Copy(w, r); err != nil {
		_ = w.Abort()
		return fmt.Errorf("writing data: %w", err)
	}
	return w.Close()
}

func (m *Memory) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}
	// values are never mutated after commit so the slice can be shared
	return io.NopCloser(bytes.NewReader(e.data)), nil
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	key, err := CleanKey(key)
	if err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	key, err := CleanKey(key)
	if err != nil {
		return false, err
	}
	m.mu.RLock()
	_, ok := m.entries[key]
	m.mu.RUnlock()
	return ok, nil
}

func (m *Memory) Stat(ctx context.Context, key string) (Info, error) {
	key, err := CleanKey(key)
	if err != nil {
		return Info{}, err
	}
	m.mu.RLock()
	e, ok := m.entries[key]
	m.mu.RUnlock()
	if !ok {
		return Info{}, ErrNotFound
	}
	return Info{Key: key, Size: int64(len(e.data)), ModTime: e.modTime}, nil
}

func (m *Memory) List(ctx context.Context, prefix string) ([]string, error) {
	prefix, err := cleanPrefix(prefix)
	if err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for k := range m.entries {
		if prefix == "" || k == prefix || strings.HasPrefix(k, prefix+"/") {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Writer buffers the value and stores it on Close.
func (m *Memory) Writer(ctx context.Context, key string) (PendingWriter, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	key, err := CleanKey(key)
	if err != nil {
		return nil, err
	}
	return &memWriter{m: m, key: key}, nil
}

// Len returns the number of stored values.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

type memWriter struct {
	m    *Memory
	key  string
	buf  bytes.Buffer
	done bool
}

func (w *memWriter) Write(p []byte) (int, error) {
	if w.done {
		return 0, os.ErrClosed
	}
	return w.buf.Write(p)
}

func (w *memWriter) Close() error {
	if w.done {
		return nil
	}
	w.done = true
	w.m.mu.Lock()
	w.m.entries[w.key] = memEntry{data: w.buf.Bytes(), modTime: w.m.now()}
	w.m.mu.Unlock()
	return nil
}

func (w *memWriter) Abort() error {
	if w.done {
		return nil
	}
	w.done = true
	w.buf.Reset()
	return nil
}

var (
	_ WriterBackend = (*Memory)(nil)
	_ StatBackend   = (*Memory)(nil)
)
