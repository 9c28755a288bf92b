package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/wolfeidau/image-cache/telemetry"
)

// InstrumentedBackend records operation counts, latency and bytes for the
// wrapped backend.
type InstrumentedBackend struct {
	backend Backend
	name    string
}

// NewInstrumentedBackend wraps b; name becomes the backend metric attribute.
func NewInstrumentedBackend(b Backend, name string) *InstrumentedBackend {
	return &InstrumentedBackend{backend: b, name: name}
}

func (ib *InstrumentedBackend) Write(ctx context.Context, key string, r io.Reader) error {
	start := time.Now()
	cr := &countingReader{r: r}
	err := ib.backend.Write(ctx, key, cr)
	telemetry.RecordBackendOp(ctx, ib.name, "write", outcomeFromError(err), time.Since(start), cr.n)
	return err
}

// Read records the open immediately and the bytes read once the body is
// closed.
func (ib *InstrumentedBackend) Read(ctx context.Context, key string) (io.ReadCloser, error) {
	start := time.Now()
	rc, err := ib.backend.Read(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "read", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &countingReadCloser{
		ReadCloser: rc,
		done: func(n int64) {
			telemetry.RecordBackendOp(ctx, ib.name, "read", "success", time.Since(start), n)
		},
	}, nil
}

func (ib *InstrumentedBackend) Delete(ctx context.Context, key string) error {
	start := time.Now()
	err := ib.backend.Delete(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "delete", outcomeFromError(err), time.Since(start), 0)
	return err
}

func (ib *InstrumentedBackend) Exists(ctx context.Context, key string) (bool, error) {
	start := time.Now()
	exists, err := ib.backend.Exists(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "exists", outcomeFromError(err), time.Since(start), 0)
	return exists, err
}

func (ib *InstrumentedBackend) List(ctx context.Context, prefix string) ([]string, error) {
	start := time.Now()
	keys, err := ib.backend.List(ctx, prefix)
	telemetry.RecordBackendOp(ctx, ib.name, "list", outcomeFromError(err), time.Since(start), 0)
	return keys, err
}

// Stat delegates to the wrapped backend when it implements StatBackend.
func (ib *InstrumentedBackend) Stat(ctx context.Context, key string) (Info, error) {
	sb, ok := ib.backend.(StatBackend)
	if !ok {
		return Info{}, fmt.Errorf("backend %s does not support Stat", ib.name)
	}
	start := time.Now()
	info, err := sb.Stat(ctx, key)
	telemetry.RecordBackendOp(ctx, ib.name, "stat", outcomeFromError(err), time.Since(start), 0)
	return info, err
}

// Writer delegates to the wrapped backend when it implements WriterBackend.
// The commit is recorded with the number of bytes written.
func (ib *InstrumentedBackend) Writer(ctx context.Context, key string) (PendingWriter, error) {
	wb, ok := ib.backend.(WriterBackend)
	if !ok {
		return nil, fmt.Errorf("backend %s does not support Writer", ib.name)
	}
	start := time.Now()
	w, err := wb.Writer(ctx, key)
	if err != nil {
		telemetry.RecordBackendOp(ctx, ib.name, "commit", outcomeFromError(err), time.Since(start), 0)
		return nil, err
	}
	return &instrumentedWriter{PendingWriter: w, ctx: ctx, ib: ib, start: start}, nil
}

// Unwrap returns the underlying backend.
func (ib *InstrumentedBackend) Unwrap() Backend {
	return ib.backend
}

func outcomeFromError(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

type countingReader struct {
	r io.Reader
	n int64
}

func (cr *countingReader) Read(p []byte) (int, error) {
	n, err := cr.r.Read(p)
	cr.n += int64(n)
	return n, err
}

type countingReadCloser struct {
	io.ReadCloser
	n      int64
	done   func(int64)
	closed bool
}

func (c *countingReadCloser) Read(p []byte) (int, error) {
	n, err := c.ReadCloser.Read(p)
	c.n += int64(n)
	return n, err
}

func (c *countingReadCloser) Close() error {
	err := c.ReadCloser.Close()
	if !c.closed {
		c.closed = true
		c.done(c.n)
	}
	return err
}

type instrumentedWriter struct {
	PendingWriter
	ctx   context.Context
	ib    *InstrumentedBackend
	start time.Time
	n     int64
}

func (w *instrumentedWriter) Write(p []byte) (int, error) {
	n, err := w.PendingWriter.Write(p)
	w.n += int64(n)
	return n, err
}

func (w *instrumentedWriter) Close() error {
	err := w.PendingWriter.Close()
	telemetry.RecordBackendOp(w.ctx, w.ib.name, "commit", outcomeFromError(err), time.Since(w.start), w.n)
	return err
}

var (
	_ WriterBackend = (*InstrumentedBackend)(nil)
	_ StatBackend   = (*InstrumentedBackend)(nil)
)
