package telemetry

import (
	"context"
	"io"
	"net/http"
	"time"
)

// InstrumentedTransport records object store request metrics for an
// http.RoundTripper.
type InstrumentedTransport struct {
	base http.RoundTripper
}

// NewInstrumentedTransport wraps base, or http.DefaultTransport when base is
// nil.
func NewInstrumentedTransport(base http.RoundTripper) *InstrumentedTransport {
	if base == nil {
		base = http.DefaultTransport
	}
	return &InstrumentedTransport{base: base}
}

// RoundTrip implements http.RoundTripper. Successful exchanges are recorded
// when the response body is closed so the byte count is known.
func (t *InstrumentedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	start := time.Now()

	resp, err := t.base.RoundTrip(req)
	if err != nil {
		outcome := "error"
		if req.Context().Err() != nil {
			outcome = "canceled"
		}
		RecordObjectStoreRequest(req.Context(), req.Method, outcome, time.Since(start), 0)
		return nil, err
	}

	resp.Body = &instrumentedBody{
		ReadCloser: resp.Body,
		ctx:        req.Context(),
		method:     req.Method,
		start:      start,
		outcome:    outcomeFromStatus(resp.StatusCode),
	}

	return resp, nil
}

func outcomeFromStatus(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	default:
		return "success"
	}
}

// instrumentedBody wraps a response body to record bytes read on close.
type instrumentedBody struct {
	io.ReadCloser
	ctx      context.Context
	method   string
	start    time.Time
	bytes    int64
	outcome  string
	recorded bool
}

func (b *instrumentedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.bytes += int64(n)
	return n, err
}

func (b *instrumentedBody) Close() error {
	if !b.recorded {
		b.recorded = true
		RecordObjectStoreRequest(b.ctx, b.method, b.outcome, time.Since(b.start), b.bytes)
	}
	return b.ReadCloser.Close()
}
