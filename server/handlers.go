package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"

	imagecache "github.com/wolfeidau/image-cache"
	"github.com/wolfeidau/image-cache/expiry"
	"github.com/wolfeidau/image-cache/pipeline"
	"github.com/wolfeidau/image-cache/telemetry"
)

// handleImage serves GET /{width}/{height}[?source=<id>].
func (s *Server) handleImage(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "image")

	req := pipeline.Request{
		Source: r.URL.Query().Get("source"),
		Width:  r.PathValue("width"),
		Height: r.PathValue("height"),
	}
	sink := &httpSink{w: w, r: r}

	res, err := s.pipeline.Serve(r.Context(), req, sink)
	if res != nil {
		telemetry.SetCacheResult(r, res.CacheResult)
		telemetry.SetArtifact(r, res.Key.String(), res.Source)
	}
	if err == nil {
		return
	}
	if sink.wrote {
		// headers are gone, nothing left but to log
		s.logger.ErrorContext(r.Context(), "image response interrupted", "error", err)
		return
	}
	s.writeError(w, r, err)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	msg := "internal error"
	switch {
	case errors.Is(err, imagecache.ErrInvalidDimensions):
		status, msg = http.StatusBadRequest, err.Error()
	case errors.Is(err, imagecache.ErrUnknownSource):
		status, msg = http.StatusNotFound, "unknown source image"
	case errors.Is(err, imagecache.ErrNoSourcesAvailable):
		status, msg = http.StatusServiceUnavailable, "no source images available"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status, msg = http.StatusGatewayTimeout, "request timeout"
	default:
		s.logger.ErrorContext(r.Context(), "image request failed", "error", err)
	}
	writeJSON(w, status, map[string]string{"error": msg})
}

// httpSink adapts a ResponseWriter to pipeline.Sink. Headers are set from
// the artifact before the first body write.
type httpSink struct {
	w           http.ResponseWriter
	r           *http.Request
	wrote       bool
	notModified bool
}

func (s *httpSink) SetContentType(ct string) {
	s.w.Header().Set("Content-Type", ct)
}

func (s *httpSink) SetArtifact(a pipeline.Artifact) {
	h := s.w.Header()
	h.Set("X-Cache", string(a.CacheResult))
	if a.ETag == "" {
		h.Set("Cache-Control", "no-store")
		return
	}
	h.Set("ETag", a.ETag)
	h.Set("Cache-Control", "public, max-age=31536000, immutable")
	if etagMatch(s.r.Header.Get("If-None-Match"), a.ETag) {
		s.notModified = true
		s.wrote = true
		s.w.WriteHeader(http.StatusNotModified)
		return
	}
	if a.Size >= 0 {
		h.Set("Content-Length", strconv.FormatInt(a.Size, 10))
	}
}

func (s *httpSink) Write(p []byte) (int, error) {
	if s.notModified {
		return len(p), nil
	}
	s.wrote = true
	return s.w.Write(p)
}

func etagMatch(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimSpace(candidate)
		if candidate == "*" || strings.TrimPrefix(candidate, "W/") == etag {
			return true
		}
	}
	return false
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"message": "OK"})
}

type statsResponse struct {
	Sources int                      `json:"sources"`
	Latency []telemetry.LatencyStats `json:"latency"`
	Cache   *expiry.Stats            `json:"cache,omitempty"`
}

// handleStats reports latency quantiles and, when eviction is enabled, cache
// totals.
func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := statsResponse{
		Sources: s.catalog.Len(),
		Latency: s.latency.AllStats(),
	}
	if resp.Latency == nil {
		resp.Latency = []telemetry.LatencyStats{}
	}
	if s.expiryMgr != nil {
		stats, err := s.expiryMgr.GetStats(r.Context())
		if err != nil {
			s.logger.ErrorContext(r.Context(), "failed to read cache stats", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
			return
		}
		resp.Cache = stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
