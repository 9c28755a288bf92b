// Package telemetry provides metrics, latency tracking and request tagging
// for structured logging.
package telemetry

import (
	"context"
	"net/http"
)

type contextKey string

// requestTagsKey is the context key for the request tags holder.
const requestTagsKey contextKey = "request_tags"

// CacheResult represents how a request was served.
type CacheResult string

const (
	// CacheHit means the artifact was already stored.
	CacheHit CacheResult = "hit"
	// CacheMiss means this request resized and stored the artifact.
	CacheMiss CacheResult = "miss"
	// CacheShared means the request waited on another request's resize.
	CacheShared CacheResult = "shared"
	// CacheBypass means the response was produced without the cache.
	CacheBypass CacheResult = "bypass"
	// CacheNA is used for requests that never touch the cache.
	CacheNA CacheResult = "na"
)

// RequestTags holds mutable request metadata that handlers can set for logging.
type RequestTags struct {
	CacheResult CacheResult
	Endpoint    string
	Key         string
	Source      int
}

// InjectTags creates a new request with an empty RequestTags in context.
// Call this in middleware before handlers run.
func InjectTags(r *http.Request) *http.Request {
	tags := &RequestTags{CacheResult: CacheBypass}
	return r.WithContext(context.WithValue(r.Context(), requestTagsKey, tags))
}

// GetTags retrieves the request tags from context.
// Returns nil if not in a request context with logging middleware.
func GetTags(r *http.Request) *RequestTags {
	return TagsFromContext(r.Context())
}

// TagsFromContext is GetTags for code that only holds the context.
func TagsFromContext(ctx context.Context) *RequestTags {
	if tags, ok := ctx.Value(requestTagsKey).(*RequestTags); ok {
		return tags
	}
	return nil
}

// SetCacheResult sets the cache result for logging.
func SetCacheResult(r *http.Request, result CacheResult) {
	if tags := GetTags(r); tags != nil {
		tags.CacheResult = result
	}
}

// SetEndpoint sets the endpoint type for logging.
func SetEndpoint(r *http.Request, endpoint string) {
	if tags := GetTags(r); tags != nil {
		tags.Endpoint = endpoint
	}
}

// SetArtifact records which cache key and source image served the request.
func SetArtifact(r *http.Request, key string, source int) {
	if tags := GetTags(r); tags != nil {
		tags.Key = key
		tags.Source = source
	}
}
