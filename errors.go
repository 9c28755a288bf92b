package imagecache

import "errors"

var (
	// ErrInvalidDimensions is returned when a requested width or height is
	// missing, non-numeric, non-positive or above the configured maximum.
	ErrInvalidDimensions = errors.New("invalid dimensions")

	// ErrNoSourcesAvailable is returned when the source catalog is empty.
	ErrNoSourcesAvailable = errors.New("no source images available")

	// ErrUnknownSource is returned when a source selector does not name a
	// source in the catalog.
	ErrUnknownSource = errors.New("unknown source image")

	// ErrDecodeFailure is returned when a source image cannot be decoded.
	ErrDecodeFailure = errors.New("image decode failed")

	// ErrTransformFailure is returned when a decoded image cannot be resized
	// to the requested target.
	ErrTransformFailure = errors.New("image transform failed")

	// ErrStorageUnwritable is returned when a resized artifact cannot be
	// persisted to the cache.
	ErrStorageUnwritable = errors.New("cache storage unwritable")
)
