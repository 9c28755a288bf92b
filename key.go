package imagecache

import (
	"fmt"
	"strconv"
	"strings"
)

// Key addresses one cached artifact: a source image resized to a width and
// height. Its string form is "<source>/<width>/<height>", which is also the
// storage prefix the artifact lives under.
type Key string

// String implements fmt.Stringer.
func (k Key) String() string {
	return string(k)
}

// DeriveKey derives the cache key for source resized to width x height,
// bounded by MaxDimension.
func DeriveKey(source, width, height int) (Key, error) {
	return DeriveKeyWithLimit(source, width, height, MaxDimension)
}

// DeriveKeyWithLimit is DeriveKey with an explicit dimension bound. The
// result depends only on its arguments.
func DeriveKeyWithLimit(source, width, height, max int) (Key, error) {
	if max <= 0 {
		max = MaxDimension
	}
	if source <= 0 {
		return "", fmt.Errorf("%w: source id must be greater than 0, got %d", ErrInvalidDimensions, source)
	}
	if err := checkDimension("width", width, max); err != nil {
		return "", err
	}
	if err := checkDimension("height", height, max); err != nil {
		return "", err
	}
	return Key(fmt.Sprintf("%d/%d/%d", source, width, height)), nil
}

// ParseKey splits a key back into its source id and dimensions.
func ParseKey(s string) (source, width, height int, err error) {
	parts := strings.Split(s, "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("invalid cache key %q: expected source/width/height", s)
	}
	vals := make([]int, 3)
	for i, p := range parts {
		// reject forms like "+1" or "01" so that ParseKey(DeriveKey(...)) is the
		// only way back to a key
		if p == "" || p[0] == '+' || (len(p) > 1 && p[0] == '0') {
			return 0, 0, 0, fmt.Errorf("invalid cache key %q", s)
		}
		v, convErr := strconv.Atoi(p)
		if convErr != nil || v <= 0 {
			return 0, 0, 0, fmt.Errorf("invalid cache key %q", s)
		}
		vals[i] = v
	}
	return vals[0], vals[1], vals[2], nil
}
