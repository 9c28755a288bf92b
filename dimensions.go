package imagecache

import (
	"fmt"
	"strconv"
)

// MaxDimension is the default upper bound for a requested width or height.
const MaxDimension = 3048

// Dimensions is a validated target size in pixels.
type Dimensions struct {
	Width  int
	Height int
}

// String returns the dimensions in WxH form.
func (d Dimensions) String() string {
	return fmt.Sprintf("%dx%d", d.Width, d.Height)
}

// ParseDimension parses a single raw dimension. Only plain decimal digits are
// accepted, so signs, whitespace and fractions are rejected. max <= 0 selects
// MaxDimension.
func ParseDimension(name, raw string, max int) (int, error) {
	if max <= 0 {
		max = MaxDimension
	}
	if raw == "" {
		return 0, fmt.Errorf("%w: %s is required", ErrInvalidDimensions, name)
	}
	for i := 0; i < len(raw); i++ {
		if raw[i] < '0' || raw[i] > '9' {
			return 0, fmt.Errorf("%w: %s must be a number, got %q", ErrInvalidDimensions, name, raw)
		}
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s out of range", ErrInvalidDimensions, name)
	}
	if err := checkDimension(name, n, max); err != nil {
		return 0, err
	}
	return n, nil
}

// ParseDimensions validates a raw width and height pair.
func ParseDimensions(width, height string, max int) (Dimensions, error) {
	w, err := ParseDimension("width", width, max)
	if err != nil {
		return Dimensions{}, err
	}
	h, err := ParseDimension("height", height, max)
	if err != nil {
		return Dimensions{}, err
	}
	return Dimensions{Width: w, Height: h}, nil
}

func checkDimension(name string, n, max int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %s must be greater than 0, got %d", ErrInvalidDimensions, name, n)
	}
	if n > max {
		return fmt.Errorf("%w: %s must be at most %d, got %d", ErrInvalidDimensions, name, max, n)
	}
	return nil
}
