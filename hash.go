package imagecache

import (
	"encoding/hex"
	"fmt"
	"io"

	"github.com/zeebo/blake3"
)

// DigestSize is the size of an artifact digest in bytes.
const DigestSize = 32

// Digest is the BLAKE3-256 digest of a cached artifact's bytes.
type Digest [DigestSize]byte

// String returns the hex-encoded digest.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// ETag returns the digest as a quoted strong entity tag.
func (d Digest) ETag() string {
	return `"` + d.String() + `"`
}

// IsZero reports whether the digest is unset.
func (d Digest) IsZero() bool {
	return d == Digest{}
}

// MarshalText implements encoding.TextMarshaler.
func (d Digest) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Digest) UnmarshalText(text []byte) error {
	if len(text) != DigestSize*2 {
		return fmt.Errorf("invalid digest length: expected %d hex chars, got %d", DigestSize*2, len(text))
	}
	_, err := hex.Decode(d[:], text)
	return err
}

// ParseDigest parses a hex-encoded digest.
func ParseDigest(s string) (Digest, error) {
	var d Digest
	if err := d.UnmarshalText([]byte(s)); err != nil {
		return Digest{}, err
	}
	return d, nil
}

// DigestBytes computes the digest of data.
func DigestBytes(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// DigestReader digests everything read from r and returns the byte count.
func DigestReader(r io.Reader) (Digest, int64, error) {
	h := blake3.New()
	n, err := io.Copy(h, r)
	if err != nil {
		return Digest{}, n, fmt.Errorf("digesting content: %w", err)
	}
	var d Digest
	h.Sum(d[:0])
	return d, n, nil
}

// DigestWriter passes writes through to w while digesting them.
type DigestWriter struct {
	w io.Writer
	h *blake3.Hasher
	n int64
}

// NewDigestWriter wraps w.
func NewDigestWriter(w io.Writer) *DigestWriter {
	return &DigestWriter{w: w, h: blake3.New()}
}

// Write implements io.Writer. Only bytes accepted by the underlying writer
// are digested.
func (dw *DigestWriter) Write(p []byte) (int, error) {
	n, err := dw.w.Write(p)
	if n > 0 {
		_, _ = dw.h.Write(p[:n])
		dw.n += int64(n)
	}
	return n, err
}

// Sum returns the digest of all bytes written so far.
func (dw *DigestWriter) Sum() Digest {
	var d Digest
	dw.h.Sum(d[:0])
	return d
}

// BytesWritten returns the number of bytes written so far.
func (dw *DigestWriter) BytesWritten() int64 {
	return dw.n
}
