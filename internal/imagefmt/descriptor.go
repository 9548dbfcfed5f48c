// Package imagefmt describes the external image-format collaborator an
// Image Table is opened against. The table treats a Descriptor as opaque
// configuration: it never interprets pixel data beyond the geometry the
// Descriptor reports.
package imagefmt

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"path/filepath"
)

var ErrInvalidName = errors.New("format name must be non-empty and filename-safe")

// Bitmap layout flags, analogous to CGBitmapInfo on the platform this spec
// is modeled after. Callers OR these together for BitmapInfo().
const (
	BitmapInfoNone              uint32 = 0
	BitmapInfoAlphaPremult      uint32 = 1 << 0
	BitmapInfoByteOrder32Little uint32 = 1 << 1
)

// Descriptor is the external format-descriptor collaborator. Implementations
// must be immutable and return the same values for the lifetime of a Table.
type Descriptor interface {
	// Width and Height are pixel dimensions.
	Width() int
	Height() int

	// BytesPerPixel and BitsPerComponent describe the pixel encoding.
	BytesPerPixel() int
	BitsPerComponent() int

	// Grayscale reports whether the color model is single-channel.
	Grayscale() bool

	// BitmapInfo carries platform bitmap layout flags (alpha, byte order).
	BitmapInfo() uint32

	// Name is a stable, filename-safe identifier used to derive the
	// backing file names ("<Name>.imageTable", "<Name>.metadata").
	Name() string

	// MaximumCount is the configured entry budget for this format. The
	// table may raise the effective maximum if it is smaller than one
	// full chunk's worth of entries.
	MaximumCount() int

	// Fingerprint is a deterministic digest of every field above. Two
	// descriptors are compatible iff their fingerprints are equal.
	Fingerprint() [32]byte
}

// Static is a plain-value Descriptor implementation suitable for tests,
// CLI demos, and any caller that doesn't need a richer format object.
type Static struct {
	W, H              int
	BPP               int
	BitsPerComponent_ int
	IsGrayscale       bool
	Flags             uint32
	FormatName        string
	MaxCount          int
}

var _ Descriptor = Static{}

func (s Static) Width() int            { return s.W }
func (s Static) Height() int           { return s.H }
func (s Static) BytesPerPixel() int    { return s.BPP }
func (s Static) BitsPerComponent() int { return s.BitsPerComponent_ }
func (s Static) Grayscale() bool       { return s.IsGrayscale }
func (s Static) BitmapInfo() uint32    { return s.Flags }
func (s Static) Name() string          { return s.FormatName }
func (s Static) MaximumCount() int     { return s.MaxCount }

// Fingerprint hashes every field that defines on-disk compatibility. Any
// change to a field here changes the fingerprint and triggers the
// reconciliation-on-open reset described in spec.md §4.5.
func (s Static) Fingerprint() [32]byte {
	buf := make([]byte, 0, 64)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(s.W)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(s.H)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(s.BPP)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(s.BitsPerComponent_)))
	if s.IsGrayscale {
		buf = append(buf, 1)
	} else {
		buf = append(buf, 0)
	}
	buf = binary.LittleEndian.AppendUint32(buf, s.Flags)
	buf = binary.LittleEndian.AppendUint64(buf, uint64(int64(s.MaxCount)))
	buf = append(buf, s.FormatName...)
	return sha256.Sum256(buf)
}

// ValidateName reports whether name is non-empty and safe to use as a
// filename component (no path separators).
func ValidateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return ErrInvalidName
	}
	if name != filepath.Base(name) {
		return ErrInvalidName
	}
	return nil
}
