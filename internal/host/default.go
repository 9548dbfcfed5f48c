package host

import (
	"syscall"

	"github.com/vedon/imagetable/internal/imagefmt"
)

// DefaultRowAlignment is the hardware row alignment this package assumes
// when no platform-specific value is known (64 bytes, matching common SIMD
// and GPU texture-upload alignment requirements).
const DefaultRowAlignment = 64

// rawImage is the PlatformImage returned by Default. It carries no pixel
// copy of its own — Pixels aliases the table's mapped memory directly, per
// spec.md's alias-without-copy retrieval protocol.
type rawImage struct {
	Pixels  []byte
	Desc    imagefmt.Descriptor
	Scale   float64
	release func()
}

// Close invokes the release callback handed to NewImage. It is the
// caller's responsibility to call Close when finished displaying the
// image; forgetting to do so leaks the entry's in-use reference and the
// slot is never eligible for eviction.
func (r *rawImage) Close() error {
	if r.release != nil {
		r.release()
		r.release = nil
	}
	return nil
}

// Bytes returns the pixel slice this image aliases, satisfying PixelSource.
func (r *rawImage) Bytes() []byte { return r.Pixels }

var _ PixelSource = (*rawImage)(nil)

// Default is a minimal Host suitable for tests and the CLI demo: it
// reports the OS page size and DefaultRowAlignment, and its image
// constructor just wraps the pixel slice without copying.
type Default struct {
	Scale float64
}

var _ Host = Default{}

func (Default) PageSize() int      { return syscall.Getpagesize() }
func (Default) RowAlignment() int  { return DefaultRowAlignment }
func (d Default) ScreenScale() float64 {
	if d.Scale == 0 {
		return 1
	}
	return d.Scale
}

func (Default) NewImage(pixels []byte, desc imagefmt.Descriptor, scale float64, release func()) (PlatformImage, error) {
	return &rawImage{Pixels: pixels, Desc: desc, Scale: scale, release: release}, nil
}
