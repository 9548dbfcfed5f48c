// Package host describes the external platform collaborators an Image
// Table needs: page size and hardware row alignment (for layout math), the
// screen scale factor (passed through to the platform image constructor
// untouched), and a constructor that wraps mapped pixel bytes in whatever
// image type the host platform uses for on-screen display.
package host

import "github.com/vedon/imagetable/internal/imagefmt"

// PlatformImage is an opaque handle returned by a Host's image constructor.
// The table never inspects it; it only holds a reference long enough to
// keep the caller's handle reachable until Image.Release is called.
type PlatformImage interface{}

// PixelSource is an optional capability a PlatformImage may implement to
// expose its backing bytes directly, useful for hosts (or tests) that need
// to read pixels without going through a platform-specific drawing API.
type PixelSource interface {
	Bytes() []byte
}

// Host is the external platform collaborator.
type Host interface {
	// PageSize is the OS memory page size in bytes, used to align entry
	// slots and to step through pages during preheat.
	PageSize() int

	// RowAlignment is the hardware-required row alignment in bytes
	// (typically 64), used to compute row stride.
	RowAlignment() int

	// ScreenScale is the device scale factor, passed through to NewImage
	// verbatim; the table treats it as an opaque numeric input.
	ScreenScale() float64

	// NewImage wraps pixels (a slice aliasing mapped memory) in a
	// platform image object. release must be called by the platform
	// image's own teardown path exactly once, when the platform image is
	// no longer displayed; it is what allows the table to know the
	// mapped region is safe to become eligible for reuse again.
	NewImage(pixels []byte, desc imagefmt.Descriptor, scale float64, release func()) (PlatformImage, error)
}
