// Package imagetable implements the Image Table: a persistent,
// memory-mapped cache of pre-rendered pixel buffers for a single image
// format. See SPEC_FULL.md for the full design.
package imagetable

import (
	"errors"

	"github.com/google/uuid"
)

// Sentinel errors. Each is raised at the boundary described in its
// comment and wrapped with additional context via fmt.Errorf("...: %w").
var (
	// ErrOpenFailed is returned by Open when the backing file cannot be
	// created or opened.
	ErrOpenFailed = errors.New("imagetable: cannot open backing file")

	// ErrGrowthFailed is returned internally when ftruncate fails while
	// growing the backing file; Set logs it and returns nil (a cache
	// miss-equivalent, not a fatal error) per spec.md §7.
	ErrGrowthFailed = errors.New("imagetable: failed to grow backing file")

	// ErrClosed is returned by Set, Get and Reset when called after Close.
	// After Close, Exists reports false, Delete does nothing and a second
	// Close returns nil.
	ErrClosed = errors.New("imagetable: table is closed")

	// ErrInvalidFormat is returned by Open when the descriptor reports an
	// unusable geometry (zero width/height/bytesPerPixel, or an unsafe name).
	ErrInvalidFormat = errors.New("imagetable: invalid format descriptor")
)

// DrawFunc paints pixel data into the buffer backing a newly (re)claimed
// entry. It is invoked with the table lock released, per spec.md §4.1 step
// 6, so a slow renderer never blocks other table operations.
type DrawFunc func(buf PixelBuffer)

// PixelBuffer is the pixel-drawing callback's view of an entry slot: the
// raw bytes aliasing the mapped file region, plus the geometry needed to
// address rows within it.
type PixelBuffer struct {
	Bytes     []byte
	Width     int
	Height    int
	RowStride int
}

// entityKey is the in-memory map key for an EntityID (uuid.UUID is already
// comparable and hashable, so this is just a readability alias).
type entityKey = uuid.UUID
