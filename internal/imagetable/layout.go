package imagetable

import "github.com/vedon/imagetable/internal/imagefmt"

// headerSize is the trailing per-entry metadata: 16 bytes entity id + 16
// bytes source-image id (spec.md §3, "Entry header (on disk)").
const headerSize = 32

// minEntriesPerChunk is the floor spec.md §3 places on entriesPerChunk
// regardless of how large entryLength is.
const minEntriesPerChunk = 4

// targetChunkBytes is the nominal chunk size spec.md §3 divides by
// entryLength to derive entriesPerChunk (2 MiB).
const targetChunkBytes = 2 * 1024 * 1024

// layout holds the geometry derived from a format descriptor and a host's
// page size / row alignment, per spec.md §3's invariants. It never changes
// after Open for a given table instance.
type layout struct {
	rowStride       int
	imageBytes      int
	entryLength     int
	entriesPerChunk int
	chunkLength     int
	effectiveMax    int
}

func alignUp(n, align int) int {
	if align <= 0 {
		return n
	}
	rem := n % align
	if rem == 0 {
		return n
	}
	return n + (align - rem)
}

// computeLayout implements spec.md §3's invariants:
//
//	row_stride      = align_for_hw(width * bytes_per_pixel)
//	image_bytes     = row_stride * height
//	entry_length    = align_up(image_bytes + header_size, page_size)
//	entries_per_chunk = max(4, floor(2 MiB / entry_length))
//	chunk_length    = entry_length * entries_per_chunk
//	effective_max   = max(configured_maximum, entries_per_chunk)
func computeLayout(desc imagefmt.Descriptor, pageSize, rowAlignment int) layout {
	rowStride := alignUp(desc.Width()*desc.BytesPerPixel(), rowAlignment)
	imageBytes := rowStride * desc.Height()
	entryLength := alignUp(imageBytes+headerSize, pageSize)

	entriesPerChunk := targetChunkBytes / entryLength
	if entriesPerChunk < minEntriesPerChunk {
		entriesPerChunk = minEntriesPerChunk
	}
	chunkLength := entryLength * entriesPerChunk

	effectiveMax := desc.MaximumCount()
	if effectiveMax < entriesPerChunk {
		effectiveMax = entriesPerChunk
	}

	return layout{
		rowStride:       rowStride,
		imageBytes:      imageBytes,
		entryLength:     entryLength,
		entriesPerChunk: entriesPerChunk,
		chunkLength:     chunkLength,
		effectiveMax:    effectiveMax,
	}
}

// chunkCountFor returns ceil(entryCount / entriesPerChunk).
func (l layout) chunkCountFor(entryCount int) int {
	if entryCount == 0 {
		return 0
	}
	return (entryCount + l.entriesPerChunk - 1) / l.entriesPerChunk
}

// entryOffsetInChunk returns the byte offset of entry idx within its chunk.
func (l layout) entryOffsetInChunk(idx int) int {
	return (idx % l.entriesPerChunk) * l.entryLength
}

// chunkIndexFor returns which chunk entry idx lives in.
func (l layout) chunkIndexFor(idx int) int {
	return idx / l.entriesPerChunk
}

// entityIDOffset and sourceIDOffset locate the 16-byte id fields within an
// entry slot, per spec.md §6's filesystem layout: pixel bytes, padding,
// entity id, source id.
func (l layout) entityIDOffset() int { return l.entryLength - headerSize }
func (l layout) sourceIDOffset() int { return l.entryLength - headerSize/2 }
