package imagetable

import (
	"sync/atomic"

	"github.com/google/uuid"
)

// Entry is a fixed-size, page-aligned slice of a mapped chunk: pixel bytes
// plus the trailing 32-byte id header (spec.md §3, §4.3). A single entry
// index may have multiple concurrent Entry handles outstanding (e.g. one
// held by an in-flight Set, another by a previously returned Image); each
// handle independently pins its chunk via mmapChunk.live and is released
// independently.
type Entry struct {
	table  *Table
	chunk  *mmapChunk
	index  int
	offset int // byte offset of this entry's slot within chunk.data

	imageByteLength int

	onRelease func() // invoked exactly once, on Release
	released  atomic.Bool
}

// slot returns the entry's full entryLength-byte region within its chunk's
// mapping.
func (e *Entry) slot() []byte {
	return e.chunk.data[e.offset : e.offset+e.table.layout.entryLength]
}

// PixelBytes returns the entry's image bytes only (excludes padding and the
// trailing id header) — the slice an Image or a draw callback operates on.
func (e *Entry) PixelBytes() []byte {
	return e.slot()[:e.imageByteLength]
}

func (e *Entry) entityIDBytes() [16]byte {
	var b [16]byte
	off := e.table.layout.entityIDOffset()
	copy(b[:], e.slot()[off:off+16])
	return b
}

func (e *Entry) sourceIDBytes() [16]byte {
	var b [16]byte
	off := e.table.layout.sourceIDOffset()
	copy(b[:], e.slot()[off:off+16])
	return b
}

// EntityID decodes the entry's trailing entity-id field.
func (e *Entry) EntityID() uuid.UUID {
	b := e.entityIDBytes()
	return uuid.UUID(b)
}

// SourceImageID decodes the entry's trailing source-image-id field.
func (e *Entry) SourceImageID() uuid.UUID {
	b := e.sourceIDBytes()
	return uuid.UUID(b)
}

// writeHeader writes both id fields atomically from the caller's point of
// view: both copies land before the table lock that guards this call is
// released, so no concurrent reader observes one written and not the other
// (spec.md §3, "Written atomically under the index lock before rendering").
func (e *Entry) writeHeader(entity, source uuid.UUID) {
	slot := e.slot()
	l := e.table.layout
	copy(slot[l.entityIDOffset():], entity[:])
	copy(slot[l.sourceIDOffset():], source[:])
}

// Flush asks the OS to write this entry's byte range back to disk.
func (e *Entry) Flush() error {
	return e.chunk.msyncRange(e.offset, e.table.layout.entryLength)
}

// Preheat touches one byte per OS page across the entry's pixel region to
// fault it into the process's resident set before first display.
func (e *Entry) Preheat() {
	pixels := e.PixelBytes()
	stride := e.table.hostPageSize
	if stride <= 0 {
		stride = len(pixels)
	}
	var sink byte
	for off := 0; off < len(pixels); off += stride {
		sink += pixels[off]
	}
	_ = sink
}

// Release decrements this Entry's parent chunk's live-entry count and runs
// the release callback exactly once. Calling Release more than once is a
// no-op: a caller's explicit release and a table-internal cleanup path
// (e.g. a mismatch-triggered delete) can legitimately race to release the
// same handle.
func (e *Entry) Release() {
	if !e.released.CompareAndSwap(false, true) {
		return
	}
	e.table.releaseEntry(e)
	if e.onRelease != nil {
		e.onRelease()
	}
}
