package imagetable

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"github.com/vedon/imagetable/internal/host"
	"github.com/vedon/imagetable/internal/imagefmt"
	"github.com/vedon/imagetable/internal/logging"
)

// Config configures a Table. Dir and Format are required; Host, Logger and
// FileMode have documented defaults, following the teacher's own
// Config-struct-with-filled-in-defaults construction pattern
// (internal/chunk/file.Config / internal/chunk/memory.Config).
type Config struct {
	// Dir is the per-process cache subdirectory the backing and metadata
	// files live in.
	Dir string

	// Format is the external format descriptor this table is specialized
	// for. Required.
	Format imagefmt.Descriptor

	// Host is the external platform collaborator. If nil, host.Default{}
	// is used.
	Host host.Host

	// Logger receives conditions met while opening (raised maximum, format
	// change, metadata load failure, reconciliation), eviction pressure, and
	// grow, flush, unmap and metadata write failures. Successful evictions
	// and resets are not logged. If nil, logging is discarded.
	Logger *slog.Logger

	// FileMode is applied to newly created backing/metadata files.
	// Defaults to 0o644.
	FileMode os.FileMode
}

// Table is the Image Table orchestrator (spec.md §4.1). It coordinates
// chunk mapping, entry allocation, MRU eviction, and metadata persistence
// behind a single mutex.
//
// Go's sync.Mutex is not reentrant, unlike the single reentrant mutex
// spec.md describes. Following the teacher's own Manager
// (internal/chunk/file/manager.go: openLocked, sealLocked helpers called
// while mu is already held), each public method locks once and does any
// work it shares with other methods through *Locked helpers (deleteLocked,
// releaseEntryLocked, verifyAndMaybeDeleteLocked, ...) that assume the lock
// is already held and never call back through a public, locking method. This reproduces the spec's locking
// semantics without needing actual reentrancy.
type Table struct {
	mu sync.Mutex

	cfg    Config
	logger *slog.Logger
	layout layout

	hostPageSize int

	file     *os.File
	dataPath string
	fileLen  int64

	entryCount int
	chunkCount int

	fingerprint [32]byte
	index       *indexState
	chunks      map[int]*mmapChunk
	monitors    map[int]*sync.Mutex

	meta *metaStore

	closed bool
}

// Open creates (if missing) or opens the backing file and metadata for
// cfg.Format, reconciling any stale metadata against the actual file
// length (spec.md §4.1 "Reconciliation on open"). Open rejects a descriptor
// with unusable geometry or an unsafe name (ErrInvalidFormat); beyond that
// it fails only when the cache directory or backing file cannot be created,
// opened or truncated. Every other condition is logged and absorbed into an
// empty or partial starting state.
func Open(cfg Config) (*Table, error) {
	if cfg.Format == nil || cfg.Format.Width() <= 0 || cfg.Format.Height() <= 0 || cfg.Format.BytesPerPixel() <= 0 {
		return nil, ErrInvalidFormat
	}
	if err := imagefmt.ValidateName(cfg.Format.Name()); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidFormat, err)
	}
	if cfg.Host == nil {
		cfg.Host = host.Default{}
	}
	if cfg.FileMode == 0 {
		cfg.FileMode = 0o644
	}
	logger := logging.Default(cfg.Logger).With("component", "imagetable", "format", cfg.Format.Name())

	l := computeLayout(cfg.Format, cfg.Host.PageSize(), cfg.Host.RowAlignment())
	if cfg.Format.MaximumCount() < l.entriesPerChunk {
		logger.Warn("configured maximum count is smaller than one chunk; raising effective maximum",
			"configuredMaximum", cfg.Format.MaximumCount(),
			"effectiveMaximum", l.effectiveMax,
		)
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}
	dataPath := filepath.Join(cfg.Dir, cfg.Format.Name()+".imageTable")
	metaPath := filepath.Join(cfg.Dir, cfg.Format.Name()+".metadata")

	file, err := os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, cfg.FileMode)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
	}

	fingerprint := cfg.Format.Fingerprint()
	metaStoreHandle := newMetaStore(metaPath, cfg.FileMode, logger)

	lm, err := metaStoreHandle.load()
	if err != nil {
		logger.Warn("metadata load failed; starting empty", "error", err)
		lm = loadedMeta{}
	}

	fileLen := info.Size()
	if lm.present && lm.fingerprint != fingerprint {
		logger.Info("format fingerprint changed; resetting table", "path", dataPath)
		metaStoreHandle.deleteFiles(dataPath)
		// The old data file is now unlinked; reopen so the table writes to a
		// fresh file at dataPath rather than to the orphaned descriptor.
		file.Close()
		file, err = os.OpenFile(dataPath, os.O_RDWR|os.O_CREATE, cfg.FileMode)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}
		fileLen = 0
		lm = loadedMeta{}
	}

	entryCount := int(fileLen / int64(l.entryLength))
	index := newIndexState()
	if lm.present {
		applyLoaded(lm, index)
	}

	t := &Table{
		cfg:          cfg,
		logger:       logger,
		layout:       l,
		hostPageSize: cfg.Host.PageSize(),
		file:         file,
		dataPath:     dataPath,
		fileLen:      int64(entryCount) * int64(l.entryLength),
		entryCount:   entryCount,
		chunkCount:   l.chunkCountFor(entryCount),
		fingerprint:  fingerprint,
		index:        index,
		chunks:       make(map[int]*mmapChunk),
		monitors:     make(map[int]*sync.Mutex),
		meta:         metaStoreHandle,
	}

	// Reconciliation: metadata referencing slots the file no longer has
	// (e.g. the data file was deleted while metadata survived) forces a
	// full reset.
	if index.count() > entryCount {
		logger.Warn("metadata references more entries than the backing file has; resetting",
			"indexed", index.count(), "entryCount", entryCount)
		index.reset()
		if err := file.Truncate(0); err != nil {
			file.Close()
			return nil, fmt.Errorf("%w: %w", ErrOpenFailed, err)
		}
		t.entryCount = 0
		t.chunkCount = 0
		t.fileLen = 0
	}

	return t, nil
}

// allocateLocked implements spec.md §4.4's next_entry_index algorithm.
func (t *Table) allocateLocked() int {
	candidate := t.entryCount
	for i := 0; i < t.entryCount; i++ {
		if _, ok := t.index.occupied[i]; !ok {
			candidate = i
			break
		}
	}

	if candidate >= t.layout.effectiveMax && t.index.mru.Len() > 0 {
		if victim, ok := t.index.oldestNotInUse(); ok {
			t.deleteLocked(victim)
			return t.allocateLocked()
		}
	}

	if candidate >= t.layout.effectiveMax {
		t.logger.Warn("eviction pressure: no evictable entry; growing past effective maximum",
			"candidate", candidate, "effectiveMaximum", t.layout.effectiveMax)
	}
	return candidate
}

// growLocked ensures entryCount covers at least minCount entries, growing
// by whole chunks via ftruncate (spec.md §4.1 step 1).
func (t *Table) growLocked(minCount int) error {
	targetChunks := t.chunkCount + 1
	if needed := t.layout.chunkCountFor(minCount); needed > targetChunks {
		targetChunks = needed
	}
	newEntryCount := targetChunks * t.layout.entriesPerChunk
	newFileLen := int64(newEntryCount) * int64(t.layout.entryLength)

	if err := t.file.Truncate(newFileLen); err != nil {
		return fmt.Errorf("%w: %w", ErrGrowthFailed, err)
	}
	t.entryCount = newEntryCount
	t.chunkCount = targetChunks
	t.fileLen = newFileLen
	return nil
}

// chunkLocked returns the cached chunk for ci, mapping it if necessary
// (spec.md §4.2).
func (t *Table) chunkLocked(ci int) (*mmapChunk, error) {
	if c, ok := t.chunks[ci]; ok {
		return c, nil
	}
	start := int64(ci) * int64(t.layout.chunkLength)
	end := start + int64(t.layout.chunkLength)
	if end > t.fileLen {
		end = t.fileLen
	}
	c, err := mapChunk(t.file, ci, start, int(end-start))
	if err != nil {
		return nil, err
	}
	t.chunks[ci] = c
	return c, nil
}

// acquireEntryLocked maps (if needed) the chunk containing idx and returns
// a new Entry handle over that slot, incrementing the chunk's live count.
func (t *Table) acquireEntryLocked(idx int) (*Entry, error) {
	c, err := t.chunkLocked(t.layout.chunkIndexFor(idx))
	if err != nil {
		return nil, err
	}
	c.live++
	return &Entry{
		table:           t,
		chunk:           c,
		index:           idx,
		offset:          t.layout.entryOffsetInChunk(idx),
		imageByteLength: t.layout.imageBytes,
	}, nil
}

// releaseEntry locks and delegates to releaseEntryLocked; Entry.Release
// calls this.
func (t *Table) releaseEntry(e *Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.releaseEntryLocked(e)
}

// releaseEntryLocked decrements e's chunk's live count and unmaps the
// chunk once it reaches zero and the cache still points at it (spec.md
// §4.2).
func (t *Table) releaseEntryLocked(e *Entry) {
	c := e.chunk
	c.live--
	if c.live > 0 {
		return
	}
	if cached, ok := t.chunks[c.index]; ok && cached == c {
		delete(t.chunks, c.index)
		if err := c.unmap(); err != nil {
			t.logger.Warn("unmap chunk failed", "chunk", c.index, "error", err)
		}
	}
}

// monitorForLocked returns the stable per-index monitor for idx, creating
// it if absent. It is never pruned (spec.md §9's design note).
func (t *Table) monitorForLocked(idx int) *sync.Mutex {
	m, ok := t.monitors[idx]
	if !ok {
		m = &sync.Mutex{}
		t.monitors[idx] = m
	}
	return m
}

// deleteLocked implements spec.md §4.1 delete's bookkeeping only (no
// metadata persist, no lock); callers persist afterward if appropriate.
func (t *Table) deleteLocked(entity uuid.UUID) {
	t.index.forget(entity)
}

// persistMetadataLocked snapshots index state and hands it to the async
// metadata worker (spec.md §4.5 Save). Must be called with mu held; the
// snapshot itself is safe to use after mu is released.
func (t *Table) persistMetadataLocked() {
	t.meta.enqueue(snapshotLocked(t.fingerprint, t.index))
}

// verifyAndMaybeDeleteLocked acquires the Entry for entity (if any entry is
// indexed for it) and checks both header ids against the caller's
// expectations. A uuid.Nil sourceImageID is treated as a wildcard that
// skips the source-id comparison (spec.md §9's Open Question, resolved
// here in favor of relaxing the fetch-side check). On mismatch the stale
// entry is deleted and metadata persisted, matching Get and Exists having
// identical mismatch-handling by construction rather than by convention.
func (t *Table) verifyAndMaybeDeleteLocked(entityID, sourceImageID uuid.UUID) (*Entry, bool) {
	idx, ok := t.index.indexMap[entityID]
	if !ok {
		return nil, false
	}
	entry, err := t.acquireEntryLocked(idx)
	if err != nil {
		t.logger.Warn("acquire entry failed", "entity", entityID, "error", err)
		return nil, false
	}
	if entry.EntityID() != entityID || (sourceImageID != uuid.Nil && entry.SourceImageID() != sourceImageID) {
		t.releaseEntryLocked(entry)
		t.deleteLocked(entityID)
		t.persistMetadataLocked()
		return nil, false
	}
	return entry, true
}

// Set renders and stores an image for entityID, sourced from
// sourceImageID, calling draw with a buffer aliasing the claimed entry's
// mapped bytes (spec.md §4.1 set).
func (t *Table) Set(entityID, sourceImageID uuid.UUID, draw DrawFunc) error {
	if entityID == uuid.Nil || draw == nil {
		return nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}

	idx, existed := t.index.indexMap[entityID]
	if !existed {
		idx = t.allocateLocked()
	}
	if idx >= t.entryCount {
		if err := t.growLocked(idx + 1); err != nil {
			t.logger.Warn("set: grow failed, cannot proceed", "entity", entityID, "error", err)
			t.mu.Unlock()
			return nil
		}
	}

	entry, err := t.acquireEntryLocked(idx)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("imagetable: set %s: %w", entityID, err)
	}

	entry.writeHeader(entityID, sourceImageID)
	t.index.assign(entityID, sourceImageID, idx)
	monitor := t.monitorForLocked(idx)
	t.persistMetadataLocked()
	t.mu.Unlock()

	monitor.Lock()
	draw(PixelBuffer{
		Bytes:     entry.PixelBytes(),
		Width:     t.cfg.Format.Width(),
		Height:    t.cfg.Format.Height(),
		RowStride: t.layout.rowStride,
	})
	if err := entry.Flush(); err != nil {
		t.logger.Warn("set: flush failed", "entity", entityID, "error", err)
	}
	monitor.Unlock()

	entry.Release()
	return nil
}

// Get retrieves a previously stored image, aliasing the mapped entry
// directly (spec.md §4.1 get). The returned Image's Release must be called
// exactly once, when the caller is done displaying it.
func (t *Table) Get(entityID, sourceImageID uuid.UUID, preheat bool) (*Image, error) {
	if entityID == uuid.Nil {
		return nil, nil
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	entry, ok := t.verifyAndMaybeDeleteLocked(entityID, sourceImageID)
	if !ok {
		t.mu.Unlock()
		return nil, nil
	}
	t.index.promote(entityID)
	t.index.addInUse(entityID)
	t.mu.Unlock()

	entry.onRelease = func() {
		t.mu.Lock()
		t.index.removeInUse(entityID)
		t.mu.Unlock()
	}

	platformImg, err := t.cfg.Host.NewImage(entry.PixelBytes(), t.cfg.Format, t.cfg.Host.ScreenScale(), entry.Release)
	if err != nil {
		entry.Release()
		return nil, fmt.Errorf("imagetable: get %s: new image: %w", entityID, err)
	}
	if preheat {
		entry.Preheat()
	}
	return &Image{platform: platformImg, release: entry.Release}, nil
}

// Exists mirrors Get's verification without constructing an image: a
// header mismatch still deletes the stale entry (spec.md §4.1 exists).
func (t *Table) Exists(entityID, sourceImageID uuid.UUID) bool {
	if entityID == uuid.Nil {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return false
	}
	entry, ok := t.verifyAndMaybeDeleteLocked(entityID, sourceImageID)
	if !ok {
		return false
	}
	t.releaseEntryLocked(entry)
	return true
}

// Delete removes entityID from every index structure. It does not zero the
// backing bytes; the slot becomes eligible for reuse (spec.md §4.1
// delete).
func (t *Table) Delete(entityID uuid.UUID) {
	if entityID == uuid.Nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	if _, ok := t.index.indexMap[entityID]; !ok {
		return
	}
	t.deleteLocked(entityID)
	t.persistMetadataLocked()
}

// Reset clears all in-memory state and truncates the backing file to zero
// length, leaving a table behaviorally identical to a freshly opened one
// of the same format (spec.md §4.1 reset).
func (t *Table) Reset() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return ErrClosed
	}
	for idx, c := range t.chunks {
		if err := c.unmap(); err != nil {
			t.logger.Warn("reset: unmap chunk failed", "chunk", idx, "error", err)
		}
	}
	t.chunks = make(map[int]*mmapChunk)
	t.index.reset()

	if err := t.file.Truncate(0); err != nil {
		return fmt.Errorf("imagetable: reset: %w", err)
	}
	t.entryCount = 0
	t.chunkCount = 0
	t.fileLen = 0
	t.persistMetadataLocked()
	return nil
}

// Stats is a read-only snapshot of table occupancy, useful for callers
// (e.g. a host UI or the CLI) that want to report cache health without
// reaching into internals.
type Stats struct {
	EntryCount int
	ChunkCount int
	Occupied   int
	InUse      int
	FileLength int64
}

// Stats returns a point-in-time snapshot of the table's occupancy.
func (t *Table) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	inUse := 0
	for _, n := range t.index.inUse {
		inUse += n
	}
	return Stats{
		EntryCount: t.entryCount,
		ChunkCount: t.chunkCount,
		Occupied:   t.index.count(),
		InUse:      inUse,
		FileLength: t.fileLen,
	}
}

// Close stops the metadata worker and unmaps every chunk with no
// outstanding Entry handles. Chunks still referenced by a live Entry (e.g.
// an Image the caller hasn't released yet) are left mapped; it is the
// caller's responsibility to release every Image before relying on Close
// to have freed all memory.
func (t *Table) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	for idx, c := range t.chunks {
		if c.live == 0 {
			if err := c.unmap(); err != nil {
				t.logger.Warn("close: unmap chunk failed", "chunk", idx, "error", err)
			}
			delete(t.chunks, idx)
		}
	}
	file := t.file
	t.mu.Unlock()

	t.meta.close()
	return file.Close()
}

// Image wraps a PlatformImage whose pixel data aliases a mapped Entry. Its
// lifetime extends the Entry's: Release must be called exactly once, after
// which the image must not be displayed again.
type Image struct {
	platform host.PlatformImage
	release  func()
}

// Platform returns the opaque platform image handle passed back from
// Host.NewImage.
func (img *Image) Platform() host.PlatformImage { return img.platform }

// Release drops this image's hold on its backing Entry, decrementing the
// in-use count for the entity id it was vended for. Safe to call more than
// once; only the first call has effect.
func (img *Image) Release() { img.release() }
