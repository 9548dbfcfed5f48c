package imagetable

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/vedon/imagetable/internal/format"
)

// metaFileVersion is the on-disk layout version of the metadata file body
// (the msgpack-encoded metaFile), independent of the per-format Fingerprint
// carried inside that body. Bumping it signals a metaFile shape change; a
// format.Header mismatch means "not one of our metadata files" rather than
// "stale/incompatible format", so it is handled separately from the
// fingerprint-mismatch reset path.
const metaFileVersion = 1

// metaEntityRecord is the per-entity record shape spec.md §6 names:
// "tableIndex" (integer), "contextUUID" (the record's source-image id, per
// §4.5's "{ table_index, source_image_id, mru_index }" shape — this spec
// calls it contextUUID, matching the source system's terminology for "the
// context an entity was rendered in"), and "mruIndex" (optional).
type metaEntityRecord struct {
	TableIndex  int    `msgpack:"tableIndex"`
	ContextUUID string `msgpack:"contextUUID"`
	MRUIndex    *int   `msgpack:"mruIndex,omitempty"`
}

// metaFile is the top-level property tree spec.md §4.5/§6 describes: a
// format fingerprint for change detection, and a nested dictionary of
// per-entity records keyed by the entity id's string form.
type metaFile struct {
	Format  []byte                      `msgpack:"format"`
	Entries map[string]metaEntityRecord `msgpack:"metadata"`
}

// metaSnapshot is the plain-value tree metaStore.save serializes off the
// table lock — a copy, never a live reference into indexState.
type metaSnapshot struct {
	fingerprint [32]byte
	entries     map[uuid.UUID]metaEntityRecord
}

// metaStore owns the on-disk metadata file: loading it at Open, and
// persisting it asynchronously after each Set, Delete, Reset and
// mismatch-triggered delete (Get's MRU promotion is not saved on its own;
// the next save carries it) via a single dedicated worker goroutine — the same buffered-channel-plus-one-consumer shape the
// teacher uses for its ingest pipeline (internal/orchestrator's ingestCh).
//
// Writes are non-atomic from the caller's point of view (queued, best
// effort) but each individual write is atomic on disk: encode to a temp
// file in the same directory, then os.Rename over the real path. This is
// the teacher's own chunk/file/meta_store.go Save() pattern, adopted here
// per spec.md §9's Open Question allowing exactly this upgrade with "no
// semantic change" versus a bare overwrite.
type metaStore struct {
	path     string
	fileMode os.FileMode
	logger   *slog.Logger

	queue chan metaSnapshot
	done  chan struct{}
}

func newMetaStore(path string, fileMode os.FileMode, logger *slog.Logger) *metaStore {
	if fileMode == 0 {
		fileMode = 0o644
	}
	s := &metaStore{
		path:     path,
		fileMode: fileMode,
		logger:   logger,
		queue:    make(chan metaSnapshot, 4),
		done:     make(chan struct{}),
	}
	go s.run()
	return s
}

// run is the single dedicated worker: it drains queue and writes each
// snapshot in the order received (so the file ends up holding the latest),
// closing done once the channel is closed and drained.
func (s *metaStore) run() {
	defer close(s.done)
	for snap := range s.queue {
		if err := s.writeSnapshot(snap); err != nil {
			s.logger.Warn("metadata write failed", "path", s.path, "error", err)
		}
	}
}

// enqueue hands a snapshot to the worker without blocking the caller
// beyond a full channel buffer; a full buffer means saves are arriving
// faster than they can be written; since only the latest state matters,
// we drop the oldest pending snapshot rather than block the table lock's
// releaser.
func (s *metaStore) enqueue(snap metaSnapshot) {
	select {
	case s.queue <- snap:
		return
	default:
	}
	select {
	case <-s.queue:
	default:
	}
	select {
	case s.queue <- snap:
	default:
	}
}

// close stops accepting new snapshots and waits for the worker to drain.
func (s *metaStore) close() {
	close(s.queue)
	<-s.done
}

func (s *metaStore) writeSnapshot(snap metaSnapshot) error {
	mf := metaFile{
		Format:  snap.fingerprint[:],
		Entries: make(map[string]metaEntityRecord, len(snap.entries)),
	}
	for entity, rec := range snap.entries {
		mf.Entries[entity.String()] = rec
	}
	body, err := msgpack.Marshal(mf)
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	hdr := format.Header{Type: format.TypeTableMeta, Version: metaFileVersion}
	data := make([]byte, 0, format.HeaderSize+len(body))
	data = append(data, hdr.Encode()[:]...)
	data = append(data, body...)

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".metadata-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata file: %w", err)
	}
	tmpPath := tmp.Name()
	if err := tmp.Chmod(s.fileMode); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp metadata file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp metadata file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp metadata file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename metadata file: %w", err)
	}
	return nil
}

// loadedMeta is what metaStore.load hands back to Table.Open to rebuild
// indexState from.
type loadedMeta struct {
	present     bool
	fingerprint [32]byte
	entries     map[uuid.UUID]metaEntityRecord
}

func (s *metaStore) load() (loadedMeta, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return loadedMeta{}, nil
		}
		return loadedMeta{}, fmt.Errorf("read metadata file: %w", err)
	}
	if _, err := format.DecodeAndValidate(data, format.TypeTableMeta, metaFileVersion); err != nil {
		return loadedMeta{}, fmt.Errorf("decode metadata header: %w", err)
	}

	var mf metaFile
	if err := msgpack.Unmarshal(data[format.HeaderSize:], &mf); err != nil {
		return loadedMeta{}, fmt.Errorf("decode metadata file: %w", err)
	}
	var fp [32]byte
	copy(fp[:], mf.Format)

	entries := make(map[uuid.UUID]metaEntityRecord, len(mf.Entries))
	for key, rec := range mf.Entries {
		id, err := uuid.Parse(key)
		if err != nil {
			continue
		}
		entries[id] = rec
	}
	return loadedMeta{present: true, fingerprint: fp, entries: entries}, nil
}

// deleteFiles removes the metadata file and the sibling data file, used
// when a format fingerprint mismatch forces a fresh start (spec.md §4.5).
func (s *metaStore) deleteFiles(dataPath string) {
	_ = os.Remove(s.path)
	_ = os.Remove(dataPath)
}

// applyLoaded rebuilds an indexState from a loadedMeta per spec.md §4.5
// Load: indexMap/sourceMap/occupied come directly from the entries, and
// MRU is reconstructed by placing each entity at its recorded mruIndex
// and compacting; entities with no recorded position stay in the index and
// are appended at the MRU tail after the ordered ones.
func applyLoaded(lm loadedMeta, s *indexState) {
	type placed struct {
		entity uuid.UUID
		mru    int
	}
	var ordered []placed

	for entity, rec := range lm.entries {
		s.indexMap[entity] = rec.TableIndex
		s.occupied[rec.TableIndex] = entity
		if rec.ContextUUID != "" {
			if src, err := uuid.Parse(rec.ContextUUID); err == nil {
				s.sourceMap[entity] = src
			}
		}
		if rec.MRUIndex != nil {
			ordered = append(ordered, placed{entity: entity, mru: *rec.MRUIndex})
		}
	}

	sort.Slice(ordered, func(i, j int) bool { return ordered[i].mru < ordered[j].mru })
	for _, p := range ordered {
		s.mruElems[p.entity] = s.mru.PushBack(p.entity)
	}
	// Any entity present in indexMap but absent from MRU (no recorded
	// mruIndex) is still a cache entry, just not eviction-ordered; append
	// it at the tail so it is the next eviction candidate, favoring
	// recency information we do have over entities we have none for.
	for entity := range lm.entries {
		if _, ok := s.mruElems[entity]; !ok {
			s.mruElems[entity] = s.mru.PushBack(entity)
		}
	}
}

// snapshotLocked builds a metaSnapshot from the current indexState. Callers
// must hold Table.mu; the snapshot itself is a deep copy safe to hand to
// the async worker after the lock is released.
func snapshotLocked(fingerprint [32]byte, s *indexState) metaSnapshot {
	entries := make(map[uuid.UUID]metaEntityRecord, len(s.indexMap))

	mruIndex := make(map[uuid.UUID]int, s.mru.Len())
	i := 0
	for elem := s.mru.Front(); elem != nil; elem = elem.Next() {
		mruIndex[elem.Value.(uuid.UUID)] = i
		i++
	}

	for entity, idx := range s.indexMap {
		rec := metaEntityRecord{TableIndex: idx}
		if src, ok := s.sourceMap[entity]; ok {
			rec.ContextUUID = src.String()
		}
		if pos, ok := mruIndex[entity]; ok {
			p := pos
			rec.MRUIndex = &p
		}
		entries[entity] = rec
	}
	return metaSnapshot{fingerprint: fingerprint, entries: entries}
}
