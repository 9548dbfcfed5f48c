package imagetable

import (
	"container/list"

	"github.com/google/uuid"
)

// indexState holds every piece of in-memory bookkeeping spec.md §3 and §4.4
// describe, guarded entirely by Table.mu — nothing in here takes its own
// lock. It is deliberately a plain struct of maps/lists rather than a
// wrapper around a generic LRU library: eviction here must skip entity ids
// that are currently in use (§4.4), a constraint no off-the-shelf
// Get/Add/Evict cache API expresses, so the MRU list and victim search are
// hand-rolled against container/list the way the teacher's own in-memory
// indexes are hand-rolled against plain maps.
type indexState struct {
	indexMap  map[uuid.UUID]int       // entity id -> entry index
	sourceMap map[uuid.UUID]uuid.UUID // entity id -> source-image id
	occupied  map[int]uuid.UUID       // entry index -> entity id (inverse of indexMap)

	mru      *list.List               // front = most recent; elements are uuid.UUID
	mruElems map[uuid.UUID]*list.Element

	inUse map[uuid.UUID]int // entity id -> outstanding Image count
}

func newIndexState() *indexState {
	return &indexState{
		indexMap:  make(map[uuid.UUID]int),
		sourceMap: make(map[uuid.UUID]uuid.UUID),
		occupied:  make(map[int]uuid.UUID),
		mru:       list.New(),
		mruElems:  make(map[uuid.UUID]*list.Element),
		inUse:     make(map[uuid.UUID]int),
	}
}

// reset empties every collection, returning the state to what a freshly
// opened table with no prior content would have (spec.md §4.1 reset).
func (s *indexState) reset() {
	s.indexMap = make(map[uuid.UUID]int)
	s.sourceMap = make(map[uuid.UUID]uuid.UUID)
	s.occupied = make(map[int]uuid.UUID)
	s.mru = list.New()
	s.mruElems = make(map[uuid.UUID]*list.Element)
	s.inUse = make(map[uuid.UUID]int)
}

// promote moves entity to the MRU head, inserting it if absent (spec.md
// §4.4 "access(entity_id)").
func (s *indexState) promote(entity uuid.UUID) {
	if elem, ok := s.mruElems[entity]; ok {
		s.mru.MoveToFront(elem)
		return
	}
	s.mruElems[entity] = s.mru.PushFront(entity)
}

// assign records that entity now occupies idx with the given source id.
func (s *indexState) assign(entity, source uuid.UUID, idx int) {
	s.indexMap[entity] = idx
	s.sourceMap[entity] = source
	s.occupied[idx] = entity
	s.promote(entity)
}

// forget removes every trace of entity: its index slot, source id, MRU
// position. It does not touch inUse — an outstanding Image's release is the
// only thing that decrements inUse, by design (spec.md §4.4).
//
// Returns the freed entry index and whether entity was known at all.
func (s *indexState) forget(entity uuid.UUID) (int, bool) {
	idx, ok := s.indexMap[entity]
	if !ok {
		return 0, false
	}
	delete(s.indexMap, entity)
	delete(s.sourceMap, entity)
	delete(s.occupied, idx)
	if elem, ok := s.mruElems[entity]; ok {
		s.mru.Remove(elem)
		delete(s.mruElems, entity)
	}
	return idx, true
}

// addInUse increments the in-use multiset count for entity.
func (s *indexState) addInUse(entity uuid.UUID) {
	s.inUse[entity]++
}

// removeInUse decrements the in-use multiset count for entity, removing the
// key entirely once it reaches zero.
func (s *indexState) removeInUse(entity uuid.UUID) {
	n, ok := s.inUse[entity]
	if !ok {
		return
	}
	if n <= 1 {
		delete(s.inUse, entity)
		return
	}
	s.inUse[entity] = n - 1
}

// isInUse reports whether any outstanding Image currently aliases entity.
func (s *indexState) isInUse(entity uuid.UUID) bool {
	return s.inUse[entity] > 0
}

// oldestNotInUse walks the MRU list from tail (oldest) to head (newest) and
// returns the first entity id that is not in the in-use multiset, per
// spec.md §4.4 step 2. Returns (uuid.Nil, false) if every entry is in use.
func (s *indexState) oldestNotInUse() (uuid.UUID, bool) {
	for elem := s.mru.Back(); elem != nil; elem = elem.Prev() {
		entity := elem.Value.(uuid.UUID)
		if !s.isInUse(entity) {
			return entity, true
		}
	}
	return uuid.Nil, false
}

// count returns the number of occupied entries, used by callers that need
// |indexMap| (invariant: |indexMap| = |occupied| = |sourceMap|).
func (s *indexState) count() int {
	return len(s.indexMap)
}
