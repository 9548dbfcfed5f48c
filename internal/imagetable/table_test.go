package imagetable

import (
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/vedon/imagetable/internal/host"
	"github.com/vedon/imagetable/internal/imagefmt"
)

// smallFormat keeps each entry to a single page, so tests read the real
// effectiveMax off the opened table (tbl.layout.effectiveMax) and fill
// exactly that many entries to reach capacity, rather than hardcoding a
// count or assuming maxCount itself is the eviction threshold.
func smallFormat(name string, maxCount int) imagefmt.Static {
	return imagefmt.Static{
		W: 8, H: 8, BPP: 4, BitsPerComponent_: 8,
		FormatName: name, MaxCount: maxCount,
	}
}

func openTestTable(t *testing.T, desc imagefmt.Static) *Table {
	t.Helper()
	tbl, err := Open(Config{
		Dir:    t.TempDir(),
		Format: desc,
		Host:   host.Default{},
		Logger: discardLogger(),
	})
	if err != nil {
		t.Fatalf("Open() error: %v", err)
	}
	t.Cleanup(func() { _ = tbl.Close() })
	return tbl
}

func fillColor(shade byte) DrawFunc {
	return func(buf PixelBuffer) {
		for row := 0; row < buf.Height; row++ {
			start := row * buf.RowStride
			for col := 0; col < buf.Width*4; col++ {
				buf.Bytes[start+col] = shade
			}
		}
	}
}

func TestSetThenGetRoundTrip(t *testing.T) {
	tbl := openTestTable(t, smallFormat("roundtrip", 8))
	e, s := uuid.New(), uuid.New()

	if err := tbl.Set(e, s, fillColor(200)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	img, err := tbl.Get(e, s, false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if img == nil {
		t.Fatal("Get() returned nil image for a just-set entity")
	}
	defer img.Release()

	src, ok := img.Platform().(host.PixelSource)
	if !ok {
		t.Fatal("Default host's image does not implement PixelSource")
	}
	pixels := src.Bytes()
	if len(pixels) == 0 || pixels[0] != 200 {
		t.Fatalf("pixels[0] = %d, want 200 (draw's output aliased through Get)", pixels[0])
	}
}

func TestSetSameEntityTwiceLastDrawWins(t *testing.T) {
	tbl := openTestTable(t, smallFormat("overwrite", 8))
	e, s := uuid.New(), uuid.New()

	if err := tbl.Set(e, s, fillColor(10)); err != nil {
		t.Fatalf("Set() #1 error: %v", err)
	}
	if err := tbl.Set(e, s, fillColor(99)); err != nil {
		t.Fatalf("Set() #2 error: %v", err)
	}
	if got := tbl.Stats().Occupied; got != 1 {
		t.Fatalf("Occupied = %d, want 1 (same entity reassigned, not duplicated)", got)
	}

	img, err := tbl.Get(e, s, false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if img == nil {
		t.Fatal("Get() missed after two Set() calls for the same entity")
	}
	defer img.Release()
	if got := img.Platform().(host.PixelSource).Bytes()[0]; got != 99 {
		t.Fatalf("pixels[0] = %d, want 99 (second draw wins)", got)
	}
}

func TestDeleteThenGetIsMiss(t *testing.T) {
	tbl := openTestTable(t, smallFormat("delete", 8))
	e, s := uuid.New(), uuid.New()
	if err := tbl.Set(e, s, fillColor(1)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	tbl.Delete(e)

	img, err := tbl.Get(e, s, false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if img != nil {
		t.Fatal("Get() after Delete() returned a non-nil image")
	}
}

func TestGetSourceMismatchDeletesSlot(t *testing.T) {
	tbl := openTestTable(t, smallFormat("mismatch", 8))
	e, s1, s2 := uuid.New(), uuid.New(), uuid.New()

	if err := tbl.Set(e, s1, fillColor(1)); err != nil {
		t.Fatalf("Set(s1) error: %v", err)
	}
	if err := tbl.Set(e, s2, fillColor(2)); err != nil {
		t.Fatalf("Set(s2) error: %v", err)
	}

	// The header now reflects s2; asking for s1 is a mismatch and deletes
	// the (now reassigned) slot entirely.
	img, err := tbl.Get(e, s1, false)
	if err != nil {
		t.Fatalf("Get(s1) error: %v", err)
	}
	if img != nil {
		t.Fatal("Get() with a stale source id should report a miss")
	}

	img2, err := tbl.Get(e, s2, false)
	if err != nil {
		t.Fatalf("Get(s2) error: %v", err)
	}
	if img2 != nil {
		t.Fatal("Get() after a mismatch-triggered delete should still miss, even with the right source id")
	}

	if err := tbl.Set(e, s2, fillColor(2)); err != nil {
		t.Fatalf("Set(s2) re-add error: %v", err)
	}
	img3, err := tbl.Get(e, s2, false)
	if err != nil {
		t.Fatalf("Get(s2) after re-add error: %v", err)
	}
	if img3 == nil {
		t.Fatal("Get(s2) after re-adding the entity should hit")
	}
	img3.Release()
}

func TestGetWildcardSourceSkipsMismatchCheck(t *testing.T) {
	tbl := openTestTable(t, smallFormat("wildcard", 8))
	e, s := uuid.New(), uuid.New()
	if err := tbl.Set(e, s, fillColor(5)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	img, err := tbl.Get(e, uuid.Nil, false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if img == nil {
		t.Fatal("Get() with a nil (wildcard) source id should hit regardless of the stored source")
	}
	img.Release()
}

func TestExistsMirrorsGetVerification(t *testing.T) {
	tbl := openTestTable(t, smallFormat("exists", 8))
	e, s1, s2 := uuid.New(), uuid.New(), uuid.New()
	if err := tbl.Set(e, s1, fillColor(3)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if !tbl.Exists(e, s1) {
		t.Fatal("Exists(e, s1) = false, want true")
	}
	if tbl.Exists(e, s2) {
		t.Fatal("Exists(e, s2) = true for a mismatched source, want false")
	}
	// The mismatch above should have deleted the slot.
	if tbl.Exists(e, s1) {
		t.Fatal("Exists(e, s1) = true after a mismatch deleted the slot, want false")
	}
}

func TestEvictionPicksOldestNotInUse(t *testing.T) {
	desc := smallFormat("evict", 2)
	tbl := openTestTable(t, desc)
	max := tbl.layout.effectiveMax

	entities := make([]uuid.UUID, max+1)
	for i := range entities {
		entities[i] = uuid.New()
		if err := tbl.Set(entities[i], uuid.New(), fillColor(byte(i+1))); err != nil {
			t.Fatalf("Set(#%d) error: %v", i, err)
		}
	}

	if got := tbl.Stats().Occupied; got != max {
		t.Fatalf("Occupied = %d after filling past capacity, want %d (oldest evicted)", got, max)
	}

	// The very first entity set should have been the eviction victim: it
	// was the least recently touched once every slot filled.
	if tbl.Exists(entities[0], uuid.Nil) {
		t.Fatal("the oldest entity should have been evicted, but it still exists")
	}
	if !tbl.Exists(entities[len(entities)-1], uuid.Nil) {
		t.Fatal("the most recently set entity should still exist")
	}
}

func TestEvictionSkipsInUseEntity(t *testing.T) {
	desc := smallFormat("pin", 2)
	tbl := openTestTable(t, desc)
	max := tbl.layout.effectiveMax

	entities := make([]uuid.UUID, max)
	for i := range entities {
		entities[i] = uuid.New()
		if err := tbl.Set(entities[i], uuid.New(), fillColor(byte(i+1))); err != nil {
			t.Fatalf("Set(#%d) error: %v", i, err)
		}
	}

	// Pin the oldest entity by holding its image.
	held, err := tbl.Get(entities[0], uuid.Nil, false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if held == nil {
		t.Fatal("Get() unexpectedly missed")
	}
	defer held.Release()

	// Filling one more slot must evict the next-oldest, not the pinned entity.
	newEntity := uuid.New()
	if err := tbl.Set(newEntity, uuid.New(), fillColor(250)); err != nil {
		t.Fatalf("Set(new) error: %v", err)
	}

	if !tbl.Exists(entities[0], uuid.Nil) {
		t.Fatal("the in-use (pinned) entity must never be evicted")
	}
	if tbl.Exists(entities[1], uuid.Nil) {
		t.Fatal("the next-oldest not-in-use entity should have been evicted instead")
	}
}

func TestReopenPreservesEntries(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "table")
	desc := smallFormat("reopen", 8)

	e1, e2 := uuid.New(), uuid.New()
	src := uuid.New()

	tbl, err := Open(Config{Dir: dir, Format: desc, Host: host.Default{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Open() #1 error: %v", err)
	}
	if err := tbl.Set(e1, src, fillColor(11)); err != nil {
		t.Fatalf("Set(e1) error: %v", err)
	}
	if err := tbl.Set(e2, src, fillColor(22)); err != nil {
		t.Fatalf("Set(e2) error: %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close() #1 error: %v", err)
	}

	tbl2, err := Open(Config{Dir: dir, Format: desc, Host: host.Default{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Open() #2 error: %v", err)
	}
	defer tbl2.Close()

	img1, err := tbl2.Get(e1, src, false)
	if err != nil {
		t.Fatalf("Get(e1) after reopen error: %v", err)
	}
	if img1 == nil {
		t.Fatal("entity stored before close should survive reopen")
	}
	img1.Release()

	if !tbl2.Exists(e2, src) {
		t.Fatal("second entity stored before close should survive reopen")
	}
}

func TestReopenWithChangedFingerprintResetsTable(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "table")
	e := uuid.New()
	src := uuid.New()

	tbl, err := Open(Config{Dir: dir, Format: smallFormat("fpchange", 8), Host: host.Default{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Open() #1 error: %v", err)
	}
	if err := tbl.Set(e, src, fillColor(7)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := tbl.Close(); err != nil {
		t.Fatalf("Close() error: %v", err)
	}

	changed := smallFormat("fpchange", 8)
	changed.W = 16 // changes the fingerprint
	tbl2, err := Open(Config{Dir: dir, Format: changed, Host: host.Default{}, Logger: discardLogger()})
	if err != nil {
		t.Fatalf("Open() #2 error: %v", err)
	}
	defer tbl2.Close()

	if tbl2.Stats().Occupied != 0 {
		t.Fatal("reopening with a changed format descriptor should reset the table to empty")
	}
	if tbl2.Exists(e, src) {
		t.Fatal("entries from before a fingerprint change must not survive")
	}
}

func TestResetBehavesLikeFreshTable(t *testing.T) {
	tbl := openTestTable(t, smallFormat("resetme", 8))
	e := uuid.New()
	if err := tbl.Set(e, uuid.New(), fillColor(9)); err != nil {
		t.Fatalf("Set() error: %v", err)
	}
	if err := tbl.Reset(); err != nil {
		t.Fatalf("Reset() error: %v", err)
	}
	if tbl.Stats().Occupied != 0 || tbl.Stats().EntryCount != 0 {
		t.Fatalf("Stats() after Reset() = %+v, want a fresh empty table", tbl.Stats())
	}
	if tbl.Exists(e, uuid.Nil) {
		t.Fatal("entity from before Reset() should not exist afterward")
	}
}

func TestConcurrentSetAndGetDistinctEntities(t *testing.T) {
	tbl := openTestTable(t, smallFormat("concurrent", 64))

	const n = 32
	entities := make([]uuid.UUID, n)
	for i := range entities {
		entities[i] = uuid.New()
	}

	var g errgroup.Group
	for i, e := range entities {
		i, e := i, e
		g.Go(func() error {
			return tbl.Set(e, uuid.New(), fillColor(byte(i)))
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Set() error: %v", err)
	}

	for _, e := range entities {
		e := e
		g.Go(func() error {
			img, err := tbl.Get(e, uuid.Nil, false)
			if err != nil {
				return err
			}
			if img == nil {
				t.Errorf("Get(%s) missed after concurrent Set()", e)
				return nil
			}
			img.Release()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Get() error: %v", err)
	}
}

func TestSetToSameIndexSerializesDraws(t *testing.T) {
	tbl := openTestTable(t, smallFormat("monitor", 4))
	e, src := uuid.New(), uuid.New()

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		shade := byte(i * 10)
		g.Go(func() error {
			return tbl.Set(e, src, fillColor(shade))
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent Set() to the same entity error: %v", err)
	}

	img, err := tbl.Get(e, src, false)
	if err != nil {
		t.Fatalf("Get() error: %v", err)
	}
	if img == nil {
		t.Fatal("Get() after concurrent same-entity Set()s should still hit")
	}
	defer img.Release()

	// Serialized draws leave one complete fill, never a mix of shades.
	pixels := img.Platform().(host.PixelSource).Bytes()
	for row := 0; row < 8; row++ {
		for col := 0; col < 8*4; col++ {
			if got := pixels[row*tbl.layout.rowStride+col]; got != pixels[0] {
				t.Fatalf("pixel byte (row %d, col %d) = %d, want %d (draws interleaved)", row, col, got, pixels[0])
			}
		}
	}
}

func TestInvalidFormatRejected(t *testing.T) {
	_, err := Open(Config{Dir: t.TempDir(), Format: imagefmt.Static{W: 0, H: 8, BPP: 4}, Logger: discardLogger()})
	if err == nil {
		t.Fatal("Open() with zero width should fail")
	}
}

func TestNilEntityIDIsNoop(t *testing.T) {
	tbl := openTestTable(t, smallFormat("nilentity", 8))
	if err := tbl.Set(uuid.Nil, uuid.New(), fillColor(1)); err != nil {
		t.Fatalf("Set(uuid.Nil) error: %v", err)
	}
	if tbl.Stats().Occupied != 0 {
		t.Fatal("Set() with a nil entity id must not create an entry")
	}
	img, err := tbl.Get(uuid.Nil, uuid.New(), false)
	if err != nil || img != nil {
		t.Fatalf("Get(uuid.Nil) = (%v, %v), want (nil, nil)", img, err)
	}
}
