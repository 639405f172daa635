package txmap

import (
	"testing"
	"time"

	"chunkvault/internal/chunk"
	"chunkvault/internal/kv"
	"chunkvault/internal/storeerr"
	"chunkvault/internal/txstore"
)

// memStore is a trivial in-memory PageStore, mirroring the one in
// internal/txstore's own tests; kept local since that one is unexported.
type memStore struct {
	pages map[chunk.PageRef][]byte
	next  uint64
}

func newMemStore() *memStore { return &memStore{pages: make(map[chunk.PageRef][]byte)} }

func (s *memStore) ReadPage(ref chunk.PageRef) ([]byte, error) {
	buf, ok := s.pages[ref]
	if !ok {
		return nil, kv.ErrNotFound
	}
	return buf, nil
}

func (s *memStore) WritePage(data []byte, typ chunk.PageType) (chunk.PageRef, error) {
	s.next++
	class := chunk.ClassForLen(uint32(len(data)))
	ref := chunk.PackPageRef(1, s.next, class, typ)
	s.pages[ref] = append([]byte{}, data...)
	return ref, nil
}

const usersMapID = 1

type harness struct {
	store *txstore.Store
	base  *kv.Map
}

func newHarness() *harness {
	backing := newMemStore()
	undoLog := kv.New(backing, chunk.TypeUndoLogNode)
	prepared := kv.New(backing, chunk.TypeUndoLogNode)
	base := kv.New(backing, chunk.TypeUserMapNode)

	s := txstore.NewStore(undoLog, prepared)
	s.RegisterMap(usersMapID, base)
	return &harness{store: s, base: base}
}

func (h *harness) begin(t *testing.T, owner string) *txstore.Transaction {
	t.Helper()
	tx, err := h.store.Begin(owner, 2*time.Second)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	return tx
}

func (h *harness) view(tx *txstore.Transaction) *Map {
	return Wrap(h.base, usersMapID, h.store, tx)
}

func TestGetSeesOwnUncommittedWrite(t *testing.T) {
	h := newHarness()
	tx := h.begin(t, "writer")
	m := h.view(tx)

	if err := m.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := m.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestUncommittedWriteInvisibleToOtherTransaction(t *testing.T) {
	h := newHarness()
	writer := h.begin(t, "writer")
	reader := h.begin(t, "reader")

	wm := h.view(writer)
	if err := wm.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	rm := h.view(reader)
	if _, err := rm.Get([]byte("k1")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound (no committed value yet)", err)
	}
}

func TestCommittedWriteVisibleToFreshTransaction(t *testing.T) {
	h := newHarness()
	writer := h.begin(t, "writer")
	wm := h.view(writer)
	if err := wm.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.store.Commit(writer); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	reader := h.begin(t, "reader")
	rm := h.view(reader)
	got, err := rm.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v1" {
		t.Fatalf("got %q, want v1", got)
	}
}

func TestReaderSeesPreImageWhileWriterStillOpen(t *testing.T) {
	h := newHarness()

	seeder := h.begin(t, "seeder")
	sm := h.view(seeder)
	if err := sm.Put([]byte("k1"), []byte("v0")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.store.Commit(seeder); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	writer := h.begin(t, "writer")
	wm := h.view(writer)
	if err := wm.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	reader := h.begin(t, "reader")
	rm := h.view(reader)
	got, err := rm.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v0" {
		t.Fatalf("got %q, want pre-image v0 while writer's tx is still open", got)
	}
}

func TestSecondWriterBlocksUntilFirstCommits(t *testing.T) {
	h := newHarness()
	first := h.begin(t, "first")
	fm := h.view(first)
	if err := fm.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	second := h.begin(t, "second")
	sm := h.view(second)

	done := make(chan error, 1)
	go func() {
		done <- sm.Put([]byte("k1"), []byte("v2"))
	}()

	select {
	case err := <-done:
		t.Fatalf("second writer returned early (err=%v), should have blocked on first's lock", err)
	case <-time.After(50 * time.Millisecond):
	}

	if err := h.store.Commit(first); err != nil {
		t.Fatalf("Commit first: %v", err)
	}

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("second writer: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("second writer never unblocked after first committed")
	}

	got, err := sm.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("got %q, want v2", got)
	}
}

func TestWriteWriteConflictTimesOut(t *testing.T) {
	h := newHarness()
	first := h.begin(t, "first")
	fm := h.view(first)
	if err := fm.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}

	shortTimeout, err := h.store.Begin("second", 20*time.Millisecond)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	sm := h.view(shortTimeout)

	err = sm.Put([]byte("k1"), []byte("v2"))
	if !storeerr.Is(err, storeerr.KindWriteConflict) {
		t.Fatalf("got %v, want KindWriteConflict", err)
	}
}

func TestDeleteIsInvisibleUntilCommitted(t *testing.T) {
	h := newHarness()
	seeder := h.begin(t, "seeder")
	sm := h.view(seeder)
	if err := sm.Put([]byte("k1"), []byte("v0")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := h.store.Commit(seeder); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	deleter := h.begin(t, "deleter")
	dm := h.view(deleter)
	if err := dm.Delete([]byte("k1")); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := dm.Get([]byte("k1")); err != ErrNotFound {
		t.Fatalf("deleter's own view: got %v, want ErrNotFound", err)
	}

	reader := h.begin(t, "reader")
	rm := h.view(reader)
	got, err := rm.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(got) != "v0" {
		t.Fatalf("got %q, want v0 (delete not yet committed)", got)
	}

	if err := h.store.Commit(deleter); err != nil {
		t.Fatalf("Commit: %v", err)
	}
	reader2 := h.begin(t, "reader2")
	rm2 := h.view(reader2)
	if _, err := rm2.Get([]byte("k1")); err != ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after delete committed", err)
	}
}

func TestIteratorSkipsInvisibleAndTombstonedEntries(t *testing.T) {
	h := newHarness()
	seeder := h.begin(t, "seeder")
	sm := h.view(seeder)
	for _, k := range []string{"a", "b", "c"} {
		if err := sm.Put([]byte(k), []byte(k+"-val")); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := h.store.Commit(seeder); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	writer := h.begin(t, "writer")
	wm := h.view(writer)
	if err := wm.Put([]byte("b"), []byte("b-updated")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := wm.Delete([]byte("c")); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	reader := h.begin(t, "reader")
	rm := h.view(reader)
	it, err := rm.NewIterator(nil)
	if err != nil {
		t.Fatalf("NewIterator: %v", err)
	}
	got := map[string]string{}
	for it.Next() {
		got[string(it.Key())] = string(it.Value())
	}
	want := map[string]string{"a": "a-val", "b": "b-val", "c": "c-val"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for k, v := range want {
		if got[k] != v {
			t.Fatalf("key %q: got %q, want %q", k, got[k], v)
		}
	}
}
