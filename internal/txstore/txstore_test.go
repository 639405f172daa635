package txstore

import (
	"testing"
	"time"

	"chunkvault/internal/chunk"
	"chunkvault/internal/kv"
	"chunkvault/internal/storeerr"
)

// memStore is a trivial in-memory PageStore for exercising kv.Map without a
// real chunk store.
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

func newTestStore() (*Store, *kv.Map) {
	backing := newMemStore()
	undoLog := kv.New(backing, chunk.TypeUndoLogNode)
	prepared := kv.New(backing, chunk.TypeUndoLogNode)
	base := kv.New(backing, chunk.TypeUserMapNode)

	s := NewStore(undoLog, prepared)
	s.RegisterMap(usersMapID, base)
	return s, base
}

// put simulates what internal/txmap does on every write: log the
// pre-image, then install the new versioned value under the writer's
// op-id.
func put(t *testing.T, s *Store, base *kv.Map, tx *Transaction, key, value []byte) {
	t.Helper()
	var old VersionedValue
	if raw, err := base.Get(key); err == nil {
		decoded, derr := DecodeVersionedValue(raw)
		if derr != nil {
			t.Fatalf("decode existing value: %v", derr)
		}
		old = decoded
	} else if err != kv.ErrNotFound {
		t.Fatalf("Get: %v", err)
	}
	logID, err := s.Log(tx, usersMapID, key, old)
	if err != nil {
		t.Fatalf("Log: %v", err)
	}
	newVV := VersionedValue{Value: value, OpID: &OpID{Slot: tx.Slot(), LogID: logID}}
	if err := base.Put(key, EncodeVersionedValue(newVV)); err != nil {
		t.Fatalf("Put: %v", err)
	}
}

func TestCommitStripsOpID(t *testing.T) {
	s, base := newTestStore()
	tx, err := s.Begin("writer", time.Second)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	put(t, s, base, tx, []byte("k1"), []byte("v1"))

	if err := s.Commit(tx); err != nil {
		t.Fatalf("Commit: %v", err)
	}

	raw, err := base.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	vv, err := DecodeVersionedValue(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if vv.OpID != nil {
		t.Fatalf("committed value still carries an op-id: %+v", vv.OpID)
	}
	if string(vv.Value) != "v1" {
		t.Fatalf("got %q, want v1", vv.Value)
	}
	if got := s.StatusOf(tx.Slot()); got != StatusClosed {
		t.Fatalf("got status %v, want closed", got)
	}
}

func TestRollbackToSavepoint(t *testing.T) {
	s, base := newTestStore()
	tx, err := s.Begin("writer", time.Second)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	put(t, s, base, tx, []byte("k1"), []byte("v1"))
	savepoint := tx.currentLogID()
	put(t, s, base, tx, []byte("k1"), []byte("v2"))

	if err := s.RollbackTo(tx, savepoint); err != nil {
		t.Fatalf("RollbackTo: %v", err)
	}
	if got := tx.Status(); got != StatusOpen {
		t.Fatalf("got status %v after savepoint rollback, want open", got)
	}

	raw, err := base.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	vv, err := DecodeVersionedValue(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if string(vv.Value) != "v1" {
		t.Fatalf("got %q after rollback to savepoint, want v1", vv.Value)
	}
	if vv.OpID == nil || vv.OpID.Slot != tx.Slot() {
		t.Fatalf("rolled-back value should still carry the original writer's op-id")
	}

	if err := s.RollbackTo(tx, 0); err != nil {
		t.Fatalf("RollbackTo(0): %v", err)
	}
	if _, err := base.Get([]byte("k1")); err != kv.ErrNotFound {
		t.Fatalf("got %v, want ErrNotFound after full rollback", err)
	}
	if got := tx.Status(); got != StatusClosed {
		t.Fatalf("got status %v after full rollback, want closed", got)
	}
}

func TestWaitForDetectsDeadlock(t *testing.T) {
	s, _ := newTestStore()
	tx1, err := s.Begin("one", 2*time.Second)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	tx2, err := s.Begin("two", 2*time.Second)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		done <- s.WaitFor(tx2, tx1.Slot())
	}()

	// Give the goroutine above time to register tx2 as waiting on tx1
	// before closing the cycle from the other direction.
	time.Sleep(50 * time.Millisecond)

	err = s.WaitFor(tx1, tx2.Slot())
	if !storeerr.Is(err, storeerr.KindDeadlock) {
		t.Fatalf("got %v, want KindDeadlock", err)
	}

	// tx1 is named the victim: roll it all the way back, which wakes
	// tx2's still-pending WaitFor on tx1.
	if err := s.RollbackTo(tx1, 0); err != nil {
		t.Fatalf("RollbackTo tx1: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("tx2's WaitFor on tx1: %v", err)
	}
}

func TestLogTooBig(t *testing.T) {
	s, _ := newTestStore()
	tx, err := s.Begin("writer", time.Second)
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	status, hasRollback, _ := unpackWord(tx.statusWord.Load())
	tx.statusWord.Store(packWord(status, hasRollback, maxLogID))
	if _, err := s.Log(tx, usersMapID, []byte("k"), VersionedValue{}); !storeerr.Is(err, storeerr.KindTooBig) {
		t.Fatalf("got %v, want KindTooBig", err)
	}
}
