// Package txmap wraps a plain internal/kv.Map with ACID semantics: every
// mutation is logged to internal/txstore's undo log before it lands, and
// every read resolves the visibility rule — a transaction's own writes
// and already-committed values are visible immediately, a write still
// locked by another open transaction shows its pre-image instead.
package txmap

import (
	"errors"

	"chunkvault/internal/kv"
	"chunkvault/internal/storeerr"
	"chunkvault/internal/txstore"
)

// ErrNotFound is returned by Get when no visible value exists for a key.
var ErrNotFound = errors.New("txmap: key not found")

// Map is a kv.Map viewed through one transaction's eyes.
type Map struct {
	base  *kv.Map
	mapID uint32
	store *txstore.Store
	tx    *txstore.Transaction
}

// Wrap returns a transactional view of base for tx. base must already be
// registered with store under mapID (see txstore.Store.RegisterMap).
func Wrap(base *kv.Map, mapID uint32, store *txstore.Store, tx *txstore.Transaction) *Map {
	return &Map{base: base, mapID: mapID, store: store, tx: tx}
}

func (m *Map) readRaw(key []byte) (txstore.VersionedValue, bool, error) {
	raw, err := m.base.Get(key)
	if err == kv.ErrNotFound {
		return txstore.VersionedValue{}, false, nil
	}
	if err != nil {
		return txstore.VersionedValue{}, false, err
	}
	vv, err := txstore.DecodeVersionedValue(raw)
	if err != nil {
		return txstore.VersionedValue{}, false, err
	}
	return vv, true, nil
}

// Get resolves the visible value for key under the wrapped transaction's
// snapshot: the committed value, this transaction's own uncommitted
// write, or — if the key is locked by another still-open transaction —
// that transaction's pre-image, which is what every other snapshot must
// see until it commits or rolls back.
func (m *Map) Get(key []byte) ([]byte, error) {
	vv, ok, err := m.readRaw(key)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNotFound
	}
	if vv.OpID == nil || vv.OpID.Slot == m.tx.Slot() {
		if vv.Value == nil {
			return nil, ErrNotFound
		}
		return vv.Value, nil
	}

	status := m.store.StatusOf(vv.OpID.Slot)
	if status == txstore.StatusCommitted || status == txstore.StatusCommitting {
		if vv.Value == nil {
			return nil, ErrNotFound
		}
		return vv.Value, nil
	}

	undoKey := txstore.PackUndoKey(vv.OpID.Slot, vv.OpID.LogID)
	entryRaw, err := m.store.UndoLog().Get(undoKey)
	if err == kv.ErrNotFound {
		// The writer already committed and cleared its undo entries
		// between our read of the base value and this lookup; the
		// current value is authoritative.
		if vv.Value == nil {
			return nil, ErrNotFound
		}
		return vv.Value, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := txstore.DecodeUndoEntry(entryRaw)
	if err != nil {
		return nil, err
	}
	if entry.OldVV.Value == nil {
		return nil, ErrNotFound
	}
	return entry.OldVV.Value, nil
}

// Put writes value for key, waiting on (or failing against) any other
// transaction currently holding the key locked.
func (m *Map) Put(key, value []byte) error {
	return m.write(key, value)
}

// Delete removes key, represented internally as a versioned tombstone
// (a nil value under this transaction's op-id) until commit.
func (m *Map) Delete(key []byte) error {
	return m.write(key, nil)
}

func (m *Map) write(key, value []byte) error {
	for {
		cur, ok, err := m.readRaw(key)
		if err != nil {
			return err
		}
		if ok && cur.OpID != nil && cur.OpID.Slot != m.tx.Slot() {
			status := m.store.StatusOf(cur.OpID.Slot)
			if status == txstore.StatusClosed || status == txstore.StatusRolledBack {
				continue // the other writer already finished; re-read
			}
			if err := m.store.WaitFor(m.tx, cur.OpID.Slot); err != nil {
				return err
			}
			continue
		}

		old := txstore.VersionedValue{}
		if ok {
			old = cur
		}
		logID, err := m.store.Log(m.tx, m.mapID, key, old)
		if err != nil {
			return err
		}
		newVV := txstore.VersionedValue{Value: value, OpID: &txstore.OpID{Slot: m.tx.Slot(), LogID: logID}}
		if err := m.base.Put(key, txstore.EncodeVersionedValue(newVV)); err != nil {
			if undoErr := m.store.LogUndo(m.tx); undoErr != nil {
				return storeerr.New(storeerr.KindInternal, "txmap.write", undoErr)
			}
			return err
		}
		return nil
	}
}

// Iterator walks a snapshot of the base map's root as of creation,
// filtering each entry through the visibility rule. Stable for its
// lifetime even if concurrent writers mutate the base map afterward.
type Iterator struct {
	m  *Map
	it *kv.Iterator
}

// NewIterator returns an Iterator over keys >= from (nil starts at the
// beginning).
func (m *Map) NewIterator(from []byte) (*Iterator, error) {
	it, err := m.base.NewIterator(from)
	if err != nil {
		return nil, err
	}
	return &Iterator{m: m, it: it}, nil
}

// Next advances to the next visible entry, skipping keys whose visible
// value is a tombstone. Returns false once exhausted.
func (it *Iterator) Next() bool {
	for it.it.Next() {
		if _, err := it.resolve(); err == nil {
			return true
		}
	}
	return false
}

func (it *Iterator) resolve() ([]byte, error) {
	raw := it.it.Value()
	vv, err := txstore.DecodeVersionedValue(raw)
	if err != nil {
		return nil, err
	}
	if vv.OpID == nil || vv.OpID.Slot == it.m.tx.Slot() {
		if vv.Value == nil {
			return nil, ErrNotFound
		}
		return vv.Value, nil
	}
	status := it.m.store.StatusOf(vv.OpID.Slot)
	if status == txstore.StatusCommitted || status == txstore.StatusCommitting {
		if vv.Value == nil {
			return nil, ErrNotFound
		}
		return vv.Value, nil
	}
	undoKey := txstore.PackUndoKey(vv.OpID.Slot, vv.OpID.LogID)
	entryRaw, err := it.m.store.UndoLog().Get(undoKey)
	if err == kv.ErrNotFound {
		if vv.Value == nil {
			return nil, ErrNotFound
		}
		return vv.Value, nil
	}
	if err != nil {
		return nil, err
	}
	entry, err := txstore.DecodeUndoEntry(entryRaw)
	if err != nil {
		return nil, err
	}
	if entry.OldVV.Value == nil {
		return nil, ErrNotFound
	}
	return entry.OldVV.Value, nil
}

// Key returns the current entry's key. Valid only after a Next call that
// returned true.
func (it *Iterator) Key() []byte { return it.it.Key() }

// Value returns the current entry's visible value. Valid only after a
// Next call that returned true.
func (it *Iterator) Value() []byte {
	v, _ := it.resolve()
	return v
}
