// Package kv supplies the minimal persistent sorted-map abstraction that
// the rest of the engine builds on: the layout map, the undo log, and any
// user map are all an instance of this Map. Concrete B-tree/page
// traversal is explicitly out of scope for this engine (map mutation is
// treated as an external collaborator driving ReadPage/WritePage); this
// package implements the simplest structure that satisfies that contract
// — a single sorted run per map, rewritten wholesale whenever it is dirty
// — so the rest of the stack has something real to read and write pages
// through.
package kv

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sort"

	"chunkvault/internal/chunk"
)

// ErrNotFound is returned by Get when no entry exists for a key.
var ErrNotFound = errors.New("kv: key not found")

// PageStore is the page-level collaborator a Map reads and writes through.
// internal/chunkstore implements this; internal/kv never imports it, so
// layout-map (a kv.Map) and chunk store (a PageStore) can depend on each
// other without an import cycle.
type PageStore interface {
	ReadPage(ref chunk.PageRef) ([]byte, error)
	WritePage(data []byte, typ chunk.PageType) (chunk.PageRef, error)
}

type entry struct {
	key   []byte
	value []byte
}

// Map is a persistent sorted map over byte-string keys and values, backed
// by a single page per version. It is NOT safe for concurrent use; callers
// serialize access the same way they serialize chunk store saves.
type Map struct {
	store   PageStore
	pageTyp chunk.PageType
	root    chunk.PageRef
	entries []entry // sorted by key; loaded lazily from root
	loaded  bool
	dirty   bool
}

// New creates an empty, unrooted Map — used for a brand-new store before
// its first save.
func New(store PageStore, pageTyp chunk.PageType) *Map {
	return &Map{store: store, pageTyp: pageTyp, loaded: true}
}

// Open reopens a Map rooted at an existing page reference.
func Open(store PageStore, pageTyp chunk.PageType, root chunk.PageRef) *Map {
	return &Map{store: store, pageTyp: pageTyp, root: root}
}

func (m *Map) ensureLoaded() error {
	if m.loaded {
		return nil
	}
	if !m.root.Valid() {
		m.loaded = true
		return nil
	}
	buf, err := m.store.ReadPage(m.root)
	if err != nil {
		return fmt.Errorf("kv: load root %s: %w", m.root, err)
	}
	entries, err := decodeRun(buf)
	if err != nil {
		return fmt.Errorf("kv: decode root %s: %w", m.root, err)
	}
	m.entries = entries
	m.loaded = true
	return nil
}

func (m *Map) find(key []byte) int {
	return sort.Search(len(m.entries), func(i int) bool {
		return bytes.Compare(m.entries[i].key, key) >= 0
	})
}

// Get returns the value for key, or ErrNotFound.
func (m *Map) Get(key []byte) ([]byte, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	i := m.find(key)
	if i < len(m.entries) && bytes.Equal(m.entries[i].key, key) {
		return m.entries[i].value, nil
	}
	return nil, ErrNotFound
}

// Put inserts or replaces the value for key.
func (m *Map) Put(key, value []byte) error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	k := append([]byte{}, key...)
	v := append([]byte{}, value...)
	i := m.find(k)
	if i < len(m.entries) && bytes.Equal(m.entries[i].key, k) {
		m.entries[i].value = v
	} else {
		m.entries = append(m.entries, entry{})
		copy(m.entries[i+1:], m.entries[i:])
		m.entries[i] = entry{key: k, value: v}
	}
	m.dirty = true
	return nil
}

// Delete removes key, if present. Deleting an absent key is a no-op.
func (m *Map) Delete(key []byte) error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	i := m.find(key)
	if i < len(m.entries) && bytes.Equal(m.entries[i].key, key) {
		m.entries = append(m.entries[:i], m.entries[i+1:]...)
		m.dirty = true
	}
	return nil
}

// Dirty reports whether the map has unflushed mutations.
func (m *Map) Dirty() bool { return m.dirty }

// Touch forces the map dirty without changing any entry, so the next
// Flush rewrites it verbatim to a fresh page. Used by compaction to
// relocate a map's current page off a chunk being reclaimed.
func (m *Map) Touch() error {
	if err := m.ensureLoaded(); err != nil {
		return err
	}
	m.dirty = true
	return nil
}

// Root returns the current root page reference. Call Flush first if Dirty
// reports true.
func (m *Map) Root() chunk.PageRef { return m.root }

// Len reports the number of live entries, loading the map if necessary.
func (m *Map) Len() (int, error) {
	if err := m.ensureLoaded(); err != nil {
		return 0, err
	}
	return len(m.entries), nil
}

// Flush rewrites the whole sorted run to a fresh page through the
// PageStore and updates Root. A no-op when the map isn't dirty.
func (m *Map) Flush() (chunk.PageRef, error) {
	if !m.dirty {
		return m.root, nil
	}
	buf := encodeRun(m.entries)
	ref, err := m.store.WritePage(buf, m.pageTyp)
	if err != nil {
		return chunk.PageRef(0), fmt.Errorf("kv: flush: %w", err)
	}
	m.root = ref
	m.dirty = false
	return ref, nil
}

// Iterator walks entries with key >= from in ascending order. It is a
// snapshot over the entries slice as of the call to NewIterator, so
// subsequent Put/Delete calls on the same Map do not affect an
// in-progress iteration — the persistent-map analogue of the engine's
// snapshot-isolated reads.
type Iterator struct {
	entries []entry
	pos     int
}

// NewIterator returns an Iterator starting at the first key >= from (nil
// means start at the beginning).
func (m *Map) NewIterator(from []byte) (*Iterator, error) {
	if err := m.ensureLoaded(); err != nil {
		return nil, err
	}
	snap := append([]entry{}, m.entries...)
	start := 0
	if from != nil {
		start = sort.Search(len(snap), func(i int) bool {
			return bytes.Compare(snap[i].key, from) >= 0
		})
	}
	return &Iterator{entries: snap, pos: start}, nil
}

// Next advances the iterator, returning false once exhausted.
func (it *Iterator) Next() bool {
	if it.pos >= len(it.entries) {
		return false
	}
	it.pos++
	return true
}

// Key and Value return the current entry. Valid only after a Next call
// that returned true.
func (it *Iterator) Key() []byte   { return it.entries[it.pos-1].key }
func (it *Iterator) Value() []byte { return it.entries[it.pos-1].value }

// encodeRun serializes entries (already sorted) as a flat run of
// length-prefixed key/value pairs.
func encodeRun(entries []entry) []byte {
	var buf bytes.Buffer
	var lenBuf [binary.MaxVarintLen64]byte
	for _, e := range entries {
		n := binary.PutUvarint(lenBuf[:], uint64(len(e.key)))
		buf.Write(lenBuf[:n])
		buf.Write(e.key)
		n = binary.PutUvarint(lenBuf[:], uint64(len(e.value)))
		buf.Write(lenBuf[:n])
		buf.Write(e.value)
	}
	return buf.Bytes()
}

func decodeRun(buf []byte) ([]entry, error) {
	var entries []entry
	r := bytes.NewReader(buf)
	for r.Len() > 0 {
		klen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read key length: %w", err)
		}
		key := make([]byte, klen)
		if _, err := readFull(r, key); err != nil {
			return nil, fmt.Errorf("read key: %w", err)
		}
		vlen, err := binary.ReadUvarint(r)
		if err != nil {
			return nil, fmt.Errorf("read value length: %w", err)
		}
		value := make([]byte, vlen)
		if _, err := readFull(r, value); err != nil {
			return nil, fmt.Errorf("read value: %w", err)
		}
		entries = append(entries, entry{key: key, value: value})
	}
	return entries, nil
}

func readFull(r *bytes.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		k, err := r.Read(buf[n:])
		n += k
		if err != nil {
			return n, err
		}
	}
	return n, nil
}
