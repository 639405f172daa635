// Package txstore implements the transaction store: a bit set of open
// transaction slots, a shared undo log keyed by (slot, log-id), and the
// commit/rollback/deadlock-detection machinery every TransactionMap in
// internal/txmap drives its writes through.
package txstore

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"chunkvault/internal/kv"
	"chunkvault/internal/storeerr"
)

// SlotID is a recyclable small integer identifying an open transaction.
type SlotID uint16

// maxSlots is 2^16, matching the spec's slot bitset size.
const maxSlots = 1 << 16

// maxLogID bounds log_id to 2^40 entries per transaction.
const maxLogID = 1 << 40

// Status is a transaction's lifecycle state.
type Status uint8

const (
	StatusClosed Status = iota
	StatusOpen
	StatusRollingBack
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusOpen:
		return "open"
	case StatusRollingBack:
		return "rolling-back"
	case StatusPrepared:
		return "prepared"
	case StatusCommitting:
		return "committing"
	case StatusCommitted:
		return "committed"
	case StatusRolledBack:
		return "rolled-back"
	default:
		return "unknown"
	}
}

// validTransitions mirrors the status transition table: for each target
// status, the set of statuses a transaction may move from.
var validTransitions = map[Status]map[Status]bool{
	StatusOpen:        {StatusClosed: true, StatusRollingBack: true},
	StatusRollingBack: {StatusOpen: true},
	StatusPrepared:    {StatusOpen: true},
	StatusCommitting:  {StatusOpen: true, StatusPrepared: true, StatusCommitting: true},
	StatusCommitted:   {StatusCommitting: true},
	StatusRolledBack:  {StatusOpen: true, StatusPrepared: true},
	StatusClosed:      {StatusCommitted: true, StatusRolledBack: true, StatusCommitting: true},
}

// statusWord packs status(4 bits) | hasRollback(1 bit) | logID(40 bits)
// into a single atomically-CAS'd uint64, the same copy-on-write-by-CAS
// idiom used elsewhere in the engine for lock-free state transitions.
const (
	statusBits     = 4
	hasRollbackBit = statusBits
	logIDShift     = statusBits + 1
)

func packWord(status Status, hasRollback bool, logID uint64) uint64 {
	w := uint64(status)
	if hasRollback {
		w |= 1 << hasRollbackBit
	}
	w |= logID << logIDShift
	return w
}

func unpackWord(w uint64) (status Status, hasRollback bool, logID uint64) {
	status = Status(w & (1<<statusBits - 1))
	hasRollback = w&(1<<hasRollbackBit) != 0
	logID = w >> logIDShift
	return
}

// OpID tags a versioned value with the (slot, log-id) of the transaction
// currently holding it locked. A nil *OpID means the value is committed.
type OpID struct {
	Slot  SlotID
	LogID uint64
}

// VersionedValue is the pair a TransactionMap stores for every key: the
// value as of the writer named by OpID (or the committed value, if OpID is
// nil), where a nil Value means the key was deleted.
type VersionedValue struct {
	Value []byte
	OpID  *OpID
}

// UndoEntry is the pre-image recorded for one logged write: the map it
// touched, the key, and the value/op-id that key held immediately before
// this transaction's write.
type UndoEntry struct {
	MapID uint32
	Key   []byte
	OldVV VersionedValue
}

// RollbackListener is notified once per undo entry as a rollback replays
// it, before the entry is restored into its base map.
type RollbackListener interface {
	OnRollback(entry UndoEntry)
}

// Transaction is one open transaction: a slot, an owner label for
// diagnostics, the sequence number it began at, and the packed status
// word. It holds no reference back to its Store — callers that need to
// affect other transactions (waitFor, cycle detection) go through Store
// methods keyed by SlotID.
type Transaction struct {
	slot        SlotID
	owner       string
	timeout     time.Duration
	sequenceNum uint64

	statusWord atomic.Uint64

	notifyMu sync.Mutex
	notifyCh chan struct{}

	blockingOn atomic.Uint32 // SlotID+1 of the tx this one is waiting on; 0 = not waiting
}

func newTransaction(slot SlotID, owner string, timeout time.Duration, seq uint64) *Transaction {
	t := &Transaction{slot: slot, owner: owner, timeout: timeout, sequenceNum: seq, notifyCh: make(chan struct{})}
	t.statusWord.Store(packWord(StatusOpen, false, 0))
	return t
}

func (t *Transaction) Slot() SlotID           { return t.slot }
func (t *Transaction) Owner() string          { return t.owner }
func (t *Transaction) SequenceNum() uint64    { return t.sequenceNum }
func (t *Transaction) Timeout() time.Duration { return t.timeout }

func (t *Transaction) Status() Status {
	status, _, _ := unpackWord(t.statusWord.Load())
	return status
}

func (t *Transaction) currentLogID() uint64 {
	_, _, logID := unpackWord(t.statusWord.Load())
	return logID
}

// snapshotNotify returns the channel that will close on the transaction's
// next status transition; callers must fetch it before checking status to
// avoid missing a concurrent wakeup.
func (t *Transaction) snapshotNotify() chan struct{} {
	t.notifyMu.Lock()
	ch := t.notifyCh
	t.notifyMu.Unlock()
	return ch
}

func (t *Transaction) broadcast() {
	t.notifyMu.Lock()
	close(t.notifyCh)
	t.notifyCh = make(chan struct{})
	t.notifyMu.Unlock()
}

// transition CASes the status word to newStatus, validating the move is
// legal per the status transition table. The hasRollback flag and log-id
// are carried over unchanged; Log and LogUndo move the log-id with their
// own CAS loops.
func (t *Transaction) transition(newStatus Status) error {
	for {
		old := t.statusWord.Load()
		status, hasRollback, logID := unpackWord(old)
		if !validTransitions[newStatus][status] {
			return storeerr.New(storeerr.KindIllegalState, "txstore.transition",
				fmt.Errorf("invalid transition %s -> %s", status, newStatus))
		}
		newWord := packWord(newStatus, hasRollback, logID)
		if t.statusWord.CompareAndSwap(old, newWord) {
			t.broadcast()
			return nil
		}
	}
}

// Store is the transaction store: slot allocation, the shared undo log,
// and the prepared-transaction table for two-phase-commit participants.
type Store struct {
	mu       sync.Mutex
	bitset   [maxSlots / 64]uint64
	slots    map[SlotID]*Transaction
	sequence atomic.Uint64

	undoLogMu sync.Mutex
	undoLog   *kv.Map

	prepared *kv.Map

	mapsMu sync.Mutex
	maps   map[uint32]*kv.Map

	rollbackListener RollbackListener
}

// NewStore creates a transaction store backed by undoLog (the composite
// (slot,log-id) -> UndoEntry map) and prepared (the two-phase-commit
// participant table). Both are ordinary kv.Map instances owned by the
// caller's chunk store, the same way the layout map is.
func NewStore(undoLog, prepared *kv.Map) *Store {
	return &Store{
		slots:    make(map[SlotID]*Transaction),
		undoLog:  undoLog,
		prepared: prepared,
		maps:     make(map[uint32]*kv.Map),
	}
}

// SetRollbackListener installs a listener invoked once per undo entry
// replayed by RollbackTo.
func (s *Store) SetRollbackListener(l RollbackListener) { s.rollbackListener = l }

// RegisterMap associates mapID with the base map it names, so Commit and
// RollbackTo can resolve an undo entry's MapID back to the map to mutate.
func (s *Store) RegisterMap(mapID uint32, m *kv.Map) {
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	s.maps[mapID] = m
}

func (s *Store) mapFor(mapID uint32) (*kv.Map, bool) {
	s.mapsMu.Lock()
	defer s.mapsMu.Unlock()
	m, ok := s.maps[mapID]
	return m, ok
}

// UndoLog returns the shared undo-log map, so a TransactionMap can read
// another transaction's pre-image directly when resolving visibility.
func (s *Store) UndoLog() *kv.Map { return s.undoLog }

// StatusOf reports the status of the transaction holding slot, or
// StatusClosed if no transaction currently holds it.
func (s *Store) StatusOf(slot SlotID) Status {
	s.mu.Lock()
	tx, ok := s.slots[slot]
	s.mu.Unlock()
	if !ok {
		return StatusClosed
	}
	return tx.Status()
}

// Begin allocates a slot by first-zero scan and returns a new open
// Transaction.
func (s *Store) Begin(owner string, timeout time.Duration) (*Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	slot, ok := s.firstZeroLocked()
	if !ok {
		return nil, storeerr.New(storeerr.KindInternal, "txstore.Begin", fmt.Errorf("no free transaction slots"))
	}
	s.setBitLocked(slot)
	seq := s.sequence.Add(1)
	tx := newTransaction(slot, owner, timeout, seq)
	s.slots[slot] = tx
	return tx, nil
}

func (s *Store) firstZeroLocked() (SlotID, bool) {
	for w := 0; w < len(s.bitset); w++ {
		word := s.bitset[w]
		if word == ^uint64(0) {
			continue
		}
		for b := 0; b < 64; b++ {
			if word&(1<<uint(b)) == 0 {
				return SlotID(w*64 + b), true
			}
		}
	}
	return 0, false
}

func (s *Store) setBitLocked(slot SlotID) {
	s.bitset[slot/64] |= 1 << (slot % 64)
}

func (s *Store) clearBitLocked(slot SlotID) {
	s.bitset[slot/64] &^= 1 << (slot % 64)
}

func PackUndoKey(slot SlotID, logID uint64) []byte {
	var buf [8]byte
	v := uint64(slot)<<40 | (logID & (maxLogID - 1))
	for i := 0; i < 8; i++ {
		buf[7-i] = byte(v >> (8 * i))
	}
	return buf[:]
}

// Log records an undo entry for a write about to be applied and returns
// the log-id it was assigned. Returns TooBig once a transaction has
// emitted 2^40 entries.
func (s *Store) Log(tx *Transaction, mapID uint32, key []byte, oldVV VersionedValue) (uint64, error) {
	var assigned uint64
	for {
		old := tx.statusWord.Load()
		status, hasRollback, logID := unpackWord(old)
		if status != StatusOpen {
			return 0, storeerr.New(storeerr.KindIllegalState, "txstore.Log", fmt.Errorf("transaction not open"))
		}
		if logID >= maxLogID {
			return 0, storeerr.New(storeerr.KindTooBig, "txstore.Log", fmt.Errorf("transaction exceeded %d undo entries", maxLogID))
		}
		newWord := packWord(status, hasRollback, logID+1)
		if tx.statusWord.CompareAndSwap(old, newWord) {
			assigned = logID
			break
		}
	}

	entry := UndoEntry{MapID: mapID, Key: key, OldVV: oldVV}
	raw := EncodeUndoEntry(entry)
	s.undoLogMu.Lock()
	err := s.undoLog.Put(PackUndoKey(tx.slot, assigned), raw)
	s.undoLogMu.Unlock()
	if err != nil {
		return 0, storeerr.New(storeerr.KindInternal, "txstore.Log", err)
	}
	return assigned, nil
}

// LogUndo reverses the bookkeeping of the most recently assigned log-id,
// for a write that aborted locally (e.g. lost a write-conflict race)
// after Log ran but before the actual map mutation happened.
func (s *Store) LogUndo(tx *Transaction) error {
	var undone uint64
	for {
		old := tx.statusWord.Load()
		status, hasRollback, logID := unpackWord(old)
		if logID == 0 {
			return storeerr.New(storeerr.KindIllegalState, "txstore.LogUndo", fmt.Errorf("no entries to undo"))
		}
		newWord := packWord(status, hasRollback, logID-1)
		if tx.statusWord.CompareAndSwap(old, newWord) {
			undone = logID - 1
			break
		}
	}
	s.undoLogMu.Lock()
	defer s.undoLogMu.Unlock()
	return s.undoLog.Delete(PackUndoKey(tx.slot, undone))
}

// Commit replays every undo entry the transaction logged, stripping the
// op-id from (or removing) the current value in its base map, then
// deletes the undo entries and closes the transaction.
func (s *Store) Commit(tx *Transaction) error {
	if err := tx.transition(StatusCommitting); err != nil {
		return err
	}

	logID := tx.currentLogID()
	for id := uint64(0); id < logID; id++ {
		if err := s.settleEntry(tx, id); err != nil {
			return storeerr.New(storeerr.KindInternal, "txstore.Commit", err)
		}
	}

	if err := tx.transition(StatusCommitted); err != nil {
		return err
	}
	if err := tx.transition(StatusClosed); err != nil {
		return err
	}
	return s.EndTransaction(tx, logID > 0)
}

// settleEntry strips tx's op-id from (or removes) the current value at an
// undo entry's key, then deletes the entry.
func (s *Store) settleEntry(tx *Transaction, logID uint64) error {
	key := PackUndoKey(tx.slot, logID)
	s.undoLogMu.Lock()
	raw, err := s.undoLog.Get(key)
	s.undoLogMu.Unlock()
	if err == kv.ErrNotFound {
		return nil // already settled (e.g. a key written more than once)
	}
	if err != nil {
		return err
	}
	entry, err := DecodeUndoEntry(raw)
	if err != nil {
		return err
	}

	m, ok := s.mapFor(entry.MapID)
	if !ok {
		return fmt.Errorf("txstore: unknown map id %d", entry.MapID)
	}
	curRaw, err := m.Get(entry.Key)
	if err != nil && err != kv.ErrNotFound {
		return err
	}
	if err == nil {
		cur, derr := DecodeVersionedValue(curRaw)
		if derr != nil {
			return derr
		}
		if cur.OpID != nil && cur.OpID.Slot == tx.slot {
			if cur.Value == nil {
				if err := m.Delete(entry.Key); err != nil {
					return err
				}
			} else if err := m.Put(entry.Key, EncodeVersionedValue(VersionedValue{Value: cur.Value})); err != nil {
				return err
			}
		}
	}

	s.undoLogMu.Lock()
	defer s.undoLogMu.Unlock()
	return s.undoLog.Delete(key)
}

// RollbackTo undoes every entry logged since toLogID, restoring each key's
// pre-image into its base map in reverse order. toLogID == 0 rolls the
// transaction all the way back and closes it; any other value rolls back
// to a savepoint and leaves the transaction open for further writes.
func (s *Store) RollbackTo(tx *Transaction, toLogID uint64) error {
	// A full rollback (toLogID == 0) goes Open -> RolledBack -> Closed, the
	// same way Commit goes Open -> Committing -> Committed -> Closed. A
	// savepoint rollback goes Open -> RollingBack -> Open instead, since
	// the transaction keeps running afterward; RollingBack is the status
	// waiters treat as "about to release its locks" for that case.
	inProgress := StatusRollingBack
	if toLogID == 0 {
		inProgress = StatusRolledBack
	}
	if err := tx.transition(inProgress); err != nil {
		return err
	}

	from := tx.currentLogID()
	for id := from; id > toLogID; id-- {
		entryID := id - 1
		key := PackUndoKey(tx.slot, entryID)
		s.undoLogMu.Lock()
		raw, err := s.undoLog.Get(key)
		s.undoLogMu.Unlock()
		if err == kv.ErrNotFound {
			continue
		}
		if err != nil {
			return storeerr.New(storeerr.KindInternal, "txstore.RollbackTo", err)
		}
		entry, err := DecodeUndoEntry(raw)
		if err != nil {
			return storeerr.New(storeerr.KindInternal, "txstore.RollbackTo", err)
		}
		if s.rollbackListener != nil {
			s.rollbackListener.OnRollback(entry)
		}
		m, ok := s.mapFor(entry.MapID)
		if !ok {
			return fmt.Errorf("txstore: unknown map id %d", entry.MapID)
		}
		if entry.OldVV.Value == nil && entry.OldVV.OpID == nil {
			if err := m.Delete(entry.Key); err != nil {
				return storeerr.New(storeerr.KindInternal, "txstore.RollbackTo", err)
			}
		} else if err := m.Put(entry.Key, EncodeVersionedValue(entry.OldVV)); err != nil {
			return storeerr.New(storeerr.KindInternal, "txstore.RollbackTo", err)
		}
		s.undoLogMu.Lock()
		delErr := s.undoLog.Delete(key)
		s.undoLogMu.Unlock()
		if delErr != nil {
			return storeerr.New(storeerr.KindInternal, "txstore.RollbackTo", delErr)
		}
	}

	for {
		old := tx.statusWord.Load()
		status, hasRollback, _ := unpackWord(old)
		newWord := packWord(status, hasRollback, toLogID)
		if tx.statusWord.CompareAndSwap(old, newWord) {
			break
		}
	}

	if toLogID == 0 {
		if err := tx.transition(StatusClosed); err != nil {
			return err
		}
		return s.EndTransaction(tx, from > 0)
	}
	return tx.transition(StatusOpen)
}

// EndTransaction releases tx's slot and wakes anything waiting on it.
// Idempotent: ending an already-released transaction is a no-op.
func (s *Store) EndTransaction(tx *Transaction, _ bool) error {
	s.mu.Lock()
	if _, ok := s.slots[tx.slot]; !ok {
		s.mu.Unlock()
		return nil
	}
	delete(s.slots, tx.slot)
	s.clearBitLocked(tx.slot)
	s.mu.Unlock()
	tx.broadcast()
	return nil
}

// WaitFor blocks tx until the transaction holding blockingSlot reaches
// Closed or RollingBack, or tx's timeout elapses. Before waiting, it walks
// the waits-for graph rooted at blockingSlot; finding tx's own slot in the
// chain is a deadlock, and tx is named the victim.
func (s *Store) WaitFor(tx *Transaction, blockingSlot SlotID) error {
	tx.blockingOn.Store(uint32(blockingSlot) + 1)
	defer tx.blockingOn.Store(0)

	if err := s.checkCycle(tx.slot, blockingSlot); err != nil {
		return err
	}

	s.mu.Lock()
	blocker, ok := s.slots[blockingSlot]
	s.mu.Unlock()
	if !ok {
		return nil // the blocking transaction already ended
	}

	deadline := time.Now().Add(tx.timeout)
	for {
		status := blocker.Status()
		if status == StatusClosed || status == StatusRollingBack {
			return nil
		}
		ch := blocker.snapshotNotify()
		var timer *time.Timer
		var timeoutCh <-chan time.Time
		if tx.timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return storeerr.New(storeerr.KindWriteConflict, "txstore.WaitFor", fmt.Errorf("timed out waiting for slot %d", blockingSlot))
			}
			timer = time.NewTimer(remaining)
			timeoutCh = timer.C
		}
		select {
		case <-ch:
			if timer != nil {
				timer.Stop()
			}
		case <-timeoutCh:
			return storeerr.New(storeerr.KindWriteConflict, "txstore.WaitFor", fmt.Errorf("timed out waiting for slot %d", blockingSlot))
		}
	}
}

func (s *Store) checkCycle(self, start SlotID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur := start
	visited := map[SlotID]bool{}
	for {
		if cur == self {
			return storeerr.New(storeerr.KindDeadlock, "txstore.WaitFor", fmt.Errorf("deadlock detected, slot %d is the victim", self))
		}
		if visited[cur] {
			return nil
		}
		visited[cur] = true
		tx, ok := s.slots[cur]
		if !ok {
			return nil
		}
		next := tx.blockingOn.Load()
		if next == 0 {
			return nil
		}
		cur = SlotID(next - 1)
	}
}
