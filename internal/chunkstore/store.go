// Package chunkstore implements the chunk store: chunk lifecycle, layout
// map maintenance, crash recovery, and background compaction. It is the
// component that turns internal/blockio's flat byte range and
// internal/freespace's bitmap into an addressable sequence of chunks, and
// exposes the ReadPage/WritePage contract the rest of the engine (the
// layout map, the undo log, and every user map) is built on.
package chunkstore

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"chunkvault/internal/blockio"
	"chunkvault/internal/callgroup"
	"chunkvault/internal/chunk"
	"chunkvault/internal/config"
	"chunkvault/internal/freespace"
	"chunkvault/internal/kv"
	"chunkvault/internal/logging"
	"chunkvault/internal/storeerr"
	"chunkvault/internal/version"
)

// Snapshot is the atomically published, immutable view readers load: the
// layout map's root page reference as of a version, and the version
// itself. Readers never block on the save lock; they just load the latest
// published Snapshot via release-store/load semantics (atomic.Pointer).
type Snapshot struct {
	LayoutRoot chunk.PageRef
	Version    uint64
}

type chunkEntry struct {
	mu     sync.Mutex
	header *chunk.Chunk
	toc    []tocEntry // lazily populated from disk if header came from recovery/layout lookup
}

// pendingPage is one page accumulated during an in-progress Save, before
// it has a permanent position on disk.
type pendingPage struct {
	data []byte
	typ  chunk.PageType
}

// saveContext holds the state of an in-progress Save call. WritePage is
// only legal while one is active — new pages may only be created as part
// of flushing a save's dirty maps into a single chunk.
type saveContext struct {
	chunkID ChunkID
	pages   []pendingPage
	offset  uint64
}

// ChunkID re-exports chunk.ChunkID so callers of this package don't need
// to import internal/chunk just to spell the type.
type ChunkID = chunk.ChunkID

// Store is a single rolling file holding a sequence of chunks, compacted
// over time by reclaiming dead chunks' blocks. This is the primary
// (compacting) variant; AppendOnlyStore is the non-compacting multi-file
// sibling.
type Store struct {
	opts    config.Options
	logger  *slog.Logger
	file    *blockio.File
	created time.Time
	runID   uuid.UUID // stamped fresh on every Open; identifies this process's handle, not the file on disk

	saveMu    sync.Mutex // the save lock: serializes Save/compaction, guards freeSpace + chunkTable mutation
	freeSpace *freespace.Map
	versions  *version.Registry

	chunkTable     sync.Map // ChunkID -> *chunkEntry
	nextChunkID    atomic.Uint32
	lastChunkBlock uint64 // block of the most recently saved chunk; BlockUnsaved if none yet

	layout *kv.Map // "root.<mapname>" -> PageRef, the directory of every named user map's current root

	compactableMaps map[string]*kv.Map // maps opted into rewrite-based compaction, by name; see RegisterCompactable

	snapshot atomic.Pointer[Snapshot]

	saveCtx *saveContext // non-nil only while Save holds saveMu

	dirtyBytes   atomic.Uint64
	lastSaveTime atomic.Int64 // unix nanos

	compactionGroup   callgroup.Group[string]
	compactionLimiter *rate.Limiter
	retentionPolicy   chunk.RetentionPolicy
	saveTrigger       chunk.SaveTriggerPolicy

	closed atomic.Bool
}

// Open opens or creates a store at path with the given options.
func Open(path string, opts config.Options) (*Store, error) {
	runID := uuid.New()
	logger := logging.Default(opts.Logger).With("component", "chunkstore", "path", path, "run_id", runID.String())

	var xform blockio.EncryptionTransformer
	if opts.EncryptionKey != "" {
		xform = blockio.NewChaCha20Transformer(opts.EncryptionKey)
	}
	f, err := blockio.Open(path, opts.ReadOnly, xform, logger)
	if err != nil {
		return nil, storeerr.New(storeerr.KindIOFailure, "chunkstore.Open", err)
	}
	if err := f.AcquireLock(); err != nil {
		_ = f.Close()
		return nil, storeerr.New(storeerr.KindFileLocked, "chunkstore.Open", err)
	}

	s := &Store{
		opts:      opts,
		logger:    logger,
		file:      f,
		runID:     runID,
		freeSpace: freespace.NewMap(chunk.BlockSize),
		versions:  version.NewRegistry(),
		retentionPolicy: chunk.NewCompositeRetentionPolicy(
			chunk.NewDeadChunkRetentionPolicy(opts.RetentionTime),
		),
		saveTrigger: chunk.NewCompositeSaveTriggerPolicy(
			chunk.NewBufferSizePolicy(uint64(opts.AutoCommitBufferKB) * 1024),
		),
	}
	if opts.CompactionRateLimitBytesPerSec > 0 {
		s.compactionLimiter = rate.NewLimiter(rate.Limit(opts.CompactionRateLimitBytesPerSec), opts.CompactionRateLimitBytesPerSec)
	}
	s.freeSpace.MarkUsed(0, chunk.BlockSize) //nolint:errcheck // block 0 is always reserved for the store header

	size, err := f.Size()
	if err != nil {
		_ = f.Close()
		return nil, storeerr.New(storeerr.KindIOFailure, "chunkstore.Open", err)
	}

	if size == 0 {
		if err := s.initEmpty(); err != nil {
			_ = f.Close()
			return nil, err
		}
	} else {
		if err := s.recover(size); err != nil {
			_ = f.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *Store) initEmpty() error {
	s.created = time.Now()
	h := newStoreHeader()
	h.Created = s.created
	if err := s.file.WriteFully(0, encodeStoreHeader(h)); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.initEmpty", err)
	}
	s.layout = kv.New(s, chunk.TypeLayoutMapNode)
	s.RegisterCompactable("layout", s.layout)
	s.nextChunkID.Store(1) // chunk id 0 is reserved: PackPageRef(0,0,0,0) is the zero PageRef, meaning "no reference"
	s.lastChunkBlock = chunk.BlockUnsaved
	s.snapshot.Store(&Snapshot{})
	return nil
}

// recover re-reads the store header, locates the latest chunk (falling
// back to a backward scan if the header's pointer lands on a torn write
// from a crash mid-save), then walks the prev-chain back through every
// chunk still reachable, marking each one's blocks used in the free-space
// map and populating chunkTable so ReadPage can resolve any of them.
func (s *Store) recover(size int64) error {
	headerBuf := make([]byte, storeHeaderLen)
	if err := s.file.ReadFully(0, headerBuf); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.recover", err)
	}
	h, err := decodeStoreHeader(headerBuf)
	if err != nil {
		return storeerr.New(storeerr.KindFileCorrupt, "chunkstore.recover", err)
	}
	s.created = h.Created

	var last *chunk.Chunk
	if h.LastChunk != chunk.BlockUnsaved {
		if c, err := s.readChunkAt(h.LastChunk, size); err == nil {
			last = c
		} else {
			s.logger.Warn("store header's last-chunk pointer is unreadable, falling back to backward scan", "err", err)
		}
	}
	if last == nil {
		last, err = s.discoverLastChunk(size)
		if err != nil {
			return storeerr.New(storeerr.KindFileCorrupt, "chunkstore.recover", err)
		}
	}
	if last == nil {
		s.layout = kv.New(s, chunk.TypeLayoutMapNode)
		s.RegisterCompactable("layout", s.layout)
		s.nextChunkID.Store(1)
		s.lastChunkBlock = chunk.BlockUnsaved
		s.snapshot.Store(&Snapshot{})
		return nil
	}

	maxID := last.ID
	for cur := last; ; {
		s.markChunkUsed(cur)
		s.chunkTable.Store(cur.ID, &chunkEntry{header: cur})
		if cur.ID > maxID {
			maxID = cur.ID
		}
		if cur.Prev == chunk.BlockUnsaved {
			break
		}
		prev, err := s.readChunkAt(cur.Prev, size)
		if err != nil {
			s.logger.Warn("prev-chain broken during recovery, stopping walk", "at", cur.ID, "err", err)
			break
		}
		cur = prev
	}

	s.lastChunkBlock = last.Block
	s.nextChunkID.Store(uint32(maxID) + 1)
	s.layout = kv.Open(s, chunk.TypeLayoutMapNode, last.LayoutRootPos)
	s.RegisterCompactable("layout", s.layout)
	for s.versions.CurrentVersion() < last.Version {
		s.versions.Advance()
	}
	s.snapshot.Store(&Snapshot{LayoutRoot: last.LayoutRootPos, Version: last.Version})
	return nil
}

// readChunkAt reads and fully verifies the chunk whose header claims to
// live at block, against a file truncated to size bytes.
func (s *Store) readChunkAt(block uint64, size int64) (*chunk.Chunk, error) {
	byteOff := int64(block) * chunk.BlockSize
	if byteOff < 0 || byteOff+int64(chunk.HeaderMaxLen) > size {
		return nil, fmt.Errorf("block %d out of range", block)
	}
	headerBuf := make([]byte, chunk.HeaderMaxLen)
	if err := s.file.ReadFully(byteOff, headerBuf); err != nil {
		return nil, err
	}
	c, _, err := chunk.DecodeHeader(headerBuf, 0)
	if err != nil {
		return nil, err
	}
	if c.Block != block {
		return nil, fmt.Errorf("chunk at block %d claims block %d", block, c.Block)
	}
	tocLen := int64(c.PageCount) * tocEntrySize
	footerOff := byteOff + int64(chunk.HeaderMaxLen) + int64(c.MaxLen) + tocLen
	if footerOff+int64(chunk.FooterLen) > size {
		return nil, fmt.Errorf("footer for chunk %s out of range", c.ID)
	}
	preceding := make([]byte, footerOff-byteOff)
	if err := s.file.ReadFully(byteOff, preceding); err != nil {
		return nil, err
	}
	footerBuf := make([]byte, chunk.FooterLen)
	if err := s.file.ReadFully(footerOff, footerBuf); err != nil {
		return nil, err
	}
	f, err := chunk.DecodeFooter(footerBuf)
	if err != nil {
		return nil, err
	}
	if err := chunk.VerifyFooter(c, f, preceding); err != nil {
		return nil, err
	}
	return c, nil
}

// discoverLastChunk scans block-aligned candidate offsets backward from
// end-of-file for the last chunk whose header and footer both verify.
// Only needed when the store header's own pointer is torn by a crash.
func (s *Store) discoverLastChunk(size int64) (*chunk.Chunk, error) {
	lastBlock := uint64(size / chunk.BlockSize)
	for block := lastBlock; block >= 1; block-- {
		c, err := s.readChunkAt(block, size)
		if err != nil {
			continue
		}
		return c, nil
	}
	return nil, nil
}

func (s *Store) markChunkUsed(c *chunk.Chunk) {
	tocLen := int64(c.PageCount) * tocEntrySize
	total := int64(chunk.HeaderMaxLen) + int64(c.MaxLen) + tocLen + int64(chunk.FooterLen)
	blocks := uint64((total + chunk.BlockSize - 1) / chunk.BlockSize)
	_ = s.freeSpace.MarkUsed(c.Block*chunk.BlockSize, blocks*chunk.BlockSize)
}

// ReadPage resolves ref to its bytes from a chunk already written to disk.
// Pages still buffered by an in-progress Save are not readable until that
// Save has written their chunk.
func (s *Store) ReadPage(ref chunk.PageRef) ([]byte, error) {
	if !ref.Valid() {
		return nil, storeerr.New(storeerr.KindIllegalState, "chunkstore.ReadPage", fmt.Errorf("invalid page reference"))
	}
	id := ref.ChunkID()
	entryAny, ok := s.chunkTable.Load(id)
	if !ok {
		return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", fmt.Errorf("chunk %s not known", id))
	}
	ent := entryAny.(*chunkEntry)

	ent.mu.Lock()
	if ent.toc == nil {
		toc, err := s.loadTOC(ent.header)
		if err != nil {
			ent.mu.Unlock()
			return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", err)
		}
		ent.toc = toc
	}
	toc := ent.toc
	ent.mu.Unlock()

	off := ref.Offset()
	var entry *tocEntry
	for i := range toc {
		if toc[i].Offset == off {
			entry = &toc[i]
			break
		}
	}
	if entry == nil {
		return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", fmt.Errorf("offset %d not found in chunk %s TOC", off, id))
	}

	// Re-check the chunk's block after the read and retry with the fresh
	// one if the entry's header changed it meanwhile. Compaction copies
	// pages into new chunks rather than moving a chunk, so this retry
	// only guards against a header update.
	for {
		ent.mu.Lock()
		block := ent.header.Block
		ent.mu.Unlock()

		buf := make([]byte, entry.Length)
		pos := int64(block*chunk.BlockSize) + int64(chunk.HeaderMaxLen) + int64(off)
		err := s.file.ReadFully(pos, buf)

		ent.mu.Lock()
		moved := ent.header.Block != block
		ent.mu.Unlock()
		if moved {
			continue
		}
		if err != nil {
			return nil, storeerr.New(storeerr.KindIOFailure, "chunkstore.ReadPage", err)
		}
		return decodePageBytes(buf)
	}
}

// decodePageBytes strips the leading codec tag a stored page was written
// with and decompresses the remainder. The tag travels with the page
// rather than the store's current options, so pages written under one
// Compress setting stay readable after the store is reopened with another.
func decodePageBytes(buf []byte) ([]byte, error) {
	if len(buf) == 0 {
		return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", fmt.Errorf("empty page record"))
	}
	codec, ok := decodeCodec(buf[0])
	if !ok {
		return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", fmt.Errorf("unknown page codec tag %d", buf[0]))
	}
	if len(buf) == 1 {
		return []byte{}, nil
	}
	data, err := codec.decode(buf[1:])
	if err != nil {
		return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", err)
	}
	return data, nil
}

func (s *Store) loadTOC(c *chunk.Chunk) ([]tocEntry, error) {
	tocLen := int64(c.PageCount) * tocEntrySize
	buf := make([]byte, tocLen)
	pos := int64(c.Block*chunk.BlockSize) + int64(c.TocPos)
	if err := s.file.ReadFully(pos, buf); err != nil {
		return nil, err
	}
	return decodeTOC(buf)
}

// WritePage appends data to the in-progress save's pending page buffer and
// returns its permanent PageRef. Only legal while a Save is in progress.
func (s *Store) WritePage(data []byte, typ chunk.PageType) (chunk.PageRef, error) {
	if s.saveCtx == nil {
		return chunk.PageRef(0), storeerr.New(storeerr.KindIllegalState, "chunkstore.WritePage",
			fmt.Errorf("WritePage called outside an in-progress save"))
	}
	ctx := s.saveCtx
	off := ctx.offset
	class := chunk.ClassForLen(uint32(len(data)))
	ref := chunk.PackPageRef(ctx.chunkID, off, class, typ)

	codec := codecForLevel(s.opts.Compress)
	stored := make([]byte, 0, len(data)+1)
	stored = append(stored, codec.tag())
	stored = append(stored, codec.encode(data)...)

	ctx.pages = append(ctx.pages, pendingPage{data: stored, typ: typ})
	ctx.offset += uint64(len(stored))
	s.dirtyBytes.Add(uint64(len(data)))
	return ref, nil
}

// NoteDirty lets callers that buffer mutations outside a page (txmap,
// txstore's undo log) report an estimate of unflushed bytes, so
// saveTrigger policies see load even before anything calls WritePage.
func (s *Store) NoteDirty(n uint64) { s.dirtyBytes.Add(n) }

// ShouldSave reports whether the configured save-trigger policy thinks a
// save is due, given the dirty-buffer state accumulated since the last
// save.
func (s *Store) ShouldSave() bool {
	since := time.Duration(0)
	if last := s.lastSaveTime.Load(); last != 0 {
		since = time.Since(time.Unix(0, last))
	}
	return s.saveTrigger.ShouldSave(chunk.DirtyBufferState{
		DirtyBytes:    s.dirtyBytes.Load(),
		SinceLastSave: since,
	})
}

// CurrentSnapshot returns the latest published Snapshot. Callers hold it
// for the lifetime of a read transaction or iterator; it never changes
// out from under them once loaded.
func (s *Store) CurrentSnapshot() *Snapshot {
	return s.snapshot.Load()
}

// ChunkSummaries returns a point-in-time summary of every chunk the store
// currently knows about, for inspection tooling (cmd/vaultctl).
func (s *Store) ChunkSummaries() []chunk.ChunkSummary {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	return s.snapshotChunkSummaries()
}

// CurrentVersion returns the store's current version counter.
func (s *Store) CurrentVersion() uint64 {
	return s.versions.CurrentVersion()
}

// CreatedAt returns the time the store file was created; after a recovery
// it is the creation time read back from the store header.
func (s *Store) CreatedAt() time.Time {
	return s.created
}

// RunID returns the identifier stamped fresh on this Open call. It
// distinguishes this process's handle on the file from any other
// process (or prior run of this one) that has had it open; it is never
// persisted to disk.
func (s *Store) RunID() uuid.UUID {
	return s.runID
}

// AcquireVersion pins the current version against collection for the
// duration of a read.
func (s *Store) AcquireVersion() *version.TxCounter {
	return s.versions.Acquire()
}

// Save flushes all dirty pages into a single new chunk: it flushes the
// layout map (and any maps registered via flushFuncs), serializes the
// pending pages plus a TOC, writes header+footer, allocates space via the
// free-space map, and atomically publishes the new snapshot.
func (s *Store) Save(flushFuncs ...func() error) error {
	if s.opts.ReadOnly {
		return storeerr.New(storeerr.KindIllegalState, "chunkstore.Save", fmt.Errorf("store is read-only"))
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.closed.Load() {
		return storeerr.New(storeerr.KindIllegalState, "chunkstore.Save", fmt.Errorf("store is closed"))
	}

	chunkID := ChunkID(s.nextChunkID.Load())
	ver := s.versions.Advance()

	s.saveCtx = &saveContext{chunkID: chunkID}
	defer func() { s.saveCtx = nil }()

	for _, flush := range flushFuncs {
		if err := flush(); err != nil {
			return storeerr.New(storeerr.KindInternal, "chunkstore.Save", err)
		}
	}
	if err := s.FlushMap(s.layout); err != nil {
		return storeerr.New(storeerr.KindInternal, "chunkstore.Save", err)
	}

	pages := s.saveCtx.pages
	var pageBuf []byte
	tocEntries := make([]tocEntry, len(pages))
	var off uint64
	for i, p := range pages {
		tocEntries[i] = tocEntry{Offset: off, Length: uint32(len(p.data)), Type: p.typ}
		pageBuf = append(pageBuf, p.data...)
		off += uint64(len(p.data))
	}
	tocBytes := encodeTOC(tocEntries)

	totalLen := int64(chunk.HeaderMaxLen) + int64(len(pageBuf)) + int64(len(tocBytes)) + int64(chunk.FooterLen)
	pos, err := s.freeSpace.Allocate(uint64(totalLen), 0, freespace.ReservedHigh)
	if err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}

	hdr := &chunk.Chunk{
		ID:            chunkID,
		Block:         pos / chunk.BlockSize,
		Len:           uint64((totalLen + chunk.BlockSize - 1) / chunk.BlockSize),
		Version:       ver,
		PageCount:     uint32(len(pages)),
		PageCountLive: uint32(len(pages)),
		MaxLen:        uint64(len(pageBuf)),
		MaxLenLive:    uint64(len(pageBuf)),
		TocPos:        uint64(chunk.HeaderMaxLen) + uint64(len(pageBuf)),
		LayoutRootPos: s.layout.Root(),
		MapID:         0,
		Time:          time.Since(s.created).Milliseconds(),
		Prev:          s.lastChunkBlock,
	}
	hdr.Next = hdr.Block + hdr.Len

	headerBytes, err := chunk.EncodeHeader(hdr, chunk.HeaderMaxLen)
	if err != nil {
		return storeerr.New(storeerr.KindInternal, "chunkstore.Save", err)
	}
	preceding := make([]byte, 0, totalLen-chunk.FooterLen)
	preceding = append(preceding, headerBytes...)
	preceding = append(preceding, pageBuf...)
	preceding = append(preceding, tocBytes...)
	footerBytes := chunk.EncodeFooter(hdr, preceding)

	buf := make([]byte, 0, totalLen)
	buf = append(buf, preceding...)
	buf = append(buf, footerBytes...)

	if err := s.file.WriteFully(int64(pos), buf); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}

	s.chunkTable.Store(chunkID, &chunkEntry{header: hdr, toc: tocEntries})
	s.nextChunkID.Store(uint32(chunkID) + 1)
	s.lastChunkBlock = hdr.Block

	sh := newStoreHeader()
	sh.Created = s.created
	sh.LastChunk = hdr.Block
	if err := s.file.WriteFully(0, encodeStoreHeader(sh)); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}

	s.snapshot.Store(&Snapshot{LayoutRoot: hdr.LayoutRootPos, Version: ver})
	s.dirtyBytes.Store(0)
	s.lastSaveTime.Store(time.Now().UnixNano())

	if err := s.file.Sync(); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}
	s.logger.Info("save complete", "chunk", chunkID, "version", ver, "pages", len(pages), "bytes", len(pageBuf))
	return nil
}

// FlushMap flushes m and marks its previous root page superseded in one
// step, so the chunk hosting the old root can eventually be collected.
func (s *Store) FlushMap(m *kv.Map) error {
	if !m.Dirty() {
		return nil
	}
	old := m.Root()
	if _, err := m.Flush(); err != nil {
		return err
	}
	return s.MarkSuperseded(old)
}

// MarkSuperseded records that ref's page is no longer reachable from any
// live map root: it tombstones the slot in its home chunk's Occupancy set
// and, once every page in that chunk is tombstoned, marks the chunk itself
// unused as of the current version so a later compaction pass can collect
// it. Bookkeeping lives only in the in-memory chunkEntry; a chunk's
// on-disk header still records the counts it had when written, so a
// process restart re-derives liveness from the prev-chain walk rather than
// from whatever was superseded in the previous run.
func (s *Store) MarkSuperseded(ref chunk.PageRef) error {
	if !ref.Valid() {
		return nil
	}
	entAny, ok := s.chunkTable.Load(ref.ChunkID())
	if !ok {
		return nil
	}
	ent := entAny.(*chunkEntry)
	ent.mu.Lock()
	defer ent.mu.Unlock()
	if ent.toc == nil {
		toc, err := s.loadTOC(ent.header)
		if err != nil {
			return err
		}
		ent.toc = toc
	}
	idx := -1
	for i, e := range ent.toc {
		if e.Offset == ref.Offset() {
			idx = i
			break
		}
	}
	if idx < 0 {
		return fmt.Errorf("chunkstore: offset %d not found in chunk %s TOC", ref.Offset(), ref.ChunkID())
	}
	if ent.header.Occupancy.Test(idx) {
		return nil // already superseded
	}
	ent.header.Occupancy.Set(idx)
	ent.header.PageCountLive--
	ent.header.MaxLenLive -= uint64(ent.toc[idx].Length)
	if ent.header.PageCountLive == 0 {
		ent.header.Unused = time.Since(s.created).Milliseconds()
		ent.header.UnusedAtVersion = s.versions.CurrentVersion()
	}
	return nil
}

// PutLayoutRoot records a named map's root page reference in the layout
// map, to be resolved again at the next Open/recovery.
func (s *Store) PutLayoutRoot(name string, ref chunk.PageRef) error {
	var buf [8]byte
	putUint64(buf[:], uint64(ref))
	return s.layout.Put([]byte("root."+name), buf[:])
}

// LayoutRoot looks up a named map's last-published root page reference.
func (s *Store) LayoutRoot(name string) (chunk.PageRef, bool, error) {
	v, err := s.layout.Get([]byte("root." + name))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return chunk.PageRef(getUint64(v)), true, nil
}

func putUint64(buf []byte, v uint64) {
	for i := 0; i < 8; i++ {
		buf[i] = byte(v >> (8 * i))
	}
}

func getUint64(buf []byte) uint64 {
	var v uint64
	for i := 0; i < 8 && i < len(buf); i++ {
		v |= uint64(buf[i]) << (8 * i)
	}
	return v
}

// compactionFillRatioThreshold is how sparse a rewritable chunk's live
// bytes must be, relative to its total, before compaction bothers copying
// its pages forward. Chunks at or above this ratio are left alone — the
// rewrite costs IO and only pays off once a chunk is meaningfully sparse.
const compactionFillRatioThreshold = 0.7

// RegisterCompactable opts a named map into rewrite-based compaction. When
// a compaction pass picks a sparse chunk as a rewrite candidate, every
// registered map is checked; any whose current root still lives in that
// chunk is force-flushed, copying its live page into the next save and
// letting the old chunk's fill ratio improve. The layout map registers
// itself; callers own registering anything else they want compacted (a
// user map, the undo log, the prepared-transaction table).
func (s *Store) RegisterCompactable(name string, m *kv.Map) {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	if s.compactableMaps == nil {
		s.compactableMaps = make(map[string]*kv.Map)
	}
	s.compactableMaps[name] = m
}

// TriggerCompaction runs the retention/compaction pass, deduplicated so
// concurrent callers collapse into a single run instead of each kicking
// off a redundant pass.
func (s *Store) TriggerCompaction(ctx context.Context) error {
	ch := s.compactionGroup.DoChan("compact", func() error {
		return s.compactOnce(ctx)
	})
	select {
	case err := <-ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) compactOnce(ctx context.Context) error {
	s.saveMu.Lock()
	chunks := s.snapshotChunkSummaries()
	candidate := s.pickRewriteCandidateLocked()
	s.saveMu.Unlock()

	if candidate != 0 {
		if err := s.rewriteChunk(candidate); err != nil {
			return storeerr.New(storeerr.KindInternal, "chunkstore.compactOnce", err)
		}
	}

	now := time.Now()
	snap := chunk.ChunkSetSnapshot{
		Chunks:         chunks,
		Now:            now,
		StoreCreated:   s.created,
		MinLiveVersion: s.versions.MinLiveVersion(),
	}
	dead := s.retentionPolicy.Apply(snap)
	if len(dead) == 0 {
		return nil
	}

	g, gctx := errgroup.WithContext(context.WithoutCancel(ctx))
	for _, id := range dead {
		id := id
		g.Go(func() error {
			return s.collectChunk(gctx, id)
		})
	}
	if err := g.Wait(); err != nil {
		return storeerr.New(storeerr.KindInternal, "chunkstore.compactOnce", err)
	}
	s.logger.Info("compaction collected chunks", "count", len(dead))
	return nil
}

// pickRewriteCandidateLocked scans the chunk table for the rewritable
// chunk (saved, live, unpinned, with at least one tombstoned page) with
// the lowest fill ratio below compactionFillRatioThreshold. It returns
// ChunkID 0 (never a real chunk id; see initEmpty's comment on id 0 being
// reserved) when
// nothing qualifies. Callers hold saveMu.
func (s *Store) pickRewriteCandidateLocked() chunk.ChunkID {
	var best chunk.ChunkID
	bestRatio := compactionFillRatioThreshold
	s.chunkTable.Range(func(k, v any) bool {
		ent := v.(*chunkEntry)
		ent.mu.Lock()
		c := ent.header
		rewritable := c.IsRewritable()
		ratio := c.FillRatio()
		ent.mu.Unlock()
		if rewritable && ratio < bestRatio {
			bestRatio = ratio
			best = k.(chunk.ChunkID)
		}
		return true
	})
	return best
}

// rewriteChunk relocates every registered map whose current root still
// points into id, by force-flushing it into a fresh save. That copies the
// map's live page out of id via WritePage and supersedes the old one
// (MarkSuperseded, through FlushMap), so id's fill ratio can only rise
// from here. Once nothing registered still points into id, the ordinary
// dead-chunk retention pass collects it on a later compaction run.
func (s *Store) rewriteChunk(id chunk.ChunkID) error {
	type relocation struct {
		name string
		m    *kv.Map
	}
	s.saveMu.Lock()
	var toRelocate []relocation
	for name, m := range s.compactableMaps {
		if m.Root().ChunkID() == id {
			toRelocate = append(toRelocate, relocation{name: name, m: m})
		}
	}
	s.saveMu.Unlock()

	if len(toRelocate) == 0 {
		s.logger.Info("compaction candidate has no registered map pointing at it, skipping rewrite", "chunk", id)
		return nil
	}

	err := s.Save(func() error {
		for _, r := range toRelocate {
			if err := r.m.Touch(); err != nil {
				return err
			}
			if err := s.FlushMap(r.m); err != nil {
				return err
			}
			// The layout map flushes itself unconditionally at the end of
			// Save; everything else must re-publish its new root there so
			// the directory doesn't keep pointing at the page we just
			// superseded.
			if r.name != "layout" {
				if err := s.PutLayoutRoot(r.name, r.m.Root()); err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	s.logger.Info("compaction rewrote chunk", "chunk", id, "maps_relocated", len(toRelocate))
	return nil
}

func (s *Store) snapshotChunkSummaries() []chunk.ChunkSummary {
	var out []chunk.ChunkSummary
	s.chunkTable.Range(func(_, v any) bool {
		c := v.(*chunkEntry).header
		out = append(out, chunk.ChunkSummary{
			ID:              c.ID,
			PageCountLive:   c.PageCountLive,
			Unused:          c.Unused,
			UnusedAtVersion: c.UnusedAtVersion,
			PinCount:        c.PinCount,
			MaxLen:          c.MaxLen,
			MaxLenLive:      c.MaxLenLive,
		})
		return true
	})
	return out
}

func (s *Store) collectChunk(ctx context.Context, id chunk.ChunkID) error {
	if s.compactionLimiter != nil {
		entAny, ok := s.chunkTable.Load(id)
		if ok {
			c := entAny.(*chunkEntry).header
			if err := s.compactionLimiter.WaitN(ctx, int(c.MaxLen)); err != nil {
				return err
			}
		}
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	entAny, ok := s.chunkTable.Load(id)
	if !ok {
		return nil
	}
	c := entAny.(*chunkEntry).header
	tocLen := int64(c.PageCount) * tocEntrySize
	total := int64(chunk.HeaderMaxLen) + int64(c.MaxLen) + tocLen + int64(chunk.FooterLen)
	blocks := uint64((total + chunk.BlockSize - 1) / chunk.BlockSize)
	if err := s.freeSpace.Free(c.Block*chunk.BlockSize, blocks*chunk.BlockSize); err != nil {
		return err
	}
	s.chunkTable.Delete(id)
	return nil
}

// Close releases the store's file handle. It does not run a Save, so
// changes not yet saved are not written.
func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.file.Close()
}
