package chunkstore

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chunkvault/internal/blockio"
	"chunkvault/internal/chunk"
	"chunkvault/internal/config"
	"chunkvault/internal/kv"
	"chunkvault/internal/logging"
	"chunkvault/internal/storeerr"
	"chunkvault/internal/version"
)

// defaultVolumeBytes is the size a volume grows to before AppendOnlyStore
// rolls to a fresh one. maxFileCount (config.Options) bounds how many
// volumes a roll is allowed to create in total. A var, not a const, so
// tests can shrink it to force a roll without writing tens of megabytes.
var defaultVolumeBytes int64 = 64 << 20 // 64 MiB

// AppendOnlyStore is the non-compacting multi-file sibling of Store: chunks
// are appended to an ever-growing blockio.VolumeSet and never reclaimed.
// There is no retention policy, no free-space map, and no TriggerCompaction
// — disk usage only grows, in exchange for never needing to pause writers
// to rewrite live pages into a fresh chunk. Suitable for a write-once audit
// log or an archival tier fed by a compacting Store upstream.
type AppendOnlyStore struct {
	opts    config.Options
	logger  *slog.Logger
	vs      *blockio.VolumeSet
	created time.Time
	runID   uuid.UUID

	saveMu      sync.Mutex
	versions    *version.Registry
	chunkTable  sync.Map // ChunkID -> *chunkEntry
	nextChunkID atomic.Uint32

	layout *kv.Map

	snapshot atomic.Pointer[Snapshot]
	saveCtx  *saveContext

	dirtyBytes   atomic.Uint64
	lastSaveTime atomic.Int64
	saveTrigger  chunk.SaveTriggerPolicy

	closed atomic.Bool
}

// OpenAppendOnly opens or creates an append-only store rooted at dir,
// replaying every volume found there to rebuild its chunk table.
func OpenAppendOnly(dir string, opts config.Options) (*AppendOnlyStore, error) {
	runID := uuid.New()
	logger := logging.Default(opts.Logger).With("component", "chunkstore", "type", "appendonly", "dir", dir, "run_id", runID.String())

	var xform blockio.EncryptionTransformer
	if opts.EncryptionKey != "" {
		xform = blockio.NewChaCha20Transformer(opts.EncryptionKey)
	}
	vs, err := blockio.OpenVolumeSet(blockio.VolumeSetConfig{
		Dir:        dir,
		Prefix:     "chunkvault",
		MaxBytes:   defaultVolumeBytes,
		MaxVolumes: opts.MaxFileCount,
		Xform:      xform,
		Logger:     logger,
	})
	if err != nil {
		return nil, storeerr.New(storeerr.KindIOFailure, "chunkstore.OpenAppendOnly", err)
	}

	s := &AppendOnlyStore{
		opts:     opts,
		logger:   logger,
		vs:       vs,
		runID:    runID,
		versions: version.NewRegistry(),
		saveTrigger: chunk.NewCompositeSaveTriggerPolicy(
			chunk.NewBufferSizePolicy(uint64(opts.AutoCommitBufferKB) * 1024),
		),
	}

	size, err := vs.VolumeSize(0)
	if err != nil {
		_ = vs.Close()
		return nil, storeerr.New(storeerr.KindIOFailure, "chunkstore.OpenAppendOnly", err)
	}
	if size == 0 && vs.CurrentVolumeID() == 0 {
		if err := s.initEmpty(); err != nil {
			_ = vs.Close()
			return nil, err
		}
	} else {
		if err := s.recover(); err != nil {
			_ = vs.Close()
			return nil, err
		}
	}
	return s, nil
}

func (s *AppendOnlyStore) initEmpty() error {
	s.created = time.Now()
	h := newStoreHeader()
	h.Created = s.created
	if err := s.vs.WriteHeader(encodeStoreHeader(h)); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.initEmpty", err)
	}
	s.layout = kv.New(s, chunk.TypeLayoutMapNode)
	s.nextChunkID.Store(1)
	s.snapshot.Store(&Snapshot{})
	return nil
}

// recover replays every volume from its first chunk forward. Unlike Store's
// backward Prev-chain walk — needed there because compaction leaves dead
// space behind that a forward scan can't distinguish from a live chunk —
// nothing in an append-only volume is ever rewritten, so a plain forward
// walk until the first unreadable/unverifiable header is both sufficient
// and simpler: that point is always either end-of-file or a torn write
// from a crash mid-append, and either way scanning stops there.
func (s *AppendOnlyStore) recover() error {
	headerBuf := make([]byte, storeHeaderLen)
	if err := s.vs.ReadFully(0, 0, headerBuf); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.recover", err)
	}
	h, err := decodeStoreHeader(headerBuf)
	if err != nil {
		return storeerr.New(storeerr.KindFileCorrupt, "chunkstore.recover", err)
	}
	s.created = h.Created

	var last *chunk.Chunk
	var maxID chunk.ChunkID
	var lastVersion uint64

	for vol := uint32(0); ; vol++ {
		size, err := s.vs.VolumeSize(vol)
		if err != nil {
			break // no more volumes
		}
		off := int64(0)
		if vol == 0 {
			off = int64(storeHeaderLen)
		}
		for {
			c, total, ok := s.tryReadChunkAt(vol, off, size)
			if !ok {
				break
			}
			c.VolumeID = vol
			c.Block = uint64(off) / chunk.BlockSize
			s.chunkTable.Store(c.ID, &chunkEntry{header: c})
			if last == nil || c.ID >= maxID {
				maxID = c.ID
				last = c
				lastVersion = c.Version
			}
			off += total
		}
	}

	if last == nil {
		s.layout = kv.New(s, chunk.TypeLayoutMapNode)
		s.nextChunkID.Store(1)
		s.snapshot.Store(&Snapshot{})
		return nil
	}

	s.nextChunkID.Store(uint32(maxID) + 1)
	s.layout = kv.Open(s, chunk.TypeLayoutMapNode, last.LayoutRootPos)
	for s.versions.CurrentVersion() < lastVersion {
		s.versions.Advance()
	}
	s.snapshot.Store(&Snapshot{LayoutRoot: last.LayoutRootPos, Version: lastVersion})
	return nil
}

// tryReadChunkAt attempts to decode and verify a chunk starting at byte
// offset off within volume vol. ok is false at end-of-volume or on the
// first unverifiable header, both of which end the forward scan.
func (s *AppendOnlyStore) tryReadChunkAt(vol uint32, off int64, volSize int64) (c *chunk.Chunk, total int64, ok bool) {
	if off+int64(chunk.HeaderMaxLen) > volSize {
		return nil, 0, false
	}
	headerBuf := make([]byte, chunk.HeaderMaxLen)
	if err := s.vs.ReadFully(vol, off, headerBuf); err != nil {
		return nil, 0, false
	}
	hdr, _, err := chunk.DecodeHeader(headerBuf, 0)
	if err != nil {
		return nil, 0, false
	}
	tocLen := int64(hdr.PageCount) * tocEntrySize
	footerOff := off + int64(chunk.HeaderMaxLen) + int64(hdr.MaxLen) + tocLen
	if footerOff+int64(chunk.FooterLen) > volSize {
		return nil, 0, false
	}
	if off+int64(hdr.Len)*chunk.BlockSize > volSize {
		return nil, 0, false
	}
	preceding := make([]byte, footerOff-off)
	if err := s.vs.ReadFully(vol, off, preceding); err != nil {
		return nil, 0, false
	}
	footerBuf := make([]byte, chunk.FooterLen)
	if err := s.vs.ReadFully(vol, footerOff, footerBuf); err != nil {
		return nil, 0, false
	}
	f, err := chunk.DecodeFooter(footerBuf)
	if err != nil {
		return nil, 0, false
	}
	if err := chunk.VerifyFooter(hdr, f, preceding); err != nil {
		return nil, 0, false
	}
	// hdr.Len is the block-rounded length Save padded the chunk out to, not
	// the exact header+pages+toc+footer span footerOff reaches — advancing
	// by anything less would land the next read inside that padding.
	return hdr, int64(hdr.Len) * chunk.BlockSize, true
}

// ReadPage resolves ref's chunk to a (volume, block) pair and reads through
// the owning volume, decompressing with whatever codec wrote the page.
func (s *AppendOnlyStore) ReadPage(ref chunk.PageRef) ([]byte, error) {
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
	vol := ent.header.VolumeID
	block := ent.header.Block
	ent.mu.Unlock()

	off := ref.Offset()
	for _, e := range toc {
		if e.Offset == off {
			buf := make([]byte, e.Length)
			pos := int64(block*chunk.BlockSize) + int64(chunk.HeaderMaxLen) + int64(off)
			if err := s.vs.ReadFully(vol, pos, buf); err != nil {
				return nil, storeerr.New(storeerr.KindIOFailure, "chunkstore.ReadPage", err)
			}
			return decodePageBytes(buf)
		}
	}
	return nil, storeerr.New(storeerr.KindFileCorrupt, "chunkstore.ReadPage", fmt.Errorf("offset %d not found in chunk %s TOC", off, id))
}

func (s *AppendOnlyStore) loadTOC(c *chunk.Chunk) ([]tocEntry, error) {
	tocLen := int64(c.PageCount) * tocEntrySize
	buf := make([]byte, tocLen)
	pos := int64(c.Block*chunk.BlockSize) + int64(c.TocPos)
	if err := s.vs.ReadFully(c.VolumeID, pos, buf); err != nil {
		return nil, err
	}
	return decodeTOC(buf)
}

// WritePage buffers a compressed page into the in-progress save, exactly
// like Store.WritePage.
func (s *AppendOnlyStore) WritePage(data []byte, typ chunk.PageType) (chunk.PageRef, error) {
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

// NoteDirty mirrors Store.NoteDirty.
func (s *AppendOnlyStore) NoteDirty(n uint64) { s.dirtyBytes.Add(n) }

// ShouldSave mirrors Store.ShouldSave.
func (s *AppendOnlyStore) ShouldSave() bool {
	since := time.Duration(0)
	if last := s.lastSaveTime.Load(); last != 0 {
		since = time.Since(time.Unix(0, last))
	}
	return s.saveTrigger.ShouldSave(chunk.DirtyBufferState{
		DirtyBytes:    s.dirtyBytes.Load(),
		SinceLastSave: since,
	})
}

// CurrentSnapshot mirrors Store.CurrentSnapshot.
func (s *AppendOnlyStore) CurrentSnapshot() *Snapshot {
	return s.snapshot.Load()
}

// CurrentVersion mirrors Store.CurrentVersion.
func (s *AppendOnlyStore) CurrentVersion() uint64 {
	return s.versions.CurrentVersion()
}

// CreatedAt mirrors Store.CreatedAt.
func (s *AppendOnlyStore) CreatedAt() time.Time {
	return s.created
}

// RunID mirrors Store.RunID.
func (s *AppendOnlyStore) RunID() uuid.UUID {
	return s.runID
}

// AcquireVersion mirrors Store.AcquireVersion.
func (s *AppendOnlyStore) AcquireVersion() *version.TxCounter {
	return s.versions.Acquire()
}

// Save flushes dirty maps into a new chunk appended to whichever volume
// currently has room, rolling to a fresh one first if it doesn't. There is
// no free-space allocator to consult: blockio.VolumeSet.Append always
// lands at the current end of file.
func (s *AppendOnlyStore) Save(flushFuncs ...func() error) error {
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

	hdr := &chunk.Chunk{
		ID:            chunkID,
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
		Prev:          chunk.BlockUnsaved, // no chain: forward replay needs none
	}

	headerBytes, err := chunk.EncodeHeader(hdr, chunk.HeaderMaxLen)
	if err != nil {
		return storeerr.New(storeerr.KindInternal, "chunkstore.Save", err)
	}
	preceding := make([]byte, 0, totalLen-chunk.FooterLen)
	preceding = append(preceding, headerBytes...)
	preceding = append(preceding, pageBuf...)
	preceding = append(preceding, tocBytes...)
	footerBytes := chunk.EncodeFooter(hdr, preceding)

	paddedLen := int64(hdr.Len) * chunk.BlockSize
	buf := make([]byte, 0, paddedLen)
	buf = append(buf, preceding...)
	buf = append(buf, footerBytes...)
	if pad := paddedLen - int64(len(buf)); pad > 0 {
		buf = append(buf, make([]byte, pad)...)
	}

	// Every chunk lands block-aligned, the same invariant the single-file
	// Store gets from its free-space allocator: otherwise hdr.Block (a block
	// index, not a byte offset) would lose information truncating pos/BlockSize.
	vol, pos, err := s.vs.Append(buf)
	if errors.Is(err, blockio.ErrMaxVolumesExceeded) {
		return storeerr.New(storeerr.KindTooBig, "chunkstore.Save", err)
	}
	if err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}
	hdr.Block = uint64(pos) / chunk.BlockSize
	hdr.VolumeID = vol
	hdr.Next = hdr.Block + hdr.Len

	// hdr.Block/VolumeID are only known after Append placed the bytes, but
	// the header we already wrote to disk still carries the zero values it
	// had when encoded — harmless, since recovery never reads a chunk's own
	// claimed Block/VolumeID for anything but the single-file Store's
	// readChunkAt cross-check; the append-only forward scan locates each
	// chunk purely by the volume and offset it actually finds it at.

	s.chunkTable.Store(chunkID, &chunkEntry{header: hdr, toc: tocEntries})
	s.nextChunkID.Store(uint32(chunkID) + 1)

	sh := newStoreHeader()
	sh.Created = s.created
	sh.LastChunk = hdr.Block
	sh.LastVolume = vol
	if err := s.vs.WriteHeader(encodeStoreHeader(sh)); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}

	s.snapshot.Store(&Snapshot{LayoutRoot: hdr.LayoutRootPos, Version: ver})
	s.dirtyBytes.Store(0)
	s.lastSaveTime.Store(time.Now().UnixNano())

	if err := s.vs.Sync(); err != nil {
		return storeerr.New(storeerr.KindIOFailure, "chunkstore.Save", err)
	}
	s.logger.Info("save complete", "chunk", chunkID, "volume", vol, "version", ver, "pages", len(pages), "bytes", len(pageBuf))
	return nil
}

// FlushMap mirrors Store.FlushMap, minus MarkSuperseded: nothing is ever
// collected in this variant, so there is no bookkeeping benefit to
// tombstoning a superseded root — it would just be dead weight on a chunk
// that can never shrink.
func (s *AppendOnlyStore) FlushMap(m *kv.Map) error {
	if !m.Dirty() {
		return nil
	}
	_, err := m.Flush()
	return err
}

// PutLayoutRoot mirrors Store.PutLayoutRoot.
func (s *AppendOnlyStore) PutLayoutRoot(name string, ref chunk.PageRef) error {
	buf := make([]byte, 8)
	putUint64(buf, uint64(ref))
	return s.layout.Put([]byte("root."+name), buf)
}

// LayoutRoot mirrors Store.LayoutRoot.
func (s *AppendOnlyStore) LayoutRoot(name string) (chunk.PageRef, bool, error) {
	v, err := s.layout.Get([]byte("root." + name))
	if err == kv.ErrNotFound {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, err
	}
	return chunk.PageRef(getUint64(v)), true, nil
}

// Close releases the volume set's lock and closes every underlying file.
func (s *AppendOnlyStore) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.vs.Close()
}
