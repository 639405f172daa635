package chunkstore

import (
	"encoding/binary"
	"fmt"

	"chunkvault/internal/chunk"
)

// tocEntry describes one page within a chunk: its byte offset relative to
// the start of the chunk, its exact length, and its type. Occupancy bit i
// (in the chunk header) corresponds to tocEntries[i] — a set bit means
// that slot's page is no longer referenced by anything live.
type tocEntry struct {
	Offset uint64
	Length uint32
	Type   chunk.PageType
}

const tocEntrySize = 8 + 4 + 1

func encodeTOC(entries []tocEntry) []byte {
	buf := make([]byte, len(entries)*tocEntrySize)
	for i, e := range entries {
		o := i * tocEntrySize
		binary.LittleEndian.PutUint64(buf[o:], e.Offset)
		binary.LittleEndian.PutUint32(buf[o+8:], e.Length)
		buf[o+12] = byte(e.Type)
	}
	return buf
}

func decodeTOC(buf []byte) ([]tocEntry, error) {
	if len(buf)%tocEntrySize != 0 {
		return nil, fmt.Errorf("%w: TOC length %d not a multiple of entry size %d", chunk.ErrChunkCorrupt, len(buf), tocEntrySize)
	}
	n := len(buf) / tocEntrySize
	entries := make([]tocEntry, n)
	for i := range entries {
		o := i * tocEntrySize
		entries[i] = tocEntry{
			Offset: binary.LittleEndian.Uint64(buf[o:]),
			Length: binary.LittleEndian.Uint32(buf[o+8:]),
			Type:   chunk.PageType(buf[o+12]),
		}
	}
	return entries, nil
}
