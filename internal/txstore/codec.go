package txstore

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// EncodeVersionedValue serializes a VersionedValue as:
//   hasOpID(1) [slot(2) logID(8)] hasValue(1) [len(varint) value]
func EncodeVersionedValue(vv VersionedValue) []byte {
	var buf bytes.Buffer
	if vv.OpID != nil {
		buf.WriteByte(1)
		var slotBuf [2]byte
		binary.BigEndian.PutUint16(slotBuf[:], uint16(vv.OpID.Slot))
		buf.Write(slotBuf[:])
		var logBuf [8]byte
		binary.BigEndian.PutUint64(logBuf[:], vv.OpID.LogID)
		buf.Write(logBuf[:])
	} else {
		buf.WriteByte(0)
	}
	if vv.Value != nil {
		buf.WriteByte(1)
		var lenBuf [binary.MaxVarintLen64]byte
		n := binary.PutUvarint(lenBuf[:], uint64(len(vv.Value)))
		buf.Write(lenBuf[:n])
		buf.Write(vv.Value)
	} else {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func DecodeVersionedValue(buf []byte) (VersionedValue, error) {
	r := bytes.NewReader(buf)
	hasOpID, err := r.ReadByte()
	if err != nil {
		return VersionedValue{}, fmt.Errorf("txstore: decode versioned value: %w", err)
	}
	var vv VersionedValue
	if hasOpID == 1 {
		var slotBuf [2]byte
		if _, err := readFull(r, slotBuf[:]); err != nil {
			return VersionedValue{}, fmt.Errorf("txstore: decode op-id slot: %w", err)
		}
		var logBuf [8]byte
		if _, err := readFull(r, logBuf[:]); err != nil {
			return VersionedValue{}, fmt.Errorf("txstore: decode op-id log-id: %w", err)
		}
		vv.OpID = &OpID{Slot: SlotID(binary.BigEndian.Uint16(slotBuf[:])), LogID: binary.BigEndian.Uint64(logBuf[:])}
	}
	hasValue, err := r.ReadByte()
	if err != nil {
		return VersionedValue{}, fmt.Errorf("txstore: decode versioned value: %w", err)
	}
	if hasValue == 1 {
		vlen, err := binary.ReadUvarint(r)
		if err != nil {
			return VersionedValue{}, fmt.Errorf("txstore: decode value length: %w", err)
		}
		value := make([]byte, vlen)
		if _, err := readFull(r, value); err != nil {
			return VersionedValue{}, fmt.Errorf("txstore: decode value: %w", err)
		}
		vv.Value = value
	}
	return vv, nil
}

// EncodeUndoEntry serializes an UndoEntry as: mapID(varint) keyLen(varint)
// key versionedValue.
func EncodeUndoEntry(e UndoEntry) []byte {
	var buf bytes.Buffer
	var n int
	var tmp [binary.MaxVarintLen64]byte
	n = binary.PutUvarint(tmp[:], uint64(e.MapID))
	buf.Write(tmp[:n])
	n = binary.PutUvarint(tmp[:], uint64(len(e.Key)))
	buf.Write(tmp[:n])
	buf.Write(e.Key)
	buf.Write(EncodeVersionedValue(e.OldVV))
	return buf.Bytes()
}

func DecodeUndoEntry(buf []byte) (UndoEntry, error) {
	r := bytes.NewReader(buf)
	mapID, err := binary.ReadUvarint(r)
	if err != nil {
		return UndoEntry{}, fmt.Errorf("txstore: decode undo entry map id: %w", err)
	}
	klen, err := binary.ReadUvarint(r)
	if err != nil {
		return UndoEntry{}, fmt.Errorf("txstore: decode undo entry key length: %w", err)
	}
	key := make([]byte, klen)
	if _, err := readFull(r, key); err != nil {
		return UndoEntry{}, fmt.Errorf("txstore: decode undo entry key: %w", err)
	}
	rest := buf[len(buf)-r.Len():]
	vv, err := DecodeVersionedValue(rest)
	if err != nil {
		return UndoEntry{}, err
	}
	return UndoEntry{MapID: uint32(mapID), Key: key, OldVV: vv}, nil
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
