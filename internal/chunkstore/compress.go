package chunkstore

import (
	"sync"

	"github.com/klauspost/compress/s2"
	"github.com/klauspost/compress/zstd"
)

// pageCodec compresses and decompresses whole pages. A page is compressed
// independently of its neighbors so ReadPage can decompress it the moment
// the TOC hands back its (offset, length) without touching any other page.
type pageCodec interface {
	// tag is written as the leading byte of every stored page so
	// ReadPage can decompress with the codec that wrote it, even if the
	// store is later reopened with a different Compress setting.
	tag() byte
	encode(data []byte) []byte
	decode(data []byte) ([]byte, error)
}

const (
	codecNone byte = 0
	codecS2   byte = 1
	codecZstd byte = 2
)

type noneCodec struct{}

func (noneCodec) tag() byte                          { return codecNone }
func (noneCodec) encode(data []byte) []byte          { return data }
func (noneCodec) decode(data []byte) ([]byte, error) { return data, nil }

type s2Codec struct{}

func (s2Codec) tag() byte { return codecS2 }
func (s2Codec) encode(data []byte) []byte {
	return s2.Encode(nil, data)
}
func (s2Codec) decode(data []byte) ([]byte, error) {
	return s2.Decode(nil, data)
}

// zstdCodec wraps a shared encoder/decoder pair. Both are safe for
// concurrent use, so one of each is enough for the whole Store.
type zstdCodec struct {
	enc *zstd.Encoder
	dec *zstd.Decoder
}

func newZstdCodec() *zstdCodec {
	enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBestCompression))
	if err != nil {
		panic("chunkstore: init zstd encoder: " + err.Error())
	}
	dec, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		panic("chunkstore: init zstd decoder: " + err.Error())
	}
	return &zstdCodec{enc: enc, dec: dec}
}

func (c *zstdCodec) tag() byte { return codecZstd }
func (c *zstdCodec) encode(data []byte) []byte {
	return c.enc.EncodeAll(data, nil)
}
func (c *zstdCodec) decode(data []byte) ([]byte, error) {
	return c.dec.DecodeAll(data, nil)
}

var zstdOnce sync.Once
var zstdShared *zstdCodec

func sharedZstdCodec() *zstdCodec {
	zstdOnce.Do(func() { zstdShared = newZstdCodec() })
	return zstdShared
}

// codecForLevel maps a config.Options.Compress value to the codec that
// writes new pages at that level. 0 (and any unknown level) selects
// noneCodec: page bytes are stored as is, still behind the one-byte codec
// tag that WritePage prepends to every page.
func codecForLevel(level int) pageCodec {
	switch level {
	case 1:
		return s2Codec{}
	case 2:
		return sharedZstdCodec()
	default:
		return noneCodec{}
	}
}

// decodeCodec resolves the codec that wrote a page from its stored tag,
// independent of the store's current Compress setting.
func decodeCodec(tag byte) (pageCodec, bool) {
	switch tag {
	case codecNone:
		return noneCodec{}, true
	case codecS2:
		return s2Codec{}, true
	case codecZstd:
		return sharedZstdCodec(), true
	default:
		return nil, false
	}
}
