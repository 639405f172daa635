package blockio

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestReadWriteFullyRoundTrip(t *testing.T) {
	dir := t.TempDir()
	f, err := Open(filepath.Join(dir, "store.db"), false, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	want := []byte("hello, chunked world")
	if err := f.WriteFully(4096, want); err != nil {
		t.Fatalf("WriteFully: %v", err)
	}

	got := make([]byte, len(want))
	if err := f.ReadFully(4096, got); err != nil {
		t.Fatalf("ReadFully: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %q want %q", got, want)
	}

	stats := f.Stats()
	if stats.Writes != 1 || stats.Reads != 1 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
	if stats.BytesWritten != int64(len(want)) || stats.BytesRead != int64(len(want)) {
		t.Fatalf("unexpected byte counters: %+v", stats)
	}
}

func TestWriteFullyRejectsReadOnly(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	rw, err := Open(path, false, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := rw.WriteFully(0, []byte("seed")); err != nil {
		t.Fatalf("seed write: %v", err)
	}
	rw.Close()

	ro, err := Open(path, true, nil, nil)
	if err != nil {
		t.Fatalf("Open readonly: %v", err)
	}
	defer ro.Close()
	if err := ro.WriteFully(0, []byte("nope")); err == nil {
		t.Fatal("expected ErrReadOnly")
	}
}

func TestAcquireLockRejectsSecondExclusive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "store.db")

	a, err := Open(path, false, nil, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer a.Close()
	if err := a.AcquireLock(); err != nil {
		t.Fatalf("first AcquireLock: %v", err)
	}

	b, err := Open(path, false, nil, nil)
	if err != nil {
		t.Fatalf("Open second handle: %v", err)
	}
	defer b.Close()
	if err := b.AcquireLock(); err == nil {
		t.Fatal("expected ErrFileLocked on contended exclusive lock")
	}
}

func TestChaCha20TransformerRoundTrip(t *testing.T) {
	dir := t.TempDir()
	xform := NewChaCha20Transformer("correct horse battery staple")
	f, err := Open(filepath.Join(dir, "store.db"), false, xform, nil)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer f.Close()

	want := bytes.Repeat([]byte("x"), 200)
	off := int64(123) // deliberately not 64-byte aligned
	if err := f.WriteFully(off, want); err != nil {
		t.Fatalf("WriteFully: %v", err)
	}

	got := make([]byte, len(want))
	if err := f.ReadFully(off, got); err != nil {
		t.Fatalf("ReadFully: %v", err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("round trip through ChaCha20Transformer failed")
	}

	// The ciphertext on disk must differ from the plaintext, and the
	// transform must preserve length.
	raw := make([]byte, len(want))
	plain, err := Open(filepath.Join(dir, "store.db"), true, nil, nil)
	if err != nil {
		t.Fatalf("Open raw: %v", err)
	}
	defer plain.Close()
	if err := plain.ReadFully(off, raw); err != nil {
		t.Fatalf("ReadFully raw: %v", err)
	}
	if bytes.Equal(raw, want) {
		t.Fatal("ciphertext on disk matches plaintext; encryption did not run")
	}
	if len(raw) != len(want) {
		t.Fatalf("transform changed length: got %d want %d", len(raw), len(want))
	}
}
