package chunkstore

import (
	"errors"
	"testing"

	"chunkvault/internal/blockio"
	"chunkvault/internal/chunk"
	"chunkvault/internal/config"
	"chunkvault/internal/kv"
	"chunkvault/internal/storeerr"
)

func openTestAppendOnlyStore(t *testing.T, dir string, opts config.Options) *AppendOnlyStore {
	t.Helper()
	s, err := OpenAppendOnly(dir, opts)
	if err != nil {
		t.Fatalf("OpenAppendOnly: %v", err)
	}
	return s
}

func TestAppendOnlyStoreSaveAndReadPageRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := openTestAppendOnlyStore(t, dir, config.DefaultOptions())
	defer s.Close()

	userMap := kv.New(s, chunk.TypeUserMapNode)
	if err := userMap.Put([]byte("k1"), []byte("v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Save(func() error { return s.FlushMap(userMap) }); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := s.PutLayoutRoot("users", userMap.Root()); err != nil {
		t.Fatalf("PutLayoutRoot: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("Save: %v", err)
	}

	root, ok, err := s.LayoutRoot("users")
	if err != nil {
		t.Fatalf("LayoutRoot: %v", err)
	}
	if !ok {
		t.Fatalf("LayoutRoot(\"users\") not found")
	}

	reopened := kv.Open(s, chunk.TypeUserMapNode, root)
	v, err := reopened.Get([]byte("k1"))
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if string(v) != "v1" {
		t.Fatalf("got %q, want %q", v, "v1")
	}
}

func TestAppendOnlyStoreReadPageRoundTripsUnderEveryCompressionLevel(t *testing.T) {
	for _, level := range []int{0, 1, 2} {
		t.Run(compressLevelName(level), func(t *testing.T) {
			dir := t.TempDir()
			opts := config.DefaultOptions()
			opts.Compress = level
			s := openTestAppendOnlyStore(t, dir, opts)
			defer s.Close()

			userMap := kv.New(s, chunk.TypeUserMapNode)
			large := make([]byte, 4096)
			for i := range large {
				large[i] = byte(i % 251)
			}
			if err := userMap.Put([]byte("big"), large); err != nil {
				t.Fatalf("Put: %v", err)
			}
			if err := s.Save(func() error { return s.FlushMap(userMap) }); err != nil {
				t.Fatalf("Save: %v", err)
			}

			v, err := userMap.Get([]byte("big"))
			if err != nil {
				t.Fatalf("Get: %v", err)
			}
			if len(v) != len(large) {
				t.Fatalf("got %d bytes, want %d", len(v), len(large))
			}
			for i := range v {
				if v[i] != large[i] {
					t.Fatalf("byte %d: got %d, want %d", i, v[i], large[i])
				}
			}
		})
	}
}

// TestAppendOnlyStoreRecoversMultipleChunksAfterReopen writes several chunks
// in one run, reopens, and checks every one of them is still reachable — the
// case that would have silently regressed to one surviving chunk had the
// forward scan's cursor advance not matched Save's block padding.
func TestAppendOnlyStoreRecoversMultipleChunksAfterReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestAppendOnlyStore(t, dir, config.DefaultOptions())

	userMap := kv.New(s, chunk.TypeUserMapNode)
	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		if err := userMap.Put(key, []byte{byte(i)}); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		if err := s.Save(func() error { return s.FlushMap(userMap) }); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	if err := s.PutLayoutRoot("users", userMap.Root()); err != nil {
		t.Fatalf("PutLayoutRoot: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("final Save: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestAppendOnlyStore(t, dir, config.DefaultOptions())
	defer s2.Close()

	var count int
	s2.chunkTable.Range(func(_, _ any) bool { count++; return true })
	if count != 6 {
		t.Fatalf("got %d chunks registered after recovery, want 6", count)
	}

	root, ok, err := s2.LayoutRoot("users")
	if err != nil {
		t.Fatalf("LayoutRoot: %v", err)
	}
	if !ok {
		t.Fatalf("LayoutRoot(\"users\") not found after reopen")
	}
	reopened := kv.Open(s2, chunk.TypeUserMapNode, root)
	for i := 0; i < 5; i++ {
		key := []byte{byte('a' + i)}
		v, err := reopened.Get(key)
		if err != nil {
			t.Fatalf("Get %d after reopen: %v", i, err)
		}
		if len(v) != 1 || v[0] != byte(i) {
			t.Fatalf("key %q: got %v, want [%d]", key, v, i)
		}
	}
}

// withSmallVolumes shrinks defaultVolumeBytes for the duration of a test, so
// a roll can be forced without writing tens of megabytes through kv.Map's
// rewrite-the-whole-run-on-every-flush behavior.
func withSmallVolumes(t *testing.T, n int64) {
	t.Helper()
	old := defaultVolumeBytes
	defaultVolumeBytes = n
	t.Cleanup(func() { defaultVolumeBytes = old })
}

// TestAppendOnlyStoreRecoversAcrossVolumeRoll forces at least one roll to a
// second volume, then confirms recovery finds chunks in both.
func TestAppendOnlyStoreRecoversAcrossVolumeRoll(t *testing.T) {
	withSmallVolumes(t, 8192)
	dir := t.TempDir()
	opts := config.DefaultOptions()
	s := openTestAppendOnlyStore(t, dir, opts)

	userMap := kv.New(s, chunk.TypeUserMapNode)
	for i := 0; i < 8; i++ {
		key := []byte{byte(i)}
		val := make([]byte, 512)
		for j := range val {
			val[j] = byte(i)
		}
		if err := userMap.Put(key, val); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		if err := s.Save(func() error { return s.FlushMap(userMap) }); err != nil {
			t.Fatalf("Save %d: %v", i, err)
		}
	}
	if err := s.PutLayoutRoot("users", userMap.Root()); err != nil {
		t.Fatalf("PutLayoutRoot: %v", err)
	}
	if err := s.Save(); err != nil {
		t.Fatalf("final Save: %v", err)
	}

	if s.vs.CurrentVolumeID() == 0 {
		t.Fatalf("test did not force a volume roll; increase iteration count or shrink defaultVolumeBytes further")
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestAppendOnlyStore(t, dir, opts)
	defer s2.Close()

	sawVolume1 := false
	s2.chunkTable.Range(func(_, v any) bool {
		if v.(*chunkEntry).header.VolumeID > 0 {
			sawVolume1 = true
		}
		return true
	})
	if !sawVolume1 {
		t.Fatalf("expected at least one recovered chunk in a volume past 0")
	}

	root, ok, err := s2.LayoutRoot("users")
	if err != nil || !ok {
		t.Fatalf("LayoutRoot: ok=%v err=%v", ok, err)
	}
	reopened := kv.Open(s2, chunk.TypeUserMapNode, root)
	for i := 0; i < 8; i++ {
		v, err := reopened.Get([]byte{byte(i)})
		if err != nil {
			t.Fatalf("Get %d: %v", i, err)
		}
		if len(v) != 512 || v[0] != byte(i) {
			t.Fatalf("key %d: got corrupted value of length %d", i, len(v))
		}
	}
}

func TestAppendOnlyStoreSaveFailsOnceMaxVolumesExceeded(t *testing.T) {
	withSmallVolumes(t, 4096)
	dir := t.TempDir()
	opts := config.DefaultOptions()
	opts.MaxFileCount = 1
	s := openTestAppendOnlyStore(t, dir, opts)
	defer s.Close()

	userMap := kv.New(s, chunk.TypeUserMapNode)
	val := make([]byte, 256)

	var lastErr error
	for i := 0; i < 50; i++ {
		key := []byte{byte(i), byte(i >> 8)}
		if err := userMap.Put(key, val); err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
		lastErr = s.Save(func() error { return s.FlushMap(userMap) })
		if lastErr != nil {
			break
		}
	}
	if lastErr == nil {
		t.Fatalf("expected Save to eventually fail with a single volume capped at MaxFileCount=1")
	}
	if !storeerr.Is(lastErr, storeerr.KindTooBig) || !errors.Is(lastErr, blockio.ErrMaxVolumesExceeded) {
		t.Fatalf("got %v, want a KindTooBig error wrapping ErrMaxVolumesExceeded", lastErr)
	}
}

func TestAppendOnlyStoreSaveRejectedWhenReadOnly(t *testing.T) {
	dir := t.TempDir()
	s := openTestAppendOnlyStore(t, dir, config.DefaultOptions())
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	opts := config.DefaultOptions()
	opts.ReadOnly = true
	s2 := openTestAppendOnlyStore(t, dir, opts)
	defer s2.Close()

	err := s2.Save()
	if err == nil {
		t.Fatalf("expected Save to fail on a read-only store")
	}
	if !storeerr.Is(err, storeerr.KindIllegalState) {
		t.Fatalf("got %v, want KindIllegalState", err)
	}
}

func TestAppendOnlyStoreWritePageOutsideSaveFails(t *testing.T) {
	dir := t.TempDir()
	s := openTestAppendOnlyStore(t, dir, config.DefaultOptions())
	defer s.Close()

	_, err := s.WritePage([]byte("data"), chunk.TypeUserData)
	if err == nil {
		t.Fatalf("expected error writing a page outside a save")
	}
	if !storeerr.Is(err, storeerr.KindIllegalState) {
		t.Fatalf("got %v, want KindIllegalState", err)
	}
}

func TestAppendOnlyStoreRunIDChangesAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s := openTestAppendOnlyStore(t, dir, config.DefaultOptions())
	first := s.RunID()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s2 := openTestAppendOnlyStore(t, dir, config.DefaultOptions())
	defer s2.Close()
	if s2.RunID() == first {
		t.Fatalf("expected a fresh RunID on reopen, got the same one")
	}
}
