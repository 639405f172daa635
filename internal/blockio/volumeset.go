package blockio

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"chunkvault/internal/logging"
)

// ErrVolumeReadOnly names a write to any volume other than the current
// (highest-numbered) one. No VolumeSet method returns it: WriteFully and
// Append always write to the current volume, and WriteHeader rewrites
// volume 0's header block in place.
var ErrVolumeReadOnly = errors.New("blockio: volume is sealed read-only")

// VolumeSet implements the multi-file append-only variant described in the
// design notes: an ordered sequence of files, where only the most recent
// (highest volume_id) is writable and earlier ones are sealed read-only.
// This is the non-compacting counterpart to a single rolling Store file —
// it never frees a volume, it only adds new ones.
type VolumeSet struct {
	dir        string
	prefix     string
	xform      EncryptionTransformer
	logger     *slog.Logger
	volumes    []*File
	maxBytes   int64
	maxVolumes int
}

// VolumeSetConfig configures a new VolumeSet.
type VolumeSetConfig struct {
	Dir        string
	Prefix     string // file name prefix; volumes are named "<prefix>.<n>"
	MaxBytes   int64  // roll to a new volume once the current one reaches this size
	MaxVolumes int    // refuse to roll past this many volumes; 0 = unlimited
	Xform      EncryptionTransformer
	Logger     *slog.Logger
}

// ErrMaxVolumesExceeded is returned when a write would roll past MaxVolumes.
var ErrMaxVolumesExceeded = errors.New("blockio: volume set at its configured volume cap")

// OpenVolumeSet opens an existing set of volumes (0..n) found under
// cfg.Dir, or creates volume 0 if none exist.
func OpenVolumeSet(cfg VolumeSetConfig) (*VolumeSet, error) {
	vs := &VolumeSet{
		dir:        cfg.Dir,
		prefix:     cfg.Prefix,
		xform:      cfg.Xform,
		maxBytes:   cfg.MaxBytes,
		maxVolumes: cfg.MaxVolumes,
		logger:     logging.Default(cfg.Logger).With("component", "blockio", "type", "volumeset"),
	}

	for n := 0; ; n++ {
		path := vs.volumePath(n)
		if n > 0 {
			if _, err := os.Stat(path); os.IsNotExist(err) {
				break
			}
		}
		f, err := Open(path, false, vs.xform, vs.logger)
		if err != nil {
			return nil, err
		}
		vs.volumes = append(vs.volumes, f)
	}

	if err := vs.current().AcquireLock(); err != nil {
		return nil, err
	}
	return vs, nil
}

func (vs *VolumeSet) volumePath(n int) string {
	return filepath.Join(vs.dir, fmt.Sprintf("%s.%d", vs.prefix, n))
}

func (vs *VolumeSet) current() *File {
	return vs.volumes[len(vs.volumes)-1]
}

// CurrentVolumeID returns the volume_id that writes are currently directed
// to — the highest-numbered, only-writable volume.
func (vs *VolumeSet) CurrentVolumeID() uint32 {
	return uint32(len(vs.volumes) - 1)
}

// rollIfNeeded seals the current volume and opens a fresh one once it has
// grown past maxBytes. Called before every write that would grow the file.
func (vs *VolumeSet) rollIfNeeded(additional int64) error {
	if vs.maxBytes <= 0 {
		return nil
	}
	size, err := vs.current().Size()
	if err != nil {
		return err
	}
	if size+additional <= vs.maxBytes {
		return nil
	}
	if vs.maxVolumes > 0 && len(vs.volumes) >= vs.maxVolumes {
		return ErrMaxVolumesExceeded
	}
	if err := vs.current().ReleaseLock(); err != nil {
		return err
	}
	next := len(vs.volumes)
	f, err := Open(vs.volumePath(next), false, vs.xform, vs.logger)
	if err != nil {
		return err
	}
	if err := f.AcquireLock(); err != nil {
		_ = f.Close()
		return err
	}
	vs.volumes = append(vs.volumes, f)
	vs.logger.Info("rolled to new volume", "volumeID", vs.CurrentVolumeID())
	return nil
}

// ReadFully reads from the volume identified by volumeID.
func (vs *VolumeSet) ReadFully(volumeID uint32, off int64, buf []byte) error {
	if int(volumeID) >= len(vs.volumes) {
		return fmt.Errorf("blockio: volume %d not found", volumeID)
	}
	return vs.volumes[volumeID].ReadFully(off, buf)
}

// VolumeSize returns the current size of the volume identified by
// volumeID, or an error if it doesn't exist yet.
func (vs *VolumeSet) VolumeSize(volumeID uint32) (int64, error) {
	if int(volumeID) >= len(vs.volumes) {
		return 0, fmt.Errorf("blockio: volume %d not found", volumeID)
	}
	return vs.volumes[volumeID].Size()
}

// WriteHeader overwrites the fixed-size header block at the start of
// volume 0 — the one part of an append-only set that is ever rewritten
// in place, since every volume after it is pure append.
func (vs *VolumeSet) WriteHeader(buf []byte) error {
	return vs.volumes[0].WriteFully(0, buf)
}

// WriteFully appends to the current volume, rolling to a new one first if
// the write would exceed maxBytes. Returns the volume_id the data landed
// in, since it may differ from the volume_id in effect before the call.
func (vs *VolumeSet) WriteFully(off int64, buf []byte) (uint32, error) {
	if err := vs.rollIfNeeded(int64(len(buf))); err != nil {
		return 0, err
	}
	if err := vs.current().WriteFully(off, buf); err != nil {
		return 0, err
	}
	return vs.CurrentVolumeID(), nil
}

// Append writes buf to the end of the current volume, rolling to a fresh
// one first if it wouldn't fit, and returns the volume it landed in along
// with the byte offset it starts at. Unlike WriteFully, callers don't need
// to track an offset themselves or guess whether a roll is about to happen.
func (vs *VolumeSet) Append(buf []byte) (volumeID uint32, offset int64, err error) {
	if err := vs.rollIfNeeded(int64(len(buf))); err != nil {
		return 0, 0, err
	}
	size, err := vs.current().Size()
	if err != nil {
		return 0, 0, err
	}
	if err := vs.current().WriteFully(size, buf); err != nil {
		return 0, 0, err
	}
	return vs.CurrentVolumeID(), size, nil
}

// Sync flushes the current (writable) volume.
func (vs *VolumeSet) Sync() error {
	return vs.current().Sync()
}

// Close closes every volume in the set.
func (vs *VolumeSet) Close() error {
	var firstErr error
	for _, f := range vs.volumes {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
