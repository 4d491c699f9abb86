package persistence

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	cockroacherrors "github.com/cockroachdb/errors"
	"github.com/klauspost/compress/zstd"

	"github.com/ecsdbio/ecsdb/pkg/dberrors"
)

// IOErrorClass buckets a raw I/O failure by how the persistence manager
// should respond to it: retry, surface immediately, or escalate as fatal.
type IOErrorClass int

const (
	ClassTransient IOErrorClass = iota
	ClassDiskFull
	ClassOther
)

// classifyIOError buckets err: ENOSPC is DiskFull and never worth
// retrying; a small set of interrupted/would-block errors are Transient
// and worth a bounded retry; everything else is a plain IoError.
func classifyIOError(err error) IOErrorClass {
	if err == nil {
		return ClassOther
	}
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, fs.ErrPermission) {
		return ClassOther
	}
	var pathErr *fs.PathError
	if errors.As(err, &pathErr) {
		if strings.Contains(pathErr.Err.Error(), "no space left on device") {
			return ClassDiskFull
		}
		if strings.Contains(pathErr.Err.Error(), "interrupted") ||
			strings.Contains(pathErr.Err.Error(), "resource temporarily unavailable") ||
			strings.Contains(pathErr.Err.Error(), "too many open files") {
			return ClassTransient
		}
	}
	return ClassOther
}

// RetryIO retries op up to maxRetries times, waiting delay between
// attempts, but only for errors classified as transient; a DiskFull or
// plain IoError is returned immediately.
func RetryIO(op func() error, maxRetries int, delay time.Duration) error {
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err := op()
		if err == nil {
			return nil
		}
		lastErr = err
		switch classifyIOError(err) {
		case ClassDiskFull:
			return cockroacherrors.Wrap(dberrors.ErrDiskFull, err.Error())
		case ClassTransient:
			if attempt < maxRetries {
				time.Sleep(delay)
				continue
			}
			return cockroacherrors.Wrap(dberrors.ErrTransientIO, err.Error())
		default:
			return cockroacherrors.Wrap(dberrors.ErrIO, err.Error())
		}
	}
	return cockroacherrors.Wrap(dberrors.ErrIO, lastErr.Error())
}

// Manager owns the data directory and coordinates snapshot flush, load,
// and compaction. It is driven by the runtime's persistence phase and is
// never meant to run concurrently with itself.
type Manager struct {
	DataDir              string
	CompressSnapshots    bool
	CompressionLevel     int
	MaxRetries           int
	RetryDelay           time.Duration
	KeepSnapshots        int
	KeepArchivedWAL      int
	MinWALFilesToCompact int
	CompressArchivedWAL  bool
}

// NewManager returns a Manager rooted at dataDir, creating it if absent.
func NewManager(dataDir string, opts ...func(*Manager)) (*Manager, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, cockroacherrors.Wrap(err, "create data directory")
	}
	m := &Manager{
		DataDir:              dataDir,
		CompressSnapshots:    true,
		CompressionLevel:     3,
		MaxRetries:           3,
		RetryDelay:           100 * time.Millisecond,
		KeepSnapshots:        2,
		KeepArchivedWAL:      1,
		MinWALFilesToCompact: 5,
		CompressArchivedWAL:  false,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// FlushSnapshot encodes and atomically writes snap under the conventional
// snapshot filename for its commit version, retrying transient I/O
// failures.
func (m *Manager) FlushSnapshot(snap *DatabaseSnapshot) error {
	encoded, err := Encode(snap, m.CompressSnapshots, m.CompressionLevel)
	if err != nil {
		return err
	}
	path := SnapshotFilePath(m.DataDir, snap.CommitVersion)
	return RetryIO(func() error {
		return WriteAtomic(path, encoded)
	}, m.MaxRetries, m.RetryDelay)
}

// LoadLatest finds the highest-version snapshot file in the data
// directory and decodes it. It returns os.ErrNotExist if none exists yet
// (a fresh database).
func (m *Manager) LoadLatest() (*DatabaseSnapshot, uint64, error) {
	version, path, found, err := m.latestSnapshotFile()
	if err != nil {
		return nil, 0, err
	}
	if !found {
		return nil, 0, os.ErrNotExist
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, cockroacherrors.Wrap(err, "read snapshot file")
	}
	snap, err := Decode(raw)
	if err != nil {
		return nil, 0, err
	}
	return snap, version, nil
}

func (m *Manager) latestSnapshotFile() (version uint64, path string, found bool, err error) {
	entries, err := os.ReadDir(m.DataDir)
	if err != nil {
		return 0, "", false, cockroacherrors.Wrap(err, "list data directory")
	}
	maxVersion := uint64(0)
	for _, e := range entries {
		v, ok := parseSnapshotFilename(e.Name())
		if !ok {
			continue
		}
		if !found || v >= maxVersion {
			maxVersion = v
			path = filepath.Join(m.DataDir, e.Name())
			found = true
		}
	}
	return maxVersion, path, found, nil
}

func parseSnapshotFilename(name string) (uint64, bool) {
	const prefix, suffix = "snapshot_", ".bin"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	hexPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	v, err := strconv.ParseUint(hexPart, 16, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

func parseWALFilename(name string) (uint64, bool) {
	const prefix, suffix = "wal_", ".wal"
	if !strings.HasPrefix(name, prefix) || !strings.HasSuffix(name, suffix) {
		return 0, false
	}
	idPart := strings.TrimSuffix(strings.TrimPrefix(name, prefix), suffix)
	id, err := strconv.ParseUint(idPart, 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

// WALSegmentsAtOrAfter returns every WAL segment id in the data directory
// that is ≥ minID, sorted ascending, used both by recovery (replay
// everything newer than the loaded snapshot) and by compaction (the range
// to fold into a merged snapshot).
func (m *Manager) WALSegmentsAtOrAfter(minID uint64) ([]uint64, error) {
	entries, err := os.ReadDir(m.DataDir)
	if err != nil {
		return nil, cockroacherrors.Wrap(err, "list data directory")
	}
	var ids []uint64
	for _, e := range entries {
		id, ok := parseWALFilename(e.Name())
		if !ok {
			continue
		}
		if id >= minID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// PruneSnapshots deletes every snapshot file except the KeepSnapshots most
// recent ones.
func (m *Manager) PruneSnapshots() error {
	entries, err := os.ReadDir(m.DataDir)
	if err != nil {
		return cockroacherrors.Wrap(err, "list data directory")
	}
	type versioned struct {
		version uint64
		name    string
	}
	var snaps []versioned
	for _, e := range entries {
		if v, ok := parseSnapshotFilename(e.Name()); ok {
			snaps = append(snaps, versioned{v, e.Name()})
		}
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].version > snaps[j].version })
	if len(snaps) <= m.KeepSnapshots {
		return nil
	}
	for _, s := range snaps[m.KeepSnapshots:] {
		if err := os.Remove(filepath.Join(m.DataDir, s.name)); err != nil && !os.IsNotExist(err) {
			return cockroacherrors.Wrap(err, "remove old snapshot")
		}
	}
	return nil
}

// ArchiveWALSegments retires every WAL segment with id < keepFromID: the
// most recent KeepArchivedWAL such files are archived and all older ones
// are deleted outright. Compaction calls this once its merged snapshot
// covers everything up to keepFromID. When CompressArchivedWAL is set, archived
// segments are zstd-compressed (".archive.zst") instead of merely
// renamed (".archive"), trading archive-time CPU for disk.
func (m *Manager) ArchiveWALSegments(keepFromID uint64) error {
	entries, err := os.ReadDir(m.DataDir)
	if err != nil {
		return cockroacherrors.Wrap(err, "list data directory")
	}
	type consumed struct {
		id   uint64
		name string
	}
	var toArchive []consumed
	for _, e := range entries {
		id, ok := parseWALFilename(e.Name())
		if !ok || id >= keepFromID {
			continue
		}
		toArchive = append(toArchive, consumed{id, e.Name()})
	}
	sort.Slice(toArchive, func(i, j int) bool { return toArchive[i].id > toArchive[j].id })

	for i, c := range toArchive {
		src := filepath.Join(m.DataDir, c.name)
		if i < m.KeepArchivedWAL {
			if err := m.archiveSegment(src); err != nil {
				return err
			}
			continue
		}
		if err := os.Remove(src); err != nil && !os.IsNotExist(err) {
			return cockroacherrors.Wrap(err, "delete consumed wal segment")
		}
	}
	return nil
}

// archiveSegment moves a single consumed WAL segment out of the active
// set, compressing it first when CompressArchivedWAL is enabled.
func (m *Manager) archiveSegment(src string) error {
	if !m.CompressArchivedWAL {
		if err := os.Rename(src, src+".archive"); err != nil {
			return cockroacherrors.Wrap(err, "archive wal segment")
		}
		return nil
	}
	raw, err := os.ReadFile(src)
	if err != nil {
		return cockroacherrors.Wrap(err, "read wal segment for archive compression")
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return cockroacherrors.Wrap(err, "create archive zstd encoder")
	}
	compressed := enc.EncodeAll(raw, nil)
	if err := enc.Close(); err != nil {
		return cockroacherrors.Wrap(err, "close archive zstd encoder")
	}
	if err := WriteAtomic(src+".archive.zst", compressed); err != nil {
		return cockroacherrors.Wrap(err, "write compressed wal archive")
	}
	if err := os.Remove(src); err != nil {
		return cockroacherrors.Wrap(err, "remove original wal segment after archiving")
	}
	return nil
}

// ShouldCompact reports whether the number of WAL segments at or after the
// given base version meets MinWALFilesToCompact, the threshold
// configuration names min_wal_files_for_compaction.
func (m *Manager) ShouldCompact(baseVersion uint64) (bool, []uint64, error) {
	segments, err := m.WALSegmentsAtOrAfter(baseVersion)
	if err != nil {
		return false, nil, err
	}
	return len(segments) >= m.MinWALFilesToCompact, segments, nil
}

// MergeFunc applies a batch of replayed WAL operations on top of a base
// snapshot and returns the merged result. Compact leaves the actual
// per-table record application to the caller (the db package owns table
// semantics) so this package never needs to import it.
type MergeFunc func(base *DatabaseSnapshot, ops []ReplayedOp) (*DatabaseSnapshot, error)

// Compact folds every WAL segment at or after base's commit version into a
// fresh snapshot via merge, writes that snapshot, then archives the
// consumed segments and prunes old snapshots. It is a no-op (returns base
// unchanged) if fewer than MinWALFilesToCompact segments are pending.
func (m *Manager) Compact(base *DatabaseSnapshot, merge MergeFunc) (*DatabaseSnapshot, error) {
	should, segments, err := m.ShouldCompact(base.CommitVersion)
	if err != nil {
		return base, err
	}
	if !should {
		return base, nil
	}

	ops, _, err := ReplayWAL(m.DataDir, segments)
	if err != nil {
		return base, err
	}

	merged, err := merge(base, ops)
	if err != nil {
		return base, err
	}

	if err := m.FlushSnapshot(merged); err != nil {
		return base, err
	}
	keepFrom := merged.CommitVersion
	for _, id := range segments {
		if id >= keepFrom {
			keepFrom = id + 1
		}
	}
	if err := m.ArchiveWALSegments(keepFrom); err != nil {
		return merged, err
	}
	if err := m.PruneSnapshots(); err != nil {
		return merged, err
	}
	return merged, nil
}
