package persistence

import (
	"io"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"github.com/ecsdbio/ecsdb/pkg/wal"
)

// ReplayedOp is one record-level mutation recovered from the WAL, already
// filtered down to transactions that reached Commit.
type ReplayedOp struct {
	Table string
	ID    uint64
	Tag   wal.EntryType
	Data  []byte
}

// ReplayWAL reads every segment in segmentIDs, in order, and returns the
// record operations belonging to transactions whose terminal frame was a
// Commit, plus the highest committed transaction id seen across every
// segment (0 if none committed). Transactions that never commit (the
// segment ends mid-write, or ends in Rollback) contribute nothing to
// either. Callers use maxCommittedTxID to resume commit-version numbering
// without reusing an id already framed into the WAL.
func ReplayWAL(dataDir string, segmentIDs []uint64) (ops []ReplayedOp, maxCommittedTxID uint64, err error) {
	pending := make(map[uint64][]ReplayedOp)

	for _, id := range segmentIDs {
		path := WALFilePath(dataDir, id)
		if err := replaySegment(path, pending, &ops, &maxCommittedTxID); err != nil {
			return nil, 0, errors.Wrapf(err, "replay wal segment %s", filepath.Base(path))
		}
	}

	return ops, maxCommittedTxID, nil
}

func replaySegment(path string, pending map[uint64][]ReplayedOp, result *[]ReplayedOp, maxCommittedTxID *uint64) error {
	r, err := wal.NewReader(path)
	if err != nil {
		return err
	}
	defer r.Close()

	for {
		entry, err := r.ReadEntry()
		if err == io.EOF {
			break
		}
		if err == io.ErrUnexpectedEOF {
			// A torn write at the tail of a crashed segment: everything
			// still pending for this segment never committed.
			break
		}
		if err != nil {
			return err
		}

		switch entry.Tag {
		case wal.EntryCommit:
			*result = append(*result, pending[entry.TxID]...)
			delete(pending, entry.TxID)
			if entry.TxID > *maxCommittedTxID {
				*maxCommittedTxID = entry.TxID
			}
		case wal.EntryRollback:
			delete(pending, entry.TxID)
		case wal.EntryInsert, wal.EntryUpdate, wal.EntryDelete:
			table, id, data, derr := wal.DecodeRecordOp(entry.Payload)
			if derr != nil {
				wal.ReleaseEntry(entry)
				return derr
			}
			payload := make([]byte, len(data))
			copy(payload, data)
			pending[entry.TxID] = append(pending[entry.TxID], ReplayedOp{
				Table: table,
				ID:    id,
				Tag:   entry.Tag,
				Data:  payload,
			})
		}
		wal.ReleaseEntry(entry)
	}

	return nil
}
