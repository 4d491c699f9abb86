// Package persistence implements the durability layer: the snapshot codec
// (an "ECSSNAP\0" framed file), the companion schema-JSON sidecar (kept as
// an embedded, human-inspectable section of every snapshot), and the
// PersistenceManager that flushes, loads, and compacts snapshot+WAL state.
package persistence

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"

	"github.com/DataDog/zstd"
	"github.com/cockroachdb/errors"
	"github.com/ecsdbio/ecsdb/pkg/dberrors"
)

// SnapshotMagic identifies a snapshot file; SnapshotVersion is the current
// on-disk format version.
var SnapshotMagic = [8]byte{'E', 'C', 'S', 'S', 'N', 'A', 'P', 0}

const SnapshotVersion uint32 = 1

// FlagCompressed marks the payload as zstd-compressed.
const FlagCompressed uint32 = 1 << 0

// HeaderSize is the fixed byte width of the snapshot header: magic(8) +
// version(4) + flags(4) + crc32(4) + reserved(8).
const HeaderSize = 8 + 4 + 4 + 4 + 8

// TableSnapshot captures one table's buffer contents and id bookkeeping at
// the moment the snapshot was taken.
type TableSnapshot struct {
	Name        string
	RecordSize  int
	BufferData  []byte
	Offsets     map[uint64]int64
	FreeList    []int64
	NextOffset  int64
	NextID      uint64
	ActiveCount int
}

// DatabaseSnapshot is the full persisted state of a database: its schema
// (as a JSON document, embedded rather than kept as a separate file) plus
// every table's buffer snapshot and the commit version the snapshot was
// taken at.
type DatabaseSnapshot struct {
	SchemaJSON    []byte
	CommitVersion uint64
	Tables        []TableSnapshot
}

// Encode serializes snap into the framed, optionally zstd-compressed,
// on-disk representation.
func Encode(snap *DatabaseSnapshot, compress bool, level int) ([]byte, error) {
	payload, err := encodePayload(snap)
	if err != nil {
		return nil, err
	}

	flags := uint32(0)
	if compress {
		compressed, err := zstd.CompressLevel(nil, payload, level)
		if err != nil {
			return nil, errors.Wrap(err, "compress snapshot payload")
		}
		payload = compressed
		flags |= FlagCompressed
	}

	checksum := crc32.ChecksumIEEE(payload)

	buf := make([]byte, HeaderSize+len(payload))
	copy(buf[0:8], SnapshotMagic[:])
	binary.LittleEndian.PutUint32(buf[8:12], SnapshotVersion)
	binary.LittleEndian.PutUint32(buf[12:16], flags)
	binary.LittleEndian.PutUint32(buf[16:20], checksum)
	// bytes 20:28 reserved, left zero
	copy(buf[HeaderSize:], payload)
	return buf, nil
}

// Decode parses a snapshot file produced by Encode: header, checksum
// verification, optional decompression, then payload decode.
func Decode(raw []byte) (*DatabaseSnapshot, error) {
	if len(raw) < HeaderSize {
		return nil, &dberrors.DataCorruptionError{Msg: "snapshot shorter than header"}
	}
	if !bytes.Equal(raw[0:8], SnapshotMagic[:]) {
		return nil, &dberrors.DataCorruptionError{Msg: "snapshot magic mismatch"}
	}
	version := binary.LittleEndian.Uint32(raw[8:12])
	if version != SnapshotVersion {
		return nil, &dberrors.DataCorruptionError{Msg: fmt.Sprintf("unsupported snapshot version %d", version)}
	}
	flags := binary.LittleEndian.Uint32(raw[12:16])
	checksum := binary.LittleEndian.Uint32(raw[16:20])

	payload := raw[HeaderSize:]
	if crc32.ChecksumIEEE(payload) != checksum {
		return nil, &dberrors.DataCorruptionError{Msg: "snapshot checksum mismatch"}
	}

	if flags&FlagCompressed != 0 {
		decompressed, err := zstd.Decompress(nil, payload)
		if err != nil {
			return nil, errors.Wrap(err, "decompress snapshot payload")
		}
		payload = decompressed
	}

	return decodePayload(payload)
}

// encodePayload lays out the snapshot body as a sequence of
// length-prefixed sections: schema JSON, commit version, table count,
// then each table's section.
func encodePayload(snap *DatabaseSnapshot) ([]byte, error) {
	var buf bytes.Buffer

	writeBytes(&buf, snap.SchemaJSON)
	writeUint64(&buf, snap.CommitVersion)
	writeUint32(&buf, uint32(len(snap.Tables)))

	for _, tbl := range snap.Tables {
		writeString(&buf, tbl.Name)
		writeUint64(&buf, uint64(tbl.RecordSize))
		writeBytes(&buf, tbl.BufferData)
		writeUint64(&buf, uint64(tbl.NextOffset))
		writeUint64(&buf, tbl.NextID)
		writeUint64(&buf, uint64(tbl.ActiveCount))

		writeUint32(&buf, uint32(len(tbl.Offsets)))
		for id, offset := range tbl.Offsets {
			writeUint64(&buf, id)
			writeUint64(&buf, uint64(offset))
		}

		writeUint32(&buf, uint32(len(tbl.FreeList)))
		for _, offset := range tbl.FreeList {
			writeUint64(&buf, uint64(offset))
		}
	}

	return buf.Bytes(), nil
}

func decodePayload(data []byte) (*DatabaseSnapshot, error) {
	r := &byteReader{data: data}

	schemaJSON, err := r.readBytes()
	if err != nil {
		return nil, err
	}
	commitVersion, err := r.readUint64()
	if err != nil {
		return nil, err
	}
	tableCount, err := r.readUint32()
	if err != nil {
		return nil, err
	}

	snap := &DatabaseSnapshot{
		SchemaJSON:    schemaJSON,
		CommitVersion: commitVersion,
		Tables:        make([]TableSnapshot, 0, tableCount),
	}

	for i := uint32(0); i < tableCount; i++ {
		name, err := r.readString()
		if err != nil {
			return nil, err
		}
		recordSize, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		bufferData, err := r.readBytes()
		if err != nil {
			return nil, err
		}
		nextOffset, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		nextID, err := r.readUint64()
		if err != nil {
			return nil, err
		}
		activeCount, err := r.readUint64()
		if err != nil {
			return nil, err
		}

		offsetCount, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		offsets := make(map[uint64]int64, offsetCount)
		for j := uint32(0); j < offsetCount; j++ {
			id, err := r.readUint64()
			if err != nil {
				return nil, err
			}
			offset, err := r.readUint64()
			if err != nil {
				return nil, err
			}
			offsets[id] = int64(offset)
		}

		freeCount, err := r.readUint32()
		if err != nil {
			return nil, err
		}
		freeList := make([]int64, 0, freeCount)
		for j := uint32(0); j < freeCount; j++ {
			offset, err := r.readUint64()
			if err != nil {
				return nil, err
			}
			freeList = append(freeList, int64(offset))
		}

		snap.Tables = append(snap.Tables, TableSnapshot{
			Name:        name,
			RecordSize:  int(recordSize),
			BufferData:  bufferData,
			Offsets:     offsets,
			FreeList:    freeList,
			NextOffset:  int64(nextOffset),
			NextID:      nextID,
			ActiveCount: int(activeCount),
		})
	}

	return snap, nil
}

// WriteAtomic writes data to path via a temp-file-then-rename sequence so
// a crash mid-write never leaves a torn snapshot in place.
func WriteAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return errors.Wrap(err, "write temp snapshot file")
	}
	if err := os.Rename(tmp, path); err != nil {
		return errors.Wrap(err, "rename snapshot into place")
	}
	return nil
}

// SchemaDocument is the schema JSON shape, kept standalone
// (SaveSchemaJSON/LoadSchemaJSON) in addition to being embedded in every
// snapshot, so operators can inspect a table's layout without decoding a
// whole snapshot.
type SchemaDocument struct {
	Tables      map[string]SchemaTable `json:"tables"`
	CustomTypes map[string][]string    `json:"custom_types,omitempty"`
	Checksums   map[string]uint32      `json:"checksums"`
}

type SchemaTable struct {
	RecordSize int              `json:"record_size"`
	Fields     []SchemaField    `json:"fields"`
	Relations  []SchemaRelation `json:"relations,omitempty"`
}

type SchemaField struct {
	Name   string `json:"name"`
	Type   string `json:"type"`
	Offset int    `json:"offset"`
}

type SchemaRelation struct {
	FromField string `json:"from_field"`
	ToTable   string `json:"to_table"`
	ToField   string `json:"to_field"`
}

// SaveSchemaJSON writes the schema document to path as indented JSON.
func SaveSchemaJSON(path string, doc *SchemaDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshal schema json")
	}
	return WriteAtomic(path, data)
}

// LoadSchemaJSON reads a schema document previously written by
// SaveSchemaJSON.
func LoadSchemaJSON(path string) (*SchemaDocument, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc SchemaDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errors.Wrap(err, "unmarshal schema json")
	}
	return &doc, nil
}

// SnapshotFilePath builds the conventional snapshot filename for a commit
// version: snapshot_<hex-version>.bin.
func SnapshotFilePath(dataDir string, version uint64) string {
	return filepath.Join(dataDir, fmt.Sprintf("snapshot_%016x.bin", version))
}

// WALFilePath builds the conventional WAL segment filename for a segment
// id: wal_<decimal-id>.wal.
func WALFilePath(dataDir string, segmentID uint64) string {
	return filepath.Join(dataDir, fmt.Sprintf("wal_%d.wal", segmentID))
}
