package wal

import (
	"encoding/binary"
	"io"
)

// FrameHeaderSize is the fixed portion preceding the payload: timestamp (8)
// + tx id (8) + seq (4) + tag (1).
const FrameHeaderSize = 8 + 8 + 4 + 1

// EntryType tags the kind of operation a WAL frame records.
type EntryType uint8

const (
	EntryInsert   EntryType = 1
	EntryUpdate   EntryType = 2
	EntryDelete   EntryType = 3
	EntryCommit   EntryType = 4
	EntryRollback EntryType = 5
)

// Entry is one WAL frame: `u64 timestamp_micros, u64 tx_id, u32 seq, tag:u8,
// u32 payload_len, variable payload, u32 crc32`. The CRC32 covers the
// header, payload length and payload that precede it.
type Entry struct {
	TimestampMicros uint64
	TxID            uint64
	Seq             uint32
	Tag             EntryType
	Payload         []byte
}

// encodeHeader writes the fixed frame header into buf, which must be at
// least FrameHeaderSize bytes.
func (e *Entry) encodeHeader(buf []byte) {
	binary.LittleEndian.PutUint64(buf[0:8], e.TimestampMicros)
	binary.LittleEndian.PutUint64(buf[8:16], e.TxID)
	binary.LittleEndian.PutUint32(buf[16:20], e.Seq)
	buf[20] = byte(e.Tag)
}

func (e *Entry) decodeHeader(buf []byte) {
	e.TimestampMicros = binary.LittleEndian.Uint64(buf[0:8])
	e.TxID = binary.LittleEndian.Uint64(buf[8:16])
	e.Seq = binary.LittleEndian.Uint32(buf[16:20])
	e.Tag = EntryType(buf[20])
}

// WriteTo encodes the frame and writes it to w.
func (e *Entry) WriteTo(w io.Writer) (int64, error) {
	var header [FrameHeaderSize]byte
	e.encodeHeader(header[:])

	var payloadLen [4]byte
	binary.LittleEndian.PutUint32(payloadLen[:], uint32(len(e.Payload)))

	crc := crc32Of(header[:], payloadLen[:], e.Payload)
	var trailer [4]byte
	binary.LittleEndian.PutUint32(trailer[:], crc)

	n1, err := w.Write(header[:])
	if err != nil {
		return int64(n1), err
	}
	n2, err := w.Write(payloadLen[:])
	if err != nil {
		return int64(n1 + n2), err
	}
	n3, err := w.Write(e.Payload)
	if err != nil {
		return int64(n1 + n2 + n3), err
	}
	n4, err := w.Write(trailer[:])
	return int64(n1 + n2 + n3 + n4), err
}

// EncodeRecordOp builds the payload for an Insert/Update/Delete frame: the
// affected table name, the record id, and the raw record bytes (the
// post-image for Insert/Update, the pre-image for Delete).
func EncodeRecordOp(table string, id uint64, data []byte) []byte {
	buf := make([]byte, 4+len(table)+8+4+len(data))
	i := 0
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(table)))
	i += 4
	i += copy(buf[i:], table)
	binary.LittleEndian.PutUint64(buf[i:], id)
	i += 8
	binary.LittleEndian.PutUint32(buf[i:], uint32(len(data)))
	i += 4
	copy(buf[i:], data)
	return buf
}

// DecodeRecordOp parses a payload produced by EncodeRecordOp.
func DecodeRecordOp(payload []byte) (table string, id uint64, data []byte, err error) {
	if len(payload) < 4 {
		return "", 0, nil, io.ErrUnexpectedEOF
	}
	nameLen := binary.LittleEndian.Uint32(payload[0:4])
	i := 4 + int(nameLen)
	if len(payload) < i+8+4 {
		return "", 0, nil, io.ErrUnexpectedEOF
	}
	table = string(payload[4:i])
	id = binary.LittleEndian.Uint64(payload[i : i+8])
	i += 8
	dataLen := binary.LittleEndian.Uint32(payload[i : i+4])
	i += 4
	if len(payload) < i+int(dataLen) {
		return "", 0, nil, io.ErrUnexpectedEOF
	}
	data = payload[i : i+int(dataLen)]
	return table, id, data, nil
}
