package wal

import "sync"

// entryPool reuses *Entry structs (and their payload backing arrays)
// across WriteEntry/ReadEntry calls to keep the WAL's hot path free of
// per-frame allocations.
var entryPool = sync.Pool{
	New: func() interface{} {
		return &Entry{Payload: make([]byte, 0, 4096)}
	},
}

// bufferPool reuses scratch byte slices for header serialization.
var bufferPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, 0, 8192)
		return &buf
	},
}

// AcquireEntry fetches a zeroed *Entry from the pool.
func AcquireEntry() *Entry {
	return entryPool.Get().(*Entry)
}

// ReleaseEntry returns e to the pool, resetting it but keeping its payload
// capacity.
func ReleaseEntry(e *Entry) {
	e.TimestampMicros = 0
	e.TxID = 0
	e.Seq = 0
	e.Tag = 0
	e.Payload = e.Payload[:0]
	entryPool.Put(e)
}

// AcquireBuffer fetches a zero-length scratch buffer from the pool.
func AcquireBuffer() *[]byte {
	return bufferPool.Get().(*[]byte)
}

// ReleaseBuffer returns buf to the pool.
func ReleaseBuffer(buf *[]byte) {
	*buf = (*buf)[:0]
	bufferPool.Put(buf)
}
