package db

import (
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/ecsdbio/ecsdb/pkg/txn"
)

// subscriberBuffer is the per-subscriber channel depth; a slow consumer
// that falls this far behind misses the change sets published while its
// channel is full, rather than blocking the writer that is publishing
// commits. Its channel stays open and later change sets still reach it.
const subscriberBuffer = 256

// ChangeSet is one commit's worth of changes to a single table, tagged
// with the commit version it was produced by so subscribers can order
// (and detect gaps in) the stream.
type ChangeSet struct {
	Version uint64
	Table   string
	Changes []txn.Change
}

// DedupeKey returns an xxhash of table+id+version for change c within
// this set, letting a downstream consumer recognize a change it has
// already processed without recomputing identity itself.
func (cs ChangeSet) DedupeKey(c txn.Change) uint64 {
	h := xxhash.New()
	h.WriteString(cs.Table)
	h.Write([]byte{0})
	var idBuf [8]byte
	putUint64(idBuf[:], c.ID)
	h.Write(idBuf[:])
	h.Write([]byte{0})
	var versionBuf [8]byte
	putUint64(versionBuf[:], cs.Version)
	h.Write(versionBuf[:])
	return h.Sum64()
}

func putUint64(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

// ChangeFeed fans commit events out to any number of subscribers. It
// never blocks the writer: a change set is skipped for any subscriber
// whose channel is full rather than allowed to stall publication, since
// the feed is a
// best-effort notification path, not the durability mechanism (the WAL
// is).
type ChangeFeed struct {
	mu          sync.Mutex
	subscribers map[int]chan ChangeSet
	nextID      int
}

// NewChangeFeed returns an empty change feed.
func NewChangeFeed() *ChangeFeed {
	return &ChangeFeed{subscribers: make(map[int]chan ChangeSet)}
}

// Subscribe registers a new listener and returns its channel along with a
// cancel function that unregisters it and closes the channel. Callers
// must drain the channel until cancel or risk a full buffer causing
// dropped change sets.
func (f *ChangeFeed) Subscribe() (<-chan ChangeSet, func()) {
	f.mu.Lock()
	id := f.nextID
	f.nextID++
	ch := make(chan ChangeSet, subscriberBuffer)
	f.subscribers[id] = ch
	f.mu.Unlock()

	cancel := func() {
		f.mu.Lock()
		if existing, ok := f.subscribers[id]; ok {
			delete(f.subscribers, id)
			close(existing)
		}
		f.mu.Unlock()
	}
	return ch, cancel
}

// Publish sends cs to every current subscriber, dropping it for any
// subscriber whose buffer is full rather than blocking.
func (f *ChangeFeed) Publish(cs ChangeSet) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subscribers {
		select {
		case ch <- cs:
		default:
		}
	}
}
