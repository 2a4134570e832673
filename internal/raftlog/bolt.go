package raftlog

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/golang/snappy"
	bolt "go.etcd.io/bbolt"
)

var (
	entriesBucket = []byte("entries")
	metaBucket    = []byte("meta")
	hardStateKey  = []byte("hardstate")
)

// entryHeaderSize is term(8) + type(1) + crc(4).
const entryHeaderSize = 8 + 1 + 4

// BoltLog persists entries in a bbolt database. Keys are big-endian
// indexes so cursor order equals log order; command payloads are snappy
// compressed and guarded by a CRC32 of the compressed bytes.
type BoltLog struct {
	mu        sync.RWMutex
	db        *bolt.DB
	lastIndex uint64
	lastTerm  uint64
}

// OpenBoltLog opens or creates the log database at path.
func OpenBoltLog(path string) (*BoltLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open raft log %s: %w", path, err)
	}

	l := &BoltLog{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(metaBucket); err != nil {
			return err
		}
		b, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		k, v := b.Cursor().Last()
		if k == nil {
			return nil
		}
		e, err := decodeEntry(k, v)
		if err != nil {
			return err
		}
		l.lastIndex, l.lastTerm = e.Index, e.Term
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Append writes entries in one transaction. The first entry must follow
// the current last index.
func (l *BoltLog) Append(entries ...Entry) error {
	if len(entries) == 0 {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := checkContiguous(l.lastIndex+1, entries); err != nil {
		return err
	}

	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, e := range entries {
			if err := b.Put(indexKey(e.Index), encodeEntry(e)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return err
	}
	last := entries[len(entries)-1]
	l.lastIndex, l.lastTerm = last.Index, last.Term
	return nil
}

// TruncateFrom deletes index and every later entry.
func (l *BoltLog) TruncateFrom(index uint64) error {
	if index == 0 {
		index = 1
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if index > l.lastIndex {
		return nil
	}

	var lastTerm uint64
	err := l.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		var doomed [][]byte
		c := b.Cursor()
		for k, _ := c.Seek(indexKey(index)); k != nil; k, _ = c.Next() {
			doomed = append(doomed, append([]byte(nil), k...))
		}
		for _, k := range doomed {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		if index > 1 {
			v := b.Get(indexKey(index - 1))
			if v == nil {
				return fmt.Errorf("%w: missing entry %d", ErrIndexGap, index-1)
			}
			e, err := decodeEntry(indexKey(index-1), v)
			if err != nil {
				return err
			}
			lastTerm = e.Term
		}
		return nil
	})
	if err != nil {
		return err
	}
	l.lastIndex, l.lastTerm = index-1, lastTerm
	return nil
}

// Get decodes the entry at index or returns ErrNotFound.
func (l *BoltLog) Get(index uint64) (Entry, error) {
	var e Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		k := indexKey(index)
		v := tx.Bucket(entriesBucket).Get(k)
		if v == nil {
			return ErrNotFound
		}
		var err error
		e, err = decodeEntry(k, v)
		return err
	})
	return e, err
}

// Range returns entries in [from, to] in log order.
func (l *BoltLog) Range(from, to uint64) ([]Entry, error) {
	if from == 0 {
		from = 1
	}
	var out []Entry
	err := l.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.Seek(indexKey(from)); k != nil; k, v = c.Next() {
			if binary.BigEndian.Uint64(k) > to {
				break
			}
			e, err := decodeEntry(k, v)
			if err != nil {
				return err
			}
			out = append(out, e)
		}
		return nil
	})
	return out, err
}

// LastIndex returns the cached index of the last entry.
func (l *BoltLog) LastIndex() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastIndex
}

// LastTerm returns the cached term of the last entry.
func (l *BoltLog) LastTerm() uint64 {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.lastTerm
}

// TermAt returns the term at index, 0 when absent.
func (l *BoltLog) TermAt(index uint64) uint64 {
	e, err := l.Get(index)
	if err != nil {
		return 0
	}
	return e.Term
}

// LoadState returns the persisted term and vote, zero when never saved.
func (l *BoltLog) LoadState() (HardState, error) {
	var s HardState
	err := l.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(metaBucket).Get(hardStateKey)
		if v == nil {
			return nil
		}
		return json.Unmarshal(v, &s)
	})
	return s, err
}

// SaveState durably records term and vote before the caller acts on them.
func (l *BoltLog) SaveState(s HardState) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	return l.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(metaBucket).Put(hardStateKey, data)
	})
}

// Close releases the bbolt file lock.
func (l *BoltLog) Close() error {
	return l.db.Close()
}

func indexKey(index uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, index)
	return k
}

func encodeEntry(e Entry) []byte {
	payload := snappy.Encode(nil, e.Command)
	buf := make([]byte, entryHeaderSize+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], e.Term)
	buf[8] = byte(e.Type)
	binary.BigEndian.PutUint32(buf[9:13], crc32.ChecksumIEEE(payload))
	copy(buf[entryHeaderSize:], payload)
	return buf
}

func decodeEntry(k, v []byte) (Entry, error) {
	index := binary.BigEndian.Uint64(k)
	if len(v) < entryHeaderSize {
		return Entry{}, fmt.Errorf("entry %d: short record (%d bytes)", index, len(v))
	}
	payload := v[entryHeaderSize:]
	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(v[9:13]) {
		return Entry{}, fmt.Errorf("entry %d: checksum mismatch", index)
	}
	cmd, err := snappy.Decode(nil, payload)
	if err != nil {
		return Entry{}, fmt.Errorf("entry %d: %w", index, err)
	}
	if len(cmd) == 0 {
		cmd = nil
	}
	return Entry{
		Index:   index,
		Term:    binary.BigEndian.Uint64(v[0:8]),
		Type:    EntryType(v[8]),
		Command: cmd,
	}, nil
}
