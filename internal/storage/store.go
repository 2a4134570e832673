package storage

import (
	"encoding/json"
	"errors"
	"sort"
	"sync"
	"sync/atomic"
)

var (
	// ErrDatabaseNotFound is returned when the target database doesn't exist
	ErrDatabaseNotFound = errors.New("database not found")
	// ErrDatabaseExists is returned by create_db for an existing database
	ErrDatabaseExists = errors.New("database already exists")
	// ErrCollectionNotFound is returned when the target collection doesn't exist
	ErrCollectionNotFound = errors.New("collection not found")
	// ErrCollectionExists is returned by create_collection for an existing collection
	ErrCollectionExists = errors.New("collection already exists")
	// ErrDocumentNotFound is returned when a document id doesn't exist
	ErrDocumentNotFound = errors.New("document not found")
)

// Applier is the narrow contract consensus depends on.
type Applier interface {
	Apply(cmd Command) error
}

// OperationStats tracks operation counts for a collection
type OperationStats struct {
	Gets    uint64 `json:"gets"`
	Saves   uint64 `json:"saves"`
	Updates uint64 `json:"updates"`
	Deletes uint64 `json:"deletes"`
}

// CollectionInfo describes one collection for status endpoints
type CollectionInfo struct {
	Database   string         `json:"database"`
	Collection string         `json:"collection"`
	Documents  int            `json:"documents"`
	Bytes      int            `json:"bytes"`
	Ops        OperationStats `json:"operations"`
}

type collection struct {
	docs map[string][]byte
	ops  OperationStats
}

type database struct {
	collections map[string]*collection
}

// Engine is an in-memory document store implementing Applier.
// Uses sync.RWMutex for thread-safe concurrent access
type Engine struct {
	mu  sync.RWMutex
	dbs map[string]*database
}

// NewEngine creates an empty engine
func NewEngine() *Engine {
	return &Engine{dbs: make(map[string]*database)}
}

// Apply executes one committed command.
func (e *Engine) Apply(cmd Command) error {
	if err := cmd.Validate(); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	switch cmd.Op {
	case OpCreateDB:
		if _, ok := e.dbs[cmd.Database]; ok {
			return ErrDatabaseExists
		}
		e.dbs[cmd.Database] = &database{collections: make(map[string]*collection)}
		return nil

	case OpDeleteDB:
		if _, ok := e.dbs[cmd.Database]; !ok {
			return ErrDatabaseNotFound
		}
		delete(e.dbs, cmd.Database)
		return nil

	case OpCreateCollection:
		db, ok := e.dbs[cmd.Database]
		if !ok {
			return ErrDatabaseNotFound
		}
		if _, ok := db.collections[cmd.Collection]; ok {
			return ErrCollectionExists
		}
		db.collections[cmd.Collection] = newCollection()
		return nil

	case OpDeleteCollection:
		db, ok := e.dbs[cmd.Database]
		if !ok {
			return ErrDatabaseNotFound
		}
		if _, ok := db.collections[cmd.Collection]; !ok {
			return ErrCollectionNotFound
		}
		delete(db.collections, cmd.Collection)
		return nil

	case OpSave:
		c := e.ensureCollection(cmd.Database, cmd.Collection)
		atomic.AddUint64(&c.ops.Saves, 1)
		c.docs[cmd.ID] = append([]byte(nil), cmd.Payload...)
		return nil

	case OpUpdate:
		c, err := e.lookup(cmd.Database, cmd.Collection)
		if err != nil {
			return err
		}
		current, ok := c.docs[cmd.ID]
		if !ok {
			return ErrDocumentNotFound
		}
		atomic.AddUint64(&c.ops.Updates, 1)
		c.docs[cmd.ID] = mergeDocument(current, cmd.Payload)
		return nil

	case OpDelete:
		c, err := e.lookup(cmd.Database, cmd.Collection)
		if err != nil {
			// Deleting from a missing collection is a no-op
			return nil
		}
		atomic.AddUint64(&c.ops.Deletes, 1)
		delete(c.docs, cmd.ID)
		return nil
	}
	return ErrInvalidCommand
}

// Get returns a copy of the document.
func (e *Engine) Get(db, coll, id string) ([]byte, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, err := e.lookup(db, coll)
	if err != nil {
		return nil, err
	}
	atomic.AddUint64(&c.ops.Gets, 1)
	doc, ok := c.docs[id]
	if !ok {
		return nil, ErrDocumentNotFound
	}
	return append([]byte(nil), doc...), nil
}

// List returns the sorted document ids of a collection.
func (e *Engine) List(db, coll string) ([]string, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	c, err := e.lookup(db, coll)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(c.docs))
	for id := range c.docs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

// Databases returns the sorted database names.
func (e *Engine) Databases() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	names := make([]string, 0, len(e.dbs))
	for name := range e.dbs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Collections returns per-collection statistics, sorted by database then
// collection.
func (e *Engine) Collections() []CollectionInfo {
	e.mu.RLock()
	defer e.mu.RUnlock()

	var out []CollectionInfo
	for dbName, db := range e.dbs {
		for name, c := range db.collections {
			size := 0
			for _, doc := range c.docs {
				size += len(doc)
			}
			out = append(out, CollectionInfo{
				Database:   dbName,
				Collection: name,
				Documents:  len(c.docs),
				Bytes:      size,
				Ops: OperationStats{
					Gets:    atomic.LoadUint64(&c.ops.Gets),
					Saves:   atomic.LoadUint64(&c.ops.Saves),
					Updates: atomic.LoadUint64(&c.ops.Updates),
					Deletes: atomic.LoadUint64(&c.ops.Deletes),
				},
			})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Database != out[j].Database {
			return out[i].Database < out[j].Database
		}
		return out[i].Collection < out[j].Collection
	})
	return out
}

func newCollection() *collection {
	return &collection{docs: make(map[string][]byte)}
}

// lookup must be called with e.mu held.
func (e *Engine) lookup(db, coll string) (*collection, error) {
	d, ok := e.dbs[db]
	if !ok {
		return nil, ErrDatabaseNotFound
	}
	c, ok := d.collections[coll]
	if !ok {
		return nil, ErrCollectionNotFound
	}
	return c, nil
}

// ensureCollection must be called with e.mu held for writing.
func (e *Engine) ensureCollection(db, coll string) *collection {
	d, ok := e.dbs[db]
	if !ok {
		d = &database{collections: make(map[string]*collection)}
		e.dbs[db] = d
	}
	c, ok := d.collections[coll]
	if !ok {
		c = newCollection()
		d.collections[coll] = c
	}
	return c
}

// mergeDocument overlays the top-level fields of patch onto current when
// both are JSON objects; otherwise patch replaces current.
func mergeDocument(current, patch []byte) []byte {
	var base, overlay map[string]json.RawMessage
	if json.Unmarshal(current, &base) != nil || json.Unmarshal(patch, &overlay) != nil || base == nil || overlay == nil {
		return append([]byte(nil), patch...)
	}
	for k, v := range overlay {
		base[k] = v
	}
	merged, err := json.Marshal(base)
	if err != nil {
		return append([]byte(nil), patch...)
	}
	return merged
}
