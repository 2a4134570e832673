package coordinator

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// NodeStatus is the health state of a registered database node.
type NodeStatus string

const (
	// StatusActive marks a node heard from within the silence threshold.
	StatusActive NodeStatus = "ACTIVE"
	// StatusInactive marks a node the health sweep found silent.
	StatusInactive NodeStatus = "INACTIVE"
)

// NodeRecord describes one database cluster node known to the federation.
//
// Records are created on first registration, refreshed by heartbeats and
// flipped to INACTIVE by the health sweep. They are only removed by an
// explicit deregistration.
type NodeRecord struct {
	ID       string     `json:"nodeId"`
	URL      string     `json:"url"`
	Status   NodeStatus `json:"status"`
	LastSeen time.Time  `json:"lastSeen"`
}

// Snapshot is the full registry state: the assigned cluster leader and every
// node in stored order. It is the persisted form, the payload pushed to a
// promoted node and the mirror carried by federation heartbeats.
type Snapshot struct {
	LeaderID string       `json:"leaderId"`
	Nodes    []NodeRecord `json:"nodes"`
}

// Leader returns the record of the assigned leader, if any.
func (s Snapshot) Leader() (NodeRecord, bool) {
	if s.LeaderID == "" {
		return NodeRecord{}, false
	}
	for _, n := range s.Nodes {
		if n.ID == s.LeaderID {
			return n, true
		}
	}
	return NodeRecord{}, false
}

// SnapshotStore persists registry snapshots.
type SnapshotStore interface {
	Load() (Snapshot, error)
	Save(Snapshot) error
}

// FileSnapshotStore writes snapshots as indented JSON to a single file.
// Writes go to a temporary file first and are renamed into place so a
// crash never leaves a truncated snapshot behind.
type FileSnapshotStore struct {
	path string
	mu   sync.Mutex
}

// NewFileSnapshotStore returns a store backed by path. The file is created
// on the first Save.
//
// Example:
//
//	store := coordinator.NewFileSnapshotStore("data/registry.json")
//	registry, err := coordinator.NewNodeRegistry(store, promoter, logger)
func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

// Load reads the snapshot. A missing file yields an empty snapshot.
func (s *FileSnapshotStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, nil
	}
	if err != nil {
		return Snapshot{}, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("parse registry snapshot %s: %w", s.path, err)
	}
	return snap, nil
}

// Save replaces the snapshot file.
func (s *FileSnapshotStore) Save(snap Snapshot) error {
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if dir := filepath.Dir(s.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

// memorySnapshotStore keeps the last snapshot in memory. It backs registries
// created without a data directory.
type memorySnapshotStore struct {
	mu   sync.Mutex
	snap Snapshot
}

// NewMemorySnapshotStore returns a non-durable SnapshotStore.
func NewMemorySnapshotStore() SnapshotStore {
	return &memorySnapshotStore{}
}

func (s *memorySnapshotStore) Load() (Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return cloneSnapshot(s.snap), nil
}

func (s *memorySnapshotStore) Save(snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snap = cloneSnapshot(snap)
	return nil
}

func cloneSnapshot(s Snapshot) Snapshot {
	out := Snapshot{LeaderID: s.LeaderID}
	if s.Nodes != nil {
		out.Nodes = append([]NodeRecord(nil), s.Nodes...)
	}
	return out
}
