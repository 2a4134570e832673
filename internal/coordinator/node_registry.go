package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/metrics"
)

// DefaultSilenceThreshold is how long a node may go without a heartbeat
// before the health sweep marks it INACTIVE.
const DefaultSilenceThreshold = 10 * time.Second

var (
	// ErrNodeNotFound is returned for operations on an unregistered node id.
	ErrNodeNotFound = errors.New("node not found")
	// ErrInvalidNode is returned when registering without an id or URL.
	ErrInvalidNode = errors.New("node id and url required")
)

// NodeRegistry tracks the database cluster nodes known to one federation
// member and which of them is the assigned cluster leader.
//
// Only the federation leader acts on leader assignments: it is the sole
// process that promotes a node and pushes the registry to it. Followers keep
// a read-only mirror fed by federation heartbeats (see ApplyMirror).
//
// Architecture:
//
//	┌──────────────────────────────────────────┐
//	│              NodeRegistry                │
//	├──────────────────────────────────────────┤
//	│  order:  [db-1, db-2, db-3]  (stored)    │
//	│  nodes:  id → {url, status, lastSeen}    │
//	│  leader: db-1                            │
//	├──────────────────────────────────────────┤
//	│  mutation → snapshot → SnapshotStore     │
//	│  assign   → Promote → PushRegistry       │
//	└──────────────────────────────────────────┘
//
// Concurrency Model:
//   - mu (RWMutex) guards nodes, order and leaderID
//   - persistMu serializes snapshot writes; each write takes a fresh
//     snapshot so the newest state is always written last
//   - no lock is held during promotion calls
//
// Persistence failures are logged and counted; the in-memory state is kept
// and written again by the next mutation.
type NodeRegistry struct {
	mu       sync.RWMutex
	nodes    map[string]*NodeRecord
	order    []string
	leaderID string

	persistMu sync.Mutex
	store     SnapshotStore
	promoter  Promoter

	isLeader  func() bool
	clock     clock.Clock
	threshold time.Duration
	logger    *zap.Logger
	metrics   *metrics.Registry
}

// NewNodeRegistry creates a registry and loads any previously persisted
// snapshot from store.
//
// Until SetLeadership is called the registry considers itself authoritative,
// which suits a single-member federation.
//
// Parameters:
//   - store: Snapshot persistence; use NewMemorySnapshotStore for tests
//   - promoter: Carries out leader assignments on database nodes
//   - logger: Structured logger; nil disables logging
//
// Returns:
//   - *NodeRegistry: Registry seeded from the stored snapshot
//   - error: When the stored snapshot cannot be read
//
// Example:
//
//	registry, err := coordinator.NewNodeRegistry(
//	    coordinator.NewFileSnapshotStore("data/registry.json"),
//	    coordinator.NewHTTPPromoter(cluster.NewClient(2*time.Second)),
//	    logger,
//	)
//	registry.SetLeadership(member.IsLeader)
func NewNodeRegistry(store SnapshotStore, promoter Promoter, logger *zap.Logger) (*NodeRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	r := &NodeRegistry{
		nodes:     make(map[string]*NodeRecord),
		store:     store,
		promoter:  promoter,
		isLeader:  func() bool { return true },
		clock:     clock.New(),
		threshold: DefaultSilenceThreshold,
		logger:    logger.With(zap.String("service", "registry")),
	}

	snap, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("load registry: %w", err)
	}
	r.loadLocked(snap)
	if len(snap.Nodes) > 0 {
		r.logger.Info("Registry restored",
			zap.Int("nodes", len(snap.Nodes)),
			zap.String("leader", snap.LeaderID))
	}
	return r, nil
}

// SetLeadership installs the federation leadership check consulted before
// promoting nodes or re-electing a cluster leader.
func (r *NodeRegistry) SetLeadership(isLeader func() bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.isLeader = isLeader
}

// SetClock replaces the wall clock, mainly for tests.
func (r *NodeRegistry) SetClock(c clock.Clock) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clock = c
}

// SetSilenceThreshold overrides DefaultSilenceThreshold.
func (r *NodeRegistry) SetSilenceThreshold(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.threshold = d
}

// SetMetrics attaches prometheus recorders. Call it before the registry is
// shared.
func (r *NodeRegistry) SetMetrics(m *metrics.Registry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	r.publishLocked()
}

// RegisterNode upserts a node as ACTIVE with a fresh lastSeen. When no
// leader is assigned the node becomes leader immediately.
//
// Re-registering an existing id updates its URL and keeps its position in
// stored order.
//
// Parameters:
//   - ctx: Bounds the promotion calls made when the node becomes leader
//   - id: Node identifier, unique within the federation
//   - url: Base URL of the node's HTTP API
//
// Returns:
//   - error: ErrInvalidNode for empty input, or the promotion failure when
//     the node was assigned leader but could not be promoted. The
//     registration itself is kept in both cases of promotion failure.
//
// Example:
//
//	if err := registry.RegisterNode(ctx, "db-1", "http://10.0.0.5:9001"); err != nil {
//	    logger.Warn("registration incomplete", zap.Error(err))
//	}
func (r *NodeRegistry) RegisterNode(ctx context.Context, id, url string) error {
	if id == "" || url == "" {
		return ErrInvalidNode
	}
	url = cluster.NormalizeURL(url)

	r.mu.Lock()
	now := r.clock.Now()
	rec, ok := r.nodes[id]
	if !ok {
		rec = &NodeRecord{ID: id}
		r.nodes[id] = rec
		r.order = append(r.order, id)
	}
	rec.URL = url
	rec.Status = StatusActive
	rec.LastSeen = now
	assign := r.leaderID == ""
	if assign {
		r.leaderID = id
	}
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("Node registered",
		zap.String("node", id),
		zap.String("url", url),
		zap.Bool("new", !ok))

	if assign {
		return r.announceLeader(ctx, id, url)
	}
	r.persist()
	return nil
}

// Heartbeat refreshes a node's lastSeen and revives it if it was INACTIVE.
//
// Returns:
//   - ErrNodeNotFound when the id was never registered; the caller should
//     register again
func (r *NodeRegistry) Heartbeat(id string) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("heartbeat %q: %w", id, ErrNodeNotFound)
	}
	rec.LastSeen = r.clock.Now()
	revived := rec.Status == StatusInactive
	rec.Status = StatusActive
	r.publishLocked()
	r.mu.Unlock()

	if revived {
		r.logger.Info("Node is active again", zap.String("node", id))
		r.persist()
	}
	return nil
}

// Deregister removes a node. If it was the assigned leader the pointer is
// cleared and, when this member leads the federation, a new leader elected.
func (r *NodeRegistry) Deregister(ctx context.Context, id string) error {
	r.mu.Lock()
	if _, ok := r.nodes[id]; !ok {
		r.mu.Unlock()
		return fmt.Errorf("deregister %q: %w", id, ErrNodeNotFound)
	}
	delete(r.nodes, id)
	for i, nid := range r.order {
		if nid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	wasLeader := r.leaderID == id
	if wasLeader {
		r.leaderID = ""
	}
	r.publishLocked()
	r.mu.Unlock()

	r.logger.Info("Node deregistered", zap.String("node", id), zap.Bool("wasLeader", wasLeader))

	if wasLeader && r.leading() {
		_, err := r.ElectNewLeader(ctx)
		return err
	}
	r.persist()
	return nil
}

// Sweep marks nodes silent for longer than the threshold INACTIVE. When this
// member leads the federation and the assigned leader is INACTIVE, missing,
// or unset while ACTIVE nodes exist, a new leader is elected.
//
// Sweep runs periodically from the HealthMonitor and once when this member
// becomes federation leader, so an assignment orphaned while no member was
// authoritative is repaired promptly.
//
// Returns:
//   - []string: Ids newly marked INACTIVE by this sweep
func (r *NodeRegistry) Sweep(ctx context.Context) []string {
	r.mu.Lock()
	now := r.clock.Now()
	threshold := r.threshold
	var silenced []string
	for _, id := range r.order {
		rec := r.nodes[id]
		if rec.Status == StatusActive && now.Sub(rec.LastSeen) > threshold {
			rec.Status = StatusInactive
			silenced = append(silenced, id)
		}
	}
	needsLeader := r.needsLeaderLocked()
	r.publishLocked()
	r.mu.Unlock()

	for _, id := range silenced {
		r.logger.Warn("Node marked inactive", zap.String("node", id), zap.Duration("threshold", threshold))
	}

	if needsLeader && r.leading() {
		if _, err := r.ElectNewLeader(ctx); err != nil {
			r.logger.Warn("Leader re-election incomplete", zap.Error(err))
		}
		return silenced
	}
	if len(silenced) > 0 {
		r.persist()
	}
	return silenced
}

// leading calls the leadership check without holding mu, since the check
// takes the federation member's own lock.
func (r *NodeRegistry) leading() bool {
	r.mu.RLock()
	fn := r.isLeader
	r.mu.RUnlock()
	return fn()
}

func (r *NodeRegistry) needsLeaderLocked() bool {
	if r.leaderID == "" {
		return r.hasActiveLocked()
	}
	rec, ok := r.nodes[r.leaderID]
	return !ok || rec.Status != StatusActive
}

func (r *NodeRegistry) hasActiveLocked() bool {
	for _, id := range r.order {
		if r.nodes[id].Status == StatusActive {
			return true
		}
	}
	return false
}

// ElectNewLeader clears the leader pointer and assigns the first ACTIVE node
// in stored order. With no ACTIVE node the assignment stays empty.
//
// Returns:
//   - string: The new leader id, empty when none was ACTIVE
//   - error: The promotion failure, if any; the assignment is kept
func (r *NodeRegistry) ElectNewLeader(ctx context.Context) (string, error) {
	r.mu.Lock()
	previous := r.leaderID
	r.leaderID = ""
	var next string
	for _, id := range r.order {
		if r.nodes[id].Status == StatusActive {
			next = id
			break
		}
	}
	r.publishLocked()
	r.mu.Unlock()

	if next == "" {
		r.logger.Warn("No active node available for cluster leadership", zap.String("previous", previous))
		r.persist()
		return "", nil
	}
	r.logger.Info("Electing new cluster leader", zap.String("previous", previous), zap.String("leader", next))
	return next, r.AssignLeader(ctx, next)
}

// AssignLeader records id as the cluster leader and persists the change.
// When this member leads the federation it then promotes the node and, on
// success, pushes the full registry to it.
//
// Parameters:
//   - ctx: Bounds the promotion and push calls
//   - id: A registered node id
//
// Returns:
//   - ErrNodeNotFound when id is unknown
//   - The promotion or push error; the assignment is kept regardless
//
// Example:
//
//	if err := registry.AssignLeader(ctx, "db-2"); err != nil {
//	    // db-2 remains assigned; the next sweep or registration retries
//	}
func (r *NodeRegistry) AssignLeader(ctx context.Context, id string) error {
	r.mu.Lock()
	rec, ok := r.nodes[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("assign leader %q: %w", id, ErrNodeNotFound)
	}
	r.leaderID = id
	url := rec.URL
	r.publishLocked()
	r.mu.Unlock()

	return r.announceLeader(ctx, id, url)
}

// announceLeader persists an assignment already recorded under r.mu and,
// when authoritative, promotes the node and pushes the registry to it.
func (r *NodeRegistry) announceLeader(ctx context.Context, id, url string) error {
	authoritative := r.leading()

	r.persist()
	r.logger.Info("Cluster leader assigned", zap.String("leader", id), zap.Bool("promote", authoritative))

	if !authoritative || r.promoter == nil {
		return nil
	}
	if err := r.promoter.Promote(ctx, url); err != nil {
		r.metrics.Promotion(false)
		r.logger.Warn("Promotion failed", zap.String("node", id), zap.String("url", url), zap.Error(err))
		return fmt.Errorf("promote %s: %w", id, err)
	}
	if err := r.promoter.PushRegistry(ctx, url, r.Snapshot()); err != nil {
		r.metrics.Promotion(false)
		r.logger.Warn("Registry push failed", zap.String("node", id), zap.Error(err))
		return fmt.Errorf("push registry to %s: %w", id, err)
	}
	r.metrics.Promotion(true)
	return nil
}

// ApplyMirror replaces the registry with the snapshot carried by a
// federation leader's heartbeat. It never promotes.
func (r *NodeRegistry) ApplyMirror(snap Snapshot) {
	r.mu.Lock()
	changed := snap.LeaderID != r.leaderID || len(snap.Nodes) != len(r.order)
	if !changed {
		for i, n := range snap.Nodes {
			cur := r.nodes[r.order[i]]
			if cur.ID != n.ID || cur.Status != n.Status || cur.URL != n.URL {
				changed = true
				break
			}
		}
	}
	r.loadLocked(snap)
	r.publishLocked()
	r.mu.Unlock()

	if changed {
		r.logger.Debug("Registry mirror updated", zap.String("leader", snap.LeaderID), zap.Int("nodes", len(snap.Nodes)))
		r.persist()
	}
}

// Snapshot returns a copy of the registry in stored order.
func (r *NodeRegistry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

// Node returns a copy of one record.
func (r *NodeRegistry) Node(id string) (NodeRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.nodes[id]
	if !ok {
		return NodeRecord{}, false
	}
	return *rec, true
}

// LeaderID returns the assigned cluster leader, empty when unassigned.
func (r *NodeRegistry) LeaderID() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leaderID
}

func (r *NodeRegistry) snapshotLocked() Snapshot {
	snap := Snapshot{LeaderID: r.leaderID, Nodes: make([]NodeRecord, 0, len(r.order))}
	for _, id := range r.order {
		snap.Nodes = append(snap.Nodes, *r.nodes[id])
	}
	return snap
}

func (r *NodeRegistry) loadLocked(snap Snapshot) {
	r.nodes = make(map[string]*NodeRecord, len(snap.Nodes))
	r.order = r.order[:0]
	for _, n := range snap.Nodes {
		if _, dup := r.nodes[n.ID]; dup {
			continue
		}
		rec := n
		r.nodes[n.ID] = &rec
		r.order = append(r.order, n.ID)
	}
	r.leaderID = snap.LeaderID
}

func (r *NodeRegistry) publishLocked() {
	if r.metrics == nil {
		return
	}
	var active, inactive int
	for _, rec := range r.nodes {
		if rec.Status == StatusActive {
			active++
		} else {
			inactive++
		}
	}
	r.metrics.SetCounts(active, inactive, r.leaderID != "")
}

// persist writes the current state. Holding persistMu while snapshotting
// keeps concurrent writers from storing an older state last.
func (r *NodeRegistry) persist() {
	r.persistMu.Lock()
	defer r.persistMu.Unlock()

	snap := r.Snapshot()
	if err := r.store.Save(snap); err != nil {
		r.metrics.PersistFailed()
		r.logger.Error("Failed to persist registry snapshot", zap.Error(err))
	}
}
