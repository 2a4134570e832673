// Package coordinator implements the federation-owned registry of database
// cluster nodes: their health, which node is the assigned cluster leader,
// and how that assignment is carried out on the nodes themselves.
//
// # Overview
//
// Every federation member owns a NodeRegistry. Database nodes register with
// the federation and heartbeat periodically; a HealthMonitor sweeps the
// registry and marks nodes that fell silent INACTIVE. Exactly one member,
// the federation leader, is authoritative: it alone assigns the cluster
// leader, promotes it and pushes the registry to it. The other members keep
// a read-only mirror that arrives with every federation heartbeat.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│             FEDERATION MEMBER                │
//	├──────────────────────────────────────────────┤
//	│  ┌─────────────────┐   ┌──────────────────┐  │
//	│  │  HealthMonitor  │──▶│   NodeRegistry   │  │
//	│  │  sweep every 5s │   │  ACTIVE/INACTIVE │  │
//	│  └─────────────────┘   │  leader pointer  │  │
//	│                        └────────┬─────────┘  │
//	│           SnapshotStore ◀───────┤            │
//	│           (indented JSON)       │            │
//	│                                 ▼            │
//	│                        ┌──────────────────┐  │
//	│                        │     Promoter     │  │
//	│                        └────────┬─────────┘  │
//	└─────────────────────────────────┼────────────┘
//	                                  │ POST /api/cluster/promote
//	                                  │ POST /api/cluster/register
//	                                  ▼
//	                          database cluster node
//
// # Leader Assignment
//
// The assignment follows registration and health:
//
//  1. The first node to register on an empty registry becomes leader.
//  2. A sweep that finds the leader silent for more than 10s marks it
//     INACTIVE and, on the federation leader, elects the first ACTIVE node
//     in stored order.
//  3. Deregistering the leader clears the pointer and elects anew.
//  4. With no ACTIVE node the pointer stays empty until one registers or
//     heartbeats again and the next sweep assigns it.
//
// Assigning a leader persists first and promotes second. A failed promotion
// keeps the assignment; it is logged and counted in the
// docfed_registry_promotions_total metric.
//
// # Persistence
//
// Each mutation writes the full snapshot (leader id and nodes in stored
// order) through a SnapshotStore. FileSnapshotStore writes indented JSON via
// a temporary file and rename. Write failures never undo the in-memory
// change.
//
// # See Also
//
// Related packages:
//   - internal/federation: Federation consensus that decides leadership
//   - internal/consensus: Cluster consensus that a promotion drives
//   - cmd/coordinator: HTTP surface of the registry
package coordinator
