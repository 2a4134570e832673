// Package consensus implements the per-cluster Raft group that replicates
// document commands between the nodes holding one logical database.
//
// # Overview
//
// Each database node runs one Node. Nodes elect a leader among themselves;
// the leader appends every write to its log, replicates it to the followers
// and applies it to the storage engine once a strict majority holds it.
// Followers reject writes with a *NotLeaderError naming the known leader so
// the HTTP layer can redirect the client.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                 DATABASE NODE                │
//	├──────────────────────────────────────────────┤
//	│   Propose ──▶ raftlog.Log ──▶ replication    │
//	│                   │              │           │
//	│            commit index ◀── matchIndex       │
//	│                   │                          │
//	│                   ▼                          │
//	│            apply goroutine ──▶ storage       │
//	└──────────────────────────────────────────────┘
//	        ▲  POST /raft/vote
//	        │  POST /raft/append
//	        ▼
//	   other cluster nodes
//
// # Timing
//
// Election timeouts are drawn uniformly from [ElectionTimeoutMin,
// ElectionTimeoutMax), 1.5s to 3s by default. The leader heartbeats every
// HeartbeatInterval. The election timer restarts only when a vote is granted
// or a valid AppendEntries arrives.
//
// # Leadership Changes
//
// A newly elected leader appends a NOOP entry for its term so entries from
// earlier terms commit through it. Campaign lets the federation force an
// election on the node it assigned as cluster leader. Membership changes are
// CONFIG entries applied on commit and persisted through a MembershipStore.
package consensus
