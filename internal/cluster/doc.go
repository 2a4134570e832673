// Package cluster holds the pieces shared by both consensus tiers of the
// federated document database: node identities, consensus roles, quorum
// arithmetic and the JSON-over-HTTP transport used for every inter-node call.
//
// # Overview
//
// Two independent consensus groups run in the system:
//
//	┌──────────────────────────────────────────────┐
//	│              FEDERATION GROUP                │
//	│   member A ◄──► member B ◄──► member C       │
//	│   (leader owns the node registry)            │
//	└──────────────────┬───────────────────────────┘
//	                   │ promote / register (HTTP)
//	      ┌────────────┼────────────┐
//	      ▼            ▼            ▼
//	┌──────────┐ ┌──────────┐ ┌──────────┐
//	│ db node 1│ │ db node 2│ │ db node 3│   CLUSTER GROUP
//	│ raft log │ │ raft log │ │ raft log │   (document log)
//	└──────────┘ └──────────┘ └──────────┘
//
// Both groups use the Role state machine defined here and the Majority
// quorum rule, but they never share memory: all interaction between them
// happens through the HTTP calls issued by Client.
//
// # Communication Protocol
//
// Every call is a JSON request/response over HTTP with a strict per-call
// timeout. A failed, refused or timed-out call is reported as an error and
// consensus code treats it as "no answer": it is neither a granted vote nor a
// successful replication, and it is retried on the next tick.
//
// Non-2xx responses are reported as *StatusError so callers can distinguish
// a protocol refusal (4xx) from an unreachable peer.
//
// # Concurrency Model
//
// Client is safe for concurrent use. Fan-out callers issue one goroutine per
// peer and never hold consensus locks while a request is in flight.
package cluster
