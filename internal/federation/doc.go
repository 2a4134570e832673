// Package federation runs leader election among federation members and
// keeps every member's node registry in step with the leader's.
//
// # Overview
//
// Members are identified by URL. The leader heartbeats every member with
// its view of the membership and the full node registry; followers adopt
// both. Only the leader is authoritative for cluster leader assignment, so
// a member that wins an election sweeps the registry at once.
//
// Votes from URLs outside a non-empty member list are refused. A candidate
// that hears from no peer for SolitaryCycles election cycles assumes it is
// alone and takes leadership.
//
// # Endpoints
//
//	POST /federated/raft/vote           RequestVote
//	POST /federated/raft/appendEntries  heartbeat and registry mirror
//	POST /federated/raft/join           add a member; followers redirect
//
// Lock order is member before registry; the registry never calls back into
// a Member while holding its own lock.
package federation
