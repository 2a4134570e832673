// Package storage is the document storage collaborator the cluster
// consensus layer applies committed commands to.
//
// # Overview
//
// Consensus never touches documents directly. It replicates Command
// envelopes through the raft log and, once an entry is committed, hands the
// decoded command to an Applier. Engine is the in-memory Applier shipped
// with the node binary:
//
//	┌─────────────────────────────────────┐
//	│        consensus (apply loop)       │
//	└─────────────────┬───────────────────┘
//	                  │ Apply(Command)
//	                  ▼
//	┌─────────────────────────────────────┐
//	│              Engine                 │
//	│  database ─► collection ─► docs     │
//	└─────────────────────────────────────┘
//
// # Commands
//
// A Command names an operation and its target coordinates:
//
//	save              upsert document (creates database/collection on demand)
//	update            merge top-level fields into an existing document
//	delete            remove a document (idempotent)
//	create_db         create an empty database
//	delete_db         drop a database and everything in it
//	create_collection create an empty collection
//	delete_collection drop a collection
//
// Apply must be deterministic: every replica applies the same commands in
// the same order and must reach the same state, including the same errors.
//
// # Concurrency and Thread Safety
//
// Engine guards its maps with a single sync.RWMutex. Reads take the shared
// lock; Apply takes the exclusive lock. Returned documents are copies, so
// callers may keep or modify them freely. Per-collection operation counters
// are updated atomically and can be read without the lock.
package storage
