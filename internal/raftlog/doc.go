// Package raftlog stores the replicated command log of a cluster consensus
// group, together with the term and vote that must survive a restart.
//
// MemoryLog keeps everything in process and suits tests and nodes started
// without a data directory. BoltLog persists entries in a bbolt file with
// snappy-compressed payloads; both implement Log and StableStore.
package raftlog
