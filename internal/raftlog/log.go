package raftlog

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when no entry exists at the requested index.
	ErrNotFound = errors.New("log entry not found")
	// ErrIndexGap is returned when an append would leave a hole in the log
	// or rewrite an existing index.
	ErrIndexGap = errors.New("log index gap")
	// ErrClosed is returned by operations on a closed log.
	ErrClosed = errors.New("log closed")
)

// EntryType classifies a log entry.
type EntryType uint8

const (
	// EntryCommand carries a storage command envelope.
	EntryCommand EntryType = iota
	// EntryConfig carries a cluster membership change.
	EntryConfig
	// EntryNoop is appended by a new leader to commit entries of older terms.
	EntryNoop
)

// String returns the entry type name used in logs.
func (t EntryType) String() string {
	switch t {
	case EntryCommand:
		return "COMMAND"
	case EntryConfig:
		return "CONFIG"
	case EntryNoop:
		return "NOOP"
	default:
		return fmt.Sprintf("EntryType(%d)", uint8(t))
	}
}

// MarshalText encodes the type by name.
func (t EntryType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

// UnmarshalText decodes a name produced by MarshalText.
func (t *EntryType) UnmarshalText(b []byte) error {
	switch strings.ToUpper(string(b)) {
	case "COMMAND":
		*t = EntryCommand
	case "CONFIG":
		*t = EntryConfig
	case "NOOP":
		*t = EntryNoop
	default:
		return fmt.Errorf("unknown entry type %q", b)
	}
	return nil
}

// Entry is one indexed record of the replicated log. Index is 1-based.
type Entry struct {
	Index   uint64    `json:"index"`
	Term    uint64    `json:"term"`
	Type    EntryType `json:"type"`
	Command []byte    `json:"command,omitempty"`
}

// Log is an append-only, index-ordered, gapless sequence of entries.
// Implementations are safe for concurrent use.
type Log interface {
	// Append adds entries; the first must have index LastIndex()+1 and the
	// rest must follow contiguously.
	Append(entries ...Entry) error
	// TruncateFrom deletes the entry at index and every entry after it.
	TruncateFrom(index uint64) error
	// Get returns the entry at index or ErrNotFound.
	Get(index uint64) (Entry, error)
	// Range returns entries in [from, to], clipped to what exists.
	Range(from, to uint64) ([]Entry, error)
	// LastIndex returns the highest index, or 0 for an empty log.
	LastIndex() uint64
	// LastTerm returns the term of the last entry, or 0 for an empty log.
	LastTerm() uint64
	// TermAt returns the term at index, or 0 when absent.
	TermAt(index uint64) uint64
	Close() error
}

// HardState is the vote bookkeeping persisted across restarts so a node
// never grants two votes in the same term.
type HardState struct {
	Term     uint64 `json:"term"`
	VotedFor string `json:"votedFor"`
}

// StableStore persists HardState.
type StableStore interface {
	LoadState() (HardState, error)
	SaveState(HardState) error
}

// checkContiguous validates that entries start at next and have no holes.
func checkContiguous(next uint64, entries []Entry) error {
	for i, e := range entries {
		if e.Index != next+uint64(i) {
			return fmt.Errorf("%w: got index %d, want %d", ErrIndexGap, e.Index, next+uint64(i))
		}
	}
	return nil
}
