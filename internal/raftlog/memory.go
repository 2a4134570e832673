package raftlog

import "sync"

// MemoryLog keeps entries and hard state in process memory. It is used by
// tests and by nodes started without a data directory.
type MemoryLog struct {
	mu      sync.RWMutex
	entries []Entry
	state   HardState
	closed  bool
}

// NewMemoryLog returns an empty in-memory log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{}
}

// Append adds entries after the current last index.
func (m *MemoryLog) Append(entries ...Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if err := checkContiguous(uint64(len(m.entries))+1, entries); err != nil {
		return err
	}
	for _, e := range entries {
		e.Command = append([]byte(nil), e.Command...)
		m.entries = append(m.entries, e)
	}
	return nil
}

// TruncateFrom drops index and every entry after it.
func (m *MemoryLog) TruncateFrom(index uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	if index == 0 {
		index = 1
	}
	if index <= uint64(len(m.entries)) {
		m.entries = m.entries[:index-1]
	}
	return nil
}

// Get returns the entry at index or ErrNotFound.
func (m *MemoryLog) Get(index uint64) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if index == 0 || index > uint64(len(m.entries)) {
		return Entry{}, ErrNotFound
	}
	return m.entries[index-1], nil
}

// Range returns entries in [from, to].
func (m *MemoryLog) Range(from, to uint64) ([]Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if from == 0 {
		from = 1
	}
	if last := uint64(len(m.entries)); to > last {
		to = last
	}
	if from > to {
		return nil, nil
	}
	out := make([]Entry, to-from+1)
	copy(out, m.entries[from-1:to])
	return out, nil
}

// LastIndex returns the index of the last entry, 0 when empty.
func (m *MemoryLog) LastIndex() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.entries))
}

// LastTerm returns the term of the last entry, 0 when empty.
func (m *MemoryLog) LastTerm() uint64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if len(m.entries) == 0 {
		return 0
	}
	return m.entries[len(m.entries)-1].Term
}

// TermAt returns the term at index, 0 when absent.
func (m *MemoryLog) TermAt(index uint64) uint64 {
	e, err := m.Get(index)
	if err != nil {
		return 0
	}
	return e.Term
}

// LoadState returns the stored term and vote.
func (m *MemoryLog) LoadState() (HardState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state, nil
}

// SaveState records term and vote.
func (m *MemoryLog) SaveState(s HardState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = s
	return nil
}

// Close makes later Append and TruncateFrom calls fail with ErrClosed.
func (m *MemoryLog) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
