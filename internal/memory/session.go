package memory

import (
	"sync"
	"time"
)

// SessionStore is the bounded in-process memory for the current session.
// When capacity is exceeded the oldest unpinned record is evicted. Pinned
// records never age out.
type SessionStore struct {
	mu       sync.RWMutex
	capacity int
	records  []*Record
}

// DefaultSessionCapacity bounds the session store when no capacity is
// configured.
const DefaultSessionCapacity = 256

// NewSessionStore creates a session store holding at most capacity records.
func NewSessionStore(capacity int) *SessionStore {
	if capacity <= 0 {
		capacity = DefaultSessionCapacity
	}
	return &SessionStore{capacity: capacity}
}

// Add appends a record, evicting the oldest unpinned record if the store
// is full. If every record is pinned the store grows past capacity rather
// than dropping pinned state.
func (s *SessionStore) Add(rec *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.records = append(s.records, rec)

	if len(s.records) <= s.capacity {
		return
	}

	for i, r := range s.records {
		if !r.Pinned {
			s.records = append(s.records[:i], s.records[i+1:]...)
			return
		}
	}
}

// Recent returns up to n most recent records, oldest first. It returns a
// copy; callers may not mutate the store through it.
func (s *SessionStore) Recent(n int) []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n <= 0 || n > len(s.records) {
		n = len(s.records)
	}
	out := make([]*Record, n)
	copy(out, s.records[len(s.records)-n:])
	return out
}

// All returns a snapshot of every record, oldest first.
func (s *SessionStore) All() []*Record {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Record, len(s.records))
	copy(out, s.records)
	return out
}

// Pin marks the record with the given ID as exempt from eviction.
func (s *SessionStore) Pin(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == id {
			r.Pinned = true
			return true
		}
	}
	return false
}

// Unpin clears a record's eviction exemption.
func (s *SessionStore) Unpin(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == id {
			r.Pinned = false
			return
		}
	}
}

// Touch updates a record's access time, feeding recency weighting.
func (s *SessionStore) Touch(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range s.records {
		if r.ID == id {
			r.AccessedAt = time.Now()
			return
		}
	}
}

// Len returns the current record count.
func (s *SessionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
