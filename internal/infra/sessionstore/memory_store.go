package sessionstore

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/yanqian/cropsense/internal/domain/session"
)

type entry struct {
	payload   []byte
	revision  int64
	expiresAt time.Time
}

// MemoryStore keeps sessions in process memory. Entries are stored encoded so
// callers never share mutable state with the store.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]entry
	now     func() time.Time
}

// NewMemoryStore constructs a store backed by process memory.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		entries: make(map[uuid.UUID]entry),
		now:     time.Now,
	}
}

// Get implements session.Store.
func (s *MemoryStore) Get(_ context.Context, id uuid.UUID) (session.Session, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[id]
	s.mu.RUnlock()
	if !ok {
		return session.Session{}, false, nil
	}
	if s.expired(e.expiresAt) {
		s.dropIfExpired(id)
		return session.Session{}, false, nil
	}
	var sess session.Session
	if err := json.Unmarshal(e.payload, &sess); err != nil {
		return session.Session{}, false, err
	}
	return sess, true, nil
}

// Save implements session.Store. An expired entry counts as absent.
func (s *MemoryStore) Save(_ context.Context, sess session.Session, ttl time.Duration) error {
	expected := sess.Revision
	sess.Revision++
	payload, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	exp := time.Time{}
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	var current int64
	if e, ok := s.entries[sess.ID]; ok {
		current = e.revision
	}
	if current != expected {
		return session.ErrConflict
	}
	s.entries[sess.ID] = entry{payload: payload, revision: sess.Revision, expiresAt: exp}
	return nil
}

// Delete implements session.Store.
func (s *MemoryStore) Delete(_ context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, id)
	return nil
}

// Len reports how many live sessions are held.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sweepLocked()
	return len(s.entries)
}

// dropIfExpired deletes id only if the entry is still expired under the write
// lock, so a Save racing with Get is kept.
func (s *MemoryStore) dropIfExpired(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[id]; ok && s.expired(e.expiresAt) {
		delete(s.entries, id)
	}
}

func (s *MemoryStore) sweepLocked() {
	for id, e := range s.entries {
		if s.expired(e.expiresAt) {
			delete(s.entries, id)
		}
	}
}

func (s *MemoryStore) expired(ts time.Time) bool {
	if ts.IsZero() {
		return false
	}
	return ts.Before(s.now())
}

var _ session.Store = (*MemoryStore)(nil)
