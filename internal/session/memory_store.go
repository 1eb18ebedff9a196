package session

import (
	"context"
	"sync"
	"time"

	"folio/api/internal/identity"
)

// memoryPruneInterval bounds how often SaveSession sweeps expired sessions.
const memoryPruneInterval = time.Minute

// MemoryStore keeps sessions in process. Used when Redis is not configured.
type MemoryStore struct {
	mu        sync.Mutex
	sessions  map[string]Session
	lastPrune time.Time
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]Session),
		now:      time.Now,
	}
}

func (s *MemoryStore) SaveSession(_ context.Context, token string, principal identity.Principal, expiresAt time.Time) error {
	now := s.now().UTC()
	if !expiresAt.After(now) {
		expiresAt = now.Add(defaultTTL)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if now.Sub(s.lastPrune) >= memoryPruneInterval {
		s.pruneLocked(now)
	}
	s.sessions[HashToken(token)] = Session{Principal: principal, CreatedAt: now, ExpiresAt: expiresAt.UTC()}
	return nil
}

// pruneLocked drops expired sessions that were never looked up again.
func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, session := range s.sessions {
		if !session.ExpiresAt.After(now) {
			delete(s.sessions, key)
		}
	}
	s.lastPrune = now
}

func (s *MemoryStore) LookupSession(_ context.Context, token string) (Session, error) {
	key := HashToken(token)
	s.mu.Lock()
	defer s.mu.Unlock()
	session, ok := s.sessions[key]
	if !ok {
		return Session{}, ErrNotFound
	}
	if !session.ExpiresAt.After(s.now()) {
		delete(s.sessions, key)
		return Session{}, ErrNotFound
	}
	return session, nil
}

func (s *MemoryStore) RevokeSession(_ context.Context, token string) error {
	s.mu.Lock()
	delete(s.sessions, HashToken(token))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Ping(context.Context) error {
	return nil
}
