package service

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"storefront/internal/models"
	"storefront/internal/redisclient"
)

// MemorySessionStore is a process-local SessionStore. Sessions are stored
// as JSON copies so callers never share mutable state with the store,
// matching the redis-backed behavior.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{sessions: make(map[string][]byte)}
}

func (s *MemorySessionStore) SaveSession(_ context.Context, session *models.CheckoutSession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sessions[session.ID] = data
	s.mu.Unlock()
	return nil
}

func (s *MemorySessionStore) GetSession(_ context.Context, id string) (*models.CheckoutSession, error) {
	s.mu.RLock()
	data, ok := s.sessions[id]
	s.mu.RUnlock()
	if !ok {
		return nil, redisclient.ErrSessionNotFound
	}
	var session models.CheckoutSession
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	if !session.ExpiresAt.IsZero() && !time.Now().Before(session.ExpiresAt) {
		s.mu.Lock()
		delete(s.sessions, id)
		s.mu.Unlock()
		return nil, redisclient.ErrSessionNotFound
	}
	return &session, nil
}

func (s *MemorySessionStore) DeleteSession(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
