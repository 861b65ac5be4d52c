package inmemory

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Zarichney-Development/cookbook-factory-sub000/internal/session"
)

type record struct {
	messages  []session.Message
	expiresAt time.Time
}

// Store is a process-local session store. It is the default when no Redis
// endpoint is configured.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*record
}

func NewStore() *Store {
	return &Store{sessions: make(map[string]*record)}
}

func (s *Store) Create(_ context.Context, systemPrompt string, ttl time.Duration) (string, error) {
	id := uuid.NewString()
	rec := &record{expiresAt: time.Now().Add(ttl)}
	if systemPrompt != "" {
		rec.messages = append(rec.messages, session.Message{Role: "system", Content: systemPrompt})
	}
	s.mu.Lock()
	s.sessions[id] = rec
	s.mu.Unlock()
	return id, nil
}

func (s *Store) Append(_ context.Context, id string, msg session.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.sessions[id]
	if !ok || time.Now().After(rec.expiresAt) {
		delete(s.sessions, id)
		return session.ErrNotFound
	}
	rec.messages = append(rec.messages, msg)
	return nil
}

func (s *Store) History(_ context.Context, id string) ([]session.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok || time.Now().After(rec.expiresAt) {
		return nil, session.ErrNotFound
	}
	out := make([]session.Message, len(rec.messages))
	copy(out, rec.messages)
	return out, nil
}

func (s *Store) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()
	return nil
}
