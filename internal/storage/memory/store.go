// Package memory provides a non-durable storage backend. It backs the
// memory-only degraded mode and tests.
package memory

import (
	"context"
	"sync"

	"github.com/tjfontaine/eventrelay/internal/core/ports"
)

// Store is an in-memory implementation of ports.StorageProvider
type Store struct {
	mu          sync.RWMutex
	active      []string
	drain       []string
	engagements map[string]string
	userID      string
}

var _ ports.StorageProvider = (*Store)(nil)

// New creates a new in-memory store
func New() *Store {
	return &Store{
		engagements: make(map[string]string),
	}
}

func (s *Store) LoadQueue(ctx context.Context) ([]string, []string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return append([]string(nil), s.active...), append([]string(nil), s.drain...), nil
}

func (s *Store) AppendEvent(ctx context.Context, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = append(s.active, payload)
	return nil
}

func (s *Store) SwapBuffers(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drain = append(s.drain, s.active...)
	s.active = nil
	return nil
}

func (s *Store) ClearDrain(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.drain = nil
	return nil
}

func (s *Store) ResetQueue(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.active = nil
	s.drain = nil
	return nil
}

func (s *Store) LoadEngagements(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]string, len(s.engagements))
	for k, v := range s.engagements {
		out[k] = v
	}
	return out, nil
}

func (s *Store) PutEngagement(ctx context.Context, decisionPoint, response string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engagements[decisionPoint] = response
	return nil
}

func (s *Store) ResetEngagements(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.engagements = make(map[string]string)
	return nil
}

func (s *Store) GetUserID(ctx context.Context) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.userID, nil
}

func (s *Store) SetUserID(ctx context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = userID
	return nil
}

func (s *Store) ResetUserID(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userID = ""
	return nil
}

// Durable always returns false.
func (s *Store) Durable() bool {
	return false
}

func (s *Store) Close() error {
	return nil
}
