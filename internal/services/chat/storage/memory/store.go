// Package memory provides an in-process presence and history store for
// single-instance deployments and tests.
package memory

import (
	"context"
	"sync"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
)

// Store keeps room state in process memory.
type Store struct {
	mu       sync.RWMutex
	limit    int
	history  map[string][]domain.Message
	presence map[string]map[string]struct{}
}

// New returns an empty store retaining storage.HistoryLimit messages per room.
func New() *Store {
	return newWithLimit(storage.HistoryLimit)
}

// newWithLimit returns an empty store retaining limit messages per room.
func newWithLimit(limit int) *Store {
	if limit <= 0 {
		limit = storage.HistoryLimit
	}
	return &Store{
		limit:    limit,
		history:  make(map[string][]domain.Message),
		presence: make(map[string]map[string]struct{}),
	}
}

// Join adds username to roomID's presence set.
func (s *Store) Join(ctx context.Context, roomID string, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	users, ok := s.presence[roomID]
	if !ok {
		users = make(map[string]struct{})
		s.presence[roomID] = users
	}
	users[username] = struct{}{}
	return nil
}

// Leave removes username from roomID's presence set.
func (s *Store) Leave(ctx context.Context, roomID string, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.presence[roomID], username)
	return nil
}

// Count returns roomID's presence set size.
func (s *Store) Count(ctx context.Context, roomID string) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.presence[roomID]), nil
}

// Append adds msg to roomID's history, evicting the oldest entries past the limit.
func (s *Store) Append(ctx context.Context, roomID string, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	messages := append(s.history[roomID], msg)
	if len(messages) > s.limit {
		// Copy into a fresh backing array so the evicted head is released and
		// snapshots handed out earlier keep their own storage.
		trimmed := make([]domain.Message, s.limit)
		copy(trimmed, messages[len(messages)-s.limit:])
		messages = trimmed
	}
	s.history[roomID] = messages
	return nil
}

// Read returns a copy of roomID's history, oldest first.
func (s *Store) Read(ctx context.Context, roomID string) ([]domain.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	messages := s.history[roomID]
	snapshot := make([]domain.Message, len(messages))
	copy(snapshot, messages)
	return snapshot, nil
}

// Close is a no-op; it satisfies storage.Store.
func (s *Store) Close() error {
	return nil
}
