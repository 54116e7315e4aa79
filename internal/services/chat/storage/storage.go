// Package storage defines persistence contracts for room presence and history.
//
// Implementations own all room state. Callers never cache what they read:
// every Read and Count is a fresh snapshot of the backing store.
package storage

import (
	"context"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
)

// HistoryLimit is the number of messages retained per room.
const HistoryLimit = 100

// PresenceStore tracks the set of usernames joined to each room.
type PresenceStore interface {
	// Join adds username to roomID. Joining twice is a no-op.
	Join(ctx context.Context, roomID string, username string) error
	// Leave removes username from roomID. Leaving when absent is a no-op.
	Leave(ctx context.Context, roomID string, username string) error
	// Count returns the number of joined users, 0 for an untouched room.
	Count(ctx context.Context, roomID string) (int, error)
}

// HistoryStore keeps the last HistoryLimit messages of each room.
type HistoryStore interface {
	// Append adds msg at the tail and evicts from the head so the room never
	// holds more than HistoryLimit entries. Observers never see the
	// intermediate over-capacity state. An appended message is kept even if
	// the caller then fails to broadcast it.
	Append(ctx context.Context, roomID string, msg domain.Message) error
	// Read returns the room's messages oldest first. The returned slice is
	// owned by the caller and is not affected by later appends.
	Read(ctx context.Context, roomID string) ([]domain.Message, error)
}

// Store bundles both contracts behind one backend handle.
type Store interface {
	PresenceStore
	HistoryStore
	Close() error
}

// HistoryKey returns the cache key holding roomID's history list.
func HistoryKey(roomID string) string {
	return "chat:history:" + roomID
}

// PresenceKey returns the cache key holding roomID's user set.
func PresenceKey(roomID string) string {
	return "chat:users:" + roomID
}
