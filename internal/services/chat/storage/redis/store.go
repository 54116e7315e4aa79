// Package redis provides presence and history stores backed by Redis, shared
// by every chat process pointed at the same server.
//
// Layout: chat:history:{roomId} is a list of JSON messages capped at the
// history limit, chat:users:{roomId} is a set of usernames.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	goredis "github.com/redis/go-redis/v9"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
)

// Store persists room state in Redis.
type Store struct {
	client *goredis.Client
	limit  int64
}

// Open connects to redisURL and verifies the connection with PING.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	redisURL = strings.TrimSpace(redisURL)
	if redisURL == "" {
		return nil, fmt.Errorf("redis url is required")
	}
	opts, err := goredis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := goredis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(client), nil
}

// New wraps an existing client.
func New(client *goredis.Client) *Store {
	return &Store{client: client, limit: storage.HistoryLimit}
}

// Close closes the Redis connection pool.
func (s *Store) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Ping checks the Redis connection.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Join adds username to the room's user set.
func (s *Store) Join(ctx context.Context, roomID string, username string) error {
	if err := s.client.SAdd(ctx, storage.PresenceKey(roomID), username).Err(); err != nil {
		return fmt.Errorf("add room user: %w", err)
	}
	return nil
}

// Leave removes username from the room's user set.
func (s *Store) Leave(ctx context.Context, roomID string, username string) error {
	if err := s.client.SRem(ctx, storage.PresenceKey(roomID), username).Err(); err != nil {
		return fmt.Errorf("remove room user: %w", err)
	}
	return nil
}

// Count returns the size of the room's user set.
func (s *Store) Count(ctx context.Context, roomID string) (int, error) {
	count, err := s.client.SCard(ctx, storage.PresenceKey(roomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("count room users: %w", err)
	}
	return int(count), nil
}

// Append pushes msg and trims the list inside one MULTI/EXEC so readers never
// observe the list above the limit.
func (s *Store) Append(ctx context.Context, roomID string, msg domain.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode history message: %w", err)
	}

	key := storage.HistoryKey(roomID)
	_, err = s.client.TxPipelined(ctx, func(pipe goredis.Pipeliner) error {
		pipe.RPush(ctx, key, data)
		pipe.LTrim(ctx, key, -s.limit, -1)
		return nil
	})
	if err != nil {
		return fmt.Errorf("append history: %w", err)
	}
	return nil
}

// Read returns the room's history, oldest first.
func (s *Store) Read(ctx context.Context, roomID string) ([]domain.Message, error) {
	results, err := s.client.LRange(ctx, storage.HistoryKey(roomID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}

	messages := make([]domain.Message, 0, len(results))
	for _, data := range results {
		var msg domain.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			log.Printf("chat: skipping undecodable history entry room=%q err=%v", roomID, err)
			continue
		}
		messages = append(messages, msg)
	}
	return messages, nil
}
