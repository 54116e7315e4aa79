package server

import (
	"context"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/Leesowon/chatting-server/internal/platform/timeouts"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast/local"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast/natsrelay"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage/memory"
	redisstore "github.com/Leesowon/chatting-server/internal/services/chat/storage/redis"
	sqlitestore "github.com/Leesowon/chatting-server/internal/services/chat/storage/sqlite"
)

// Store backends.
const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreSQLite = "sqlite"
)

// Broadcast backends.
const (
	BroadcastLocal = "local"
	BroadcastNATS  = "nats"
)

func openStore(ctx context.Context, config Config) (storage.Store, error) {
	backend := strings.ToLower(strings.TrimSpace(config.Store))
	switch backend {
	case "", StoreMemory:
		return memory.New(), nil
	case StoreRedis:
		dialCtx, cancel := context.WithTimeout(ctx, timeouts.StoreDial)
		defer cancel()
		store, err := redisstore.Open(dialCtx, config.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return store, nil
	case StoreSQLite:
		store, err := sqlitestore.Open(ctx, config.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported store %q", config.Store)
	}
}

func openFanout(config Config) (broadcast.Fanout, error) {
	backend := strings.ToLower(strings.TrimSpace(config.Broadcast))
	switch backend {
	case "", BroadcastLocal:
		return local.NewHub(), nil
	case BroadcastNATS:
		relay, err := natsrelay.Connect(natsrelay.Options{
			URL:       config.NATSURL,
			User:      config.NATSUser,
			Password:  config.NATSPassword,
			Name:      "chat",
			Heartbeat: config.RelayHeartbeat,
		})
		if err != nil {
			return nil, fmt.Errorf("open nats relay: %w", err)
		}
		return relay, nil
	default:
		return nil, fmt.Errorf("unsupported broadcast %q", config.Broadcast)
	}
}

// readinessChecks returns the backends that can be pinged, store first.
func readinessChecks(store storage.Store, fanout broadcast.Fanout) []pinger {
	var checks []pinger
	if p, ok := store.(pinger); ok {
		checks = append(checks, p)
	}
	if p, ok := fanout.(pinger); ok {
		checks = append(checks, p)
	}
	return checks
}

func closeStore(store storage.Store) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil {
		log.Printf("close chat store: %v", err)
	}
}

func closeFanout(fanout broadcast.Fanout) {
	closer, ok := fanout.(io.Closer)
	if !ok {
		return
	}
	if err := closer.Close(); err != nil {
		log.Printf("close chat relay: %v", err)
	}
}
