// Package chat parses chat command flags and composes transport entrypoints.
package chat

import (
	"context"
	"flag"
	"fmt"
	"strings"
	"time"

	entrypoint "github.com/Leesowon/chatting-server/internal/platform/cmd"
	"github.com/Leesowon/chatting-server/internal/platform/otel"
	"github.com/Leesowon/chatting-server/internal/platform/telemetry/metrics"
	server "github.com/Leesowon/chatting-server/internal/services/chat/app"
	"github.com/Leesowon/chatting-server/internal/services/chat/identity"
)

// EnvPrefix prefixes every chat environment variable.
const EnvPrefix = "CHAT_"

// Config holds chat command configuration.
type Config struct {
	HTTPAddr string `env:"HTTP_ADDR" envDefault:":8086"`

	Store      string `env:"STORE"       envDefault:"memory"`
	RedisURL   string `env:"REDIS_URL"   envDefault:"redis://localhost:6379/0"`
	SQLitePath string `env:"SQLITE_PATH" envDefault:"data/chat.db"`

	Broadcast      string        `env:"BROADCAST"       envDefault:"local"`
	NATSURL        string        `env:"NATS_URL"        envDefault:"nats://localhost:4222"`
	NATSUser       string        `env:"NATS_USER"`
	NATSPassword   string        `env:"NATS_PASSWORD"`
	RelayHeartbeat time.Duration `env:"RELAY_HEARTBEAT" envDefault:"20s"`

	IdentityHeader string `env:"IDENTITY_HEADER"`

	OTelEndpoint string `env:"OTEL_ENDPOINT"`
	OTelEnabled  bool   `env:"OTEL_ENABLED"`
}

// ParseConfig parses environment and flags into a Config.
func ParseConfig(fs *flag.FlagSet, args []string) (Config, error) {
	var cfg Config
	if err := entrypoint.ParseConfig(&cfg, EnvPrefix); err != nil {
		return Config{}, err
	}

	fs.StringVar(&cfg.HTTPAddr, "http-addr", cfg.HTTPAddr, "chat HTTP listen address")
	fs.StringVar(&cfg.Store, "store", cfg.Store, "presence and history store: memory, redis or sqlite")
	fs.StringVar(&cfg.RedisURL, "redis-url", cfg.RedisURL, "redis URL for the redis store")
	fs.StringVar(&cfg.SQLitePath, "sqlite-path", cfg.SQLitePath, "database file for the sqlite store")
	fs.StringVar(&cfg.Broadcast, "broadcast", cfg.Broadcast, "fan-out backbone: local or nats")
	fs.StringVar(&cfg.NATSURL, "nats-url", cfg.NATSURL, "NATS URL for the nats backbone")
	fs.DurationVar(&cfg.RelayHeartbeat, "relay-heartbeat", cfg.RelayHeartbeat, "NATS link heartbeat interval")
	fs.StringVar(&cfg.IdentityHeader, "identity-header", cfg.IdentityHeader, "request header carrying a proxy-verified username")
	fs.StringVar(&cfg.OTelEndpoint, "otel-endpoint", cfg.OTelEndpoint, "OTLP/HTTP trace collector URL")
	fs.BoolVar(&cfg.OTelEnabled, "otel-enabled", cfg.OTelEnabled, "export traces to the OTLP collector")
	if err := entrypoint.ParseArgs(fs, args); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Run builds the chat app and starts realtime transport behavior.
func Run(ctx context.Context, cfg Config) error {
	options := entrypoint.RunOptions{
		Tracing: otel.Settings{
			Endpoint: cfg.OTelEndpoint,
			Enabled:  cfg.OTelEnabled,
		},
	}
	return entrypoint.RunWithTelemetry(ctx, entrypoint.ServiceChat, options, func(ctx context.Context) error {
		if err := server.Run(ctx, serverConfig(cfg)); err != nil {
			return fmt.Errorf("serve chat: %w", err)
		}
		return nil
	})
}

func serverConfig(cfg Config) server.Config {
	return server.Config{
		HTTPAddr:       cfg.HTTPAddr,
		Store:          cfg.Store,
		RedisURL:       cfg.RedisURL,
		SQLitePath:     cfg.SQLitePath,
		Broadcast:      cfg.Broadcast,
		NATSURL:        cfg.NATSURL,
		NATSUser:       cfg.NATSUser,
		NATSPassword:   cfg.NATSPassword,
		RelayHeartbeat: cfg.RelayHeartbeat,
		Identity:       identityResolver(cfg.IdentityHeader),
		Metrics:        metrics.New(),
	}
}

// identityResolver prefers a proxy header when one is configured.
func identityResolver(header string) identity.Resolver {
	header = strings.TrimSpace(header)
	if header == "" {
		return identity.Default()
	}
	return identity.First(identity.Header(header), identity.Default())
}
