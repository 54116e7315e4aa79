package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/Leesowon/chatting-server/internal/platform/telemetry/metrics"
	"github.com/Leesowon/chatting-server/internal/platform/timeouts"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/identity"
	"github.com/Leesowon/chatting-server/internal/services/chat/router"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
	"golang.org/x/sync/errgroup"
)

const (
	maxFramePayloadBytes   = 16 * 1024
	maxFramesPerSecond     = 40
	maxDecodeErrorsPerConn = 3
)

const (
	frameSend    = "chat.send"
	frameJoin    = "chat.join"
	frameLeave   = "chat.leave"
	frameMessage = "chat.message"
	frameError   = "chat.error"
)

// Config defines the inputs for the chat transport boundary.
//
// Store and Broadcast select the deployment profile. The relay-backed
// broadcast profile is required when more than one process serves clients.
type Config struct {
	HTTPAddr          string
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration

	Store      string
	RedisURL   string
	SQLitePath string

	Broadcast      string
	NATSURL        string
	NATSUser       string
	NATSPassword   string
	RelayHeartbeat time.Duration

	// Identity resolves connection usernames. Nil uses the username query parameter.
	Identity identity.Resolver
	// Metrics is optional; nil records nothing and /metrics is not served.
	Metrics *metrics.Metrics
}

// Server hosts the chat HTTP/WebSocket process.
//
// It owns the backing store and fan-out backbone it opened and releases them
// on Close, after live connections have been drained.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server
	handler         *chatHandler
	store           storage.Store
	fanout          broadcast.Fanout
}

type wsFrame struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id,omitempty"`
	Destination string          `json:"destination,omitempty"`
	Payload     json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type presenceResponse struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// NewServer builds a configured chat server.
func NewServer(config Config) (*Server, error) {
	return NewServerWithContext(context.Background(), config)
}

// NewServerWithContext builds a configured chat server with an explicit context
// bounding backend connectivity checks.
func NewServerWithContext(ctx context.Context, config Config) (*Server, error) {
	if ctx == nil {
		return nil, errors.New("context is required")
	}
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}
	if config.RelayHeartbeat <= 0 {
		config.RelayHeartbeat = timeouts.RelayHeartbeat
	}

	store, err := openStore(ctx, config)
	if err != nil {
		return nil, err
	}
	fanout, err := openFanout(config)
	if err != nil {
		closeStore(store)
		return nil, err
	}
	chatRouter, err := router.New(store, store, fanout,
		router.WithMetrics(config.Metrics),
	)
	if err != nil {
		closeFanout(fanout)
		closeStore(store)
		return nil, fmt.Errorf("build router: %w", err)
	}

	handler := newChatHandler(handlerDeps{
		router:    chatRouter,
		fanout:    fanout,
		identity:  config.Identity,
		metrics:   config.Metrics,
		readiness: readinessChecks(store, fanout),
	})
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		handler:         handler,
		store:           store,
		fanout:          fanout,
	}, nil
}

// Run creates and serves a chat server until the context ends.
func Run(ctx context.Context, config Config) error {
	server, err := NewServerWithContext(ctx, config)
	if err != nil {
		return fmt.Errorf("init chat server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve chat: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("chat server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	group, groupCtx := errgroup.WithContext(ctx)
	log.Printf("chat server listening on %s", s.httpAddr)
	group.Go(func() error {
		err := s.httpServer.ListenAndServe()
		if err == nil || errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	})
	group.Go(func() error {
		<-groupCtx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()
		if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// Close drains live connections and releases the backends.
func (s *Server) Close() {
	if s == nil {
		return
	}
	if s.handler != nil {
		s.handler.closeConnections()
	}
	closeFanout(s.fanout)
	closeStore(s.store)
}
