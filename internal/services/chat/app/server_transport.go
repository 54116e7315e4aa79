package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	apperrors "github.com/Leesowon/chatting-server/internal/platform/errors"
	"github.com/Leesowon/chatting-server/internal/platform/requestctx"
	"github.com/Leesowon/chatting-server/internal/platform/telemetry/metrics"
	"github.com/Leesowon/chatting-server/internal/platform/timeouts"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast/local"
	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/identity"
	"github.com/Leesowon/chatting-server/internal/services/chat/router"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage/memory"
	"golang.org/x/net/websocket"
)

type eventRouter interface {
	Handle(ctx context.Context, event domain.Event) (router.Result, error)
	Count(ctx context.Context, roomID string) (int, error)
}

// pinger is a backend that can report whether it is reachable.
type pinger interface {
	Ping(ctx context.Context) error
}

type handlerDeps struct {
	router   eventRouter
	fanout   broadcast.Fanout
	identity identity.Resolver
	metrics  *metrics.Metrics

	// readiness lists the backends /ready checks. Empty means always ready.
	readiness []pinger
}

type chatHandler struct {
	mux  *http.ServeMux
	deps handlerDeps

	memberships *memberships

	mu      sync.Mutex
	closing bool
	conns   map[*websocket.Conn]struct{}
	wg      sync.WaitGroup
}

// NewHandler creates chat routes backed by in-process stores for tests and
// offline paths.
func NewHandler() http.Handler {
	store := memory.New()
	hub := local.NewHub()
	chatRouter, err := router.New(store, store, hub)
	if err != nil {
		panic(err)
	}
	return newChatHandler(handlerDeps{router: chatRouter, fanout: hub})
}

func newChatHandler(deps handlerDeps) *chatHandler {
	h := &chatHandler{
		mux:         http.NewServeMux(),
		deps:        deps,
		memberships: newMemberships(),
		conns:       make(map[*websocket.Conn]struct{}),
	}
	h.mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	h.mux.HandleFunc("GET /ready", h.handleReady)
	h.mux.HandleFunc("GET /rooms/{roomID}/presence", h.handlePresence)
	if deps.metrics != nil {
		h.mux.Handle("GET /metrics", deps.metrics.Handler())
	}

	wsHandler := websocket.Handler(h.handleWSConn)
	h.mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		username := identity.Resolve(r, h.deps.identity)
		wsHandler.ServeHTTP(w, r.WithContext(requestctx.WithUsername(r.Context(), username)))
	})
	return h
}

func (h *chatHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

func (h *chatHandler) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.StoreDial)
	defer cancel()

	for _, backend := range h.deps.readiness {
		if err := backend.Ping(ctx); err != nil {
			log.Printf("chat: readiness check failed backend=%T err=%v", backend, err)
			http.Error(w, "backend unavailable", http.StatusServiceUnavailable)
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (h *chatHandler) handlePresence(w http.ResponseWriter, r *http.Request) {
	roomID := domain.NormalizeName(r.PathValue("roomID"))
	ctx, cancel := context.WithTimeout(r.Context(), timeouts.StoreOperation)
	defer cancel()

	count, err := h.deps.router.Count(ctx, roomID)
	if err != nil {
		status := http.StatusServiceUnavailable
		if apperrors.CodeOf(err) == apperrors.CodeInvalidArgument {
			status = http.StatusBadRequest
		} else {
			log.Printf("chat: presence lookup failed room=%q err=%v", roomID, err)
		}
		http.Error(w, apperrors.MessageOf(err), status)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(presenceResponse{RoomID: roomID, Count: count}); err != nil {
		log.Printf("chat: write presence response: %v", err)
	}
}

// track registers conn unless the handler is shutting down.
func (h *chatHandler) track(conn *websocket.Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closing {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *chatHandler) untrack(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.conns, conn)
	h.mu.Unlock()
	h.wg.Done()
}

// closeConnections closes every live websocket and waits for their
// disconnect cleanup to finish.
func (h *chatHandler) closeConnections() {
	h.mu.Lock()
	h.closing = true
	conns := make([]*websocket.Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	for _, conn := range conns {
		_ = conn.Close()
	}
	h.wg.Wait()
}

func usernameFromConn(conn *websocket.Conn) string {
	if request := conn.Request(); request != nil {
		if username, ok := requestctx.UsernameFromContext(request.Context()); ok {
			return username
		}
	}
	return identity.Anonymous()
}

func (h *chatHandler) handleWSConn(conn *websocket.Conn) {
	if !h.track(conn) {
		_ = conn.Close()
		return
	}
	defer h.untrack(conn)
	defer func() {
		_ = conn.Close()
	}()

	h.deps.metrics.ConnectionOpened()
	defer h.deps.metrics.ConnectionClosed()

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(conn)
	session := newWSSession(usernameFromConn(conn), peer)

	mailbox, err := h.deps.fanout.OpenMailbox(func(delivery broadcast.Delivery) {
		if err := peer.writeFrame(deliveryFrame(delivery)); err != nil {
			log.Printf("chat: deliver failed user=%q dest=%s err=%v", session.username, delivery.Destination, err)
			_ = conn.Close()
		}
	})
	if err != nil {
		log.Printf("chat: open mailbox failed user=%q err=%v", session.username, err)
		_ = writeWSError(peer, "", apperrors.Wrap(apperrors.CodeUnavailable, "broadcast unavailable", err))
		return
	}
	session.mailbox = mailbox
	defer func() {
		// Unblock any delivery still writing to this client before waiting
		// on the mailbox.
		_ = conn.Close()
		if err := mailbox.Close(); err != nil {
			log.Printf("chat: close mailbox user=%q err=%v", session.username, err)
		}
		h.leaveJoinedRooms(session)
	}()

	if err := mailbox.Subscribe(broadcast.UserHistory(session.username)); err != nil {
		log.Printf("chat: subscribe user queue failed user=%q err=%v", session.username, err)
		_ = writeWSError(peer, "", apperrors.Wrap(apperrors.CodeUnavailable, "broadcast unavailable", err))
		return
	}

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", apperrors.New(apperrors.CodeInvalidArgument, "invalid frame payload"))
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "payload too large"))
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeResourceExhausted, "rate limit exceeded"))
			return
		}

		switch frame.Type {
		case frameSend:
			h.handleEventFrame(session, frame, domain.KindChat)
		case frameJoin:
			h.handleEventFrame(session, frame, domain.KindJoin)
		case frameLeave:
			h.handleEventFrame(session, frame, domain.KindLeave)
		default:
			_ = writeWSError(peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "unsupported frame type"))
		}
	}
}

// handleEventFrame decodes an event payload and binds it to the session's
// identity. The frame type decides the event kind.
func (h *chatHandler) handleEventFrame(session *wsSession, frame wsFrame, kind domain.Kind) {
	var event domain.Event
	if err := json.Unmarshal(frame.Payload, &event); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "invalid event payload"))
		return
	}
	event = event.Normalize()
	if event.Kind != "" && event.Kind != kind {
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "payload type does not match frame type"))
		return
	}
	event.Kind = kind
	switch event.Sender {
	case "":
		event.Sender = session.username
	case session.username:
	default:
		_ = writeWSError(session.peer, frame.RequestID, apperrors.New(apperrors.CodeInvalidArgument, "sender must match connection identity"))
		return
	}
	if err := event.Validate(); err != nil {
		_ = writeWSError(session.peer, frame.RequestID, err)
		return
	}

	switch kind {
	case domain.KindJoin:
		h.join(session, frame.RequestID, event)
	case domain.KindLeave:
		h.leave(session, frame.RequestID, event)
	default:
		h.route(session, frame.RequestID, event)
	}
}

// join subscribes the room before routing so the joiner sees its own notice.
func (h *chatHandler) join(session *wsSession, requestID string, event domain.Event) {
	key := membershipKey{username: session.username, roomID: event.RoomID}
	entry := h.memberships.lock(key)
	defer h.memberships.unlock(key, entry)

	dest := broadcast.Room(event.RoomID)
	alreadyJoined := session.joined(event.RoomID)
	if !alreadyJoined {
		if err := session.mailbox.Subscribe(dest); err != nil {
			log.Printf("chat: subscribe room failed user=%q room=%q err=%v", session.username, event.RoomID, err)
			_ = writeWSError(session.peer, requestID, apperrors.Wrap(apperrors.CodeUnavailable, "broadcast unavailable", err))
			return
		}
	}
	if !h.route(session, requestID, event) {
		if !alreadyJoined {
			_ = session.mailbox.Unsubscribe(dest)
		}
		return
	}
	if !alreadyJoined {
		entry.sessions++
	}
	session.markJoined(event.RoomID)
}

// leave unsubscribes only after the leave notice has been routed. An explicit
// leave always reaches the router, even when other sessions of the same user
// remain in the room.
func (h *chatHandler) leave(session *wsSession, requestID string, event domain.Event) {
	key := membershipKey{username: session.username, roomID: event.RoomID}
	entry := h.memberships.lock(key)
	defer h.memberships.unlock(key, entry)

	if !h.route(session, requestID, event) {
		return
	}
	if session.joined(event.RoomID) && entry.sessions > 0 {
		entry.sessions--
	}
	session.markLeft(event.RoomID)
	if err := session.mailbox.Unsubscribe(broadcast.Room(event.RoomID)); err != nil {
		log.Printf("chat: unsubscribe room failed user=%q room=%q err=%v", session.username, event.RoomID, err)
	}
}

func (h *chatHandler) route(session *wsSession, requestID string, event domain.Event) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOperation)
	defer cancel()

	if _, err := h.deps.router.Handle(ctx, event); err != nil {
		if apperrors.CodeOf(err) != apperrors.CodeInvalidArgument {
			log.Printf("chat: route %s failed user=%q room=%q err=%v", event.Kind, session.username, event.RoomID, err)
		}
		_ = writeWSError(session.peer, requestID, err)
		return false
	}
	return true
}

// leaveJoinedRooms keeps presence consistent when a connection drops without
// leaving. A room is left only when this was the user's last local session in
// it.
func (h *chatHandler) leaveJoinedRooms(session *wsSession) {
	for _, roomID := range session.joinedRooms() {
		h.dropMembership(session, roomID)
	}
}

func (h *chatHandler) dropMembership(session *wsSession, roomID string) {
	key := membershipKey{username: session.username, roomID: roomID}
	entry := h.memberships.lock(key)
	defer h.memberships.unlock(key, entry)

	session.markLeft(roomID)
	if entry.sessions > 0 {
		entry.sessions--
	}
	if entry.sessions > 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeouts.StoreOperation)
	defer cancel()
	_, err := h.deps.router.Handle(ctx, domain.Event{
		Sender: session.username,
		RoomID: roomID,
		Kind:   domain.KindLeave,
	})
	if err != nil {
		log.Printf("chat: disconnect leave failed user=%q room=%q err=%v", session.username, roomID, err)
	}
}

func deliveryFrame(delivery broadcast.Delivery) wsFrame {
	return wsFrame{
		Type:        frameMessage,
		Destination: string(delivery.Destination),
		Payload:     mustJSON(delivery.Message),
	}
}

func writeWSError(peer *wsPeer, requestID string, err error) error {
	code := apperrors.CodeOf(err)
	return peer.writeFrame(wsFrame{
		Type:      frameError,
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      string(code),
				Message:   apperrors.MessageOf(err),
				Retryable: code.Retryable(),
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}
