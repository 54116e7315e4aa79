// Package router applies chat events to room state and fans out the results.
//
// The router holds no room state of its own. Presence and history live in
// the stores, and every delivery goes through the Broadcaster.
package router

import (
	"context"
	"errors"
	"strings"
	"time"

	apperrors "github.com/Leesowon/chatting-server/internal/platform/errors"
	"github.com/Leesowon/chatting-server/internal/platform/telemetry/metrics"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Leesowon/chatting-server/internal/services/chat/router"

// Result describes what an accepted event produced.
type Result struct {
	// Message is the room broadcast: the chat message or the presence notice.
	Message domain.Message
	// Replayed counts history entries sent to a joining user.
	Replayed int
}

// Option customizes a Router.
type Option func(*Router)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(r *Router) {
		if now != nil {
			r.now = now
		}
	}
}

// WithMetrics records event outcomes and store latency.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// Router is safe for concurrent use.
type Router struct {
	presence    storage.PresenceStore
	history     storage.HistoryStore
	broadcaster broadcast.Broadcaster
	now         func() time.Time
	metrics     *metrics.Metrics
	tracer      trace.Tracer
}

// New builds a router over the given stores and broadcaster.
func New(presence storage.PresenceStore, history storage.HistoryStore, broadcaster broadcast.Broadcaster, opts ...Option) (*Router, error) {
	if presence == nil {
		return nil, errors.New("presence store is required")
	}
	if history == nil {
		return nil, errors.New("history store is required")
	}
	if broadcaster == nil {
		return nil, errors.New("broadcaster is required")
	}
	r := &Router{
		presence:    presence,
		history:     history,
		broadcaster: broadcaster,
		now:         time.Now,
		tracer:      otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

// Handle validates event and applies it.
//
// Validation failures return INVALID_ARGUMENT before any store is touched.
// Store or backbone failures return UNAVAILABLE, and nothing is broadcast
// after a failed store operation. Store writes are not rolled back when the
// following publish fails: a CHAT accepted into history stays there and
// reaches clients only through a later JOIN replay.
func (r *Router) Handle(ctx context.Context, event domain.Event) (Result, error) {
	event = event.Normalize()
	ctx, span := r.tracer.Start(ctx, "chat.router/"+kindLabel(event.Kind), trace.WithAttributes(
		attribute.String("chat.room_id", event.RoomID),
		attribute.String("chat.sender", event.Sender),
	))
	defer span.End()

	if err := event.Validate(); err != nil {
		r.metrics.ObserveEvent(kindLabel(event.Kind), metrics.OutcomeRejected)
		span.SetStatus(codes.Error, "invalid event")
		return Result{}, err
	}

	var (
		result Result
		err    error
	)
	switch event.Kind {
	case domain.KindChat:
		result, err = r.handleChat(ctx, event)
	case domain.KindJoin:
		result, err = r.handleJoin(ctx, event)
	case domain.KindLeave:
		result, err = r.handleLeave(ctx, event)
	}
	if err != nil {
		r.metrics.ObserveEvent(kindLabel(event.Kind), outcomeOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, apperrors.MessageOf(err))
		return Result{}, err
	}
	r.metrics.ObserveEvent(kindLabel(event.Kind), metrics.OutcomeAccepted)
	span.SetAttributes(attribute.Int("chat.replayed", result.Replayed))
	return result, nil
}

// Count returns the number of users present in roomID.
func (r *Router) Count(ctx context.Context, roomID string) (int, error) {
	roomID = domain.NormalizeName(roomID)
	if roomID == "" {
		return 0, apperrors.New(apperrors.CodeInvalidArgument, "roomId is required")
	}
	start := time.Now()
	count, err := r.presence.Count(ctx, roomID)
	r.metrics.ObserveStore("count", start)
	if err != nil {
		return 0, unavailable("presence lookup unavailable", err)
	}
	return count, nil
}

func (r *Router) handleChat(ctx context.Context, event domain.Event) (Result, error) {
	msg := domain.NewMessage(domain.KindChat, event.Sender, event.Body, event.RoomID, r.now())

	start := time.Now()
	err := r.history.Append(ctx, event.RoomID, msg)
	r.metrics.ObserveStore("append", start)
	if err != nil {
		return Result{}, unavailable("history unavailable", err)
	}

	if err := r.publishRoom(ctx, msg); err != nil {
		return Result{}, err
	}
	return Result{Message: msg}, nil
}

func (r *Router) handleJoin(ctx context.Context, event domain.Event) (Result, error) {
	start := time.Now()
	err := r.presence.Join(ctx, event.RoomID, event.Sender)
	r.metrics.ObserveStore("join", start)
	if err != nil {
		return Result{}, unavailable("presence unavailable", err)
	}

	start = time.Now()
	history, err := r.history.Read(ctx, event.RoomID)
	r.metrics.ObserveStore("read", start)
	if err != nil {
		return Result{}, unavailable("history unavailable", err)
	}

	for _, entry := range history {
		if err := r.broadcaster.PublishToUser(ctx, event.Sender, entry); err != nil {
			return Result{}, unavailable("broadcast unavailable", err)
		}
		r.metrics.ObserveDelivery(metrics.SurfaceUser)
	}

	notice := domain.JoinNotice(event.Sender, event.RoomID, r.now())
	if err := r.publishRoom(ctx, notice); err != nil {
		return Result{}, err
	}
	return Result{Message: notice, Replayed: len(history)}, nil
}

func (r *Router) handleLeave(ctx context.Context, event domain.Event) (Result, error) {
	start := time.Now()
	err := r.presence.Leave(ctx, event.RoomID, event.Sender)
	r.metrics.ObserveStore("leave", start)
	if err != nil {
		return Result{}, unavailable("presence unavailable", err)
	}

	notice := domain.LeaveNotice(event.Sender, event.RoomID, r.now())
	if err := r.publishRoom(ctx, notice); err != nil {
		return Result{}, err
	}
	return Result{Message: notice}, nil
}

func (r *Router) publishRoom(ctx context.Context, msg domain.Message) error {
	if err := r.broadcaster.PublishToRoom(ctx, msg.RoomID, msg); err != nil {
		return unavailable("broadcast unavailable", err)
	}
	r.metrics.ObserveDelivery(metrics.SurfaceRoom)
	return nil
}

func unavailable(message string, cause error) error {
	return apperrors.Wrap(apperrors.CodeUnavailable, message, cause)
}

func outcomeOf(err error) string {
	if apperrors.CodeOf(err) == apperrors.CodeInvalidArgument {
		return metrics.OutcomeRejected
	}
	return metrics.OutcomeUnavailable
}

func kindLabel(kind domain.Kind) string {
	if !kind.Valid() {
		return "invalid"
	}
	return strings.ToLower(string(kind))
}
