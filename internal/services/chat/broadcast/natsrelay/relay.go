// Package natsrelay fans chat messages out across processes through NATS.
//
// Each destination maps to one subject. A mailbox funnels all of its
// subscriptions into a single channel so deliveries keep arrival order
// across destinations.
package natsrelay

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/Leesowon/chatting-server/internal/platform/timeouts"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

const (
	roomSubjectPrefix   = "chat.room."
	userSubjectPrefix   = "chat.user."
	userSubjectSuffix   = ".history"
	mailboxBuffer       = 256
	maxPingsOutstanding = 3
)

const tracerName = "github.com/Leesowon/chatting-server/internal/services/chat/broadcast/natsrelay"

var errMailboxClosed = errors.New("mailbox is closed")

// Options configures the relay connection.
type Options struct {
	URL       string
	User      string
	Password  string
	Name      string
	Heartbeat time.Duration
}

// Relay publishes and subscribes chat destinations over one NATS connection.
type Relay struct {
	conn  *nats.Conn
	owned bool
}

// Connect dials NATS with heartbeat and reconnect handling.
func Connect(opts Options) (*Relay, error) {
	url := strings.TrimSpace(opts.URL)
	if url == "" {
		return nil, fmt.Errorf("nats url is required")
	}
	heartbeat := opts.Heartbeat
	if heartbeat <= 0 {
		heartbeat = timeouts.RelayHeartbeat
	}
	name := strings.TrimSpace(opts.Name)
	if name == "" {
		name = "chat-relay"
	}

	natsOpts := []nats.Option{
		nats.Name(name),
		nats.PingInterval(heartbeat),
		nats.MaxPingsOutstanding(maxPingsOutstanding),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.Timeout(timeouts.StoreDial),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("relay: disconnected err=%v", err)
				return
			}
			log.Printf("relay: disconnected")
		}),
		nats.ReconnectHandler(func(conn *nats.Conn) {
			log.Printf("relay: reconnected url=%s", conn.ConnectedUrlRedacted())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Printf("relay: connection closed")
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	conn, err := nats.Connect(url, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("connect nats: %w", err)
	}
	return &Relay{conn: conn, owned: true}, nil
}

// New wraps an existing connection. The caller keeps ownership of conn.
func New(conn *nats.Conn) *Relay {
	return &Relay{conn: conn}
}

// Ping round-trips to the server. ctx must carry a deadline.
func (r *Relay) Ping(ctx context.Context) error {
	if err := r.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("flush nats: %w", err)
	}
	return nil
}

// Close drains the connection when the relay dialed it.
func (r *Relay) Close() error {
	if r == nil || r.conn == nil || !r.owned {
		return nil
	}
	if err := r.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("drain nats: %w", err)
	}
	return nil
}

// RoomSubject returns the subject carrying roomID's broadcasts.
func RoomSubject(roomID string) string {
	return roomSubjectPrefix + encodeToken(roomID)
}

// UserSubject returns the subject carrying username's history replays.
func UserSubject(username string) string {
	return userSubjectPrefix + encodeToken(username) + userSubjectSuffix
}

// SubjectFor maps a destination to its subject.
func SubjectFor(dest broadcast.Destination) (string, error) {
	if roomID, ok := dest.RoomID(); ok && roomID != "" {
		return RoomSubject(roomID), nil
	}
	if username, ok := dest.Username(); ok {
		return UserSubject(username), nil
	}
	return "", fmt.Errorf("unsupported destination %q", dest)
}

// Room and user names may contain subject separators and wildcards.
func encodeToken(value string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(value))
}

// PublishToRoom publishes msg on roomID's subject.
func (r *Relay) PublishToRoom(ctx context.Context, roomID string, msg domain.Message) error {
	return r.publish(ctx, RoomSubject(roomID), msg)
}

// PublishToUser publishes msg on username's history subject.
func (r *Relay) PublishToUser(ctx context.Context, username string, msg domain.Message) error {
	return r.publish(ctx, UserSubject(username), msg)
}

func (r *Relay) publish(ctx context.Context, subject string, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode relay message: %w", err)
	}
	out := nats.NewMsg(subject)
	out.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(out.Header))
	if err := r.conn.PublishMsg(out); err != nil {
		return fmt.Errorf("publish %s: %w", subject, err)
	}
	return nil
}

// OpenMailbox starts a delivery loop feeding sink.
func (r *Relay) OpenMailbox(sink broadcast.Sink) (broadcast.Mailbox, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	if r.conn.IsClosed() {
		return nil, nats.ErrConnectionClosed
	}
	box := &mailbox{
		conn:          r.conn,
		sink:          sink,
		inbox:         make(chan *nats.Msg, mailboxBuffer),
		done:          make(chan struct{}),
		subscriptions: make(map[broadcast.Destination]*nats.Subscription),
		subjects:      make(map[string]broadcast.Destination),
	}
	box.wg.Add(1)
	go box.run()
	return box, nil
}

type mailbox struct {
	conn  *nats.Conn
	sink  broadcast.Sink
	inbox chan *nats.Msg
	done  chan struct{}
	wg    sync.WaitGroup

	mu            sync.Mutex
	closed        bool
	subscriptions map[broadcast.Destination]*nats.Subscription
	subjects      map[string]broadcast.Destination
}

func (m *mailbox) Subscribe(dest broadcast.Destination) error {
	subject, err := SubjectFor(dest)
	if err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMailboxClosed
	}
	if _, ok := m.subscriptions[dest]; ok {
		return nil
	}
	sub, err := m.conn.ChanSubscribe(subject, m.inbox)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	// The server must know the interest before anything is published to it.
	if err := m.conn.FlushTimeout(timeouts.StoreOperation); err != nil {
		_ = sub.Unsubscribe()
		return fmt.Errorf("flush subscribe %s: %w", subject, err)
	}
	m.subscriptions[dest] = sub
	m.subjects[subject] = dest
	return nil
}

func (m *mailbox) Unsubscribe(dest broadcast.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	sub, ok := m.subscriptions[dest]
	if !ok {
		return nil
	}
	delete(m.subscriptions, dest)
	delete(m.subjects, sub.Subject)
	if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		return fmt.Errorf("unsubscribe %s: %w", sub.Subject, err)
	}
	return nil
}

func (m *mailbox) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	var errs []error
	for dest, sub := range m.subscriptions {
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			errs = append(errs, fmt.Errorf("unsubscribe %s: %w", dest, err))
		}
	}
	m.subscriptions = nil
	m.subjects = nil
	m.mu.Unlock()

	close(m.done)
	m.wg.Wait()
	return errors.Join(errs...)
}

func (m *mailbox) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.done:
			return
		case in := <-m.inbox:
			m.deliver(in)
		}
	}
}

func (m *mailbox) deliver(in *nats.Msg) {
	m.mu.Lock()
	dest, ok := m.subjects[in.Subject]
	m.mu.Unlock()
	if !ok {
		return
	}
	ctx := otel.GetTextMapPropagator().Extract(context.Background(), propagation.HeaderCarrier(in.Header))
	_, span := otel.Tracer(tracerName).Start(ctx, "chat.relay/deliver", trace.WithSpanKind(trace.SpanKindConsumer))
	defer span.End()

	var msg domain.Message
	if err := json.Unmarshal(in.Data, &msg); err != nil {
		log.Printf("relay: drop undecodable message subject=%s err=%v", in.Subject, err)
		return
	}
	m.sink(broadcast.Delivery{Destination: dest, Message: msg})
}
