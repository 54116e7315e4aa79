package natsrelay

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

func runServer(t *testing.T) *natsserver.Server {
	t.Helper()
	srv, err := natsserver.NewServer(&natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	})
	if err != nil {
		t.Fatalf("new nats server: %v", err)
	}
	go srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		t.Fatal("nats server not ready")
	}
	t.Cleanup(srv.Shutdown)
	return srv
}

func connectRelay(t *testing.T, srv *natsserver.Server) *Relay {
	t.Helper()
	relay, err := Connect(Options{URL: srv.ClientURL(), Name: t.Name()})
	if err != nil {
		t.Fatalf("connect relay: %v", err)
	}
	t.Cleanup(func() {
		_ = relay.Close()
	})
	return relay
}

type recorder struct {
	mu         sync.Mutex
	deliveries []broadcast.Delivery
	notify     chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) sink(delivery broadcast.Delivery) {
	r.mu.Lock()
	r.deliveries = append(r.deliveries, delivery)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, count int) []broadcast.Delivery {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		if len(r.deliveries) >= count {
			got := append([]broadcast.Delivery(nil), r.deliveries...)
			r.mu.Unlock()
			return got
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-deadline:
			t.Fatalf("timed out waiting for %d deliveries", count)
		}
	}
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.deliveries)
}

func chatMessage(body string) domain.Message {
	return domain.NewMessage(domain.KindChat, "Alice", body, "general", time.UnixMilli(1700000000000))
}

func TestSubjectsEncodeNames(t *testing.T) {
	t.Parallel()

	room := RoomSubject("general.*")
	if !strings.HasPrefix(room, "chat.room.") || strings.ContainsAny(strings.TrimPrefix(room, "chat.room."), ".*> ") {
		t.Fatalf("RoomSubject = %q, want single encoded token", room)
	}
	user := UserSubject("alice")
	if user != "chat.user.YWxpY2U.history" {
		t.Fatalf("UserSubject = %q, want %q", user, "chat.user.YWxpY2U.history")
	}
	if _, err := SubjectFor(broadcast.Destination("elsewhere")); err == nil {
		t.Fatal("expected unsupported destination error")
	}
}

func TestConnectRequiresURL(t *testing.T) {
	t.Parallel()

	if _, err := Connect(Options{}); err == nil {
		t.Fatal("expected missing url error")
	}
}

func TestRoomBroadcastCrossesRelays(t *testing.T) {
	t.Parallel()

	srv := runServer(t)
	first := connectRelay(t, srv)
	second := connectRelay(t, srv)

	rec := newRecorder()
	box, err := second.OpenMailbox(rec.sink)
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	t.Cleanup(func() {
		_ = box.Close()
	})
	if err := box.Subscribe(broadcast.Room("general")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	msg := chatMessage("hi")
	if err := first.PublishToRoom(context.Background(), "general", msg); err != nil {
		t.Fatalf("publish: %v", err)
	}

	got := rec.waitFor(t, 1)
	if got[0].Destination != broadcast.Room("general") {
		t.Fatalf("destination = %q, want %q", got[0].Destination, broadcast.Room("general"))
	}
	if got[0].Message != msg {
		t.Fatalf("message = %+v, want %+v", got[0].Message, msg)
	}
}

func TestMailboxKeepsOrderAcrossDestinations(t *testing.T) {
	t.Parallel()

	srv := runServer(t)
	relay := connectRelay(t, srv)

	rec := newRecorder()
	box, err := relay.OpenMailbox(rec.sink)
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	t.Cleanup(func() {
		_ = box.Close()
	})
	if err := box.Subscribe(broadcast.UserHistory("Bob")); err != nil {
		t.Fatalf("subscribe user: %v", err)
	}
	if err := box.Subscribe(broadcast.Room("general")); err != nil {
		t.Fatalf("subscribe room: %v", err)
	}

	ctx := context.Background()
	bodies := []string{"h1", "h2", "h3"}
	for _, body := range bodies {
		if err := relay.PublishToUser(ctx, "Bob", chatMessage(body)); err != nil {
			t.Fatalf("publish user: %v", err)
		}
	}
	if err := relay.PublishToRoom(ctx, "general", chatMessage("joined")); err != nil {
		t.Fatalf("publish room: %v", err)
	}

	got := rec.waitFor(t, 4)
	want := append(bodies, "joined")
	for i, body := range want {
		if got[i].Message.Body != body {
			t.Fatalf("delivery[%d] body = %q, want %q", i, got[i].Message.Body, body)
		}
	}
	if got[3].Destination != broadcast.Room("general") {
		t.Fatalf("last destination = %q, want room/general", got[3].Destination)
	}
}

func TestUnsubscribeStopsRoomDelivery(t *testing.T) {
	t.Parallel()

	srv := runServer(t)
	relay := connectRelay(t, srv)

	rec := newRecorder()
	box, err := relay.OpenMailbox(rec.sink)
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	t.Cleanup(func() {
		_ = box.Close()
	})
	if err := box.Subscribe(broadcast.Room("general")); err != nil {
		t.Fatalf("subscribe room: %v", err)
	}
	if err := box.Subscribe(broadcast.UserHistory("Bob")); err != nil {
		t.Fatalf("subscribe user: %v", err)
	}
	if err := box.Unsubscribe(broadcast.Room("general")); err != nil {
		t.Fatalf("unsubscribe: %v", err)
	}

	ctx := context.Background()
	if err := relay.PublishToRoom(ctx, "general", chatMessage("missed")); err != nil {
		t.Fatalf("publish room: %v", err)
	}
	if err := relay.PublishToUser(ctx, "Bob", chatMessage("marker")); err != nil {
		t.Fatalf("publish user: %v", err)
	}

	got := rec.waitFor(t, 1)
	if got[0].Message.Body != "marker" {
		t.Fatalf("first delivery body = %q, want %q", got[0].Message.Body, "marker")
	}
	if n := rec.count(); n != 1 {
		t.Fatalf("deliveries = %d, want 1", n)
	}
}

func TestPublishFailsAfterClose(t *testing.T) {
	t.Parallel()

	srv := runServer(t)
	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	relay := New(conn)
	conn.Close()

	if err := relay.PublishToRoom(context.Background(), "general", chatMessage("hi")); err == nil {
		t.Fatal("expected publish on closed connection to fail")
	}
	if _, err := relay.OpenMailbox(func(broadcast.Delivery) {}); err == nil {
		t.Fatal("expected open mailbox on closed connection to fail")
	}
	if err := relay.Close(); err != nil {
		t.Fatalf("close borrowed relay: %v", err)
	}
}

func TestMailboxCloseIsIdempotent(t *testing.T) {
	t.Parallel()

	srv := runServer(t)
	relay := connectRelay(t, srv)
	box, err := relay.OpenMailbox(func(broadcast.Delivery) {})
	if err != nil {
		t.Fatalf("open mailbox: %v", err)
	}
	if err := box.Subscribe(broadcast.Room("general")); err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	if err := box.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := box.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := box.Subscribe(broadcast.Room("general")); err == nil {
		t.Fatal("expected subscribe after close to fail")
	}
}

func TestPingReportsLinkState(t *testing.T) {
	t.Parallel()

	srv := runServer(t)
	relay := connectRelay(t, srv)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := relay.Ping(ctx); err != nil {
		t.Fatalf("ping live relay: %v", err)
	}

	conn, err := nats.Connect(srv.ClientURL())
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	closed := New(conn)
	conn.Close()
	if err := closed.Ping(ctx); err == nil {
		t.Fatal("expected ping on closed connection to fail")
	}
}
