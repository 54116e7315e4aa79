package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage/storagetest"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	server := miniredis.RunT(t)
	store := New(goredis.NewClient(&goredis.Options{Addr: server.Addr()}))
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store, server
}

func sampleMessage() domain.Message {
	return domain.NewMessage(domain.KindChat, "Alice", "hi", "general", time.UnixMilli(1700000000000))
}

func TestStoreConformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		store, _ := newTestStore(t)
		return store
	})
}

func TestOpenRequiresURL(t *testing.T) {
	if _, err := Open(context.Background(), " "); err == nil {
		t.Fatal("expected empty url error")
	}
}

func TestOpenPingsServer(t *testing.T) {
	server := miniredis.RunT(t)

	store, err := Open(context.Background(), "redis://"+server.Addr()+"/0")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestStoreUsesDocumentedKeys(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if err := store.Join(ctx, "general", "Alice"); err != nil {
		t.Fatalf("join: %v", err)
	}
	members, err := server.Members("chat:users:general")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 1 || members[0] != "Alice" {
		t.Fatalf("members = %v, want [Alice]", members)
	}

	if err := store.Append(ctx, "general", sampleMessage()); err != nil {
		t.Fatalf("append: %v", err)
	}
	list, err := server.List("chat:history:general")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := `{"sender":"Alice","message":"hi","roomId":"general","timestamp":1700000000000,"type":"CHAT"}`
	if len(list) != 1 || list[0] != want {
		t.Fatalf("history list = %v, want [%s]", list, want)
	}
}

func TestReadSkipsUndecodableEntries(t *testing.T) {
	store, server := newTestStore(t)
	ctx := context.Background()

	if _, err := server.Push("chat:history:general", "not-json"); err != nil {
		t.Fatalf("seed list: %v", err)
	}
	if err := store.Append(ctx, "general", sampleMessage()); err != nil {
		t.Fatalf("append: %v", err)
	}

	history, err := store.Read(ctx, "general")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(history) != 1 || history[0].Body != "hi" {
		t.Fatalf("history = %+v, want single decoded message", history)
	}
}

func TestStoreErrorsWhenServerDown(t *testing.T) {
	store, server := newTestStore(t)
	server.Close()

	if err := store.Append(context.Background(), "general", sampleMessage()); err == nil {
		t.Fatal("expected append error with server down")
	}
	if _, err := store.Count(context.Background(), "general"); err == nil {
		t.Fatal("expected count error with server down")
	}
}
