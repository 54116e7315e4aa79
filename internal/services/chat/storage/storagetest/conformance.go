// Package storagetest provides a conformance suite shared by every
// storage.Store backend.
package storagetest

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
	"github.com/Leesowon/chatting-server/internal/services/chat/storage"
)

// Factory opens a fresh, empty store for one subtest.
type Factory func(t *testing.T) storage.Store

// Run exercises the presence and history contracts against newStore.
func Run(t *testing.T, newStore Factory) {
	t.Helper()

	t.Run("EmptyRoomReadsEmpty", func(t *testing.T) {
		store := newStore(t)
		history, err := store.Read(context.Background(), "untouched")
		if err != nil {
			t.Fatalf("read untouched room: %v", err)
		}
		if len(history) != 0 {
			t.Fatalf("history length = %d, want 0", len(history))
		}
		count, err := store.Count(context.Background(), "untouched")
		if err != nil {
			t.Fatalf("count untouched room: %v", err)
		}
		if count != 0 {
			t.Fatalf("count = %d, want 0", count)
		}
	})

	t.Run("AppendKeepsArrivalOrder", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < 3; i++ {
			if err := store.Append(ctx, "general", chatMessage("general", i)); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		history := mustRead(t, store, "general")
		if len(history) != 3 {
			t.Fatalf("history length = %d, want 3", len(history))
		}
		for i, msg := range history {
			if want := fmt.Sprintf("m%d", i); msg.Body != want {
				t.Fatalf("history[%d].Body = %q, want %q", i, msg.Body, want)
			}
		}
		if history[0] != chatMessage("general", 0) {
			t.Fatalf("history[0] = %+v, want round-tripped message", history[0])
		}
	})

	t.Run("AppendEvictsOldestPastLimit", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		for i := 0; i < storage.HistoryLimit; i++ {
			if err := store.Append(ctx, "general", chatMessage("general", i)); err != nil {
				t.Fatalf("append %d: %v", i, err)
			}
		}
		before := mustRead(t, store, "general")
		if len(before) != storage.HistoryLimit {
			t.Fatalf("history length = %d, want %d", len(before), storage.HistoryLimit)
		}

		next := chatMessage("general", storage.HistoryLimit)
		if err := store.Append(ctx, "general", next); err != nil {
			t.Fatalf("append overflow: %v", err)
		}
		after := mustRead(t, store, "general")
		if len(after) != storage.HistoryLimit {
			t.Fatalf("history length = %d, want %d", len(after), storage.HistoryLimit)
		}
		for i := 0; i < storage.HistoryLimit-1; i++ {
			if after[i] != before[i+1] {
				t.Fatalf("after[%d] = %q, want %q", i, after[i].Body, before[i+1].Body)
			}
		}
		if after[storage.HistoryLimit-1] != next {
			t.Fatalf("tail = %q, want %q", after[storage.HistoryLimit-1].Body, next.Body)
		}
	})

	t.Run("ReadReturnsSnapshot", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Append(ctx, "general", chatMessage("general", 0)); err != nil {
			t.Fatalf("append: %v", err)
		}
		snapshot := mustRead(t, store, "general")
		if err := store.Append(ctx, "general", chatMessage("general", 1)); err != nil {
			t.Fatalf("append: %v", err)
		}
		if len(snapshot) != 1 || snapshot[0].Body != "m0" {
			t.Fatalf("snapshot changed after append: %+v", snapshot)
		}
	})

	t.Run("RoomsAreIsolated", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Append(ctx, "general", chatMessage("general", 0)); err != nil {
			t.Fatalf("append: %v", err)
		}
		if err := store.Join(ctx, "general", "Alice"); err != nil {
			t.Fatalf("join: %v", err)
		}
		if got := mustRead(t, store, "random"); len(got) != 0 {
			t.Fatalf("random history length = %d, want 0", len(got))
		}
		if got := mustCount(t, store, "random"); got != 0 {
			t.Fatalf("random count = %d, want 0", got)
		}
	})

	t.Run("JoinIsIdempotent", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Join(ctx, "general", "Alice"); err != nil {
			t.Fatalf("join: %v", err)
		}
		if err := store.Join(ctx, "general", "Alice"); err != nil {
			t.Fatalf("rejoin: %v", err)
		}
		if got := mustCount(t, store, "general"); got != 1 {
			t.Fatalf("count = %d, want 1", got)
		}
	})

	t.Run("LeaveAbsentIsNoop", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()
		if err := store.Join(ctx, "general", "Bob"); err != nil {
			t.Fatalf("join: %v", err)
		}
		if err := store.Leave(ctx, "general", "Alice"); err != nil {
			t.Fatalf("leave absent: %v", err)
		}
		if got := mustCount(t, store, "general"); got != 1 {
			t.Fatalf("count = %d, want 1", got)
		}
		if err := store.Leave(ctx, "general", "Bob"); err != nil {
			t.Fatalf("leave: %v", err)
		}
		if got := mustCount(t, store, "general"); got != 0 {
			t.Fatalf("count = %d, want 0", got)
		}
	})

	t.Run("ConcurrentAppendsStayBounded", func(t *testing.T) {
		store := newStore(t)
		ctx := context.Background()

		const writers = 8
		const perWriter = 40
		var wg sync.WaitGroup
		errs := make(chan error, writers*perWriter)
		for w := 0; w < writers; w++ {
			wg.Add(1)
			go func(w int) {
				defer wg.Done()
				for i := 0; i < perWriter; i++ {
					if err := store.Append(ctx, "busy", chatMessage("busy", w*perWriter+i)); err != nil {
						errs <- err
						return
					}
					history, err := store.Read(ctx, "busy")
					if err != nil {
						errs <- err
						return
					}
					if len(history) > storage.HistoryLimit {
						errs <- fmt.Errorf("observed %d entries", len(history))
						return
					}
				}
			}(w)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			t.Fatalf("concurrent append: %v", err)
		}
		if got := len(mustRead(t, store, "busy")); got != storage.HistoryLimit {
			t.Fatalf("history length = %d, want %d", got, storage.HistoryLimit)
		}
	})
}

func chatMessage(roomID string, i int) domain.Message {
	at := time.UnixMilli(1700000000000 + int64(i))
	return domain.NewMessage(domain.KindChat, "Alice", fmt.Sprintf("m%d", i), roomID, at)
}

func mustRead(t *testing.T, store storage.HistoryStore, roomID string) []domain.Message {
	t.Helper()
	history, err := store.Read(context.Background(), roomID)
	if err != nil {
		t.Fatalf("read %s: %v", roomID, err)
	}
	return history
}

func mustCount(t *testing.T, store storage.PresenceStore, roomID string) int {
	t.Helper()
	count, err := store.Count(context.Background(), roomID)
	if err != nil {
		t.Fatalf("count %s: %v", roomID, err)
	}
	return count
}
