package broadcast

import "testing"

func TestRoomDestination(t *testing.T) {
	t.Parallel()

	dest := Room("general")
	if dest != "room/general" {
		t.Fatalf("Room = %q, want %q", dest, "room/general")
	}
	roomID, ok := dest.RoomID()
	if !ok || roomID != "general" {
		t.Fatalf("RoomID = (%q, %v), want (%q, true)", roomID, ok, "general")
	}
	if _, ok := dest.Username(); ok {
		t.Fatal("expected room destination to carry no username")
	}
}

func TestUserHistoryDestination(t *testing.T) {
	t.Parallel()

	dest := UserHistory("alice")
	if dest != "user/alice/history" {
		t.Fatalf("UserHistory = %q, want %q", dest, "user/alice/history")
	}
	name, ok := dest.Username()
	if !ok || name != "alice" {
		t.Fatalf("Username = (%q, %v), want (%q, true)", name, ok, "alice")
	}
	if _, ok := dest.RoomID(); ok {
		t.Fatal("expected user destination to carry no room")
	}
}

func TestDestinationRejectsMalformedUser(t *testing.T) {
	t.Parallel()

	for _, dest := range []Destination{"user//history", "user/alice", "alice/history"} {
		if _, ok := dest.Username(); ok {
			t.Fatalf("Username(%q) ok = true, want false", dest)
		}
	}
}
