package domain

import (
	"strings"
	"unicode/utf8"

	apperrors "github.com/Leesowon/chatting-server/internal/platform/errors"
	"golang.org/x/text/unicode/norm"
)

const (
	maxBodyRunes     = 2000
	maxRoomIDRunes   = 128
	maxUsernameRunes = 64
)

// Event is a client-submitted request addressed to a room. Timestamps are
// never taken from clients; the router stamps accepted events itself.
type Event struct {
	Sender string `json:"sender"`
	Body   string `json:"message"`
	RoomID string `json:"roomId"`
	Kind   Kind   `json:"type"`
}

// Normalize returns a copy with identifiers trimmed and in NFC so visually
// identical names map to the same presence entry. The body is kept as sent.
func (e Event) Normalize() Event {
	return Event{
		Sender: NormalizeName(e.Sender),
		Body:   e.Body,
		RoomID: NormalizeName(e.RoomID),
		Kind:   Kind(strings.ToUpper(strings.TrimSpace(string(e.Kind)))),
	}
}

// NormalizeName trims and NFC-normalizes a room ID or username.
func NormalizeName(value string) string {
	return norm.NFC.String(strings.TrimSpace(value))
}

// ValidUsername reports whether a normalized name may act as a sender.
func ValidUsername(name string) bool {
	return name != "" && name != SystemSender && utf8.RuneCountInString(name) <= maxUsernameRunes
}

// Validate checks the preconditions for e's kind. It expects a normalized
// event and returns an INVALID_ARGUMENT error describing the first problem.
func (e Event) Validate() error {
	if !e.Kind.Valid() {
		return invalid("type must be one of CHAT, JOIN, LEAVE")
	}
	if e.RoomID == "" {
		return invalid("roomId is required")
	}
	if utf8.RuneCountInString(e.RoomID) > maxRoomIDRunes {
		return invalid("roomId must be at most 128 characters")
	}
	if e.Sender == "" {
		return invalid("sender is required")
	}
	if utf8.RuneCountInString(e.Sender) > maxUsernameRunes {
		return invalid("sender must be at most 64 characters")
	}
	if e.Sender == SystemSender {
		return invalid("sender name is reserved")
	}
	if e.Kind != KindChat {
		return nil
	}
	if strings.TrimSpace(e.Body) == "" {
		return invalid("message is required")
	}
	if utf8.RuneCountInString(e.Body) > maxBodyRunes {
		return invalid("message must be at most 2000 characters")
	}
	return nil
}

func invalid(message string) error {
	return apperrors.New(apperrors.CodeInvalidArgument, message)
}
