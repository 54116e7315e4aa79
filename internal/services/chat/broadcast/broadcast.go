// Package broadcast defines how routed chat messages reach subscribers.
//
// Publishers address rooms and users; the transport opens one mailbox per
// connection and subscribes it to destinations. Delivery is best-effort.
package broadcast

import (
	"context"
	"strings"

	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
)

const (
	roomPrefix    = "room/"
	userPrefix    = "user/"
	historySuffix = "/history"
)

// Destination is a logical address subscribers listen on.
type Destination string

// Room returns the destination every member of roomID listens on.
func Room(roomID string) Destination {
	return Destination(roomPrefix + roomID)
}

// UserHistory returns the private destination history replays are sent to.
func UserHistory(username string) Destination {
	return Destination(userPrefix + username + historySuffix)
}

// RoomID reports the room addressed by d, if d is a room destination.
func (d Destination) RoomID() (string, bool) {
	value := string(d)
	if !strings.HasPrefix(value, roomPrefix) {
		return "", false
	}
	return strings.TrimPrefix(value, roomPrefix), true
}

// Username reports the user addressed by d, if d is a user history destination.
func (d Destination) Username() (string, bool) {
	value := string(d)
	if !strings.HasPrefix(value, userPrefix) || !strings.HasSuffix(value, historySuffix) {
		return "", false
	}
	name := strings.TrimSuffix(strings.TrimPrefix(value, userPrefix), historySuffix)
	if name == "" {
		return "", false
	}
	return name, true
}

// Delivery is one message arriving at a subscribed destination.
type Delivery struct {
	Destination Destination
	Message     domain.Message
}

// Broadcaster publishes routed messages.
//
// An error means the fan-out backbone itself was unreachable; failures to
// reach individual subscribers are not reported.
type Broadcaster interface {
	PublishToRoom(ctx context.Context, roomID string, msg domain.Message) error
	PublishToUser(ctx context.Context, username string, msg domain.Message) error
}

// Sink receives deliveries for one mailbox, in arrival order.
type Sink func(Delivery)

// Mailbox is one connection's subscription set.
type Mailbox interface {
	Subscribe(dest Destination) error
	Unsubscribe(dest Destination) error
	Close() error
}

// Fanout is a Broadcaster that also accepts subscribers.
type Fanout interface {
	Broadcaster
	OpenMailbox(sink Sink) (Mailbox, error)
}
