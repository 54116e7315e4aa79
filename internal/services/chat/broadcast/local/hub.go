// Package local fans chat messages out to mailboxes in the same process.
//
// It is valid for single-instance deployments only.
package local

import (
	"context"
	"errors"
	"sync"

	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
	"github.com/Leesowon/chatting-server/internal/services/chat/domain"
)

var errMailboxClosed = errors.New("mailbox is closed")

// Hub routes published messages to subscribed mailboxes.
type Hub struct {
	mu          sync.RWMutex
	subscribers map[broadcast.Destination]map[*mailbox]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subscribers: make(map[broadcast.Destination]map[*mailbox]struct{})}
}

// PublishToRoom delivers msg to every mailbox subscribed to roomID.
func (h *Hub) PublishToRoom(ctx context.Context, roomID string, msg domain.Message) error {
	return h.publish(ctx, broadcast.Room(roomID), msg)
}

// PublishToUser delivers msg to username's history destination.
func (h *Hub) PublishToUser(ctx context.Context, username string, msg domain.Message) error {
	return h.publish(ctx, broadcast.UserHistory(username), msg)
}

// OpenMailbox registers sink as a new subscriber set.
func (h *Hub) OpenMailbox(sink broadcast.Sink) (broadcast.Mailbox, error) {
	if sink == nil {
		return nil, errors.New("sink is required")
	}
	return &mailbox{hub: h, sink: sink, subscriptions: make(map[broadcast.Destination]struct{})}, nil
}

// subscriberCount reports how many mailboxes listen on dest.
func (h *Hub) subscriberCount(dest broadcast.Destination) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subscribers[dest])
}

func (h *Hub) publish(ctx context.Context, dest broadcast.Destination, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	h.mu.RLock()
	targets := make([]*mailbox, 0, len(h.subscribers[dest]))
	for target := range h.subscribers[dest] {
		targets = append(targets, target)
	}
	h.mu.RUnlock()

	delivery := broadcast.Delivery{Destination: dest, Message: msg}
	for _, target := range targets {
		target.deliver(delivery)
	}
	return nil
}

func (h *Hub) add(dest broadcast.Destination, target *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[dest]
	if !ok {
		set = make(map[*mailbox]struct{})
		h.subscribers[dest] = set
	}
	set[target] = struct{}{}
}

func (h *Hub) remove(dest broadcast.Destination, target *mailbox) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.subscribers[dest]
	if !ok {
		return
	}
	delete(set, target)
	if len(set) == 0 {
		delete(h.subscribers, dest)
	}
}

type mailbox struct {
	hub  *Hub
	sink broadcast.Sink

	// deliverMu serializes sink calls so concurrent publishers never interleave.
	deliverMu sync.Mutex

	mu            sync.Mutex
	closed        bool
	subscriptions map[broadcast.Destination]struct{}
}

func (m *mailbox) Subscribe(dest broadcast.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errMailboxClosed
	}
	if _, ok := m.subscriptions[dest]; ok {
		return nil
	}
	m.subscriptions[dest] = struct{}{}
	m.hub.add(dest, m)
	return nil
}

func (m *mailbox) Unsubscribe(dest broadcast.Destination) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.subscriptions[dest]; !ok {
		return nil
	}
	delete(m.subscriptions, dest)
	m.hub.remove(dest, m)
	return nil
}

func (m *mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	for dest := range m.subscriptions {
		m.hub.remove(dest, m)
	}
	m.subscriptions = nil
	return nil
}

func (m *mailbox) deliver(delivery broadcast.Delivery) {
	m.mu.Lock()
	_, subscribed := m.subscriptions[delivery.Destination]
	m.mu.Unlock()
	if !subscribed {
		return
	}

	m.deliverMu.Lock()
	defer m.deliverMu.Unlock()
	m.sink(delivery)
}
