package server

import (
	"encoding/json"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/Leesowon/chatting-server/internal/platform/timeouts"
	"github.com/Leesowon/chatting-server/internal/services/chat/broadcast"
)

// frameConn is the write side of a client connection.
type frameConn interface {
	io.Writer
	SetWriteDeadline(t time.Time) error
}

type wsPeer struct {
	mu           sync.Mutex
	conn         frameConn
	encoder      *json.Encoder
	writeTimeout time.Duration
}

func newWSPeer(conn frameConn) *wsPeer {
	return &wsPeer{
		conn:         conn,
		encoder:      json.NewEncoder(conn),
		writeTimeout: timeouts.WebSocketWrite,
	}
}

// writeFrame fails once a client stops reading for longer than the write
// timeout, so fan-out never blocks on one slow socket.
func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.writeTimeout > 0 {
		if err := p.conn.SetWriteDeadline(time.Now().Add(p.writeTimeout)); err != nil {
			return err
		}
	}
	return p.encoder.Encode(frame)
}

// wsSession is one connection's identity, mailbox and joined rooms.
type wsSession struct {
	username string
	peer     *wsPeer
	mailbox  broadcast.Mailbox

	mu    sync.Mutex
	rooms map[string]struct{}
}

func newWSSession(username string, peer *wsPeer) *wsSession {
	return &wsSession{
		username: username,
		peer:     peer,
		rooms:    make(map[string]struct{}),
	}
}

func (s *wsSession) markJoined(roomID string) {
	s.mu.Lock()
	s.rooms[roomID] = struct{}{}
	s.mu.Unlock()
}

func (s *wsSession) markLeft(roomID string) {
	s.mu.Lock()
	delete(s.rooms, roomID)
	s.mu.Unlock()
}

func (s *wsSession) joined(roomID string) bool {
	s.mu.Lock()
	_, ok := s.rooms[roomID]
	s.mu.Unlock()
	return ok
}

// joinedRooms returns joined room IDs in a stable order.
func (s *wsSession) joinedRooms() []string {
	s.mu.Lock()
	rooms := make([]string, 0, len(s.rooms))
	for roomID := range s.rooms {
		rooms = append(rooms, roomID)
	}
	s.mu.Unlock()
	sort.Strings(rooms)
	return rooms
}

type membershipKey struct {
	username string
	roomID   string
}

// membership counts the local sessions of one user joined to one room.
type membership struct {
	mu       sync.Mutex
	sessions int // guarded by mu

	holders int // guarded by memberships.mu
}

// memberships tracks, per (username, room), how many sessions on this
// process are joined. Presence is keyed by username, so a user with several
// connections stays present until the last of them leaves or drops.
// Holding a membership's lock serializes joins and leaves for that pair.
type memberships struct {
	mu      sync.Mutex
	entries map[membershipKey]*membership
}

func newMemberships() *memberships {
	return &memberships{entries: make(map[membershipKey]*membership)}
}

// lock returns the locked membership for key, creating it on first use.
func (m *memberships) lock(key membershipKey) *membership {
	m.mu.Lock()
	entry, ok := m.entries[key]
	if !ok {
		entry = &membership{}
		m.entries[key] = entry
	}
	entry.holders++
	m.mu.Unlock()

	entry.mu.Lock()
	return entry
}

// unlock releases entry and forgets it once no session is joined and no
// caller is waiting on it.
func (m *memberships) unlock(key membershipKey, entry *membership) {
	idle := entry.sessions == 0
	entry.mu.Unlock()

	m.mu.Lock()
	entry.holders--
	if entry.holders == 0 && idle {
		delete(m.entries, key)
	}
	m.mu.Unlock()
}
