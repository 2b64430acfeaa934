package hub

import (
	"log/slog"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// RoomGroup is the set of connections on this process that receive broadcasts
// for one room. Global room membership is the union of every process's group,
// stitched together by the backplane.
//
// Concurrency guarantees:
// - Join/Leave are safe under concurrent Broadcast.
// - Broadcast never blocks (drops under backpressure).
// - Broadcast is panic-safe because Client.Send is never closed by the server.
type RoomGroup struct {
	log  *slog.Logger
	Name string

	mu      sync.RWMutex
	members map[string]*Client
}

// NewRoomGroup constructs an empty group for a room name.
func NewRoomGroup(log *slog.Logger, name string) *RoomGroup {
	return &RoomGroup{
		log:     log,
		Name:    name,
		members: make(map[string]*Client),
	}
}

// Join adds a client to the group.
// Unlike disconnect handling, joining never tears the client down.
func (g *RoomGroup) Join(client *Client) {
	if g == nil || client == nil || client.SessionID == "" {
		return
	}

	g.mu.Lock()
	g.members[client.SessionID] = client
	g.mu.Unlock()

	g.log.Debug("room.member.join", "room", g.Name, "session_id", client.SessionID)
}

// Leave detaches a session from the group and reports whether it was a
// member. It does not close the client: room transitions reuse the same
// connection.
func (g *RoomGroup) Leave(sessionID string) bool {
	if g == nil || sessionID == "" {
		return false
	}

	g.mu.Lock()
	_, ok := g.members[sessionID]
	delete(g.members, sessionID)
	g.mu.Unlock()

	if ok {
		g.log.Debug("room.member.leave", "room", g.Name, "session_id", sessionID)
	}
	return ok
}

// Len returns the current local member count.
func (g *RoomGroup) Len() int {
	if g == nil {
		return 0
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.members)
}

// Broadcast fans out an envelope to all local members.
func (g *RoomGroup) Broadcast(env v1.Envelope) {
	g.BroadcastExcept("", env)
}

// BroadcastExcept fans out an envelope to all local members except the given
// session. Non-blocking: slow or closing members are skipped.
func (g *RoomGroup) BroadcastExcept(excludeSession string, env v1.Envelope) {
	if g == nil {
		return
	}

	g.mu.RLock()
	defer g.mu.RUnlock()

	for sid, m := range g.members {
		if sid == excludeSession {
			continue
		}
		m.enqueue(env)
	}
}
