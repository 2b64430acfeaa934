// Package hub implements the presence/room coordination core: the mapping
// from live connections to logical identity, the single-room-per-connection
// state machine, message sanitization and fanout, and the cross-process
// backplane relay.
package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"strings"
	"sync"
	"time"

	"parley/cmd/internal/presence"
	"parley/cmd/internal/store"
	v1 "parley/contracts/chat/v1"
)

const userLockStripes = 64

// Hub coordinates room membership and message fanout for the connections
// owned by this process. The presence registry is the only cross-process
// state; everything else is stitched together by the backplane.
type Hub struct {
	log        *slog.Logger
	instanceID string

	registry  presence.Registry
	store     store.Store
	backplane Backplane

	mu    sync.RWMutex
	rooms map[string]*RoomGroup
	local map[string]*Client // username -> local client

	// sessions maps session id -> the room that session holds in the local
	// group table. A reconnect rewrites the registry's CurrentRoom, so the
	// detach of a superseded session cannot be derived from the registry.
	sessions map[string]string

	// Per-username striped locks. Every read-then-write sequence against a
	// presence record (Join, Disconnect) serializes per username so the
	// registry's last-writer-wins semantics cannot discard a transition.
	locks [userLockStripes]sync.Mutex
}

// New constructs a Hub. The instance id distinguishes this process's frames
// on the backplane.
func New(log *slog.Logger, registry presence.Registry, st store.Store, backplane Backplane) *Hub {
	id, err := NewSessionID(time.Now().UTC())
	if err != nil {
		// crypto/rand failing is unrecoverable noise; an empty origin only
		// costs duplicate-delivery skips.
		id = "origin-unknown"
	}
	return &Hub{
		log:        log,
		instanceID: id,
		registry:   registry,
		store:      st,
		backplane:  backplane,
		rooms:      make(map[string]*RoomGroup),
		local:      make(map[string]*Client),
		sessions:   make(map[string]string),
	}
}

// InstanceID returns the backplane origin id of this process.
func (h *Hub) InstanceID() string { return h.instanceID }

// Start begins consuming backplane frames.
func (h *Hub) Start(ctx context.Context) error {
	return h.backplane.Start(ctx, h.handleFrame)
}

// ---- connection lifecycle ----

// Connect registers presence for a new connection, supersedes any older
// session for the same username, and returns the caller's presence record
// (pushed to the client as getProfileInfo by the gateway).
func (h *Hub) Connect(ctx context.Context, c *Client, ident Identity, device string) (v1.PresenceRecord, error) {
	rec := v1.PresenceRecord{
		UserName:    ident.UserName,
		FullName:    ident.FullName,
		Avatar:      ident.Avatar,
		Device:      device,
		CurrentRoom: "",
	}

	if err := h.registry.Register(ctx, rec, c.SessionID); err != nil {
		return v1.PresenceRecord{}, h.classifyRegistryErr("register", err)
	}

	h.mu.Lock()
	prev := h.local[c.UserName]
	h.local[c.UserName] = c
	h.mu.Unlock()

	// A newer connect supersedes the older session: the registry entry is
	// already overwritten (last-writer-wins), so close the stale transport
	// here and on every other process.
	if prev != nil && prev.SessionID != c.SessionID {
		h.log.Info("hub.session.superseded", "username", c.UserName, "old_session", prev.SessionID, "new_session", c.SessionID)
		prev.Close()
	}
	h.publishDirect(ctx, Frame{
		Origin:  h.instanceID,
		Kind:    FrameEvict,
		Target:  c.UserName,
		Session: c.SessionID,
	})

	h.log.Info("hub.connect", "username", c.UserName, "session_id", c.SessionID, "device", device, "guest", ident.Guest)
	return rec, nil
}

// Disconnect cleans up after a closed connection: it notifies the current
// room's other members and removes the registry entry, unless a newer session
// already superseded this one.
func (h *Hub) Disconnect(ctx context.Context, c *Client) error {
	lock := h.userLock(c.UserName)
	lock.Lock()
	defer lock.Unlock()

	h.mu.Lock()
	if h.local[c.UserName] == c {
		delete(h.local, c.UserName)
	}
	localRoom := h.sessions[c.SessionID]
	h.mu.Unlock()

	// Drop the local group membership first, whatever the registry says:
	// this transport is gone, and a superseded session's room is no longer
	// recoverable from its rewritten presence record.
	if localRoom != "" {
		h.leaveLocal(ctx, localRoom, c)
	}

	rec, err := h.registry.Lookup(ctx, c.UserName)
	if errors.Is(err, presence.ErrNotFound) {
		// Already cleaned up, or never registered. Not an error.
		return nil
	}
	if err != nil {
		return h.classifyRegistryErr("disconnect lookup", err)
	}

	conn, err := h.registry.LookupConnection(ctx, c.UserName)
	if err == nil && conn != c.SessionID {
		// A newer session owns the presence entry now; leave it untouched.
		h.log.Info("hub.disconnect.superseded", "username", c.UserName, "session_id", c.SessionID)
		return nil
	}

	if rec.CurrentRoom != "" {
		h.notifyRoomExcept(ctx, rec.CurrentRoom, c.SessionID, h.newEvent(v1.TypeRemoveUser, rec))
	}

	if err := h.registry.Unregister(ctx, c.UserName); err != nil {
		return h.classifyRegistryErr("unregister", err)
	}

	h.log.Info("hub.disconnect", "username", c.UserName, "session_id", c.SessionID)
	return nil
}

// ---- room membership ----

// Join moves a connection into targetRoom, enforcing at most one room per
// connection. Transitions are strictly leave-then-join: the old room's other
// members observe removeUser before the new room's members observe addUser.
func (h *Hub) Join(ctx context.Context, c *Client, targetRoom string) error {
	targetRoom = strings.TrimSpace(targetRoom)
	if targetRoom == "" {
		return newError(KindJoinFailed, "empty room name", nil)
	}

	lock := h.userLock(c.UserName)
	lock.Lock()
	defer lock.Unlock()

	rec, err := h.registry.Lookup(ctx, c.UserName)
	if errors.Is(err, presence.ErrNotFound) {
		return newError(KindIdentityUnresolved, "no presence for caller", err)
	}
	if err != nil {
		return h.classifyRegistryErr("join lookup", err)
	}

	if rec.CurrentRoom == targetRoom {
		// Idempotent: no notifications, no registry writes.
		return nil
	}

	oldRoom := rec.CurrentRoom
	if oldRoom != "" {
		// Notify the old room before anything else so no observer can see
		// the user listed in two rooms at once.
		h.notifyRoomExcept(ctx, oldRoom, c.SessionID, h.newEvent(v1.TypeRemoveUser, rec))
		h.leaveLocal(ctx, oldRoom, c)
	}

	h.joinLocal(ctx, targetRoom, c)

	if err := h.registry.UpdateRoom(ctx, c.UserName, targetRoom); err != nil {
		// Roll back the local attach; the connection returns to NoRoom and
		// the next successful Join repairs the registry.
		h.leaveLocal(ctx, targetRoom, c)
		return newError(KindJoinFailed, "registry update", err)
	}

	rec.CurrentRoom = targetRoom
	h.notifyRoomExcept(ctx, targetRoom, c.SessionID, h.newEvent(v1.TypeAddUser, rec))

	h.log.Info("hub.join", "username", c.UserName, "session_id", c.SessionID, "room", targetRoom, "old_room", oldRoom)
	return nil
}

// Leave detaches the connection from the named room's local group
// unconditionally. It does not notify other members; notification is the
// caller's responsibility as part of the leave-then-join sequence.
func (h *Hub) Leave(ctx context.Context, c *Client, room string) {
	if room == "" {
		return
	}
	h.leaveLocal(ctx, room, c)
}

// GetUsers returns the presence records of everyone currently in room,
// cluster-wide.
func (h *Hub) GetUsers(ctx context.Context, room string) ([]v1.PresenceRecord, error) {
	users, err := h.registry.ListByRoom(ctx, room)
	if err != nil {
		return nil, h.classifyRegistryErr("list by room", err)
	}
	return users, nil
}

// ---- messaging ----

// SendRoom sanitizes, optionally persists, and fans out a room broadcast.
// Guest messages stay transient (id 0); authenticated messages obtain a
// durable id from the store.
func (h *Hub) SendRoom(ctx context.Context, c *Client, ident Identity, room, rawContent string) error {
	content := strings.TrimSpace(rawContent)
	if content == "" {
		return newError(KindEmptyMessage, "blank content", nil)
	}
	if len([]rune(content)) > maxMessageChars {
		return fmt.Errorf("message too long: max=%d chars", maxMessageChars)
	}

	target, err := h.store.FindRoom(ctx, room)
	if errors.Is(err, store.ErrRoomNotFound) {
		return newError(KindRoomNotFound, room, err)
	}
	if err != nil {
		return err
	}

	content = stripMarkup(content)
	now := time.Now().UTC()

	var msg v1.Message
	if ident.Guest {
		msg = v1.Message{
			ID:           0,
			Content:      content,
			Timestamp:    now,
			FromUserName: ident.UserName,
			FromFullName: guestFullName,
			Room:         target.Name,
			Avatar:       defaultAvatar,
		}
	} else {
		rec, err := h.registry.Lookup(ctx, ident.UserName)
		if errors.Is(err, presence.ErrNotFound) {
			return newError(KindIdentityUnresolved, "no presence for sender", err)
		}
		if err != nil {
			return h.classifyRegistryErr("send lookup", err)
		}

		id, err := h.store.SaveMessage(ctx, store.SaveMessageInput{
			Content:      content,
			FromUserName: rec.UserName,
			Room:         target.Name,
			Now:          now,
		})
		if err != nil {
			return err
		}

		msg = v1.Message{
			ID:           id,
			Content:      content,
			Timestamp:    now,
			FromUserName: rec.UserName,
			FromFullName: rec.FullName,
			Room:         target.Name,
			Avatar:       rec.Avatar,
		}
	}

	h.broadcastRoom(ctx, target.Name, h.newEvent(v1.TypeNewMessage, msg))
	metricMessages.WithLabelValues("room").Inc()
	return nil
}

// SendPrivate delivers a direct message to the receiver's connection and
// echoes it back to the sender. Private messages are never persisted and
// carry an empty room field. An offline receiver is a silent drop.
func (h *Hub) SendPrivate(ctx context.Context, c *Client, ident Identity, receiver, rawContent string) error {
	if _, err := h.registry.LookupConnection(ctx, receiver); err != nil {
		if errors.Is(err, presence.ErrNotFound) {
			// Receiver offline: drop without reporting.
			return nil
		}
		return h.classifyRegistryErr("private lookup", err)
	}

	rec, err := h.registry.Lookup(ctx, ident.UserName)
	if errors.Is(err, presence.ErrNotFound) {
		// Sender presence gone (racing disconnect): abort silently.
		return nil
	}
	if err != nil {
		return h.classifyRegistryErr("private sender lookup", err)
	}

	content := strings.TrimSpace(rawContent)
	if content == "" {
		return nil
	}
	content = stripMarkup(content)

	msg := v1.Message{
		ID:           0,
		Content:      content,
		Timestamp:    time.Now().UTC(),
		FromUserName: rec.UserName,
		FromFullName: rec.FullName,
		Room:         "",
		Avatar:       rec.Avatar,
	}
	env := h.newEvent(v1.TypeNewMessage, msg)

	h.mu.RLock()
	target := h.local[receiver]
	h.mu.RUnlock()

	if target != nil {
		target.enqueue(env)
	} else {
		h.publishDirect(ctx, Frame{
			Origin:   h.instanceID,
			Kind:     FrameDirect,
			Target:   receiver,
			Envelope: env,
		})
	}

	// Echo so the sender's own UI reflects the sent message.
	c.enqueue(env)
	metricMessages.WithLabelValues("private").Inc()
	return nil
}

// ---- backplane ----

func (h *Hub) handleFrame(f Frame) {
	metricBackplaneFrames.WithLabelValues("received").Inc()

	// Local delivery already happened on the publishing process.
	if f.Origin == h.instanceID {
		return
	}

	switch f.Kind {
	case FrameRoom:
		h.mu.RLock()
		g := h.rooms[f.Room]
		h.mu.RUnlock()
		g.Broadcast(f.Envelope)

	case FrameDirect:
		h.mu.RLock()
		target := h.local[f.Target]
		h.mu.RUnlock()
		if target != nil {
			target.enqueue(f.Envelope)
		}

	case FrameEvict:
		h.mu.RLock()
		target := h.local[f.Target]
		h.mu.RUnlock()
		if target != nil && target.SessionID != f.Session {
			h.log.Info("hub.session.evicted", "username", f.Target, "session_id", target.SessionID)
			target.Close()
		}

	default:
		h.log.Warn("backplane.frame.unknown", "kind", f.Kind)
	}
}

// notifyRoomExcept delivers env to every member of room except one session,
// across all processes.
func (h *Hub) notifyRoomExcept(ctx context.Context, room, excludeSession string, env v1.Envelope) {
	h.mu.RLock()
	g := h.rooms[room]
	h.mu.RUnlock()
	g.BroadcastExcept(excludeSession, env)

	h.publishRoom(ctx, room, Frame{
		Origin:   h.instanceID,
		Kind:     FrameRoom,
		Room:     room,
		Envelope: env,
	})
}

// broadcastRoom delivers env to every member of room including the sender.
func (h *Hub) broadcastRoom(ctx context.Context, room string, env v1.Envelope) {
	h.notifyRoomExcept(ctx, room, "", env)
}

func (h *Hub) publishRoom(ctx context.Context, room string, f Frame) {
	if err := h.backplane.PublishRoom(ctx, room, f); err != nil {
		// Fire-and-forget: a lost relay frame degrades to local-only delivery.
		h.log.Warn("backplane.publish.fail", "room", room, "err", err)
		return
	}
	metricBackplaneFrames.WithLabelValues("published").Inc()
}

func (h *Hub) publishDirect(ctx context.Context, f Frame) {
	if err := h.backplane.PublishDirect(ctx, f); err != nil {
		h.log.Warn("backplane.publish.fail", "kind", f.Kind, "err", err)
		return
	}
	metricBackplaneFrames.WithLabelValues("published").Inc()
}

// ---- local room table ----

func (h *Hub) joinLocal(ctx context.Context, room string, c *Client) {
	h.mu.Lock()
	g := h.rooms[room]
	if g == nil {
		g = NewRoomGroup(h.log, room)
		h.rooms[room] = g
	}
	g.Join(c)
	h.sessions[c.SessionID] = room
	h.mu.Unlock()

	if err := h.backplane.Subscribe(ctx, room); err != nil {
		h.log.Warn("backplane.subscribe.fail", "room", room, "err", err)
	}
}

func (h *Hub) leaveLocal(ctx context.Context, room string, c *Client) {
	h.mu.Lock()
	g := h.rooms[room]
	removed := g.Leave(c.SessionID)
	if g != nil && g.Len() == 0 {
		delete(h.rooms, room)
	}
	if h.sessions[c.SessionID] == room {
		delete(h.sessions, c.SessionID)
	}
	h.mu.Unlock()

	// Only balance the subscribe refcount when this session really held
	// membership; Disconnect and explicit Leave can both race here.
	if !removed {
		return
	}
	if err := h.backplane.Unsubscribe(ctx, room); err != nil {
		h.log.Warn("backplane.unsubscribe.fail", "room", room, "err", err)
	}
}

// ---- helpers ----

func (h *Hub) userLock(username string) *sync.Mutex {
	f := fnv.New32a()
	_, _ = f.Write([]byte(username))
	return &h.locks[f.Sum32()%userLockStripes]
}

func (h *Hub) newEvent(typ string, payload any) v1.Envelope {
	b, err := json.Marshal(payload)
	if err != nil {
		h.log.Error("hub.event.marshal.fail", "type", typ, "err", err)
	}
	now := time.Now().UTC()
	id, _ := NewEnvelopeID(now)
	return v1.Envelope{V: v1.Version, Type: typ, ID: id, TS: now, Payload: b}
}

func (h *Hub) classifyRegistryErr(op string, err error) error {
	if errors.Is(err, presence.ErrUnavailable) {
		return newError(KindRegistryUnavailable, op, err)
	}
	return err
}
