package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"parley/cmd/internal/presence"
	"parley/cmd/internal/store"
	v1 "parley/contracts/chat/v1"
)

// testCluster simulates a horizontally scaled deployment: hubs share one
// registry, one store, and one bus, but no in-process state.
type testCluster struct {
	bus      *MemoryBus
	registry *presence.MemoryRegistry
	store    *store.MemoryStore
}

func newTestCluster(rooms ...string) *testCluster {
	return &testCluster{
		bus:      NewMemoryBus(),
		registry: presence.NewMemoryRegistry(),
		store:    store.NewMemoryStore(rooms...),
	}
}

func (tc *testCluster) hub(t *testing.T) *Hub {
	t.Helper()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := New(log, tc.registry, tc.store, tc.bus.Node())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	return h
}

func connect(t *testing.T, h *Hub, ident Identity) *Client {
	t.Helper()

	sid, err := NewSessionID(time.Now().UTC())
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	c := NewClient(ident.UserName, sid, 64)
	if _, err := h.Connect(context.Background(), c, ident, "Web"); err != nil {
		t.Fatalf("connect %s: %v", ident.UserName, err)
	}
	return c
}

func authIdentity(username, fullName string) Identity {
	return Identity{UserName: username, FullName: fullName, Avatar: "/a/" + username + ".png"}
}

// drain empties the client's send queue.
func drain(c *Client) []v1.Envelope {
	var out []v1.Envelope
	for {
		select {
		case env := <-c.Send:
			out = append(out, env)
		default:
			return out
		}
	}
}

func drainByType(c *Client, typ string) []v1.Envelope {
	var out []v1.Envelope
	for _, env := range drain(c) {
		if env.Type == typ {
			out = append(out, env)
		}
	}
	return out
}

func decodeMessage(t *testing.T, env v1.Envelope) v1.Message {
	t.Helper()
	var m v1.Message
	if err := json.Unmarshal(env.Payload, &m); err != nil {
		t.Fatalf("decode message: %v", err)
	}
	return m
}

func decodePresence(t *testing.T, env v1.Envelope) v1.PresenceRecord {
	t.Helper()
	var p v1.PresenceRecord
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		t.Fatalf("decode presence: %v", err)
	}
	return p
}

func TestJoinRegistryConsistency(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	if err := h.Join(ctx, alice, "general"); err != nil {
		t.Fatalf("join: %v", err)
	}

	rec, err := tc.registry.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if rec.CurrentRoom != "general" {
		t.Fatalf("expected currentRoom=general, got %q", rec.CurrentRoom)
	}

	// First member of an empty room: no notifications for anyone.
	if events := drain(alice); len(events) != 0 {
		t.Fatalf("expected no events for sole joiner, got %v", events)
	}
}

func TestJoinNotifiesExistingMembers(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))

	if err := h.Join(ctx, alice, "general"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	drain(alice)

	if err := h.Join(ctx, bob, "general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	added := drainByType(alice, v1.TypeAddUser)
	if len(added) != 1 {
		t.Fatalf("expected alice to see one addUser, got %d", len(added))
	}
	if p := decodePresence(t, added[0]); p.UserName != "bob" || p.CurrentRoom != "general" {
		t.Fatalf("unexpected addUser payload: %+v", p)
	}

	// The joiner himself receives no notification.
	if events := drain(bob); len(events) != 0 {
		t.Fatalf("expected no events for joiner, got %v", events)
	}
}

func TestJoinIdempotent(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))
	if err := h.Join(ctx, alice, "general"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := h.Join(ctx, bob, "general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	drain(alice)
	drain(bob)

	if err := h.Join(ctx, bob, "general"); err != nil {
		t.Fatalf("repeat join: %v", err)
	}
	if events := drain(alice); len(events) != 0 {
		t.Fatalf("repeat join must not notify, got %v", events)
	}
	if events := drain(bob); len(events) != 0 {
		t.Fatalf("repeat join must not echo, got %v", events)
	}
}

func TestRoomTransitionOrderingAndSingleRoom(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("roomA", "roomB")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))
	carol := connect(t, h, authIdentity("carol", "Carol C"))

	mustJoin := func(c *Client, room string) {
		t.Helper()
		if err := h.Join(ctx, c, room); err != nil {
			t.Fatalf("join %s->%s: %v", c.UserName, room, err)
		}
	}
	mustJoin(bob, "roomA")
	mustJoin(carol, "roomB")
	mustJoin(alice, "roomA")
	drain(bob)
	drain(carol)
	drain(alice)

	// Record relay traffic to assert the leave-then-join publish order.
	observer := tc.bus.Node()
	var mu sync.Mutex
	var observed []Frame
	if err := observer.Start(ctx, func(f Frame) {
		mu.Lock()
		observed = append(observed, f)
		mu.Unlock()
	}); err != nil {
		t.Fatalf("start observer: %v", err)
	}
	_ = observer.Subscribe(ctx, "roomA")
	_ = observer.Subscribe(ctx, "roomB")

	mustJoin(alice, "roomB")

	removed := drainByType(bob, v1.TypeRemoveUser)
	if len(removed) != 1 || decodePresence(t, removed[0]).UserName != "alice" {
		t.Fatalf("expected bob to see removeUser(alice), got %v", removed)
	}
	added := drainByType(carol, v1.TypeAddUser)
	if len(added) != 1 || decodePresence(t, added[0]).UserName != "alice" {
		t.Fatalf("expected carol to see addUser(alice), got %v", added)
	}

	mu.Lock()
	defer mu.Unlock()
	var roomEvents []string
	for _, f := range observed {
		if f.Kind == FrameRoom {
			roomEvents = append(roomEvents, f.Envelope.Type+"@"+f.Room)
		}
	}
	if len(roomEvents) != 2 || roomEvents[0] != v1.TypeRemoveUser+"@roomA" || roomEvents[1] != v1.TypeAddUser+"@roomB" {
		t.Fatalf("expected removeUser@roomA then addUser@roomB, got %v", roomEvents)
	}

	// Single room invariant, cluster-wide view.
	inA, _ := tc.registry.ListByRoom(ctx, "roomA")
	for _, p := range inA {
		if p.UserName == "alice" {
			t.Fatalf("alice still listed in roomA: %v", inA)
		}
	}
	inB, _ := tc.registry.ListByRoom(ctx, "roomB")
	found := false
	for _, p := range inB {
		if p.UserName == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("alice not listed in roomB: %v", inB)
	}
}

func TestSendRoomSanitizesAndPersists(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("lobby")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))
	if err := h.Join(ctx, alice, "lobby"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := h.Join(ctx, bob, "lobby"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	drain(alice)
	drain(bob)

	if err := h.SendRoom(ctx, alice, authIdentity("alice", "Alice A"), "lobby", "<script>alert(1)</script>hi"); err != nil {
		t.Fatalf("send: %v", err)
	}

	for _, c := range []*Client{alice, bob} {
		msgs := drainByType(c, v1.TypeNewMessage)
		if len(msgs) != 1 {
			t.Fatalf("%s: expected one newMessage, got %d", c.UserName, len(msgs))
		}
		m := decodeMessage(t, msgs[0])
		if m.Content != "hi" {
			t.Fatalf("%s: expected sanitized content %q, got %q", c.UserName, "hi", m.Content)
		}
		if m.ID == 0 {
			t.Fatalf("%s: expected durable id for authenticated sender", c.UserName)
		}
		if m.FromUserName != "alice" || m.Room != "lobby" {
			t.Fatalf("%s: unexpected message: %+v", c.UserName, m)
		}
	}

	history, err := tc.store.GetHistory(ctx, "lobby", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 1 || history[0].Content != "hi" {
		t.Fatalf("expected persisted sanitized message, got %v", history)
	}
}

func TestSendRoomGuestTransient(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("lobby")
	h := tc.hub(t)
	ctx := context.Background()

	guest := GuestIdentity("01GUEST")
	g := connect(t, h, guest)
	if err := h.Join(ctx, g, "lobby"); err != nil {
		t.Fatalf("join: %v", err)
	}
	drain(g)

	if err := h.SendRoom(ctx, g, guest, "lobby", "hello"); err != nil {
		t.Fatalf("send: %v", err)
	}

	msgs := drainByType(g, v1.TypeNewMessage)
	if len(msgs) != 1 {
		t.Fatalf("expected one newMessage, got %d", len(msgs))
	}
	m := decodeMessage(t, msgs[0])
	if m.ID != 0 {
		t.Fatalf("guest message must carry sentinel id 0, got %d", m.ID)
	}
	if m.FromFullName != guestFullName {
		t.Fatalf("unexpected fromFullName: %q", m.FromFullName)
	}

	history, err := tc.store.GetHistory(ctx, "lobby", 10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(history) != 0 {
		t.Fatalf("guest messages must not be persisted, got %v", history)
	}
}

func TestSendRoomErrors(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("lobby")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	if err := h.Join(ctx, alice, "lobby"); err != nil {
		t.Fatalf("join: %v", err)
	}
	drain(alice)

	err := h.SendRoom(ctx, alice, authIdentity("alice", "Alice A"), "lobby", "   ")
	if KindOf(err) != KindEmptyMessage {
		t.Fatalf("expected EmptyMessage, got %v", err)
	}

	err = h.SendRoom(ctx, alice, authIdentity("alice", "Alice A"), "nowhere", "hi")
	if KindOf(err) != KindRoomNotFound {
		t.Fatalf("expected RoomNotFound, got %v", err)
	}

	if events := drain(alice); len(events) != 0 {
		t.Fatalf("failed sends must deliver nothing, got %v", events)
	}
}

func TestSendPrivateEchoAndOfflineDrop(t *testing.T) {
	t.Parallel()

	tc := newTestCluster()
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))

	if err := h.SendPrivate(ctx, alice, authIdentity("alice", "Alice A"), "bob", "<b>hey</b>"); err != nil {
		t.Fatalf("send private: %v", err)
	}

	bobMsgs := drainByType(bob, v1.TypeNewMessage)
	aliceMsgs := drainByType(alice, v1.TypeNewMessage)
	if len(bobMsgs) != 1 || len(aliceMsgs) != 1 {
		t.Fatalf("expected one delivery and one echo, got bob=%d alice=%d", len(bobMsgs), len(aliceMsgs))
	}

	bm := decodeMessage(t, bobMsgs[0])
	am := decodeMessage(t, aliceMsgs[0])
	if bm != am {
		t.Fatalf("echo differs from delivery: %+v vs %+v", am, bm)
	}
	if bm.Content != "hey" || bm.Room != "" || bm.ID != 0 {
		t.Fatalf("unexpected private message: %+v", bm)
	}

	// Offline receiver: silent drop, no error, no deliveries.
	if err := h.SendPrivate(ctx, alice, authIdentity("alice", "Alice A"), "carol", "secret"); err != nil {
		t.Fatalf("offline private must be silent, got %v", err)
	}
	if events := drain(alice); len(events) != 0 {
		t.Fatalf("expected nothing for sender, got %v", events)
	}
	if events := drain(bob); len(events) != 0 {
		t.Fatalf("expected nothing for bystander, got %v", events)
	}
}

func TestDisconnectCleanup(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))
	if err := h.Join(ctx, alice, "general"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := h.Join(ctx, bob, "general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}
	drain(alice)
	drain(bob)

	if err := h.Disconnect(ctx, alice); err != nil {
		t.Fatalf("disconnect: %v", err)
	}

	removed := drainByType(bob, v1.TypeRemoveUser)
	if len(removed) != 1 || decodePresence(t, removed[0]).UserName != "alice" {
		t.Fatalf("expected exactly one removeUser(alice), got %v", removed)
	}

	if _, err := tc.registry.Lookup(ctx, "alice"); !errors.Is(err, presence.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after disconnect, got %v", err)
	}

	// Second disconnect is a no-op, not an error.
	if err := h.Disconnect(ctx, alice); err != nil {
		t.Fatalf("repeat disconnect: %v", err)
	}
	if events := drain(bob); len(events) != 0 {
		t.Fatalf("repeat disconnect must not notify, got %v", events)
	}
}

func TestCrossProcessFanout(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general")
	h1 := tc.hub(t)
	h2 := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h1, authIdentity("alice", "Alice A"))
	bob := connect(t, h2, authIdentity("bob", "Bob B"))
	if err := h1.Join(ctx, alice, "general"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := h2.Join(ctx, bob, "general"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	// bob's join was relayed to alice's process.
	added := drainByType(alice, v1.TypeAddUser)
	if len(added) != 1 || decodePresence(t, added[0]).UserName != "bob" {
		t.Fatalf("expected relayed addUser(bob), got %v", added)
	}
	drain(bob)

	if err := h1.SendRoom(ctx, alice, authIdentity("alice", "Alice A"), "general", "x"); err != nil {
		t.Fatalf("send: %v", err)
	}

	// Delivered once on each process: locally to alice, via relay to bob.
	aliceMsgs := drainByType(alice, v1.TypeNewMessage)
	bobMsgs := drainByType(bob, v1.TypeNewMessage)
	if len(aliceMsgs) != 1 {
		t.Fatalf("expected exactly one copy for sender (origin skip), got %d", len(aliceMsgs))
	}
	if len(bobMsgs) != 1 {
		t.Fatalf("expected relayed delivery for bob, got %d", len(bobMsgs))
	}
	if m := decodeMessage(t, bobMsgs[0]); m.Content != "x" || m.FromUserName != "alice" {
		t.Fatalf("unexpected relayed message: %+v", m)
	}
}

func TestPrivateCrossProcess(t *testing.T) {
	t.Parallel()

	tc := newTestCluster()
	h1 := tc.hub(t)
	h2 := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h1, authIdentity("alice", "Alice A"))
	bob := connect(t, h2, authIdentity("bob", "Bob B"))

	if err := h1.SendPrivate(ctx, alice, authIdentity("alice", "Alice A"), "bob", "psst"); err != nil {
		t.Fatalf("send private: %v", err)
	}

	bobMsgs := drainByType(bob, v1.TypeNewMessage)
	if len(bobMsgs) != 1 || decodeMessage(t, bobMsgs[0]).Content != "psst" {
		t.Fatalf("expected relayed private delivery, got %v", bobMsgs)
	}
	aliceMsgs := drainByType(alice, v1.TypeNewMessage)
	if len(aliceMsgs) != 1 {
		t.Fatalf("expected echo for sender, got %d", len(aliceMsgs))
	}
}

func TestSupersededSessionEvicted(t *testing.T) {
	t.Parallel()

	tc := newTestCluster()
	h1 := tc.hub(t)
	h2 := tc.hub(t)
	ctx := context.Background()

	old := connect(t, h1, authIdentity("alice", "Alice A"))
	renewed := connect(t, h2, authIdentity("alice", "Alice A"))

	select {
	case <-old.Done():
	default:
		t.Fatalf("expected superseded session to be closed")
	}
	select {
	case <-renewed.Done():
		t.Fatalf("new session must stay open")
	default:
	}

	conn, err := tc.registry.LookupConnection(ctx, "alice")
	if err != nil {
		t.Fatalf("lookup connection: %v", err)
	}
	if conn != renewed.SessionID {
		t.Fatalf("registry should point at the new session, got %q", conn)
	}

	// The stale session's disconnect must not tear down the new presence.
	if err := h1.Disconnect(ctx, old); err != nil {
		t.Fatalf("stale disconnect: %v", err)
	}
	if _, err := tc.registry.Lookup(ctx, "alice"); err != nil {
		t.Fatalf("presence must survive stale disconnect: %v", err)
	}
}

func TestSupersededSessionDetachesFromLocalGroup(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general")
	h := tc.hub(t)
	ctx := context.Background()

	old := connect(t, h, authIdentity("alice", "Alice A"))
	if err := h.Join(ctx, old, "general"); err != nil {
		t.Fatalf("join: %v", err)
	}

	// Reconnect resets the registry record's currentRoom, but the old
	// transport still holds its seat in the local group until it disconnects.
	renewed := connect(t, h, authIdentity("alice", "Alice A"))
	if err := h.Disconnect(ctx, old); err != nil {
		t.Fatalf("stale disconnect: %v", err)
	}

	h.mu.RLock()
	g := h.rooms["general"]
	sessionsLeft := len(h.sessions)
	h.mu.RUnlock()
	if n := g.Len(); n != 0 {
		t.Fatalf("%d stale member(s) remain in local group after supersede", n)
	}
	if g != nil {
		t.Fatalf("emptied group must be dropped from the room table")
	}
	if sessionsLeft != 0 {
		t.Fatalf("expected no tracked sessions, got %d", sessionsLeft)
	}

	// The new session is unaffected: it can take the seat fresh.
	if err := h.Join(ctx, renewed, "general"); err != nil {
		t.Fatalf("renewed join: %v", err)
	}
	users, err := h.GetUsers(ctx, "general")
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	if len(users) != 1 || users[0].UserName != "alice" {
		t.Fatalf("unexpected users after rejoin: %v", users)
	}
}

// downRegistry fails every call the way a partitioned Redis would.
type downRegistry struct{}

func (downRegistry) err() error {
	return fmt.Errorf("%w: dial tcp 127.0.0.1:6379: connect: connection refused", presence.ErrUnavailable)
}

func (d downRegistry) Register(context.Context, v1.PresenceRecord, string) error { return d.err() }
func (d downRegistry) Lookup(context.Context, string) (v1.PresenceRecord, error) {
	return v1.PresenceRecord{}, d.err()
}
func (d downRegistry) LookupConnection(context.Context, string) (string, error) {
	return "", d.err()
}
func (d downRegistry) Unregister(context.Context, string) error { return d.err() }
func (d downRegistry) ListByRoom(context.Context, string) ([]v1.PresenceRecord, error) {
	return nil, d.err()
}

func (d downRegistry) UpdateRoom(context.Context, string, string) error { return d.err() }

func TestRegistryOutageSurfacesUnavailable(t *testing.T) {
	t.Parallel()

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := NewMemoryBus()
	h := New(log, downRegistry{}, store.NewMemoryStore("general"), bus.Node())
	if err := h.Start(context.Background()); err != nil {
		t.Fatalf("start hub: %v", err)
	}
	ctx := context.Background()

	sid, err := NewSessionID(time.Now().UTC())
	if err != nil {
		t.Fatalf("session id: %v", err)
	}
	c := NewClient("alice", sid, 64)
	ident := authIdentity("alice", "Alice A")

	if _, err := h.Connect(ctx, c, ident, "Web"); KindOf(err) != KindRegistryUnavailable {
		t.Fatalf("connect: expected RegistryUnavailable, got %v", err)
	}
	if err := h.Join(ctx, c, "general"); KindOf(err) != KindRegistryUnavailable {
		t.Fatalf("join: expected RegistryUnavailable, got %v", err)
	}
	if err := h.SendRoom(ctx, c, ident, "general", "hi"); KindOf(err) != KindRegistryUnavailable {
		t.Fatalf("sendRoom: expected RegistryUnavailable, got %v", err)
	}
	if err := h.SendPrivate(ctx, c, ident, "bob", "hi"); KindOf(err) != KindRegistryUnavailable {
		t.Fatalf("sendPrivate: expected RegistryUnavailable, got %v", err)
	}
	if _, err := h.GetUsers(ctx, "general"); KindOf(err) != KindRegistryUnavailable {
		t.Fatalf("getUsers: expected RegistryUnavailable, got %v", err)
	}
	if err := h.Disconnect(ctx, c); KindOf(err) != KindRegistryUnavailable {
		t.Fatalf("disconnect: expected RegistryUnavailable, got %v", err)
	}

	// No operation reached a fanout path.
	if events := drain(c); len(events) != 0 {
		t.Fatalf("failed operations must deliver nothing, got %v", events)
	}
}

func TestGetUsers(t *testing.T) {
	t.Parallel()

	tc := newTestCluster("general", "random")
	h := tc.hub(t)
	ctx := context.Background()

	alice := connect(t, h, authIdentity("alice", "Alice A"))
	bob := connect(t, h, authIdentity("bob", "Bob B"))
	if err := h.Join(ctx, alice, "general"); err != nil {
		t.Fatalf("alice join: %v", err)
	}
	if err := h.Join(ctx, bob, "random"); err != nil {
		t.Fatalf("bob join: %v", err)
	}

	users, err := h.GetUsers(ctx, "general")
	if err != nil {
		t.Fatalf("get users: %v", err)
	}
	if len(users) != 1 || users[0].UserName != "alice" {
		t.Fatalf("unexpected users: %v", users)
	}
}
