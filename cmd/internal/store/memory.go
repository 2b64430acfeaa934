package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	v1 "parley/contracts/chat/v1"
)

// MemoryStore is a dev-only fallback when no database is configured.
// Rooms are seeded at construction; message history is bounded per room.
type MemoryStore struct {
	mu       sync.Mutex
	nextRoom int64
	nextMsg  int64
	rooms    map[string]v1.Room
	msgs     map[int64][]v1.Message // room id -> messages ordered by insert
}

const memMaxMessagesPerRoom = 10_000

// NewMemoryStore constructs an in-memory Store seeded with the given rooms.
func NewMemoryStore(seedRooms ...string) *MemoryStore {
	s := &MemoryStore{
		rooms: make(map[string]v1.Room),
		msgs:  make(map[int64][]v1.Message),
	}
	for _, name := range seedRooms {
		s.EnsureRoom(name, "")
	}
	return s
}

// Close closes the store (noop for in-memory).
func (s *MemoryStore) Close() error { return nil }

// EnsureRoom creates a room if it does not exist and returns it.
// Room CRUD is owned by an external service in production; this exists so
// dev mode has rooms to join.
func (s *MemoryStore) EnsureRoom(name, admin string) v1.Room {
	name = strings.TrimSpace(name)

	s.mu.Lock()
	defer s.mu.Unlock()

	if r, ok := s.rooms[name]; ok {
		return r
	}
	s.nextRoom++
	r := v1.Room{ID: s.nextRoom, Name: name, Admin: admin}
	s.rooms[name] = r
	return r
}

// FindRoom resolves a room by name.
func (s *MemoryStore) FindRoom(ctx context.Context, name string) (v1.Room, error) {
	if err := ctx.Err(); err != nil {
		return v1.Room{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rooms[strings.TrimSpace(name)]
	if !ok {
		return v1.Room{}, ErrRoomNotFound
	}
	return r, nil
}

// SaveMessage persists a message and returns its durable id.
func (s *MemoryStore) SaveMessage(ctx context.Context, in SaveMessageInput) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	now := in.Now
	if now.IsZero() {
		now = time.Now().UTC()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[strings.TrimSpace(in.Room)]
	if !ok {
		return 0, ErrRoomNotFound
	}

	s.nextMsg++
	msg := v1.Message{
		ID:           s.nextMsg,
		Content:      in.Content,
		Timestamp:    now,
		FromUserName: in.FromUserName,
		Room:         r.Name,
	}
	s.msgs[r.ID] = append(s.msgs[r.ID], msg)

	// Bound memory to avoid unbounded growth in dev.
	if len(s.msgs[r.ID]) > memMaxMessagesPerRoom {
		s.msgs[r.ID] = s.msgs[r.ID][len(s.msgs[r.ID])-memMaxMessagesPerRoom:]
	}

	return msg.ID, nil
}

// ListRooms returns all rooms ordered by name.
func (s *MemoryStore) ListRooms(ctx context.Context) ([]v1.Room, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]v1.Room, 0, len(s.rooms))
	for _, r := range s.rooms {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// GetHistory returns the most recent messages for a room, oldest first.
func (s *MemoryStore) GetHistory(ctx context.Context, room string, limit int) ([]v1.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	limit = clampHistoryLimit(limit)

	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.rooms[strings.TrimSpace(room)]
	if !ok {
		return nil, ErrRoomNotFound
	}

	msgs := s.msgs[r.ID]
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return append([]v1.Message(nil), msgs...), nil
}
