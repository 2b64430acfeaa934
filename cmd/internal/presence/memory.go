package presence

import (
	"context"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// MemoryRegistry is a single-process Registry used for dev mode and tests.
type MemoryRegistry struct {
	mu          sync.RWMutex
	records     map[string]v1.PresenceRecord
	connections map[string]string
}

// NewMemoryRegistry constructs an empty in-memory registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		records:     make(map[string]v1.PresenceRecord),
		connections: make(map[string]string),
	}
}

// Register upserts the record and connection mapping (last-writer-wins).
func (m *MemoryRegistry) Register(ctx context.Context, rec v1.PresenceRecord, connectionID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[rec.UserName] = rec
	m.connections[rec.UserName] = connectionID
	return nil
}

// Lookup returns the record for username, or ErrNotFound.
func (m *MemoryRegistry) Lookup(ctx context.Context, username string) (v1.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return v1.PresenceRecord{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.records[username]
	if !ok {
		return v1.PresenceRecord{}, ErrNotFound
	}
	return rec, nil
}

// LookupConnection returns the connection id for username, or ErrNotFound.
func (m *MemoryRegistry) LookupConnection(ctx context.Context, username string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.connections[username]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// Unregister removes both mappings.
func (m *MemoryRegistry) Unregister(ctx context.Context, username string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, username)
	delete(m.connections, username)
	return nil
}

// ListByRoom filters all records by CurrentRoom.
func (m *MemoryRegistry) ListByRoom(ctx context.Context, room string) ([]v1.PresenceRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]v1.PresenceRecord, 0, len(m.records))
	for _, rec := range m.records {
		if rec.CurrentRoom == room {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateRoom rewrites CurrentRoom only; missing records are a no-op.
func (m *MemoryRegistry) UpdateRoom(ctx context.Context, username, room string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.records[username]
	if !ok {
		return nil
	}
	rec.CurrentRoom = room
	m.records[username] = rec
	return nil
}
