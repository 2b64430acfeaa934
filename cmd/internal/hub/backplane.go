package hub

import (
	"context"
	"sync"

	v1 "parley/contracts/chat/v1"
)

// Frame kinds carried over the backplane.
const (
	// FrameRoom fans an envelope out to a room's members on other processes.
	FrameRoom = "room"
	// FrameDirect targets a single username wherever its connection lives.
	FrameDirect = "direct"
	// FrameEvict closes superseded sessions for a username cluster-wide.
	FrameEvict = "evict"
)

// Frame is the payload relayed between server processes. Origin lets
// receivers skip frames they published themselves: local delivery already
// happened on the publishing process.
type Frame struct {
	Origin   string      `json:"origin"`
	Kind     string      `json:"kind"`
	Room     string      `json:"room,omitempty"`
	Target   string      `json:"target,omitempty"`
	Session  string      `json:"session,omitempty"`
	Envelope v1.Envelope `json:"envelope"`
}

// Backplane is the cross-process relay that unifies room groups across a
// cluster. A process subscribes to a room's channel while it holds at least
// one local member; the direct channel is always subscribed.
//
// Delivery is at-least-once and per-channel publish order is preserved.
type Backplane interface {
	// Start begins consuming frames and dispatching them to handler.
	// The handler must not block.
	Start(ctx context.Context, handler func(Frame)) error

	// PublishRoom relays a frame on the room's channel.
	PublishRoom(ctx context.Context, room string, f Frame) error

	// PublishDirect relays a frame on the shared direct channel.
	PublishDirect(ctx context.Context, f Frame) error

	// Subscribe registers interest in a room's channel (reference counted).
	Subscribe(ctx context.Context, room string) error

	// Unsubscribe drops one reference; the channel is left on the last drop.
	Unsubscribe(ctx context.Context, room string) error

	Close() error
}

// MemoryBus links the backplane nodes of several in-process hubs. It stands
// in for the shared relay in tests and single-process dev mode.
type MemoryBus struct {
	mu    sync.RWMutex
	nodes []*MemoryBackplane
}

// NewMemoryBus constructs an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{}
}

// Node creates a new backplane attached to this bus.
func (b *MemoryBus) Node() *MemoryBackplane {
	n := &MemoryBackplane{bus: b, rooms: make(map[string]int)}
	b.mu.Lock()
	b.nodes = append(b.nodes, n)
	b.mu.Unlock()
	return n
}

func (b *MemoryBus) publish(room string, f Frame) {
	b.mu.RLock()
	nodes := append([]*MemoryBackplane(nil), b.nodes...)
	b.mu.RUnlock()

	for _, n := range nodes {
		n.deliver(room, f)
	}
}

// MemoryBackplane is one process's view of a MemoryBus.
type MemoryBackplane struct {
	bus *MemoryBus

	mu      sync.Mutex
	handler func(Frame)
	rooms   map[string]int
	closed  bool
}

// Start registers the frame handler.
func (m *MemoryBackplane) Start(_ context.Context, handler func(Frame)) error {
	m.mu.Lock()
	m.handler = handler
	m.mu.Unlock()
	return nil
}

// PublishRoom relays a frame to every node subscribed to the room.
func (m *MemoryBackplane) PublishRoom(_ context.Context, room string, f Frame) error {
	m.bus.publish(room, f)
	return nil
}

// PublishDirect relays a frame to every node.
func (m *MemoryBackplane) PublishDirect(_ context.Context, f Frame) error {
	m.bus.publish("", f)
	return nil
}

// Subscribe adds a room reference.
func (m *MemoryBackplane) Subscribe(_ context.Context, room string) error {
	m.mu.Lock()
	m.rooms[room]++
	m.mu.Unlock()
	return nil
}

// Unsubscribe drops a room reference.
func (m *MemoryBackplane) Unsubscribe(_ context.Context, room string) error {
	m.mu.Lock()
	if m.rooms[room] > 0 {
		m.rooms[room]--
	}
	if m.rooms[room] == 0 {
		delete(m.rooms, room)
	}
	m.mu.Unlock()
	return nil
}

// Close detaches the node from further deliveries.
func (m *MemoryBackplane) Close() error {
	m.mu.Lock()
	m.closed = true
	m.handler = nil
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackplane) deliver(room string, f Frame) {
	m.mu.Lock()
	handler := m.handler
	subscribed := room == "" || m.rooms[room] > 0
	closed := m.closed
	m.mu.Unlock()

	if closed || handler == nil || !subscribed {
		return
	}
	handler(f)
}
