package hub

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	redisDirectChannel   = "chat:direct"
	redisRoomChannelPref = "chat:room:"
)

func roomChannel(room string) string {
	return redisRoomChannelPref + room
}

// RedisBackplane relays frames over Redis pub/sub. Every process always
// subscribes to the direct channel; room channels are subscribed while the
// process holds at least one local member of that room.
//
// Redis pub/sub preserves per-channel publish order, which satisfies the
// per-room ordering requirement. Delivery is at-least-once under
// reconnects; clients deduplicate by message id.
type RedisBackplane struct {
	log *slog.Logger
	rdb *redis.Client

	mu     sync.Mutex
	pubsub *redis.PubSub
	refs   map[string]int
	closed bool
}

// NewRedisBackplane constructs a backplane over an existing client.
// The client lifecycle is owned by the caller.
func NewRedisBackplane(log *slog.Logger, rdb *redis.Client) (*RedisBackplane, error) {
	if rdb == nil {
		return nil, errors.New("hub: nil redis client")
	}
	return &RedisBackplane{
		log:  log,
		rdb:  rdb,
		refs: make(map[string]int),
	}, nil
}

// Start subscribes to the direct channel and launches the receive loop.
func (b *RedisBackplane) Start(ctx context.Context, handler func(Frame)) error {
	b.mu.Lock()
	if b.pubsub != nil {
		b.mu.Unlock()
		return errors.New("hub: backplane already started")
	}
	b.pubsub = b.rdb.Subscribe(ctx, redisDirectChannel)
	pubsub := b.pubsub
	b.mu.Unlock()

	// Force the subscription to be established before returning so no
	// frames published after Start are missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		return err
	}

	go func() {
		for msg := range pubsub.Channel() {
			var f Frame
			if err := json.Unmarshal([]byte(msg.Payload), &f); err != nil {
				b.log.Warn("backplane.frame.corrupt", "channel", msg.Channel, "err", err)
				continue
			}
			handler(f)
		}
	}()

	return nil
}

// PublishRoom relays a frame on the room's channel.
func (b *RedisBackplane) PublishRoom(ctx context.Context, room string, f Frame) error {
	return b.publish(ctx, roomChannel(room), f)
}

// PublishDirect relays a frame on the shared direct channel.
func (b *RedisBackplane) PublishDirect(ctx context.Context, f Frame) error {
	return b.publish(ctx, redisDirectChannel, f)
}

func (b *RedisBackplane) publish(ctx context.Context, channel string, f Frame) error {
	payload, err := json.Marshal(f)
	if err != nil {
		return err
	}
	return b.rdb.Publish(ctx, channel, payload).Err()
}

// Subscribe adds a reference to the room's channel, subscribing on the first.
func (b *RedisBackplane) Subscribe(ctx context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil || b.closed {
		return errors.New("hub: backplane not started")
	}

	b.refs[room]++
	if b.refs[room] > 1 {
		return nil
	}
	return b.pubsub.Subscribe(ctx, roomChannel(room))
}

// Unsubscribe drops a reference, leaving the channel on the last one.
func (b *RedisBackplane) Unsubscribe(ctx context.Context, room string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.pubsub == nil || b.closed {
		return nil
	}
	if b.refs[room] == 0 {
		return nil
	}

	b.refs[room]--
	if b.refs[room] > 0 {
		return nil
	}
	delete(b.refs, room)
	return b.pubsub.Unsubscribe(ctx, roomChannel(room))
}

// Close stops the receive loop. The Redis client stays open for its owner.
func (b *RedisBackplane) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.pubsub != nil {
		return b.pubsub.Close()
	}
	return nil
}
