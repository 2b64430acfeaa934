package presence

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	v1 "parley/contracts/chat/v1"
)

const (
	// Hash: username -> presence record JSON.
	connectionsKey = "chat:connections"
	// Hash: username -> connection id.
	connectionsMapKey = "chat:connectionsMap"
)

// RedisRegistry is a Registry backed by two Redis hashes, shared by every
// server process in the cluster.
type RedisRegistry struct {
	rdb *redis.Client
}

// NewRedisRegistry constructs a registry over an existing client.
// The client lifecycle is owned by the caller.
func NewRedisRegistry(rdb *redis.Client) (*RedisRegistry, error) {
	if rdb == nil {
		return nil, errors.New("presence: nil redis client")
	}
	return &RedisRegistry{rdb: rdb}, nil
}

// Register upserts presence and connection mapping in one pipeline.
func (r *RedisRegistry) Register(ctx context.Context, rec v1.PresenceRecord, connectionID string) error {
	username := strings.TrimSpace(rec.UserName)
	if username == "" {
		return errors.New("presence: empty username")
	}

	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	pipe := r.rdb.TxPipeline()
	pipe.HSet(ctx, connectionsKey, username, b)
	pipe.HSet(ctx, connectionsMapKey, username, connectionID)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("register", err)
	}
	return nil
}

// Lookup returns the presence record for username.
func (r *RedisRegistry) Lookup(ctx context.Context, username string) (v1.PresenceRecord, error) {
	raw, err := r.rdb.HGet(ctx, connectionsKey, username).Result()
	if errors.Is(err, redis.Nil) {
		return v1.PresenceRecord{}, ErrNotFound
	}
	if err != nil {
		return v1.PresenceRecord{}, unavailable("lookup", err)
	}

	var rec v1.PresenceRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		return v1.PresenceRecord{}, fmt.Errorf("presence: corrupt record for %q: %w", username, err)
	}
	return rec, nil
}

// LookupConnection returns the connection id for username.
func (r *RedisRegistry) LookupConnection(ctx context.Context, username string) (string, error) {
	id, err := r.rdb.HGet(ctx, connectionsMapKey, username).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", unavailable("lookup_connection", err)
	}
	return id, nil
}

// Unregister removes both mappings. Removing an absent username is not an error.
func (r *RedisRegistry) Unregister(ctx context.Context, username string) error {
	pipe := r.rdb.TxPipeline()
	pipe.HDel(ctx, connectionsKey, username)
	pipe.HDel(ctx, connectionsMapKey, username)
	if _, err := pipe.Exec(ctx); err != nil {
		return unavailable("unregister", err)
	}
	return nil
}

// ListByRoom scans all presence records and filters by CurrentRoom.
// The connections hash is bounded by concurrently connected users, so a full
// HGetAll stays cheap at the deployment sizes this serves.
func (r *RedisRegistry) ListByRoom(ctx context.Context, room string) ([]v1.PresenceRecord, error) {
	entries, err := r.rdb.HGetAll(ctx, connectionsKey).Result()
	if err != nil {
		return nil, unavailable("list_by_room", err)
	}

	out := make([]v1.PresenceRecord, 0, len(entries))
	for username, raw := range entries {
		var rec v1.PresenceRecord
		if err := json.Unmarshal([]byte(raw), &rec); err != nil {
			return nil, fmt.Errorf("presence: corrupt record for %q: %w", username, err)
		}
		if rec.CurrentRoom == room {
			out = append(out, rec)
		}
	}
	return out, nil
}

// UpdateRoom is a read-modify-write of the CurrentRoom field only.
// The caller serializes per username (hub join lock), so the non-atomic
// read/write pair does not race with itself.
func (r *RedisRegistry) UpdateRoom(ctx context.Context, username, room string) error {
	rec, err := r.Lookup(ctx, username)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}

	rec.CurrentRoom = room
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	if err := r.rdb.HSet(ctx, connectionsKey, username, b).Err(); err != nil {
		return unavailable("update_room", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}
