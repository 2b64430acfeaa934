// Package store is the client for the externally-owned message/room store.
// Rooms and message history are persisted elsewhere; this package only reads
// rooms and appends authenticated messages to obtain durable ids.
package store

import (
	"context"
	"errors"
	"time"

	v1 "parley/contracts/chat/v1"
)

// ErrRoomNotFound is returned when no room exists under the given name.
var ErrRoomNotFound = errors.New("store: room not found")

// SaveMessageInput describes a message append request.
type SaveMessageInput struct {
	Content      string
	FromUserName string
	Room         string
	Now          time.Time
}

// Store reads rooms and persists authenticated messages.
//
// Guest and private messages are never passed to SaveMessage; they stay
// transient with a zero id.
type Store interface {
	// FindRoom resolves a room by name, or ErrRoomNotFound.
	FindRoom(ctx context.Context, name string) (v1.Room, error)

	// SaveMessage persists a message and returns its durable id.
	SaveMessage(ctx context.Context, in SaveMessageInput) (int64, error)

	// ListRooms returns all rooms ordered by name.
	ListRooms(ctx context.Context) ([]v1.Room, error)

	// GetHistory returns the most recent messages for a room, oldest first.
	GetHistory(ctx context.Context, room string, limit int) ([]v1.Message, error)

	Close() error
}

const (
	defaultHistoryLimit = 20
	maxHistoryLimit     = 200
)

func clampHistoryLimit(limit int) int {
	if limit <= 0 {
		return defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		return maxHistoryLimit
	}
	return limit
}
