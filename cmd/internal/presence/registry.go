// Package presence implements the cluster-wide connection registry: the
// single source of truth for which users are online, which connection they
// hold, and which room they are in.
package presence

import (
	"context"
	"errors"

	v1 "parley/contracts/chat/v1"
)

// ErrNotFound is returned when no presence is registered for a username.
var ErrNotFound = errors.New("presence: not found")

// ErrUnavailable wraps backend failures. Callers must not retry silently:
// the triggering hub operation aborts and reports to the invoking connection.
var ErrUnavailable = errors.New("presence: registry unavailable")

// Registry maps username -> presence record and username -> connection id.
//
// Requirements:
//   - All operations safe for concurrent callers across processes.
//   - Register is an idempotent upsert; a newer connect for the same username
//     supersedes the older entry (last-writer-wins).
//   - No component may cache results beyond one request.
type Registry interface {
	// Register upserts the presence record and connection mapping for rec.UserName.
	Register(ctx context.Context, rec v1.PresenceRecord, connectionID string) error

	// Lookup returns the presence record for username, or ErrNotFound.
	Lookup(ctx context.Context, username string) (v1.PresenceRecord, error)

	// LookupConnection returns the connection id for username, or ErrNotFound.
	LookupConnection(ctx context.Context, username string) (string, error)

	// Unregister removes both the presence record and the connection mapping.
	Unregister(ctx context.Context, username string) error

	// ListByRoom returns all registered presences whose CurrentRoom matches.
	ListByRoom(ctx context.Context, room string) ([]v1.PresenceRecord, error)

	// UpdateRoom rewrites only the CurrentRoom field of an existing record.
	// Missing records are a no-op, matching upstream behavior.
	UpdateRoom(ctx context.Context, username, room string) error
}
