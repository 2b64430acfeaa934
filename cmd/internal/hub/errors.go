package hub

import (
	"errors"
	"fmt"
)

// ErrorKind classifies hub operation failures. Every operation boundary
// converts failures into either an onError event for the invoking connection
// or a silent no-op; failures never terminate the process or leak to other
// connections.
type ErrorKind string

const (
	// KindRegistryUnavailable means the presence backend is unreachable.
	KindRegistryUnavailable ErrorKind = "registry_unavailable"
	// KindIdentityUnresolved means no presence record exists for the caller.
	KindIdentityUnresolved ErrorKind = "identity_unresolved"
	// KindRoomNotFound means the target room does not exist in the store.
	KindRoomNotFound ErrorKind = "room_not_found"
	// KindEmptyMessage means the content was blank after trimming.
	// It is reported to the hub caller but never produces an onError event.
	KindEmptyMessage ErrorKind = "empty_message"
	// KindJoinFailed covers any failure inside the join sequence.
	KindJoinFailed ErrorKind = "join_failed"
)

// Error is a hub operation failure with a stable kind and an optional cause.
type Error struct {
	Kind ErrorKind
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("hub: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("hub: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind ErrorKind, msg string, cause error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: cause}
}

// KindOf extracts the ErrorKind from err, or "" when err is not a hub error.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var he *Error
	if errors.As(err, &he) {
		return he.Kind
	}
	return ""
}
