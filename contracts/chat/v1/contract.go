// Package v1 defines the Parley chat wire contract.
//
// This package is intentionally stable and dependency-light.
// It is shared between server and clients to keep the wire protocol authoritative.
package v1

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Version is the protocol version identifier embedded into every envelope.
const Version = "v1"

// Type constants (wire-stable).
const (
	// TypeJoin asks the server to move this connection into a room (client -> server).
	TypeJoin = "join"
	// TypeLeave detaches this connection from a room (client -> server).
	TypeLeave = "leave"
	// TypeSendMessage sends a room broadcast (client -> server).
	TypeSendMessage = "sendMessage"
	// TypeSendPrivate sends a direct message to one user (client -> server).
	TypeSendPrivate = "sendPrivate"
	// TypeGetUsers requests the presence list for a room (client -> server).
	TypeGetUsers = "getUsers"

	// TypeNewMessage delivers a room or private message (server -> client).
	TypeNewMessage = "newMessage"
	// TypeAddUser announces a user joining the receiver's room (server -> client).
	TypeAddUser = "addUser"
	// TypeRemoveUser announces a user leaving the receiver's room (server -> client).
	TypeRemoveUser = "removeUser"
	// TypeProfileInfo carries the caller's own presence record, sent once on connect (server -> client).
	TypeProfileInfo = "getProfileInfo"
	// TypeUsers answers a getUsers request (server -> client).
	TypeUsers = "users"
	// TypeError reports an operation failure to the invoking connection only (server -> client).
	TypeError = "onError"
)

// Envelope is the canonical wire wrapper.
type Envelope struct {
	V       string          `json:"v"`
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	TS      time.Time       `json:"ts,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Validate performs strict structural validation for an Envelope.
func (e Envelope) Validate() error {
	if strings.TrimSpace(e.V) == "" {
		return errors.New("missing field: v")
	}
	if e.V != Version {
		return fmt.Errorf("unsupported protocol version: %q", e.V)
	}
	if strings.TrimSpace(e.Type) == "" {
		return errors.New("missing field: type")
	}

	switch e.Type {
	case TypeJoin,
		TypeLeave,
		TypeSendMessage,
		TypeSendPrivate,
		TypeGetUsers,
		TypeNewMessage,
		TypeAddUser,
		TypeRemoveUser,
		TypeProfileInfo,
		TypeUsers,
		TypeError:
		return nil
	default:
		return fmt.Errorf("unknown type: %q", e.Type)
	}
}

// PresenceRecord is the live profile + location data for one connected user.
type PresenceRecord struct {
	UserName    string `json:"userName"`
	FullName    string `json:"fullName"`
	Avatar      string `json:"avatar"`
	Device      string `json:"device"`
	CurrentRoom string `json:"currentRoom"`
}

// Message is a delivered chat message. Private messages carry an empty Room
// and transient (guest/private) messages carry ID 0.
type Message struct {
	ID           int64     `json:"id"`
	Content      string    `json:"content"`
	Timestamp    time.Time `json:"timestamp"`
	FromUserName string    `json:"fromUserName"`
	FromFullName string    `json:"fromFullName"`
	Room         string    `json:"room"`
	Avatar       string    `json:"avatar"`
}

// Room describes a chat room as owned by the external room store.
type Room struct {
	ID    int64  `json:"id"`
	Name  string `json:"name"`
	Admin string `json:"admin"`
}

// ---- Payloads ----

// JoinPayload requests membership in a room.
type JoinPayload struct {
	Room string `json:"room"`
}

// LeavePayload detaches the connection from a room without notifications.
type LeavePayload struct {
	Room string `json:"room"`
}

// SendMessagePayload requests a room broadcast.
type SendMessagePayload struct {
	Room    string `json:"room"`
	Content string `json:"content"`
}

// SendPrivatePayload requests a direct message.
type SendPrivatePayload struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

// GetUsersPayload requests the presence list for a room.
type GetUsersPayload struct {
	Room string `json:"room"`
}

// UsersPayload answers a getUsers request.
type UsersPayload struct {
	Room  string           `json:"room"`
	Users []PresenceRecord `json:"users"`
}

// ErrorPayload is the onError event body.
type ErrorPayload struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}
