package hub

import (
	"net/http"
	"strings"
)

const (
	guestPrefix   = "guest-"
	guestFullName = "Guest User"
	defaultAvatar = "/images/default-avatar.png"
)

// Identity is the resolved sender identity for one connection. It is threaded
// explicitly through every hub call; the hub never reads ambient state.
type Identity struct {
	UserName string
	FullName string
	Avatar   string
	Guest    bool
}

// IdentityProvider resolves a connection to a stable user identity.
// Implementations that cannot resolve one return ok=false and the gateway
// falls back to a generated guest identity.
type IdentityProvider interface {
	ResolveIdentity(r *http.Request) (Identity, bool)
}

// HeaderIdentityProvider trusts identity headers injected by an upstream
// authentication proxy. It is the default provider; deployments terminate
// authentication before this service.
type HeaderIdentityProvider struct {
	// UserHeader names the header carrying the username (default X-Auth-User).
	UserHeader string
	// NameHeader names the header carrying the display name (default X-Auth-Name).
	NameHeader string
	// AvatarHeader names the header carrying the avatar URL (default X-Auth-Avatar).
	AvatarHeader string
}

// ResolveIdentity reads the identity headers; ok=false when no username is present.
func (p HeaderIdentityProvider) ResolveIdentity(r *http.Request) (Identity, bool) {
	userHeader := p.UserHeader
	if userHeader == "" {
		userHeader = "X-Auth-User"
	}
	nameHeader := p.NameHeader
	if nameHeader == "" {
		nameHeader = "X-Auth-Name"
	}
	avatarHeader := p.AvatarHeader
	if avatarHeader == "" {
		avatarHeader = "X-Auth-Avatar"
	}

	username := strings.TrimSpace(r.Header.Get(userHeader))
	if username == "" {
		return Identity{}, false
	}

	fullName := strings.TrimSpace(r.Header.Get(nameHeader))
	if fullName == "" {
		fullName = username
	}
	avatar := strings.TrimSpace(r.Header.Get(avatarHeader))
	if avatar == "" {
		avatar = defaultAvatar
	}

	return Identity{UserName: username, FullName: fullName, Avatar: avatar}, true
}

// GuestIdentity builds the synthetic identity for an unauthenticated session.
func GuestIdentity(sessionID string) Identity {
	return Identity{
		UserName: guestPrefix + sessionID,
		FullName: guestFullName,
		Avatar:   defaultAvatar,
		Guest:    true,
	}
}

// IsGuestName reports whether a username denotes a guest identity.
func IsGuestName(username string) bool {
	return strings.HasPrefix(username, guestPrefix)
}

// deviceFromRequest reads the Device header; only Desktop and Mobile are
// honored, everything else is reported as Web.
func deviceFromRequest(r *http.Request) string {
	device := strings.TrimSpace(r.Header.Get("Device"))
	if device == "Desktop" || device == "Mobile" {
		return device
	}
	return "Web"
}
