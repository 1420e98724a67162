package ports

import (
	"context"

	"github.com/mxtester/mx-tester/internal/core/domain"
)

// ServerAdmin is the administrative API surface of the homeserver used by
// the fixture provisioner. It is a fixed external protocol, not
// reimplemented here.
type ServerAdmin interface {
	// Probe checks that the homeserver answers its liveness endpoint.
	Probe(ctx context.Context) error

	// RegisterUser registers a user through the shared-secret signed
	// registration protocol.
	RegisterUser(ctx context.Context, sharedSecret string, user domain.User) error

	// Login returns an access token for the user, or an error if the
	// account does not exist or the password is wrong.
	Login(ctx context.Context, localname, password string) (string, error)

	// OverrideRateLimit removes all rate limits for a user. Requires an
	// admin access token. Safe to re-apply.
	OverrideRateLimit(ctx context.Context, adminToken, userID string) error

	// ResolveAlias returns the room id an alias points to, or "" if the
	// alias is not registered.
	ResolveAlias(ctx context.Context, token, alias string) (string, error)

	// DeleteAlias unregisters an alias.
	DeleteAlias(ctx context.Context, token, alias string) error

	// CreateRoom creates a room with the declared visibility, name, alias
	// and topic, returning the room id.
	CreateRoom(ctx context.Context, token string, room domain.Room) (string, error)

	// RoomStateContent returns the content of a state event, with found
	// reporting whether the event exists at all.
	RoomStateContent(ctx context.Context, token, roomID, eventType string) (content map[string]any, found bool, err error)

	// JoinedMembers lists the user ids currently joined to a room.
	JoinedMembers(ctx context.Context, token, roomID string) ([]string, error)

	// Invite invites a user into a room on behalf of the token's owner.
	Invite(ctx context.Context, token, roomID, userID string) error

	// Join joins the token's owner to a room. Idempotent on the server
	// side.
	Join(ctx context.Context, token, roomID string) error
}
