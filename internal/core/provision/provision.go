package provision

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mxtester/mx-tester/internal/core/domain"
	"github.com/mxtester/mx-tester/internal/core/ports"
)

// adminLocalname is the internal admin account the provisioner registers
// when it needs the admin API, e.g. for rate-limit overrides.
const adminLocalname = "mx-tester-admin"

// Provisioner converges the declared users and rooms against the live
// homeserver. It runs once per up, after the server answers the liveness
// probe, and is idempotent across repeated ups.
type Provisioner struct {
	admin  ports.ServerAdmin
	logger *slog.Logger
}

// New creates a provisioner on top of the homeserver admin API.
func New(admin ports.ServerAdmin, logger *slog.Logger) *Provisioner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provisioner{admin: admin, logger: logger}
}

// Apply converges the declared fixtures. Users first, in declaration order,
// then rooms, then memberships. The first failure aborts with a
// *domain.ProvisionError naming the fixture; partially provisioned state is
// left as-is, since the down path tears down the whole container anyway.
func (p *Provisioner) Apply(ctx context.Context, cfg *domain.Config) error {
	tokens := make(map[string]string, len(cfg.Users))
	for _, u := range cfg.Users {
		token, err := p.ensureUser(ctx, cfg, u)
		if err != nil {
			return &domain.ProvisionError{Fixture: "user " + u.Localname, Err: err}
		}
		tokens[u.Localname] = token
	}

	// Rate-limit overrides are re-applied even for pre-existing users:
	// the toggle is a lightweight administrative call safe to repeat.
	adminToken := ""
	for _, u := range cfg.Users {
		if u.RateLimit != domain.RateLimitUnlimited {
			continue
		}
		if adminToken == "" {
			token, err := p.ensureUser(ctx, cfg, domain.User{
				Localname: adminLocalname,
				Admin:     true,
				Password:  domain.DefaultPassword,
			})
			if err != nil {
				return &domain.ProvisionError{Fixture: "admin account " + adminLocalname, Err: err}
			}
			adminToken = token
		}
		if err := p.admin.OverrideRateLimit(ctx, adminToken, cfg.UserID(u.Localname)); err != nil {
			return &domain.ProvisionError{Fixture: "rate limit for user " + u.Localname, Err: err}
		}
	}

	for _, u := range cfg.Users {
		for _, room := range u.Rooms {
			if err := p.convergeRoom(ctx, cfg, u, room, tokens); err != nil {
				return &domain.ProvisionError{Fixture: "room " + roomLabel(room), Err: err}
			}
		}
	}
	return nil
}

// ensureUser logs the user in, registering the account first if it does not
// exist. Existing accounts are left untouched.
func (p *Provisioner) ensureUser(ctx context.Context, cfg *domain.Config, user domain.User) (string, error) {
	token, err := p.admin.Login(ctx, user.Localname, user.Password)
	if err == nil {
		return token, nil
	}
	p.logger.Debug("login failed, registering user", "localname", user.Localname, "cause", err)
	if err := p.admin.RegisterUser(ctx, cfg.Homeserver.RegistrationSharedSecret, user); err != nil {
		return "", fmt.Errorf("registration failed: %w", err)
	}
	token, err = p.admin.Login(ctx, user.Localname, user.Password)
	if err != nil {
		return "", fmt.Errorf("login after registration failed: %w", err)
	}
	return token, nil
}

// convergeRoom makes the declared room exist and its declared members
// joined. Members that exist but were not declared are never removed.
func (p *Provisioner) convergeRoom(ctx context.Context, cfg *domain.Config, owner domain.User, room domain.Room, tokens map[string]string) error {
	creatorToken := tokens[owner.Localname]

	roomID := ""
	if room.Alias != "" {
		existing, err := p.admin.ResolveAlias(ctx, creatorToken, room.Alias)
		if err != nil {
			return fmt.Errorf("failed to resolve alias: %w", err)
		}
		if existing != "" {
			if p.matchesDeclaration(ctx, creatorToken, existing, room) {
				roomID = existing
			} else {
				// A room from a previous, now-stale up holds the
				// alias. Aliases are suite-scoped and disposable:
				// free it and create a fresh room.
				p.logger.Info("alias held by a stale room, unregistering", "alias", room.Alias, "room", existing)
				if err := p.admin.DeleteAlias(ctx, creatorToken, room.Alias); err != nil {
					return fmt.Errorf("failed to unregister stale alias: %w", err)
				}
			}
		}
	}
	if roomID == "" {
		created, err := p.admin.CreateRoom(ctx, creatorToken, room)
		if err != nil {
			return fmt.Errorf("failed to create room: %w", err)
		}
		p.logger.Info("created room", "room", created, "alias", room.Alias)
		roomID = created
	}

	joined, err := p.admin.JoinedMembers(ctx, creatorToken, roomID)
	if err != nil {
		return fmt.Errorf("failed to list members: %w", err)
	}
	joinedSet := make(map[string]bool, len(joined))
	for _, userID := range joined {
		joinedSet[userID] = true
	}
	for _, member := range room.Members {
		userID := cfg.UserID(member)
		if joinedSet[userID] {
			continue
		}
		if member != owner.Localname {
			if err := p.admin.Invite(ctx, creatorToken, roomID, userID); err != nil {
				return fmt.Errorf("failed to invite %s: %w", userID, err)
			}
		}
		if err := p.admin.Join(ctx, tokens[member], roomID); err != nil {
			return fmt.Errorf("failed to join %s: %w", userID, err)
		}
		joinedSet[userID] = true
	}
	return nil
}

// matchesDeclaration reports whether a live room carries the declared name
// and topic. Unreadable state counts as a mismatch: it means the room
// belongs to some earlier configuration the creator is not part of.
func (p *Provisioner) matchesDeclaration(ctx context.Context, token, roomID string, room domain.Room) bool {
	name, err := p.stateField(ctx, token, roomID, "m.room.name", "name")
	if err != nil || name != room.Name {
		return false
	}
	topic, err := p.stateField(ctx, token, roomID, "m.room.topic", "topic")
	if err != nil || topic != room.Topic {
		return false
	}
	return true
}

func (p *Provisioner) stateField(ctx context.Context, token, roomID, eventType, field string) (string, error) {
	content, found, err := p.admin.RoomStateContent(ctx, token, roomID, eventType)
	if err != nil {
		return "", err
	}
	if !found {
		return "", nil
	}
	value, _ := content[field].(string)
	return value, nil
}

func roomLabel(room domain.Room) string {
	if room.Alias != "" {
		return room.Alias
	}
	return room.Name
}
