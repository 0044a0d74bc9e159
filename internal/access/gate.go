package access

import (
	"context"
	"log/slog"
	"slices"
)

// PermissionStore is the external sharing database. Both directions are
// consulted because the original data model writes membership to either
// side independently.
type PermissionStore interface {
	// RoomMembers returns the user ids permitted to access the room.
	RoomMembers(ctx context.Context, room string) ([]string, error)
	// UserRooms returns the room ids the user is permitted to access.
	UserRooms(ctx context.Context, user string) ([]string, error)
}

// Gate authorizes an authenticated user against a room.
type Gate struct {
	store  PermissionStore
	logger *slog.Logger

	// allowAll short-circuits every check to granted. It can only be set
	// by NewAllowAllGate, which a startup path must call deliberately.
	allowAll bool
}

func NewGate(logger *slog.Logger, store PermissionStore) *Gate {
	return &Gate{
		store:  store,
		logger: logger.With(slog.String("component", "access_gate")),
	}
}

// NewAllowAllGate builds a gate that grants every check. Test harness
// startup only.
func NewAllowAllGate(logger *slog.Logger) *Gate {
	logger.Warn("Access gate constructed in allow-all mode: every authorization check will pass")
	return &Gate{
		logger:   logger.With(slog.String("component", "access_gate")),
		allowAll: true,
	}
}

// Check reports whether user may access room. Any failure reaching the
// permission store denies and is logged as an upstream outage, not a
// legitimate rejection.
func (g *Gate) Check(ctx context.Context, user, room string) bool {
	if g.allowAll {
		g.logger.Debug("Authorization bypassed (allow-all gate)",
			slog.String("userID", user), slog.String("room", room))
		return true
	}

	members, err := g.store.RoomMembers(ctx, room)
	if err != nil {
		g.logger.Error("Permission store unreachable (room lookup); denying",
			slog.String("room", room), slog.Any("error", err))
		return false
	}
	if slices.Contains(members, user) {
		return true
	}

	rooms, err := g.store.UserRooms(ctx, user)
	if err != nil {
		g.logger.Error("Permission store unreachable (user lookup); denying",
			slog.String("userID", user), slog.Any("error", err))
		return false
	}
	if slices.Contains(rooms, room) {
		return true
	}

	g.logger.Warn("Access denied", slog.String("userID", user), slog.String("room", room))
	return false
}
