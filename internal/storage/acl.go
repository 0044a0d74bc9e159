package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	roomACLPrefix = "acl/room/"
	userACLPrefix = "acl/user/"
)

// PermissionStore reads room and user access lists from the snapshot
// store's underlying database. Entries are written out-of-band by the
// sharing management surface; the gateway only ever reads them. An absent
// entry means an empty access list, not an error; fail-closed denial is
// the access gate's decision to make.
type PermissionStore struct {
	store SnapshotStore
}

func NewPermissionStore(store SnapshotStore) *PermissionStore {
	return &PermissionStore{store: store}
}

func (p *PermissionStore) RoomMembers(ctx context.Context, room string) ([]string, error) {
	return p.loadList(ctx, roomACLPrefix+room)
}

func (p *PermissionStore) UserRooms(ctx context.Context, user string) ([]string, error) {
	return p.loadList(ctx, userACLPrefix+user)
}

// GrantRoomMembers replaces the access list for a room. Used by seeding
// and test setup.
func (p *PermissionStore) GrantRoomMembers(ctx context.Context, room string, users []string) error {
	return p.storeList(ctx, roomACLPrefix+room, users)
}

// GrantUserRooms replaces the room list for a user.
func (p *PermissionStore) GrantUserRooms(ctx context.Context, user string, rooms []string) error {
	return p.storeList(ctx, userACLPrefix+user, rooms)
}

func (p *PermissionStore) loadList(ctx context.Context, key string) ([]string, error) {
	blob, err := p.store.Load(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var list []string
	if err := json.Unmarshal(blob, &list); err != nil {
		return nil, fmt.Errorf("corrupt access list %q: %w", key, err)
	}
	return list, nil
}

func (p *PermissionStore) storeList(ctx context.Context, key string, list []string) error {
	blob, err := json.Marshal(list)
	if err != nil {
		return err
	}
	return p.store.Store(ctx, key, blob)
}
