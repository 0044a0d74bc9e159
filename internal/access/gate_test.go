package access_test

import (
	"context"
	"errors"
	"log/slog"
	"testing"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/access"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/logging"
)

func newTestLogger() *slog.Logger {
	return logging.Discard()
}

type fakeStore struct {
	roomMembers map[string][]string
	userRooms   map[string][]string
	roomErr     error
	userErr     error
}

func (s *fakeStore) RoomMembers(_ context.Context, room string) ([]string, error) {
	if s.roomErr != nil {
		return nil, s.roomErr
	}
	return s.roomMembers[room], nil
}

func (s *fakeStore) UserRooms(_ context.Context, user string) ([]string, error) {
	if s.userErr != nil {
		return nil, s.userErr
	}
	return s.userRooms[user], nil
}

func TestCheckGrantsEitherDirection(t *testing.T) {
	store := &fakeStore{
		roomMembers: map[string][]string{"room-a": {"alice"}},
		userRooms:   map[string][]string{"bob": {"room-b"}},
	}
	gate := access.NewGate(newTestLogger(), store)
	ctx := context.Background()

	if !gate.Check(ctx, "alice", "room-a") {
		t.Error("room-side membership should grant")
	}
	if !gate.Check(ctx, "bob", "room-b") {
		t.Error("user-side membership should grant")
	}
	if gate.Check(ctx, "mallory", "room-a") {
		t.Error("absent from both directions should deny")
	}
	if gate.Check(ctx, "alice", "room-b") {
		t.Error("membership in one room must not grant another")
	}
}

func TestCheckDeniesOnStoreFailure(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("connection refused")

	roomFail := access.NewGate(newTestLogger(), &fakeStore{roomErr: boom})
	if roomFail.Check(ctx, "alice", "room-a") {
		t.Error("room lookup failure must deny")
	}

	// Room lookup succeeds empty, user lookup fails.
	userFail := access.NewGate(newTestLogger(), &fakeStore{userErr: boom})
	if userFail.Check(ctx, "alice", "room-a") {
		t.Error("user lookup failure must deny")
	}
}

func TestAllowAllGateGrantsEverything(t *testing.T) {
	gate := access.NewAllowAllGate(newTestLogger())
	if !gate.Check(context.Background(), "anyone", "anywhere") {
		t.Error("allow-all gate must grant unconditionally")
	}
}
