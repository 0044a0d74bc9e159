package gateway

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/doc"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/config"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/transport"
)

// releaseTimeout caps the persistence write performed when a room's
// document handle is released.
const releaseTimeout = 10 * time.Second

// Registry owns the live mapping of rooms to sessions and every session's
// state machine. It is the single writer of the room and address quota
// counters: a quota check and its increment always happen inside one
// critical section, and no I/O is ever performed with the lock held.
type Registry struct {
	logger *slog.Logger
	clock  clock.Clock
	engine doc.Engine
	limits config.LimitsConfig
	grace  time.Duration
	sizes  *SizeMonitor

	mu         sync.Mutex
	sessions   map[uuid.UUID]*Session
	rooms      map[string]*room
	roomCounts map[string]int
	ipCounts   map[string]int
}

// room tracks one live collaborative document. It exists while it has at
// least one member session or its post-empty grace timer is still armed.
type room struct {
	name    string
	members map[uuid.UUID]*Session
	handle  doc.Handle
	grace   *clock.Timer
}

func NewRegistry(logger *slog.Logger, clk clock.Clock, engine doc.Engine, limits config.LimitsConfig, grace time.Duration, sizes *SizeMonitor) *Registry {
	return &Registry{
		logger:     logger.With(slog.String("component", "room_registry")),
		clock:      clk,
		engine:     engine,
		limits:     limits,
		grace:      grace,
		sizes:      sizes,
		sessions:   make(map[uuid.UUID]*Session),
		rooms:      make(map[string]*room),
		roomCounts: make(map[string]int),
		ipCounts:   make(map[string]int),
	}
}

// Track registers a new connection attempt in CONNECTING state. The session
// is visible to CloseSession from this point on, so an abrupt disconnect
// during the admission sequence removes it and later pipeline steps notice.
func (r *Registry) Track(sourceAddr string) *Session {
	s := &Session{
		ID:          uuid.New(),
		SourceAddr:  sourceAddr,
		ConnectedAt: r.clock.Now(),
		state:       StateConnecting,
	}
	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()
	return s
}

// StartAuthentication moves the session to AUTHENTICATING.
func (r *Registry) StartAuthentication(s *Session) error {
	return r.advance(s, StateAuthenticating, func(*Session) {})
}

// StartAuthorization records the verified identity and moves the session to
// AUTHORIZING.
func (r *Registry) StartAuthorization(s *Session, userID string, credentialExpiry time.Time) error {
	return r.advance(s, StateAuthorizing, func(s *Session) {
		s.UserID = userID
		s.CredentialExpiry = credentialExpiry
	})
}

func (r *Registry) advance(s *Session, next State, apply func(*Session)) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, tracked := r.sessions[s.ID]; !tracked || s.state == StateClosed {
		// The client went away while an earlier step's I/O was in
		// flight; its result is discarded.
		return ErrUnauthorized
	}
	apply(s)
	s.state = next
	return nil
}

// Admit runs the quota checks and, on success, joins the session to its
// room, all inside one lock hold so no concurrent attempt can observe a
// stale counter. Enforcement order: source address first, then room.
func (r *Registry) Admit(s *Session, roomName string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, tracked := r.sessions[s.ID]; !tracked || s.state == StateClosed {
		return ErrUnauthorized
	}
	if r.limits.MaxSocketsPerIP > 0 && r.ipCounts[s.SourceAddr] >= r.limits.MaxSocketsPerIP {
		r.logger.Warn("Source address socket limit reached",
			slog.String("addr", s.SourceAddr),
			slog.Int("count", r.ipCounts[s.SourceAddr]),
		)
		return ErrAddressQuota
	}
	if r.limits.MaxSocketsPerRoom > 0 && r.roomCounts[roomName] >= r.limits.MaxSocketsPerRoom {
		r.logger.Warn("Room socket limit reached",
			slog.String("room", roomName),
			slog.Int("count", r.roomCounts[roomName]),
		)
		return ErrRoomFull
	}

	r.ipCounts[s.SourceAddr]++
	r.roomCounts[roomName]++
	s.counted = true
	s.Room = roomName
	s.state = StateAdmitted

	rm, ok := r.rooms[roomName]
	if !ok {
		rm = &room{name: roomName, members: make(map[uuid.UUID]*Session)}
		r.rooms[roomName] = rm
		r.logger.Debug("Room created", slog.String("room", roomName))
	}
	if rm.grace != nil {
		// Fast reconnect within the grace period; reuse the still-open
		// document handle.
		rm.grace.Stop()
		rm.grace = nil
		r.logger.Debug("Room grace period cancelled", slog.String("room", roomName))
	}
	rm.members[s.ID] = s

	if r.sizes != nil {
		r.sizes.Attach(roomName)
		if rm.handle != nil {
			r.sizes.Bind(roomName, rm.handle)
		}
	}
	return nil
}

// OpenDocument returns the room's document handle, opening it through the
// engine (and loading persisted state) for the first member. The engine
// call happens without the registry lock.
func (r *Registry) OpenDocument(ctx context.Context, s *Session) (doc.Handle, error) {
	r.mu.Lock()
	rm, ok := r.rooms[s.Room]
	if !ok || s.state == StateClosed {
		r.mu.Unlock()
		return nil, ErrUnauthorized
	}
	if rm.handle != nil {
		h := rm.handle
		r.mu.Unlock()
		return h, nil
	}
	r.mu.Unlock()

	h, err := r.engine.Open(ctx, s.Room)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	rm, ok = r.rooms[s.Room]
	if !ok || s.state == StateClosed {
		r.mu.Unlock()
		// The room emptied while the open was in flight; nothing will
		// use this handle.
		relCtx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
		defer cancel()
		if relErr := h.Release(relCtx); relErr != nil {
			r.logger.Error("Failed to release orphaned document handle",
				slog.String("room", s.Room), slog.Any("error", relErr))
		}
		return nil, ErrUnauthorized
	}
	if rm.handle == nil {
		rm.handle = h
		if r.sizes != nil {
			r.sizes.Bind(s.Room, h)
		}
	}
	h = rm.handle
	r.mu.Unlock()
	return h, nil
}

// Activate binds the transport connection, moves the session to ACTIVE and
// returns the document state the new member must replay. The snapshot is
// taken in the same critical section that makes the session visible to
// fanout, so every update lands in exactly one of the two: the replayed
// state or a fanned-out message, never both and never neither.
func (r *Registry) Activate(s *Session, conn *transport.Connection) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, tracked := r.sessions[s.ID]; !tracked || s.state == StateClosed {
		return nil, ErrUnauthorized
	}
	s.conn = conn
	s.lastActivityAt = r.clock.Now()
	s.state = StateActive

	var state []byte
	if rm := r.rooms[s.Room]; rm != nil && rm.handle != nil {
		state = rm.handle.State()
	}
	return state, nil
}

// Touch records inbound activity for the session.
func (r *Registry) Touch(sessID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessID]
	if !ok {
		return
	}
	s.lastActivityAt = r.clock.Now()
	if s.state == StateIdle {
		s.state = StateActive
	}
}

// Dispatch merges one inbound update into the session's document and fans
// it out to the room's other members. The merge completes before Dispatch
// returns, so the producing connection can be reaped immediately afterwards
// without losing the write. The merge and the membership decision share
// the registry's critical section: Handle.ApplyUpdate is an in-memory
// operation by contract, and holding the lock across it keeps Activate's
// state snapshot and the fanout recipient list mutually consistent. The
// sends themselves happen after unlock; Send can block on a slow peer.
func (r *Registry) Dispatch(ctx context.Context, sessID uuid.UUID, msg []byte) error {
	r.mu.Lock()
	s, ok := r.sessions[sessID]
	if !ok || (s.state != StateActive && s.state != StateIdle) {
		r.mu.Unlock()
		return nil
	}
	s.lastActivityAt = r.clock.Now()
	if s.state == StateIdle {
		s.state = StateActive
	}
	rm := r.rooms[s.Room]
	if rm == nil || rm.handle == nil {
		r.mu.Unlock()
		return nil
	}
	if err := rm.handle.ApplyUpdate(ctx, msg); err != nil {
		r.mu.Unlock()
		return err
	}
	peers := make([]*transport.Connection, 0, len(rm.members))
	for id, member := range rm.members {
		if id != sessID && member.conn != nil {
			peers = append(peers, member.conn)
		}
	}
	r.mu.Unlock()

	for _, peer := range peers {
		peer.Send(msg)
	}
	return nil
}

// CloseSession transitions the session to CLOSED from whatever state it was
// in and decrements exactly the counters it had incremented, exactly once.
// Safe to call multiple times and for unknown ids.
func (r *Registry) CloseSession(sessID uuid.UUID) {
	r.mu.Lock()
	s, ok := r.sessions[sessID]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessID)
	prior := s.state
	s.state = StateClosed

	if s.counted {
		s.counted = false
		if n := r.roomCounts[s.Room] - 1; n > 0 {
			r.roomCounts[s.Room] = n
		} else {
			delete(r.roomCounts, s.Room)
		}
		if n := r.ipCounts[s.SourceAddr] - 1; n > 0 {
			r.ipCounts[s.SourceAddr] = n
		} else {
			delete(r.ipCounts, s.SourceAddr)
		}

		if rm := r.rooms[s.Room]; rm != nil {
			delete(rm.members, s.ID)
			if r.sizes != nil {
				r.sizes.Detach(s.Room)
			}
			if len(rm.members) == 0 {
				r.armGraceLocked(rm)
			}
		}
	}
	r.mu.Unlock()

	r.logger.Debug("Session closed",
		slog.String("sessionID", sessID.String()),
		slog.String("priorState", prior.String()),
	)
}

// armGraceLocked schedules the empty room's teardown. A reconnect before
// the timer fires reuses the still-open document handle.
func (r *Registry) armGraceLocked(rm *room) {
	if rm.grace != nil {
		rm.grace.Stop()
	}
	if r.grace <= 0 {
		// No grace configured; tear down on the spot.
		go r.releaseRoom(rm.name)
		return
	}
	rm.grace = r.clock.AfterFunc(r.grace, func() {
		r.releaseRoom(rm.name)
	})
	r.logger.Debug("Room grace period started", slog.String("room", rm.name))
}

func (r *Registry) releaseRoom(name string) {
	r.mu.Lock()
	rm, ok := r.rooms[name]
	if !ok || len(rm.members) > 0 {
		r.mu.Unlock()
		return
	}
	delete(r.rooms, name)
	handle := rm.handle
	r.mu.Unlock()

	if handle == nil {
		r.logger.Debug("Room destroyed", slog.String("room", name))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), releaseTimeout)
	defer cancel()
	if err := handle.Release(ctx); err != nil {
		r.logger.Error("Failed to release document handle",
			slog.String("room", name), slog.Any("error", err))
		return
	}
	r.logger.Debug("Room destroyed", slog.String("room", name))
}

// reapIfIdle closes the session's transport when it has been inactive past
// threshold. The counter release happens through the normal close path; the
// monitor never mutates counters itself.
func (r *Registry) reapIfIdle(sessID uuid.UUID, threshold time.Duration, now time.Time) bool {
	r.mu.Lock()
	s, ok := r.sessions[sessID]
	if !ok || s.state != StateActive || s.conn == nil {
		r.mu.Unlock()
		return false
	}
	if now.Sub(s.lastActivityAt) <= threshold {
		r.mu.Unlock()
		return false
	}
	s.state = StateIdle
	conn := s.conn
	r.mu.Unlock()

	conn.CloseWithStatus(transport.StatusIdleTimeout, ErrIdleTimeout.Reason)
	return true
}

// Sessions returns an immutable snapshot of every tracked session.
func (r *Registry) Sessions() []SessionInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s.snapshot())
	}
	return out
}

// Stats reports live session and room totals.
func (r *Registry) Stats() (sessions, rooms int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.rooms)
}

// RoomCount returns the active-session count for a room.
func (r *Registry) RoomCount(roomName string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.roomCounts[roomName]
}

// AddrCount returns the active-session count for a source address.
func (r *Registry) AddrCount(addr string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ipCounts[addr]
}

// CloseAll terminates every live connection. Used during shutdown.
func (r *Registry) CloseAll(reason string) {
	r.mu.Lock()
	conns := make([]*transport.Connection, 0, len(r.sessions))
	for _, s := range r.sessions {
		if s.conn != nil {
			conns = append(conns, s.conn)
		}
	}
	r.mu.Unlock()

	for _, conn := range conns {
		conn.CloseWithStatus(websocket.StatusGoingAway, reason)
	}
}
