package gateway

import (
	"log/slog"
	"sync"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/doc"
)

// SizeMonitor watches document growth and raises non-fatal warnings when a
// room's serialized size crosses the configured threshold. Attach/Detach
// are reference-counted and invoked only from the registry's join/leave
// transactions; a room is never subscribed twice.
type SizeMonitor struct {
	threshold int64
	logger    *slog.Logger

	mu      sync.Mutex
	watches map[string]*watch
}

type watch struct {
	refs   int
	detach func()
	warned bool
}

func NewSizeMonitor(logger *slog.Logger, threshold int64) *SizeMonitor {
	return &SizeMonitor{
		threshold: threshold,
		logger:    logger.With(slog.String("component", "room_size_monitor")),
		watches:   make(map[string]*watch),
	}
}

// Attach increments the room's reference count.
func (m *SizeMonitor) Attach(roomName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[roomName]
	if !ok {
		w = &watch{}
		m.watches[roomName] = w
	}
	w.refs++
}

// Bind subscribes the room's watch to the document handle's update
// notifications. No-op when already subscribed or when the room has no
// remaining references.
func (m *SizeMonitor) Bind(roomName string, handle doc.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[roomName]
	if !ok || w.refs <= 0 || w.detach != nil {
		return
	}
	w.detach = handle.Subscribe(func() {
		m.check(roomName, handle)
	})
}

// Detach decrements the reference count and unsubscribes when it returns to
// zero.
func (m *SizeMonitor) Detach(roomName string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.watches[roomName]
	if !ok {
		return
	}
	w.refs--
	if w.refs > 0 {
		return
	}
	delete(m.watches, roomName)
	if w.detach != nil {
		w.detach()
	}
}

// Refs reports the current reference count for a room. Zero for unknown
// rooms.
func (m *SizeMonitor) Refs(roomName string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if w, ok := m.watches[roomName]; ok {
		return w.refs
	}
	return 0
}

func (m *SizeMonitor) check(roomName string, handle doc.Handle) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("Size check panicked", slog.Any("panic", r))
		}
	}()

	if m.threshold <= 0 {
		return
	}
	size := handle.Size()
	if size <= m.threshold {
		return
	}

	m.mu.Lock()
	w, ok := m.watches[roomName]
	if !ok || w.warned {
		m.mu.Unlock()
		return
	}
	w.warned = true
	m.mu.Unlock()

	m.logger.Warn("Room document size over threshold",
		slog.String("room", roomName),
		slog.Int64("sizeBytes", size),
		slog.Int64("thresholdBytes", m.threshold),
	)
}
