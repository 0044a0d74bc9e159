package doc

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/storage"
)

// flushDelay debounces snapshot writes so a burst of updates costs one
// store round-trip.
const flushDelay = time.Second

var errReleased = errors.New("document handle released")

// UpdateLog is a reference engine that treats a document as an ordered log
// of opaque updates: appended on write, replayed to late joiners, persisted
// through the snapshot store on the engine's own cadence. It performs no
// content interpretation.
type UpdateLog struct {
	store  storage.SnapshotStore
	clock  clock.Clock
	logger *slog.Logger

	mu   sync.Mutex
	docs map[string]*logHandle
}

func NewUpdateLog(logger *slog.Logger, store storage.SnapshotStore, clk clock.Clock) *UpdateLog {
	return &UpdateLog{
		store:  store,
		clock:  clk,
		logger: logger.With(slog.String("component", "update_log")),
		docs:   make(map[string]*logHandle),
	}
}

var _ Engine = (*UpdateLog)(nil)

func (e *UpdateLog) Open(ctx context.Context, name string) (Handle, error) {
	e.mu.Lock()
	if h, ok := e.docs[name]; ok {
		e.mu.Unlock()
		return h, nil
	}
	e.mu.Unlock()

	// Load outside the engine lock; other documents keep progressing
	// while this one hydrates.
	blob, err := e.store.Load(ctx, name)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("open %q: %w", name, err)
	}
	updates, size, err := decodeLog(blob)
	if err != nil {
		return nil, fmt.Errorf("open %q: corrupt snapshot: %w", name, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok := e.docs[name]; ok {
		// Lost the race to another opener; its state wins.
		return h, nil
	}
	h := &logHandle{
		engine:  e,
		name:    name,
		updates: updates,
		size:    size,
		subs:    make(map[int]func()),
		logger:  e.logger.With(slog.String("doc", name)),
	}
	e.docs[name] = h
	e.logger.Debug("Document opened", slog.String("doc", name), slog.Int("updates", len(updates)))
	return h, nil
}

func (e *UpdateLog) drop(name string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.docs, name)
}

type logHandle struct {
	engine *UpdateLog
	name   string
	logger *slog.Logger

	mu       sync.Mutex
	updates  [][]byte
	size     int64
	subs     map[int]func()
	nextSub  int
	flush    *clock.Timer
	released bool
}

func (h *logHandle) ApplyUpdate(_ context.Context, update []byte) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return errReleased
	}
	buf := make([]byte, len(update))
	copy(buf, update)
	h.updates = append(h.updates, buf)
	h.size += int64(len(buf)) + frameHeaderLen
	h.scheduleFlushLocked()
	subs := make([]func(), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		h.notify(fn)
	}
	return nil
}

// notify isolates subscriber panics; an observer must never take the
// document down with it.
func (h *logHandle) notify(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			h.logger.Error("Document observer panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

func (h *logHandle) State() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	return encodeLog(h.updates)
}

func (h *logHandle) Size() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

func (h *logHandle) Subscribe(fn func()) func() {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := h.nextSub
	h.nextSub++
	h.subs[id] = fn
	return func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		delete(h.subs, id)
	}
}

func (h *logHandle) Release(ctx context.Context) error {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return nil
	}
	h.released = true
	if h.flush != nil {
		h.flush.Stop()
		h.flush = nil
	}
	blob := encodeLog(h.updates)
	h.mu.Unlock()

	h.engine.drop(h.name)
	if err := h.engine.store.Store(ctx, h.name, blob); err != nil {
		return fmt.Errorf("release %q: %w", h.name, err)
	}
	h.logger.Debug("Document released")
	return nil
}

// scheduleFlushLocked arms (or re-arms) the debounced snapshot write.
func (h *logHandle) scheduleFlushLocked() {
	if h.flush != nil {
		h.flush.Stop()
	}
	h.flush = h.engine.clock.AfterFunc(flushDelay, h.flushNow)
}

func (h *logHandle) flushNow() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	blob := encodeLog(h.updates)
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.engine.store.Store(ctx, h.name, blob); err != nil {
		h.logger.Error("Snapshot flush failed", slog.Any("error", err))
		return
	}
	h.logger.Debug("Snapshot flushed", slog.Int64("bytes", int64(len(blob))))
}

// Snapshot framing: each update is stored as a big-endian uint32 length
// followed by its bytes.
const frameHeaderLen = 4

func encodeLog(updates [][]byte) []byte {
	var total int
	for _, u := range updates {
		total += frameHeaderLen + len(u)
	}
	out := make([]byte, 0, total)
	var hdr [frameHeaderLen]byte
	for _, u := range updates {
		binary.BigEndian.PutUint32(hdr[:], uint32(len(u)))
		out = append(out, hdr[:]...)
		out = append(out, u...)
	}
	return out
}

func decodeLog(blob []byte) ([][]byte, int64, error) {
	var updates [][]byte
	var size int64
	for len(blob) > 0 {
		if len(blob) < frameHeaderLen {
			return nil, 0, errors.New("truncated frame header")
		}
		n := binary.BigEndian.Uint32(blob[:frameHeaderLen])
		blob = blob[frameHeaderLen:]
		if uint32(len(blob)) < n {
			return nil, 0, errors.New("truncated frame body")
		}
		u := make([]byte, n)
		copy(u, blob[:n])
		updates = append(updates, u)
		blob = blob[n:]
		size += frameHeaderLen + int64(n)
	}
	return updates, size, nil
}
