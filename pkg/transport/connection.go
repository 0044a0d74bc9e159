package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// Close codes in the private-use range the gateway terminates sessions with.
const (
	StatusUnauthorized    websocket.StatusCode = 4001
	StatusInvalidRoom     websocket.StatusCode = 4002
	StatusForbidden       websocket.StatusCode = 4003
	StatusIdleTimeout     websocket.StatusCode = 4004
	StatusMessageTooLarge websocket.StatusCode = 4005
	StatusRoomFull        websocket.StatusCode = 4006
	StatusAddressQuota    websocket.StatusCode = 4008
)

// callback executed when a message is received.
type MessageHandler func(ctx context.Context, connID uuid.UUID, msg []byte)

type OnCloseHandler func(connID uuid.UUID, status websocket.StatusCode, err error)

type ConnectionConfig struct {
	// Per-read deadline. Zero disables the deadline; idleness is the
	// idle monitor's concern, not the transport's.
	ReadTimeout time.Duration
	// Largest accepted inbound message in bytes. A message of exactly
	// this size passes; anything larger closes the connection with 4005.
	// Zero or negative disables the check.
	MaxMessageBytes int64
}

// Connection represents a single, thread-safe WebSocket connection.
type Connection struct {
	id     uuid.UUID
	conn   *websocket.Conn
	config ConnectionConfig
	send   chan []byte

	onMessage MessageHandler
	onClose   OnCloseHandler

	done      chan struct{}
	wg        *sync.WaitGroup
	started   bool
	ctx       context.Context
	closeOnce sync.Once
	cancel    context.CancelFunc

	logger *slog.Logger
}

func NewConnection(parentCtx context.Context, wg *sync.WaitGroup, conn *websocket.Conn, config ConnectionConfig, logger *slog.Logger) *Connection {
	id := uuid.New()
	connCtx, cancel := context.WithCancel(parentCtx)
	connLogger := logger.With(slog.String("connID", id.String()))

	if conn != nil && config.MaxMessageBytes > 0 {
		// The read pump bounds messages itself so any oversized frame
		// closes with the gateway's code; the library's own limit would
		// close with 1009 first.
		conn.SetReadLimit(-1)
	}

	return &Connection{
		id:     id,
		conn:   conn,
		logger: connLogger,
		config: config,
		send:   make(chan []byte, 256), // Buffered channel
		done:   make(chan struct{}),
		ctx:    connCtx,
		cancel: cancel,
		wg:     wg,
	}
}

func (c *Connection) Run() {
	c.started = true
	c.wg.Add(1)
	go c.readPump()
	go c.writePump()

	c.logger.Debug("connection established")
}

// readPump pumps messages from the WebSocket connection to the message handler.
func (c *Connection) readPump() {
	var (
		readErr    error
		readStatus = websocket.StatusNormalClosure
	)
	defer func() {
		c.close(readStatus, "", readErr)
	}()

	for {
		readCtx := c.ctx
		cancelRead := context.CancelFunc(func() {})
		if c.config.ReadTimeout > 0 {
			readCtx, cancelRead = context.WithTimeout(c.ctx, c.config.ReadTimeout)
		}
		typ, r, err := c.conn.Reader(readCtx)
		if err != nil {
			readErr = err
			cancelRead()
			return
		}
		// Ensure we are only handling text or binary messages.
		if typ != websocket.MessageText && typ != websocket.MessageBinary {
			cancelRead()
			continue
		}
		var reader io.Reader = r
		if c.config.MaxMessageBytes > 0 {
			// One byte past the limit is enough to prove the message
			// is oversized; the rest of the frame is never read.
			reader = io.LimitReader(r, c.config.MaxMessageBytes+1)
		}
		message, err := io.ReadAll(reader)
		cancelRead()
		if err != nil {
			readErr = err
			return
		}
		if c.config.MaxMessageBytes > 0 && int64(len(message)) > c.config.MaxMessageBytes {
			c.logger.Warn("Inbound message over size limit",
				slog.Int("size", len(message)),
				slog.Int64("limit", c.config.MaxMessageBytes),
			)
			readStatus = StatusMessageTooLarge
			return
		}
		if c.onMessage != nil {
			c.onMessage(c.ctx, c.id, message)
		}
	}
}

// writePump pumps messages from the send channel to the WebSocket connection.
func (c *Connection) writePump() {
	var writeErr error

	defer func() {
		c.close(websocket.StatusNormalClosure, "", writeErr)
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				// The send channel was closed, signal clean closure.
				c.conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err := c.conn.Write(c.ctx, websocket.MessageBinary, message); err != nil {
				writeErr = err
				return
			}
		case <-c.ctx.Done():
			return
		}
	}
}

// Send queues a message to the client. It is safe for concurrent use.
func (c *Connection) Send(message []byte) {
	select {
	case c.send <- message:
	case <-c.ctx.Done():
		c.logger.Warn("Attempted to send on a closed connection")
	}
}

// Close gracefully shuts down the connection and its resources.
func (c *Connection) Close(err error) {
	status := websocket.StatusNormalClosure
	if err != nil {
		if s := websocket.CloseStatus(err); s != -1 {
			status = s
		}
	}
	c.close(status, "", err)
}

// CloseWithStatus terminates the connection with an explicit close code,
// used for gateway rejections and idle reaping.
func (c *Connection) CloseWithStatus(status websocket.StatusCode, reason string) {
	c.close(status, reason, nil)
}

func (c *Connection) close(status websocket.StatusCode, reason string, err error) {
	c.closeOnce.Do(func() {
		c.logger.Debug("Transport connection closing",
			slog.Int("status", int(status)),
			slog.String("reason", reason),
			slog.Any("error", err),
		)

		c.cancel() // Signal goroutines to stop.
		if c.conn != nil {
			c.conn.Close(status, reason)
		}
		if c.onClose != nil {
			c.onClose(c.id, status, err)
		}
		if c.started {
			c.wg.Done()
		}
		close(c.done)
	})
}

// Done returns a channel that is closed when the connection is fully terminated.
func (c *Connection) Done() <-chan struct{} {
	return c.done
}

// ID returns the unique identifier of the connection.
func (c *Connection) ID() uuid.UUID {
	return c.id
}

func (c *Connection) SetOnMessageHandler(handler MessageHandler) {
	c.onMessage = handler
}

func (c *Connection) SetOnCloseHandler(handler OnCloseHandler) {
	c.onClose = handler
}
