package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/kitamura-tetsuo/outliner-gateway/internal/access"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/auth"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/doc"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/gateway"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/origin"
	"github.com/kitamura-tetsuo/outliner-gateway/internal/server/middleware"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/config"
	"github.com/kitamura-tetsuo/outliner-gateway/pkg/transport"
)

// Dependencies are the external collaborators injected into the gateway.
// Every field is required except Clock, which defaults to the wall clock.
type Dependencies struct {
	IdentityProvider auth.IdentityProvider
	PermissionStore  access.PermissionStore
	Engine           doc.Engine
	Clock            clock.Clock
}

type App struct {
	logger     *slog.Logger
	registry   *gateway.Registry
	verifier   *auth.Verifier
	accessGate *access.Gate
	originGate *origin.Gate
	idle       *gateway.IdleMonitor
	wg         sync.WaitGroup
	http       *http.Server
	config     *config.Config
	clock      clock.Clock

	ready     atomic.Bool
	startedAt time.Time

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, deps Dependencies) *App {
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}

	// The bypass capabilities exist only when the startup configuration
	// says so, and nothing re-checks ambient state afterwards.
	var testMode *auth.TestModeAuthority
	var accessGate *access.Gate
	if cfg.TestMode.AllowTestAccess {
		testMode = auth.NewTestModeAuthority(logger)
		accessGate = access.NewAllowAllGate(logger)
	} else {
		accessGate = access.NewGate(logger, deps.PermissionStore)
	}

	verifier := auth.NewVerifier(logger, deps.IdentityProvider, clk, testMode)
	sizes := gateway.NewSizeMonitor(logger, cfg.Rooms.SizeWarnBytes)
	registry := gateway.NewRegistry(logger, clk, deps.Engine, cfg.Limits, cfg.Rooms.GracePeriod(), sizes)
	idle := gateway.NewIdleMonitor(logger, registry, clk, cfg.Rooms.IdleTimeout())

	app := &App{
		logger:     logger,
		registry:   registry,
		verifier:   verifier,
		accessGate: accessGate,
		originGate: origin.NewGate(cfg.Server.Origins()),
		idle:       idle,
		config:     cfg,
		clock:      clk,
		startedAt:  clk.Now(),
		ctx:        rootCtx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/livez", app.handleLivez)
	mux.HandleFunc("/readyz", app.handleReadyz)
	mux.HandleFunc("/health", app.handleHealth)
	mux.Handle("/metrics", app.metricsHandler())
	mux.HandleFunc("/", app.upgradeHandler)

	handler := middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewOriginGate(app.originGate),
	)

	app.http = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: handler,
		BaseContext: func(l net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

// Registry exposes the room registry, primarily for tests and monitors.
func (a *App) Registry() *gateway.Registry {
	return a.registry
}

// Handler returns the app's full HTTP handler. Used by tests via httptest.
func (a *App) Handler() http.Handler {
	return a.http.Handler
}

// MarkReady flips the readiness probe to READY.
func (a *App) MarkReady() {
	a.ready.Store(true)
}

func (a *App) Run() error {
	go a.idle.Run(a.ctx)

	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()
	a.MarkReady()

	<-a.ctx.Done()
	return a.Shutdown()
}

// upgradeHandler runs the admission sequence for one connecting socket,
// strictly in order: origin, authentication, authorization, address quota,
// room quota. Close codes only exist after the upgrade, so rejections
// accept the socket first and then close it with the gateway code.
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		// Plain HTTP requests to unknown paths (crawlers, favicons)
		// get a 404 instead of a failed handshake.
		http.NotFound(w, r)
		return
	}
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	if !a.originGate.Check(reqMeta.Origin).Allow {
		// Unreachable with the current gate (denial is silent), kept so
		// a future hard-deny mode fails closed here.
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("path", r.URL.Path),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		connLogger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	sess := a.registry.Track(reqMeta.IP)
	if err := a.admit(r, sess); err != nil {
		a.registry.CloseSession(sess.ID)
		ce, ok := gateway.AsCloseError(err)
		if !ok {
			ce = &gateway.CloseError{Code: websocket.StatusInternalError, Reason: "INTERNAL_ERROR"}
		}
		connLogger.Warn("Connection rejected",
			slog.Int("code", int(ce.Code)),
			slog.String("reason", ce.Reason),
		)
		wsConn.Close(ce.Code, ce.Reason)
		return
	}

	conn := transport.NewConnection(r.Context(), &a.wg, wsConn, transport.ConnectionConfig{
		ReadTimeout:     a.config.Transport.ReadTimeout,
		MaxMessageBytes: a.config.Limits.MaxMessageSizeBytes,
	}, a.logger)

	conn.SetOnMessageHandler(func(ctx context.Context, _ uuid.UUID, msg []byte) {
		if err := a.registry.Dispatch(ctx, sess.ID, msg); err != nil {
			connLogger.Error("Failed to apply document update", slog.Any("error", err))
		}
	})
	conn.SetOnCloseHandler(func(_ uuid.UUID, status websocket.StatusCode, _ error) {
		a.registry.CloseSession(sess.ID)
		connLogger.Info("Session disconnected", slog.Int("status", int(status)))
	})

	state, err := a.registry.Activate(sess, conn)
	if err != nil {
		a.registry.CloseSession(sess.ID)
		wsConn.Close(transport.StatusUnauthorized, gateway.ErrUnauthorized.Reason)
		return
	}

	connLogger.Info("Session active",
		slog.String("sessionID", sess.ID.String()),
		slog.String("userID", sess.UserID),
		slog.String("room", sess.Room),
	)
	conn.Run()

	// Late-joiner sync: replay the state snapshotted at activation. Any
	// update merged after that snapshot reaches this session via fanout.
	if len(state) > 0 {
		conn.Send(state)
	}
	<-conn.Done()
}

// admit performs authentication, authorization and quota admission for a
// tracked session, leaving the room's document open on success.
func (a *App) admit(r *http.Request, sess *gateway.Session) error {
	roomName, err := gateway.ParseRoomPath(r.URL.Path)
	if err != nil {
		return err
	}

	if err := a.registry.StartAuthentication(sess); err != nil {
		return err
	}
	token := extractAuthToken(r)
	if token == "" {
		return gateway.ErrUnauthorized
	}
	claims, err := a.verifier.Verify(r.Context(), token)
	if err != nil {
		return gateway.ErrUnauthorized
	}

	if err := a.registry.StartAuthorization(sess, claims.Subject, claims.ExpiresAt); err != nil {
		return err
	}
	// Access lists are keyed by the document identifier, never the
	// namespace segment: a grant opens one document, not every room
	// sharing a path prefix.
	docID := strings.Split(roomName, "/")[1]
	if !a.accessGate.Check(r.Context(), claims.Subject, docID) {
		return gateway.ErrForbidden
	}

	if err := a.registry.Admit(sess, roomName); err != nil {
		return err
	}

	if _, err := a.registry.OpenDocument(r.Context(), sess); err != nil {
		return err
	}
	return nil
}

// extractAuthToken pulls the credential from the query string; `auth` is
// the canonical parameter, `token` a tolerated alias.
func extractAuthToken(r *http.Request) string {
	q := r.URL.Query()
	if token := q.Get("auth"); token != "" {
		return token
	}
	return q.Get("token")
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	a.ready.Store(false)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// Close all active WebSocket connections and wait for their
	// goroutines to finish cleanup.
	a.registry.CloseAll("graceful shutdown")
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
