// Package web implements the WebSocket surface. Each accepted socket gets a
// 5-second auth grace window, then joins the user's client set. Chat frames
// flow through the registry like every other surface; stream chunks come
// back token-by-token because the adapter reports a zero stream interval.
package web

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voxhub/relay/internal/adapters"
	"github.com/voxhub/relay/internal/config"
	"github.com/voxhub/relay/internal/identity"
	"github.com/voxhub/relay/internal/messages"
	"github.com/voxhub/relay/pkg/protocol"
)

const (
	authGracePeriod  = 5 * time.Second
	heartbeatPeriod  = 30 * time.Second
	pongWait         = 75 * time.Second
	writeWait        = 10 * time.Second
	sessionTTL       = 24 * time.Hour
	defaultWorkspace = "default"
)

// Adapter is the web surface. It owns no outbound platform connection; the
// gateway mounts HandleWS on the shared HTTP server.
type Adapter struct {
	*adapters.Base
	cfg      config.WebConfig
	store    *identity.Store
	upgrader websocket.Upgrader

	mu        sync.Mutex
	clients   map[*client]struct{}
	byUser    map[string]map[*client]struct{}
	bySession map[string]*client

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates the web adapter.
func New(cfg config.WebConfig, store *identity.Store, allowedOrigins []string) *Adapter {
	a := &Adapter{
		Base:      adapters.NewBase(messages.ChannelWeb),
		cfg:       cfg,
		store:     store,
		clients:   make(map[*client]struct{}),
		byUser:    make(map[string]map[*client]struct{}),
		bySession: make(map[string]*client),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(allowedOrigins),
	}
	return a
}

func originChecker(allowed []string) func(*http.Request) bool {
	return func(r *http.Request) bool {
		if len(allowed) == 0 {
			return true
		}
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true // non-browser clients
		}
		for _, a := range allowed {
			if origin == a || a == "*" {
				return true
			}
		}
		slog.Warn("web: origin rejected", "origin", origin)
		return false
	}
}

// Connect readies the adapter for incoming sockets.
func (a *Adapter) Connect(_ context.Context) error {
	already, err := a.BeginConnect()
	if already {
		return nil
	}
	if err != nil {
		return err
	}
	if a.cfg.JWTSecret == "" {
		a.MarkDisconnected()
		return fmt.Errorf("web adapter requires jwt_secret")
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())
	a.MarkConnected()
	slog.Info("web adapter ready")
	return nil
}

// Disconnect closes every socket with a shutdown code and waits for the
// per-connection goroutines to drain.
func (a *Adapter) Disconnect(ctx context.Context) error {
	if a.cancel != nil {
		a.cancel()
	}

	a.mu.Lock()
	open := make([]*client, 0, len(a.clients))
	for c := range a.clients {
		open = append(open, c)
	}
	a.mu.Unlock()

	for _, c := range open {
		c.closeWithCode(protocol.CloseShutdown, "shutting down")
	}

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		slog.Warn("web adapter shutdown timed out waiting for connections")
	case <-time.After(10 * time.Second):
		slog.Warn("web adapter shutdown timed out waiting for connections")
	}

	a.MarkDisconnected()
	return nil
}

// HandleWS upgrades an HTTP request and runs the connection until it drops.
func (a *Adapter) HandleWS(w http.ResponseWriter, r *http.Request) {
	if !a.Connected() {
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("web: upgrade failed", "error", err)
		return
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.runConnection(conn)
	}()
}

// Send writes a single message frame to every open socket of the user.
// Used for replies initiated on other channels.
func (a *Adapter) Send(_ context.Context, userID string, msg messages.OutgoingMessage) error {
	a.mu.Lock()
	set := a.byUser[userID]
	targets := make([]*client, 0, len(set))
	for c := range set {
		targets = append(targets, c)
	}
	a.mu.Unlock()

	if len(targets) == 0 {
		return adapters.ErrUnknownUser
	}

	frame := protocol.ServerFrame{
		Type:           protocol.FrameMessage,
		Content:        msg.Content,
		ConversationID: msg.ConversationID,
	}
	var lastErr error
	for _, c := range targets {
		if err := c.writeFrame(frame); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

func (a *Adapter) register(c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.clients[c] = struct{}{}
	set := a.byUser[c.userID]
	if set == nil {
		set = make(map[*client]struct{})
		a.byUser[c.userID] = set
	}
	set[c] = struct{}{}
	a.bySession[c.sessionID] = c
}

func (a *Adapter) unregister(c *client) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.clients, c)
	if set := a.byUser[c.userID]; set != nil {
		delete(set, c)
		if len(set) == 0 {
			delete(a.byUser, c.userID)
		}
	}
	delete(a.bySession, c.sessionID)
}

// clientForOrigin resolves the socket a stream should write to: the session
// that sent the chat, falling back to any open socket of the user.
func (a *Adapter) clientForOrigin(userID, sessionID string) *client {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.bySession[sessionID]; ok {
		return c
	}
	for c := range a.byUser[userID] {
		return c
	}
	return nil
}
