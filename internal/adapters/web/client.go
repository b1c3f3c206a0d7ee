package web

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/voxhub/relay/internal/messages"
	"github.com/voxhub/relay/pkg/protocol"
)

// client is one authenticated socket. Writes are serialized by writeMu; all
// reads happen on the connection's own goroutine.
type client struct {
	conn      *websocket.Conn
	userID    string
	sessionID string

	writeMu sync.Mutex

	mu          sync.Mutex
	workspaceID string
	closed      bool
	gone        chan struct{} // closed when the socket is torn down
}

// runConnection authenticates and then pumps frames until the socket drops.
func (a *Adapter) runConnection(conn *websocket.Conn) {
	c, ok := a.authenticate(conn)
	if !ok {
		return
	}

	a.register(c)
	slog.Info("web client connected", "user_id", c.userID, "session_id", c.sessionID)

	defer func() {
		a.unregister(c)
		c.teardown()
		if a.store != nil {
			_ = a.store.DeleteSession(context.Background(), c.sessionID)
		}
		slog.Info("web client disconnected", "user_id", c.userID)
	}()

	stopHeartbeat := c.startHeartbeat()
	defer stopHeartbeat()

	a.readLoop(c)
}

// authenticate enforces the 5-second grace window: the first frame must be
// an auth frame with a valid token.
func (a *Adapter) authenticate(conn *websocket.Conn) (*client, bool) {
	conn.SetReadDeadline(time.Now().Add(authGracePeriod))

	_, data, err := conn.ReadMessage()
	if err != nil {
		writeClose(conn, protocol.CloseAuthTimeout, "authentication timeout")
		conn.Close()
		return nil, false
	}

	var frame protocol.ClientFrame
	if err := json.Unmarshal(data, &frame); err != nil || frame.Type != protocol.FrameAuth {
		writeClose(conn, protocol.CloseInvalidToken, "expected auth frame")
		conn.Close()
		return nil, false
	}

	userID, workspaceID, err := a.verifyToken(frame.Token)
	if err != nil {
		slog.Warn("web auth rejected", "error", err)
		writeErrorFrame(conn, "invalid token")
		writeClose(conn, protocol.CloseInvalidToken, "invalid token")
		conn.Close()
		return nil, false
	}

	c := &client{
		conn:        conn,
		userID:      userID,
		sessionID:   uuid.NewString(),
		workspaceID: workspaceID,
		gone:        make(chan struct{}),
	}

	if a.store != nil {
		if err := a.store.PutSession(context.Background(), c.sessionID, userID, sessionTTL); err != nil {
			slog.Warn("web session persist failed", "error", err)
		}
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	if err := c.writeFrame(protocol.ServerFrame{Type: protocol.FrameConnected, SessionID: c.sessionID}); err != nil {
		conn.Close()
		return nil, false
	}
	return c, true
}

// verifyToken validates an HS256 token and extracts the user and optional
// workspace claims.
func (a *Adapter) verifyToken(token string) (userID, workspaceID string, err error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return "", "", fmt.Errorf("parse token: %w", err)
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", "", fmt.Errorf("unexpected claims type")
	}

	sub, _ := claims.GetSubject()
	if sub == "" {
		return "", "", fmt.Errorf("token missing subject")
	}

	workspaceID = defaultWorkspace
	if ws, ok := claims["workspace_id"].(string); ok && ws != "" {
		workspaceID = ws
	}
	return sub, workspaceID, nil
}

// readLoop consumes frames until the connection drops or the adapter stops.
func (a *Adapter) readLoop(c *client) {
	for {
		select {
		case <-a.ctx.Done():
			return
		default:
		}

		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var frame protocol.ClientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			slog.Debug("web: dropping malformed frame", "error", err)
			continue
		}

		switch frame.Type {
		case protocol.FramePing:
			_ = c.writeFrame(protocol.ServerFrame{Type: protocol.FramePong})

		case protocol.FrameSetWorkspace:
			if frame.WorkspaceID != "" {
				c.mu.Lock()
				c.workspaceID = frame.WorkspaceID
				c.mu.Unlock()
			}

		case protocol.FrameChat:
			a.handleChat(c, frame)

		default:
			slog.Debug("web: unknown frame type", "type", frame.Type)
		}
	}
}

// handleChat normalizes a chat frame and emits it on the adapter bus.
func (a *Adapter) handleChat(c *client, frame protocol.ClientFrame) {
	if frame.Content == "" {
		return
	}

	c.mu.Lock()
	workspaceID := c.workspaceID
	c.mu.Unlock()
	if frame.WorkspaceID != "" {
		workspaceID = frame.WorkspaceID
	}

	atts := make([]messages.Attachment, 0, len(frame.Attachments))
	for _, wa := range frame.Attachments {
		att := messages.Attachment{
			Type:     messages.AttachmentType(wa.Type),
			URL:      wa.URL,
			MimeType: wa.MimeType,
			Size:     wa.Size,
			Filename: wa.Filename,
		}
		if att.Type == "" {
			att.Type = messages.AttachmentTypeFromMIME(wa.MimeType)
		}
		atts = append(atts, att)
	}

	msg := messages.IncomingMessage{
		ID:             uuid.NewString(),
		Channel:        messages.ChannelWeb,
		UserID:         c.userID,
		WorkspaceID:    workspaceID,
		ConversationID: frame.ConversationID,
		Content:        frame.Content,
		Attachments:    atts,
		Metadata: messages.Metadata{
			ChannelUserID: c.userID,
			Timestamp:     time.Now().UTC(),
			Extra: map[string]string{
				"session_id": c.sessionID,
				"provider":   frame.Provider,
				"model":      frame.Model,
			},
		},
	}

	a.Events().EmitMessage(msg)
}

// startHeartbeat pings every heartbeatPeriod; missed pongs trip the read
// deadline and drop the connection.
func (c *client) startHeartbeat() (stop func()) {
	done := make(chan struct{})
	go func() {
		ticker := time.NewTicker(heartbeatPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-c.gone:
				return
			case <-ticker.C:
				c.writeMu.Lock()
				err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
				c.writeMu.Unlock()
				if err != nil {
					return
				}
			}
		}
	}()
	return func() { close(done) }
}

func (c *client) writeFrame(frame protocol.ServerFrame) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(frame)
}

func (c *client) closeWithCode(code int, reason string) {
	c.writeMu.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	c.writeMu.Unlock()
	c.conn.Close()
}

// teardown marks the client gone so active stream handles abort.
func (c *client) teardown() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.gone)
	}
	c.conn.Close()
}

func writeClose(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
}

func writeErrorFrame(conn *websocket.Conn, errMsg string) {
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	_ = conn.WriteJSON(protocol.ServerFrame{Type: protocol.FrameError, Error: errMsg})
}
