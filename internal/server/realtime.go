package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/mileusna/useragent"
	"github.com/notemax/notesync/internal/realtime"
	"go.uber.org/zap"
)

const (
	defaultWriteTimeout    = 10 * time.Second
	defaultPongTimeout     = 60 * time.Second
	defaultPingInterval    = 25 * time.Second
	defaultMaxMessageBytes = int64(1 << 20)
)

// RealtimeOptions tunes the websocket transport.
type RealtimeOptions struct {
	WriteTimeout    time.Duration
	PongTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageBytes int64
}

func (o RealtimeOptions) withDefaults() RealtimeOptions {
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.PongTimeout {
		o.PingInterval = o.PongTimeout * 9 / 10
	}
	if o.MaxMessageBytes <= 0 {
		o.MaxMessageBytes = defaultMaxMessageBytes
	}
	return o
}

func newUpgrader(allowedOrigins []string) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(allowedOrigins))
	allowAll := len(allowedOrigins) == 0
	for _, origin := range allowedOrigins {
		if origin == "*" {
			allowAll = true
		}
		allowed[strings.TrimRight(origin, "/")] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" || allowAll {
				return true
			}
			_, ok := allowed[strings.TrimRight(origin, "/")]
			return ok
		},
	}
}

// handleRealtime upgrades an authenticated request to a websocket. Frames from the client
// are dispatched into the hub one at a time, so events from one connection are handled in
// send order. A single writer goroutine owns all writes to the socket.
func (h *httpHandler) handleRealtime(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Info("websocket upgrade failed", zap.String("user_id", userID), zap.Error(err))
		return
	}

	conn := h.hub.Connect(userID, deviceLabel(c.Request.UserAgent()))
	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		h.writeFrames(socket, conn)
	}()

	h.readFrames(ctx, socket, conn)

	h.hub.Disconnect(conn)
	<-writerDone
	_ = socket.Close()
}

func (h *httpHandler) readFrames(ctx context.Context, socket *websocket.Conn, conn *realtime.Connection) {
	socket.SetReadLimit(h.realtime.MaxMessageBytes)
	_ = socket.SetReadDeadline(time.Now().Add(h.realtime.PongTimeout))
	socket.SetPongHandler(func(string) error {
		return socket.SetReadDeadline(time.Now().Add(h.realtime.PongTimeout))
	})

	for {
		messageType, frame, err := socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) &&
				!errors.Is(err, websocket.ErrCloseSent) {
				h.logger.Debug("websocket read failed",
					zap.String("connection_id", conn.ID()),
					zap.Error(err))
			}
			return
		}
		if messageType != websocket.TextMessage && messageType != websocket.BinaryMessage {
			continue
		}
		_ = socket.SetReadDeadline(time.Now().Add(h.realtime.PongTimeout))
		h.hub.DispatchFrame(ctx, conn, frame)
	}
}

func (h *httpHandler) writeFrames(socket *websocket.Conn, conn *realtime.Connection) {
	ticker := time.NewTicker(h.realtime.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame, ok := <-conn.Outbound():
			_ = socket.SetWriteDeadline(time.Now().Add(h.realtime.WriteTimeout))
			if !ok {
				_ = socket.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := socket.WriteMessage(websocket.TextMessage, frame); err != nil {
				h.logger.Debug("websocket write failed",
					zap.String("connection_id", conn.ID()),
					zap.Error(err))
				_ = socket.Close()
				h.drain(conn)
				return
			}
		case <-ticker.C:
			_ = socket.SetWriteDeadline(time.Now().Add(h.realtime.WriteTimeout))
			if err := socket.WriteMessage(websocket.PingMessage, nil); err != nil {
				_ = socket.Close()
				h.drain(conn)
				return
			}
		}
	}
}

// drain discards queued frames until the connection is closed by the reader side.
func (h *httpHandler) drain(conn *realtime.Connection) {
	for range conn.Outbound() {
	}
}

// deviceLabel summarizes a user agent for connection logs, e.g. "Chrome on Windows (desktop)".
func deviceLabel(rawUserAgent string) string {
	if strings.TrimSpace(rawUserAgent) == "" {
		return "unknown"
	}
	parsed := useragent.Parse(rawUserAgent)
	name := parsed.Name
	if name == "" {
		name = "unknown client"
	}
	system := parsed.OS
	if system == "" {
		system = "unknown os"
	}
	kind := "desktop"
	switch {
	case parsed.Bot:
		kind = "bot"
	case parsed.Tablet:
		kind = "tablet"
	case parsed.Mobile:
		kind = "mobile"
	}
	return fmt.Sprintf("%s on %s (%s)", name, system, kind)
}
