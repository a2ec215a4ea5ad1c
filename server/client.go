package server

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"mars-pi/camera"
)

func newUpgrader(origins []string) websocket.Upgrader {
	return websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 64 * 1024,
		CheckOrigin:     originChecker(origins),
	}
}

// originChecker admits the configured origins and same-host pages. An
// empty list or "*" admits everyone, matching corsConfig. Requests without
// an Origin header are not from a browser and pass.
func originChecker(origins []string) func(*http.Request) bool {
	allowed := make(map[string]bool, len(origins))
	for _, o := range origins {
		if o == "*" {
			allowed = nil
			break
		}
		allowed[strings.ToLower(o)] = true
	}
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}

	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" || allowed[strings.ToLower(origin)] {
			return true
		}
		u, err := url.Parse(origin)
		return err == nil && strings.EqualFold(u.Host, r.Host)
	}
}

// wsClient pushes frames to one websocket connection.
type wsClient struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	reason error
	logger *zap.Logger
}

// handleWebSocket upgrades the connection and sends every new frame as a
// binary message until the camera stops, goes quiet, or the client leaves.
func (s *Server) handleWebSocket(c *gin.Context) {
	if !s.camera.IsRunning() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "camera not running"})
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:     c.ClientIP(),
		conn:   conn,
		send:   make(chan []byte, 1),
		logger: s.logger,
	}
	s.logger.Info("websocket client connected", zap.String("client", client.id))

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	go client.readPump(cancel)
	go client.framePump(ctx, s.camera.Frames().Subscribe(), s.frameTimeout)
	client.writePump(ctx)

	s.logger.Info("websocket client disconnected", zap.String("client", client.id))
}

// framePump feeds send from the buffer and closes it when the session ends.
func (c *wsClient) framePump(ctx context.Context, sub *camera.Subscription, timeout time.Duration) {
	defer close(c.send)
	for {
		frame, err := sub.Read(ctx, timeout)
		if err != nil {
			c.reason = err
			return
		}
		select {
		case c.send <- frame.Data:
		case <-ctx.Done():
			return
		}
	}
}

// readPump drains control frames so pongs are seen; any read error ends
// the session.
func (c *wsClient) readPump(cancel context.CancelFunc) {
	defer cancel()

	c.conn.SetReadLimit(WebSocketReadLimit)
	c.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(WebSocketReadDeadline))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.logger.Debug("websocket read error", zap.String("client", c.id), zap.Error(err))
			}
			return
		}
	}
}

// writePump is the only writer on the connection.
func (c *wsClient) writePump(ctx context.Context) {
	ticker := time.NewTicker(WebSocketPingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if !ok {
				// framePump is done; c.reason is safe to read.
				c.conn.WriteMessage(websocket.CloseMessage, closeMessage(c.reason))
				return
			}
			if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				c.logger.Debug("websocket write error", zap.String("client", c.id), zap.Error(err))
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WebSocketWriteDeadline))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

func closeMessage(reason error) []byte {
	switch {
	case errors.Is(reason, camera.ErrCameraStopped):
		return websocket.FormatCloseMessage(websocket.CloseGoingAway, "camera stopped")
	case errors.Is(reason, camera.ErrFrameTimeout):
		return websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "camera timeout")
	default:
		return websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	}
}
