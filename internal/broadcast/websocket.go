package broadcast

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const wsWriteWait = 5 * time.Second

// wsChannel pushes frames as JSON text messages. Clients never send
// anything meaningful; the read loop exists to notice disconnects.
type wsChannel struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
}

func (c *wsChannel) Send(f Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	if err := c.conn.WriteJSON(f); err != nil {
		c.closed = true
		return err
	}
	return nil
}

func (c *wsChannel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return c.conn.Close()
	}
	c.closed = true
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.conn.Close()
}

// WebSocketHandler is the WebSocket variant of SSEHandler; both share the
// hub and frame format. allowOrigin decides cross-origin upgrades; nil
// allows any origin.
func WebSocketHandler(hub *Hub, watcher *Watcher, allowOrigin func(*http.Request) bool) gin.HandlerFunc {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	upgrader := websocket.Upgrader{CheckOrigin: allowOrigin}

	return func(c *gin.Context) {
		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			// Upgrade has already written the error response.
			return
		}
		ctx, cancel := context.WithCancel(c.Request.Context())
		defer cancel()

		go func() {
			defer cancel()
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ch := &wsChannel{conn: conn}
		var greet func(string)
		if watcher != nil {
			greet = func(id string) { watcher.Greet(ctx, id) }
		}
		_ = hub.Serve(ctx, ch, "ws", greet)
	}
}
