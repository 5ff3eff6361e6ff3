package broadcast

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
)

// sseChannel writes frames to one streaming HTTP response.
type sseChannel struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	flush  http.Flusher
	closed bool
}

func (c *sseChannel) Send(f Frame) error {
	block, err := f.SSE()
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if _, err := c.w.Write(block); err != nil {
		c.closed = true
		return err
	}
	c.flush.Flush()
	return nil
}

// Close stops further writes; the response itself ends when the handler
// returns.
func (c *sseChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// SSEHandler streams frames to one client until it disconnects. The
// request context ends on disconnect, which unregisters the channel.
func SSEHandler(hub *Hub, watcher *Watcher) gin.HandlerFunc {
	return func(c *gin.Context) {
		flusher, ok := c.Writer.(http.Flusher)
		if !ok {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
			return
		}
		h := c.Writer.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		c.Status(http.StatusOK)
		flusher.Flush()

		ctx := c.Request.Context()
		ch := &sseChannel{w: c.Writer, flush: flusher}
		var greet func(string)
		if watcher != nil {
			greet = func(id string) { watcher.Greet(ctx, id) }
		}
		_ = hub.Serve(ctx, ch, "sse", greet)
	}
}
