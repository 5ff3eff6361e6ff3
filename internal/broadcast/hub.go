package broadcast

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"tuition/internal/clock"
	"tuition/internal/metrics"
)

// DefaultHeartbeat is how often an idle channel gets a keepalive frame.
const DefaultHeartbeat = 10 * time.Second

// ErrChannelClosed is returned by Send on a closed channel.
var ErrChannelClosed = errors.New("channel closed")

// Channel is one live, one-way push connection. Send may be called from
// several goroutines at once; implementations serialize writes.
type Channel interface {
	Send(Frame) error
	Close() error
}

type entry struct {
	ch        Channel
	transport string
}

// Hub owns the set of connected channels, keyed by connection id.
type Hub struct {
	clock     clock.Clock
	heartbeat time.Duration
	metrics   *metrics.Metrics
	logger    *slog.Logger

	mu       sync.RWMutex
	channels map[string]entry
}

// HubOptions configure a Hub. Zero values pick defaults.
type HubOptions struct {
	Clock     clock.Clock
	Heartbeat time.Duration
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// NewHub creates an empty hub.
func NewHub(opts HubOptions) *Hub {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = DefaultHeartbeat
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Hub{
		clock:     opts.Clock,
		heartbeat: opts.Heartbeat,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		channels:  make(map[string]entry),
	}
}

// Register adds ch and returns its connection id.
func (h *Hub) Register(ch Channel, transport string) string {
	id := uuid.NewString()
	h.mu.Lock()
	h.channels[id] = entry{ch: ch, transport: transport}
	n := len(h.channels)
	h.mu.Unlock()
	h.metrics.ClientConnected(transport, 1)
	h.logger.Debug("dashboard connected", "client", id, "transport", transport, "clients", n)
	return id
}

// Unregister removes and closes a channel. Unknown ids are ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	e, ok := h.channels[id]
	delete(h.channels, id)
	n := len(h.channels)
	h.mu.Unlock()
	if !ok {
		return
	}
	_ = e.ch.Close()
	h.metrics.ClientConnected(e.transport, -1)
	h.logger.Debug("dashboard disconnected", "client", id, "transport", e.transport, "clients", n)
}

// Len returns the number of registered channels.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.channels)
}

// Send writes f to one channel. A failed send removes the channel.
func (h *Hub) Send(id string, f Frame) error {
	h.mu.RLock()
	e, ok := h.channels[id]
	h.mu.RUnlock()
	if !ok {
		return ErrChannelClosed
	}
	if err := e.ch.Send(f); err != nil {
		h.drop(id, err)
		return err
	}
	h.metrics.FrameSent(string(f.Type))
	return nil
}

// Broadcast writes f to every channel and returns how many received it.
// Channels that fail are removed; the caller never sees their errors.
func (h *Hub) Broadcast(f Frame) int {
	h.mu.RLock()
	ids := make([]string, 0, len(h.channels))
	targets := make([]Channel, 0, len(h.channels))
	for id, e := range h.channels {
		ids = append(ids, id)
		targets = append(targets, e.ch)
	}
	h.mu.RUnlock()

	delivered := 0
	for i, ch := range targets {
		if err := ch.Send(f); err != nil {
			h.drop(ids[i], err)
			continue
		}
		delivered++
		h.metrics.FrameSent(string(f.Type))
	}
	return delivered
}

// drop unregisters a channel whose send failed. A channel that was already
// closed by its transport is a normal disconnect, not a drop.
func (h *Hub) drop(id string, err error) {
	if !errors.Is(err, ErrChannelClosed) {
		h.logger.Debug("dropping dashboard channel", "client", id, "error", err)
		h.metrics.ClientDropped()
	}
	h.Unregister(id)
}

// Serve registers ch, greets it with a connected frame, runs greet (which
// typically sends the current fingerprints), then sends keepalives every
// heartbeat until ctx ends or a send fails. The channel is unregistered
// and closed on return.
func (h *Hub) Serve(ctx context.Context, ch Channel, transport string, greet func(id string)) error {
	id := h.Register(ch, transport)
	defer h.Unregister(id)

	if err := h.Send(id, Connected(id, h.clock.Now())); err != nil {
		return err
	}
	if greet != nil {
		greet(id)
	}

	ticker := h.clock.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C():
			if err := h.Send(id, Keepalive(h.clock.Now())); err != nil {
				return err
			}
		}
	}
}
