package broadcast

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"tuition/internal/attendance"
	"tuition/internal/clock"
	"tuition/internal/queue"
	"tuition/internal/recordstore"
)

// Watched collections.
const (
	CollectionTransactions  = "points_transactions"
	CollectionStudentPoints = "student_points"
	CollectionAnnouncements = "announcements"
	CollectionAttendance    = attendance.Collection
)

// Source computes the current fingerprints.
type Source interface {
	Fingerprints(ctx context.Context) (Fingerprints, error)
}

// StoreSource reads the newest id of each watched collection, ordered by
// creation time.
type StoreSource struct {
	Store recordstore.Store
}

func (s StoreSource) Fingerprints(ctx context.Context) (Fingerprints, error) {
	var fp Fingerprints
	targets := []struct {
		collection string
		dst        *string
	}{
		{CollectionTransactions, &fp.LatestTransactionID},
		{CollectionStudentPoints, &fp.LatestPointsID},
		{CollectionAnnouncements, &fp.LatestAnnouncementID},
		{CollectionAttendance, &fp.LatestAttendanceID},
	}
	for _, t := range targets {
		rec, err := recordstore.First(ctx, s.Store, t.collection, recordstore.ListOptions{Sort: "-created"})
		if recordstore.IsNotFound(err) {
			continue
		}
		if err != nil {
			return Fingerprints{}, err
		}
		*t.dst = rec.ID()
	}
	return fp, nil
}

// Watcher broadcasts a data_update whenever the fingerprints move. It
// rechecks on every change-bus message and on a poll interval, which also
// catches writes made by systems that never publish on the bus.
type Watcher struct {
	hub    *Hub
	source Source
	bus    queue.Queue
	poll   time.Duration
	clock  clock.Clock
	logger *slog.Logger

	// mu is held for a whole Check, so fetches and their broadcasts never
	// interleave and last is always the newest fingerprint sent.
	mu     sync.Mutex
	last   Fingerprints
	primed bool
}

// WatcherOptions configure a Watcher. Bus may be nil; Poll zero disables
// polling.
type WatcherOptions struct {
	Bus    queue.Queue
	Poll   time.Duration
	Clock  clock.Clock
	Logger *slog.Logger
}

// NewWatcher creates a watcher that broadcasts through hub.
func NewWatcher(hub *Hub, source Source, opts WatcherOptions) *Watcher {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Watcher{hub: hub, source: source, bus: opts.Bus, poll: opts.Poll, clock: opts.Clock, logger: opts.Logger}
}

// Check recomputes the fingerprints and broadcasts them if they differ
// from the last broadcast. It reports the current value and whether a
// broadcast happened.
func (w *Watcher) Check(ctx context.Context) (Fingerprints, bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fp, err := w.source.Fingerprints(ctx)
	if err != nil {
		return Fingerprints{}, false, err
	}
	changed := !w.primed || fp != w.last
	w.last, w.primed = fp, true

	if changed {
		n := w.hub.Broadcast(DataUpdate(fp, w.clock.Now()))
		w.logger.Debug("data update broadcast", "clients", n)
	}
	return fp, changed, nil
}

// Greet runs a check for a newly connected channel and makes sure it gets
// the current fingerprints even when nothing changed.
func (w *Watcher) Greet(ctx context.Context, id string) {
	fp, broadcast, err := w.Check(ctx)
	if err != nil {
		w.logger.Warn("fingerprint check failed", "error", err)
		return
	}
	if !broadcast {
		_ = w.hub.Send(id, DataUpdate(fp, w.clock.Now()))
	}
}

// Run watches until ctx ends.
func (w *Watcher) Run(ctx context.Context) error {
	var changes <-chan queue.Message
	if w.bus != nil {
		ch, err := w.bus.Consume(ctx)
		if err != nil {
			return err
		}
		changes = ch
	}
	var tick <-chan time.Time
	if w.poll > 0 {
		ticker := w.clock.NewTicker(w.poll)
		defer ticker.Stop()
		tick = ticker.C()
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-changes:
			if !ok {
				changes = nil
				continue
			}
			w.logger.Debug("change received", "type", msg.Type, "id", string(msg.Body))
		case <-tick:
		}
		if _, _, err := w.Check(ctx); err != nil && ctx.Err() == nil {
			w.logger.Warn("fingerprint check failed", "error", err)
		}
	}
}
