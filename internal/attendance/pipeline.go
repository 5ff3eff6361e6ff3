package attendance

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"tuition/internal/cardreader"
	"tuition/internal/identity"
	"tuition/internal/metrics"
	"tuition/internal/queue"
)

// Resolver binds a card number to its owner and counts accepted uses.
type Resolver interface {
	Resolve(ctx context.Context, cardNumber string) (identity.Identity, error)
	MarkUsed(ctx context.Context, id identity.Identity) (identity.Identity, error)
}

// Result is an accepted scan.
type Result struct {
	Record   Record            `json:"record"`
	Identity identity.Identity `json:"identity"`
}

// Pipeline runs a scan through normalization, identity resolution and the
// state machine, then announces the new record on the change bus.
type Pipeline struct {
	resolver Resolver
	service  *Service
	bus      queue.Queue
	metrics  *metrics.Metrics
	logger   *slog.Logger
	now      func() time.Time
}

// NewPipeline wires the stages together. bus and m may be nil.
func NewPipeline(resolver Resolver, service *Service, bus queue.Queue, m *metrics.Metrics, logger *slog.Logger) *Pipeline {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{resolver: resolver, service: service, bus: bus, metrics: m, logger: logger, now: time.Now}
}

// CheckIn handles a contactless reader submission.
func (p *Pipeline) CheckIn(ctx context.Context, sub cardreader.Submission) (Result, error) {
	started := p.now()
	ev, err := cardreader.Normalize(sub, started)
	if err != nil {
		p.observe(sub.DeviceType, sub.UID, started, err)
		return Result{}, err
	}
	return p.ingest(ctx, ev, started)
}

// Ingest handles an event that is already normalized, such as a
// keyboard-wedge scan relayed by a reader agent.
func (p *Pipeline) Ingest(ctx context.Context, ev cardreader.CardScanEvent) (Result, error) {
	started := p.now()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = started
	}
	ev.RawID = cardreader.NormalizeUID(ev.RawID)
	if ev.RawID == "" {
		err := &cardreader.ValidationError{Field: "rawId", Reason: "is required"}
		p.observe(string(ev.DeviceType), "", started, err)
		return Result{}, err
	}
	return p.ingest(ctx, ev, started)
}

func (p *Pipeline) ingest(ctx context.Context, ev cardreader.CardScanEvent, started time.Time) (Result, error) {
	id, err := p.resolver.Resolve(ctx, ev.RawID)
	if err != nil {
		p.observe(string(ev.DeviceType), ev.RawID, started, err)
		return Result{}, err
	}

	rec, err := p.service.RecordScan(ctx, id, ev)
	if err != nil {
		p.observe(string(ev.DeviceType), ev.RawID, started, err)
		return Result{}, err
	}
	p.observe(string(ev.DeviceType), ev.RawID, started, nil)

	// Only accepted scans count as card use. The record is already written,
	// so a failed counter update is logged and the scan still succeeds.
	if used, err := p.resolver.MarkUsed(ctx, id); err != nil {
		p.logger.Error("card usage update failed", "identity", id.ID, "record", rec.ID, "error", err)
	} else {
		id = used
	}
	p.logger.Info("attendance recorded",
		"record", rec.ID, "identity", id.ID, "type", id.Type, "direction", rec.Direction,
		"device", ev.DeviceID, "center", rec.CenterID)

	if p.bus != nil {
		// The record is already durable; a lost notification only delays the
		// dashboards until their next poll.
		if err := p.bus.Publish(ctx, queue.Message{Type: queue.TypeAttendance, Body: []byte(rec.ID)}); err != nil {
			p.logger.Warn("change publish failed", "record", rec.ID, "error", err)
		}
	}
	return Result{Record: rec, Identity: id}, nil
}

func (p *Pipeline) observe(deviceType, uid string, started time.Time, err error) {
	result := Classify(err)
	p.metrics.ObserveScan(deviceLabel(deviceType), result, p.now().Sub(started).Seconds())
	if err == nil {
		return
	}
	level := slog.LevelInfo
	if result == metrics.ResultStorage || result == metrics.ResultAmbiguous {
		level = slog.LevelError
	}
	p.logger.Log(context.Background(), level, "scan rejected", "uid", uid, "device_type", deviceType, "result", result, "error", err)
}

// deviceLabel keeps the device_type label to the known reader kinds so a
// client cannot mint new series by sending arbitrary values.
func deviceLabel(deviceType string) string {
	switch t := cardreader.DeviceType(strings.ToUpper(strings.TrimSpace(deviceType))); t {
	case cardreader.RFID, cardreader.NFC, cardreader.Keyboard:
		return string(t)
	default:
		return metrics.DeviceOther
	}
}

// Classify maps a pipeline error to its metrics result label.
func Classify(err error) string {
	var (
		invalid   *cardreader.ValidationError
		unknown   *identity.UnknownCardError
		inactive  *identity.InactiveCardError
		ambiguous *identity.AmbiguousCardError
		duplicate *DuplicateScanError
	)
	switch {
	case err == nil:
		return metrics.ResultAccepted
	case errors.As(err, &invalid):
		return metrics.ResultInvalid
	case errors.As(err, &unknown):
		return metrics.ResultUnknown
	case errors.As(err, &inactive):
		return metrics.ResultInactive
	case errors.As(err, &ambiguous):
		return metrics.ResultAmbiguous
	case errors.As(err, &duplicate):
		return metrics.ResultDuplicate
	case errors.Is(err, ErrDayClosed):
		return metrics.ResultDayClosed
	default:
		return metrics.ResultStorage
	}
}
