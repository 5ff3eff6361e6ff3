package attendance

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"tuition/internal/cardreader"
	"tuition/internal/identity"
	"tuition/internal/recordstore"
)

// Mode selects how scans after a check-out are treated.
type Mode string

const (
	// ModeAppend alternates check-in and check-out without limit.
	ModeAppend Mode = "append"
	// ModeToggle closes the day after the first check-out.
	ModeToggle Mode = "toggle"
)

// ErrDayClosed is returned in toggle mode for a scan after check-out.
var ErrDayClosed = errors.New("already checked out today")

// DuplicateScanError rejects a scan inside the duplicate window.
type DuplicateScanError struct {
	Last   Record
	Window time.Duration
}

func (e *DuplicateScanError) Error() string {
	return fmt.Sprintf("duplicate scan within %s of %s at %s", e.Window, e.Last.Direction, e.Last.Timestamp.Format(time.RFC3339))
}

// Options tune the state machine.
type Options struct {
	Mode Mode
	// DedupWindow rejects a scan this close to the identity's previous
	// record. Zero disables the check.
	DedupWindow time.Duration
	// Location defines calendar days. Defaults to time.Local.
	Location *time.Location
}

// Service decides check-in versus check-out and appends the record.
type Service struct {
	repo   *Repository
	opts   Options
	logger *slog.Logger
}

// NewService creates a service backed by a repository.
func NewService(repo *Repository, opts Options, logger *slog.Logger) *Service {
	if opts.Mode == "" {
		opts.Mode = ModeAppend
	}
	if opts.Location == nil {
		opts.Location = time.Local
	}
	if opts.DedupWindow < 0 {
		opts.DedupWindow = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{repo: repo, opts: opts, logger: logger}
}

// StartOfDay returns local midnight of t's calendar day.
func (s *Service) StartOfDay(t time.Time) time.Time {
	local := t.In(s.opts.Location)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.opts.Location)
}

// NextDirection applies the direction rule: the day's latest record being a
// check-in makes the next one a check-out, anything else a check-in.
func NextDirection(latest *Record) Direction {
	if latest != nil && latest.Direction == CheckIn {
		return CheckOut
	}
	return CheckIn
}

// RecordScan appends the attendance record for a resolved identity. Only
// store failures, and the optional duplicate and toggle rules, make it fail.
func (s *Service) RecordScan(ctx context.Context, id identity.Identity, scan cardreader.CardScanEvent) (Record, error) {
	at := scan.Timestamp
	if at.IsZero() {
		at = time.Now()
	}

	latest, err := s.repo.Latest(ctx, id.ID, s.StartOfDay(at))
	if err != nil {
		return Record{}, err
	}

	if latest != nil {
		if at.Before(latest.Timestamp.Time) {
			// Out-of-order delivery: the decision below is based on a record
			// that is newer than this scan.
			s.logger.Warn("scan older than latest attendance record",
				"identity", id.ID, "scan_at", at, "latest_at", latest.Timestamp.Time, "latest_direction", latest.Direction)
		}
		if w := s.opts.DedupWindow; w > 0 && at.Sub(latest.Timestamp.Time) < w {
			return Record{}, &DuplicateScanError{Last: *latest, Window: w}
		}
		if s.opts.Mode == ModeToggle && latest.Direction == CheckOut {
			return Record{}, ErrDayClosed
		}
	}

	center := scan.Location
	if center == "" {
		center = id.CenterID
	}
	rec := Record{
		IdentityID:   id.ID,
		IdentityType: id.Type,
		IdentityName: id.DisplayName,
		CenterID:     center,
		Direction:    NextDirection(latest),
		Timestamp:    recordstore.At(at),
		DeviceID:     scan.DeviceID,
		DeviceName:   scan.DeviceName,
		DeviceType:   string(scan.DeviceType),
		Status:       StatusSuccess,
	}
	return s.repo.Insert(ctx, rec)
}

// List returns attendance records for the query, newest first. Limit
// defaults to 50 and is capped at 500.
func (s *Service) List(ctx context.Context, q Query) ([]Record, error) {
	if q.Limit <= 0 {
		q.Limit = 50
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
	return s.repo.List(ctx, q)
}
