package attendance

import (
	"context"
	"time"

	"tuition/internal/identity"
	"tuition/internal/recordstore"
)

// Collection is where the attendance log lives.
const Collection = "attendance_records"

// Direction classifies a record as arrival or departure.
type Direction string

const (
	CheckIn  Direction = "check-in"
	CheckOut Direction = "check-out"
)

// Status is the outcome stored on a record.
type Status string

// StatusSuccess is the only status the pipeline writes; rejected scans are
// never persisted.
const StatusSuccess Status = "success"

// Record is one entry of the append-only attendance log.
type Record struct {
	ID           string           `json:"id,omitempty"`
	IdentityID   string           `json:"identityId" validate:"required"`
	IdentityType identity.Type    `json:"identityType" validate:"oneof=student teacher"`
	IdentityName string           `json:"identityName"`
	CenterID     string           `json:"centerId"`
	Direction    Direction        `json:"direction" validate:"oneof=check-in check-out"`
	Timestamp    recordstore.Time `json:"timestamp"`
	DeviceID     string           `json:"deviceId"`
	DeviceName   string           `json:"deviceName"`
	DeviceType   string           `json:"deviceType"`
	Status       Status           `json:"status" validate:"oneof=success"`
}

// Query filters List. Zero fields are ignored.
type Query struct {
	IdentityID string
	DeviceType string
	CenterID   string
	Start      time.Time
	End        time.Time
	Limit      int
}

// Repository persists attendance records in the record store.
type Repository struct {
	store recordstore.Store
}

// NewRepository creates a repo.
func NewRepository(store recordstore.Store) *Repository {
	return &Repository{store: store}
}

// Insert appends a record and returns it with its id.
func (r *Repository) Insert(ctx context.Context, rec Record) (Record, error) {
	data, err := recordstore.Encode(rec)
	if err != nil {
		return Record{}, err
	}
	created, err := r.store.Create(ctx, Collection, data)
	if err != nil {
		return Record{}, err
	}
	var out Record
	if err := recordstore.Decode(Collection, created, &out); err != nil {
		return Record{}, err
	}
	return out, nil
}

// Latest returns the newest successful record for an identity at or after
// since, or nil when there is none.
func (r *Repository) Latest(ctx context.Context, identityID string, since time.Time) (*Record, error) {
	rec, err := recordstore.First(ctx, r.store, Collection, recordstore.ListOptions{
		Filter: recordstore.Filter{
			recordstore.Eq("identityId", identityID),
			recordstore.Eq("status", string(StatusSuccess)),
			recordstore.Gte("timestamp", recordstore.FormatTime(since)),
		},
		Sort: "-timestamp",
	})
	if recordstore.IsNotFound(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out Record
	if err := recordstore.Decode(Collection, rec, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// List returns records matching q, newest first.
func (r *Repository) List(ctx context.Context, q Query) ([]Record, error) {
	var f recordstore.Filter
	if q.IdentityID != "" {
		f = append(f, recordstore.Eq("identityId", q.IdentityID))
	}
	if q.DeviceType != "" {
		f = append(f, recordstore.Eq("deviceType", q.DeviceType))
	}
	if q.CenterID != "" {
		f = append(f, recordstore.Eq("centerId", q.CenterID))
	}
	if !q.Start.IsZero() {
		f = append(f, recordstore.Gte("timestamp", recordstore.FormatTime(q.Start)))
	}
	if !q.End.IsZero() {
		f = append(f, recordstore.Lte("timestamp", recordstore.FormatTime(q.End)))
	}
	res, err := r.store.List(ctx, Collection, recordstore.ListOptions{Filter: f, Sort: "-timestamp", PerPage: q.Limit})
	if err != nil {
		return nil, err
	}
	out := make([]Record, 0, len(res.Items))
	for _, item := range res.Items {
		var rec Record
		if err := recordstore.Decode(Collection, item, &rec); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
