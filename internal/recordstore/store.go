// Package recordstore is the generic record-store contract the attendance
// pipeline talks to, with Postgres, PocketBase and in-memory backends.
package recordstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// System fields every backend maintains on each record.
const (
	FieldID      = "id"
	FieldCreated = "created"
	FieldUpdated = "updated"
)

// TimeLayout is the fixed-width UTC layout used for stored timestamps.
// Fixed width keeps lexicographic order equal to chronological order.
const TimeLayout = "2006-01-02 15:04:05.000Z"

// ErrNotFound is returned by GetOne, Update, Delete and Increment for a
// missing id.
var ErrNotFound = errors.New("record not found")

// StorageError reports that the store was unreachable or rejected a call.
type StorageError struct {
	Op         string
	Collection string
	Err        error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("store %s %s: %v", e.Op, e.Collection, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op, collection string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) || errors.Is(err, ErrNotFound) {
		return err
	}
	return &StorageError{Op: op, Collection: collection, Err: err}
}

// Record is one stored row as a field map.
type Record map[string]any

// ID returns the record id or "".
func (r Record) ID() string {
	s, _ := r[FieldID].(string)
	return s
}

// String returns a field rendered as a string, "" when absent.
func (r Record) String(field string) string {
	v, ok := r[field]
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

// Op is a filter comparison operator.
type Op string

const (
	OpEq  Op = "="
	OpGte Op = ">="
	OpLte Op = "<="
)

// Clause compares one field against a literal value.
type Clause struct {
	Field string
	Op    Op
	Value string
}

// Eq builds field = "value".
func Eq(field, value string) Clause { return Clause{Field: field, Op: OpEq, Value: value} }

// Gte builds field >= "value".
func Gte(field, value string) Clause { return Clause{Field: field, Op: OpGte, Value: value} }

// Lte builds field <= "value".
func Lte(field, value string) Clause { return Clause{Field: field, Op: OpLte, Value: value} }

// Filter is a conjunction of clauses. The empty filter matches everything.
type Filter []Clause

var fieldName = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate rejects field names that cannot be used safely in a query.
func (f Filter) Validate() error {
	for _, c := range f {
		if !fieldName.MatchString(c.Field) {
			return fmt.Errorf("invalid filter field %q", c.Field)
		}
		switch c.Op {
		case OpEq, OpGte, OpLte:
		default:
			return fmt.Errorf("invalid filter operator %q", c.Op)
		}
	}
	return nil
}

// String renders the filter in PocketBase expression syntax.
func (f Filter) String() string {
	parts := make([]string, 0, len(f))
	for _, c := range f {
		parts = append(parts, fmt.Sprintf("%s %s %s", c.Field, c.Op, quote(c.Value)))
	}
	return strings.Join(parts, " && ")
}

func quote(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// SortKey is one parsed element of a sort expression like "-created".
type SortKey struct {
	Field string
	Desc  bool
}

// ParseSort splits a comma-separated sort expression. A leading "-" means
// descending.
func ParseSort(expr string) ([]SortKey, error) {
	var keys []SortKey
	for _, part := range strings.Split(expr, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		k := SortKey{Field: strings.TrimPrefix(strings.TrimPrefix(part, "+"), "-"), Desc: strings.HasPrefix(part, "-")}
		if !fieldName.MatchString(k.Field) {
			return nil, fmt.Errorf("invalid sort field %q", k.Field)
		}
		keys = append(keys, k)
	}
	return keys, nil
}

// ListOptions selects and pages a List call. Page is 1-based.
type ListOptions struct {
	Filter  Filter
	Sort    string
	Page    int
	PerPage int
}

func (o ListOptions) normalized() ListOptions {
	if o.Page <= 0 {
		o.Page = 1
	}
	if o.PerPage <= 0 {
		o.PerPage = 30
	}
	if o.PerPage > 500 {
		o.PerPage = 500
	}
	return o
}

// ListResult is one page of records.
type ListResult struct {
	Items      []Record
	Page       int
	PerPage    int
	TotalItems int
}

// Store is the record-store contract.
type Store interface {
	List(ctx context.Context, collection string, opts ListOptions) (ListResult, error)
	GetOne(ctx context.Context, collection, id string) (Record, error)
	Create(ctx context.Context, collection string, data Record) (Record, error)
	Update(ctx context.Context, collection, id string, data Record) (Record, error)
	Delete(ctx context.Context, collection, id string) error
	// Increment atomically adds delta to a numeric field and applies set in
	// the same write.
	Increment(ctx context.Context, collection, id, field string, delta int, set Record) (Record, error)
}

// First returns the first record matching opts, or ErrNotFound.
func First(ctx context.Context, s Store, collection string, opts ListOptions) (Record, error) {
	opts.Page, opts.PerPage = 1, 1
	res, err := s.List(ctx, collection, opts)
	if err != nil {
		return nil, err
	}
	if len(res.Items) == 0 {
		return nil, ErrNotFound
	}
	return res.Items[0], nil
}

// FormatTime renders t in TimeLayout.
func FormatTime(t time.Time) string { return t.UTC().Format(TimeLayout) }

// ParseTime accepts TimeLayout and RFC 3339.
func ParseTime(s string) (time.Time, error) {
	if t, err := time.Parse(TimeLayout, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Decode converts a record into a typed struct via its json tags and then
// runs the struct's validate tags. A record that fails either step is a
// StorageError: the store handed back something the service cannot trust.
func Decode(collection string, rec Record, v any) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return &StorageError{Op: "decode", Collection: collection, Err: err}
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return &StorageError{Op: "decode", Collection: collection, Err: err}
	}
	if err := validate.Struct(v); err != nil {
		return &StorageError{Op: "decode", Collection: collection, Err: fmt.Errorf("record %s: %w", rec.ID(), err)}
	}
	return nil
}

// Encode converts a typed struct into a record via its json tags.
func Encode(v any) (Record, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func cloneRecord(r Record) Record {
	out := make(Record, len(r))
	for k, v := range r {
		out[k] = v
	}
	return out
}
