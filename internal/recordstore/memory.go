package recordstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Memory is a process-local Store for tests and single-node development.
// All operations hold one mutex, so Increment is atomic.
type Memory struct {
	mu          sync.Mutex
	collections map[string]map[string]*memRow
	seq         int64
	now         func() time.Time

	// FailWith, when set, is returned by every call as a StorageError.
	FailWith error
}

type memRow struct {
	seq  int64
	data Record
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{collections: make(map[string]map[string]*memRow), now: time.Now}
}

// SetNow replaces the clock used for created/updated stamps.
func (m *Memory) SetNow(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) fail(op, collection string) error {
	if m.FailWith != nil {
		return &StorageError{Op: op, Collection: collection, Err: m.FailWith}
	}
	return nil
}

func (m *Memory) List(ctx context.Context, collection string, opts ListOptions) (ListResult, error) {
	if err := m.fail("list", collection); err != nil {
		return ListResult{}, err
	}
	if err := opts.Filter.Validate(); err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	keys, err := ParseSort(opts.Sort)
	if err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	opts = opts.normalized()

	m.mu.Lock()
	var rows []*memRow
	for _, row := range m.collections[collection] {
		if matches(row.data, opts.Filter) {
			rows = append(rows, row)
		}
	}
	m.mu.Unlock()

	sort.SliceStable(rows, func(i, j int) bool {
		for _, k := range keys {
			c := compareValues(rows[i].data[k.Field], rows[j].data[k.Field])
			if c == 0 {
				continue
			}
			if k.Desc {
				return c > 0
			}
			return c < 0
		}
		// Insertion order breaks ties, newest first when the primary key descends.
		if len(keys) > 0 && keys[0].Desc {
			return rows[i].seq > rows[j].seq
		}
		return rows[i].seq < rows[j].seq
	})

	res := ListResult{Page: opts.Page, PerPage: opts.PerPage, TotalItems: len(rows)}
	start := (opts.Page - 1) * opts.PerPage
	for i := start; i < len(rows) && i < start+opts.PerPage; i++ {
		res.Items = append(res.Items, cloneRecord(rows[i].data))
	}
	return res, nil
}

func (m *Memory) GetOne(ctx context.Context, collection, id string) (Record, error) {
	if err := m.fail("get", collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return cloneRecord(row.data), nil
}

func (m *Memory) Create(ctx context.Context, collection string, data Record) (Record, error) {
	if err := m.fail("create", collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	rec := cloneRecord(data)
	if rec.ID() == "" {
		rec[FieldID] = uuid.NewString()
	}
	stamp := FormatTime(m.now())
	if rec.String(FieldCreated) == "" {
		rec[FieldCreated] = stamp
	}
	rec[FieldUpdated] = stamp

	rows := m.collections[collection]
	if rows == nil {
		rows = make(map[string]*memRow)
		m.collections[collection] = rows
	}
	if _, exists := rows[rec.ID()]; exists {
		return nil, &StorageError{Op: "create", Collection: collection, Err: fmt.Errorf("duplicate id %s", rec.ID())}
	}
	m.seq++
	rows[rec.ID()] = &memRow{seq: m.seq, data: rec}
	return cloneRecord(rec), nil
}

func (m *Memory) Update(ctx context.Context, collection, id string, data Record) (Record, error) {
	if err := m.fail("update", collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	for k, v := range data {
		if k == FieldID || k == FieldCreated {
			continue
		}
		row.data[k] = v
	}
	row.data[FieldUpdated] = FormatTime(m.now())
	return cloneRecord(row.data), nil
}

func (m *Memory) Delete(ctx context.Context, collection, id string) error {
	if err := m.fail("delete", collection); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.collections[collection][id]; !ok {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	delete(m.collections[collection], id)
	return nil
}

func (m *Memory) Increment(ctx context.Context, collection, id, field string, delta int, set Record) (Record, error) {
	if err := m.fail("increment", collection); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.collections[collection][id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	current, _ := toFloat(row.data[field])
	row.data[field] = current + float64(delta)
	for k, v := range set {
		if k == FieldID || k == FieldCreated {
			continue
		}
		row.data[k] = v
	}
	row.data[FieldUpdated] = FormatTime(m.now())
	return cloneRecord(row.data), nil
}

func matches(rec Record, f Filter) bool {
	for _, c := range f {
		v, ok := rec[c.Field]
		if !ok {
			v = ""
		}
		cmp := compareValues(v, c.Value)
		switch c.Op {
		case OpEq:
			if cmp != 0 {
				return false
			}
		case OpGte:
			if cmp < 0 {
				return false
			}
		case OpLte:
			if cmp > 0 {
				return false
			}
		}
	}
	return true
}

// compareValues orders numbers numerically and everything else as strings.
// Two strings always compare as strings so "0042" never equals "42".
func compareValues(a, b any) int {
	_, aStr := a.(string)
	_, bStr := b.(string)
	af, aok := toFloat(a)
	bf, bok := toFloat(b)
	if aok && bok && !(aStr && bStr) {
		switch {
		case af < bf:
			return -1
		case af > bf:
			return 1
		}
		return 0
	}
	as, bs := stringOf(a), stringOf(b)
	switch {
	case as < bs:
		return -1
	case as > bs:
		return 1
	}
	return 0
}

func stringOf(v any) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

var _ Store = (*Memory)(nil)

// IsNotFound reports whether err is, or wraps, ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }
