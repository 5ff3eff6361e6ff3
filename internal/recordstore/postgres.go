package recordstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Schema creates the single table every collection lives in.
const Schema = `
CREATE TABLE IF NOT EXISTS records (
	seq        BIGSERIAL,
	collection TEXT  NOT NULL,
	id         TEXT  NOT NULL,
	data       JSONB NOT NULL,
	created    TEXT  NOT NULL,
	updated    TEXT  NOT NULL,
	PRIMARY KEY (collection, id)
);
CREATE INDEX IF NOT EXISTS records_collection_created ON records (collection, created DESC, seq DESC);
`

// Postgres stores records as JSONB rows keyed by (collection, id).
type Postgres struct {
	db      *sql.DB
	timeout time.Duration
}

// NewPostgres wraps an open database. timeout bounds each call; zero means
// only the caller's context applies.
func NewPostgres(db *sql.DB, timeout time.Duration) *Postgres {
	return &Postgres{db: db, timeout: timeout}
}

// Migrate creates the records table if needed.
func (p *Postgres) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, Schema)
	return storageErr("migrate", "records", err)
}

func (p *Postgres) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if p.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, p.timeout)
}

// column returns the SQL expression for a field. System fields are real
// columns; everything else is read out of data. Callers validate name.
func column(field string) string {
	switch field {
	case FieldID, FieldCreated, FieldUpdated:
		return field
	}
	return "data->>'" + field + "'"
}

func (p *Postgres) List(ctx context.Context, collection string, opts ListOptions) (ListResult, error) {
	if err := opts.Filter.Validate(); err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	keys, err := ParseSort(opts.Sort)
	if err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	opts = opts.normalized()
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()

	args := []any{collection}
	clauses := []string{"collection = $1"}
	for _, c := range opts.Filter {
		args = append(args, c.Value)
		clauses = append(clauses, fmt.Sprintf("%s %s $%d", column(c.Field), c.Op, len(args)))
	}
	where := " WHERE " + strings.Join(clauses, " AND ")

	var total int
	if err := p.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM records"+where, args...).Scan(&total); err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}

	order := make([]string, 0, len(keys)+1)
	for _, k := range keys {
		dir := "ASC"
		if k.Desc {
			dir = "DESC"
		}
		order = append(order, column(k.Field)+" "+dir)
	}
	if len(keys) > 0 && keys[0].Desc {
		order = append(order, "seq DESC")
	} else {
		order = append(order, "seq ASC")
	}

	query := "SELECT data, id, created, updated FROM records" + where +
		" ORDER BY " + strings.Join(order, ", ") +
		fmt.Sprintf(" LIMIT $%d OFFSET $%d", len(args)+1, len(args)+2)
	args = append(args, opts.PerPage, (opts.Page-1)*opts.PerPage)

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return ListResult{}, storageErr("list", collection, err)
	}
	defer rows.Close()

	res := ListResult{Page: opts.Page, PerPage: opts.PerPage, TotalItems: total}
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return ListResult{}, storageErr("list", collection, err)
		}
		res.Items = append(res.Items, rec)
	}
	return res, storageErr("list", collection, rows.Err())
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (Record, error) {
	var raw []byte
	var id, created, updated string
	if err := row.Scan(&raw, &id, &created, &updated); err != nil {
		return nil, err
	}
	rec := Record{}
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	rec[FieldID] = id
	rec[FieldCreated] = created
	rec[FieldUpdated] = updated
	return rec, nil
}

func (p *Postgres) GetOne(ctx context.Context, collection, id string) (Record, error) {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		SELECT data, id, created, updated FROM records
		WHERE collection = $1 AND id = $2
	`, collection, id)
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rec, storageErr("get", collection, err)
}

// payload strips system fields before data is written to the JSONB column.
func payload(data Record) ([]byte, error) {
	clean := cloneRecord(data)
	delete(clean, FieldID)
	delete(clean, FieldCreated)
	delete(clean, FieldUpdated)
	return json.Marshal(clean)
}

func (p *Postgres) Create(ctx context.Context, collection string, data Record) (Record, error) {
	id := data.ID()
	if id == "" {
		id = uuid.NewString()
	}
	created := data.String(FieldCreated)
	now := FormatTime(time.Now())
	if created == "" {
		created = now
	}
	raw, err := payload(data)
	if err != nil {
		return nil, storageErr("create", collection, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		INSERT INTO records (collection, id, data, created, updated)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		RETURNING data, id, created, updated
	`, collection, id, string(raw), created, now)
	rec, err := scanRecord(row)
	return rec, storageErr("create", collection, err)
}

func (p *Postgres) Update(ctx context.Context, collection, id string, data Record) (Record, error) {
	raw, err := payload(data)
	if err != nil {
		return nil, storageErr("update", collection, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		UPDATE records SET data = data || $3::jsonb, updated = $4
		WHERE collection = $1 AND id = $2
		RETURNING data, id, created, updated
	`, collection, id, string(raw), FormatTime(time.Now()))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rec, storageErr("update", collection, err)
}

func (p *Postgres) Delete(ctx context.Context, collection, id string) error {
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	res, err := p.db.ExecContext(ctx, `DELETE FROM records WHERE collection = $1 AND id = $2`, collection, id)
	if err != nil {
		return storageErr("delete", collection, err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return nil
}

// Increment performs the counter bump and the extra field writes in one
// UPDATE statement, so concurrent scans of one card never lose a count.
func (p *Postgres) Increment(ctx context.Context, collection, id, field string, delta int, set Record) (Record, error) {
	if !fieldName.MatchString(field) {
		return nil, storageErr("increment", collection, fmt.Errorf("invalid field %q", field))
	}
	if set == nil {
		set = Record{}
	}
	raw, err := payload(set)
	if err != nil {
		return nil, storageErr("increment", collection, err)
	}
	ctx, cancel := p.withTimeout(ctx)
	defer cancel()
	row := p.db.QueryRowContext(ctx, `
		UPDATE records
		SET data = jsonb_set(data, ARRAY[$3::text], to_jsonb(COALESCE((data->>$3::text)::numeric, 0) + $4::numeric)) || $5::jsonb,
		    updated = $6
		WHERE collection = $1 AND id = $2
		RETURNING data, id, created, updated
	`, collection, id, field, delta, string(raw), FormatTime(time.Now()))
	rec, err := scanRecord(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s/%s: %w", collection, id, ErrNotFound)
	}
	return rec, storageErr("increment", collection, err)
}

var _ Store = (*Postgres)(nil)
