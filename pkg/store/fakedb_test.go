package store

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeDB struct {
	execFn     func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn    func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	queryRowFn func(ctx context.Context, sql string, args ...any) pgx.Row
	execSQL    []string
	execArgs   [][]any
}

func (f *fakeDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func (f *fakeDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeRows{}, nil
}

func (f *fakeDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if f.queryRowFn != nil {
		return f.queryRowFn(ctx, sql, args...)
	}
	return fakeRow{err: pgx.ErrNoRows}
}

type fakeRow struct {
	values []any
	err    error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	return assignRow(dest, r.values)
}

type fakeRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeRows) Close()                                       {}
func (r *fakeRows) Err() error                                   { return r.err }
func (r *fakeRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeRows) RawValues() [][]byte                          { return nil }
func (r *fakeRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	return assignRow(dest, r.rows[r.idx-1])
}

func (r *fakeRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func assignRow(dest []any, values []any) error {
	if len(dest) != len(values) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		if err := assignScan(dest[i], values[i]); err != nil {
			return err
		}
	}
	return nil
}

func assignScan(dest any, value any) error {
	switch d := dest.(type) {
	case *string:
		v, ok := value.(string)
		if !ok {
			return errors.New("value is not string")
		}
		*d = v
	case *[]byte:
		v, ok := value.([]byte)
		if !ok {
			return errors.New("value is not []byte")
		}
		*d = append((*d)[:0], v...)
	case *int64:
		v, ok := value.(int64)
		if !ok {
			return errors.New("value is not int64")
		}
		*d = v
	case **int:
		if value == nil {
			*d = nil
			return nil
		}
		v, ok := value.(int)
		if !ok {
			return errors.New("value is not int")
		}
		tmp := v
		*d = &tmp
	case *time.Time:
		v, ok := value.(time.Time)
		if !ok {
			return errors.New("value is not time.Time")
		}
		*d = v
	default:
		return errors.New("unsupported scan destination")
	}
	return nil
}

// orderRow lays values out in orderColumns order.
func orderRow(id, source, stage string, chainStatus any, meta string, at time.Time) []any {
	return []any{id, "0xuser", "0xcomp", stage, chainStatus, "unpaid", source, int64(100), int64(500), []byte(meta), at, at}
}
