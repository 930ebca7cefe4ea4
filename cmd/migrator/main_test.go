package main

import (
	"context"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// memDB records applied migrations in a map so reruns see earlier work.
type memDB struct {
	applied   map[string]bool
	executed  []string
	lookupErr error
	beginErr  error
	tx        *memTx
	closed    bool
}

func newMemDB() *memDB { return &memDB{applied: map[string]bool{}} }

func (m *memDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}

func (m *memDB) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if m.lookupErr != nil {
		return boolRow{err: m.lookupErr}
	}
	name, _ := args[0].(string)
	return boolRow{v: m.applied[name]}
}

func (m *memDB) Begin(ctx context.Context) (pgx.Tx, error) {
	if m.beginErr != nil {
		return nil, m.beginErr
	}
	if m.tx == nil {
		m.tx = &memTx{}
	}
	m.tx.db = m
	m.tx.pending = ""
	return m.tx, nil
}

func (m *memDB) Close() { m.closed = true }

type boolRow struct {
	v   bool
	err error
}

func (r boolRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	if len(dest) != 1 {
		return errors.New("scan arity mismatch")
	}
	b, ok := dest[0].(*bool)
	if !ok {
		return errors.New("expected *bool")
	}
	*b = r.v
	return nil
}

// memTx implements pgx.Tx. Only Exec, Commit and Rollback do anything.
type memTx struct {
	db        *memDB
	pending   string
	failOn    string
	commitErr error
	rollbacks int
}

func (t *memTx) Begin(ctx context.Context) (pgx.Tx, error) { return t, nil }
func (t *memTx) Commit(ctx context.Context) error {
	if t.commitErr != nil {
		return t.commitErr
	}
	if t.pending != "" {
		t.db.applied[t.pending] = true
	}
	return nil
}
func (t *memTx) Rollback(ctx context.Context) error {
	t.rollbacks++
	return nil
}
func (t *memTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	return 0, errors.New("not implemented")
}
func (t *memTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults { return nil }
func (t *memTx) LargeObjects() pgx.LargeObjects                               { return pgx.LargeObjects{} }
func (t *memTx) Prepare(ctx context.Context, name string, sql string) (*pgconn.StatementDescription, error) {
	return nil, errors.New("not implemented")
}
func (t *memTx) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if t.failOn != "" && strings.Contains(sql, t.failOn) {
		return pgconn.CommandTag{}, errors.New("syntax error")
	}
	if strings.Contains(sql, "INSERT INTO schema_migrations") {
		t.pending, _ = args[0].(string)
		return pgconn.NewCommandTag("INSERT 0 1"), nil
	}
	t.db.executed = append(t.db.executed, sql)
	return pgconn.NewCommandTag("CREATE TABLE"), nil
}
func (t *memTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return nil, errors.New("not implemented")
}
func (t *memTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return boolRow{err: errors.New("not implemented")}
}
func (t *memTx) Conn() *pgx.Conn { return nil }

func TestValidateMigrationPath(t *testing.T) {
	dir := filepath.Join("x", "migrations")
	if _, err := validateMigrationPath(dir, filepath.Join(dir, "001_a.sql")); err != nil {
		t.Fatalf("expected valid path: %v", err)
	}
	if _, err := validateMigrationPath(dir, filepath.Join("x", "other", "001_a.sql")); err == nil {
		t.Fatal("expected outside-dir error")
	}
	if _, err := validateMigrationPath(dir, filepath.Join(dir, "..", "evil.sql")); err == nil {
		t.Fatal("expected traversal error")
	}
}

func TestRepositoryMigrationsApplyInOrder(t *testing.T) {
	db := newMemDB()
	res, err := runMigrations(context.Background(), db, options{Dir: filepath.Join("..", "..", "migrations"), Logf: t.Logf})
	if err != nil {
		t.Fatalf("runMigrations: %v", err)
	}
	want := []string{"001_orders.sql", "002_reconcile_reviews.sql", "003_audit_records.sql"}
	if strings.Join(res.Applied, ",") != strings.Join(want, ",") {
		t.Fatalf("applied = %v", res.Applied)
	}
	for i, table := range []string{"orders", "reconcile_reviews", "audit_records"} {
		if !strings.Contains(db.executed[i], "CREATE TABLE IF NOT EXISTS "+table) {
			t.Fatalf("migration %d does not create %s", i, table)
		}
	}

	res, err = runMigrations(context.Background(), db, options{Dir: filepath.Join("..", "..", "migrations"), Logf: t.Logf})
	if err != nil {
		t.Fatalf("rerun: %v", err)
	}
	if len(res.Applied) != 0 || len(res.Skipped) != len(want) {
		t.Fatalf("rerun result = %+v", res)
	}
}

func TestDryRunAppliesNothing(t *testing.T) {
	db := newMemDB()
	db.applied["001_orders.sql"] = true
	res, err := runMigrations(context.Background(), db, options{
		Dir:    "m",
		DryRun: true,
		Glob: func(string) ([]string, error) {
			return []string{filepath.Join("m", "002_b.sql"), filepath.Join("m", "001_orders.sql")}, nil
		},
		ReadFile: func(string) ([]byte, error) {
			t.Fatal("dry run must not read files")
			return nil, nil
		},
		Logf: t.Logf,
	})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if len(res.Pending) != 1 || res.Pending[0] != "002_b.sql" || len(res.Skipped) != 1 {
		t.Fatalf("result = %+v", res)
	}
}

func TestRunMigrationsErrors(t *testing.T) {
	glob := func(string) ([]string, error) { return []string{filepath.Join("m", "001_a.sql")}, nil }
	read := func(string) ([]byte, error) { return []byte("CREATE TABLE a();"), nil }

	cases := []struct {
		name  string
		setup func(db *memDB) options
		want  string
	}{
		{"nil db", nil, "db required"},
		{"glob", func(db *memDB) options {
			return options{Dir: "m", Glob: func(string) ([]string, error) { return nil, errors.New("boom") }}
		}, "glob migrations"},
		{"outside dir", func(db *memDB) options {
			return options{Dir: "m", Glob: func(string) ([]string, error) { return []string{"/etc/passwd.sql"}, nil }}
		}, "invalid migration path"},
		{"lookup", func(db *memDB) options {
			db.lookupErr = errors.New("down")
			return options{Dir: "m", Glob: glob}
		}, "migration lookup"},
		{"read", func(db *memDB) options {
			return options{Dir: "m", Glob: glob, ReadFile: func(string) ([]byte, error) { return nil, errors.New("gone") }}
		}, "read migration"},
		{"begin", func(db *memDB) options {
			db.beginErr = errors.New("pool closed")
			return options{Dir: "m", Glob: glob, ReadFile: read}
		}, "begin migration tx"},
		{"apply", func(db *memDB) options {
			db.tx = &memTx{failOn: "CREATE TABLE a"}
			return options{Dir: "m", Glob: glob, ReadFile: read}
		}, "apply migration 001_a.sql"},
		{"commit", func(db *memDB) options {
			db.tx = &memTx{commitErr: errors.New("serialization")}
			return options{Dir: "m", Glob: glob, ReadFile: read}
		}, "commit migration"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var (
				err error
				db  = newMemDB()
			)
			if tc.setup == nil {
				_, err = runMigrations(context.Background(), nil, options{})
			} else {
				opts := tc.setup(db)
				opts.Logf = t.Logf
				_, err = runMigrations(context.Background(), db, opts)
			}
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("expected %q, got %v", tc.want, err)
			}
			if tc.name == "apply" && db.tx.rollbacks != 1 {
				t.Fatalf("rollbacks = %d", db.tx.rollbacks)
			}
		})
	}
}

func TestMainEntry(t *testing.T) {
	origFatal, origOpen, origArgs := logFatalf, openDBFn, argsFn
	defer func() { logFatalf, openDBFn, argsFn = origFatal, origOpen, origArgs }()

	t.Run("applies repository migrations", func(t *testing.T) {
		db := newMemDB()
		logFatalf = func(format string, args ...any) { t.Fatalf(format, args...) }
		openDBFn = func(context.Context) (migratorDBCloser, error) { return db, nil }
		argsFn = func() []string { return []string{"-dir", filepath.Join("..", "..", "migrations")} }
		main()
		if len(db.applied) != 3 || !db.closed {
			t.Fatalf("applied = %v closed=%v", db.applied, db.closed)
		}
	})

	t.Run("db error", func(t *testing.T) {
		var fatal string
		logFatalf = func(format string, args ...any) { fatal = format }
		openDBFn = func(context.Context) (migratorDBCloser, error) { return nil, errors.New("refused") }
		argsFn = func() []string { return nil }
		main()
		if !strings.HasPrefix(fatal, "db:") {
			t.Fatalf("fatal = %q", fatal)
		}
	})

	t.Run("bad flag", func(t *testing.T) {
		var fatal string
		logFatalf = func(format string, args ...any) { fatal = format }
		argsFn = func() []string { return []string{"-nope"} }
		main()
		if !strings.HasPrefix(fatal, "flags:") {
			t.Fatalf("fatal = %q", fatal)
		}
	})
}
