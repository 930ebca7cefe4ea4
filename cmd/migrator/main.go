package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"ledgersync/pkg/store"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type migrationDB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

type migratorDBCloser interface {
	migrationDB
	Close()
}

// Testable variables for main()
var (
	logFatalf = log.Fatalf
	openDBFn  = func(ctx context.Context) (migratorDBCloser, error) {
		return store.NewPostgresPool(ctx)
	}
	argsFn = func() []string { return os.Args[1:] }
)

type options struct {
	Dir    string
	DryRun bool
	// ReadFile and Glob default to the os and filepath functions.
	ReadFile func(name string) ([]byte, error)
	Glob     func(pattern string) ([]string, error)
	Logf     func(format string, args ...any)
}

type result struct {
	Applied []string
	Skipped []string
	Pending []string
}

func main() {
	fs := flag.NewFlagSet("migrator", flag.ContinueOnError)
	dir := fs.String("dir", envOr("MIGRATIONS_DIR", "migrations"), "directory holding NNN_name.sql files")
	dryRun := fs.Bool("dry-run", false, "list pending migrations without applying them")
	timeout := fs.Duration("timeout", 20*time.Second, "overall migration timeout")
	if err := fs.Parse(argsFn()); err != nil {
		logFatalf("flags: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	pool, err := openDBFn(ctx)
	if err != nil {
		logFatalf("db: %v", err)
		return
	}
	defer pool.Close()

	res, err := runMigrations(ctx, pool, options{Dir: *dir, DryRun: *dryRun, Logf: log.Printf})
	if err != nil {
		logFatalf("migration: %v", err)
		return
	}
	if *dryRun {
		log.Printf("pending migrations: %s", strings.Join(res.Pending, ", "))
	}
}

func validateMigrationPath(migrationsDir, file string) (string, error) {
	cleanDir := filepath.Clean(migrationsDir)
	cleanFile := filepath.Clean(file)
	prefix := cleanDir + string(os.PathSeparator)
	if !strings.HasPrefix(cleanFile, prefix) {
		return "", fmt.Errorf("path %q is outside migrations dir %q", file, migrationsDir)
	}
	return cleanFile, nil
}

// runMigrations applies every *.sql file in lexical order, each in its own
// transaction together with its schema_migrations row.
func runMigrations(ctx context.Context, db migrationDB, opts options) (result, error) {
	var res result
	if db == nil {
		return res, fmt.Errorf("db required")
	}
	readFile := opts.ReadFile
	if readFile == nil {
		// #nosec G304 -- migration file path is validated by validateMigrationPath before read.
		readFile = os.ReadFile
	}
	glob := opts.Glob
	if glob == nil {
		glob = filepath.Glob
	}
	logf := opts.Logf
	if logf == nil {
		logf = log.Printf
	}

	if _, err := db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			filename TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return res, fmt.Errorf("create schema_migrations: %w", err)
	}

	dir := filepath.Clean(opts.Dir)
	files, err := glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return res, fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, file := range files {
		cleanFile, err := validateMigrationPath(dir, file)
		if err != nil {
			return res, fmt.Errorf("invalid migration path: %s", file)
		}
		name := filepath.Base(cleanFile)
		var exists bool
		if err := db.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM schema_migrations WHERE filename=$1)`, name).Scan(&exists); err != nil {
			return res, fmt.Errorf("migration lookup: %w", err)
		}
		if exists {
			res.Skipped = append(res.Skipped, name)
			continue
		}
		if opts.DryRun {
			res.Pending = append(res.Pending, name)
			continue
		}
		sqlBytes, err := readFile(cleanFile)
		if err != nil {
			return res, fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := applyOne(ctx, db, name, string(sqlBytes)); err != nil {
			return res, err
		}
		res.Applied = append(res.Applied, name)
		logf("applied migration %s", name)
	}

	logf("migrations: %d applied, %d already present, %d pending", len(res.Applied), len(res.Skipped), len(res.Pending))
	return res, nil
}

func applyOne(ctx context.Context, db migrationDB, name, sql string) error {
	tx, err := db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	if _, err := tx.Exec(ctx, sql); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("apply migration %s: %w", name, err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO schema_migrations(filename) VALUES($1)`, name); err != nil {
		_ = tx.Rollback(ctx)
		return fmt.Errorf("mark migration %s: %w", name, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %s: %w", name, err)
	}
	return nil
}

func envOr(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}
