// Package store is the relational persistence of the sync service. One Store
// serves as the message Sink, the checkpoint Backend and the cycle outbox,
// over SQLite (modernc or mattn) or PostgreSQL (pgx).
package store

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	stdsync "sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	_ "modernc.org/sqlite"
)

const (
	DriverSQLite    = "sqlite"
	DriverSQLiteCgo = "sqlite3"
	DriverPostgres  = "pgx"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationFS embed.FS

// goose keeps its FS and dialect in package state.
var (
	migrateMu       stdsync.Mutex
	gooseUpContext  = goose.UpContext
	gooseSetDialect = goose.SetDialect
)

// Store wraps a *sql.DB opened for one of the supported drivers.
type Store struct {
	db     *sql.DB
	driver string
	now    func() time.Time
}

// New wraps an already opened and migrated database.
func New(db *sql.DB, driver string) *Store {
	return &Store{db: db, driver: driver, now: time.Now}
}

// Open opens the database at dsn with driver, applies the connection
// settings of that driver and runs the migrations.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	if isSQLite(driver) {
		if err := ensureDir(dsn); err != nil {
			return nil, err
		}
		dsn = sqliteDSN(driver, dsn)
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s database: %w", driver, err)
	}

	if isSQLite(driver) {
		// SQLite allows one writer; a single connection also keeps
		// :memory: databases shared across calls.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(time.Hour)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping %s database: %w", driver, err)
	}

	if err := migrate(ctx, db, driver); err != nil {
		db.Close()
		return nil, err
	}

	return New(db, driver), nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func migrate(ctx context.Context, db *sql.DB, driver string) error {
	dialect, dir := "sqlite3", "migrations/sqlite"
	if driver == DriverPostgres {
		dialect, dir = "pgx", "migrations/postgres"
	}

	migrateMu.Lock()
	defer migrateMu.Unlock()

	goose.SetBaseFS(migrationFS)
	goose.SetLogger(goose.NopLogger())
	if err := gooseSetDialect(dialect); err != nil {
		return fmt.Errorf("set migration dialect: %w", err)
	}
	if err := gooseUpContext(ctx, db, dir); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

func isSQLite(driver string) bool {
	return driver == DriverSQLite || driver == DriverSQLiteCgo
}

func isMemory(dsn string) bool {
	return dsn == ":memory:" || strings.Contains(dsn, "mode=memory")
}

func ensureDir(dsn string) error {
	if isMemory(dsn) {
		return nil
	}
	path := strings.TrimPrefix(dsn, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create database directory: %w", err)
	}
	return nil
}

// sqliteDSN appends WAL, full sync and a busy timeout unless the DSN already
// carries parameters. Each driver spells the pragmas differently.
func sqliteDSN(driver, dsn string) string {
	if isMemory(dsn) || strings.Contains(dsn, "?") {
		return dsn
	}
	if driver == DriverSQLiteCgo {
		return dsn + "?_journal_mode=WAL&_synchronous=FULL&_busy_timeout=5000"
	}
	return dsn + "?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)"
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

func unixOrNil(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t.Unix()
}

func timeFromNull(v sql.NullInt64) time.Time {
	if !v.Valid {
		return time.Time{}
	}
	return time.Unix(v.Int64, 0).UTC()
}
