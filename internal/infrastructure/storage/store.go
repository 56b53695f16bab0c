// Package storage implements the repository ports on top of database/sql.
//
// The same queries serve Postgres (github.com/lib/pq) in production and SQLite
// (modernc.org/sqlite) for local runs and tests; squirrel renders the dialect's
// placeholders. Uniqueness is always enforced by the schema, never by
// check-then-write in Go.
package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"sort"
	"strings"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"PaperDigest/internal/infrastructure/storage/migrations"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"

	// sqliteTimeLayout is fixed width so that text comparison orders like time.
	sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

	pqUniqueViolation = "23505"
)

// Store owns the connection pool and hands out the repository views.
type Store struct {
	db     *sql.DB
	driver string
	sb     sq.StatementBuilderType
}

// Open connects to the configured database. The schema is not touched; call Migrate.
func Open(ctx context.Context, driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverPostgres:
		db, err = sql.Open("postgres", dsn)
	case DriverSQLite:
		db, err = sql.Open("sqlite", sqliteDSN(dsn))
		if err == nil {
			// one writer at a time; WAL still lets readers proceed
			db.SetMaxOpenConns(1)
		}
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driver, err)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping %s: %w", driver, err)
	}

	return New(db, driver), nil
}

// New wraps an existing pool.
func New(db *sql.DB, driver string) *Store {
	var format sq.PlaceholderFormat = sq.Question
	if driver == DriverPostgres {
		format = sq.Dollar
	}
	return &Store{
		db:     db,
		driver: driver,
		sb:     sq.StatementBuilder.PlaceholderFormat(format),
	}
}

func sqliteDSN(dsn string) string {
	if strings.Contains(dsn, "_pragma=") {
		return dsn
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return dsn + sep + "_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)"
}

// Close releases the pool.
func (s *Store) Close() error {
	return s.db.Close()
}

// DB exposes the pool for health checks.
func (s *Store) DB() *sql.DB {
	return s.db
}

// Driver reports which dialect the store speaks.
func (s *Store) Driver() string {
	return s.driver
}

// Migrate applies the embedded migrations of the store's dialect that are not yet recorded.
func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	fsys, err := fs.Sub(migrations.FS, s.driver)
	if err != nil {
		return fmt.Errorf("locate %s migrations: %w", s.driver, err)
	}
	entries, err := fs.ReadDir(fsys, ".")
	if err != nil {
		return fmt.Errorf("read migrations: %w", err)
	}

	var files []string
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".up.sql") {
			files = append(files, entry.Name())
		}
	}
	sort.Strings(files)

	for _, name := range files {
		var version int
		if _, err := fmt.Sscanf(name, "%d_", &version); err != nil || version <= current {
			continue
		}

		content, err := fs.ReadFile(fsys, name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := s.applyMigration(ctx, version, string(content)); err != nil {
			return fmt.Errorf("apply migration %s: %w", name, err)
		}
	}
	return nil
}

func (s *Store) applyMigration(ctx context.Context, version int, body string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, body); err != nil {
		return err
	}
	query, args, err := s.sb.Insert("schema_migrations").Columns("version").Values(version).ToSql()
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return err
	}
	return tx.Commit()
}

// ts converts t into the representation the dialect compares correctly.
func (s *Store) ts(t time.Time) interface{} {
	if s.driver == DriverSQLite {
		return t.UTC().Format(sqliteTimeLayout)
	}
	return t.UTC()
}

func (s *Store) tsPtr(t *time.Time) interface{} {
	if t == nil || t.IsZero() {
		return nil
	}
	return s.ts(*t)
}

// dbTime scans TIMESTAMPTZ values from Postgres and fixed-layout text from SQLite.
type dbTime struct {
	Time  time.Time
	Valid bool
}

var timeLayouts = []string{
	sqliteTimeLayout,
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999-07:00",
	"2006-01-02 15:04:05",
}

func (t *dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		t.Time, t.Valid = time.Time{}, false
		return nil
	case time.Time:
		t.Time, t.Valid = v.UTC(), true
		return nil
	case []byte:
		return t.parse(string(v))
	case string:
		return t.parse(v)
	default:
		return fmt.Errorf("unsupported time value %T", src)
	}
}

func (t *dbTime) parse(raw string) error {
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time, t.Valid = parsed.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("unparseable time %q", raw)
}

func (t dbTime) ptr() *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time
	return &v
}

func encodeList(values []string) (string, error) {
	if values == nil {
		values = []string{}
	}
	raw, err := json.Marshal(values)
	if err != nil {
		return "", fmt.Errorf("encode list: %w", err)
	}
	return string(raw), nil
}

func decodeList(raw string) ([]string, error) {
	if raw == "" {
		return nil, nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil, fmt.Errorf("decode list: %w", err)
	}
	if len(values) == 0 {
		return nil, nil
	}
	return values, nil
}

// isUniqueViolation recognises duplicate-key failures of both drivers.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == pqUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		}
	}
	return false
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func execBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (int64, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := q.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return affected, nil
}

func queryBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Rows, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryContext(ctx, query, args...)
}

func queryRowBuilder(ctx context.Context, q queryer, b sq.Sqlizer) (*sql.Row, error) {
	query, args, err := b.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build query: %w", err)
	}
	return q.QueryRowContext(ctx, query, args...), nil
}
