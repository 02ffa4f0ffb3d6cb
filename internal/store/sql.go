package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// DB is a database handle that knows which SQL dialect it speaks.
type DB struct {
	*sql.DB
	driver string
}

// Open connects to a sqlite file or a postgres server and applies the
// embedded migrations.
func Open(ctx context.Context, driver, dsn string) (*DB, error) {
	sqlDriver, err := sqlDriverName(driver)
	if err != nil {
		return nil, err
	}
	if driver == DriverSQLite && !strings.Contains(dsn, "?") {
		dsn += "?_journal_mode=WAL&_busy_timeout=5000"
	}

	if err := Migrate(driver, dsn); err != nil {
		return nil, err
	}

	conn, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if driver == DriverSQLite {
		conn.SetMaxOpenConns(1)
	}
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to reach database: %w", err)
	}
	return &DB{DB: conn, driver: driver}, nil
}

// Migrate brings the schema up to date on a dedicated connection.
func Migrate(driver, dsn string) error {
	sqlDriver, err := sqlDriverName(driver)
	if err != nil {
		return err
	}
	conn, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to load migrations: %w", err)
	}

	var m *migrate.Migrate
	switch driver {
	case DriverPostgres:
		drv, derr := migratepg.WithInstance(conn, &migratepg.Config{})
		if derr != nil {
			conn.Close()
			return fmt.Errorf("migration init failed: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "postgres", drv)
	default:
		drv, derr := migratesqlite.WithInstance(conn, &migratesqlite.Config{})
		if derr != nil {
			conn.Close()
			return fmt.Errorf("migration init failed: %w", derr)
		}
		m, err = migrate.NewWithInstance("iofs", src, "sqlite3", drv)
	}
	if err != nil {
		conn.Close()
		return fmt.Errorf("migration init failed: %w", err)
	}
	defer m.Close()

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case DriverSQLite:
		return "sqlite3", nil
	case DriverPostgres:
		return "postgres", nil
	default:
		return "", fmt.Errorf("unsupported database driver %q", driver)
	}
}

// Rebind rewrites '?' placeholders into the postgres '$n' form.
func (db *DB) Rebind(query string) string {
	if db.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

type sqlKV struct {
	db *DB
}

// NewSQLKV returns a KV stored in the session_values table.
func NewSQLKV(db *DB) KV {
	return &sqlKV{db: db}
}

func (s *sqlKV) Get(ctx context.Context, scope, key string) (string, bool, error) {
	query := s.db.Rebind(`SELECT value FROM session_values WHERE scope = ? AND key = ?`)

	var value string
	err := s.db.QueryRowContext(ctx, query, scope, key).Scan(&value)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	return value, true, nil
}

func (s *sqlKV) Put(ctx context.Context, scope, key, value string) error {
	query := s.db.Rebind(`
		INSERT INTO session_values (scope, key, value, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (scope, key) DO UPDATE SET
			value = excluded.value,
			updated_at = excluded.updated_at
	`)
	if _, err := s.db.ExecContext(ctx, query, scope, key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("failed to write %s: %w", key, err)
	}
	return nil
}

func (s *sqlKV) Delete(ctx context.Context, scope string, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(keys)), ", ")
	query := s.db.Rebind(`DELETE FROM session_values WHERE scope = ? AND key IN (` + placeholders + `)`)

	args := make([]any, 0, len(keys)+1)
	args = append(args, scope)
	for _, k := range keys {
		args = append(args, k)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to clear scope %s: %w", scope, err)
	}
	return nil
}
