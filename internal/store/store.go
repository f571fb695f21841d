// Package store is the state-store DAO: agents, sessions, sandboxes,
// runners, messages, and session_events, backed by either an embedded
// SQLite file (modernc.org/sqlite, the default) or a networked Postgres
// instance (lib/pq, when DATABASE_URL is a postgres:// URL) — matching the
// teacher's internal/db package, generalized to a backend-agnostic DAO the
// way the teacher never needed to because it only ever spoke Postgres.
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

// Driver identifies which SQL dialect a Store is speaking, since a handful
// of queries (placeholder syntax, UPSERT syntax, NOW()) differ between them.
type Driver int

const (
	DriverSQLite Driver = iota
	DriverPostgres
)

// DB wraps *sql.DB with driver-aware helpers shared by every entity file in
// this package (agents.go, sessions.go, sandboxes.go, runners.go,
// messages.go, sessionevents.go).
type DB struct {
	*sql.DB
	driver Driver
}

// Open connects to the database named by databaseURL. An empty URL, or one
// without a "postgres(ql)://" scheme, opens (creating if needed) an embedded
// SQLite file — spec.md §6's DATABASE_URL config option.
func Open(databaseURL string) (*DB, error) {
	if databaseURL == "" {
		databaseURL = "data/ash.db"
	}
	if strings.HasPrefix(databaseURL, "postgres://") || strings.HasPrefix(databaseURL, "postgresql://") {
		return openPostgres(databaseURL)
	}
	return openSQLite(databaseURL)
}

func openPostgres(url string) (*DB, error) {
	sqlDB, err := sql.Open("postgres", url)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	db := &DB{DB: sqlDB, driver: DriverPostgres}
	if err := db.migrate(postgresSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate postgres: %w", err)
	}
	return db, nil
}

func openSQLite(path string) (*DB, error) {
	sqlDB, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite does not support concurrent writers on one *sql.DB
	// connection pool well; cap at 1 writer the way the rest of the
	// ecosystem recommends for this driver.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.Ping(); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	db := &DB{DB: sqlDB, driver: DriverSQLite}
	if err := db.migrate(sqliteSchema); err != nil {
		sqlDB.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return db, nil
}

func (db *DB) migrate(schema string) error {
	for _, stmt := range strings.Split(schema, ";\n\n") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			return fmt.Errorf("exec migration statement: %w\n%s", err, stmt)
		}
	}
	return nil
}

// ph returns the i'th (1-based) placeholder in this driver's syntax.
func (db *DB) ph(i int) string {
	if db.driver == DriverPostgres {
		return fmt.Sprintf("$%d", i)
	}
	return "?"
}

// now returns the current time in UTC, untruncated.
func now() time.Time { return time.Now().UTC() }
