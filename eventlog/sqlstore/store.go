// Package sqlstore keeps the event log in SQLite or PostgreSQL. The schema is
// managed by golang-migrate from migrations embedded in the binary and is
// brought up to date when a store is opened.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"iter"
	"strings"
	"sync/atomic"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"

	"github.com/migadu/selftest/eventlog"
	"github.com/migadu/selftest/logger"
)

//go:embed migrations
var MigrationsFS embed.FS

// Driver selects the SQL backend.
type Driver string

const (
	SQLite   Driver = "sqlite"
	Postgres Driver = "postgres"
)

// Store is an eventlog.Log backed by a SQL table. Append order is the
// table's sequence column.
type Store struct {
	db     *sql.DB
	driver Driver
	closed atomic.Bool
}

var _ eventlog.Log = (*Store)(nil)

// Open connects to dsn, applies pending migrations and returns the store.
// For SQLite dsn is a file path; in-memory databases are not supported
// because each pooled connection would see its own copy.
func Open(ctx context.Context, driver Driver, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case SQLite:
		// Pragmas go in the DSN so every pooled connection gets them.
		if !strings.Contains(dsn, "?") {
			dsn += "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
		}
		db, err = sql.Open("sqlite", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open sqlite event store: %w", err)
		}
	case Postgres:
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres event store: %w", err)
		}
	default:
		return nil, fmt.Errorf("unsupported event store driver %q", driver)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping event store: %w", err)
	}
	if err := migrateUp(db, driver); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, driver: driver}, nil
}

func migrateUp(db *sql.DB, driver Driver) error {
	migrations, err := fs.Sub(MigrationsFS, "migrations/"+string(driver))
	if err != nil {
		return fmt.Errorf("failed to get migrations subdirectory: %w", err)
	}
	sourceDriver, err := iofs.New(migrations, ".")
	if err != nil {
		return fmt.Errorf("failed to create migration source driver: %w", err)
	}

	var dbDriver database.Driver
	switch driver {
	case SQLite:
		dbDriver, err = sqlite.WithInstance(db, &sqlite.Config{})
	case Postgres:
		dbDriver, err = pgxv5.WithInstance(db, &pgxv5.Config{})
	}
	if err != nil {
		return fmt.Errorf("failed to create migration db driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, string(driver), dbDriver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Debug("Event store: schema ready", "driver", driver, "version", version, "dirty", dirty)
	}
	return nil
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(query string) string {
	if s.driver != Postgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func (s *Store) Append(ctx context.Context, ev eventlog.Event) error {
	if s.closed.Load() {
		return eventlog.ErrClosed
	}
	record, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	var ts any = ev.Timestamp.UTC()
	if s.driver == SQLite {
		ts = ev.Timestamp.UTC().Format(time.RFC3339Nano)
	}
	_, err = s.db.ExecContext(ctx, s.rebind(
		`INSERT INTO events (id, ts, session, armed_session, proto, kind, tls, record)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`),
		ev.ID, ts, ev.Session, ev.ArmedSession, ev.Protocol, string(ev.Kind), ev.TLS, string(record))
	if err != nil {
		return fmt.Errorf("failed to insert event %s: %w", ev.ID, err)
	}
	return nil
}

// Query runs a fresh SELECT each time the sequence is ranged over.
func (s *Store) Query(ctx context.Context, session, protocol string) iter.Seq[eventlog.Event] {
	return func(yield func(eventlog.Event) bool) {
		query := `SELECT record FROM events
			WHERE (session = ? OR (session IS NULL AND armed_session = ?))`
		args := []any{session, session}
		if protocol != "" {
			query += ` AND (proto = ? OR (proto = '' AND kind = ?))`
			args = append(args, protocol, string(eventlog.KindObservation))
		}
		query += ` ORDER BY seq`

		rows, err := s.db.QueryContext(ctx, s.rebind(query), args...)
		if err != nil {
			logger.Warn("Event store: query failed", "session", session, "error", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var record []byte
			if err := rows.Scan(&record); err != nil {
				logger.Warn("Event store: scan failed", "error", err)
				return
			}
			var ev eventlog.Event
			if err := json.Unmarshal(record, &ev); err != nil {
				continue
			}
			if !yield(ev) {
				return
			}
		}
		if err := rows.Err(); err != nil && ctx.Err() == nil {
			logger.Warn("Event store: row iteration failed", "error", err)
		}
	}
}

func (s *Store) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.db.Close()
}
