package queue

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/tailscale/tailsql/server/tailsql"
	_ "modernc.org/sqlite"
	"tailscale.com/tsweb"

	"github.com/banshee-data/pulsefeed/internal/monitoring"
	"github.com/banshee-data/pulsefeed/internal/output"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteQueue is an append-only, sequenced message store in a SQLite file.
// Each message gets a queue sequence number assigned by the database;
// consumers poll with ReadFrom.
type SQLiteQueue struct {
	db   *sql.DB
	path string
	now  func() time.Time

	mu     sync.Mutex
	closed bool
}

// Entry is a stored message with its queue position.
type Entry struct {
	QueueSeq int64
	Written  time.Time
	Message  *output.Message
}

// OpenSQLite opens (creating if needed) the queue database at path and
// applies pending migrations.
func OpenSQLite(path string) (*SQLiteQueue, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open queue database: %w", err)
	}
	// A single connection serializes writers and keeps in-memory databases
	// shared across queries.
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	q := &SQLiteQueue{db: db, path: path, now: time.Now}
	if err := q.migrateUp(); err != nil {
		db.Close()
		return nil, err
	}
	return q, nil
}

func (q *SQLiteQueue) migrateUp() error {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to load queue migrations: %w", err)
	}
	driver, err := sqlite.WithInstance(q.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create sqlite driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{}
	// m is not closed: that would close the shared database handle.

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("queue migration up failed: %w", err)
	}
	return nil
}

type migrateLogger struct{}

func (l *migrateLogger) Printf(format string, v ...interface{}) {
	monitoring.Logf("[migrate] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return false
}

// Write appends m to the queue.
func (q *SQLiteQueue) Write(ctx context.Context, m *output.Message) error {
	q.mu.Lock()
	closed := q.closed
	q.mu.Unlock()
	if closed {
		return ErrClosed
	}

	framed, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = q.db.ExecContext(ctx, `
		INSERT INTO messages (run_id, band, message_seq, record_count, flags, payload, written_unix_nanos)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		m.RunID.String(), int(m.Band), int64(m.Sequence), m.Count, int(m.Flags), framed, q.now().UnixNano())
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

// ReadFrom returns up to limit messages with a queue sequence number
// greater than after, oldest first.
func (q *SQLiteQueue) ReadFrom(ctx context.Context, after int64, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT queue_seq, written_unix_nanos, payload
		FROM messages
		WHERE queue_seq > ?
		ORDER BY queue_seq
		LIMIT ?`, after, limit)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var written int64
		var payload []byte
		if err := rows.Scan(&e.QueueSeq, &written, &payload); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		e.Written = time.Unix(0, written)
		e.Message = &output.Message{}
		if err := e.Message.UnmarshalBinary(payload); err != nil {
			return nil, fmt.Errorf("message %d: %w", e.QueueSeq, err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Len returns the number of stored messages.
func (q *SQLiteQueue) Len(ctx context.Context) (int64, error) {
	var n int64
	err := q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n)
	return n, err
}

// Close closes the database. Later writes fail with ErrClosed.
func (q *SQLiteQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil
	}
	q.closed = true
	return q.db.Close()
}

// AttachAdminRoutes mounts tailsql on the tsweb debug page so the queue
// can be inspected live.
func (q *SQLiteQueue) AttachAdminRoutes(mux *http.ServeMux) error {
	debug := tsweb.Debugger(mux)
	tsql, err := tailsql.NewServer(tailsql.Options{
		RoutePrefix: "/debug/tailsql/",
	})
	if err != nil {
		return fmt.Errorf("failed to create tailsql server: %w", err)
	}
	tsql.SetDB("sqlite://"+q.path, q.db, &tailsql.DBOptions{
		Label: "Pulse queue",
	})
	debug.Handle("tailsql/", "SQL live debugging", tsql.NewMux())
	return nil
}
