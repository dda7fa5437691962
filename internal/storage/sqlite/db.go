// Package sqlite persists probing rows in a SQLite database and answers the
// after-the-fact queries used by the CLI.
package sqlite

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/probing/internal/log"
	"github.com/zjrosen/probing/internal/storage"
)

// DB is a SQLite-backed storage.Sink.
type DB struct {
	conn *sql.DB
	path string
}

var _ storage.Sink = (*DB)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
// The parent directory is created with 0700 permissions.
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	log.Debug(log.CatDB, "Opening database", "path", path)
	conn, err := sql.Open("sqlite3", "file:"+path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(wal)")
	if err != nil {
		log.ErrorErr(log.CatDB, "Failed to open database", err, "path", path)
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		log.ErrorErr(log.CatDB, "Failed to ping database", err, "path", path)
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	db, err := New(conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	db.path = path
	log.Info(log.CatDB, "Connected to database", "path", path)
	return db, nil
}

// New wraps an existing connection and applies the schema.
func New(conn *sql.DB) (*DB, error) {
	if _, err := conn.Exec(storage.Schema); err != nil {
		return nil, fmt.Errorf("applying schema: %w", err)
	}
	return &DB{conn: conn}, nil
}

// Conn returns the underlying connection.
func (d *DB) Conn() *sql.DB {
	return d.conn
}

// Path returns the database file path, empty for wrapped connections.
func (d *DB) Path() string {
	return d.path
}

// Close closes the database connection.
func (d *DB) Close() error {
	return d.conn.Close()
}

// Save inserts row into its table.
func (d *DB) Save(row storage.Row) error {
	switch r := row.(type) {
	case storage.TraceEvent:
		return d.insertTraceEvent(r)
	case *storage.TraceEvent:
		return d.insertTraceEvent(*r)
	case storage.ModuleTrace:
		return d.insertModuleTrace(r)
	case *storage.ModuleTrace:
		return d.insertModuleTrace(*r)
	case storage.Variable:
		return d.insertVariable(r)
	case *storage.Variable:
		return d.insertVariable(*r)
	default:
		return &storage.UnsupportedRowError{Row: row}
	}
}

func (d *DB) insertTraceEvent(r storage.TraceEvent) error {
	_, err := d.conn.Exec(
		`INSERT INTO trace_events (
			record_type, trace_id, span_id, name, time, thread_id, parent_id,
			kind, location, attributes, event_attributes
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(r.RecordType), int64(r.TraceID), int64(r.SpanID), r.Name, r.Time, int64(r.ThreadID), r.ParentID,
		r.Kind, r.Location, r.Attributes, r.EventAttributes,
	)
	if err != nil {
		return fmt.Errorf("failed to insert trace event: %w", err)
	}
	return nil
}

func (d *DB) insertModuleTrace(r storage.ModuleTrace) error {
	_, err := d.conn.Exec(
		`INSERT INTO module_traces (
			step, seq, module, stage, allocated, max_allocated, cached, max_cached, time_offset, duration
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Step, r.Seq, r.Module, r.Stage, r.Allocated, r.MaxAllocated, r.Cached, r.MaxCached, r.TimeOffset, r.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to insert module trace: %w", err)
	}
	return nil
}

func (d *DB) insertVariable(r storage.Variable) error {
	_, err := d.conn.Exec(
		`INSERT INTO variables (step, func, name, value) VALUES (?, ?, ?, ?)`,
		r.Step, r.Func, r.Name, r.Value,
	)
	if err != nil {
		return fmt.Errorf("failed to insert variable: %w", err)
	}
	return nil
}
