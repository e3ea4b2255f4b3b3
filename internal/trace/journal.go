// Package trace provides a durable frame journal for diagnostics: every
// frame a session sends or receives is appended to a SQLite database in
// dispatch order, as canonical JSON, and can be read back for
// inspection or replay tooling.
//
// The journal records observability data only. It does not persist
// capabilities: a new connection always starts with empty tables.
package trace

import (
	"bytes"
	"database/sql"
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	_ "github.com/mattn/go-sqlite3"

	"github.com/roach88/captp/internal/wire"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - Initial schema
const currentSchemaVersion = 1

// Journal is an append-only frame log backed by SQLite.
// Uses WAL mode for concurrent read access while a session writes.
type Journal struct {
	mu      sync.Mutex
	db      *sql.DB
	session string
	seq     atomic.Int64
}

// Open creates or opens a journal database at the given path. The
// session label is stored with every row so several sessions can share
// one database. Applies required pragmas and the schema automatically;
// idempotent.
func Open(path, session string) (*Journal, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to journal: %w", err)
	}

	// SQLite only supports one writer at a time, so limit connections.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply pragmas: %w", err)
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	j := &Journal{db: db, session: session}
	if err := j.loadSeq(); err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return fmt.Errorf("%s: %w", p, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return err
	}
	var count int
	if err := db.QueryRow("SELECT COUNT(*) FROM schema_version").Scan(&count); err != nil {
		return err
	}
	if count == 0 {
		if _, err := db.Exec("INSERT INTO schema_version (version) VALUES (?)", currentSchemaVersion); err != nil {
			return err
		}
	}
	return nil
}

// loadSeq resumes the sequence counter past any existing rows.
func (j *Journal) loadSeq() error {
	var max sql.NullInt64
	if err := j.db.QueryRow("SELECT MAX(seq) FROM frames").Scan(&max); err != nil {
		return fmt.Errorf("failed to load journal seq: %w", err)
	}
	if max.Valid {
		j.seq.Store(max.Int64)
	}
	return nil
}

// Record implements the session's Recorder hook: appends one frame with
// the next sequence number. Recording is best effort; a failed insert
// must not take the connection down, so errors are dropped.
func (j *Journal) Record(dir string, f *wire.Frame) {
	body, err := marshalFrame(f)
	if err != nil {
		return
	}
	seq := j.seq.Add(1)
	j.mu.Lock()
	defer j.mu.Unlock()
	j.db.Exec(
		"INSERT INTO frames (seq, session, dir, frame_type, frame) VALUES (?, ?, ?, ?, ?)",
		seq, j.session, dir, f.TypeName(), body,
	)
}

// Entry is one journalled frame.
type Entry struct {
	Seq       int64
	Session   string
	Dir       string
	FrameType string
	Frame     *wire.Frame
}

// Frames reads every journalled frame back in dispatch order.
func (j *Journal) Frames() ([]Entry, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	rows, err := j.db.Query("SELECT seq, session, dir, frame_type, frame FROM frames ORDER BY seq")
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var (
			e    Entry
			body string
		)
		if err := rows.Scan(&e.Seq, &e.Session, &e.Dir, &e.FrameType, &body); err != nil {
			return nil, fmt.Errorf("failed to scan journal row: %w", err)
		}
		var f wire.Frame
		if err := json.Unmarshal([]byte(body), &f); err != nil {
			return nil, fmt.Errorf("failed to decode journalled frame %d: %w", e.Seq, err)
		}
		e.Frame = &f
		out = append(out, e)
	}
	return out, rows.Err()
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.db == nil {
		return nil
	}
	err := j.db.Close()
	j.db = nil
	return err
}

// marshalFrame renders a frame as canonical JSON TEXT for storage.
// HTML escaping is disabled so characters such as <, > and & are stored
// as is.
func marshalFrame(f *wire.Frame) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(f); err != nil {
		return "", fmt.Errorf("marshal frame: %w", err)
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}
