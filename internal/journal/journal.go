// Package journal: sqlite log of dispatch sessions (metadata only, never payloads or keys).
package journal

import (
	"database/sql"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Roles.
const (
	RoleAgent  = "agent"
	RoleClient = "client"
)

// Statuses.
const (
	StatusOK        = "ok"
	StatusBadFrame  = "bad_frame"
	StatusHandler   = "handler_error"
	StatusInternal  = "internal_error"
	StatusTransport = "transport_error"
	StatusCrypto    = "crypto_error"
	StatusRemote    = "remote_fault"
)

// fixed width so started_at sorts as text
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

// DB wraps sqlite.
type DB struct {
	*sql.DB
}

// Open opens db at path, runs migrations.
func Open(path string) (*DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		// each pooled conn would get its own empty in-memory db
		db.SetMaxOpenConns(1)
	}
	if err := migrate(db); err != nil {
		db.Close()
		return nil, err
	}
	return &DB{db}, nil
}

func migrate(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			role TEXT NOT NULL,
			node TEXT NOT NULL DEFAULT '',
			peer TEXT NOT NULL DEFAULT '',
			seq INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL,
			request_bytes INTEGER NOT NULL DEFAULT 0,
			reply_bytes INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			started_at TEXT NOT NULL,
			duration_ms INTEGER NOT NULL DEFAULT 0
		);
		CREATE INDEX IF NOT EXISTS idx_sessions_started ON sessions(started_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);
	`)
	return err
}

// Entry: one request/reply round trip. Sizes are frame sizes on the wire.
type Entry struct {
	ID           string
	Role         string
	Node         string
	Peer         string
	Seq          uint32
	Status       string
	RequestBytes int
	ReplyBytes   int
	Error        string
	StartedAt    time.Time
	Duration     time.Duration
}

// Record inserts e; empty ID gets a uuid, zero StartedAt gets now. Returns the id.
func (db *DB) Record(e Entry) (string, error) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.StartedAt.IsZero() {
		e.StartedAt = time.Now()
	}
	_, err := db.Exec(`INSERT INTO sessions (id, role, node, peer, seq, status, request_bytes, reply_bytes, error, started_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.Role, e.Node, e.Peer, int64(e.Seq), e.Status, e.RequestBytes, e.ReplyBytes, e.Error,
		e.StartedAt.UTC().Format(timeFormat), e.Duration.Milliseconds())
	if err != nil {
		return "", err
	}
	return e.ID, nil
}

// Recent returns up to limit entries, newest first.
func (db *DB) Recent(limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.Query(`SELECT id, role, node, peer, seq, status, request_bytes, reply_bytes, error, started_at, duration_ms
		FROM sessions ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []Entry
	for rows.Next() {
		var e Entry
		var seq, ms int64
		var t string
		if err := rows.Scan(&e.ID, &e.Role, &e.Node, &e.Peer, &seq, &e.Status, &e.RequestBytes, &e.ReplyBytes, &e.Error, &t, &ms); err != nil {
			return nil, err
		}
		e.Seq = uint32(seq)
		e.StartedAt, _ = time.Parse(timeFormat, t)
		e.Duration = time.Duration(ms) * time.Millisecond
		list = append(list, e)
	}
	return list, rows.Err()
}

// CountByStatus returns status -> count.
func (db *DB) CountByStatus() (map[string]int, error) {
	rows, err := db.Query("SELECT status, COUNT(*) FROM sessions GROUP BY status")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]int)
	for rows.Next() {
		var s string
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		out[s] = n
	}
	return out, rows.Err()
}

// Prune deletes entries started before cutoff; returns rows removed.
func (db *DB) Prune(cutoff time.Time) (int64, error) {
	res, err := db.Exec("DELETE FROM sessions WHERE started_at < ?", cutoff.UTC().Format(timeFormat))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
