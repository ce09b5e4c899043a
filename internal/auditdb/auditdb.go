package auditdb

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/chatmux/chatmux/internal/dispatch"
)

// AuditDB is a SQLite-backed durable sink for dispatch audit records.
// Safe for concurrent use within one process; WAL mode plus a busy timeout
// keep it usable if an operator reads the file from another process.
type AuditDB struct {
	db *sql.DB
}

// Record is one persisted dispatch.
type Record struct {
	ID        int64
	Timestamp time.Time
	UserID    string
	TagID     string
	Command   string
	Status    string
	Output    string
}

// Open creates or opens the audit database at dbPath.
func Open(dbPath string) (*AuditDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0700); err != nil {
		return nil, fmt.Errorf("auditdb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("auditdb: open: %w", err)
	}

	// WAL mode: allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditdb: wal mode: %w", err)
	}
	// Busy timeout: wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("auditdb: busy timeout: %w", err)
	}

	return &AuditDB{db: db}, nil
}

// Migrate creates the dispatches table if it does not exist.
func (a *AuditDB) Migrate() error {
	_, err := a.db.Exec(`
		CREATE TABLE IF NOT EXISTS dispatches (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			ts       INTEGER NOT NULL,
			user_id  TEXT NOT NULL,
			tag_id   TEXT NOT NULL,
			command  TEXT NOT NULL,
			status   TEXT NOT NULL,
			output   TEXT NOT NULL DEFAULT ''
		)
	`)
	if err != nil {
		return fmt.Errorf("auditdb: create dispatches: %w", err)
	}
	_, err = a.db.Exec(`CREATE INDEX IF NOT EXISTS idx_dispatches_user ON dispatches(user_id, ts)`)
	if err != nil {
		return fmt.Errorf("auditdb: create index: %w", err)
	}
	return nil
}

// Close checkpoints WAL and closes the database.
func (a *AuditDB) Close() error {
	_, _ = a.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return a.db.Close()
}

// Record implements dispatch.AuditSink.
func (a *AuditDB) Record(e dispatch.Entry) error {
	_, err := a.db.Exec(
		`INSERT INTO dispatches (ts, user_id, tag_id, command, status, output) VALUES (?, ?, ?, ?, ?, ?)`,
		time.Now().UnixNano(), e.UserID, e.TagID, e.Command, e.Status, e.Output,
	)
	if err != nil {
		return fmt.Errorf("auditdb: insert: %w", err)
	}
	return nil
}

// Recent returns the newest n records, optionally filtered to one user
// (empty userID returns all users). Newest first.
func (a *AuditDB) Recent(userID string, n int) ([]Record, error) {
	if n <= 0 {
		n = 50
	}

	var rows *sql.Rows
	var err error
	if userID == "" {
		rows, err = a.db.Query(
			`SELECT id, ts, user_id, tag_id, command, status, output
			 FROM dispatches ORDER BY ts DESC LIMIT ?`, n)
	} else {
		rows, err = a.db.Query(
			`SELECT id, ts, user_id, tag_id, command, status, output
			 FROM dispatches WHERE user_id = ? ORDER BY ts DESC LIMIT ?`, userID, n)
	}
	if err != nil {
		return nil, fmt.Errorf("auditdb: query: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var r Record
		var ts int64
		if err := rows.Scan(&r.ID, &ts, &r.UserID, &r.TagID, &r.Command, &r.Status, &r.Output); err != nil {
			return nil, fmt.Errorf("auditdb: scan: %w", err)
		}
		r.Timestamp = time.Unix(0, ts)
		out = append(out, r)
	}
	return out, rows.Err()
}
