// Package audit provides a best-effort, SQLite-backed log of session
// lifecycle events for post-hoc operational visibility. It never sits on
// the per-command hot path: a Session never blocks on, or fails because
// of, the audit log being unavailable.
package audit

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Event names a session lifecycle transition worth recording.
type Event string

const (
	EventOpened Event = "opened"
	EventClosed Event = "closed"
)

const createTableSQL = `
CREATE TABLE IF NOT EXISTS session_events (
	id         INTEGER PRIMARY KEY AUTOINCREMENT,
	session_id TEXT NOT NULL,
	event      TEXT NOT NULL,
	reason     TEXT NOT NULL DEFAULT '',
	at         DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_session_events_session_id ON session_events(session_id);
`

// dsnWithPragmas mirrors the WAL + busy_timeout connection string used
// throughout the ambient stack's SQLite usage: the audit log is written
// from every session's goroutine concurrently, so a writer-friendly WAL
// configuration matters even though the log itself is best-effort.
func dsnWithPragmas(dbPath string) string {
	return dbPath + "?_pragma=busy_timeout(15000)" +
		"&_pragma=journal_mode(WAL)" +
		"&_pragma=synchronous(NORMAL)"
}

// isBusyLock reports whether err indicates SQLite's SQLITE_BUSY,
// including when wrapped by database/sql.
func isBusyLock(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "database is locked") || strings.Contains(s, "SQLITE_BUSY")
}

// retryOnBusy runs fn and retries on SQLITE_BUSY with exponential
// backoff, the same shape used for session metadata writes in the
// teacher's own store.
func retryOnBusy(fn func() error) error {
	const maxAttempts = 4
	backoff := 25 * time.Millisecond
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		lastErr = fn()
		if lastErr == nil || !isBusyLock(lastErr) {
			return lastErr
		}
		if attempt < maxAttempts-1 {
			time.Sleep(backoff)
			backoff *= 2
		}
	}
	return lastErr
}

// Log is the audit sink. A nil *Log is not valid; use a nil AuditLogger
// interface value at call sites that want to disable auditing entirely.
type Log struct {
	db     *sql.DB
	logger Logger
}

// Logger is the minimal logging surface Log needs; *slog.Logger
// satisfies it.
type Logger interface {
	Warn(msg string, args ...any)
}

// Open opens (creating if necessary) the SQLite database at dbPath and
// ensures the session_events table exists.
func Open(dbPath string, logger Logger) (*Log, error) {
	db, err := sql.Open("sqlite", dsnWithPragmas(dbPath))
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(4)

	if _, err := db.Exec(createTableSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("audit: migrate: %w", err)
	}

	return &Log{db: db, logger: logger}, nil
}

// Close closes the underlying database handle.
func (l *Log) Close() error {
	return l.db.Close()
}

// record appends a session_events row. Failures are logged at warn and
// otherwise swallowed: auditing must never fail or block a Session.
func (l *Log) record(sessionID string, event Event, reason string, at time.Time) {
	err := retryOnBusy(func() error {
		_, e := l.db.Exec(
			`INSERT INTO session_events (session_id, event, reason, at) VALUES (?, ?, ?, ?)`,
			sessionID, string(event), reason, at.UTC(),
		)
		return e
	})
	if err != nil && l.logger != nil {
		l.logger.Warn("audit: record event failed", "session_id", sessionID, "event", string(event), "error", err)
	}
}

// RecordOpened logs that sessionID transitioned to Open.
func (l *Log) RecordOpened(sessionID string) {
	l.record(sessionID, EventOpened, "", time.Now())
}

// RecordClosed logs that sessionID transitioned to Closed, along with
// the reason it drained (client_disconnect, transport_error, shutdown).
func (l *Log) RecordClosed(sessionID, reason string) {
	l.record(sessionID, EventClosed, reason, time.Now())
}
