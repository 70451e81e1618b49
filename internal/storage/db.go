// Package storage is the SQLite-backed message and chat-session store.
// It implements the router's Repository port; the router itself treats
// every call as best-effort.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/meshlink/meshlink/internal/wire"
)

// DB wraps the SQLite database holding messages and chat sessions.
type DB struct {
	db   *sql.DB
	path string
}

// Open opens or creates the database inside dataDir.
func Open(dataDir string) (*DB, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	dbPath := filepath.Join(dataDir, "mesh.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if _, err := db.Exec(`
		PRAGMA foreign_keys = ON;
		PRAGMA journal_mode = WAL;
		PRAGMA busy_timeout = 5000;
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("configure database: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS chat_sessions (
			id          TEXT PRIMARY KEY,
			peer_id     TEXT NOT NULL,
			peer_name   TEXT DEFAULT '',
			link_type   TEXT DEFAULT '',
			created_at  INTEGER NOT NULL,
			last_active INTEGER NOT NULL
		);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create chat_sessions table: %w", err)
	}

	if _, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS messages (
			id          TEXT PRIMARY KEY,
			session_id  TEXT NOT NULL,
			sender_id   TEXT NOT NULL,
			sender_name TEXT DEFAULT '',
			target_id   TEXT DEFAULT '',
			body        TEXT DEFAULT '',
			type        TEXT NOT NULL,
			status      TEXT NOT NULL,
			latitude    REAL DEFAULT 0,
			longitude   REAL DEFAULT 0,
			ts          INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_messages_session ON messages(session_id, ts);
	`); err != nil {
		db.Close()
		return nil, fmt.Errorf("create messages table: %w", err)
	}

	return &DB{db: db, path: dbPath}, nil
}

// Path returns the database file path.
func (d *DB) Path() string { return d.path }

// Close closes the database.
func (d *DB) Close() error { return d.db.Close() }

// InsertMessage stores one message. Inserting an id that already exists
// is a no-op so replayed messages cannot fail persistence.
func (d *DB) InsertMessage(ctx context.Context, msg *wire.Message) error {
	_, err := d.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages
			(id, session_id, sender_id, sender_name, target_id, body, type, status, latitude, longitude, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ChatSessionID, msg.SenderID, msg.SenderName, msg.TargetID,
		msg.Body, string(msg.Type), string(msg.Status), msg.Latitude, msg.Longitude, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("insert message %s: %w", msg.ID, err)
	}
	return nil
}

// TouchSession creates the session row if needed and refreshes its
// last-active timestamp.
func (d *DB) TouchSession(ctx context.Context, sessionID, peerID, peerName string, at time.Time) error {
	ts := at.UnixMilli()
	_, err := d.db.ExecContext(ctx, `
		INSERT INTO chat_sessions (id, peer_id, peer_name, created_at, last_active)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			peer_name   = excluded.peer_name,
			last_active = excluded.last_active`,
		sessionID, peerID, peerName, ts, ts)
	if err != nil {
		return fmt.Errorf("touch session %s: %w", sessionID, err)
	}
	return nil
}

// UpdateSessionConnection records which link type the session's peer is
// currently reachable over.
func (d *DB) UpdateSessionConnection(ctx context.Context, sessionID, linkType string, at time.Time) error {
	_, err := d.db.ExecContext(ctx, `
		UPDATE chat_sessions SET link_type = ?, last_active = ? WHERE id = ?`,
		linkType, at.UnixMilli(), sessionID)
	if err != nil {
		return fmt.Errorf("update session %s connection: %w", sessionID, err)
	}
	return nil
}

// Session is one chat-session row.
type Session struct {
	ID         string
	PeerID     string
	PeerName   string
	LinkType   string
	CreatedAt  int64
	LastActive int64
}

// GetSession loads one session by id.
func (d *DB) GetSession(ctx context.Context, sessionID string) (*Session, error) {
	row := d.db.QueryRowContext(ctx, `
		SELECT id, peer_id, peer_name, link_type, created_at, last_active
		FROM chat_sessions WHERE id = ?`, sessionID)
	var s Session
	if err := row.Scan(&s.ID, &s.PeerID, &s.PeerName, &s.LinkType, &s.CreatedAt, &s.LastActive); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return &s, nil
}

// SessionMessages returns up to limit messages for a session, oldest
// first. limit <= 0 returns everything.
func (d *DB) SessionMessages(ctx context.Context, sessionID string, limit int) ([]*wire.Message, error) {
	q := `SELECT id, session_id, sender_id, sender_name, target_id, body, type, status, latitude, longitude, ts
		FROM messages WHERE session_id = ? ORDER BY ts`
	args := []any{sessionID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := d.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("session messages %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*wire.Message
	for rows.Next() {
		var m wire.Message
		var typ, status string
		if err := rows.Scan(&m.ID, &m.ChatSessionID, &m.SenderID, &m.SenderName, &m.TargetID,
			&m.Body, &typ, &status, &m.Latitude, &m.Longitude, &m.Timestamp); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Type = wire.MessageType(typ)
		m.Status = wire.DeliveryStatus(status)
		out = append(out, &m)
	}
	return out, rows.Err()
}

// MessageCount returns the number of stored messages.
func (d *DB) MessageCount(ctx context.Context) (int, error) {
	var n int
	if err := d.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return n, nil
}
