// Package history is the local cache of confirmed messages and chat
// summaries. It lets a restarted client render conversations before the
// network comes up and backs the roster's refresh when the summary query is
// unreachable. It is a cache: the server remains the source of truth.
package history

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"chatwire/internal/domain"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists the cache using SQLite.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

func NewSQLiteStore(dbPath string, logger *slog.Logger) (*SQLiteStore, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("cannot create database directory %s: %w", dir, err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("cannot open database: %w", err)
	}

	// Single connection for SQLite
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &SQLiteStore{db: db, logger: logger}

	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("database migration failed: %w", err)
	}

	return store, nil
}

func (s *SQLiteStore) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS messages (
		id          TEXT PRIMARY KEY,
		peer        TEXT NOT NULL,
		content     TEXT,
		sender      TEXT NOT NULL,
		receiver    TEXT NOT NULL,
		sent_at     DATETIME NOT NULL,
		file_urls   TEXT,
		reply_to    TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_messages_peer ON messages(peer, sent_at);

	CREATE TABLE IF NOT EXISTS chats (
		peer_id      TEXT PRIMARY KEY,
		display_name TEXT,
		avatar       TEXT,
		last_message TEXT,
		last_updated DATETIME NOT NULL,
		last_sender  TEXT
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// SaveMessage upserts one confirmed message. Optimistic entries are never
// cached: they either get promoted (and saved then) or disappear.
func (s *SQLiteStore) SaveMessage(ctx context.Context, peer string, msg domain.Message) error {
	if msg.Optimistic {
		return nil
	}
	var fileURLs []byte
	if len(msg.FileURLs) > 0 {
		fileURLs, _ = json.Marshal(msg.FileURLs)
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO messages (id, peer, content, sender, receiver, sent_at, file_urls, reply_to)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, peer, msg.Content, msg.Sender, msg.Receiver, msg.Timestamp.UTC(), string(fileURLs), msg.ReplyTo,
	)
	return err
}

// Recent returns the last N cached messages for a peer, oldest first.
func (s *SQLiteStore) Recent(ctx context.Context, peer string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, content, sender, receiver, sent_at, file_urls, reply_to
		 FROM messages WHERE peer = ?
		 ORDER BY sent_at DESC LIMIT ?`, peer, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var msgs []domain.Message
	for rows.Next() {
		var m domain.Message
		var sentAt time.Time
		var fileURLs, replyTo sql.NullString
		if err := rows.Scan(&m.ID, &m.Content, &m.Sender, &m.Receiver, &sentAt, &fileURLs, &replyTo); err != nil {
			return nil, err
		}
		m.Timestamp = sentAt
		m.ReplyTo = replyTo.String
		if fileURLs.String != "" {
			if err := json.Unmarshal([]byte(fileURLs.String), &m.FileURLs); err != nil {
				s.logger.Warn("corrupt cached file urls", "id", m.ID, "err", err)
			}
		}
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// Reverse to oldest-first.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, nil
}

// SaveSummary upserts one chat summary row.
func (s *SQLiteStore) SaveSummary(ctx context.Context, row domain.ChatSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO chats (peer_id, display_name, avatar, last_message, last_updated, last_sender)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		row.PeerID, row.DisplayName, row.Avatar, row.LastMessage, row.LastUpdated.UTC(), row.LastSender,
	)
	return err
}

// Summaries returns all cached summary rows, most recent first.
func (s *SQLiteStore) Summaries(ctx context.Context) ([]domain.ChatSummary, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT peer_id, display_name, avatar, last_message, last_updated, last_sender
		 FROM chats ORDER BY last_updated DESC`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ChatSummary
	for rows.Next() {
		var row domain.ChatSummary
		var lastUpdated time.Time
		if err := rows.Scan(&row.PeerID, &row.DisplayName, &row.Avatar, &row.LastMessage, &lastUpdated, &row.LastSender); err != nil {
			return nil, err
		}
		row.LastUpdated = lastUpdated
		out = append(out, row)
	}
	return out, rows.Err()
}

// Clear wipes the cache. Called on logout.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages`); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM chats`)
	return err
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
