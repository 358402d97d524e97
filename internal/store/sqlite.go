// Package store persists collection sessions and their chat messages in
// SQLite. One session row tracks a live chat's paging cursor; message rows are
// deduplicated on (session, message id) so the collector can re-fetch pages
// safely.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pkg/errors"

	"github.com/you/chat-raffle/internal/core"
	"github.com/you/chat-raffle/internal/httpapi"
)

const schema = `CREATE TABLE IF NOT EXISTS sessions (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  live_chat_id TEXT NOT NULL UNIQUE,
  origin TEXT NOT NULL DEFAULT '',
  channel_url TEXT NOT NULL DEFAULT '',
  video_id TEXT NOT NULL DEFAULT '',
  video_url TEXT NOT NULL DEFAULT '',
  next_page_token TEXT NOT NULL DEFAULT '',
  total_messages INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE IF NOT EXISTS messages (
  session_id INTEGER NOT NULL,
  message_id TEXT NOT NULL,
  author_id TEXT NOT NULL,
  author_name TEXT NOT NULL,
  text TEXT NOT NULL,
  published_at TEXT NOT NULL,
  PRIMARY KEY (session_id, message_id)
);`

const defaultListLimit = 100

// Session is one collection run against a single live chat.
type Session struct {
	ID            int64  `json:"id"`
	LiveChatID    string `json:"live_chat_id"`
	Origin        string `json:"origin,omitempty"` // "video" | "channel"
	ChannelURL    string `json:"channel_url,omitempty"`
	VideoID       string `json:"video_id,omitempty"`
	VideoURL      string `json:"video_url,omitempty"`
	NextPageToken string `json:"-"`
	TotalMessages int64  `json:"total_messages"`
}

type SQLiteStore struct {
	db *sql.DB
}

func OpenSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	if _, err := db.Exec(schema); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "apply schema")
	}
	if _, err := db.Exec(`PRAGMA journal_mode=wal;`); err != nil {
		_ = db.Close()
		return nil, errors.Wrap(err, "set WAL")
	}
	ApplySQLitePragmas(context.Background(), db)
	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error { return s.db.Close() }

func (s *SQLiteStore) Ping() error { return s.db.Ping() }

func (s *SQLiteStore) RawDB() *sql.DB { return s.db }

func (s *SQLiteStore) String() string { return fmt.Sprintf("SQLiteStore{%p}", s.db) }

// GetOrCreateSession returns the session for a live chat, creating it when
// absent. A new live chat resets prior stream data: each raffle works over
// the current stream only.
func (s *SQLiteStore) GetOrCreateSession(ctx context.Context, session Session) (Session, error) {
	existing, err := s.sessionByLiveChatID(ctx, session.LiveChatID)
	if err == nil {
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Session{}, err
	}

	if err := s.ResetSessions(ctx); err != nil {
		return Session{}, err
	}

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (live_chat_id, origin, channel_url, video_id, video_url) VALUES (?, ?, ?, ?, ?);`,
		session.LiveChatID, session.Origin, session.ChannelURL, session.VideoID, session.VideoURL)
	if err != nil {
		return Session{}, errors.Wrap(err, "insert session")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return Session{}, errors.Wrap(err, "session id")
	}
	session.ID = id
	return session, nil
}

// CurrentSession returns the most recent session, or sql.ErrNoRows-wrapped
// error when none exists.
func (s *SQLiteStore) CurrentSession(ctx context.Context) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, live_chat_id, origin, channel_url, video_id, video_url, next_page_token, total_messages
FROM sessions ORDER BY id DESC LIMIT 1;`)
	return scanSession(row)
}

func (s *SQLiteStore) sessionByLiveChatID(ctx context.Context, liveChatID string) (Session, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, live_chat_id, origin, channel_url, video_id, video_url, next_page_token, total_messages
FROM sessions WHERE live_chat_id = ?;`, liveChatID)
	return scanSession(row)
}

func scanSession(row *sql.Row) (Session, error) {
	var out Session
	err := row.Scan(&out.ID, &out.LiveChatID, &out.Origin, &out.ChannelURL,
		&out.VideoID, &out.VideoURL, &out.NextPageToken, &out.TotalMessages)
	if err != nil {
		return Session{}, errors.Wrap(err, "scan session")
	}
	return out, nil
}

// UpdateSessionCursor persists the paging cursor and the running total.
func (s *SQLiteStore) UpdateSessionCursor(ctx context.Context, sessionID int64, nextPageToken string, totalMessages int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET next_page_token = ?, total_messages = ? WHERE id = ?;`,
		nextPageToken, totalMessages, sessionID)
	return errors.Wrap(err, "update session cursor")
}

// ResetSessions wipes all sessions and their messages.
func (s *SQLiteStore) ResetSessions(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages;`); err != nil {
		return errors.Wrap(err, "reset messages")
	}
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions;`); err != nil {
		return errors.Wrap(err, "reset sessions")
	}
	return nil
}

// AddMessage inserts one message, ignoring duplicates. It reports whether the
// row was actually inserted.
func (s *SQLiteStore) AddMessage(ctx context.Context, sessionID int64, msg core.Message) (bool, error) {
	const q = `INSERT INTO messages (session_id, message_id, author_id, author_name, text, published_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(session_id, message_id) DO NOTHING;`
	ts := msg.PublishedAt.UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(ctx, q, sessionID, msg.ID, msg.AuthorID, nz(msg.AuthorName, "Unknown"), msg.Text, ts)
	if err != nil {
		return false, errors.Wrap(err, "insert message")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// SessionMessages returns every message of a session in arrival order; this
// is the raffle's input snapshot.
func (s *SQLiteStore) SessionMessages(ctx context.Context, sessionID int64) ([]core.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT message_id, author_id, author_name, text, published_at
FROM messages WHERE session_id = ? ORDER BY rowid ASC;`, sessionID)
	if err != nil {
		return nil, errors.Wrap(err, "session messages")
	}
	defer rows.Close()
	return collectMessages(rows)
}

// CurrentSessionMessages returns the stored messages of the most recent
// session. No session at all reads as an empty snapshot.
func (s *SQLiteStore) CurrentSessionMessages(ctx context.Context) ([]core.Message, error) {
	session, err := s.CurrentSession(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return s.SessionMessages(ctx, session.ID)
}

// MessageCount returns the number of stored messages for a session.
func (s *SQLiteStore) MessageCount(ctx context.Context, sessionID int64) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages WHERE session_id = ?;`, sessionID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "message count")
	}
	return n, nil
}

func (s *SQLiteStore) CountMessages(ctx context.Context, filters httpapi.Filters) (int64, error) {
	query, args := buildMessageQuery(filters, true)
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

func (s *SQLiteStore) ListMessages(ctx context.Context, filters httpapi.Filters) ([]core.Message, error) {
	query, args := buildMessageQuery(filters, false)
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list messages")
	}
	defer rows.Close()
	return collectMessages(rows)
}

func collectMessages(rows *sql.Rows) ([]core.Message, error) {
	var out []core.Message
	for rows.Next() {
		var (
			msg core.Message
			ts  string
		)
		if err := rows.Scan(&msg.ID, &msg.AuthorID, &msg.AuthorName, &msg.Text, &ts); err != nil {
			return nil, errors.Wrap(err, "scan message")
		}
		if t, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			msg.PublishedAt = t
		}
		out = append(out, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate messages")
	}
	return out, nil
}

func buildMessageQuery(filters httpapi.Filters, count bool) (string, []any) {
	var builder strings.Builder
	if count {
		builder.WriteString("SELECT COUNT(*) FROM messages")
	} else {
		builder.WriteString("SELECT message_id, author_id, author_name, text, published_at FROM messages")
	}

	var (
		conditions []string
		args       []any
	)

	if len(filters.Authors) > 0 {
		ors := make([]string, 0, len(filters.Authors))
		for _, a := range filters.Authors {
			ors = append(ors, "LOWER(author_name) LIKE '%' || ? || '%'")
			args = append(args, a)
		}
		conditions = append(conditions, fmt.Sprintf("(%s)", strings.Join(ors, " OR ")))
	}

	if filters.Since != nil {
		conditions = append(conditions, "published_at >= ?")
		args = append(args, filters.Since.UTC().Format(time.RFC3339Nano))
	}

	if len(conditions) > 0 {
		builder.WriteString(" WHERE ")
		builder.WriteString(strings.Join(conditions, " AND "))
	}

	if !count {
		order := "DESC"
		if filters.Order == httpapi.OrderAsc {
			order = "ASC"
		}
		builder.WriteString(" ORDER BY published_at ")
		builder.WriteString(order)
		limit := filters.Limit
		if limit <= 0 {
			limit = defaultListLimit
		}
		builder.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	builder.WriteString(";")
	return builder.String(), args
}

func nz(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
