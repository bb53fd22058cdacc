package store

import (
	"context"
	"database/sql"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"

	"github.com/omochice/dmsync/pkg/protocol"
)

// SQLite is a Store backed by a SQLite database file.
type SQLite struct {
	db  *sql.DB
	now func() time.Time
}

var _ Store = (*SQLite)(nil)

// NewSQLite opens (creating if needed) the database at path. An empty path
// or ":memory:" opens a private in-memory database.
func NewSQLite(path string) (*SQLite, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = ":memory:"
	}
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_busy_timeout=5000")
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: open")
	}
	// One connection keeps an in-memory database alive and serializes writers.
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db, now: time.Now}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY,
			username TEXT NOT NULL,
			full_name TEXT NOT NULL DEFAULT '',
			avatar_url TEXT NOT NULL DEFAULT '',
			email TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE TABLE IF NOT EXISTS direct_messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			content TEXT NOT NULL,
			created_at_ns INTEGER NOT NULL,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			receiver_id INTEGER NOT NULL REFERENCES users(id),
			is_read INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_sender ON direct_messages(sender_id, created_at_ns)`,
		`CREATE INDEX IF NOT EXISTS idx_dm_receiver ON direct_messages(receiver_id, created_at_ns)`,
	}
	for _, q := range queries {
		if _, err := s.db.Exec(q); err != nil {
			return errors.Wrap(err, "sqlite store: migrate")
		}
	}
	return nil
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLite) UpsertUser(ctx context.Context, user protocol.Identity) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, username, full_name, avatar_url, email)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			username = excluded.username,
			full_name = excluded.full_name,
			avatar_url = excluded.avatar_url,
			email = excluded.email
	`, user.ID, user.Username, user.FullName, user.AvatarURL, user.Email)
	if err != nil {
		return errors.Wrapf(err, "sqlite store: upsert user %d", user.ID)
	}
	return nil
}

func (s *SQLite) User(ctx context.Context, id int64) (protocol.Identity, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, username, full_name, avatar_url, email FROM users WHERE id = ?`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return protocol.Identity{}, ErrNotFound
	}
	if err != nil {
		return protocol.Identity{}, errors.Wrapf(err, "sqlite store: get user %d", id)
	}
	return user, nil
}

func (s *SQLite) SearchUsers(ctx context.Context, query string, limit int, exclude int64) ([]protocol.Identity, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, username, full_name, avatar_url, email FROM users
		WHERE id <> ?
		  AND (instr(lower(username), lower(?)) > 0 OR instr(lower(full_name), lower(?)) > 0)
		ORDER BY id
		LIMIT ?
	`, exclude, query, query, searchLimit(limit))
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: search users")
	}
	return collectUsers(rows)
}

func (s *SQLite) CreateMessage(ctx context.Context, senderID, receiverID int64, content string) (protocol.Message, error) {
	if _, err := s.User(ctx, receiverID); err != nil {
		return protocol.Message{}, err
	}
	created := s.now().UTC()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO direct_messages (content, created_at_ns, sender_id, receiver_id)
		VALUES (?, ?, ?, ?)
	`, content, created.UnixNano(), senderID, receiverID)
	if err != nil {
		return protocol.Message{}, errors.Wrap(err, "sqlite store: create message")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return protocol.Message{}, errors.Wrap(err, "sqlite store: create message")
	}
	return protocol.Message{
		ID:         id,
		Content:    content,
		CreatedAt:  protocol.Timestamp{Time: created},
		SenderID:   senderID,
		ReceiverID: receiverID,
	}, nil
}

func (s *SQLite) Conversation(ctx context.Context, self, other int64, limit, skip int) ([]protocol.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	var (
		rows *sql.Rows
		err  error
	)
	if other != 0 {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, content, created_at_ns, sender_id, receiver_id, is_read FROM direct_messages
			WHERE (sender_id = ? AND receiver_id = ?) OR (sender_id = ? AND receiver_id = ?)
			ORDER BY created_at_ns, id
			LIMIT ? OFFSET ?
		`, self, other, other, self, limit, skip)
	} else {
		rows, err = s.db.QueryContext(ctx, `
			SELECT id, content, created_at_ns, sender_id, receiver_id, is_read FROM direct_messages
			WHERE sender_id = ? OR receiver_id = ?
			ORDER BY created_at_ns, id
			LIMIT ? OFFSET ?
		`, self, self, limit, skip)
	}
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list messages")
	}
	defer rows.Close()

	var out []protocol.Message
	for rows.Next() {
		var (
			msg     protocol.Message
			created int64
		)
		if err := rows.Scan(&msg.ID, &msg.Content, &created, &msg.SenderID, &msg.ReceiverID, &msg.IsRead); err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan message")
		}
		msg.CreatedAt = protocol.Timestamp{Time: time.Unix(0, created).UTC()}
		out = append(out, msg)
	}
	return out, errors.Wrap(rows.Err(), "sqlite store: list messages")
}

func (s *SQLite) Partners(ctx context.Context, self int64) ([]protocol.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		WITH last_messages AS (
			SELECT
				CASE WHEN sender_id = ?1 THEN receiver_id ELSE sender_id END AS user_id,
				MAX(created_at_ns) AS last_at,
				MAX(id) AS last_id
			FROM direct_messages
			WHERE sender_id = ?1 OR receiver_id = ?1
			GROUP BY user_id
		)
		SELECT u.id, u.username, u.full_name, u.avatar_url, u.email
		FROM users u
		JOIN last_messages lm ON u.id = lm.user_id
		ORDER BY lm.last_at DESC, lm.last_id DESC
	`, self)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite store: list partners")
	}
	return collectUsers(rows)
}

func (s *SQLite) MarkRead(ctx context.Context, messageID, reader int64) error {
	var receiver int64
	err := s.db.QueryRowContext(ctx,
		`SELECT receiver_id FROM direct_messages WHERE id = ?`, messageID).Scan(&receiver)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrapf(err, "sqlite store: mark read %d", messageID)
	}
	if receiver != reader {
		return ErrForbidden
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE direct_messages SET is_read = 1 WHERE id = ?`, messageID); err != nil {
		return errors.Wrapf(err, "sqlite store: mark read %d", messageID)
	}
	return nil
}

func (s *SQLite) UnreadCount(ctx context.Context, userID int64) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM direct_messages WHERE receiver_id = ? AND is_read = 0`, userID).Scan(&n)
	if err != nil {
		return 0, errors.Wrap(err, "sqlite store: unread count")
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(row rowScanner) (protocol.Identity, error) {
	var user protocol.Identity
	err := row.Scan(&user.ID, &user.Username, &user.FullName, &user.AvatarURL, &user.Email)
	return user, err
}

func collectUsers(rows *sql.Rows) ([]protocol.Identity, error) {
	defer rows.Close()
	var out []protocol.Identity
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, errors.Wrap(err, "sqlite store: scan user")
		}
		out = append(out, user)
	}
	return out, errors.Wrap(rows.Err(), "sqlite store: list users")
}
