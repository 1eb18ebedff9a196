package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"folio/api/internal/util"
)

var ErrNotFound = errors.New("message not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const messageColumns = `id, text, author_id, author_display_name, author_photo_url, author_email,
	created_at, is_admin_authored, is_pinned, reply_to`

// InsertMessage stores a new message. The id and created_at of the returned
// message are assigned here and by the database; any values on msg are ignored.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg Message) (Message, error) {
	replyTo, err := encodeReply(msg.ReplyTo)
	if err != nil {
		return Message{}, err
	}

	msg.ID = util.NewID("msg")
	var createdAt sql.NullTime
	err = s.db.QueryRowContext(ctx, `
		INSERT INTO messages (id, text, author_id, author_display_name, author_photo_url, author_email,
			is_admin_authored, is_pinned, reply_to)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8, $9)
		RETURNING created_at
	`, msg.ID, msg.Text, msg.AuthorID, msg.AuthorDisplayName, msg.AuthorPhotoURL, msg.AuthorEmail,
		msg.IsAdminAuthored, msg.IsPinned, replyTo).Scan(&createdAt)
	if err != nil {
		return Message{}, fmt.Errorf("insert message: %w", err)
	}
	msg.CreatedAt = nullTime(createdAt)
	return msg, nil
}

// LatestMessages returns the newest limit messages in ascending creation
// order. Rows without a timestamp sort as newest.
func (s *PostgresStore) LatestMessages(ctx context.Context, limit int) ([]Message, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+messageColumns+`
		FROM (
			SELECT `+messageColumns+`
			FROM messages
			ORDER BY created_at DESC NULLS FIRST, id DESC
			LIMIT $1
		) recent
		ORDER BY created_at ASC NULLS LAST, id ASC
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	messages := make([]Message, 0, limit)
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate messages: %w", err)
	}
	return messages, nil
}

func (s *PostgresStore) GetMessage(ctx context.Context, id string) (Message, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM messages WHERE id=$1`, id)
	msg, err := scanMessage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Message{}, ErrNotFound
	}
	return msg, err
}

// SetPinned is the only update path for a stored message.
func (s *PostgresStore) SetPinned(ctx context.Context, id string, pinned bool) error {
	result, err := s.db.ExecContext(ctx, `UPDATE messages SET is_pinned=$2 WHERE id=$1`, id, pinned)
	if err != nil {
		return fmt.Errorf("update pin %s: %w", id, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update pin %s: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteMessage removes a message. Deleting a missing id is not an error.
func (s *PostgresStore) DeleteMessage(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM messages WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	return nil
}

// SearchMessages runs a full-text query over message text and author names,
// best match first.
func (s *PostgresStore) SearchMessages(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id,
			ts_headline('simple', text, plainto_tsquery('simple', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			author_display_name, created_at
		FROM messages
		WHERE fts @@ plainto_tsquery('simple', $1)
		ORDER BY ts_rank(fts, plainto_tsquery('simple', $1)) DESC, created_at DESC
		LIMIT $2
	`, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search messages: %w", err)
	}
	defer rows.Close()

	hits := make([]SearchHit, 0)
	for rows.Next() {
		var hit SearchHit
		var createdAt sql.NullTime
		if err := rows.Scan(&hit.ID, &hit.Snippet, &hit.AuthorDisplayName, &createdAt); err != nil {
			return nil, fmt.Errorf("scan search hit: %w", err)
		}
		hit.CreatedAt = nullTime(createdAt)
		hits = append(hits, hit)
	}
	return hits, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (Message, error) {
	var (
		msg       Message
		email     sql.NullString
		createdAt sql.NullTime
		replyTo   []byte
	)
	err := row.Scan(&msg.ID, &msg.Text, &msg.AuthorID, &msg.AuthorDisplayName, &msg.AuthorPhotoURL, &email,
		&createdAt, &msg.IsAdminAuthored, &msg.IsPinned, &replyTo)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("scan message: %w", err)
	}
	msg.AuthorEmail = email.String
	msg.CreatedAt = nullTime(createdAt)
	if msg.ReplyTo, err = decodeReply(replyTo); err != nil {
		return Message{}, fmt.Errorf("decode reply of %s: %w", msg.ID, err)
	}
	return msg, nil
}

func encodeReply(reply *ReplySnapshot) (any, error) {
	if reply == nil {
		return nil, nil
	}
	raw, err := json.Marshal(reply)
	if err != nil {
		return nil, fmt.Errorf("encode reply snapshot: %w", err)
	}
	return raw, nil
}

func decodeReply(raw []byte) (*ReplySnapshot, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var reply ReplySnapshot
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, err
	}
	return &reply, nil
}

func nullTime(value sql.NullTime) *time.Time {
	if !value.Valid {
		return nil
	}
	t := value.Time.UTC()
	return &t
}
