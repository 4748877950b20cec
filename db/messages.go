package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"dmsim/apperr"
	"dmsim/models"
)

// Conversation methods

// GetOrCreateConversation returns the conversation for the unordered pair
// (a, b), creating it if needed. Concurrent callers for the same pair, in
// either order, converge on one row through the UNIQUE(user_lo, user_hi)
// constraint. created is true only for the caller whose insert won.
func (db *DB) GetOrCreateConversation(ctx context.Context, a, b string) (conv models.Conversation, created bool, err error) {
	lo, hi := models.PairKey(a, b)
	if lo == "" || lo == hi {
		return models.Conversation{}, false, apperr.InvalidArgument("conversation needs two distinct participants")
	}

	res, err := db.conn.ExecContext(ctx,
		`INSERT INTO conversations (id, user_lo, user_hi, created_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_lo, user_hi) DO NOTHING`,
		uuid.NewString(), lo, hi, toNanos(db.now()),
	)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("insert conversation: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 1 {
		created = true
	}

	var createdAt int64
	err = db.conn.QueryRowContext(ctx,
		"SELECT id, user_lo, user_hi, created_at FROM conversations WHERE user_lo = ? AND user_hi = ?",
		lo, hi,
	).Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &createdAt)
	if err != nil {
		return models.Conversation{}, false, fmt.Errorf("select conversation: %w", err)
	}
	conv.CreatedAt = fromNanos(createdAt)
	return conv, created, nil
}

func (db *DB) Conversation(ctx context.Context, id string) (models.Conversation, error) {
	return scanConversation(db.conn.QueryRowContext(ctx,
		"SELECT id, user_lo, user_hi, created_at FROM conversations WHERE id = ?", id))
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanConversation(row rowScanner) (models.Conversation, error) {
	var conv models.Conversation
	var createdAt int64
	err := row.Scan(&conv.ID, &conv.UserLo, &conv.UserHi, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Conversation{}, ErrNoRows
	}
	if err != nil {
		return models.Conversation{}, err
	}
	conv.CreatedAt = fromNanos(createdAt)
	return conv, nil
}

// Message methods

// AppendMessage persists a message. The timestamp is the later of the
// clock and one nanosecond past the conversation's newest message, so
// (created_at, id) order always matches append order.
func (db *DB) AppendMessage(ctx context.Context, conversationID, sender, body string) (models.Message, error) {
	if strings.TrimSpace(body) == "" {
		return models.Message{}, apperr.InvalidMessage("message body is empty")
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return models.Message{}, fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	conv, err := scanConversation(tx.QueryRowContext(ctx,
		"SELECT id, user_lo, user_hi, created_at FROM conversations WHERE id = ?", conversationID))
	if err != nil {
		return models.Message{}, err
	}
	if !conv.HasParticipant(sender) {
		return models.Message{}, apperr.NotAuthorized("sender is not a participant")
	}

	var last sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT MAX(created_at) FROM messages WHERE conversation_id = ?", conversationID,
	).Scan(&last); err != nil {
		return models.Message{}, fmt.Errorf("select last timestamp: %w", err)
	}

	ts := toNanos(db.now())
	if last.Valid && ts <= last.Int64 {
		ts = last.Int64 + 1
	}

	res, err := tx.ExecContext(ctx,
		"INSERT INTO messages (conversation_id, sender, body, created_at) VALUES (?, ?, ?, ?)",
		conversationID, sender, body, ts,
	)
	if err != nil {
		return models.Message{}, fmt.Errorf("insert message: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Message{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Message{}, fmt.Errorf("commit append: %w", err)
	}

	return models.Message{
		ID:             id,
		ConversationID: conversationID,
		Sender:         sender,
		Body:           body,
		CreatedAt:      fromNanos(ts),
	}, nil
}

// ListMessages returns the full history ordered by (created_at, id).
func (db *DB) ListMessages(ctx context.Context, conversationID string) ([]models.Message, error) {
	return db.queryMessages(ctx, `
		SELECT id, conversation_id, sender, body, created_at, read_at
		FROM messages
		WHERE conversation_id = ?
		ORDER BY created_at ASC, id ASC`, conversationID)
}

// ListMessagesAfter pages through history starting after message afterID.
// Ids grow with append order inside a conversation, so the id is a valid
// cursor for the (created_at, id) ordering.
func (db *DB) ListMessagesAfter(ctx context.Context, conversationID string, afterID int64, limit int) ([]models.Message, error) {
	if limit <= 0 {
		limit = 1000
	}
	return db.queryMessages(ctx, `
		SELECT id, conversation_id, sender, body, created_at, read_at
		FROM messages
		WHERE conversation_id = ? AND id > ?
		ORDER BY created_at ASC, id ASC
		LIMIT ?`, conversationID, afterID, limit)
}

func (db *DB) queryMessages(ctx context.Context, query string, args ...any) ([]models.Message, error) {
	rows, err := db.conn.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var m models.Message
		var createdAt int64
		var readAt sql.NullInt64
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Sender, &m.Body, &createdAt, &readAt); err != nil {
			return nil, err
		}
		m.CreatedAt = fromNanos(createdAt)
		if readAt.Valid {
			t := fromNanos(readAt.Int64)
			m.ReadAt = &t
		}
		messages = append(messages, m)
	}

	return messages, rows.Err()
}

// MarkRead sets read_at on every message in the conversation that was
// written by the other participant and is still unread. The conditional
// update makes repeated and concurrent calls harmless; only the rows that
// actually transitioned are returned.
func (db *DB) MarkRead(ctx context.Context, conversationID, reader string) ([]models.ReadReceipt, error) {
	conv, err := db.Conversation(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	if !conv.HasParticipant(reader) {
		return nil, apperr.NotAuthorized("reader is not a participant")
	}

	rows, err := db.conn.QueryContext(ctx, `
		UPDATE messages SET read_at = ?
		WHERE conversation_id = ? AND sender <> ? AND read_at IS NULL
		RETURNING id, read_at`,
		toNanos(db.now()), conversationID, reader,
	)
	if err != nil {
		return nil, fmt.Errorf("mark read: %w", err)
	}
	defer rows.Close()

	var receipts []models.ReadReceipt
	for rows.Next() {
		var id, readAt int64
		if err := rows.Scan(&id, &readAt); err != nil {
			return nil, err
		}
		receipts = append(receipts, models.ReadReceipt{
			ConversationID: conversationID,
			MessageID:      id,
			ReadAt:         fromNanos(readAt),
		})
	}
	return receipts, rows.Err()
}

// UnreadConversations counts conversations of user holding at least one
// message from the other participant that user has not read.
func (db *DB) UnreadConversations(ctx context.Context, user string) (int, error) {
	var count int
	err := db.conn.QueryRowContext(ctx, `
		SELECT COUNT(DISTINCT m.conversation_id)
		FROM messages m
		JOIN conversations c ON c.id = m.conversation_id
		WHERE (c.user_lo = ? OR c.user_hi = ?) AND m.sender <> ? AND m.read_at IS NULL`,
		user, user, user,
	).Scan(&count)
	if err != nil {
		return 0, err
	}
	return count, nil
}
