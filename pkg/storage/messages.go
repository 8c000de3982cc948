package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
)

// ===== MESSAGE OPERATIONS =====

const messageColumns = `
	id, thread_id, content, is_outgoing, reply_to, status,
	payload_kind, payload_ref, created_at, has_protocol_header`

// SaveMessage inserts a new message. A message id already present in the
// store yields ErrMessageExists.
func (db *MessageDB) SaveMessage(msg *Message) error {
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO messages (` + messageColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := db.db.Exec(
		query,
		msg.ID,
		msg.ThreadID,
		msg.Content,
		boolToInt(msg.Outgoing),
		nullString(msg.ReplyTo),
		msg.Status,
		msg.PayloadKind.String(),
		nullString(msg.PayloadRef),
		msg.CreatedAt.UnixNano(),
		boolToInt(msg.HasProtocolHeader),
	)
	if isConstraintError(err) {
		return fmt.Errorf("%w: %s", ErrMessageExists, msg.ID)
	}
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	return nil
}

// GetMessage retrieves a message by ID
func (db *MessageDB) GetMessage(messageID string) (*Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages WHERE id = ?`

	msg, err := scanMessage(db.db.QueryRow(query, messageID))
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	return msg, nil
}

// GetThreadMessages retrieves the messages of a thread, oldest first
func (db *MessageDB) GetThreadMessages(threadID string) ([]*Message, error) {
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE thread_id = ?
		ORDER BY created_at ASC
	`

	rows, err := db.db.Query(query, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

// UpdateMessageContent overwrites the content of a message in place. It
// reports false when the id is unknown.
func (db *MessageDB) UpdateMessageContent(messageID, content string) (bool, error) {
	query := `UPDATE messages SET content = ? WHERE id = ?`
	return db.execAffected(query, content, messageID)
}

// UpdateMessageStatus updates the delivery status of a message. It reports
// false when the id is unknown.
func (db *MessageDB) UpdateMessageStatus(messageID string, status MessageStatus) (bool, error) {
	query := `UPDATE messages SET status = ? WHERE id = ?`
	return db.execAffected(query, status, messageID)
}

// DeleteMessage deletes a message. It reports false when the id is unknown.
func (db *MessageDB) DeleteMessage(messageID string) (bool, error) {
	query := `DELETE FROM messages WHERE id = ?`
	return db.execAffected(query, messageID)
}

// MarkThreadRead moves every delivered incoming message of the thread to read
// and returns how many changed.
func (db *MessageDB) MarkThreadRead(threadID string) (int64, error) {
	query := `
		UPDATE messages SET status = ?
		WHERE thread_id = ? AND is_outgoing = 0 AND status = ?
	`

	result, err := db.db.Exec(query, MessageStatusRead, threadID, MessageStatusDelivered)
	if err != nil {
		return 0, fmt.Errorf("failed to mark thread read: %w", err)
	}

	return result.RowsAffected()
}

// SearchMessages returns messages whose content or thread id contains
// searchText, newest first
func (db *MessageDB) SearchMessages(searchText string, limit int) ([]*Message, error) {
	if limit <= 0 {
		limit = 100
	}

	pattern := "%" + escapeLike(searchText) + "%"
	query := `
		SELECT ` + messageColumns + `
		FROM messages
		WHERE content LIKE ? ESCAPE '\' OR thread_id LIKE ? ESCAPE '\'
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := db.db.Query(query, pattern, pattern, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanMessages(rows)
}

func (db *MessageDB) execAffected(query string, args ...interface{}) (bool, error) {
	result, err := db.db.Exec(query, args...)
	if err != nil {
		return false, err
	}

	count, err := result.RowsAffected()
	if err != nil {
		return false, err
	}

	return count > 0, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMessage(row rowScanner) (*Message, error) {
	var msg Message
	var replyTo, payloadRef sql.NullString
	var payloadKind string
	var isOutgoing, hasHeader int
	var createdAt int64

	err := row.Scan(
		&msg.ID,
		&msg.ThreadID,
		&msg.Content,
		&isOutgoing,
		&replyTo,
		&msg.Status,
		&payloadKind,
		&payloadRef,
		&createdAt,
		&hasHeader,
	)
	if err != nil {
		return nil, err
	}

	msg.Outgoing = intToBool(isOutgoing)
	msg.HasProtocolHeader = intToBool(hasHeader)
	msg.ReplyTo = replyTo.String
	msg.PayloadRef = payloadRef.String
	msg.PayloadKind = parsePayloadKind(payloadKind)
	msg.CreatedAt = time.Unix(0, createdAt)

	return &msg, nil
}

func scanMessages(rows *sql.Rows) ([]*Message, error) {
	var messages []*Message

	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

func isConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code == sqlite3.ErrConstraint
	}
	return false
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
