package storage

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
)

// DefaultHandleTTL bounds how long a transport handle stays resolvable.
// Delivery reports arriving later than this are ignored.
const DefaultHandleTTL = 24 * time.Hour

// UnitHandle correlates a transport handle with the fragment it carried
type UnitHandle struct {
	Handle     string
	MessageID  string
	PartIndex  int
	TotalParts int
	CreatedAt  time.Time
	ExpiresAt  time.Time
}

// ===== HANDLE OPERATIONS =====

// SaveHandle records the fragment a transport handle refers to. Saving a
// handle twice replaces the earlier mapping.
func (db *MessageDB) SaveHandle(h *UnitHandle) error {
	if h.CreatedAt.IsZero() {
		h.CreatedAt = time.Now()
	}
	if h.ExpiresAt.IsZero() {
		h.ExpiresAt = h.CreatedAt.Add(DefaultHandleTTL)
	}

	query := `
		INSERT OR REPLACE INTO unit_handles (
			handle, message_id, part_index, total_parts, created_at, expires_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := db.db.Exec(
		query,
		h.Handle,
		h.MessageID,
		h.PartIndex,
		h.TotalParts,
		h.CreatedAt.UnixNano(),
		h.ExpiresAt.UnixNano(),
	)
	if err != nil {
		return fmt.Errorf("failed to save handle: %w", err)
	}

	return nil
}

// LookupHandle resolves a handle that has not expired by now
func (db *MessageDB) LookupHandle(handle string, now time.Time) (*UnitHandle, error) {
	query := `
		SELECT handle, message_id, part_index, total_parts, created_at, expires_at
		FROM unit_handles
		WHERE handle = ? AND expires_at > ?
	`

	var h UnitHandle
	var createdAt, expiresAt int64

	err := db.db.QueryRow(query, handle, now.UnixNano()).Scan(
		&h.Handle,
		&h.MessageID,
		&h.PartIndex,
		&h.TotalParts,
		&createdAt,
		&expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to lookup handle: %w", err)
	}

	h.CreatedAt = time.Unix(0, createdAt)
	h.ExpiresAt = time.Unix(0, expiresAt)
	return &h, nil
}

// DeleteHandle removes one handle
func (db *MessageDB) DeleteHandle(handle string) error {
	query := `DELETE FROM unit_handles WHERE handle = ?`
	if _, err := db.db.Exec(query, handle); err != nil {
		return fmt.Errorf("failed to delete handle: %w", err)
	}
	return nil
}

// DeleteHandlesForMessage removes every handle of a message
func (db *MessageDB) DeleteHandlesForMessage(messageID string) (int64, error) {
	query := `DELETE FROM unit_handles WHERE message_id = ?`

	result, err := db.db.Exec(query, messageID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete handles: %w", err)
	}

	return result.RowsAffected()
}

// CountHandles returns the number of unexpired handles
func (db *MessageDB) CountHandles(now time.Time) (int, error) {
	query := `SELECT COUNT(*) FROM unit_handles WHERE expires_at > ?`

	var count int
	if err := db.db.QueryRow(query, now.UnixNano()).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count handles: %w", err)
	}

	return count, nil
}

// PurgeExpiredHandles removes handles whose expiry is at or before now
func (db *MessageDB) PurgeExpiredHandles(now time.Time) (int64, error) {
	query := `DELETE FROM unit_handles WHERE expires_at <= ?`

	result, err := db.db.Exec(query, now.UnixNano())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired handles: %w", err)
	}

	count, _ := result.RowsAffected()
	if count > 0 {
		logrus.WithFields(logrus.Fields{
			"function": "PurgeExpiredHandles",
			"count":    count,
		}).Info("Cleaned up expired unit handles")
	}

	return count, nil
}
