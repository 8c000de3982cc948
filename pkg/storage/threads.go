package storage

import "time"

// ===== THREAD OPERATIONS =====

// Threads returns one summary per thread, most recent activity first. The
// display name falls back to the thread id when no contact is saved, and
// Unread counts incoming messages that have not been marked read.
func (db *MessageDB) Threads() ([]*Thread, error) {
	query := `
		SELECT m.thread_id,
		       COALESCE(c.display_name, m.thread_id),
		       m.id,
		       m.content,
		       m.created_at,
		       (SELECT COUNT(*) FROM messages u
		         WHERE u.thread_id = m.thread_id
		           AND u.is_outgoing = 0
		           AND u.status = ?)
		FROM messages m
		LEFT JOIN contacts c ON c.thread_id = m.thread_id
		WHERE m.created_at = (
			SELECT MAX(created_at) FROM messages WHERE thread_id = m.thread_id
		)
		GROUP BY m.thread_id
		ORDER BY m.created_at DESC
	`

	rows, err := db.db.Query(query, MessageStatusDelivered)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var threads []*Thread

	for rows.Next() {
		var thread Thread
		var content string
		var lastAt int64

		err := rows.Scan(
			&thread.ThreadID,
			&thread.DisplayName,
			&thread.LastMessageID,
			&content,
			&lastAt,
			&thread.Unread,
		)
		if err != nil {
			return nil, err
		}

		thread.Snippet = snippet(content)
		thread.LastAt = time.Unix(0, lastAt)
		threads = append(threads, &thread)
	}

	return threads, rows.Err()
}
