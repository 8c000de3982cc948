package storage

import (
	"database/sql"
	"time"
)

// ===== CONTACT OPERATIONS =====

// SaveContact adds or updates a contact
func (db *MessageDB) SaveContact(contact *Contact) error {
	if contact.AddedAt.IsZero() {
		contact.AddedAt = time.Now()
	}

	query := `
		INSERT INTO contacts (thread_id, display_name, added_at)
		VALUES (?, ?, ?)
		ON CONFLICT(thread_id) DO UPDATE SET
			display_name = excluded.display_name
	`

	_, err := db.db.Exec(query, contact.ThreadID, contact.DisplayName, contact.AddedAt.UnixNano())
	return err
}

// GetContact retrieves a contact by thread id
func (db *MessageDB) GetContact(threadID string) (*Contact, error) {
	query := `SELECT thread_id, display_name, added_at FROM contacts WHERE thread_id = ?`

	var contact Contact
	var addedAt int64

	err := db.db.QueryRow(query, threadID).Scan(&contact.ThreadID, &contact.DisplayName, &addedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	contact.AddedAt = time.Unix(0, addedAt)
	return &contact, nil
}

// GetAllContacts retrieves all contacts
func (db *MessageDB) GetAllContacts() ([]*Contact, error) {
	query := `
		SELECT thread_id, display_name, added_at
		FROM contacts
		ORDER BY display_name ASC
	`

	rows, err := db.db.Query(query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*Contact

	for rows.Next() {
		var contact Contact
		var addedAt int64

		if err := rows.Scan(&contact.ThreadID, &contact.DisplayName, &addedAt); err != nil {
			return nil, err
		}

		contact.AddedAt = time.Unix(0, addedAt)
		contacts = append(contacts, &contact)
	}

	return contacts, rows.Err()
}

// DeleteContact removes a contact
func (db *MessageDB) DeleteContact(threadID string) error {
	query := `DELETE FROM contacts WHERE thread_id = ?`
	_, err := db.db.Exec(query, threadID)
	return err
}
