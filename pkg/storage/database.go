package storage

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/ZentaChain/zentalk-sms/pkg/protocol"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrMessageExists = errors.New("message already exists")
)

// MessageStatus represents message delivery status
type MessageStatus string

const (
	MessageStatusPending   MessageStatus = "pending"
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
	MessageStatusFailed    MessageStatus = "failed"
)

// Terminal reports whether no further transition may leave s
func (s MessageStatus) Terminal() bool {
	return s == MessageStatusFailed || s == MessageStatusDelivered || s == MessageStatusRead
}

// MessageDB manages local message storage
type MessageDB struct {
	db *sql.DB
}

// Message is one logical message in a thread
type Message struct {
	ID                string
	ThreadID          string
	Content           string
	Outgoing          bool
	ReplyTo           string // empty when absent
	Status            MessageStatus
	PayloadKind       protocol.PayloadKind
	PayloadRef        string
	CreatedAt         time.Time
	HasProtocolHeader bool
}

// Contact maps a thread id (phone number) to a display name
type Contact struct {
	ThreadID    string
	DisplayName string
	AddedAt     time.Time
}

// Thread summarizes one conversation
type Thread struct {
	ThreadID      string
	DisplayName   string
	LastMessageID string
	Snippet       string
	LastAt        time.Time
	Unread        int
}

// NewMessageDB opens (or creates) the message database at dbPath
func NewMessageDB(dbPath string) (*MessageDB, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Enable WAL mode for better concurrency
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	mdb := &MessageDB{db: db}

	// Initialize schema
	if err := mdb.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return mdb, nil
}

// initSchema creates database tables
func (db *MessageDB) initSchema() error {
	schema := `
	-- Messages table
	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		thread_id TEXT NOT NULL,
		content TEXT NOT NULL,
		is_outgoing INTEGER NOT NULL,
		reply_to TEXT,
		status TEXT NOT NULL,
		payload_kind TEXT NOT NULL DEFAULT 'text',
		payload_ref TEXT,
		created_at INTEGER NOT NULL,
		has_protocol_header INTEGER NOT NULL DEFAULT 0
	);

	-- Contacts table
	CREATE TABLE IF NOT EXISTS contacts (
		thread_id TEXT PRIMARY KEY,
		display_name TEXT NOT NULL,
		added_at INTEGER NOT NULL
	);

	-- Transport handle correlation
	CREATE TABLE IF NOT EXISTS unit_handles (
		handle TEXT PRIMARY KEY,
		message_id TEXT NOT NULL,
		part_index INTEGER NOT NULL,
		total_parts INTEGER NOT NULL,
		created_at INTEGER NOT NULL,
		expires_at INTEGER NOT NULL
	);

	-- Indexes for performance
	CREATE INDEX IF NOT EXISTS idx_messages_thread ON messages(thread_id, created_at);
	CREATE INDEX IF NOT EXISTS idx_messages_created ON messages(created_at DESC);
	CREATE INDEX IF NOT EXISTS idx_handles_message ON unit_handles(message_id);
	CREATE INDEX IF NOT EXISTS idx_handles_expires ON unit_handles(expires_at);
	`

	_, err := db.db.Exec(schema)
	if err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// Close closes the database connection
func (db *MessageDB) Close() error {
	return db.db.Close()
}
