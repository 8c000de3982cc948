package storage

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidPayload is returned when payload text is not valid base64
var ErrInvalidPayload = errors.New("invalid payload encoding")

// PayloadStore keeps binary payloads (voice clips) as files under one
// directory. Messages refer to them by path.
type PayloadStore struct {
	dir string
}

// NewPayloadStore creates the payload directory if needed
func NewPayloadStore(dir string) (*PayloadStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create payload directory: %w", err)
	}
	return &PayloadStore{dir: dir}, nil
}

// Dir returns the payload directory
func (s *PayloadStore) Dir() string {
	return s.dir
}

// SaveAudio decodes base64 audio received for messageID and writes it to
// voice_<messageID>.3gp, returning the file path.
func (s *PayloadStore) SaveAudio(messageID, encoded string) (string, error) {
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(encoded))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("%w: empty payload", ErrInvalidPayload)
	}

	path := filepath.Join(s.dir, "voice_"+filepath.Base(messageID)+".3gp")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}

	return path, nil
}

// EncodeFile reads a payload file and returns it as base64 text for sending
func (s *PayloadStore) EncodeFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Remove deletes a payload file. A missing file is not an error.
func (s *PayloadStore) Remove(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("failed to remove payload: %w", err)
	}
	return nil
}
