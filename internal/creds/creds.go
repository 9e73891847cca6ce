// Package creds is the file-backed credential store: one JSON blob per
// broker, written atomically with owner-only permissions.
package creds

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"tradegate/internal/broker"
)

// FileStore persists credential blobs under a directory as
// <broker_id>.json. Writes go through a temp file and rename so a crash
// never leaves a torn blob.
type FileStore struct {
	dir string
	mu  sync.Mutex
}

// NewFileStore creates the directory if needed (0700) and returns the store.
func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential dir %s: %w", dir, err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(brokerID string) string {
	return filepath.Join(s.dir, brokerID+".json")
}

// Load reads the blob for one broker. A missing file is not an error; it
// reports found=false.
func (s *FileStore) Load(brokerID string) (broker.Credentials, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path(brokerID))
	if err != nil {
		if os.IsNotExist(err) {
			return broker.Credentials{}, false, nil
		}
		return broker.Credentials{}, false, fmt.Errorf("read credentials for %s: %w", brokerID, err)
	}

	var creds broker.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return broker.Credentials{}, false, fmt.Errorf("decode credentials for %s: %w", brokerID, err)
	}
	return creds, true, nil
}

// Store writes the blob atomically with 0600 permissions.
func (s *FileStore) Store(brokerID string, creds broker.Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials for %s: %w", brokerID, err)
	}

	tmp, err := os.CreateTemp(s.dir, brokerID+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod credentials file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write credentials for %s: %w", brokerID, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close credentials file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(brokerID)); err != nil {
		return fmt.Errorf("commit credentials for %s: %w", brokerID, err)
	}
	return nil
}

// Delete removes the blob. Deleting a missing blob is a no-op.
func (s *FileStore) Delete(brokerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(brokerID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete credentials for %s: %w", brokerID, err)
	}
	return nil
}
