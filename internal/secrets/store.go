// Package secrets is the client's persistent secret storage: gateway tokens,
// the shared connect password, and TLS fingerprints pinned per gateway.
// Simple get/set semantics; no transactions.
package secrets

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

var ErrStoreWrite = errors.New("failed to write secret store")

const storeFileName = "secrets.json"

type storeFile struct {
	Token        string            `json:"token,omitempty"`
	Password     string            `json:"password,omitempty"`
	Fingerprints map[string]string `json:"fingerprints,omitempty"` // stableId -> sha256 hex
}

// Store is a file-backed secret store. All methods are safe for concurrent
// use; writes are atomic (temp file + rename).
type Store struct {
	mu   sync.Mutex
	dir  string
	data storeFile
}

// Open loads or initialises the secret store under dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("secrets dir: %w", err)
	}
	s := &Store{dir: dir}

	data, err := os.ReadFile(filepath.Join(dir, storeFileName))
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, fmt.Errorf("read secrets: %w", err)
	}
	if err := json.Unmarshal(data, &s.data); err != nil {
		return nil, fmt.Errorf("decode secrets: %w", err)
	}
	return s, nil
}

func (s *Store) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Token
}

func (s *Store) SaveToken(token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Token = token
	return s.persistLocked()
}

func (s *Store) Password() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Password
}

func (s *Store) SavePassword(password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.data.Password = password
	return s.persistLocked()
}

// PinnedFingerprint returns the sha256 fingerprint pinned for stableID, or ""
// if the gateway has never been trusted.
func (s *Store) PinnedFingerprint(stableID string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Fingerprints[stableID]
}

// SavePinnedFingerprint pins fingerprint for stableID. Single writer per
// stableID: only the TOFU-acceptance path calls this.
func (s *Store) SavePinnedFingerprint(stableID, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data.Fingerprints == nil {
		s.data.Fingerprints = make(map[string]string)
	}
	s.data.Fingerprints[stableID] = fingerprint
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	data, err := json.MarshalIndent(s.data, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}

	tmp, err := os.CreateTemp(s.dir, storeFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	tmpName := tmp.Name()
	_ = os.Chmod(tmpName, 0o600)
	defer func() {
		if tmp != nil {
			tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	if err := tmp.Close(); err != nil {
		tmp = nil
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	tmp = nil

	if err := os.Rename(tmpName, filepath.Join(s.dir, storeFileName)); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreWrite, err)
	}
	return nil
}
