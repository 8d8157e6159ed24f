// Package credstore persists session credentials to disk so a paired session
// survives process restarts.
package credstore

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/ashureev/pairbot/internal/domain"
)

const credsFileName = "creds.json"

// CorruptStateError is returned by Load when persisted credentials exist but cannot be parsed.
type CorruptStateError struct {
	Path string
	Err  error
}

func (e *CorruptStateError) Error() string {
	return fmt.Sprintf("corrupt credential state at %s: %v", e.Path, e.Err)
}

func (e *CorruptStateError) Unwrap() error { return e.Err }

// IsCorrupt reports whether err is a CorruptStateError.
func IsCorrupt(err error) bool {
	var corrupt *CorruptStateError
	return errors.As(err, &corrupt)
}

// Store defines the credential persistence contract.
type Store interface {
	// Load returns the persisted credentials, or nil if none exist.
	Load() (*domain.Credentials, error)

	// Save durably replaces the persisted credentials before returning.
	Save(creds *domain.Credentials) error

	// Reset removes persisted credentials so the next connect pairs again.
	Reset() error
}

// FileStore implements Store with a single JSON file per client identity.
// Writes go to a temp file in the same directory and are renamed into place,
// so a crash mid-write leaves the previous file intact.
type FileStore struct {
	mu     sync.Mutex
	dir    string
	path   string
	logger *slog.Logger
}

// New creates a file-backed store under baseDir/clientID, creating the directory if absent.
func New(baseDir, clientID string, logger *slog.Logger) (*FileStore, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if clientID == "" {
		return nil, fmt.Errorf("client id cannot be empty")
	}

	dir := filepath.Join(baseDir, clientID)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create credential directory: %w", err)
	}

	return &FileStore{
		dir:    dir,
		path:   filepath.Join(dir, credsFileName),
		logger: logger,
	}, nil
}

// Path returns the credential file location.
func (s *FileStore) Path() string {
	return s.path
}

// Load reads credentials from disk. A missing file is not an error.
func (s *FileStore) Load() (*domain.Credentials, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}

	var creds domain.Credentials
	if err := json.Unmarshal(data, &creds); err != nil {
		return nil, &CorruptStateError{Path: s.path, Err: err}
	}
	if !creds.Valid() {
		return nil, &CorruptStateError{Path: s.path, Err: errors.New("missing device id or token")}
	}

	return &creds, nil
}

// Save writes credentials atomically.
func (s *FileStore) Save(creds *domain.Credentials) error {
	if creds == nil {
		return fmt.Errorf("credentials cannot be nil")
	}

	data, err := json.MarshalIndent(creds, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credentials: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tmp, err := os.CreateTemp(s.dir, credsFileName+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp credentials file: %w", err)
	}
	tmpPath := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			if removeErr := os.Remove(tmpPath); removeErr != nil && !errors.Is(removeErr, os.ErrNotExist) {
				s.logger.Warn("failed to remove temp credentials file", "path", tmpPath, "error", removeErr)
			}
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("write temp credentials file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("sync temp credentials file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp credentials file: %w", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		return fmt.Errorf("replace credentials file: %w", err)
	}
	committed = true

	s.syncDir()
	s.logger.Debug("Credentials persisted", "path", s.path, "device_id", creds.DeviceID, "counter", creds.Counter)
	return nil
}

// Reset deletes the persisted credentials.
func (s *FileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	s.logger.Info("Credentials reset", "path", s.path)
	return nil
}

// syncDir flushes the rename to the directory entry where the platform allows it.
func (s *FileStore) syncDir() {
	d, err := os.Open(s.dir)
	if err != nil {
		return
	}
	defer func() { _ = d.Close() }()
	if err := d.Sync(); err != nil {
		s.logger.Debug("credential directory sync not supported", "dir", s.dir, "error", err)
	}
}

// Ensure FileStore implements Store.
var _ Store = (*FileStore)(nil)
