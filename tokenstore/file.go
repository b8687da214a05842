package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/go-authgate/subshare-cli/apiclient"
)

// sessionFile is the on-disk layout: one session per namespace.
type sessionFile struct {
	Sessions map[string]*record `json:"sessions"` // key = namespace
}

// FileStore keeps sessions in a JSON file shared by every namespace. Writes
// are serialized across processes by a lock file and land through an atomic
// rename.
type FileStore struct {
	path      string
	namespace string
	log       logrus.FieldLogger
}

// NewFileStore creates a FileStore for namespace in the file at path.
func NewFileStore(path, namespace string, log logrus.FieldLogger) *FileStore {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &FileStore{path: path, namespace: namespace, log: log}
}

// Path returns the session file location.
func (s *FileStore) Path() string {
	return s.path
}

func (s *FileStore) Get(ctx context.Context) (apiclient.TokenPair, error) {
	if err := contextErr(ctx); err != nil {
		return apiclient.TokenPair{}, err
	}

	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return apiclient.TokenPair{}, nil
	}
	if err != nil {
		return apiclient.TokenPair{}, s.fail("get", err)
	}

	var sf sessionFile
	if err := json.Unmarshal(data, &sf); err != nil {
		return apiclient.TokenPair{}, s.fail("get", fmt.Errorf("failed to parse token file: %w", err))
	}

	if rec, ok := sf.Sessions[s.namespace]; ok && rec != nil {
		return rec.TokenPair, nil
	}
	return apiclient.TokenPair{}, nil
}

func (s *FileStore) Set(ctx context.Context, pair apiclient.TokenPair) error {
	return s.update(ctx, "set", func(sf *sessionFile) {
		sf.Sessions[s.namespace] = &record{TokenPair: pair, UpdatedAt: time.Now().UTC()}
	})
}

func (s *FileStore) Clear(ctx context.Context) error {
	if _, err := os.Stat(s.path); errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return s.update(ctx, "clear", func(sf *sessionFile) {
		delete(sf.Sessions, s.namespace)
	})
}

func (s *FileStore) Close() error {
	return nil
}

// update applies fn to the session file under the cross-process lock,
// preserving the sessions of other namespaces.
func (s *FileStore) update(ctx context.Context, op string, fn func(*sessionFile)) error {
	lock, err := acquireFileLock(ctx, s.path, s.log)
	if err != nil {
		return s.fail(op, fmt.Errorf("failed to acquire lock: %w", err))
	}
	defer func() {
		if releaseErr := lock.release(); releaseErr != nil {
			s.log.WithError(releaseErr).Warn("Failed to release token file lock")
		}
	}()

	// Load existing sessions (inside lock to ensure consistency)
	var sf sessionFile
	if existing, err := os.ReadFile(s.path); err == nil {
		if unmarshalErr := json.Unmarshal(existing, &sf); unmarshalErr != nil {
			s.log.WithError(unmarshalErr).Warn("Token file is corrupt, starting fresh")
			sf.Sessions = nil
		}
	}
	if sf.Sessions == nil {
		sf.Sessions = make(map[string]*record)
	}

	fn(&sf)

	data, err := json.MarshalIndent(sf, "", "  ")
	if err != nil {
		return s.fail(op, err)
	}

	// Write to temp file first, then rename over the old one
	tempFile := s.path + ".tmp"
	if err := os.WriteFile(tempFile, data, 0o600); err != nil {
		return s.fail(op, fmt.Errorf("failed to write temp file: %w", err))
	}

	if err := os.Rename(tempFile, s.path); err != nil {
		if removeErr := os.Remove(tempFile); removeErr != nil {
			return s.fail(op, fmt.Errorf(
				"failed to rename temp file: %v; additionally failed to remove temp file: %w",
				err,
				removeErr,
			))
		}
		return s.fail(op, fmt.Errorf("failed to rename temp file: %w", err))
	}

	return nil
}

func (s *FileStore) fail(op string, err error) error {
	return &StoreError{Op: op, Backend: BackendFile, Err: err}
}

var _ Store = (*FileStore)(nil)
