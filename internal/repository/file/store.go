// Package file is the single-node storage backend: each collection is a
// JSON document under the data directory, rewritten atomically.
package file

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"trust-service/internal/repository"
)

// writeJSON replaces path with the encoding of v via a temp file and rename,
// so a crash never leaves a half-written document.
func writeJSON(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", filepath.Base(path), err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("failed to sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// readJSON decodes path into v. A missing file leaves v untouched.
func readJSON(path string, v interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to read %s: %w", filepath.Base(path), err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to decode %s: %w", filepath.Base(path), err)
	}
	return nil
}

// NewBackend opens (creating if needed) every collection under dir.
func NewBackend(dir string) (*repository.Backend, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}

	accounts, err := NewAccountRepository(filepath.Join(dir, "accounts.json"))
	if err != nil {
		return nil, err
	}
	consents, err := NewConsentRepository(filepath.Join(dir, "consent_requests.json"))
	if err != nil {
		return nil, err
	}

	return &repository.Backend{
		Accounts: accounts,
		Consents: consents,
		Sessions: NewSessionRepository(filepath.Join(dir, "sessions.json")),
	}, nil
}
