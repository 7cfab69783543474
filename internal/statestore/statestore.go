// Package statestore persists small per-component state values between runs.
// Values are JSON-serialized under a deterministic file name and written
// atomically (temp file + rename), so a crashed run never leaves a torn
// state file behind.
package statestore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/certhub/threatpipe/pkg/errors"
	"github.com/certhub/threatpipe/pkg/logger"
)

// Store manages one component's state file.
type Store struct {
	path string
	log  *logger.Logger
}

// New creates a store for the given source and owner name, rooted at
// cacheDir. The file name follows the legacy "<source>.<Name>.state"
// convention so existing deployments keep their state across upgrades.
func New(cacheDir, source, name string, log *logger.Logger) *Store {
	return &Store{
		path: filepath.Join(cacheDir, fmt.Sprintf("%s.%s.state", source, name)),
		log:  log,
	}
}

// NewWithPath creates a store over an explicit file path.
func NewWithPath(path string, log *logger.Logger) *Store {
	return &Store{path: path, log: log}
}

// Path returns the state file location.
func (s *Store) Path() string {
	return s.path
}

// Load reads the last saved state into out. A missing or corrupt file leaves
// out untouched and returns false (with a warning for the corrupt case), so
// the caller falls back to its default state.
func (s *Store) Load(out interface{}) bool {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if !os.IsNotExist(err) {
			s.log.Warn().Err(err).Str("path", s.path).Msg("Cannot read the state file; using default state")
		}
		return false
	}
	if err := json.Unmarshal(data, out); err != nil {
		s.log.Warn().Err(err).Str("path", s.path).Msg("Corrupt state file; using default state")
		return false
	}
	return true
}

// Save writes the state atomically: the value is serialized into a temp file
// in the target directory, fsynced and renamed over the final path.
func (s *Store) Save(state interface{}) error {
	data, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeStateCorrupt, "failed to serialize state")
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "failed to create the state directory")
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "failed to create a temporary state file")
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeCollector, "failed to write the state file")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return errors.Wrap(err, errors.ErrCodeCollector, "failed to sync the state file")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "failed to close the state file")
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return errors.Wrap(err, errors.ErrCodeCollector, "failed to move the state file into place")
	}
	return nil
}
