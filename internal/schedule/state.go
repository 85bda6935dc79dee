package schedule

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/aatumaykin/pipetimer/internal/config"
	"github.com/aatumaykin/pipetimer/internal/errors"
	"github.com/aatumaykin/pipetimer/internal/logger"
)

// StateVersion is the current state file format.
const StateVersion = 1

// State is the persisted schedule bookkeeping. The Scheduler goroutine is
// its only writer.
type State struct {
	Version    int             `json:"version" yaml:"version"`
	Interval   config.Duration `json:"interval" yaml:"interval"`
	Persistent bool            `json:"persistent" yaml:"persistent"`
	// LastCompletion is nil until the first run finishes.
	LastCompletion *time.Time `json:"last_completion,omitempty" yaml:"last_completion,omitempty"`
	LastFire       *time.Time `json:"last_fire,omitempty" yaml:"last_fire,omitempty"`
	// LastRunID is the highest run id issued, job or hook.
	LastRunID   uint64    `json:"last_run_id,omitempty" yaml:"last_run_id,omitempty"`
	LastStatus  string    `json:"last_status,omitempty" yaml:"last_status,omitempty"`
	LastTrigger string    `json:"last_trigger,omitempty" yaml:"last_trigger,omitempty"`
	Instance    string    `json:"instance,omitempty" yaml:"instance,omitempty"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// HasRun reports whether a completion has been recorded.
func (s State) HasRun() bool {
	return s.LastCompletion != nil
}

// StateStore persists State as a JSON file.
type StateStore struct {
	filePath string
	logger   *logger.Logger
}

// NewStateStore creates a StateStore for the file at path.
func NewStateStore(path string, log *logger.Logger) *StateStore {
	if log == nil {
		log = logger.Discard()
	}
	return &StateStore{filePath: path, logger: log}
}

// Path returns the state file path.
func (s *StateStore) Path() string {
	return s.filePath
}

// Load reads the state file. A missing file yields a zero State and no
// error. An unreadable or corrupt file is an error marked ErrPersistence.
func (s *StateStore) Load() (State, error) {
	data, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return State{}, nil
	}
	if err != nil {
		return State{}, errors.Mark(errors.Wrapf(err, "read state file %s", s.filePath), errors.ErrPersistence)
	}

	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, errors.Mark(errors.Wrapf(err, "decode state file %s", s.filePath), errors.ErrPersistence)
	}
	if st.Version > StateVersion {
		return State{}, errors.Mark(
			errors.Newf("state file %s has version %d, newer than supported %d", s.filePath, st.Version, StateVersion),
			errors.ErrPersistence)
	}
	return st, nil
}

// Save writes the state atomically: a temporary file in the same
// directory is written, synced and renamed over the old one.
func (s *StateStore) Save(st State) error {
	st.Version = StateVersion
	dir := filepath.Dir(s.filePath)

	if err := os.MkdirAll(dir, 0755); err != nil {
		return s.fail(errors.Wrap(err, "create state directory"))
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return s.fail(errors.Wrap(err, "encode state"))
	}

	file, err := os.CreateTemp(dir, filepath.Base(s.filePath)+".*.tmp")
	if err != nil {
		return s.fail(errors.Wrap(err, "create temporary state file"))
	}
	tmpPath := file.Name()
	defer os.Remove(tmpPath)

	if _, err := file.Write(append(data, '\n')); err != nil {
		file.Close()
		return s.fail(errors.Wrap(err, "write temporary state file"))
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return s.fail(errors.Wrap(err, "sync temporary state file"))
	}
	if err := file.Close(); err != nil {
		return s.fail(errors.Wrap(err, "close temporary state file"))
	}
	if err := os.Rename(tmpPath, s.filePath); err != nil {
		return s.fail(errors.Wrap(err, "rename state file"))
	}
	syncDir(dir)

	s.logger.Debug("schedule state saved",
		logger.Field{Key: "file", Value: s.filePath},
		logger.Field{Key: "last_run_id", Value: st.LastRunID})
	return nil
}

func (s *StateStore) fail(err error) error {
	return errors.Mark(errors.WithMessagef(err, "save %s", s.filePath), errors.ErrPersistence)
}

// syncDir makes the rename durable. Not every platform can fsync a
// directory, so failures are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
