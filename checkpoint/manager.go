package checkpoint

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	homedir "github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/mstephenholl/engraver"
	"github.com/mstephenholl/engraver/source"
)

// dirName is the application directory under the state root
const dirName = "engraver"

// Manager stores checkpoints in a directory
type Manager struct {
	dir string
}

// NewManager creates a manager rooted at dir, creating the directory
// if needed
func NewManager(dir string) (*Manager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating checkpoint directory %q", dir)
	}
	return &Manager{dir: dir}, nil
}

// DefaultManager creates a manager in the platform state directory
func DefaultManager() (*Manager, error) {
	dir, err := DefaultDir()
	if err != nil {
		return nil, err
	}
	return NewManager(dir)
}

// DefaultDir returns the platform checkpoint directory -
// $XDG_STATE_HOME/engraver/checkpoints on Unix,
// %LOCALAPPDATA%\engraver\checkpoints on Windows
func DefaultDir() (string, error) {
	var base string
	switch {
	case runtime.GOOS == "windows":
		base = os.Getenv("LOCALAPPDATA")
		if base == "" {
			home, err := homedir.Dir()
			if err != nil {
				return "", errors.Wrap(err, "finding home directory")
			}
			base = filepath.Join(home, "AppData", "Local")
		}
	case os.Getenv("XDG_STATE_HOME") != "":
		base = os.Getenv("XDG_STATE_HOME")
	default:
		home, err := homedir.Dir()
		if err != nil {
			return "", errors.Wrap(err, "finding home directory")
		}
		base = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(base, dirName, "checkpoints"), nil
}

// Dir returns the directory the manager stores checkpoints in
func (m *Manager) Dir() string {
	return m.dir
}

// Path returns where a checkpoint lives on disk
func (m *Manager) Path(cp *Checkpoint) string {
	return filepath.Join(m.dir, cp.Filename())
}

// Save writes the checkpoint atomically - serialize to a temp file in
// the same directory, then rename over the stable name
func (m *Manager) Save(cp *Checkpoint) error {
	path := m.Path(cp)
	tmp := path + ".tmp"

	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return errors.Wrap(err, "serializing checkpoint")
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrapf(err, "writing %q", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return errors.Wrapf(err, "renaming %q", tmp)
	}

	if cp.state == Fresh {
		cp.state = Saved
	}
	logrus.WithFields(logrus.Fields{
		"path":          path,
		"bytes_written": cp.BytesWritten,
	}).Debug("saved checkpoint")
	return nil
}

// Load reads back the checkpoint for the same (source, target) pair
func (m *Manager) Load(cp *Checkpoint) (*Checkpoint, error) {
	loaded, err := m.loadPath(m.Path(cp))
	if err != nil {
		return nil, err
	}
	loaded.state = Loaded
	return loaded, nil
}

// loadPath parses one checkpoint file. Files written by a newer
// version refuse to load with ErrInvalidData.
func (m *Manager) loadPath(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", path)
	}
	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, errors.Wrapf(err, "parsing %q", path)
	}
	if cp.Version == 0 {
		return nil, errors.Wrapf(engraver.ErrInvalidData, "%q has no version field", path)
	}
	if cp.Version > Version {
		return nil, errors.Wrapf(engraver.ErrInvalidData,
			"%q is version %d, newer than supported version %d", path, cp.Version, Version)
	}
	return &cp, nil
}

// Remove deletes the checkpoint file. Removing a checkpoint that is
// already gone is not an error.
func (m *Manager) Remove(cp *Checkpoint) error {
	path := m.Path(cp)
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "removing %q", path)
	}
	if err == nil {
		logrus.WithField("path", path).Debug("removed checkpoint")
	}
	cp.state = Removed
	return nil
}

// Find looks up a prior checkpoint for a (source, target) pair.
// Returns nil without error when there is none. A file that no longer
// parses is deleted and treated as absent.
func (m *Manager) Find(sourcePath, targetPath string) (*Checkpoint, error) {
	path := filepath.Join(m.dir, filenameFor(sourcePath, targetPath))
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, errors.Wrapf(err, "stat %q", path)
	}
	cp, err := m.loadPath(path)
	if err != nil {
		logrus.WithField("path", path).WithError(err).Warn("removing unreadable checkpoint")
		_ = os.Remove(path)
		return nil, nil
	}
	cp.state = Loaded
	return cp, nil
}

// List returns every readable checkpoint, most recently updated first
func (m *Manager) List() ([]*Checkpoint, error) {
	entries, err := os.ReadDir(m.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "reading %q", m.dir)
	}

	var checkpoints []*Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), "."+Extension) {
			continue
		}
		cp, err := m.loadPath(filepath.Join(m.dir, entry.Name()))
		if err != nil {
			logrus.WithField("file", entry.Name()).WithError(err).Warn("skipping unreadable checkpoint")
			continue
		}
		checkpoints = append(checkpoints, cp)
	}

	sort.Slice(checkpoints, func(i, j int) bool {
		return checkpoints[i].LastUpdate > checkpoints[j].LastUpdate
	})
	return checkpoints, nil
}

// Cleanup removes checkpoints whose last update is older than maxAge,
// returning how many went
func (m *Manager) Cleanup(maxAge time.Duration) (int, error) {
	checkpoints, err := m.List()
	if err != nil {
		return 0, err
	}

	cutoff := time.Now().Add(-maxAge).Unix()
	removed := 0
	for _, cp := range checkpoints {
		if cp.LastUpdate >= cutoff {
			continue
		}
		if err := m.Remove(cp); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

// Validation is the outcome of checking a checkpoint against the
// current source and target
type Validation struct {
	// Valid means the checkpoint may be resumed from
	Valid bool

	// Messages explain why it can't be
	Messages []string

	// Warnings flag oddities that don't block resuming
	Warnings []string
}

func invalid(msg string) Validation {
	return Validation{Messages: []string{msg}}
}

// Validate checks a checkpoint against a freshly validated source and
// the current target size. currentHeaderHash, when both it and the
// recorded hash are present, must match; pass "" when it wasn't
// computed.
func Validate(cp *Checkpoint, info source.Info, targetSize int64, currentHeaderHash string) Validation {
	if cp.SourcePath != info.Path {
		return invalid(fmt.Sprintf("source path mismatch: checkpoint has %q, current is %q", cp.SourcePath, info.Path))
	}

	if cp.SourceSize != nil && info.Size >= 0 && *cp.SourceSize != info.Size {
		return invalid(fmt.Sprintf("source size changed: checkpoint has %d bytes, current is %d bytes", *cp.SourceSize, info.Size))
	}

	if !cp.CanResume() {
		return invalid("source type does not support resume (compressed sources cannot be repositioned)")
	}

	if cp.SourceSize != nil && cp.BytesWritten > *cp.SourceSize {
		return invalid(fmt.Sprintf("bytes written (%d) exceeds source size (%d)", cp.BytesWritten, *cp.SourceSize))
	}

	if cp.SourceHeaderHash != "" && currentHeaderHash != "" && cp.SourceHeaderHash != currentHeaderHash {
		return invalid("source content changed: header hash mismatch")
	}

	result := Validation{Valid: true}
	if cp.TargetSize != targetSize {
		result.Warnings = append(result.Warnings,
			fmt.Sprintf("target size changed: checkpoint has %d bytes, current is %d bytes", cp.TargetSize, targetSize))
	}
	return result
}
