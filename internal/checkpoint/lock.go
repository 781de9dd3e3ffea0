package checkpoint

import (
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// LockFile marks a checkpoint directory as owned by a live Manager.
const LockFile = ".savepoint.lock"

// ErrDirectoryLocked is returned when another Manager owns the directory.
var ErrDirectoryLocked = errors.New("checkpoint directory is locked by another writer")

type lockOwner struct {
	ID       string    `json:"id"`
	PID      int       `json:"pid"`
	Hostname string    `json:"hostname"`
	Since    time.Time `json:"since"`
}

type dirLock struct {
	path  string
	owner lockOwner
}

// lockDir takes exclusive ownership of dir.
func lockDir(dir string) (*dirLock, error) {
	path := filepath.Join(dir, LockFile)
	host, _ := os.Hostname()
	owner := lockOwner{ID: uuid.NewString(), PID: os.Getpid(), Hostname: host, Since: time.Now().UTC()}

	//nolint:gosec // G304: lock lives in the user's checkpoint directory
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if errors.Is(err, fs.ErrExist) {
		var held lockOwner
		if data, rerr := os.ReadFile(path); rerr == nil && json.Unmarshal(data, &held) == nil {
			return nil, errors.Wrapf(ErrDirectoryLocked, "%s held by pid %d on %s since %s",
				dir, held.PID, held.Hostname, held.Since.Format(time.RFC3339))
		}
		return nil, errors.Wrapf(ErrDirectoryLocked, "%s", dir)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to lock checkpoint directory")
	}
	defer func() { _ = f.Close() }()
	if err := json.NewEncoder(f).Encode(owner); err != nil {
		_ = os.Remove(path)
		return nil, errors.Wrap(err, "failed to write lock file")
	}
	return &dirLock{path: path, owner: owner}, nil
}

// release removes the lock if it is still ours.
func (l *dirLock) release() error {
	var held lockOwner
	data, err := os.ReadFile(l.path)
	if err != nil {
		return errors.Wrap(err, "failed to read lock file")
	}
	if err := json.Unmarshal(data, &held); err != nil || held.ID != l.owner.ID {
		return errors.Errorf("lock %s was taken over by another writer", l.path)
	}
	return errors.Wrap(os.Remove(l.path), "failed to remove lock file")
}

// Unlock forcibly removes a lock left behind by a crashed process.
func Unlock(dir string) error {
	err := os.Remove(filepath.Join(dir, LockFile))
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return errors.Wrap(err, "failed to remove lock file")
}
