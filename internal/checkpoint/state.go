package checkpoint

import (
	"bufio"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"

	"github.com/born-ml/savepoint/internal/serialization"
)

// StateFile is the name of the per-directory record of checkpoints.
const StateFile = "checkpoint"

// ErrNoCheckpoint is returned when a directory holds no checkpoint.
var ErrNoCheckpoint = errors.New("no checkpoint found")

// Record describes one written checkpoint. Records are immutable; a later
// save to the same path replaces the record instead of changing it.
type Record struct {
	ID        string                `json:"id"`
	Path      string                `json:"path"`
	Kind      Kind                  `json:"kind"`
	Epoch     int                   `json:"epoch"`
	Step      int64                 `json:"step"`
	Logs      serialization.Metrics `json:"logs,omitempty"`
	Bytes     int64                 `json:"bytes"`
	SHA256    string                `json:"sha256"`
	CreatedAt time.Time             `json:"created_at"`
}

// State is the content of a directory's state file. Paths are stored
// relative to the directory; records are ordered oldest first.
type State struct {
	Latest  string   `json:"latest"`
	Records []Record `json:"records"`
}

// readState loads the state file of dir. A missing file is an empty state.
func readState(dir string) (*State, error) {
	data, err := os.ReadFile(filepath.Join(dir, StateFile))
	if errors.Is(err, fs.ErrNotExist) {
		return &State{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to read checkpoint state")
	}
	st := &State{}
	if err := json.Unmarshal(data, st); err != nil {
		return nil, errors.Wrapf(err, "corrupt checkpoint state in %s", dir)
	}
	return st, nil
}

// writeState replaces the state file of dir atomically.
func writeState(dir string, st *State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to encode checkpoint state")
	}
	err = serialization.WriteFile(filepath.Join(dir, StateFile), true, func(w *bufio.Writer) error {
		_, werr := w.Write(data)
		return werr
	})
	return errors.Wrap(err, "failed to write checkpoint state")
}

// put records rec as the latest checkpoint, replacing any record with the
// same path.
func (st *State) put(rec Record) {
	kept := st.Records[:0]
	for _, r := range st.Records {
		if r.Path != rec.Path {
			kept = append(kept, r)
		}
	}
	st.Records = append(kept, rec)
	st.Latest = rec.Path
}

// has reports whether a record exists for path.
func (st *State) has(path string) bool {
	for _, r := range st.Records {
		if r.Path == path {
			return true
		}
	}
	return false
}

// evict drops the oldest records beyond maxToKeep and returns them.
func (st *State) evict(maxToKeep int) []Record {
	if maxToKeep <= 0 || len(st.Records) <= maxToKeep {
		return nil
	}
	n := len(st.Records) - maxToKeep
	evicted := append([]Record(nil), st.Records[:n]...)
	st.Records = append([]Record(nil), st.Records[n:]...)
	return evicted
}

// resolve returns rec with its path joined to dir.
func resolve(dir string, rec Record) Record {
	rec.Path = filepath.Join(dir, rec.Path)
	return rec
}

// List returns every checkpoint recorded in dir, oldest first.
func List(dir string) ([]Record, error) {
	st, err := readState(dir)
	if err != nil {
		return nil, err
	}
	records := make([]Record, len(st.Records))
	for i, r := range st.Records {
		records[i] = resolve(dir, r)
	}
	return records, nil
}

// Latest returns the most recently written checkpoint in dir.
func Latest(dir string) (Record, error) {
	st, err := readState(dir)
	if err != nil {
		return Record{}, err
	}
	for i := len(st.Records) - 1; i >= 0; i-- {
		if st.Records[i].Path == st.Latest {
			return resolve(dir, st.Records[i]), nil
		}
	}
	return Record{}, errors.Wrapf(ErrNoCheckpoint, "in %s", dir)
}
