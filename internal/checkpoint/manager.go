package checkpoint

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/persist"
	"github.com/born-ml/savepoint/internal/serialization"
)

// Progress identifies the point in training a checkpoint is taken at.
type Progress struct {
	Epoch int
	Step  int64
	Logs  map[string]float64
	Loss  string // Loss function name, stored with full-model checkpoints
}

// Manager writes checkpoints into a single directory it owns exclusively.
// A Manager is not safe for concurrent use; the training loop calls it
// from one goroutine.
type Manager struct {
	opts Options
	tmpl *Template
	lock *dirLock
}

// NewManager validates opts, creates the directory, and locks it. Temporary
// files left by an interrupted save are removed.
func NewManager(opts Options) (*Manager, error) {
	opts, tmpl, err := opts.normalize()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(opts.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create checkpoint directory")
	}
	lock, err := lockDir(opts.Dir)
	if err != nil {
		return nil, err
	}
	m := &Manager{opts: opts, tmpl: tmpl, lock: lock}
	m.removeTempFiles()
	klog.V(1).Infof("Checkpointing to %s as %q every %s", opts.Dir, opts.Template, opts.Frequency)
	return m, nil
}

// Options returns the normalized options.
func (m *Manager) Options() Options { return m.opts }

// Dir returns the checkpoint directory.
func (m *Manager) Dir() string { return m.opts.Dir }

// Template returns the parsed file name template.
func (m *Manager) Template() *Template { return m.tmpl }

// Save writes a checkpoint of model (and opt for full-model checkpoints)
// and records it as the latest one.
//
// If writing fails the previous latest checkpoint stays untouched and no
// partial files are left behind. opt may be nil.
func (m *Manager) Save(model *nn.Sequential, opt optim.Optimizer, p Progress) (_ Record, err error) {
	if m.lock == nil {
		return Record{}, errors.New("checkpoint manager is closed")
	}
	name, err := m.tmpl.Render(p.Epoch, p.Step, p.Logs)
	if err != nil {
		return Record{}, err
	}
	name = filepath.Clean(name)
	if name == "." || name == StateFile || name == LockFile || strings.HasPrefix(name, "..") || filepath.IsAbs(name) {
		return Record{}, errors.Errorf("checkpoint name %q is not a valid file in %s", name, m.opts.Dir)
	}
	path := filepath.Join(m.opts.Dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Record{}, errors.Wrap(err, "failed to create checkpoint subdirectory")
	}

	start := time.Now()
	rec := Record{
		ID:        uuid.NewString(),
		Path:      filepath.ToSlash(name),
		Epoch:     p.Epoch,
		Step:      p.Step,
		Logs:      p.Logs,
		CreatedAt: start.UTC(),
	}
	atomic := !m.opts.DisableAtomic
	rec.Kind = KindFull
	if m.opts.SaveWeightsOnly {
		rec.Kind = KindWeights
	}

	st, err := readState(m.opts.Dir)
	if err != nil {
		return Record{}, err
	}
	if !st.has(rec.Path) && !exists(path, rec.Kind) {
		defer func() {
			if err != nil {
				_ = removeCheckpoint(path, rec.Kind)
			}
		}()
	}

	if rec.Kind == KindWeights {
		index, err := serialization.WriteBundle(path, model.StateDict(), serialization.BundleOptions{
			MaxShardBytes: m.opts.MaxShardBytes,
			Atomic:        atomic,
			Metadata: map[string]string{
				"epoch": strconv.Itoa(p.Epoch),
				"step":  strconv.FormatInt(p.Step, 10),
			},
		})
		if err != nil {
			return Record{}, errors.WithMessagef(err, "failed to write checkpoint %s", path)
		}
		sum, size, err := serialization.FileChecksum(serialization.IndexPath(path))
		if err != nil {
			return Record{}, errors.Wrapf(err, "failed to fingerprint %s", path)
		}
		rec.SHA256, rec.Bytes = sum, size+index.TotalBytes()
	} else {
		meta := persist.Meta{Epoch: p.Epoch, Step: p.Step, Loss: p.Loss, Logs: p.Logs}
		opts := persist.SaveOptions{Atomic: atomic, MaxShardBytes: m.opts.MaxShardBytes}
		if err := persist.SaveModel(path, model, opt, meta, opts); err != nil {
			return Record{}, errors.WithMessagef(err, "failed to write checkpoint %s", path)
		}
		fp, err := persist.Digest(path)
		if err != nil {
			return Record{}, err
		}
		rec.SHA256, rec.Bytes = fp.SHA256, fp.Bytes
	}

	st.put(rec)
	evicted := st.evict(m.opts.MaxToKeep)
	if err := writeState(m.opts.Dir, st); err != nil {
		return Record{}, err
	}
	klog.V(1).Infof("Wrote %s checkpoint %s (%s) in %s", rec.Kind, path,
		humanize.IBytes(uint64(rec.Bytes)), time.Since(start).Round(time.Millisecond))

	m.notify(rec, evicted)
	for _, old := range evicted {
		if err := removeCheckpoint(filepath.Join(m.opts.Dir, old.Path), old.Kind); err != nil {
			klog.Warningf("Failed to remove old checkpoint %s: %v", old.Path, err)
		}
	}
	return resolve(m.opts.Dir, rec), nil
}

// notify forwards a save and its evictions to the ledger.
func (m *Manager) notify(rec Record, evicted []Record) {
	if m.opts.Ledger == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := m.opts.Ledger.Record(ctx, m.opts.Dir, rec); err != nil {
		klog.Warningf("Checkpoint ledger: failed to record %s: %v", rec.Path, err)
	}
	for _, old := range evicted {
		if err := m.opts.Ledger.Forget(ctx, m.opts.Dir, old.Path); err != nil {
			klog.Warningf("Checkpoint ledger: failed to forget %s: %v", old.Path, err)
		}
	}
}

// Latest returns the newest checkpoint in the managed directory.
func (m *Manager) Latest() (Record, error) { return Latest(m.opts.Dir) }

// List returns all checkpoints in the managed directory, oldest first.
func (m *Manager) List() ([]Record, error) { return List(m.opts.Dir) }

// RestoreLatest loads the newest checkpoint's weights into model.
func (m *Manager) RestoreLatest(model *nn.Sequential) (Record, error) {
	rec, err := m.Latest()
	if err != nil {
		return Record{}, err
	}
	return rec, Restore(rec.Path, model)
}

// Close releases the directory lock. Further saves fail.
func (m *Manager) Close() error {
	if m.lock == nil {
		return nil
	}
	err := m.lock.release()
	m.lock = nil
	return err
}

// removeTempFiles deletes in-flight files left by a crashed writer.
func (m *Manager) removeTempFiles() {
	_ = filepath.WalkDir(m.opts.Dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		name := d.Name()
		if !strings.HasPrefix(name, ".") ||
			!(strings.HasSuffix(name, serialization.TempSuffix) || strings.HasSuffix(name, serialization.TempSuffix+".old")) {
			return nil
		}
		klog.V(1).Infof("Removing leftover temporary file %s", path)
		_ = os.RemoveAll(path)
		if d.IsDir() {
			return filepath.SkipDir
		}
		return nil
	})
}

// removeCheckpoint deletes the files of a checkpoint.
// exists reports whether anything occupies the checkpoint location path.
func exists(path string, kind Kind) bool {
	if kind == KindWeights {
		path = serialization.IndexPath(path)
	}
	_, err := os.Lstat(path)
	return err == nil
}

func removeCheckpoint(path string, kind Kind) error {
	if kind == KindWeights {
		return serialization.RemoveBundle(path)
	}
	return os.RemoveAll(path)
}

// Restore loads the weights stored at path into model. path may name a
// weights checkpoint or a full-model save. The model must have been built
// from the same architecture; otherwise nn.ErrStructureMismatch is returned
// and model is unchanged.
func Restore(path string, model *nn.Sequential) error {
	if serialization.BundleExists(path) {
		weights, _, err := serialization.ReadBundle(path)
		if err != nil {
			return errors.WithMessagef(err, "failed to read checkpoint %s", path)
		}
		return errors.WithMessagef(model.LoadStateDict(weights), "failed to restore %s", path)
	}
	if _, err := os.Stat(path); err != nil {
		return errors.Wrapf(ErrNoCheckpoint, "%s", path)
	}
	weights, err := persist.ReadWeights(path)
	if err != nil {
		return err
	}
	return errors.WithMessagef(model.LoadStateDict(weights), "failed to restore %s", path)
}
