// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint

import (
	"context"

	"github.com/born-ml/savepoint/internal/checkpoint"
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/persist"
	"github.com/born-ml/savepoint/internal/serialization"
)

// Periodic checkpoints

// Manager writes checkpoints into a directory it owns exclusively.
type Manager = checkpoint.Manager

// Options configures a Manager.
type Options = checkpoint.Options

// Frequency says when the training callback saves.
type Frequency = checkpoint.Frequency

// Mode says whether a monitored metric improves by going down or up.
type Mode = checkpoint.Mode

// Kind distinguishes weight checkpoints from full-model checkpoints.
type Kind = checkpoint.Kind

// Record describes one written checkpoint.
type Record = checkpoint.Record

// Progress identifies the point in training a manual save is taken at.
type Progress = checkpoint.Progress

// Callback saves checkpoints from the training loop.
type Callback = checkpoint.Callback

// Ledger receives a copy of every checkpoint record.
type Ledger = checkpoint.Ledger

// Template is a parsed checkpoint file name pattern.
type Template = checkpoint.Template

// VerifyResult pairs a record with the outcome of verifying it.
type VerifyResult = checkpoint.VerifyResult

// Monitoring modes.
const (
	ModeAuto = checkpoint.ModeAuto
	ModeMin  = checkpoint.ModeMin
	ModeMax  = checkpoint.ModeMax
)

// Checkpoint kinds.
const (
	KindWeights = checkpoint.KindWeights
	KindFull    = checkpoint.KindFull
)

// Errors.
var (
	// ErrNoCheckpoint is returned when a directory holds no checkpoint.
	ErrNoCheckpoint = checkpoint.ErrNoCheckpoint
	// ErrDirectoryLocked is returned when another Manager owns the directory.
	ErrDirectoryLocked = checkpoint.ErrDirectoryLocked
	// ErrStructureMismatch is returned when saved weights do not fit the model.
	ErrStructureMismatch = nn.ErrStructureMismatch
	// ErrChecksumMismatch is returned when stored data fails its checksum.
	ErrChecksumMismatch = serialization.ErrChecksumMismatch
	// ErrUnknownFormat is returned for paths holding no saved model.
	ErrUnknownFormat = persist.ErrUnknownFormat
)

// NewManager validates opts, creates and locks the directory.
func NewManager(opts Options) (*Manager, error) {
	return checkpoint.NewManager(opts)
}

// NewCallback returns a training callback writing through mgr.
func NewCallback(mgr *Manager) *Callback {
	return checkpoint.NewCallback(mgr)
}

// EveryEpoch saves at the end of every epoch.
func EveryEpoch() Frequency { return checkpoint.EveryEpoch() }

// EverySteps saves after every n batches.
func EverySteps(n int) Frequency { return checkpoint.EverySteps(n) }

// ParseTemplate parses a file name pattern such as "cp-{epoch:04d}.ckpt".
func ParseTemplate(s string) (*Template, error) { return checkpoint.ParseTemplate(s) }

// Latest returns the most recently written checkpoint in dir.
func Latest(dir string) (Record, error) { return checkpoint.Latest(dir) }

// List returns every checkpoint kept in dir, oldest first.
func List(dir string) ([]Record, error) { return checkpoint.List(dir) }

// Restore loads the weights stored at path (a weights checkpoint or a
// full-model save) into model.
func Restore(path string, model *nn.Sequential) error {
	return checkpoint.Restore(path, model)
}

// Verify checks rec against the fingerprint recorded at save time.
func Verify(rec Record) error { return checkpoint.Verify(rec) }

// VerifyAll verifies every checkpoint in dir with up to workers goroutines.
func VerifyAll(ctx context.Context, dir string, workers int) ([]VerifyResult, error) {
	return checkpoint.VerifyAll(ctx, dir, workers)
}

// Unlock removes a lock left behind by a crashed writer.
func Unlock(dir string) error { return checkpoint.Unlock(dir) }

// Full models

// Meta is the training context stored with a full model.
type Meta = persist.Meta

// Loaded is the result of LoadModel.
type Loaded = persist.Loaded

// Format identifies a full-model layout.
type Format = persist.Format

// Full-model formats.
const (
	FormatDirectory = persist.FormatDirectory
	FormatLegacy    = persist.FormatLegacy
)

// SaveModel writes the architecture, weights, optimizer (may be nil) and meta
// to path: a single file when path ends in ".born", a directory otherwise.
// The write is atomic.
func SaveModel(path string, model *nn.Sequential, opt optim.Optimizer, meta Meta) error {
	return persist.SaveModel(path, model, opt, meta, persist.SaveOptions{Atomic: true})
}

// LoadModel restores a model saved by SaveModel.
func LoadModel(path string) (*Loaded, error) {
	return persist.LoadModel(path)
}

// Detect reports which format is stored at path.
func Detect(path string) (Format, error) {
	return persist.Detect(path)
}
