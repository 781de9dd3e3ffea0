// Package checkpoint writes and restores training checkpoints.
//
// A Manager owns one checkpoint directory. Every save renders the file name
// template, writes the model state (a weights bundle or a full model) through
// a temporary file and rename, and then records the result in the directory's
// "checkpoint" state file, which always names the most recent checkpoint.
// Callback plugs a Manager into the training loop.
//
//	mgr, err := checkpoint.NewManager(checkpoint.Options{
//	    Dir:             "training_1",
//	    Template:        "cp-{epoch:04d}.ckpt",
//	    SaveWeightsOnly: true,
//	    Frequency:       checkpoint.EveryEpoch(),
//	})
//	defer mgr.Close()
//	trainer.Fit(ctx, ds, train.FitConfig{Epochs: 50, Callbacks: []train.Callback{checkpoint.NewCallback(mgr)}})
//
//	latest, err := checkpoint.Latest("training_1")
//	err = checkpoint.Restore(latest.Path, freshModel)
package checkpoint

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/pkg/errors"
)

// Frequency says when Callback saves.
type Frequency struct {
	steps int // 0 = every epoch
}

// EveryEpoch saves at the end of every epoch.
func EveryEpoch() Frequency { return Frequency{} }

// EverySteps saves after every n completed batches, counted across epochs.
func EverySteps(n int) Frequency { return Frequency{steps: n} }

// Steps returns the batch interval, or 0 for epoch frequency.
func (f Frequency) Steps() int { return f.steps }

// String implements fmt.Stringer.
func (f Frequency) String() string {
	if f.steps == 0 {
		return "epoch"
	}
	return fmt.Sprintf("%d steps", f.steps)
}

// Mode says whether a monitored metric improves by going down or up.
type Mode string

// Monitoring modes.
const (
	ModeAuto Mode = "auto" // max for names containing "acc", min otherwise
	ModeMin  Mode = "min"
	ModeMax  Mode = "max"
)

// Kind distinguishes what a checkpoint holds.
type Kind string

// Checkpoint kinds.
const (
	KindWeights Kind = "weights" // Model weights bundle
	KindFull    Kind = "full"    // Architecture, weights and optimizer state
)

// Ledger receives a copy of every checkpoint record, e.g. a database.
// Ledger errors are logged and never fail a save.
type Ledger interface {
	Record(ctx context.Context, dir string, rec Record) error
	Forget(ctx context.Context, dir, path string) error
}

// Options configures a Manager.
type Options struct {
	// Dir is the checkpoint directory. When empty it is taken from the
	// directory part of Template.
	Dir string

	// Template names checkpoint files relative to Dir, e.g.
	// "cp-{epoch:04d}.ckpt". A template without placeholders is a fixed
	// name that each save overwrites.
	Template string

	// SaveWeightsOnly writes only the model weights. Otherwise each
	// checkpoint is a full model, in the single-file format when the
	// rendered name ends in ".born" and the directory format otherwise.
	SaveWeightsOnly bool

	Frequency Frequency

	// MaxToKeep bounds the number of checkpoints kept in Dir; the oldest are
	// deleted first. 0 keeps everything.
	MaxToKeep int

	// Monitor names a log key (e.g. "val_loss"). With SaveBestOnly, the
	// callback saves only when the metric improves.
	Monitor      string
	Mode         Mode
	SaveBestOnly bool

	// DisableAtomic writes files in place instead of temp + rename.
	DisableAtomic bool

	// MaxShardBytes splits weights into shards of about this size (0 = one shard).
	MaxShardBytes int64

	// Ledger, when set, is told about every save and eviction.
	Ledger Ledger
}

// normalize validates o and fills in derived fields.
func (o Options) normalize() (Options, *Template, error) {
	if o.Template == "" {
		return o, nil, errors.New("checkpoint template is required")
	}
	if o.Dir == "" {
		o.Dir, o.Template = filepath.Split(o.Template)
		if o.Dir == "" {
			o.Dir = "."
		}
	}
	if filepath.IsAbs(o.Template) {
		return o, nil, errors.Errorf("template %q must be relative to the checkpoint directory", o.Template)
	}
	tmpl, err := ParseTemplate(o.Template)
	if err != nil {
		return o, nil, err
	}
	if o.Frequency.steps < 0 {
		return o, nil, errors.Errorf("invalid save frequency %d", o.Frequency.steps)
	}
	if o.MaxToKeep < 0 {
		return o, nil, errors.Errorf("max_to_keep must be >= 0, got %d", o.MaxToKeep)
	}
	if o.SaveBestOnly && o.Monitor == "" {
		return o, nil, errors.New("save_best_only requires a monitored metric")
	}
	switch o.Mode {
	case "":
		o.Mode = ModeAuto
	case ModeAuto, ModeMin, ModeMax:
	default:
		return o, nil, errors.Errorf("unknown monitor mode %q", o.Mode)
	}
	return o, tmpl, nil
}
