// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package checkpoint_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/savepoint/checkpoint"
	"github.com/born-ml/savepoint/dataset"
	"github.com/born-ml/savepoint/nn"
	"github.com/born-ml/savepoint/optim"
	"github.com/born-ml/savepoint/train"
)

var arch = nn.Architecture{
	Name:     "classifier",
	InputDim: 6,
	Layers: []nn.LayerConfig{
		nn.DenseLayer(32, "relu"),
		nn.DropoutLayer(0.2),
		nn.DenseLayer(3, ""),
	},
}

func build(t *testing.T, seed int64) *nn.Sequential {
	t.Helper()
	model, err := nn.Build(arch, seed)
	require.NoError(t, err)
	return model
}

// TestPeriodicWeightCheckpoints covers saving weights every epoch during
// training and restoring the latest into an untrained model.
func TestPeriodicWeightCheckpoints(t *testing.T) {
	all := dataset.Blobs(400, 6, 3, 7)
	trainSet, testSet := all.Split(0.75)
	dir := filepath.Join(t.TempDir(), "training_1")

	model := build(t, 1)
	trainer := train.New(model, optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.01}))
	mgr, err := checkpoint.NewManager(checkpoint.Options{
		Dir:             dir,
		Template:        "cp-{epoch:04d}.ckpt",
		SaveWeightsOnly: true,
		Frequency:       checkpoint.EveryEpoch(),
	})
	require.NoError(t, err)
	defer mgr.Close()

	_, err = trainer.Fit(context.Background(), trainSet, train.FitConfig{
		Epochs:     5,
		BatchSize:  32,
		Validation: testSet,
		Callbacks:  []train.Callback{checkpoint.NewCallback(mgr)},
	})
	require.NoError(t, err)
	trained := train.Evaluate(model, testSet, 32)

	fresh := build(t, 99)
	untrained := train.Evaluate(fresh, testSet, 32)
	assert.Less(t, untrained.Accuracy, trained.Accuracy)

	latest, err := checkpoint.Latest(dir)
	require.NoError(t, err)
	assert.Equal(t, 5, latest.Epoch)
	assert.Equal(t, filepath.Join(dir, "cp-0005.ckpt"), latest.Path)
	require.NoError(t, checkpoint.Restore(latest.Path, fresh))
	assert.Equal(t, trained, train.Evaluate(fresh, testSet, 32))
}

// TestManualWeights covers saving to a fixed name and restoring it.
func TestManualWeights(t *testing.T) {
	dir := t.TempDir()
	mgr, err := checkpoint.NewManager(checkpoint.Options{Dir: dir, Template: "my_checkpoint", SaveWeightsOnly: true})
	require.NoError(t, err)
	defer mgr.Close()

	model := build(t, 1)
	rec, err := mgr.Save(model, nil, checkpoint.Progress{Epoch: 1})
	require.NoError(t, err)
	rec, err = mgr.Save(model, nil, checkpoint.Progress{Epoch: 2})
	require.NoError(t, err)

	records, err := checkpoint.List(dir)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 2, records[0].Epoch)
	require.NoError(t, checkpoint.Verify(rec))

	fresh := build(t, 2)
	require.NoError(t, checkpoint.Restore(rec.Path, fresh))
	for name, raw := range model.StateDict() {
		assert.True(t, raw.Equal(fresh.StateDict()[name]), name)
	}

	other, err := nn.Build(nn.Architecture{InputDim: 6, Layers: []nn.LayerConfig{nn.DenseLayer(3, "")}}, 1)
	require.NoError(t, err)
	require.ErrorIs(t, checkpoint.Restore(rec.Path, other), checkpoint.ErrStructureMismatch)
}

// TestFullModelFormats covers the single-file and directory formats.
func TestFullModelFormats(t *testing.T) {
	ds := dataset.Blobs(200, 6, 3, 3)
	for name, path := range map[string]string{
		"legacy":    filepath.Join(t.TempDir(), "my_model.born"),
		"directory": filepath.Join(t.TempDir(), "saved_model", "my_model"),
	} {
		t.Run(name, func(t *testing.T) {
			model := build(t, 1)
			opt := optim.NewSGD(model.Parameters(), optim.SGDConfig{LR: 0.05, Momentum: 0.9})
			trainer := train.New(model, opt)
			_, err := trainer.Fit(context.Background(), ds, train.FitConfig{Epochs: 3, BatchSize: 20})
			require.NoError(t, err)
			before := train.Evaluate(model, ds, 50)

			require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
			require.NoError(t, checkpoint.SaveModel(path, model, opt, checkpoint.Meta{Epoch: 3, Step: trainer.Step()}))

			loaded, err := checkpoint.LoadModel(path)
			require.NoError(t, err)
			assert.Empty(t, loaded.Warnings)
			assert.Equal(t, before, train.Evaluate(loaded.Model, ds, 50))
			assert.Equal(t, arch.Layers[0].Units, loaded.Model.Architecture().Layers[0].Units)
			assert.Equal(t, optim.Config{Type: optim.TypeSGD, LR: 0.05, Momentum: 0.9}, loaded.Optimizer.Config())
			assert.Equal(t, trainer.Step(), loaded.Optimizer.Iterations())

			format, err := checkpoint.Detect(path)
			require.NoError(t, err)
			if name == "legacy" {
				assert.Equal(t, checkpoint.FormatLegacy, format)
			} else {
				assert.Equal(t, checkpoint.FormatDirectory, format)
				assert.DirExists(t, filepath.Join(path, "variables"))
				assert.DirExists(t, filepath.Join(path, "assets"))
				assert.FileExists(t, filepath.Join(path, "saved_model.pb"))
			}
		})
	}
}

func TestLoadModelMissing(t *testing.T) {
	_, err := checkpoint.LoadModel(filepath.Join(t.TempDir(), "nope"))
	require.ErrorIs(t, err, checkpoint.ErrUnknownFormat)

	_, err = checkpoint.Latest(t.TempDir())
	require.ErrorIs(t, err, checkpoint.ErrNoCheckpoint)
}
