package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/savepoint/internal/catalog"
	"github.com/born-ml/savepoint/internal/checkpoint"
	"github.com/born-ml/savepoint/internal/config"
	"github.com/born-ml/savepoint/internal/persist"
	"github.com/born-ml/savepoint/internal/serialization"
)

func smallConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Defaults()
	cfg.Data.TrainSamples, cfg.Data.TestSamples = 160, 40
	cfg.Train.Epochs = 3
	cfg.Checkpoint.Dir = filepath.Join(dir, "ckpts")
	cfg.Catalog.Path = filepath.Join(dir, "catalog.db")
	cfg.Train.FinalModel = filepath.Join(dir, "final.born")
	require.NoError(t, cfg.Validate())
	return cfg
}

func TestTrainRun(t *testing.T) {
	cfg := smallConfig(t)
	var out bytes.Buffer
	summary, err := trainRun(context.Background(), cfg, &out, true)
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Saved)
	assert.Zero(t, summary.Failures)
	assert.Equal(t, []int{1, 2, 3}, summary.History.Epochs)
	require.NotNil(t, summary.Latest)
	assert.Equal(t, 3, summary.Latest.Epoch)
	assert.Contains(t, out.String(), "Epoch 1/3")

	loaded, err := persist.LoadModel(cfg.Train.FinalModel)
	require.NoError(t, err)
	assert.Equal(t, 3, loaded.Meta.Epoch)
	assert.Equal(t, summary.Step, loaded.Meta.Step)
	_, testSet, err := cfg.Data.LoadData()
	require.NoError(t, err)
	res, err := evaluate(loaded, testSet, 32)
	require.NoError(t, err)
	assert.Equal(t, *summary.Test, res)

	store, err := catalog.Open(cfg.Catalog.Path)
	require.NoError(t, err)
	defer store.Close()
	entries, err := store.List(context.Background(), cfg.Checkpoint.Dir)
	require.NoError(t, err)
	assert.Len(t, entries, 3)

	var printed bytes.Buffer
	summary.print(&printed)
	assert.Contains(t, printed.String(), "checkpoints: 3 written, 0 failed")
}

func TestTrainRunResume(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Checkpoint.SaveWeightsOnly = false
	cfg.Checkpoint.Template = "model-{epoch:02d}"
	cfg.Train.Epochs = 2
	first, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)

	cfg.Train.Epochs = 4
	cfg.Checkpoint.Resume = true
	second, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)

	assert.Equal(t, 2, second.ResumedFrom)
	assert.Equal(t, []int{3, 4}, second.History.Epochs)
	assert.Equal(t, 2*first.Step, second.Step)
	assert.Equal(t, 4, second.Latest.Epoch)

	// Already complete: nothing left to train.
	third, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)
	assert.Equal(t, 4, third.ResumedFrom)
	assert.Empty(t, third.History.Epochs)
	assert.Zero(t, third.Saved)
}

func TestTrainRunResumeFromWeights(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Catalog.Path = ""
	cfg.Train.FinalModel = ""
	cfg.Checkpoint.Resume = true
	first, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)
	assert.Zero(t, first.ResumedFrom)

	cfg.Train.Epochs = 5
	second, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)
	assert.Equal(t, 3, second.ResumedFrom)
	assert.Equal(t, []int{4, 5}, second.History.Epochs)

	// The step count continues although the optimizer starts fresh.
	perEpoch := first.Step / 3
	assert.Equal(t, first.Step+2*perEpoch, second.Step)
	require.NotNil(t, second.Latest)
	assert.Equal(t, second.Step, second.Latest.Step)
	records, err := checkpoint.List(cfg.Checkpoint.Dir)
	require.NoError(t, err)
	require.Len(t, records, 5)
	for i := 1; i < len(records); i++ {
		assert.Greater(t, records[i].Step, records[i-1].Step)
	}
}

func TestTrainRunLockedDirectory(t *testing.T) {
	cfg := smallConfig(t)
	mgr, err := checkpoint.NewManager(checkpoint.Options{Dir: cfg.Checkpoint.Dir, Template: "x"})
	require.NoError(t, err)
	defer mgr.Close()

	_, err = trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.ErrorIs(t, err, checkpoint.ErrDirectoryLocked)
}

func TestTables(t *testing.T) {
	dir := t.TempDir()
	records := []checkpoint.Record{
		{Path: filepath.Join(dir, "cp-0001.ckpt"), Kind: checkpoint.KindWeights, Epoch: 1, Step: 10, Bytes: 2048,
			CreatedAt: time.Now().Add(-time.Hour), Logs: map[string]float64{"loss": 0.5}},
		{Path: filepath.Join(dir, "cp-0002.ckpt"), Kind: checkpoint.KindWeights, Epoch: 2, Step: 20, Bytes: 2048,
			CreatedAt: time.Now()},
	}
	out := recordsTable(dir, records)
	assert.Contains(t, out, "CHECKPOINT")
	assert.Contains(t, out, "cp-0001.ckpt")
	assert.Contains(t, out, "cp-0002.ckpt *")
	assert.Contains(t, out, "2.0 KiB")
	assert.Contains(t, out, "loss: 0.5000")

	report, failed := verifyTable(dir, []checkpoint.VerifyResult{
		{Record: records[0]},
		{Record: records[1], Err: assert.AnError},
	})
	assert.Equal(t, 1, failed)
	assert.Contains(t, report, "FAILED")
}

func TestDescribe(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Catalog.Path = ""
	cfg.Train.Epochs = 1
	summary, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)

	out, err := describe(summary.Latest.Path, serialization.ReaderOptions{})
	require.NoError(t, err)
	assert.Contains(t, out, "weights checkpoint")
	assert.Contains(t, out, "dense.weight")

	out, err = describe(cfg.Train.FinalModel, serialization.ReaderOptions{})
	require.NoError(t, err)
	assert.Contains(t, out, ".born v2")
	assert.Contains(t, out, "dense_1.bias")

	dir := filepath.Join(t.TempDir(), "saved")
	loaded, err := persist.LoadModel(cfg.Train.FinalModel)
	require.NoError(t, err)
	require.NoError(t, persist.SaveModel(dir, loaded.Model, loaded.Optimizer, loaded.Meta, persist.SaveOptions{Atomic: true}))
	out, err = describe(dir, serialization.ReaderOptions{})
	require.NoError(t, err)
	assert.Contains(t, out, "saved model directory")

	_, err = describe(filepath.Join(t.TempDir(), "nothing"), serialization.ReaderOptions{})
	require.ErrorIs(t, err, persist.ErrUnknownFormat)
}

func TestDescribeCorruptBornFile(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Catalog.Path = ""
	cfg.Train.Epochs = 1
	_, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)

	data, err := os.ReadFile(cfg.Train.FinalModel)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xff
	require.NoError(t, os.WriteFile(cfg.Train.FinalModel, data, 0o644))

	_, err = describe(cfg.Train.FinalModel, serialization.ReaderOptions{})
	require.ErrorIs(t, err, serialization.ErrChecksumMismatch)

	out, err := describe(cfg.Train.FinalModel, serialization.ReaderOptions{
		SkipChecksumValidation: true,
		ValidationLevel:        serialization.ValidationNone,
	})
	require.NoError(t, err)
	assert.Contains(t, out, "dense_1.bias")
}

func TestEvaluateRejectsWrongData(t *testing.T) {
	cfg := smallConfig(t)
	cfg.Train.Epochs = 1
	_, err := trainRun(context.Background(), cfg, &bytes.Buffer{}, false)
	require.NoError(t, err)
	loaded, err := persist.LoadModel(cfg.Train.FinalModel)
	require.NoError(t, err)

	cfg.Data.Features = 3
	trainSet, _, err := cfg.Data.LoadData()
	require.NoError(t, err)
	_, err = evaluate(loaded, trainSet, 16)
	require.Error(t, err)
}
