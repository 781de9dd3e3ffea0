// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package train runs the training loop that checkpoints hook into.
//
//	trainer := train.New(model, opt)
//	history, err := trainer.Fit(ctx, ds, train.FitConfig{
//	    Epochs:     10,
//	    BatchSize:  32,
//	    Validation: testSet,
//	    Callbacks:  []train.Callback{checkpoint.NewCallback(mgr)},
//	})
package train

import (
	"io"

	"github.com/born-ml/savepoint/internal/dataset"
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/optim"
	"github.com/born-ml/savepoint/internal/train"
)

// Trainer owns the training loop for a model and optimizer pair.
type Trainer = train.Trainer

// FitConfig configures Trainer.Fit.
type FitConfig = train.FitConfig

// History is the per-epoch record returned by Fit.
type History = train.History

// Result is the outcome of an evaluation pass.
type Result = train.Result

// Callback receives training events.
type Callback = train.Callback

// BaseCallback implements Callback with no-ops, for embedding.
type BaseCallback = train.BaseCallback

// State is what callbacks see of the training loop.
type State = train.State

// Logs maps metric names to values.
type Logs = train.Logs

// LogCallback reports epoch metrics through klog.
type LogCallback = train.LogCallback

// New creates a trainer. Its step counter starts at opt.Iterations(), so a
// restored optimizer continues counting.
func New(model *nn.Sequential, opt optim.Optimizer) *Trainer {
	return train.New(model, opt)
}

// NewProgressCallback draws a progress bar to w for epochs of numBatches.
func NewProgressCallback(w io.Writer, numBatches int) Callback {
	return train.NewProgressCallback(w, numBatches)
}

// Evaluate computes loss and accuracy of model on ds in inference mode.
func Evaluate(model *nn.Sequential, ds *dataset.Dataset, batchSize int) Result {
	return train.Evaluate(model, ds, batchSize)
}
