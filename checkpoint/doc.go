// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package checkpoint saves and restores models during and after training.
//
// # Overview
//
// Four patterns are supported:
//
//  1. Periodic weight checkpoints written by a training callback, named from
//     a template such as "cp-{epoch:04d}.ckpt".
//  2. Manual weight saves and restores (Manager.Save, Restore).
//  3. Full-model saves to a single ".born" file (SaveModel).
//  4. Full-model saves to a directory holding saved_model.pb, variables/
//     and assets/ (SaveModel with any other path).
//
// # Periodic checkpoints
//
//	mgr, err := checkpoint.NewManager(checkpoint.Options{
//	    Dir:             "training_1",
//	    Template:        "cp-{epoch:04d}.ckpt",
//	    SaveWeightsOnly: true,
//	    Frequency:       checkpoint.EverySteps(5 * batchesPerEpoch),
//	    MaxToKeep:       5,
//	})
//	if err != nil {
//	    return err
//	}
//	defer mgr.Close()
//
//	_, err = trainer.Fit(ctx, ds, train.FitConfig{
//	    Epochs:    50,
//	    Callbacks: []train.Callback{checkpoint.NewCallback(mgr)},
//	})
//
// A failed save is logged and counted by the callback; training continues and
// the previous checkpoint stays the latest.
//
// # Restoring
//
//	latest, err := checkpoint.Latest("training_1")
//	fresh, _ := nn.Build(arch, 0)
//	err = checkpoint.Restore(latest.Path, fresh)
//
// Restore fails with an error matching ErrStructureMismatch when the model
// was built from a different architecture, leaving the model unchanged.
//
// # Full models
//
//	err := checkpoint.SaveModel("my_model.born", model, opt, checkpoint.Meta{Epoch: 5})
//	loaded, err := checkpoint.LoadModel("my_model.born")
//
// LoadModel rebuilds the architecture, restores the weights and, when one
// was saved, the optimizer with its state. Optimizer state that does not fit
// is reported in Loaded.Warnings rather than failing the load.
//
// # On-disk layout
//
// Weight checkpoints are bundles: "<name>.index" (JSON) plus
// "<name>.data-00000-of-0000N" SafeTensors shards. Every directory keeps a
// "checkpoint" state file naming the latest checkpoint and listing all
// kept ones. Writes go through temporary files and renames, and a lock file
// keeps two managers from writing into the same directory.
package checkpoint
