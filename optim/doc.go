// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package optim provides the optimizers whose state full-model saves carry.
//
// Both optimizers expose their slots as a state dict: "iterations" (an int64
// scalar) plus per-parameter slots such as "velocity.dense.weight" (SGD with
// momentum) or "m.dense.weight" and "v.dense.weight" (Adam). Restoring a
// state dict into a different optimizer is allowed; entries without a
// matching slot are returned as unresolved instead of failing.
//
//	opt := optim.NewAdam(model.Parameters(), optim.AdamConfig{LR: 0.001})
//	unresolved, err := opt.LoadStateDict(saved)
package optim
