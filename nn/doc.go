// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package nn provides the sequential classifiers that savepoint trains and
// checkpoints.
//
// # Overview
//
// Models are described by an Architecture (a list of dense, relu and dropout
// layers) and built with Build. Layers get Keras-style names ("dense",
// "dropout", "dense_1") that become the keys of the model's state dict:
//
//	dense.weight   [in, units] float32
//	dense.bias     [units]     float32
//	dense_1.weight ...
//
// # Basic Usage
//
//	arch := nn.Architecture{
//	    InputDim: 784,
//	    Layers: []nn.LayerConfig{
//	        nn.DenseLayer(512, "relu"),
//	        nn.DropoutLayer(0.2),
//	        nn.DenseLayer(10, ""),
//	    },
//	}
//	model, err := nn.Build(arch, 42)
//	fmt.Println(model.Summary())
//
// # State dicts
//
// StateDict returns the parameters by name. LoadStateDict checks every name,
// shape and dtype before copying anything, so a failed load leaves the model
// untouched and returns an error matching ErrStructureMismatch.
package nn
