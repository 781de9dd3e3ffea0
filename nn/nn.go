// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package nn

import (
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Module is the interface implemented by every layer.
type Module = nn.Module

// Parameter is a named trainable tensor with its gradient.
type Parameter = nn.Parameter

// Sequential is a stack of layers applied in order.
type Sequential = nn.Sequential

// Architecture fully describes a Sequential model's topology.
type Architecture = nn.Architecture

// LayerConfig is the serializable description of a single layer.
type LayerConfig = nn.LayerConfig

// MismatchError lists every difference found by LoadStateDict.
type MismatchError = nn.MismatchError

// SoftmaxCrossEntropy is the sparse categorical cross-entropy loss on logits.
type SoftmaxCrossEntropy = nn.SoftmaxCrossEntropy

// ErrStructureMismatch is matched by errors from LoadStateDict.
var ErrStructureMismatch = nn.ErrStructureMismatch

// Layer types.
const (
	TypeDense   = nn.TypeDense
	TypeReLU    = nn.TypeReLU
	TypeDropout = nn.TypeDropout
)

// Build creates a freshly initialized model for arch. seed drives weight
// initialization and dropout masks.
func Build(arch Architecture, seed int64) (*Sequential, error) {
	return nn.Build(arch, seed)
}

// DenseLayer describes a fully connected layer; activation is "" or "relu".
func DenseLayer(units int, activation string) LayerConfig {
	return nn.DenseLayer(units, activation)
}

// DropoutLayer describes a dropout layer.
func DropoutLayer(rate float64) LayerConfig {
	return nn.DropoutLayer(rate)
}

// ReLULayer describes a standalone ReLU activation.
func ReLULayer() LayerConfig {
	return nn.ReLULayer()
}

// Argmax returns the predicted class of each row of logits.
func Argmax(logits *tensor.RawTensor) []int {
	return nn.Argmax(logits)
}
