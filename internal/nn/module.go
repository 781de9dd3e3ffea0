// Package nn implements the small set of neural network modules needed to
// train, checkpoint and restore a dense classifier.
//
// This package provides:
//   - Module interface: forward/backward building block
//   - Parameter: named trainable tensor with gradient buffer
//   - Dense, ReLU, Dropout layers
//   - Sequential: named stack of layers with StateDict/LoadStateDict
//   - Architecture: serializable description used to rebuild a model
//   - SoftmaxCrossEntropy loss
//
// Gradients are computed explicitly by each module's Backward method; there
// is no autodiff tape.
package nn

import (
	"github.com/born-ml/savepoint/internal/tensor"
)

// Module is the base interface for all neural network components.
//
// Forward caches whatever the following Backward call needs, so a module
// handles one forward/backward pair at a time.
type Module interface {
	// Name returns the unique layer name inside its Sequential (e.g. "dense_1").
	Name() string

	// Forward computes the output for a [batch, features] input.
	// training enables train-only behaviour such as dropout.
	Forward(input *tensor.RawTensor, training bool) *tensor.RawTensor

	// Backward receives dL/dOutput, accumulates parameter gradients and
	// returns dL/dInput.
	Backward(gradOutput *tensor.RawTensor) *tensor.RawTensor

	// Parameters returns all trainable parameters of this module.
	// Returns an empty slice for modules without trainable parameters.
	Parameters() []*Parameter

	// Config returns the serializable layer description.
	Config() LayerConfig

	// OutputDim returns the feature dimension produced for the given input dimension.
	OutputDim(inputDim int) int
}
