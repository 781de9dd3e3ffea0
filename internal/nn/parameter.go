package nn

import (
	"github.com/born-ml/savepoint/internal/tensor"
)

// Parameter represents a trainable parameter in a neural network.
//
// The name is fully qualified ("dense.weight") and doubles as the key in
// state dicts, checkpoint bundles and optimizer slot names.
type Parameter struct {
	name  string
	value *tensor.RawTensor
	grad  *tensor.RawTensor
}

// NewParameter creates a new trainable parameter with a zeroed gradient buffer.
func NewParameter(name string, value *tensor.RawTensor) *Parameter {
	return &Parameter{
		name:  name,
		value: value,
		grad:  tensor.Zeros(value.Shape()),
	}
}

// Name returns the parameter name.
func (p *Parameter) Name() string {
	return p.name
}

// Tensor returns the parameter tensor.
func (p *Parameter) Tensor() *tensor.RawTensor {
	return p.value
}

// Grad returns the accumulated gradient.
func (p *Parameter) Grad() *tensor.RawTensor {
	return p.grad
}

// ZeroGrad clears the gradient tensor.
//
// This should be called before each training iteration to avoid
// accumulating gradients from previous iterations.
func (p *Parameter) ZeroGrad() {
	p.grad.Zero()
}
