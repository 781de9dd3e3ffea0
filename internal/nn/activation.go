package nn

import (
	"github.com/born-ml/savepoint/internal/tensor"
)

// ReLU is a Rectified Linear Unit activation module: f(x) = max(0, x).
type ReLU struct {
	name   string
	output *tensor.RawTensor
}

// NewReLU creates a new ReLU activation module.
func NewReLU(name string) *ReLU {
	return &ReLU{name: name}
}

// Name returns the layer name.
func (r *ReLU) Name() string { return r.name }

// Forward applies ReLU element-wise.
func (r *ReLU) Forward(input *tensor.RawTensor, _ bool) *tensor.RawTensor {
	out := input.Clone()
	data := out.AsFloat32()
	for i, v := range data {
		if v < 0 {
			data[i] = 0
		}
	}
	r.output = out
	return out
}

// Backward masks the gradient where the activation was clipped.
func (r *ReLU) Backward(gradOutput *tensor.RawTensor) *tensor.RawTensor {
	grad := gradOutput.Clone()
	g := grad.AsFloat32()
	y := r.output.AsFloat32()
	for i := range g {
		if y[i] <= 0 {
			g[i] = 0
		}
	}
	return grad
}

// Parameters returns nil: ReLU has no trainable parameters.
func (r *ReLU) Parameters() []*Parameter { return nil }

// Config returns the layer description.
func (r *ReLU) Config() LayerConfig { return LayerConfig{Type: TypeReLU, Name: r.name} }

// OutputDim returns inputDim unchanged.
func (r *ReLU) OutputDim(inputDim int) int { return inputDim }
