package nn

import (
	"math/rand"

	"github.com/born-ml/savepoint/internal/tensor"
)

// Dropout zeroes a random fraction of activations during training and
// rescales the rest by 1/(1-rate). It is the identity at inference time.
type Dropout struct {
	name string
	rate float64
	rng  *rand.Rand
	mask []float32 // nil when the last Forward was not in training mode
}

// NewDropout creates a dropout layer.
func NewDropout(name string, rate float64, rng *rand.Rand) *Dropout {
	return &Dropout{name: name, rate: rate, rng: rng}
}

// Name returns the layer name.
func (d *Dropout) Name() string { return d.name }

// Forward applies the dropout mask when training.
func (d *Dropout) Forward(input *tensor.RawTensor, training bool) *tensor.RawTensor {
	if !training || d.rate == 0 {
		d.mask = nil
		return input
	}
	out := input.Clone()
	data := out.AsFloat32()
	scale := float32(1.0 / (1.0 - d.rate))
	d.mask = make([]float32, len(data))
	for i := range data {
		if d.rng.Float64() >= d.rate {
			d.mask[i] = scale
		}
		data[i] *= d.mask[i]
	}
	return out
}

// Backward applies the same mask to the gradient.
func (d *Dropout) Backward(gradOutput *tensor.RawTensor) *tensor.RawTensor {
	if d.mask == nil {
		return gradOutput
	}
	grad := gradOutput.Clone()
	g := grad.AsFloat32()
	for i := range g {
		g[i] *= d.mask[i]
	}
	return grad
}

// Parameters returns nil: Dropout has no trainable parameters.
func (d *Dropout) Parameters() []*Parameter { return nil }

// Config returns the layer description.
func (d *Dropout) Config() LayerConfig {
	return LayerConfig{Type: TypeDropout, Name: d.name, Rate: d.rate}
}

// OutputDim returns inputDim unchanged.
func (d *Dropout) OutputDim(inputDim int) int { return inputDim }
