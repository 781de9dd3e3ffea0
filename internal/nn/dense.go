package nn

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/savepoint/internal/parallel"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Dense implements a fully connected layer with an optional fused ReLU.
//
// Performs the transformation: y = act(x @ W.T + b)
// where:
//   - x is the input tensor with shape [batch_size, in_features]
//   - W is the weight matrix with shape [out_features, in_features]
//   - b is the bias vector with shape [out_features]
//   - y is the output tensor with shape [batch_size, out_features]
//
// Weights are initialized using Xavier/Glorot initialization.
// Biases are initialized to zeros.
type Dense struct {
	name        string
	inFeatures  int
	outFeatures int
	relu        bool
	weight      *Parameter // [out_features, in_features]
	bias        *Parameter // [out_features]

	// Cached by Forward for Backward.
	input  *tensor.RawTensor
	output *tensor.RawTensor
}

// NewDense creates a new Dense layer named name.
func NewDense(name string, inFeatures, outFeatures int, relu bool, rng *rand.Rand) *Dense {
	weightShape := tensor.Shape{outFeatures, inFeatures}
	return &Dense{
		name:        name,
		inFeatures:  inFeatures,
		outFeatures: outFeatures,
		relu:        relu,
		weight:      NewParameter(name+".weight", Xavier(inFeatures, outFeatures, weightShape, rng)),
		bias:        NewParameter(name+".bias", tensor.Zeros(tensor.Shape{outFeatures})),
	}
}

// Name returns the layer name.
func (d *Dense) Name() string { return d.name }

// Forward computes the output of the dense layer.
func (d *Dense) Forward(input *tensor.RawTensor, _ bool) *tensor.RawTensor {
	inputShape := input.Shape()
	if len(inputShape) != 2 {
		panic(fmt.Sprintf("Dense.Forward(%s): expected 2D input [batch, features], got shape %v", d.name, inputShape))
	}
	if inputShape[1] != d.inFeatures {
		panic(fmt.Sprintf("Dense.Forward(%s): expected input with %d features, got %d", d.name, d.inFeatures, inputShape[1]))
	}

	batch := inputShape[0]
	x := input.AsFloat32()
	w := d.weight.Tensor().AsFloat32()
	b := d.bias.Tensor().AsFloat32()

	out := tensor.Zeros(tensor.Shape{batch, d.outFeatures})
	y := out.AsFloat32()
	parallel.Range(batch, d.inFeatures*d.outFeatures, func(lo, hi int) {
		for n := lo; n < hi; n++ {
			xRow := x[n*d.inFeatures : (n+1)*d.inFeatures]
			yRow := y[n*d.outFeatures : (n+1)*d.outFeatures]
			for o := 0; o < d.outFeatures; o++ {
				wRow := w[o*d.inFeatures : (o+1)*d.inFeatures]
				sum := b[o]
				for i, xv := range xRow {
					sum += xv * wRow[i]
				}
				if d.relu && sum < 0 {
					sum = 0
				}
				yRow[o] = sum
			}
		}
	})

	d.input = input
	d.output = out
	return out
}

// Backward accumulates dW, db and returns dX.
func (d *Dense) Backward(gradOutput *tensor.RawTensor) *tensor.RawTensor {
	if d.input == nil {
		panic(fmt.Sprintf("Dense.Backward(%s): called before Forward", d.name))
	}
	batch := d.input.Shape()[0]
	x := d.input.AsFloat32()
	y := d.output.AsFloat32()
	w := d.weight.Tensor().AsFloat32()
	dW := d.weight.Grad().AsFloat32()
	db := d.bias.Grad().AsFloat32()
	dY := gradOutput.AsFloat32()

	gradInput := tensor.Zeros(tensor.Shape{batch, d.inFeatures})
	dX := gradInput.AsFloat32()

	// active reports whether output o of sample n passes gradient.
	active := func(n, o int) bool {
		return !d.relu || y[n*d.outFeatures+o] > 0
	}
	work := batch * d.inFeatures

	// Weight and bias gradients: each output unit owns its row of dW.
	parallel.Range(d.outFeatures, work, func(lo, hi int) {
		for o := lo; o < hi; o++ {
			dwRow := dW[o*d.inFeatures : (o+1)*d.inFeatures]
			for n := 0; n < batch; n++ {
				g := dY[n*d.outFeatures+o]
				if g == 0 || !active(n, o) {
					continue
				}
				db[o] += g
				xRow := x[n*d.inFeatures : (n+1)*d.inFeatures]
				for i, xv := range xRow {
					dwRow[i] += g * xv
				}
			}
		}
	})

	// Input gradients: each sample owns its row of dX.
	parallel.Range(batch, d.inFeatures*d.outFeatures, func(lo, hi int) {
		for n := lo; n < hi; n++ {
			dxRow := dX[n*d.inFeatures : (n+1)*d.inFeatures]
			for o := 0; o < d.outFeatures; o++ {
				g := dY[n*d.outFeatures+o]
				if g == 0 || !active(n, o) {
					continue
				}
				wRow := w[o*d.inFeatures : (o+1)*d.inFeatures]
				for i, wv := range wRow {
					dxRow[i] += g * wv
				}
			}
		}
	})
	return gradInput
}

// Parameters returns [weight, bias].
func (d *Dense) Parameters() []*Parameter {
	return []*Parameter{d.weight, d.bias}
}

// Weight returns the weight parameter.
func (d *Dense) Weight() *Parameter { return d.weight }

// Bias returns the bias parameter.
func (d *Dense) Bias() *Parameter { return d.bias }

// Config returns the layer description.
func (d *Dense) Config() LayerConfig {
	cfg := LayerConfig{Type: TypeDense, Name: d.name, Units: d.outFeatures}
	if d.relu {
		cfg.Activation = TypeReLU
	}
	return cfg
}

// OutputDim returns out_features.
func (d *Dense) OutputDim(int) int { return d.outFeatures }
