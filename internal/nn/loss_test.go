package nn

import (
	"math"
	"math/rand"
	"testing"

	"github.com/born-ml/savepoint/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSoftmaxCrossEntropy_UniformLogits(t *testing.T) {
	logits := tensor.Zeros(tensor.Shape{2, 10})
	loss, grad := SoftmaxCrossEntropy{}.Forward(logits, []int{3, 7})

	assert.InDelta(t, math.Log(10), loss, 1e-6)
	g := grad.AsFloat32()
	assert.InDelta(t, (0.1-1)/2, g[3], 1e-6)
	assert.InDelta(t, 0.1/2, g[0], 1e-6)
}

func TestSoftmaxCrossEntropy_LargeLogitsStable(t *testing.T) {
	logits, err := tensor.FromFloat32([]float32{1000, 0, -1000}, tensor.Shape{1, 3})
	require.NoError(t, err)
	loss, _ := SoftmaxCrossEntropy{}.Forward(logits, []int{0})
	assert.False(t, math.IsNaN(loss))
	assert.InDelta(t, 0, loss, 1e-6)
}

func TestArgmaxAndCountCorrect(t *testing.T) {
	logits, err := tensor.FromFloat32([]float32{0.1, 0.9, 0.5, 0.2, 0.3, 0.1}, tensor.Shape{2, 3})
	require.NoError(t, err)
	assert.Equal(t, []int{1, 0}, Argmax(logits))
	assert.Equal(t, 1, CountCorrect(logits, []int{1, 2}))
}

// TestDense_GradientCheck compares analytic gradients with central differences.
func TestDense_GradientCheck(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	model, err := Build(Architecture{InputDim: 3, Layers: []LayerConfig{
		DenseLayer(4, "relu"),
		DenseLayer(2, ""),
	}}, 7)
	require.NoError(t, err)

	x := tensor.Uniform(tensor.Shape{2, 3}, 1, rng)
	targets := []int{0, 1}
	lossAt := func() float64 {
		loss, _ := SoftmaxCrossEntropy{}.Forward(model.Forward(x, false), targets)
		return loss
	}

	model.ZeroGrad()
	_, grad := SoftmaxCrossEntropy{}.Forward(model.Forward(x, true), targets)
	model.Backward(grad)

	const eps = 1e-3
	for _, p := range model.Parameters() {
		values := p.Tensor().AsFloat32()
		analytic := p.Grad().AsFloat32()
		for i := range values {
			orig := values[i]
			values[i] = orig + eps
			plus := lossAt()
			values[i] = orig - eps
			minus := lossAt()
			values[i] = orig
			numeric := (plus - minus) / (2 * eps)
			assert.InDelta(t, numeric, analytic[i], 2e-2, "%s[%d]", p.Name(), i)
		}
	}
}
