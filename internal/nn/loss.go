package nn

import (
	"fmt"
	"math"

	"github.com/born-ml/savepoint/internal/tensor"
)

// SoftmaxCrossEntropy is sparse categorical cross-entropy on raw logits.
//
// Uses the log-sum-exp trick for numerical stability.
//
//	Loss = mean_n( logsumexp(logits_n) - logits_n[target_n] )
//	dL/dlogits = (softmax(logits) - one_hot(target)) / batch
type SoftmaxCrossEntropy struct{}

// Name identifies the loss in saved model metadata.
func (SoftmaxCrossEntropy) Name() string { return "sparse_categorical_crossentropy" }

// Forward returns the mean loss over the batch and the gradient w.r.t. logits.
func (SoftmaxCrossEntropy) Forward(logits *tensor.RawTensor, targets []int) (float64, *tensor.RawTensor) {
	shape := logits.Shape()
	if len(shape) != 2 {
		panic(fmt.Sprintf("SoftmaxCrossEntropy: logits must be 2D [batch_size, num_classes], got %v", shape))
	}
	batch, classes := shape[0], shape[1]
	if len(targets) != batch {
		panic(fmt.Sprintf("SoftmaxCrossEntropy: %d targets for batch of %d", len(targets), batch))
	}

	z := logits.AsFloat32()
	grad := tensor.Zeros(shape)
	g := grad.AsFloat32()
	var total float64

	for n := 0; n < batch; n++ {
		row := z[n*classes : (n+1)*classes]
		maxV := row[0]
		for _, v := range row[1:] {
			if v > maxV {
				maxV = v
			}
		}
		var sum float64
		for _, v := range row {
			sum += math.Exp(float64(v - maxV))
		}
		logSumExp := float64(maxV) + math.Log(sum)
		target := targets[n]
		if target < 0 || target >= classes {
			panic(fmt.Sprintf("SoftmaxCrossEntropy: target %d out of range [0, %d)", target, classes))
		}
		total += logSumExp - float64(row[target])

		gRow := g[n*classes : (n+1)*classes]
		for c, v := range row {
			p := math.Exp(float64(v) - logSumExp)
			if c == target {
				p--
			}
			gRow[c] = float32(p / float64(batch))
		}
	}
	return total / float64(batch), grad
}

// Argmax returns the index of the largest logit per row.
func Argmax(logits *tensor.RawTensor) []int {
	shape := logits.Shape()
	batch, classes := shape[0], shape[1]
	z := logits.AsFloat32()
	out := make([]int, batch)
	for n := 0; n < batch; n++ {
		row := z[n*classes : (n+1)*classes]
		best := 0
		for c := 1; c < classes; c++ {
			if row[c] > row[best] {
				best = c
			}
		}
		out[n] = best
	}
	return out
}

// CountCorrect returns how many argmax predictions equal their targets.
func CountCorrect(logits *tensor.RawTensor, targets []int) int {
	correct := 0
	for i, p := range Argmax(logits) {
		if p == targets[i] {
			correct++
		}
	}
	return correct
}
