// Package dataset provides in-memory classification datasets and batching.
//
// Samples are stored as a flat row-major float32 matrix so that a batch can
// be handed to a model as a single [batch, features] tensor without copying
// per sample.
package dataset

import (
	"fmt"
	"math/rand"

	"github.com/born-ml/savepoint/internal/tensor"
)

// Dataset holds features and integer class labels.
type Dataset struct {
	x       []float32 // [n, dim] row-major
	y       []int
	dim     int
	classes int
}

// Batch is one mini-batch ready for a forward pass.
type Batch struct {
	X *tensor.RawTensor // [size, dim]
	Y []int
}

// New creates a dataset from a flat feature matrix. Labels must be in
// [0, classes).
func New(x []float32, y []int, dim, classes int) (*Dataset, error) {
	if dim <= 0 {
		return nil, fmt.Errorf("feature dimension must be > 0, got %d", dim)
	}
	if len(x) != len(y)*dim {
		return nil, fmt.Errorf("%d features do not match %d samples of dim %d", len(x), len(y), dim)
	}
	for i, label := range y {
		if label < 0 || label >= classes {
			return nil, fmt.Errorf("sample %d: label %d out of range [0, %d)", i, label, classes)
		}
	}
	return &Dataset{x: x, y: y, dim: dim, classes: classes}, nil
}

// Len returns the number of samples.
func (d *Dataset) Len() int { return len(d.y) }

// Dim returns the number of features per sample.
func (d *Dataset) Dim() int { return d.dim }

// NumClasses returns the number of label classes.
func (d *Dataset) NumClasses() int { return d.classes }

// Sample returns the features and label of sample i. The slice aliases the
// dataset storage.
func (d *Dataset) Sample(i int) ([]float32, int) {
	return d.x[i*d.dim : (i+1)*d.dim], d.y[i]
}

// Labels returns all labels.
func (d *Dataset) Labels() []int { return d.y }

// Take returns the first n samples (all of them if n <= 0 or n > Len).
func (d *Dataset) Take(n int) *Dataset {
	if n <= 0 || n > d.Len() {
		n = d.Len()
	}
	return &Dataset{x: d.x[:n*d.dim], y: d.y[:n], dim: d.dim, classes: d.classes}
}

// Split divides the dataset into a leading fraction and the remainder.
func (d *Dataset) Split(fraction float64) (*Dataset, *Dataset) {
	n := int(float64(d.Len()) * fraction)
	n = max(0, min(n, d.Len()))
	head := &Dataset{x: d.x[:n*d.dim], y: d.y[:n], dim: d.dim, classes: d.classes}
	tail := &Dataset{x: d.x[n*d.dim:], y: d.y[n:], dim: d.dim, classes: d.classes}
	return head, tail
}

// Batches splits the dataset into batches of at most size samples. When rng
// is non-nil the sample order is shuffled first.
func (d *Dataset) Batches(size int, rng *rand.Rand) []Batch {
	if size <= 0 {
		size = max(d.Len(), 1)
	}
	order := make([]int, d.Len())
	for i := range order {
		order[i] = i
	}
	if rng != nil {
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
	}

	batches := make([]Batch, 0, d.NumBatches(size))
	for start := 0; start < len(order); start += size {
		end := min(start+size, len(order))
		x := tensor.Zeros(tensor.Shape{end - start, d.dim})
		xs := x.AsFloat32()
		y := make([]int, end-start)
		for row, idx := range order[start:end] {
			copy(xs[row*d.dim:(row+1)*d.dim], d.x[idx*d.dim:(idx+1)*d.dim])
			y[row] = d.y[idx]
		}
		batches = append(batches, Batch{X: x, Y: y})
	}
	return batches
}

// NumBatches returns how many batches Batches(size, ...) yields.
func (d *Dataset) NumBatches(size int) int {
	if size <= 0 || d.Len() == 0 {
		return min(d.Len(), 1)
	}
	return (d.Len() + size - 1) / size
}

// ClassCounts returns the number of samples per class.
func (d *Dataset) ClassCounts() []int {
	counts := make([]int, d.classes)
	for _, label := range d.y {
		counts[label]++
	}
	return counts
}
