package tensor

import (
	"fmt"
	"math/rand"
)

// Zeros creates a float32 tensor filled with zeros.
func Zeros(shape Shape) *RawTensor {
	raw, err := NewRaw(shape, Float32)
	if err != nil {
		panic(err) // Shape validation should prevent this
	}
	return raw
}

// Full creates a float32 tensor filled with value.
func Full(shape Shape, value float32) *RawTensor {
	raw := Zeros(shape)
	data := raw.AsFloat32()
	for i := range data {
		data[i] = value
	}
	return raw
}

// FromFloat32 creates a float32 tensor from a Go slice. The slice is copied.
func FromFloat32(data []float32, shape Shape) (*RawTensor, error) {
	if shape.NumElements() != len(data) {
		return nil, fmt.Errorf("shape %v requires %d elements, but got %d", shape, shape.NumElements(), len(data))
	}
	raw, err := NewRaw(shape, Float32)
	if err != nil {
		return nil, err
	}
	copy(raw.AsFloat32(), data)
	return raw, nil
}

// Scalar creates a 0-d tensor holding an int64, used for counters such as
// the optimizer iteration count.
func Scalar(v int64) *RawTensor {
	raw, _ := NewRaw(Shape{}, Int64)
	raw.AsInt64()[0] = v
	return raw
}

// Uniform creates a float32 tensor with values drawn from U(-bound, bound).
// The generator is explicit so that model initialisation is reproducible.
func Uniform(shape Shape, bound float64, rng *rand.Rand) *RawTensor {
	raw := Zeros(shape)
	data := raw.AsFloat32()
	for i := range data {
		//nolint:gosec // math/rand is intended: reproducible initialisation
		data[i] = float32((rng.Float64()*2.0 - 1.0) * bound)
	}
	return raw
}
