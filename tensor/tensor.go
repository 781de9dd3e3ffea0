// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/savepoint/internal/tensor"
)

// RawTensor is a typed, shaped byte buffer.
type RawTensor = tensor.RawTensor

// Shape lists tensor dimensions, outermost first.
type Shape = tensor.Shape

// DataType identifies the element type of a tensor.
type DataType = tensor.DataType

// Supported data types.
const (
	Float32 = tensor.Float32
	Float64 = tensor.Float64
	Int32   = tensor.Int32
	Int64   = tensor.Int64
	Uint8   = tensor.Uint8
	Bool    = tensor.Bool
)

// New allocates a zeroed tensor.
func New(shape Shape, dtype DataType) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype)
}

// FromBytes wraps little-endian data. len(data) must match shape and dtype.
func FromBytes(shape Shape, dtype DataType, data []byte) (*RawTensor, error) {
	return tensor.FromBytes(shape, dtype, data)
}

// FromFloat32 creates a float32 tensor holding a copy of data.
func FromFloat32(data []float32, shape Shape) (*RawTensor, error) {
	return tensor.FromFloat32(data, shape)
}

// Zeros creates a float32 tensor of zeros.
func Zeros(shape Shape) *RawTensor {
	return tensor.Zeros(shape)
}

// ParseDataType parses names such as "float32" or "int64".
func ParseDataType(s string) (DataType, error) {
	return tensor.ParseDataType(s)
}
