// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the raw tensors models and checkpoints are made of.
//
// A RawTensor is a shape, a data type and a little-endian byte buffer. Model
// weights and optimizer slots are float32; the optimizer step counter is an
// int64 scalar.
//
//	w, err := tensor.FromFloat32([]float32{1, 2, 3, 4}, tensor.Shape{2, 2})
//	fmt.Println(w.Shape(), w.DType(), w.AsFloat32())
package tensor
