// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package dataset loads the labelled data savepoint trains on.
package dataset

import (
	"github.com/born-ml/savepoint/internal/dataset"
)

// Dataset is an in-memory set of feature vectors and class labels.
type Dataset = dataset.Dataset

// Split selects the train or test half of an IDX directory.
type Split = dataset.Split

// Splits.
const (
	Train = dataset.Train
	Test  = dataset.Test
)

// New wraps x (len(y)*dim values) and labels y.
func New(x []float32, y []int, dim, classes int) (*Dataset, error) {
	return dataset.New(x, y, dim, classes)
}

// LoadIDX loads MNIST-style IDX files (optionally gzip-compressed) from dir,
// with pixels scaled to [0, 1]. maxSamples = 0 reads everything.
func LoadIDX(dir string, split Split, maxSamples int) (*Dataset, error) {
	return dataset.LoadIDX(dir, split, maxSamples)
}

// Blobs generates n samples of separable Gaussian clusters.
func Blobs(n, features, classes int, seed int64) *Dataset {
	return dataset.Blobs(n, features, classes, seed)
}
