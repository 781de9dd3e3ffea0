package dataset

import "math/rand"

// Blobs generates a synthetic classification problem: classes Gaussian
// clusters with unit variance around centers drawn uniformly from
// [-spread, spread]^features. The same seed always yields the same data.
func Blobs(n, features, classes int, seed int64) *Dataset {
	const spread = 4.0

	//nolint:gosec // reproducible synthetic data
	rng := rand.New(rand.NewSource(seed))
	centers := make([][]float64, classes)
	for c := range centers {
		centers[c] = make([]float64, features)
		for f := range centers[c] {
			centers[c][f] = (rng.Float64()*2 - 1) * spread
		}
	}

	x := make([]float32, n*features)
	y := make([]int, n)
	for i := range n {
		c := rng.Intn(classes)
		y[i] = c
		for f := range features {
			x[i*features+f] = float32(centers[c][f] + rng.NormFloat64())
		}
	}
	return &Dataset{x: x, y: y, dim: features, classes: classes}
}
