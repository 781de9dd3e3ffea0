package dataset

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeIDX(t *testing.T, path string, compress bool, header []uint32, payload []byte) {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, binary.Write(&buf, binary.BigEndian, header))
	buf.Write(payload)

	data := buf.Bytes()
	if compress {
		var gz bytes.Buffer
		zw := gzip.NewWriter(&gz)
		_, err := zw.Write(data)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		data = gz.Bytes()
		path += ".gz"
	}
	require.NoError(t, os.WriteFile(path, data, 0o644))
}

func TestLoadIDX(t *testing.T) {
	for _, compress := range []bool{false, true} {
		dir := t.TempDir()
		// Three 2x2 images with labels 0, 7, 3.
		writeIDX(t, filepath.Join(dir, "train-images-idx3-ubyte"), compress,
			[]uint32{idxImagesMagic, 3, 2, 2},
			[]byte{0, 255, 0, 255, 51, 51, 51, 51, 255, 255, 255, 255})
		writeIDX(t, filepath.Join(dir, "train-labels-idx1-ubyte"), compress,
			[]uint32{idxLabelsMagic, 3}, []byte{0, 7, 3})

		ds, err := LoadIDX(dir, Train, 0)
		require.NoError(t, err)
		assert.Equal(t, 3, ds.Len())
		assert.Equal(t, 4, ds.Dim())
		assert.Equal(t, 10, ds.NumClasses())

		x, y := ds.Sample(1)
		assert.Equal(t, 7, y)
		assert.InDeltaSlice(t, []float32{0.2, 0.2, 0.2, 0.2}, x, 1e-6)

		limited, err := LoadIDX(dir, Train, 2)
		require.NoError(t, err)
		assert.Equal(t, []int{0, 7}, limited.Labels())
	}
}

func TestLoadIDXErrors(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadIDX(dir, Test, 0)
	require.Error(t, err)

	writeIDX(t, filepath.Join(dir, "t10k-images-idx3-ubyte"), false, []uint32{1234, 1, 1, 1}, []byte{0})
	_, err = LoadIDX(dir, Test, 0)
	require.ErrorContains(t, err, "invalid magic number")
}

func TestNewValidates(t *testing.T) {
	_, err := New([]float32{1, 2, 3}, []int{0, 1}, 2, 2)
	require.Error(t, err)
	_, err = New([]float32{1, 2}, []int{5}, 2, 2)
	require.Error(t, err)
	ds, err := New([]float32{1, 2, 3, 4}, []int{0, 1}, 2, 2)
	require.NoError(t, err)
	assert.Equal(t, []int{1, 1}, ds.ClassCounts())
}

func TestTakeAndSplit(t *testing.T) {
	ds := Blobs(100, 3, 4, 1)
	assert.Equal(t, 10, ds.Take(10).Len())
	assert.Equal(t, 100, ds.Take(0).Len())
	assert.Equal(t, 100, ds.Take(1000).Len())

	train, val := ds.Split(0.8)
	assert.Equal(t, 80, train.Len())
	assert.Equal(t, 20, val.Len())
	x, y := val.Sample(0)
	wantX, wantY := ds.Sample(80)
	assert.Equal(t, wantX, x)
	assert.Equal(t, wantY, y)
}

func TestBatches(t *testing.T) {
	ds := Blobs(10, 2, 2, 7)

	batches := ds.Batches(4, nil)
	require.Len(t, batches, 3)
	assert.Equal(t, 3, ds.NumBatches(4))
	assert.Equal(t, []int{4, 2}, []int(batches[0].X.Shape()))
	assert.Equal(t, []int{2, 2}, []int(batches[2].X.Shape()))
	x0, y0 := ds.Sample(0)
	assert.Equal(t, x0, batches[0].X.AsFloat32()[:2])
	assert.Equal(t, y0, batches[0].Y[0])

	//nolint:gosec // test shuffling
	shuffled := ds.Batches(10, rand.New(rand.NewSource(3)))
	require.Len(t, shuffled, 1)
	assert.ElementsMatch(t, ds.Labels(), shuffled[0].Y)

	assert.Len(t, ds.Batches(0, nil), 1)
}

func TestBlobsDeterministic(t *testing.T) {
	a := Blobs(50, 4, 3, 42)
	b := Blobs(50, 4, 3, 42)
	c := Blobs(50, 4, 3, 43)
	assert.Equal(t, a.x, b.x)
	assert.Equal(t, a.y, b.y)
	assert.NotEqual(t, a.x, c.x)
	for _, count := range a.ClassCounts() {
		assert.Positive(t, count)
	}
}
