package dataset

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// IDX magic numbers.
const (
	idxImagesMagic = 2051
	idxLabelsMagic = 2049
)

// Split selects the train or test half of an IDX dataset directory.
type Split string

// Dataset splits.
const (
	Train Split = "train"
	Test  Split = "t10k"
)

// LoadIDX loads an MNIST-style dataset (MNIST, Fashion-MNIST) from dir.
//
// Expected files, each optionally gzip-compressed with a .gz suffix:
//   - train-images-idx3-ubyte / train-labels-idx1-ubyte
//   - t10k-images-idx3-ubyte / t10k-labels-idx1-ubyte
//
// Pixels are normalized to [0, 1]. maxSamples limits how many samples are
// read (0 = all).
func LoadIDX(dir string, split Split, maxSamples int) (*Dataset, error) {
	images, rows, cols, err := readIDXImages(filepath.Join(dir, string(split)+"-images-idx3-ubyte"), maxSamples)
	if err != nil {
		return nil, err
	}
	labels, err := readIDXLabels(filepath.Join(dir, string(split)+"-labels-idx1-ubyte"), maxSamples)
	if err != nil {
		return nil, err
	}
	if len(labels) != len(images) {
		return nil, fmt.Errorf("%d images but %d labels", len(images), len(labels))
	}

	dim := rows * cols
	x := make([]float32, len(images)*dim)
	y := make([]int, len(labels))
	classes := 0
	for i, img := range images {
		for j, px := range img {
			x[i*dim+j] = float32(px) / 255.0
		}
		y[i] = int(labels[i])
		classes = max(classes, y[i]+1)
	}
	return New(x, y, dim, max(classes, 10))
}

// openIDX opens path, falling back to path+".gz", and transparently
// decompresses gzip input.
func openIDX(path string) (io.Reader, func() error, error) {
	//nolint:gosec // G304: dataset paths come from configuration
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) && !strings.HasSuffix(path, ".gz") {
		//nolint:gosec // G304: dataset paths come from configuration
		f, err = os.Open(path + ".gz")
	}
	if err != nil {
		return nil, nil, err
	}

	br := bufio.NewReader(f)
	head, err := br.Peek(2)
	if err == nil && head[0] == 0x1f && head[1] == 0x8b {
		gz, gzErr := gzip.NewReader(br)
		if gzErr != nil {
			_ = f.Close()
			return nil, nil, fmt.Errorf("failed to open gzip stream: %w", gzErr)
		}
		return gz, func() error {
			_ = gz.Close()
			return f.Close()
		}, nil
	}
	return br, f.Close, nil
}

// readIDXImages reads an image file in IDX format.
//
// IDX file format for images:
//
//	magic number: 0x00000803 (2051)
//	number of images: 4 bytes
//	number of rows: 4 bytes
//	number of cols: 4 bytes
//	pixel data: unsigned bytes (0-255)
func readIDXImages(path string, limit int) ([][]byte, int, int, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, 0, 0, err
	}
	defer func() { _ = closeFn() }()

	var hdr [4]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, 0, 0, fmt.Errorf("%s: failed to read header: %w", path, err)
	}
	if hdr[0] != idxImagesMagic {
		return nil, 0, 0, fmt.Errorf("%s: invalid magic number: got %d, want %d", path, hdr[0], idxImagesMagic)
	}
	n, rows, cols := int(hdr[1]), int(hdr[2]), int(hdr[3])
	if limit > 0 && n > limit {
		n = limit
	}

	images := make([][]byte, n)
	for i := range images {
		images[i] = make([]byte, rows*cols)
		if _, err := io.ReadFull(r, images[i]); err != nil {
			return nil, 0, 0, fmt.Errorf("%s: failed to read image %d: %w", path, i, err)
		}
	}
	return images, rows, cols, nil
}

// readIDXLabels reads a label file in IDX format.
//
//	magic number: 0x00000801 (2049)
//	number of labels: 4 bytes
//	label data: unsigned bytes
func readIDXLabels(path string, limit int) ([]byte, error) {
	r, closeFn, err := openIDX(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = closeFn() }()

	var hdr [2]uint32
	if err := binary.Read(r, binary.BigEndian, &hdr); err != nil {
		return nil, fmt.Errorf("%s: failed to read header: %w", path, err)
	}
	if hdr[0] != idxLabelsMagic {
		return nil, fmt.Errorf("%s: invalid magic number: got %d, want %d", path, hdr[0], idxLabelsMagic)
	}
	n := int(hdr[1])
	if limit > 0 && n > limit {
		n = limit
	}
	labels := make([]byte, n)
	if _, err := io.ReadFull(r, labels); err != nil {
		return nil, fmt.Errorf("%s: failed to read labels: %w", path, err)
	}
	return labels, nil
}
