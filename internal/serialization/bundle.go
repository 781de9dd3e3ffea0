package serialization

import (
	"bufio"
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/born-ml/savepoint/internal/tensor"
)

// Bundle layout constants.
const (
	BundleFormatVersion = 1
	IndexSuffix         = ".index"
	shardInfix          = ".data-"
)

// BundleOptions configures WriteBundle.
type BundleOptions struct {
	MaxShardBytes int64             // Start a new shard past this payload size (0 = single shard)
	Metadata      map[string]string // Stored in the index
	Atomic        bool              // Write every file through temp + rename
}

// ShardInfo describes one data file of a bundle.
type ShardInfo struct {
	File   string `json:"file"`   // Base name, relative to the index
	Size   int64  `json:"size"`   // File size in bytes
	SHA256 string `json:"sha256"` // Hex digest of the whole file
}

// BundleEntry locates a tensor inside a bundle.
type BundleEntry struct {
	Shard  int    `json:"shard"`
	DType  string `json:"dtype"`
	Shape  []int  `json:"shape"`
	Offset int64  `json:"offset"` // Offset in the shard's data section
	Size   int64  `json:"size"`
}

// BundleIndex is the content of <prefix>.index.
type BundleIndex struct {
	FormatVersion int                    `json:"format_version"`
	Producer      string                 `json:"producer"`
	CreatedAt     time.Time              `json:"created_at"`
	Shards        []ShardInfo            `json:"shards"`
	Tensors       map[string]BundleEntry `json:"tensors"`
	Metadata      map[string]string      `json:"metadata,omitempty"`
}

// TotalBytes returns the combined size of all shards.
func (ix *BundleIndex) TotalBytes() int64 {
	var n int64
	for _, s := range ix.Shards {
		n += s.Size
	}
	return n
}

// IndexPath returns the index file of the bundle at prefix.
func IndexPath(prefix string) string {
	return prefix + IndexSuffix
}

// ShardPath returns the i-th of n shard files of the bundle at prefix.
func ShardPath(prefix string, i, n int) string {
	return fmt.Sprintf("%s%s%05d-of-%05d", prefix, shardInfix, i, n)
}

// BundleExists reports whether a committed bundle exists at prefix.
func BundleExists(prefix string) bool {
	_, err := os.Stat(IndexPath(prefix))
	return err == nil
}

// PlanShards groups tensor names into shards of at most maxBytes payload.
// A tensor larger than maxBytes gets a shard of its own.
func PlanShards(stateDict map[string]*tensor.RawTensor, maxBytes int64) [][]string {
	names := SortedNames(stateDict)
	if maxBytes <= 0 || len(names) == 0 {
		return [][]string{names}
	}
	var (
		shards  [][]string
		current []string
		size    int64
	)
	for _, name := range names {
		n := int64(stateDict[name].ByteSize())
		if len(current) > 0 && size+n > maxBytes {
			shards = append(shards, current)
			current, size = nil, 0
		}
		current = append(current, name)
		size += n
	}
	return append(shards, current)
}

// WriteBundle writes stateDict as a sharded bundle at prefix.
//
// Shards are written first and the index last, so a bundle becomes visible
// only once it is complete. Shards left over from an earlier bundle with more
// shards at the same prefix are removed after the index is committed.
//
// If writing fails and no bundle existed at prefix, the shards written so far
// are removed again. An existing bundle is never deleted.
func WriteBundle(prefix string, stateDict map[string]*tensor.RawTensor, opts BundleOptions) (_ *BundleIndex, err error) {
	plan := PlanShards(stateDict, opts.MaxShardBytes)
	var written []string
	if !BundleExists(prefix) {
		defer func() {
			if err != nil {
				for _, path := range written {
					_ = os.Remove(path)
				}
			}
		}()
	}
	index := &BundleIndex{
		FormatVersion: BundleFormatVersion,
		Producer:      Version,
		CreatedAt:     time.Now().UTC(),
		Shards:        make([]ShardInfo, len(plan)),
		Tensors:       make(map[string]BundleEntry, len(stateDict)),
		Metadata:      opts.Metadata,
	}

	keep := make(map[string]bool, len(plan))
	for i, names := range plan {
		shard := make(map[string]*tensor.RawTensor, len(names))
		for _, name := range names {
			shard[name] = stateDict[name]
		}

		var buf bytes.Buffer
		entries, err := WriteSafeTensors(&buf, shard, nil)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", i, err)
		}
		path := ShardPath(prefix, i, len(plan))
		err = WriteFile(path, opts.Atomic, func(w *bufio.Writer) error {
			_, werr := w.Write(buf.Bytes())
			return werr
		})
		if err != nil {
			return nil, fmt.Errorf("failed to write shard %d: %w", i, err)
		}
		written = append(written, path)

		sum := ComputeChecksum(buf.Bytes())
		index.Shards[i] = ShardInfo{
			File:   filepath.Base(path),
			Size:   int64(buf.Len()),
			SHA256: hex.EncodeToString(sum[:]),
		}
		keep[index.Shards[i].File] = true
		for name, e := range entries {
			index.Tensors[name] = BundleEntry{
				Shard:  i,
				DType:  stateDict[name].DType().String(),
				Shape:  []int(stateDict[name].Shape()),
				Offset: e.DataOffsets[0],
				Size:   e.DataOffsets[1] - e.DataOffsets[0],
			}
		}
	}

	indexJSON, err := json.MarshalIndent(index, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal index: %w", err)
	}
	err = WriteFile(IndexPath(prefix), opts.Atomic, func(w *bufio.Writer) error {
		_, werr := w.Write(indexJSON)
		return werr
	})
	if err != nil {
		return nil, fmt.Errorf("failed to write index: %w", err)
	}
	written = nil

	if err := removeShards(prefix, keep); err != nil {
		return index, fmt.Errorf("failed to remove stale shards: %w", err)
	}
	return index, nil
}

// ReadBundleIndex reads and sanity-checks the index of the bundle at prefix.
func ReadBundleIndex(prefix string) (*BundleIndex, error) {
	data, err := os.ReadFile(IndexPath(prefix))
	if err != nil {
		return nil, err
	}
	var index BundleIndex
	if err := json.Unmarshal(data, &index); err != nil {
		return nil, fmt.Errorf("failed to parse index %s: %w", IndexPath(prefix), err)
	}
	if index.FormatVersion != BundleFormatVersion {
		return nil, fmt.Errorf("%w: bundle version %d", ErrUnsupportedVersion, index.FormatVersion)
	}
	for i, s := range index.Shards {
		if s.File == "" || strings.ContainsAny(s.File, `/\`) || strings.Contains(s.File, "..") {
			return nil, &ValidationError{Type: "invalid_shard", Details: fmt.Sprintf("shard %d has file name %q", i, s.File)}
		}
	}
	for name, e := range index.Tensors {
		if err := ValidateTensorName(name); err != nil {
			return nil, err
		}
		if e.Shard < 0 || e.Shard >= len(index.Shards) {
			return nil, &ValidationError{Type: "invalid_shard", Tensor: name, Details: fmt.Sprintf("shard %d of %d", e.Shard, len(index.Shards))}
		}
	}
	return &index, nil
}

// ReadBundle loads every tensor of the bundle at prefix, verifying shard
// checksums and cross-checking each shard against the index.
func ReadBundle(prefix string) (map[string]*tensor.RawTensor, *BundleIndex, error) {
	index, err := ReadBundleIndex(prefix)
	if err != nil {
		return nil, nil, err
	}

	byShard := make([][]string, len(index.Shards))
	for name, e := range index.Tensors {
		byShard[e.Shard] = append(byShard[e.Shard], name)
	}

	dir := filepath.Dir(prefix)
	stateDict := make(map[string]*tensor.RawTensor, len(index.Tensors))
	for i, info := range index.Shards {
		data, err := readShard(filepath.Join(dir, info.File), info)
		if err != nil {
			return nil, nil, err
		}
		file, err := ParseSafeTensors(data)
		if err != nil {
			return nil, nil, fmt.Errorf("shard %s: %w", info.File, err)
		}
		for _, name := range byShard[i] {
			raw, err := file.Tensor(name)
			if err != nil {
				return nil, nil, fmt.Errorf("shard %s: %w", info.File, err)
			}
			e := index.Tensors[name]
			if raw.DType().String() != e.DType || !raw.Shape().Equal(e.Shape) {
				return nil, nil, &ValidationError{
					Type:    "index_mismatch",
					Tensor:  name,
					Details: fmt.Sprintf("index says %s%v, shard has %s", e.DType, e.Shape, raw),
				}
			}
			stateDict[name] = raw
		}
	}
	return stateDict, index, nil
}

// VerifyBundle checks that every shard of the bundle exists and matches its
// recorded size and checksum, streaming each file from disk.
func VerifyBundle(prefix string) (*BundleIndex, error) {
	index, err := ReadBundleIndex(prefix)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(prefix)
	for _, info := range index.Shards {
		sum, size, err := FileChecksum(filepath.Join(dir, info.File))
		if errors.Is(err, fs.ErrNotExist) {
			return index, fmt.Errorf("%w: %s", ErrMissingShard, info.File)
		}
		if err != nil {
			return index, err
		}
		if size != info.Size || sum != info.SHA256 {
			return index, fmt.Errorf("%s: %w", info.File, ErrChecksumMismatch)
		}
	}
	return index, nil
}

// RemoveBundle deletes the index and all shards of the bundle at prefix.
// The index goes first so a half-removed bundle is never loadable.
func RemoveBundle(prefix string) error {
	if err := os.Remove(IndexPath(prefix)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return removeShards(prefix, nil)
}

func readShard(path string, info ShardInfo) ([]byte, error) {
	//nolint:gosec // G304: shard names are validated by ReadBundleIndex
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrMissingShard, info.File)
	}
	if err != nil {
		return nil, err
	}
	sum := ComputeChecksum(data)
	if int64(len(data)) != info.Size || hex.EncodeToString(sum[:]) != info.SHA256 {
		return nil, fmt.Errorf("%s: %w", info.File, ErrChecksumMismatch)
	}
	return data, nil
}

// removeShards deletes shard files of prefix whose base name is not in keep.
func removeShards(prefix string, keep map[string]bool) error {
	dir, base := filepath.Split(prefix)
	if dir == "" {
		dir = "."
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	for _, entry := range entries {
		name := entry.Name()
		if !strings.HasPrefix(name, base+shardInfix) || keep[name] {
			continue
		}
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
	}
	return nil
}
