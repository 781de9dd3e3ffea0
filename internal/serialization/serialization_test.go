package serialization

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/born-ml/savepoint/internal/tensor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testStateDict(t *testing.T) map[string]*tensor.RawTensor {
	t.Helper()
	w, err := tensor.FromFloat32([]float32{1, 2, 3, 4, 5, 6}, tensor.Shape{2, 3})
	require.NoError(t, err)
	b, err := tensor.FromFloat32([]float32{0.5, -0.5}, tensor.Shape{2})
	require.NoError(t, err)
	return map[string]*tensor.RawTensor{
		"dense.weight": w,
		"dense.bias":   b,
		"iterations":   tensor.Scalar(42),
	}
}

func assertSameStateDict(t *testing.T, want, got map[string]*tensor.RawTensor) {
	t.Helper()
	require.Len(t, got, len(want))
	for name, raw := range want {
		require.Contains(t, got, name)
		assert.True(t, raw.Equal(got[name]), "tensor %s differs: %s vs %s", name, raw, got[name])
	}
}

func TestBornRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.born")
	sd := testStateDict(t)

	err := WriteBornFile(path, sd, Header{
		ModelType: "Sequential",
		Metadata:  map[string]string{"architecture": "{}"},
		Training:  &TrainingMeta{Epoch: 3, OptimizerType: "adam"},
	}, BornOptions{Atomic: true})
	require.NoError(t, err)

	loaded, header, err := ReadBornFile(path)
	require.NoError(t, err)
	assertSameStateDict(t, sd, loaded)
	assert.Equal(t, FormatVersionV2, header.FormatVersion)
	assert.Equal(t, "Sequential", header.ModelType)
	assert.Equal(t, "{}", header.Metadata["architecture"])
	require.NotNil(t, header.Training)
	assert.Equal(t, 3, header.Training.Epoch)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	flags := binary.LittleEndian.Uint32(data[8:12])
	assert.NotZero(t, flags&FlagHasOptimizer)
	assert.NotZero(t, flags&FlagHasMetadata)

	// The data section starts on an aligned boundary with the first tensor.
	headerSize := binary.LittleEndian.Uint64(data[16:24])
	start := alignedOffset(FixedHeaderSizeV2 + int64(headerSize))
	assert.Equal(t, sd["dense.bias"].Data(), data[start:start+8])
}

func TestBornChecksumMismatch(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBorn(&buf, testStateDict(t), Header{}))
	data := buf.Bytes()
	data[len(data)-1] ^= 0xFF

	_, _, err := ReadBorn(data, ReaderOptions{})
	require.ErrorIs(t, err, ErrChecksumMismatch)

	_, _, err = ReadBorn(data, ReaderOptions{SkipChecksumValidation: true})
	require.NoError(t, err)
}

func TestBornReadV1(t *testing.T) {
	sd := testStateDict(t)
	header := Header{FormatVersion: FormatVersion, ModelType: "Sequential"}
	var payload []byte
	for _, name := range SortedNames(sd) {
		raw := sd[name]
		header.Tensors = append(header.Tensors, TensorMeta{
			Name: name, DType: raw.DType().String(), Shape: []int(raw.Shape()),
			Offset: int64(len(payload)), Size: int64(raw.ByteSize()),
		})
		payload = append(payload, raw.Data()...)
	}
	headerJSON, err := json.Marshal(header)
	require.NoError(t, err)

	var buf bytes.Buffer
	buf.WriteString(MagicBytes)
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(FormatVersion)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(0)))
	require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint64(len(headerJSON))))
	buf.Write(headerJSON)
	pos := int64(buf.Len())
	buf.Write(make([]byte, alignedOffset(pos)-pos))
	buf.Write(payload)

	loaded, got, err := ReadBorn(buf.Bytes(), ReaderOptions{})
	require.NoError(t, err)
	assert.Equal(t, FormatVersion, got.FormatVersion)
	assertSameStateDict(t, sd, loaded)
}

func TestBornInvalidInput(t *testing.T) {
	_, _, err := ReadBorn([]byte("NOPE0000"), ReaderOptions{})
	require.ErrorIs(t, err, ErrInvalidMagic)

	bad := []byte(MagicBytes)
	bad = binary.LittleEndian.AppendUint32(bad, 9)
	_, _, err = ReadBorn(bad, ReaderOptions{})
	require.ErrorIs(t, err, ErrUnsupportedVersion)

	_, _, err = ReadBorn([]byte("BO"), ReaderOptions{})
	require.ErrorIs(t, err, ErrTruncated)
}

func TestSafeTensorsRoundTrip(t *testing.T) {
	sd := testStateDict(t)
	var buf bytes.Buffer
	entries, err := WriteSafeTensors(&buf, sd, map[string]string{"format": "pt"})
	require.NoError(t, err)
	assert.Equal(t, [2]int64{0, 8}, entries["dense.bias"].DataOffsets)

	file, err := ParseSafeTensors(buf.Bytes())
	require.NoError(t, err)
	assert.Equal(t, "pt", file.Metadata["format"])
	assert.Equal(t, []string{"dense.bias", "dense.weight", "iterations"}, file.Names())

	loaded, err := file.StateDict()
	require.NoError(t, err)
	assertSameStateDict(t, sd, loaded)
}

func TestSafeTensorsRejectsBadNames(t *testing.T) {
	var buf bytes.Buffer
	_, err := WriteSafeTensors(&buf, map[string]*tensor.RawTensor{"../etc": tensor.Zeros(tensor.Shape{1})}, nil)
	var vErr *ValidationError
	require.ErrorAs(t, err, &vErr)
	assert.Equal(t, "invalid_name", vErr.Type)
}

func TestBundleSingleShard(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "weights")
	sd := testStateDict(t)

	index, err := WriteBundle(prefix, sd, BundleOptions{Atomic: true, Metadata: map[string]string{"epoch": "1"}})
	require.NoError(t, err)
	require.Len(t, index.Shards, 1)
	assert.Equal(t, "weights.data-00000-of-00001", index.Shards[0].File)
	assert.True(t, BundleExists(prefix))

	loaded, got, err := ReadBundle(prefix)
	require.NoError(t, err)
	assertSameStateDict(t, sd, loaded)
	assert.Equal(t, "1", got.Metadata["epoch"])
	assert.Equal(t, index.TotalBytes(), got.TotalBytes())

	_, err = VerifyBundle(prefix)
	require.NoError(t, err)

	// No temporary files remain after an atomic write.
	entries, err := os.ReadDir(filepath.Dir(prefix))
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestBundleSharding(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "weights")
	sd := testStateDict(t)

	// dense.bias is 8B, dense.weight 24B and iterations 8B: no two fit in 16B.
	index, err := WriteBundle(prefix, sd, BundleOptions{MaxShardBytes: 16})
	require.NoError(t, err)
	require.Len(t, index.Shards, 3)
	assert.Equal(t, 0, index.Tensors["dense.bias"].Shard)
	assert.Equal(t, 1, index.Tensors["dense.weight"].Shard)
	assert.Equal(t, 2, index.Tensors["iterations"].Shard)

	loaded, _, err := ReadBundle(prefix)
	require.NoError(t, err)
	assertSameStateDict(t, sd, loaded)

	// Rewriting with fewer shards removes the stale ones.
	_, err = WriteBundle(prefix, sd, BundleOptions{})
	require.NoError(t, err)
	matches, err := filepath.Glob(prefix + ".data-*")
	require.NoError(t, err)
	assert.Equal(t, []string{prefix + ".data-00000-of-00001"}, matches)
}

func TestPlanShards(t *testing.T) {
	sd := map[string]*tensor.RawTensor{
		"a": tensor.Zeros(tensor.Shape{4}), // 16B
		"b": tensor.Zeros(tensor.Shape{2}), // 8B
		"c": tensor.Zeros(tensor.Shape{2}), // 8B
	}
	assert.Equal(t, [][]string{{"a", "b", "c"}}, PlanShards(sd, 0))
	assert.Equal(t, [][]string{{"a"}, {"b", "c"}}, PlanShards(sd, 16))
	assert.Equal(t, [][]string{{"a", "b"}, {"c"}}, PlanShards(sd, 24))
}

func TestBundleCorruption(t *testing.T) {
	prefix := filepath.Join(t.TempDir(), "weights")
	index, err := WriteBundle(prefix, testStateDict(t), BundleOptions{})
	require.NoError(t, err)

	shard := filepath.Join(filepath.Dir(prefix), index.Shards[0].File)
	data, err := os.ReadFile(shard)
	require.NoError(t, err)
	data[len(data)-1] ^= 0x01
	require.NoError(t, os.WriteFile(shard, data, 0o644))

	_, _, err = ReadBundle(prefix)
	require.ErrorIs(t, err, ErrChecksumMismatch)
	_, err = VerifyBundle(prefix)
	require.ErrorIs(t, err, ErrChecksumMismatch)

	require.NoError(t, os.Remove(shard))
	_, _, err = ReadBundle(prefix)
	require.ErrorIs(t, err, ErrMissingShard)
	_, err = VerifyBundle(prefix)
	require.ErrorIs(t, err, ErrMissingShard)
}

func TestRemoveBundle(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "ckpt")
	other := filepath.Join(dir, "ckpt_2")
	_, err := WriteBundle(prefix, testStateDict(t), BundleOptions{MaxShardBytes: 8})
	require.NoError(t, err)
	_, err = WriteBundle(other, testStateDict(t), BundleOptions{})
	require.NoError(t, err)

	require.NoError(t, RemoveBundle(prefix))
	assert.False(t, BundleExists(prefix))
	assert.True(t, BundleExists(other))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestWriteFileAtomicFailureLeavesOriginal(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	boom := errors.New("boom")
	err := WriteFile(path, true, func(w *bufio.Writer) error {
		_, _ = w.WriteString("partial")
		return boom
	})
	require.ErrorIs(t, err, boom)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "old", string(data))
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestValidateExtents(t *testing.T) {
	tests := []struct {
		name     string
		extents  []Extent
		wantType string
	}{
		{"valid", []Extent{{"a", 0, 100}, {"b", 100, 100}}, ""},
		{"overlap", []Extent{{"a", 0, 100}, {"b", 99, 100}}, "offset_overlap"},
		{"out of bounds", []Extent{{"a", 150, 100}}, "out_of_bounds"},
		{"negative", []Extent{{"a", -1, 10}}, "negative_offset"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExtents(tt.extents, 200)
			if tt.wantType == "" {
				require.NoError(t, err)
				return
			}
			var vErr *ValidationError
			require.ErrorAs(t, err, &vErr)
			assert.Equal(t, tt.wantType, vErr.Type)
		})
	}
}

func TestValidateTensorName(t *testing.T) {
	for _, name := range []string{"dense.weight", "m.dense_1.bias", "iterations"} {
		assert.NoError(t, ValidateTensorName(name), name)
	}
	for _, name := range []string{"", "../x", "a/b", `a\b`, "a\x00b"} {
		assert.Error(t, ValidateTensorName(name), "%q", name)
	}
}

func TestFileChecksum(t *testing.T) {
	path := filepath.Join(t.TempDir(), "f")
	require.NoError(t, os.WriteFile(path, []byte("test data"), 0o644))
	sum, size, err := FileChecksum(path)
	require.NoError(t, err)
	assert.Equal(t, int64(9), size)
	want := ComputeChecksum([]byte("test data"))
	got, n, err := ReaderChecksum(bytes.NewReader([]byte("test data")))
	require.NoError(t, err)
	assert.Equal(t, want, got)
	assert.Equal(t, size, n)
	assert.Equal(t, hex.EncodeToString(want[:]), sum)
	assert.ErrorIs(t, ValidateChecksum(want, [32]byte{}), ErrChecksumMismatch)
}

func TestBornDataSizeBeyondFile(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteBorn(&buf, testStateDict(t), Header{}))
	for _, size := range []uint64{^uint64(0), 1 << 63, uint64(buf.Len())} {
		data := bytes.Clone(buf.Bytes())
		binary.LittleEndian.PutUint64(data[24:32], size)
		_, _, err := ReadBorn(data, ReaderOptions{})
		assert.ErrorIs(t, err, ErrTruncated, "data_size %d", size)
	}

	var verr *ValidationError
	err := ValidateExtents([]Extent{{Name: "dense.weight", Offset: math.MaxInt64, Size: 8}}, 16)
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "out_of_bounds", verr.Type)
}

func TestBornValidationLevels(t *testing.T) {
	for _, level := range []ValidationLevel{ValidationStrict, ValidationNormal, ValidationNone} {
		got, err := ParseValidationLevel(level.String())
		require.NoError(t, err)
		assert.Equal(t, level, got)
	}
	_, err := ParseValidationLevel("lenient")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "model.born")
	sd := testStateDict(t)
	require.NoError(t, WriteBornFile(path, sd, Header{}, BornOptions{}))
	for _, level := range []ValidationLevel{ValidationNormal, ValidationNone} {
		loaded, _, err := ReadBornFileWith(path, ReaderOptions{ValidationLevel: level})
		require.NoError(t, err, level.String())
		assertSameStateDict(t, sd, loaded)
	}
}

func TestBornNonFiniteMetrics(t *testing.T) {
	var buf bytes.Buffer
	logs := Metrics{"loss": math.NaN(), "val_loss": math.Inf(1), "grad": math.Inf(-1), "accuracy": 0.25}
	require.NoError(t, WriteBorn(&buf, testStateDict(t), Header{Training: &TrainingMeta{Epoch: 7, Logs: logs}}))

	_, header, err := ReadBorn(buf.Bytes(), ReaderOptions{})
	require.NoError(t, err)
	require.NotNil(t, header.Training)
	got := header.Training.Logs
	assert.True(t, math.IsNaN(got["loss"]))
	assert.True(t, math.IsInf(got["val_loss"], 1))
	assert.True(t, math.IsInf(got["grad"], -1))
	assert.Equal(t, 0.25, got["accuracy"])
}

func TestMetricsJSON(t *testing.T) {
	data, err := json.Marshal(Metrics{"loss": math.NaN(), "acc": 0.5})
	require.NoError(t, err)
	assert.JSONEq(t, `{"loss": "NaN", "acc": 0.5}`, string(data))

	var m Metrics
	require.NoError(t, json.Unmarshal([]byte(`{"a": "-Inf", "b": 1}`), &m))
	assert.True(t, math.IsInf(m["a"], -1))
	assert.Equal(t, 1.0, m["b"])

	require.NoError(t, json.Unmarshal([]byte(`null`), &m))
	assert.Nil(t, m)
	assert.Error(t, json.Unmarshal([]byte(`{"a": "high"}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"a": "1.5"}`), &m))
	assert.Error(t, json.Unmarshal([]byte(`{"a": true}`), &m))
}

func TestBundleFailedWriteLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	prefix := filepath.Join(dir, "cp-0001.ckpt")
	sd := testStateDict(t)
	blocker := ShardPath(prefix, 1, 3)
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))

	for _, atomic := range []bool{true, false} {
		_, err := WriteBundle(prefix, sd, BundleOptions{MaxShardBytes: 16, Atomic: atomic})
		require.Error(t, err)
		assert.False(t, BundleExists(prefix))
		matches, err := filepath.Glob(prefix + "*")
		require.NoError(t, err)
		assert.Equal(t, []string{blocker}, matches, "atomic=%v", atomic)
	}

	// A committed bundle survives a failed overwrite.
	require.NoError(t, os.RemoveAll(blocker))
	_, err := WriteBundle(prefix, sd, BundleOptions{MaxShardBytes: 16})
	require.NoError(t, err)
	require.NoError(t, os.Remove(blocker))
	require.NoError(t, os.MkdirAll(filepath.Join(blocker, "x"), 0o755))
	_, err = WriteBundle(prefix, sd, BundleOptions{MaxShardBytes: 16, Atomic: true})
	require.Error(t, err)
	assert.True(t, BundleExists(prefix))
	assert.FileExists(t, ShardPath(prefix, 0, 3))
}

func TestWriteFileFailureRemovesPartialFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file")
	boom := errors.New("boom")
	err := WriteFile(path, false, func(w *bufio.Writer) error {
		_, _ = w.WriteString("partial")
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.NoFileExists(t, path)
}
