package serialization

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/born-ml/savepoint/internal/tensor"
)

// safeTensorsMetadataKey is the reserved header entry for string metadata.
const safeTensorsMetadataKey = "__metadata__"

// SafeTensorHeader represents a tensor in the SafeTensors header.
type SafeTensorHeader struct {
	DType       string   `json:"dtype"`
	Shape       []int64  `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"`
}

// SafeTensorsFile is a parsed SafeTensors payload.
type SafeTensorsFile struct {
	Tensors  map[string]SafeTensorHeader
	Metadata map[string]string
	Data     []byte // Data section following the header
}

// WriteSafeTensors writes tensors in SafeTensors format:
//
//	[8 bytes: header_size (uint64 LE)]
//	[header_size bytes: JSON header]
//	[tensor data: raw bytes]
//
// Tensors are written in alphabetical order by name. Returns the data
// offsets assigned to each tensor.
func WriteSafeTensors(w io.Writer, stateDict map[string]*tensor.RawTensor, metadata map[string]string) (map[string]SafeTensorHeader, error) {
	names := SortedNames(stateDict)

	header := make(map[string]any, len(names)+1)
	if len(metadata) > 0 {
		header[safeTensorsMetadataKey] = metadata
	}
	entries := make(map[string]SafeTensorHeader, len(names))
	var offset int64
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return nil, err
		}
		raw := stateDict[name]
		shape := make([]int64, len(raw.Shape()))
		for i, dim := range raw.Shape() {
			shape[i] = int64(dim)
		}
		size := int64(raw.ByteSize())
		entry := SafeTensorHeader{
			DType:       dtypeToSafeTensors(raw.DType()),
			Shape:       shape,
			DataOffsets: [2]int64{offset, offset + size},
		}
		header[name] = entry
		entries[name] = entry
		offset += size
	}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, uint64(len(headerJSON))); err != nil {
		return nil, fmt.Errorf("failed to write header size: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	for _, name := range names {
		if _, err := w.Write(stateDict[name].Data()); err != nil {
			return nil, fmt.Errorf("failed to write tensor %s: %w", name, err)
		}
	}
	return entries, nil
}

// ParseSafeTensors parses and validates a SafeTensors payload held in memory.
func ParseSafeTensors(data []byte) (*SafeTensorsFile, error) {
	if len(data) < 8 {
		return nil, ErrTruncated
	}
	headerSize := binary.LittleEndian.Uint64(data[:8])
	if headerSize > MaxHeaderSize || headerSize > uint64(len(data)-8) {
		return nil, ErrHeaderTooLarge
	}

	var rawHeader map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerSize], &rawHeader); err != nil {
		return nil, fmt.Errorf("failed to parse header JSON: %w", err)
	}

	file := &SafeTensorsFile{
		Tensors: make(map[string]SafeTensorHeader, len(rawHeader)),
		Data:    data[8+headerSize:],
	}
	extents := make([]Extent, 0, len(rawHeader))
	for name, msg := range rawHeader {
		if name == safeTensorsMetadataKey {
			if err := json.Unmarshal(msg, &file.Metadata); err != nil {
				return nil, fmt.Errorf("failed to parse metadata: %w", err)
			}
			continue
		}
		if err := ValidateTensorName(name); err != nil {
			return nil, err
		}
		var entry SafeTensorHeader
		if err := json.Unmarshal(msg, &entry); err != nil {
			return nil, fmt.Errorf("tensor %s: %w", name, err)
		}
		file.Tensors[name] = entry
		extents = append(extents, Extent{
			Name:   name,
			Offset: entry.DataOffsets[0],
			Size:   entry.DataOffsets[1] - entry.DataOffsets[0],
		})
	}
	if err := ValidateExtents(extents, int64(len(file.Data))); err != nil {
		return nil, err
	}
	return file, nil
}

// Names returns tensor names in data order.
func (f *SafeTensorsFile) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	sort.Slice(names, func(i, j int) bool {
		return f.Tensors[names[i]].DataOffsets[0] < f.Tensors[names[j]].DataOffsets[0]
	})
	return names
}

// Tensor decodes a single tensor.
func (f *SafeTensorsFile) Tensor(name string) (*tensor.RawTensor, error) {
	entry, ok := f.Tensors[name]
	if !ok {
		return nil, fmt.Errorf("tensor %s not found", name)
	}
	dtype, ok := safeTensorsToDtype(entry.DType)
	if !ok {
		return nil, &ValidationError{Type: "invalid_dtype", Tensor: name, Details: "unsupported dtype " + entry.DType}
	}
	shape := make([]int, len(entry.Shape))
	for i, dim := range entry.Shape {
		shape[i] = int(dim)
	}
	return decodeTensor(name, dtype.String(), shape, f.Data[entry.DataOffsets[0]:entry.DataOffsets[1]])
}

// StateDict decodes every tensor.
func (f *SafeTensorsFile) StateDict() (map[string]*tensor.RawTensor, error) {
	stateDict := make(map[string]*tensor.RawTensor, len(f.Tensors))
	for name := range f.Tensors {
		raw, err := f.Tensor(name)
		if err != nil {
			return nil, err
		}
		stateDict[name] = raw
	}
	return stateDict, nil
}

// dtypeToSafeTensors converts tensor.DataType to SafeTensors dtype string.
func dtypeToSafeTensors(dt tensor.DataType) string {
	switch dt {
	case tensor.Float32:
		return "F32"
	case tensor.Float64:
		return "F64"
	case tensor.Int32:
		return "I32"
	case tensor.Int64:
		return "I64"
	case tensor.Uint8:
		return "U8"
	case tensor.Bool:
		return "BOOL"
	default:
		return "F32"
	}
}

func safeTensorsToDtype(s string) (tensor.DataType, bool) {
	switch s {
	case "F32":
		return tensor.Float32, true
	case "F64":
		return tensor.Float64, true
	case "I32":
		return tensor.Int32, true
	case "I64":
		return tensor.Int64, true
	case "U8":
		return tensor.Uint8, true
	case "BOOL":
		return tensor.Bool, true
	default:
		return 0, false
	}
}
