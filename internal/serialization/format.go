package serialization

import (
	"sort"
	"time"

	"github.com/born-ml/savepoint/internal/tensor"
)

// Version is the producer version recorded in every file this package writes.
const Version = "0.3.0"

// Format constants.
const (
	MagicBytes        = "BORN"
	FormatVersion     = 1    // v1: Basic format without checksum
	FormatVersionV2   = 2    // v2: With SHA-256 checksum
	HeaderAlignment   = 64   // Align tensor data to 64 bytes
	FixedHeaderSizeV1 = 20   // magic + version + flags + header size
	FixedHeaderSizeV2 = 64   // v2 fixed header size (0x40 bytes)
	ChecksumSize      = 32   // SHA-256 checksum size (32 bytes)
	ChecksumOffsetV2  = 0x20 // Checksum offset in v2 fixed header
)

// Flags for the .born format.
const (
	FlagCompressed   uint32 = 1 << 0 // bit 0: gzip compression (reserved)
	FlagHasOptimizer uint32 = 1 << 1 // bit 1: optimizer state included
	FlagHasMetadata  uint32 = 1 << 2 // bit 2: custom metadata included
)

// Header represents the JSON header in a .born file.
type Header struct {
	FormatVersion int               `json:"format_version"`     // Version of the .born format
	Producer      string            `json:"producer"`           // Version of the library that wrote the file
	ModelType     string            `json:"model_type"`         // Type of model (e.g., "Sequential")
	CreatedAt     time.Time         `json:"created_at"`         // When the file was created
	Tensors       []TensorMeta      `json:"tensors"`            // Tensor metadata
	Metadata      map[string]string `json:"metadata"`           // Custom metadata
	Training      *TrainingMeta     `json:"training,omitempty"` // Training state (full-model saves)
}

// TrainingMeta describes the training state stored alongside the weights.
type TrainingMeta struct {
	Epoch           int            `json:"epoch"`                      // Last completed epoch
	Step            int64          `json:"step"`                       // Completed batches
	Loss            string         `json:"loss,omitempty"`             // Loss function name
	OptimizerType   string         `json:"optimizer_type,omitempty"`   // "sgd", "adam", ...
	OptimizerConfig map[string]any `json:"optimizer_config,omitempty"` // Optimizer hyperparameters
	Logs            Metrics        `json:"logs,omitempty"`             // Last reported metrics
}

// TensorMeta describes a tensor in the .born file.
type TensorMeta struct {
	Name   string `json:"name"`   // Tensor name (e.g., "dense.weight")
	DType  string `json:"dtype"`  // Data type (e.g., "float32")
	Shape  []int  `json:"shape"`  // Tensor shape
	Offset int64  `json:"offset"` // Offset in the data section
	Size   int64  `json:"size"`   // Size in bytes
}

// Extent is a named byte range inside a data section.
type Extent struct {
	Name   string
	Offset int64
	Size   int64
}

// SortedNames returns the keys of stateDict in lexical order. All writers
// lay tensors out in this order so output is deterministic.
func SortedNames(stateDict map[string]*tensor.RawTensor) []string {
	names := make([]string, 0, len(stateDict))
	for name := range stateDict {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// StateDictBytes returns the total payload size of stateDict.
func StateDictBytes(stateDict map[string]*tensor.RawTensor) int64 {
	var n int64
	for _, raw := range stateDict {
		n += int64(raw.ByteSize())
	}
	return n
}

// alignedOffset returns the data section offset after a header ending at pos.
func alignedOffset(pos int64) int64 {
	return pos + (HeaderAlignment-(pos%HeaderAlignment))%HeaderAlignment
}

// decodeTensor builds a tensor from its serialized description.
func decodeTensor(name, dtype string, shape []int, data []byte) (*tensor.RawTensor, error) {
	dt, err := tensor.ParseDataType(dtype)
	if err != nil {
		return nil, &ValidationError{Type: "invalid_dtype", Tensor: name, Details: err.Error()}
	}
	raw, err := tensor.FromBytes(tensor.Shape(shape), dt, data)
	if err != nil {
		return nil, &ValidationError{Type: "invalid_shape", Tensor: name, Details: err.Error()}
	}
	return raw, nil
}
