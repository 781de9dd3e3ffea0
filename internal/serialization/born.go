package serialization

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/born-ml/savepoint/internal/tensor"
)

// BornOptions configures WriteBornFile.
type BornOptions struct {
	Atomic bool // Write through a temporary file and rename
}

// ReaderOptions configures the behavior of ReadBorn.
type ReaderOptions struct {
	SkipChecksumValidation bool            // Skip checksum validation (faster but less safe)
	ValidationLevel        ValidationLevel // Validation strictness level
}

// WriteBorn writes stateDict to w in .born v2 format.
//
// Tensors are laid out in sorted name order; header.Tensors is computed and
// any value passed in is ignored.
func WriteBorn(w io.Writer, stateDict map[string]*tensor.RawTensor, header Header) error {
	header.FormatVersion = FormatVersionV2
	header.Producer = Version
	if header.CreatedAt.IsZero() {
		header.CreatedAt = time.Now().UTC()
	}
	if header.Metadata == nil {
		header.Metadata = make(map[string]string)
	}

	names := SortedNames(stateDict)
	header.Tensors = make([]TensorMeta, 0, len(names))
	var data bytes.Buffer
	for _, name := range names {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
		raw := stateDict[name]
		header.Tensors = append(header.Tensors, TensorMeta{
			Name:   name,
			DType:  raw.DType().String(),
			Shape:  []int(raw.Shape()),
			Offset: int64(data.Len()),
			Size:   int64(raw.ByteSize()),
		})
		data.Write(raw.Data())
	}
	checksum := ComputeChecksum(data.Bytes())

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("failed to marshal header: %w", err)
	}

	// 0x00 magic, 0x04 version, 0x08 flags, 0x0C reserved,
	// 0x10 header size, 0x18 data size, 0x20 SHA-256.
	fixed := make([]byte, FixedHeaderSizeV2)
	copy(fixed[0:4], MagicBytes)
	binary.LittleEndian.PutUint32(fixed[4:8], uint32(FormatVersionV2))
	flags := uint32(0)
	if len(header.Metadata) > 0 {
		flags |= FlagHasMetadata
	}
	if header.Training != nil && header.Training.OptimizerType != "" {
		flags |= FlagHasOptimizer
	}
	binary.LittleEndian.PutUint32(fixed[8:12], flags)
	binary.LittleEndian.PutUint64(fixed[16:24], uint64(len(headerJSON)))
	binary.LittleEndian.PutUint64(fixed[24:32], uint64(data.Len()))
	copy(fixed[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize], checksum[:])

	if _, err := w.Write(fixed); err != nil {
		return fmt.Errorf("failed to write fixed header: %w", err)
	}
	if _, err := w.Write(headerJSON); err != nil {
		return fmt.Errorf("failed to write header JSON: %w", err)
	}
	pos := int64(FixedHeaderSizeV2) + int64(len(headerJSON))
	if padding := alignedOffset(pos) - pos; padding > 0 {
		if _, err := w.Write(make([]byte, padding)); err != nil {
			return fmt.Errorf("failed to write padding: %w", err)
		}
	}
	if _, err := w.Write(data.Bytes()); err != nil {
		return fmt.Errorf("failed to write tensor data: %w", err)
	}
	return nil
}

// WriteBornFile writes a .born v2 file at path.
func WriteBornFile(path string, stateDict map[string]*tensor.RawTensor, header Header, opts BornOptions) error {
	return WriteFile(path, opts.Atomic, func(w *bufio.Writer) error {
		return WriteBorn(w, stateDict, header)
	})
}

// ReadBornFile reads a .born file (v1 or v2) with strict validation.
func ReadBornFile(path string) (map[string]*tensor.RawTensor, Header, error) {
	return ReadBornFileWith(path, ReaderOptions{ValidationLevel: ValidationStrict})
}

// ReadBornFileWith reads a .born file with the given reader options.
func ReadBornFileWith(path string, opts ReaderOptions) (map[string]*tensor.RawTensor, Header, error) {
	//nolint:gosec // G304: model paths are user supplied
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, Header{}, fmt.Errorf("failed to open file: %w", err)
	}
	return ReadBorn(data, opts)
}

// ReadBorn parses an in-memory .born file.
func ReadBorn(data []byte, opts ReaderOptions) (map[string]*tensor.RawTensor, Header, error) {
	if len(data) < 8 {
		return nil, Header{}, ErrTruncated
	}
	if string(data[0:4]) != MagicBytes {
		return nil, Header{}, ErrInvalidMagic
	}

	var (
		headerStart int64
		headerSize  uint64
		section     []byte
	)
	switch version := binary.LittleEndian.Uint32(data[4:8]); version {
	case FormatVersion:
		if len(data) < FixedHeaderSizeV1 {
			return nil, Header{}, ErrTruncated
		}
		headerStart = FixedHeaderSizeV1
		headerSize = binary.LittleEndian.Uint64(data[12:20])
		if headerSize > MaxHeaderSize || int64(headerSize) > int64(len(data))-headerStart {
			return nil, Header{}, ErrHeaderTooLarge
		}
		dataOffset := alignedOffset(headerStart + int64(headerSize))
		if dataOffset > int64(len(data)) {
			return nil, Header{}, ErrTruncated
		}
		section = data[dataOffset:]
	case FormatVersionV2:
		if len(data) < FixedHeaderSizeV2 {
			return nil, Header{}, ErrTruncated
		}
		headerStart = FixedHeaderSizeV2
		headerSize = binary.LittleEndian.Uint64(data[16:24])
		dataSize := binary.LittleEndian.Uint64(data[24:32])
		if headerSize > MaxHeaderSize || int64(headerSize) > int64(len(data))-headerStart {
			return nil, Header{}, ErrHeaderTooLarge
		}
		dataOffset := alignedOffset(headerStart + int64(headerSize))
		if dataOffset > int64(len(data)) || dataSize > uint64(int64(len(data))-dataOffset) {
			return nil, Header{}, ErrTruncated
		}
		section = data[dataOffset : dataOffset+int64(dataSize)]
		if !opts.SkipChecksumValidation {
			var stored [32]byte
			copy(stored[:], data[ChecksumOffsetV2:ChecksumOffsetV2+ChecksumSize])
			if err := ValidateChecksum(ComputeChecksum(section), stored); err != nil {
				return nil, Header{}, err
			}
		}
	default:
		return nil, Header{}, fmt.Errorf("%w: got %d, expected %d or %d",
			ErrUnsupportedVersion, version, FormatVersion, FormatVersionV2)
	}

	var header Header
	if err := json.Unmarshal(data[headerStart:headerStart+int64(headerSize)], &header); err != nil {
		return nil, Header{}, fmt.Errorf("failed to parse header JSON: %w", err)
	}
	if err := ValidateHeader(&header, int64(len(section)), opts.ValidationLevel); err != nil {
		return nil, Header{}, fmt.Errorf("validation failed: %w", err)
	}

	stateDict := make(map[string]*tensor.RawTensor, len(header.Tensors))
	for _, meta := range header.Tensors {
		if meta.Offset < 0 || meta.Size < 0 || meta.Offset > int64(len(section)) || meta.Size > int64(len(section))-meta.Offset {
			return nil, Header{}, &ValidationError{Type: "out_of_bounds", Tensor: meta.Name, Details: "tensor data outside file"}
		}
		raw, err := decodeTensor(meta.Name, meta.DType, meta.Shape, section[meta.Offset:meta.Offset+meta.Size])
		if err != nil {
			return nil, Header{}, err
		}
		stateDict[meta.Name] = raw
	}
	return stateDict, header, nil
}
