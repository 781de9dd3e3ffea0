package serialization

import (
	"fmt"
	"sort"
	"strings"
)

// Validation limits for security and resource protection.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount   = 100_000           // Maximum number of tensors in a file
	MaxTensorNameLen = 4096              // Maximum tensor name length
)

// ValidationLevel controls the strictness of validation.
type ValidationLevel int

const (
	// ValidationStrict performs all validation checks (default).
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names and counts but not offsets.
	ValidationNormal
	// ValidationNone skips validation. Use only with trusted input.
	ValidationNone
)

// String returns the level name accepted by ParseValidationLevel.
func (l ValidationLevel) String() string {
	switch l {
	case ValidationStrict:
		return "strict"
	case ValidationNormal:
		return "normal"
	case ValidationNone:
		return "none"
	default:
		return fmt.Sprintf("ValidationLevel(%d)", int(l))
	}
}

// ParseValidationLevel parses "strict", "normal" or "none".
func ParseValidationLevel(s string) (ValidationLevel, error) {
	for _, l := range []ValidationLevel{ValidationStrict, ValidationNormal, ValidationNone} {
		if s == l.String() {
			return l, nil
		}
	}
	return 0, fmt.Errorf("unknown validation level %q (want strict, normal or none)", s)
}

// ValidateExtents checks for overlapping ranges and out-of-bounds access
// within a data section of dataSize bytes.
func ValidateExtents(extents []Extent, dataSize int64) error {
	if len(extents) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(extents), MaxTensorCount),
		}
	}

	sorted := make([]Extent, len(extents))
	copy(sorted, extents)
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].Offset < sorted[j].Offset
	})

	for i, e := range sorted {
		if e.Offset < 0 || e.Size < 0 {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  e.Name,
				Details: fmt.Sprintf("offset=%d, size=%d (negative values not allowed)", e.Offset, e.Size),
			}
		}
		if e.Offset > dataSize || e.Size > dataSize-e.Offset {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  e.Name,
				Details: fmt.Sprintf("offset %d + size %d > data_size %d", e.Offset, e.Size, dataSize),
			}
		}
		if i < len(sorted)-1 {
			next := sorted[i+1]
			if e.Offset+e.Size > next.Offset {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  e.Name,
					Tensor2: next.Name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						e.Offset, e.Offset+e.Size, next.Offset, next.Offset+next.Size),
				}
			}
		}
	}
	return nil
}

// ValidateTensorName rejects empty names, path traversal and control bytes.
func ValidateTensorName(name string) error {
	if name == "" {
		return &ValidationError{Type: "invalid_name", Details: "empty tensor name"}
	}
	if len(name) > MaxTensorNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name,
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	}
	if strings.Contains(name, "..") {
		return &ValidationError{
			Type:    "invalid_name",
			Tensor:  name,
			Details: "contains '..' (path traversal attempt)",
		}
	}
	if strings.ContainsAny(name, "/\\") {
		return &ValidationError{
			Type:    "invalid_name",
			Tensor:  name,
			Details: "contains path separator (/ or \\)",
		}
	}
	if strings.Contains(name, "\x00") {
		return &ValidationError{
			Type:    "invalid_name",
			Tensor:  name,
			Details: "contains null byte",
		}
	}
	return nil
}

// ValidateHeader performs header validation for a .born file.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}
	extents := make([]Extent, 0, len(h.Tensors))
	for _, t := range h.Tensors {
		if err := ValidateTensorName(t.Name); err != nil {
			return err
		}
		extents = append(extents, Extent{Name: t.Name, Offset: t.Offset, Size: t.Size})
	}
	if len(extents) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(extents), MaxTensorCount),
		}
	}
	if level == ValidationStrict {
		return ValidateExtents(extents, dataSize)
	}
	return nil
}
