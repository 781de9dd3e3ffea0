package nn

import (
	"errors"
	"fmt"
	"strings"
)

// ErrStructureMismatch is matched (errors.Is) by every failure to load a
// state dict into a model with a different topology.
var ErrStructureMismatch = errors.New("model structure mismatch")

// Mismatch describes one tensor that does not fit the target model.
type Mismatch struct {
	Tensor string // Tensor name (e.g., "dense.weight")
	Reason string // "missing", "unexpected", or a shape/dtype description
}

// MismatchError lists every incompatibility found while validating a state
// dict against a model. Nothing is loaded when it is returned.
type MismatchError struct {
	Problems []Mismatch
}

// Error implements the error interface.
func (e *MismatchError) Error() string {
	parts := make([]string, len(e.Problems))
	for i, p := range e.Problems {
		parts[i] = fmt.Sprintf("%s: %s", p.Tensor, p.Reason)
	}
	return fmt.Sprintf("%s (%d problems): %s", ErrStructureMismatch, len(e.Problems), strings.Join(parts, "; "))
}

// Is makes errors.Is(err, ErrStructureMismatch) true.
func (e *MismatchError) Is(target error) bool {
	return target == ErrStructureMismatch
}
