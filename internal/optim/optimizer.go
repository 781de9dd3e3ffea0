// Package optim implements optimization algorithms for training neural networks.
//
// This package provides:
//   - Optimizer interface: Base interface for all optimizers
//   - SGD: Stochastic Gradient Descent with momentum
//   - Adam: Adaptive Moment Estimation
//
// Optimizer state (iteration count, momentum buffers, Adam moments) is
// exposed through StateDict/LoadStateDict so that full-model saves can
// resume training exactly where it stopped.
//
// Example usage:
//
//	optimizer, err := optim.New(optim.Config{Type: optim.TypeAdam, LR: 0.001}, model.Parameters())
//
//	// Training step
//	model.ZeroGrad()
//	logits := model.Forward(x, true)
//	loss, grad := nn.SoftmaxCrossEntropy{}.Forward(logits, labels)
//	model.Backward(grad)
//	optimizer.Step()
package optim

import (
	"fmt"
	"strings"

	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Optimizer type identifiers used in Config.Type.
const (
	TypeSGD  = "sgd"
	TypeAdam = "adam"
)

// IterationsKey is the state dict entry holding the number of applied steps.
const IterationsKey = "iterations"

// Optimizer is the base interface for all optimization algorithms.
type Optimizer interface {
	// Step applies the gradients currently accumulated in the parameters.
	Step()

	// ZeroGrad clears all parameter gradients.
	ZeroGrad()

	// GetLR returns the current learning rate.
	GetLR() float32

	// SetLR updates the learning rate.
	SetLR(lr float32)

	// Iterations returns the number of steps applied so far.
	Iterations() int64

	// Config returns the hyperparameters needed to rebuild this optimizer.
	Config() Config

	// StateDict returns the optimizer state for serialization.
	StateDict() map[string]*tensor.RawTensor

	// LoadStateDict restores state produced by StateDict.
	//
	// Entries that cannot be matched to a slot of this optimizer are skipped
	// and returned as unresolved, so the caller can warn and continue with a
	// partial restore. Entries that match but have the wrong shape are errors.
	LoadStateDict(stateDict map[string]*tensor.RawTensor) (unresolved []string, err error)
}

// Config is the serializable configuration shared by all optimizers.
type Config struct {
	Type     string  `json:"type" yaml:"type"`                             // "sgd" or "adam"
	LR       float32 `json:"learning_rate" yaml:"learning_rate"`           // Learning rate
	Momentum float32 `json:"momentum,omitempty" yaml:"momentum,omitempty"` // SGD momentum
	Beta1    float32 `json:"beta_1,omitempty" yaml:"beta_1,omitempty"`     // Adam first moment decay
	Beta2    float32 `json:"beta_2,omitempty" yaml:"beta_2,omitempty"`     // Adam second moment decay
	Eps      float32 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`   // Adam numerical stability term
}

// New creates the optimizer described by cfg over params.
func New(cfg Config, params []*nn.Parameter) (Optimizer, error) {
	switch strings.ToLower(cfg.Type) {
	case TypeSGD:
		return NewSGD(params, SGDConfig{LR: cfg.LR, Momentum: cfg.Momentum}), nil
	case TypeAdam, "":
		return NewAdam(params, AdamConfig{LR: cfg.LR, Betas: [2]float32{cfg.Beta1, cfg.Beta2}, Eps: cfg.Eps}), nil
	default:
		return nil, fmt.Errorf("unknown optimizer type %q", cfg.Type)
	}
}

// slotKey builds the state dict key for a per-parameter slot.
func slotKey(slot, param string) string {
	return slot + "." + param
}

// splitSlotKey is the inverse of slotKey.
func splitSlotKey(key string) (slot, param string, ok bool) {
	return strings.Cut(key, ".")
}

// loadIterations reads the iteration counter if present.
func loadIterations(stateDict map[string]*tensor.RawTensor) (int64, bool, error) {
	raw, ok := stateDict[IterationsKey]
	if !ok {
		return 0, false, nil
	}
	if raw.DType() != tensor.Int64 || raw.NumElements() != 1 {
		return 0, false, fmt.Errorf("%s: expected int64 scalar, got %s", IterationsKey, raw)
	}
	return raw.AsInt64()[0], true, nil
}

// paramIndex maps parameter names to parameters.
func paramIndex(params []*nn.Parameter) map[string]*nn.Parameter {
	index := make(map[string]*nn.Parameter, len(params))
	for _, p := range params {
		index[p.Name()] = p
	}
	return index
}

// loadSlots restores per-parameter slot tensors named in slots into dst.
func loadSlots(
	stateDict map[string]*tensor.RawTensor,
	params []*nn.Parameter,
	slots map[string]map[*nn.Parameter]*tensor.RawTensor,
) (unresolved []string, err error) {
	index := paramIndex(params)
	for key, raw := range stateDict {
		if key == IterationsKey {
			continue
		}
		slot, name, ok := splitSlotKey(key)
		dst, known := slots[slot]
		param, found := index[name]
		if !ok || !known || !found {
			unresolved = append(unresolved, key)
			continue
		}
		if !raw.Shape().Equal(param.Tensor().Shape()) || raw.DType() != tensor.Float32 {
			return unresolved, fmt.Errorf("%s: %s does not match parameter shape %v", key, raw, param.Tensor().Shape())
		}
		dst[param] = raw.Clone()
	}
	return unresolved, nil
}
