package nn

import (
	"fmt"
	"math/rand"
	"strings"
)

// Layer type identifiers used in LayerConfig.Type.
const (
	TypeDense   = "dense"
	TypeReLU    = "relu"
	TypeDropout = "dropout"
)

// LayerConfig is the serializable description of a single layer.
// It is what full-model saves store as "architecture".
type LayerConfig struct {
	Type       string  `json:"type" yaml:"type"`                                 // One of the Type* constants
	Name       string  `json:"name,omitempty" yaml:"name,omitempty"`             // Assigned by Build when empty
	Units      int     `json:"units,omitempty" yaml:"units,omitempty"`           // Dense output features
	Activation string  `json:"activation,omitempty" yaml:"activation,omitempty"` // Dense activation: "" or "relu"
	Rate       float64 `json:"rate,omitempty" yaml:"rate,omitempty"`             // Dropout rate
}

// Architecture fully describes a Sequential model's topology.
type Architecture struct {
	Name     string        `json:"name" yaml:"name"`
	InputDim int           `json:"input_dim" yaml:"input_dim"`
	Layers   []LayerConfig `json:"layers" yaml:"layers"`
}

// DenseLayer describes a fully connected layer.
func DenseLayer(units int, activation string) LayerConfig {
	return LayerConfig{Type: TypeDense, Units: units, Activation: activation}
}

// DropoutLayer describes a dropout layer.
func DropoutLayer(rate float64) LayerConfig {
	return LayerConfig{Type: TypeDropout, Rate: rate}
}

// ReLULayer describes a standalone ReLU activation.
func ReLULayer() LayerConfig {
	return LayerConfig{Type: TypeReLU}
}

// ReservedName is the namespace full-model saves keep optimizer state under,
// next to the model's own tensors. No layer may be named after it.
const ReservedName = "optimizer"

// checkLayerName rejects names that would make parameter names ambiguous.
func checkLayerName(name string) error {
	if name == ReservedName {
		return fmt.Errorf("layer name %q is reserved", name)
	}
	if strings.ContainsAny(name, "./\\ \t\n\x00") {
		return fmt.Errorf("layer name %q must not contain '.', path separators or whitespace", name)
	}
	return nil
}

// Build creates a freshly initialized model for arch. Layers without a name
// get one following the "dense", "dense_1", "dense_2" convention. seed drives
// both weight initialization and dropout masks.
func Build(arch Architecture, seed int64) (*Sequential, error) {
	if arch.InputDim <= 0 {
		return nil, fmt.Errorf("architecture %q: input_dim must be > 0, got %d", arch.Name, arch.InputDim)
	}
	if len(arch.Layers) == 0 {
		return nil, fmt.Errorf("architecture %q: no layers", arch.Name)
	}

	//nolint:gosec // math/rand is intended: reproducible initialisation
	rng := rand.New(rand.NewSource(seed))
	counts := make(map[string]int)
	seen := make(map[string]bool)
	modules := make([]Module, 0, len(arch.Layers))
	dim := arch.InputDim

	for i, cfg := range arch.Layers {
		name := cfg.Name
		if name == "" {
			name = cfg.Type
			if n := counts[cfg.Type]; n > 0 {
				name = fmt.Sprintf("%s_%d", cfg.Type, n)
			}
		}
		counts[cfg.Type]++
		if err := checkLayerName(name); err != nil {
			return nil, fmt.Errorf("layer %d: %w", i, err)
		}
		if seen[name] {
			return nil, fmt.Errorf("layer %d: duplicate layer name %q", i, name)
		}
		seen[name] = true

		var m Module
		switch cfg.Type {
		case TypeDense:
			if cfg.Units <= 0 {
				return nil, fmt.Errorf("layer %q: units must be > 0, got %d", name, cfg.Units)
			}
			if cfg.Activation != "" && cfg.Activation != TypeReLU {
				return nil, fmt.Errorf("layer %q: unsupported activation %q", name, cfg.Activation)
			}
			m = NewDense(name, dim, cfg.Units, cfg.Activation == TypeReLU, rng)
		case TypeReLU:
			m = NewReLU(name)
		case TypeDropout:
			if cfg.Rate < 0 || cfg.Rate >= 1 {
				return nil, fmt.Errorf("layer %q: dropout rate must be in [0, 1), got %g", name, cfg.Rate)
			}
			//nolint:gosec // dropout masks do not need a CSPRNG
			m = NewDropout(name, cfg.Rate, rand.New(rand.NewSource(rng.Int63())))
		default:
			return nil, fmt.Errorf("layer %q: unknown layer type %q", name, cfg.Type)
		}
		dim = m.OutputDim(dim)
		modules = append(modules, m)
	}

	return &Sequential{
		name:     arch.Name,
		inputDim: arch.InputDim,
		modules:  modules,
	}, nil
}
