package nn

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/savepoint/internal/tensor"
)

// Sequential is a container module that chains named layers together.
//
// Each module's output becomes the next module's input. Its state dict maps
// "<layer>.weight" / "<layer>.bias" to the live parameter tensors, which is
// the unit that checkpoints save and restore.
//
// Example:
//
//	model, err := nn.Build(nn.Architecture{
//	    InputDim: 784,
//	    Layers: []nn.LayerConfig{
//	        nn.DenseLayer(512, "relu"),
//	        nn.DropoutLayer(0.2),
//	        nn.DenseLayer(10, ""),
//	    },
//	}, seed)
type Sequential struct {
	name     string
	inputDim int
	modules  []Module
}

// Name returns the model name.
func (s *Sequential) Name() string { return s.name }

// InputDim returns the number of input features.
func (s *Sequential) InputDim() int { return s.inputDim }

// OutputDim returns the number of output features of the last layer.
func (s *Sequential) OutputDim() int {
	dim := s.inputDim
	for _, m := range s.modules {
		dim = m.OutputDim(dim)
	}
	return dim
}

// Len returns the number of modules in the sequence.
func (s *Sequential) Len() int { return len(s.modules) }

// Module returns the module at the given index.
//
// Panics if index is out of bounds.
func (s *Sequential) Module(index int) Module {
	if index < 0 || index >= len(s.modules) {
		panic("Sequential.Module: index out of bounds")
	}
	return s.modules[index]
}

// Forward applies all modules in sequence.
func (s *Sequential) Forward(input *tensor.RawTensor, training bool) *tensor.RawTensor {
	output := input
	for _, module := range s.modules {
		output = module.Forward(output, training)
	}
	return output
}

// Backward propagates dL/dOutput through all modules in reverse order.
func (s *Sequential) Backward(gradOutput *tensor.RawTensor) *tensor.RawTensor {
	grad := gradOutput
	for i := len(s.modules) - 1; i >= 0; i-- {
		grad = s.modules[i].Backward(grad)
	}
	return grad
}

// Parameters returns all trainable parameters, in layer order.
func (s *Sequential) Parameters() []*Parameter {
	var params []*Parameter
	for _, module := range s.modules {
		params = append(params, module.Parameters()...)
	}
	return params
}

// ZeroGrad clears all parameter gradients.
func (s *Sequential) ZeroGrad() {
	for _, p := range s.Parameters() {
		p.ZeroGrad()
	}
}

// NumParams returns the total number of trainable scalars.
func (s *Sequential) NumParams() int {
	n := 0
	for _, p := range s.Parameters() {
		n += p.Tensor().NumElements()
	}
	return n
}

// Architecture returns the description needed to rebuild this model.
func (s *Sequential) Architecture() Architecture {
	layers := make([]LayerConfig, len(s.modules))
	for i, m := range s.modules {
		layers[i] = m.Config()
	}
	return Architecture{Name: s.name, InputDim: s.inputDim, Layers: layers}
}

// StateDict returns a map of parameter names to the live parameter tensors.
//
// Callers that need a stable snapshot must Clone the tensors or serialize
// them before the next optimizer step.
func (s *Sequential) StateDict() map[string]*tensor.RawTensor {
	stateDict := make(map[string]*tensor.RawTensor)
	for _, p := range s.Parameters() {
		stateDict[p.Name()] = p.Tensor()
	}
	return stateDict
}

// LoadStateDict copies values from stateDict into the model parameters.
//
// Every parameter must be present with identical shape and dtype, and the
// dict must not contain tensors the model does not have. Validation happens
// before any value is copied, so on error the model is left untouched and the
// returned error is a *MismatchError.
func (s *Sequential) LoadStateDict(stateDict map[string]*tensor.RawTensor) error {
	params := s.Parameters()
	expected := make(map[string]bool, len(params))
	var problems []Mismatch

	for _, p := range params {
		expected[p.Name()] = true
		raw, ok := stateDict[p.Name()]
		if !ok {
			problems = append(problems, Mismatch{Tensor: p.Name(), Reason: "missing"})
			continue
		}
		if raw.DType() != p.Tensor().DType() {
			problems = append(problems, Mismatch{
				Tensor: p.Name(),
				Reason: fmt.Sprintf("dtype %s, model expects %s", raw.DType(), p.Tensor().DType()),
			})
			continue
		}
		if !raw.Shape().Equal(p.Tensor().Shape()) {
			problems = append(problems, Mismatch{
				Tensor: p.Name(),
				Reason: fmt.Sprintf("shape %v, model expects %v", raw.Shape(), p.Tensor().Shape()),
			})
		}
	}

	var unexpected []string
	for name := range stateDict {
		if !expected[name] {
			unexpected = append(unexpected, name)
		}
	}
	sort.Strings(unexpected)
	for _, name := range unexpected {
		problems = append(problems, Mismatch{Tensor: name, Reason: "unexpected"})
	}

	if len(problems) > 0 {
		return &MismatchError{Problems: problems}
	}

	for _, p := range params {
		if err := p.Tensor().CopyFrom(stateDict[p.Name()]); err != nil {
			return fmt.Errorf("failed to load %s: %w", p.Name(), err)
		}
	}
	return nil
}

// Summary renders a layer table similar to what training frameworks print.
func (s *Sequential) Summary() string {
	var sb strings.Builder
	name := s.name
	if name == "" {
		name = "sequential"
	}
	fmt.Fprintf(&sb, "Model: %q\n", name)
	fmt.Fprintf(&sb, "%-16s %-10s %-14s %10s\n", "Layer", "Type", "Output", "Params")
	dim := s.inputDim
	for _, m := range s.modules {
		dim = m.OutputDim(dim)
		n := 0
		for _, p := range m.Parameters() {
			n += p.Tensor().NumElements()
		}
		fmt.Fprintf(&sb, "%-16s %-10s %-14s %10d\n", m.Name(), m.Config().Type, fmt.Sprintf("(None, %d)", dim), n)
	}
	fmt.Fprintf(&sb, "Total params: %d\n", s.NumParams())
	return sb.String()
}
