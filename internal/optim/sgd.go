package optim

import (
	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/tensor"
)

// SGD implements Stochastic Gradient Descent optimizer with optional momentum.
//
// Update rule without momentum:
//
//	param = param - lr * gradient
//
// Update rule with momentum:
//
//	velocity = momentum * velocity + gradient
//	param = param - lr * velocity
type SGD struct {
	params     []*nn.Parameter
	lr         float32
	momentum   float32
	iterations int64
	velocities map[*nn.Parameter]*tensor.RawTensor
}

// SGDConfig holds configuration for SGD optimizer.
type SGDConfig struct {
	LR       float32 // Learning rate (default: 0.01)
	Momentum float32 // Momentum factor (default: 0.0, range: [0, 1))
}

// NewSGD creates a new SGD optimizer.
func NewSGD(params []*nn.Parameter, config SGDConfig) *SGD {
	if config.LR == 0 {
		config.LR = 0.01
	}
	return &SGD{
		params:     params,
		lr:         config.LR,
		momentum:   config.Momentum,
		velocities: make(map[*nn.Parameter]*tensor.RawTensor),
	}
}

// Step performs a single optimization step.
func (s *SGD) Step() {
	s.iterations++
	for _, param := range s.params {
		p := param.Tensor().AsFloat32()
		g := param.Grad().AsFloat32()

		if s.momentum == 0 {
			for i := range p {
				p[i] -= s.lr * g[i]
			}
			continue
		}

		velocity, exists := s.velocities[param]
		if !exists {
			velocity = tensor.Zeros(param.Tensor().Shape())
			s.velocities[param] = velocity
		}
		v := velocity.AsFloat32()
		for i := range p {
			v[i] = s.momentum*v[i] + g[i]
			p[i] -= s.lr * v[i]
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (s *SGD) ZeroGrad() {
	for _, param := range s.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (s *SGD) GetLR() float32 { return s.lr }

// SetLR updates the learning rate.
func (s *SGD) SetLR(lr float32) { s.lr = lr }

// Iterations returns the number of steps applied.
func (s *SGD) Iterations() int64 { return s.iterations }

// Config returns the SGD hyperparameters.
func (s *SGD) Config() Config {
	return Config{Type: TypeSGD, LR: s.lr, Momentum: s.momentum}
}

// StateDict returns the optimizer state for serialization.
//
// State keys: "iterations" and, with momentum, "velocity.{param_name}".
func (s *SGD) StateDict() map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{
		IterationsKey: tensor.Scalar(s.iterations),
	}
	for _, param := range s.params {
		if velocity, ok := s.velocities[param]; ok {
			stateDict[slotKey("velocity", param.Name())] = velocity
		}
	}
	return stateDict
}

// LoadStateDict loads optimizer state from serialization.
//
// Without momentum there is no velocity slot, so velocity entries come back
// as unresolved.
func (s *SGD) LoadStateDict(stateDict map[string]*tensor.RawTensor) ([]string, error) {
	iterations, ok, err := loadIterations(stateDict)
	if err != nil {
		return nil, err
	}
	slots := map[string]map[*nn.Parameter]*tensor.RawTensor{}
	velocities := make(map[*nn.Parameter]*tensor.RawTensor)
	if s.momentum != 0 {
		slots["velocity"] = velocities
	}
	unresolved, err := loadSlots(stateDict, s.params, slots)
	if err != nil {
		return unresolved, err
	}
	if ok {
		s.iterations = iterations
	}
	if s.momentum != 0 {
		s.velocities = velocities
	}
	return unresolved, nil
}
