package optim

import (
	"math"

	"github.com/born-ml/savepoint/internal/nn"
	"github.com/born-ml/savepoint/internal/tensor"
)

// Adam implements the Adam optimizer (Adaptive Moment Estimation).
//
// Adam combines momentum (first moment) with adaptive learning rates
// (second moment) and applies bias correction:
//
//	m_t = β1 * m_{t-1} + (1 - β1) * g_t
//	v_t = β2 * v_{t-1} + (1 - β2) * g_t²
//	m̂_t = m_t / (1 - β1^t)
//	v̂_t = v_t / (1 - β2^t)
//	θ_t = θ_{t-1} - α * m̂_t / (√v̂_t + ε)
//
// Reference: Kingma & Ba, "Adam: A Method for Stochastic Optimization" (2014).
type Adam struct {
	params []*nn.Parameter
	lr     float32
	beta1  float32
	beta2  float32
	eps    float32

	t int64
	m map[*nn.Parameter]*tensor.RawTensor
	v map[*nn.Parameter]*tensor.RawTensor
}

// AdamConfig holds configuration for Adam optimizer.
type AdamConfig struct {
	LR    float32    // Learning rate (default: 0.001)
	Betas [2]float32 // Coefficients for moment estimates (default: [0.9, 0.999])
	Eps   float32    // Numerical stability term (default: 1e-8)
}

// NewAdam creates a new Adam optimizer. Zero fields take their defaults.
func NewAdam(params []*nn.Parameter, config AdamConfig) *Adam {
	if config.LR == 0 {
		config.LR = 0.001
	}
	if config.Betas[0] == 0 {
		config.Betas[0] = 0.9
	}
	if config.Betas[1] == 0 {
		config.Betas[1] = 0.999
	}
	if config.Eps == 0 {
		config.Eps = 1e-8
	}
	return &Adam{
		params: params,
		lr:     config.LR,
		beta1:  config.Betas[0],
		beta2:  config.Betas[1],
		eps:    config.Eps,
		m:      make(map[*nn.Parameter]*tensor.RawTensor),
		v:      make(map[*nn.Parameter]*tensor.RawTensor),
	}
}

// Step performs a single optimization step.
func (a *Adam) Step() {
	a.t++
	bc1 := 1 - math.Pow(float64(a.beta1), float64(a.t))
	bc2 := 1 - math.Pow(float64(a.beta2), float64(a.t))

	for _, param := range a.params {
		if _, ok := a.m[param]; !ok {
			a.m[param] = tensor.Zeros(param.Tensor().Shape())
			a.v[param] = tensor.Zeros(param.Tensor().Shape())
		}
		p := param.Tensor().AsFloat32()
		g := param.Grad().AsFloat32()
		m := a.m[param].AsFloat32()
		v := a.v[param].AsFloat32()

		for i := range p {
			m[i] = a.beta1*m[i] + (1-a.beta1)*g[i]
			v[i] = a.beta2*v[i] + (1-a.beta2)*g[i]*g[i]
			mHat := float64(m[i]) / bc1
			vHat := float64(v[i]) / bc2
			p[i] -= float32(float64(a.lr) * mHat / (math.Sqrt(vHat) + float64(a.eps)))
		}
	}
}

// ZeroGrad clears gradients for all parameters.
func (a *Adam) ZeroGrad() {
	for _, param := range a.params {
		param.ZeroGrad()
	}
}

// GetLR returns the current learning rate.
func (a *Adam) GetLR() float32 { return a.lr }

// SetLR updates the learning rate.
func (a *Adam) SetLR(lr float32) { a.lr = lr }

// Iterations returns the current timestep.
func (a *Adam) Iterations() int64 { return a.t }

// Config returns the Adam hyperparameters.
func (a *Adam) Config() Config {
	return Config{Type: TypeAdam, LR: a.lr, Beta1: a.beta1, Beta2: a.beta2, Eps: a.eps}
}

// StateDict returns the optimizer state for serialization.
//
// State keys: "iterations", "m.{param_name}" and "v.{param_name}".
func (a *Adam) StateDict() map[string]*tensor.RawTensor {
	stateDict := map[string]*tensor.RawTensor{
		IterationsKey: tensor.Scalar(a.t),
	}
	for _, param := range a.params {
		if m, ok := a.m[param]; ok {
			stateDict[slotKey("m", param.Name())] = m
			stateDict[slotKey("v", param.Name())] = a.v[param]
		}
	}
	return stateDict
}

// LoadStateDict loads optimizer state from serialization.
//
// A parameter with only one of its two moments restored gets a zeroed
// partner so that Step never sees a half-initialized slot.
func (a *Adam) LoadStateDict(stateDict map[string]*tensor.RawTensor) ([]string, error) {
	t, ok, err := loadIterations(stateDict)
	if err != nil {
		return nil, err
	}
	m := make(map[*nn.Parameter]*tensor.RawTensor)
	v := make(map[*nn.Parameter]*tensor.RawTensor)
	unresolved, err := loadSlots(stateDict, a.params, map[string]map[*nn.Parameter]*tensor.RawTensor{
		"m": m,
		"v": v,
	})
	if err != nil {
		return unresolved, err
	}
	for param := range m {
		if _, has := v[param]; !has {
			v[param] = tensor.Zeros(param.Tensor().Shape())
		}
	}
	for param := range v {
		if _, has := m[param]; !has {
			m[param] = tensor.Zeros(param.Tensor().Shape())
		}
	}
	if ok {
		a.t = t
	}
	a.m, a.v = m, v
	return unresolved, nil
}
