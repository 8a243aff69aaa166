package optim

import (
	"math"

	"github.com/viterin/vek"

	"github.com/cnclabs/grade/pkg/tensor"
)

// Optimizer applies one update to a parameter set from its accumulated
// gradients. Gradients are not cleared; call ZeroGrad between steps.
type Optimizer interface {
	Step(params []*tensor.Tensor)
}

// ZeroGrad clears the accumulated gradients of every parameter.
func ZeroGrad(params []*tensor.Tensor) {
	for _, p := range params {
		p.ZeroGrad()
	}
}

// SGD is stochastic gradient descent with optional momentum and L2 weight
// decay.
type SGD struct {
	LR          float64
	Momentum    float64
	WeightDecay float64

	vel [][]float64
}

// NewSGD returns plain SGD with the given learning rate.
func NewSGD(lr float64) *SGD {
	return &SGD{LR: lr}
}

// Step updates every parameter in place.
func (s *SGD) Step(params []*tensor.Tensor) {
	if s.vel == nil && s.Momentum != 0 {
		s.vel = make([][]float64, len(params))
		for i, p := range params {
			s.vel[i] = make([]float64, len(p.Data()))
		}
	}
	for i, p := range params {
		w := p.Data()
		g := p.Grad()
		if s.WeightDecay != 0 {
			vek.Add_Inplace(g, vek.MulNumber(w, s.WeightDecay))
		}
		if s.Momentum != 0 {
			v := s.vel[i]
			vek.MulNumber_Inplace(v, s.Momentum)
			vek.Add_Inplace(v, g)
			g = v
		}
		vek.Sub_Inplace(w, vek.MulNumber(g, s.LR))
	}
}

// Adam is the Adam optimizer with the usual bias-corrected moment estimates.
type Adam struct {
	LR    float64
	Beta1 float64
	Beta2 float64
	Eps   float64

	m [][]float64
	v [][]float64
	t int
}

// NewAdam returns Adam with the standard beta and epsilon defaults.
func NewAdam(lr float64) *Adam {
	return &Adam{LR: lr, Beta1: 0.9, Beta2: 0.999, Eps: 1e-8}
}

// Step updates every parameter in place.
func (a *Adam) Step(params []*tensor.Tensor) {
	if a.m == nil {
		a.m = make([][]float64, len(params))
		a.v = make([][]float64, len(params))
		for i, p := range params {
			a.m[i] = make([]float64, len(p.Data()))
			a.v[i] = make([]float64, len(p.Data()))
		}
	}
	a.t++
	c1 := 1 - math.Pow(a.Beta1, float64(a.t))
	c2 := 1 - math.Pow(a.Beta2, float64(a.t))
	for i, p := range params {
		w := p.Data()
		g := p.Grad()
		m := a.m[i]
		v := a.v[i]
		for j, gj := range g {
			m[j] = a.Beta1*m[j] + (1-a.Beta1)*gj
			v[j] = a.Beta2*v[j] + (1-a.Beta2)*gj*gj
			mHat := m[j] / c1
			vHat := v[j] / c2
			w[j] -= a.LR * mHat / (math.Sqrt(vHat) + a.Eps)
		}
	}
}
