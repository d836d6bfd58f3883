package backends

import (
	"math"

	"gonum.org/v1/gonum/floats"
)

// AdamW is Adam with decoupled weight decay.
type AdamW struct {
	Beta1       float64
	Beta2       float64
	Epsilon     float64
	WeightDecay float64
	m           [][]float64
	v           [][]float64
	t           int
}

func NewAdamW(weightDecay float64) *AdamW {
	return &AdamW{
		Beta1:       0.9,
		Beta2:       0.999,
		Epsilon:     1e-8,
		WeightDecay: weightDecay,
	}
}

// Step updates the parameters from their gradients with the given learning rate.
func (o *AdamW) Step(params []*Parameter, learningRate float64) {
	// Lazy memory allocation
	if o.m == nil {
		o.m = make([][]float64, len(params))
		o.v = make([][]float64, len(params))
		for i, p := range params {
			o.m[i] = make([]float64, len(p.Value))
			o.v[i] = make([]float64, len(p.Value))
		}
	}
	o.t++
	correction1 := 1 - math.Pow(o.Beta1, float64(o.t))
	correction2 := 1 - math.Pow(o.Beta2, float64(o.t))
	for i, p := range params {
		m, v := o.m[i], o.v[i]
		decay := 0.0
		if p.Decay {
			decay = o.WeightDecay
		}
		for j, gradient := range p.Grad {
			// Momentum update
			m[j] = o.Beta1*m[j] + (1-o.Beta1)*gradient
			// RMSprop update
			v[j] = o.Beta2*v[j] + (1-o.Beta2)*gradient*gradient
			mHat := m[j] / correction1
			vHat := v[j] / correction2
			p.Value[j] -= learningRate * (mHat/(math.Sqrt(vHat)+o.Epsilon) + decay*p.Value[j])
		}
	}
}

// Steps returns the number of updates applied.
func (o *AdamW) Steps() int {
	return o.t
}

// ClipGradNorm rescales all gradients so that their global L2 norm is at most maxNorm and returns
// the norm before clipping. A maxNorm <= 0 disables clipping.
func ClipGradNorm(params []*Parameter, maxNorm float64) float64 {
	var sumSquares float64
	for _, p := range params {
		paramNorm := floats.Norm(p.Grad, 2)
		sumSquares += paramNorm * paramNorm
	}
	norm := math.Sqrt(sumSquares)
	if maxNorm <= 0 || norm <= maxNorm {
		return norm
	}
	scale := maxNorm / (norm + 1e-6)
	for _, p := range params {
		floats.Scale(scale, p.Grad)
	}
	return norm
}
