package losses

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultGamma is the focusing parameter of the focal loss.
const DefaultGamma = 2.0

type focal struct {
	gamma float64
}

// NewFocal returns the focal loss -(1-p)^gamma·log(p), p being the probability of the true class.
func NewFocal(gamma float64) Function {
	return &focal{gamma: gamma}
}

func (f *focal) Kind() Kind {
	return Focal
}

func (f *focal) Compute(logits mat.Matrix, labels []int) (float64, *mat.Dense, error) {
	rows, cols, err := checkInputs(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	probs, logProbs := logSoftmax(logits)
	batch := float64(rows)

	var loss float64
	grad := mat.NewDense(rows, cols, nil)
	for i, label := range labels {
		p := probs.At(i, label)
		logP := logProbs.At(i, label)
		remainder := 1 - p
		weight := math.Pow(remainder, f.gamma)
		loss -= weight * logP

		// d(loss)/d(p)·p, which keeps the gradient finite when p underflows
		scaled := -weight
		if f.gamma != 0 && remainder > 0 {
			scaled += f.gamma * math.Pow(remainder, f.gamma-1) * logP * p
		}
		for j := 0; j < cols; j++ {
			indicator := 0.0
			if j == label {
				indicator = 1
			}
			grad.Set(i, j, scaled*(indicator-probs.At(i, j))/batch)
		}
	}
	return loss / batch, grad, nil
}
