package losses

import (
	"math"

	"gonum.org/v1/gonum/mat"
)

// DefaultF1Epsilon guards the soft F1 divisions and bounds each class score to [eps, 1-eps].
const DefaultF1Epsilon = 1e-7

type softF1 struct {
	epsilon float64
}

// NewSoftF1 returns 1 - macro soft F1, computed from softmax probabilities instead of hard predictions.
func NewSoftF1(epsilon float64) Function {
	return &softF1{epsilon: epsilon}
}

func (f *softF1) Kind() Kind {
	return SoftF1
}

func (f *softF1) Compute(logits mat.Matrix, labels []int) (float64, *mat.Dense, error) {
	rows, cols, err := checkInputs(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	eps := f.epsilon
	probs, _ := logSoftmax(logits)

	truePositives := make([]float64, cols)
	predicted := make([]float64, cols) // tp + fp
	actual := make([]float64, cols)    // tp + fn
	for i, label := range labels {
		truePositives[label] += probs.At(i, label)
		actual[label]++
		for j := 0; j < cols; j++ {
			predicted[j] += probs.At(i, j)
		}
	}

	var meanF1 float64
	dPrecision := make([]float64, cols)
	dRecall := make([]float64, cols)
	clamped := make([]bool, cols)
	for c := 0; c < cols; c++ {
		precision := truePositives[c] / (predicted[c] + eps)
		recall := truePositives[c] / (actual[c] + eps)
		denominator := precision + recall + eps
		score := 2 * precision * recall / denominator
		if score < eps || score > 1-eps {
			clamped[c] = true
			score = math.Min(math.Max(score, eps), 1-eps)
		}
		meanF1 += score
		dPrecision[c] = 2 * recall * (recall + eps) / (denominator * denominator)
		dRecall[c] = 2 * precision * (precision + eps) / (denominator * denominator)
	}
	meanF1 /= float64(cols)

	gradProbs := mat.NewDense(rows, cols, nil)
	for i, label := range labels {
		for c := 0; c < cols; c++ {
			if clamped[c] {
				continue
			}
			onehot := 0.0
			if c == label {
				onehot = 1
			}
			predictedEps := predicted[c] + eps
			precisionGrad := onehot/predictedEps - truePositives[c]/(predictedEps*predictedEps)
			recallGrad := onehot / (actual[c] + eps)
			gradProbs.Set(i, c, -(dPrecision[c]*precisionGrad+dRecall[c]*recallGrad)/float64(cols))
		}
	}
	return 1 - meanF1, softmaxBackward(probs, gradProbs), nil
}
