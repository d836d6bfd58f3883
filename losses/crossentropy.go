package losses

import "gonum.org/v1/gonum/mat"

// DefaultSmoothing is the probability mass spread uniformly over all classes by the label smoothing loss.
const DefaultSmoothing = 0.1

type crossEntropy struct {
	kind      Kind
	smoothing float64
}

// NewCrossEntropy returns the standard multi-class cross-entropy loss.
func NewCrossEntropy() Function {
	return &crossEntropy{kind: CrossEntropy}
}

// NewLabelSmoothing returns cross-entropy against the soft target (1-smoothing)·onehot + smoothing/C.
func NewLabelSmoothing(smoothing float64) Function {
	return &crossEntropy{kind: LabelSmoothing, smoothing: smoothing}
}

func (c *crossEntropy) Kind() Kind {
	return c.kind
}

func (c *crossEntropy) Compute(logits mat.Matrix, labels []int) (float64, *mat.Dense, error) {
	rows, cols, err := checkInputs(logits, labels)
	if err != nil {
		return 0, nil, err
	}
	probs, logProbs := logSoftmax(logits)
	batch := float64(rows)
	offTarget := c.smoothing / float64(cols)

	var loss float64
	grad := mat.NewDense(rows, cols, nil)
	for i, label := range labels {
		for j := 0; j < cols; j++ {
			target := offTarget
			if j == label {
				target += 1 - c.smoothing
			}
			if target != 0 {
				loss -= target * logProbs.At(i, j)
			}
			grad.Set(i, j, (probs.At(i, j)-target)/batch)
		}
	}
	return loss / batch, grad, nil
}
