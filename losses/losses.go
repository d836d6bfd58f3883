// Package losses provides the classification losses a training session can optimise. Every loss
// returns the mean loss over the batch together with its gradient with respect to the logits.
package losses

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/retune/util/errutil"
)

// Kind identifies one of the supported loss functions.
type Kind uint8

const (
	CrossEntropy Kind = iota
	LabelSmoothing
	Focal
	SoftF1
)

var kindNames = map[Kind]string{
	CrossEntropy:   "CE",
	LabelSmoothing: "LB",
	Focal:          "focal",
	SoftF1:         "f1",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// Function is a loss over a batch of logits (batch, num_labels) and integer labels (batch).
type Function interface {
	Kind() Kind
	// Compute returns the mean loss and dLoss/dLogits with the shape of logits.
	Compute(logits mat.Matrix, labels []int) (float64, *mat.Dense, error)
}

var constructors = map[Kind]func() Function{
	CrossEntropy:   func() Function { return NewCrossEntropy() },
	LabelSmoothing: func() Function { return NewLabelSmoothing(DefaultSmoothing) },
	Focal:          func() Function { return NewFocal(DefaultGamma) },
	SoftF1:         func() Function { return NewSoftF1(DefaultF1Epsilon) },
}

// ParseKind resolves a configured loss name (CE, LB, focal, f1).
func ParseKind(name string) (Kind, error) {
	for kind, kindName := range kindNames {
		if kindName == name {
			return kind, nil
		}
	}
	return 0, errutil.NewConfigurationError("loss", name, "supported losses are CE, LB, focal and f1")
}

// New returns the loss function of the given kind with its default constants.
func New(kind Kind) (Function, error) {
	constructor, ok := constructors[kind]
	if !ok {
		return nil, errutil.NewConfigurationError("loss", kind, "no such loss kind")
	}
	return constructor(), nil
}

// Select returns the loss function configured by name.
func Select(name string) (Function, error) {
	kind, err := ParseKind(name)
	if err != nil {
		return nil, err
	}
	return New(kind)
}

func checkInputs(logits mat.Matrix, labels []int) (int, int, error) {
	rows, cols := logits.Dims()
	if rows != len(labels) {
		return 0, 0, fmt.Errorf("logits have %d rows but there are %d labels", rows, len(labels))
	}
	if rows == 0 {
		return 0, 0, fmt.Errorf("empty batch")
	}
	for i, label := range labels {
		if label < 0 || label >= cols {
			return 0, 0, fmt.Errorf("label %d at index %d is outside [0, %d)", label, i, cols)
		}
	}
	return rows, cols, nil
}

// logSoftmax returns the row-wise probabilities and log probabilities of logits.
func logSoftmax(logits mat.Matrix) (*mat.Dense, *mat.Dense) {
	rows, cols := logits.Dims()
	probs := mat.NewDense(rows, cols, nil)
	logProbs := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		maxLogit := math.Inf(-1)
		for j := 0; j < cols; j++ {
			maxLogit = math.Max(maxLogit, logits.At(i, j))
		}
		var sumExp float64
		for j := 0; j < cols; j++ {
			sumExp += math.Exp(logits.At(i, j) - maxLogit)
		}
		logSum := math.Log(sumExp) + maxLogit
		for j := 0; j < cols; j++ {
			logProb := logits.At(i, j) - logSum
			logProbs.Set(i, j, logProb)
			probs.Set(i, j, math.Exp(logProb))
		}
	}
	return probs, logProbs
}

// Softmax returns the row-wise class probabilities of logits.
func Softmax(logits mat.Matrix) *mat.Dense {
	probs, _ := logSoftmax(logits)
	return probs
}

// softmaxBackward turns dLoss/dProbs into dLoss/dLogits, row by row.
func softmaxBackward(probs, gradProbs *mat.Dense) *mat.Dense {
	rows, cols := probs.Dims()
	grad := mat.NewDense(rows, cols, nil)
	for i := 0; i < rows; i++ {
		dot := mat.Dot(probs.RowView(i), gradProbs.RowView(i))
		for j := 0; j < cols; j++ {
			grad.Set(i, j, probs.At(i, j)*(gradProbs.At(i, j)-dot))
		}
	}
	return grad
}
