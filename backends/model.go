package backends

import (
	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/retune/datasets"
)

// Parameter is a trainable tensor seen as a flat slice, with its gradient.
type Parameter struct {
	Name  string
	Value []float64
	Grad  []float64
	Decay bool // whether weight decay applies
}

// Model is the trainable classifier a training session drives.
type Model interface {
	// Forward computes the logits (batch, num_labels) and keeps what Backward needs.
	Forward(batch datasets.Batch) (*mat.Dense, error)
	// Backward accumulates the parameter gradients for dLoss/dLogits of the last Forward call.
	Backward(gradLogits *mat.Dense) error
	// Predict computes logits without recording anything. It is safe to call concurrently.
	Predict(batch datasets.Batch) (*mat.Dense, error)
	Parameters() []*Parameter
	// Save writes the weights to a directory, Load reads them back in place.
	Save(path string) error
	Load(path string) error
}

// ZeroGrad clears the gradients of all parameters.
func ZeroGrad(params []*Parameter) {
	for _, p := range params {
		clear(p.Grad)
	}
}
