// Package metrics computes the relation extraction evaluation scores.
package metrics

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"

	"github.com/knights-analytics/retune/labels"
	"github.com/knights-analytics/retune/losses"
	"github.com/knights-analytics/retune/util/errutil"
)

const (
	MicroF1  = "micro_f1"
	AUPRC    = "auprc"
	Accuracy = "accuracy"
	Loss     = "loss"
)

// aliases maps accepted metric_for_best_model names to result keys.
var aliases = map[string]string{
	"f1":        MicroF1,
	MicroF1:     MicroF1,
	AUPRC:       AUPRC,
	Accuracy:    Accuracy,
	"acc":       Accuracy,
	Loss:        Loss,
	"eval_loss": Loss,
}

var noRelation, _ = labels.ID(labels.NoRelation)

// Result holds metric values by key.
type Result map[string]float64

// Resolve maps a metric name to its result key and whether larger values are better.
// An "eval_" prefix is accepted.
func Resolve(name string) (string, bool, error) {
	key, ok := aliases[strings.ToLower(name)]
	if !ok {
		key, ok = aliases[strings.TrimPrefix(strings.ToLower(name), "eval_")]
	}
	if !ok {
		return "", false, errutil.NewConfigurationError("metric_for_best_model", name, "unknown metric")
	}
	return key, key != Loss, nil
}

// Compute returns micro F1, AUPRC and accuracy for a batch of logits.
func Compute(logits mat.Matrix, targets []int) (Result, error) {
	rows, cols := logits.Dims()
	if rows != len(targets) {
		return nil, fmt.Errorf("%d rows of logits for %d labels", rows, len(targets))
	}
	if rows == 0 {
		return nil, errors.New("no predictions to evaluate")
	}
	for _, target := range targets {
		if target < 0 || target >= cols {
			return nil, fmt.Errorf("label %d outside [0, %d)", target, cols)
		}
	}
	predictions := Argmax(logits)
	return Result{
		MicroF1:  MicroF1Score(predictions, targets),
		AUPRC:    AUPRCScore(losses.Softmax(logits), targets),
		Accuracy: AccuracyScore(predictions, targets),
	}, nil
}

// Argmax returns the index of the largest logit of every row.
func Argmax(logits mat.Matrix) []int {
	rows, cols := logits.Dims()
	out := make([]int, rows)
	row := make([]float64, cols)
	for i := range out {
		mat.Row(row, i, logits)
		out[i] = floats.MaxIdx(row)
	}
	return out
}

// MicroF1Score is the micro averaged F1 over all relation labels except no_relation, scaled to 0-100.
func MicroF1Score(predictions, targets []int) float64 {
	var truePositives, predicted, actual float64
	for i, prediction := range predictions {
		if prediction != noRelation {
			predicted++
		}
		if targets[i] != noRelation {
			actual++
			if prediction == targets[i] {
				truePositives++
			}
		}
	}
	if predicted+actual == 0 {
		return 0
	}
	return 2 * truePositives / (predicted + actual) * 100
}

// AUPRCScore is the area under the precision recall curve of every class averaged over classes,
// scaled to 0-100. Classes without positive examples are left out of the average.
func AUPRCScore(probabilities mat.Matrix, targets []int) float64 {
	_, cols := probabilities.Dims()
	var total float64
	var counted int
	scores := make([]float64, len(targets))
	for class := 0; class < cols; class++ {
		mat.Col(scores, class, probabilities)
		area, ok := averagePrecisionArea(scores, targets, class)
		if !ok {
			continue
		}
		total += area
		counted++
	}
	if counted == 0 {
		return 0
	}
	return total / float64(counted) * 100
}

// averagePrecisionArea integrates the precision recall curve of one class with the trapezoid rule.
func averagePrecisionArea(scores []float64, targets []int, class int) (float64, bool) {
	var positives float64
	for _, target := range targets {
		if target == class {
			positives++
		}
	}
	if positives == 0 {
		return 0, false
	}
	order := make([]int, len(scores))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(scores[b], scores[a])
	})

	// the curve starts at recall 0, precision 1
	previousRecall, previousPrecision := 0.0, 1.0
	var area, truePositives, falsePositives float64
	for i, index := range order {
		if targets[index] == class {
			truePositives++
		} else {
			falsePositives++
		}
		// only emit a point once every example sharing this score is counted
		if i+1 < len(order) && scores[order[i+1]] == scores[index] {
			continue
		}
		recall := truePositives / positives
		precision := truePositives / (truePositives + falsePositives)
		area += (recall - previousRecall) * (precision + previousPrecision) / 2
		previousRecall, previousPrecision = recall, precision
	}
	return area, true
}

// AccuracyScore is the fraction of correct predictions.
func AccuracyScore(predictions, targets []int) float64 {
	if len(targets) == 0 {
		return 0
	}
	var correct float64
	for i, prediction := range predictions {
		if prediction == targets[i] {
			correct++
		}
	}
	return correct / float64(len(targets))
}

// Improved reports whether value beats best by more than threshold in the metric's direction.
func Improved(value, best, threshold float64, greaterIsBetter bool) bool {
	if greaterIsBetter {
		return value > best+threshold
	}
	return value < best-threshold
}
